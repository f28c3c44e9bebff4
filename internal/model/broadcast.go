package model

import (
	"sync"
	"time"
)

type BroadcastStatus string

const (
	BroadcastRunning   BroadcastStatus = "running"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

type BroadcastOutcome struct {
	Recipient string `json:"recipient"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BroadcastReport is a point-in-time copy of a job.
type BroadcastReport struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"sessionId"`
	Status     BroadcastStatus    `json:"status"`
	Total      int                `json:"total"`
	Sent       int                `json:"sent"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Results    []BroadcastOutcome `json:"results"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
}

// BroadcastJob tracks a broadcast while it runs. Sent counts attempts,
// not successes.
type BroadcastJob struct {
	ID         string
	SessionID  string
	Recipients []string

	mu         sync.RWMutex
	status     BroadcastStatus
	outcomes   []BroadcastOutcome
	attempted  int
	succeeded  int
	failed     int
	startedAt  time.Time
	finishedAt time.Time
	cancel     func()
}

func NewBroadcastJob(id, sessionID string, recipients []string) *BroadcastJob {
	return &BroadcastJob{
		ID:         id,
		SessionID:  sessionID,
		Recipients: recipients,
		status:     BroadcastRunning,
		outcomes:   make([]BroadcastOutcome, 0, len(recipients)),
		startedAt:  time.Now(),
	}
}

func (j *BroadcastJob) Record(o BroadcastOutcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	j.attempted++
	if o.Success {
		j.succeeded++
	} else {
		j.failed++
	}
}

// Finish closes the job. Recipients without an outcome are recorded as
// failed with reason so the tally always covers every recipient.
func (j *BroadcastJob) Finish(status BroadcastStatus, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != BroadcastRunning {
		return
	}
	for i := len(j.outcomes); i < len(j.Recipients); i++ {
		j.outcomes = append(j.outcomes, BroadcastOutcome{Recipient: j.Recipients[i], Error: reason})
		j.failed++
	}
	j.status = status
	j.finishedAt = time.Now()
}

func (j *BroadcastJob) SetCancel(cancel func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancel = cancel
}

// Cancel stops a running job. Reports false if it already finished.
func (j *BroadcastJob) Cancel() bool {
	j.mu.RLock()
	running := j.status == BroadcastRunning
	cancel := j.cancel
	j.mu.RUnlock()
	if !running || cancel == nil {
		return false
	}
	cancel()
	return true
}

func (j *BroadcastJob) Done() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status != BroadcastRunning
}

func (j *BroadcastJob) Report() BroadcastReport {
	j.mu.RLock()
	defer j.mu.RUnlock()
	r := BroadcastReport{
		ID:        j.ID,
		SessionID: j.SessionID,
		Status:    j.status,
		Total:     len(j.Recipients),
		Sent:      j.attempted,
		Succeeded: j.succeeded,
		Failed:    j.failed,
		Results:   append(make([]BroadcastOutcome, 0, len(j.outcomes)), j.outcomes...),
		StartedAt: j.startedAt,
	}
	if !j.finishedAt.IsZero() {
		at := j.finishedAt
		r.FinishedAt = &at
	}
	return r
}
