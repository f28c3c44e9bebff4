package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"whatsapp-dashboard/internal/model"
	"whatsapp-dashboard/internal/whatsapp"
	"whatsapp-dashboard/internal/ws"
)

const (
	DefaultMaxRecipients = 100
	maxRetainedJobs      = 50
)

type BroadcastRequest struct {
	SessionID    string
	Recipients   []string
	Content      whatsapp.Content
	DelaySeconds float64
}

// Sender is the part of the Supervisor a broadcast needs.
type Sender interface {
	Exists(id string) bool
	Send(ctx context.Context, id, to string, content whatsapp.Content) (model.OutboundMessage, error)
}

type BroadcastConfig struct {
	MaxRecipients int
	// process-wide cap across concurrent jobs, 0 disables it
	RatePerSecond float64
}

// Broadcaster sends one content to many recipients on one session, in
// order, pausing between sends.
type Broadcaster struct {
	sender   Sender
	realtime ws.RealtimePublisher
	limiter  *rate.Limiter
	maxRcpt  int
	log      zerolog.Logger

	// unit of DelaySeconds
	delayUnit time.Duration

	mu    sync.RWMutex
	jobs  map[string]*model.BroadcastJob
	order []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroadcaster(sender Sender, realtime ws.RealtimePublisher, cfg BroadcastConfig, log zerolog.Logger) *Broadcaster {
	if realtime == nil {
		realtime = ws.NopPublisher{}
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		sender:    sender,
		realtime:  realtime,
		limiter:   limiter,
		maxRcpt:   cfg.MaxRecipients,
		log:       log,
		delayUnit: time.Second,
		jobs:      make(map[string]*model.BroadcastJob),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *Broadcaster) validate(req BroadcastRequest) error {
	if len(req.Recipients) == 0 {
		return newValidationError("numbers", "at least one recipient is required")
	}
	if len(req.Recipients) > b.maxRcpt {
		return newValidationError("numbers", fmt.Sprintf("at most %d recipients per broadcast", b.maxRcpt))
	}
	for i, r := range req.Recipients {
		if strings.TrimSpace(r) == "" {
			return newValidationError("numbers", fmt.Sprintf("recipient %d is empty", i))
		}
	}
	if err := whatsapp.Validate(req.Content); err != nil {
		return newValidationError("message", err.Error())
	}
	if req.DelaySeconds < 0 {
		return newValidationError("delaySeconds", "must not be negative")
	}
	if !b.sender.Exists(req.SessionID) {
		return ErrSessionNotFound
	}
	return nil
}

// Run broadcasts synchronously and returns the finished report. Individual
// recipient failures are part of the report, not an error.
func (b *Broadcaster) Run(ctx context.Context, req BroadcastRequest) (model.BroadcastReport, error) {
	if err := b.validate(req); err != nil {
		return model.BroadcastReport{}, err
	}
	job := b.newJob(req)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	job.SetCancel(cancel)

	b.execute(ctx, job, req)
	return job.Report(), nil
}

// Start validates and runs the broadcast in the background. Progress is
// available through Job and broadcast_progress events.
func (b *Broadcaster) Start(req BroadcastRequest) (model.BroadcastReport, error) {
	if err := b.validate(req); err != nil {
		return model.BroadcastReport{}, err
	}
	job := b.newJob(req)
	ctx, cancel := context.WithCancel(b.ctx)
	job.SetCancel(cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		b.execute(ctx, job, req)
	}()
	return job.Report(), nil
}

func (b *Broadcaster) Job(id string) (model.BroadcastReport, error) {
	b.mu.RLock()
	job, ok := b.jobs[id]
	b.mu.RUnlock()
	if !ok {
		return model.BroadcastReport{}, ErrBroadcastNotFound
	}
	return job.Report(), nil
}

// Cancel stops a running job. Unsent recipients are reported as failed.
func (b *Broadcaster) Cancel(id string) (model.BroadcastReport, error) {
	b.mu.RLock()
	job, ok := b.jobs[id]
	b.mu.RUnlock()
	if !ok {
		return model.BroadcastReport{}, ErrBroadcastNotFound
	}
	job.Cancel()
	return job.Report(), nil
}

// Close cancels running jobs and waits for them to record their tallies.
func (b *Broadcaster) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Broadcaster) newJob(req BroadcastRequest) *model.BroadcastJob {
	job := model.NewBroadcastJob(uuid.NewString(), req.SessionID, append([]string(nil), req.Recipients...))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[job.ID] = job
	b.order = append(b.order, job.ID)
	// keep running jobs, drop the oldest finished ones
	for len(b.order) > maxRetainedJobs {
		dropped := false
		for i, id := range b.order {
			if j := b.jobs[id]; j == nil || j.Done() {
				delete(b.jobs, id)
				b.order = append(b.order[:i], b.order[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return job
}

func (b *Broadcaster) execute(ctx context.Context, job *model.BroadcastJob, req BroadcastRequest) {
	log := b.log.With().Str("broadcast", job.ID).Str("session", req.SessionID).Logger()
	log.Info().Int("recipients", len(req.Recipients)).Float64("delay_seconds", req.DelaySeconds).Msg("broadcast started")

	delay := time.Duration(req.DelaySeconds * float64(b.delayUnit))
	attempted := 0

	for i, recipient := range req.Recipients {
		if i > 0 && delay > 0 {
			if !sleepWithContext(ctx, delay) {
				break
			}
		}
		if err := b.limiter.Wait(ctx); err != nil {
			break
		}

		outcome := model.BroadcastOutcome{Recipient: recipient}
		rec, err := b.sender.Send(ctx, req.SessionID, recipient, req.Content)
		if err != nil {
			outcome.Error = err.Error()
			log.Debug().Err(err).Str("recipient", recipient).Msg("broadcast send failed")
		} else {
			outcome.Success = true
			outcome.MessageID = rec.ID
		}
		job.Record(outcome)
		attempted++
		b.publishProgress(job)
	}

	if attempted < len(req.Recipients) {
		job.Finish(model.BroadcastCancelled, ErrBroadcastCancelled.Error())
	} else {
		job.Finish(model.BroadcastCompleted, "")
	}
	b.publishProgress(job)

	r := job.Report()
	log.Info().Str("status", string(r.Status)).Int("succeeded", r.Succeeded).Int("failed", r.Failed).Msg("broadcast finished")
}

func (b *Broadcaster) publishProgress(job *model.BroadcastJob) {
	r := job.Report()
	r.Results = nil
	b.realtime.Publish(ws.WsEvent{Event: ws.EventBroadcastProgress, SessionID: job.SessionID, Data: r})
}

