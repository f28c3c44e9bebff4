package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Beater announces presence on connected sessions and reports how many
// sessions it reached.
type Beater interface {
	Heartbeat(ctx context.Context) int
}

// HeartbeatWorker runs the presence heartbeat on a cron schedule.
type HeartbeatWorker struct {
	beater  Beater
	c       *cron.Cron
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHeartbeatWorker accepts standard cron expressions with optional seconds
// and descriptors such as "@every 5m".
func NewHeartbeatWorker(beater Beater, schedule string, log zerolog.Logger) (*HeartbeatWorker, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	w := &HeartbeatWorker{
		beater:  beater,
		c:       cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
		log:     log,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	if _, err := w.c.AddFunc(schedule, w.beat); err != nil {
		return nil, fmt.Errorf("invalid heartbeat schedule %q: %w", schedule, err)
	}
	return w, nil
}

func (w *HeartbeatWorker) Start() {
	w.log.Info().Msg("heartbeat worker started")
	w.c.Start()
}

// Stop halts the schedule and waits for a running heartbeat to finish.
func (w *HeartbeatWorker) Stop(ctx context.Context) {
	w.cancel()
	done := w.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	w.log.Info().Msg("heartbeat worker stopped")
}

func (w *HeartbeatWorker) beat() {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	start := time.Now()
	n := w.beater.Heartbeat(ctx)
	w.log.Debug().Int("sessions", n).Dur("took", time.Since(start)).Msg("presence heartbeat sent")
}
