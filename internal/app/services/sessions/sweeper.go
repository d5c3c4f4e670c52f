package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sealedai/relay/internal/app/system"
	"github.com/sealedai/relay/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// DefaultSweepSchedule runs the expiry sweep every minute. Submit-time
// checks stay authoritative; the sweep only settles stored state.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically expires overdue sessions on a cron schedule.
type Sweeper struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper constructs a lifecycle-managed expiry sweeper. An empty
// schedule gets DefaultSweepSchedule.
func NewSweeper(service *Service, schedule string, log *logger.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = logger.NewDefault("session-sweeper")
	}
	return &Sweeper{service: service, schedule: schedule, log: log}
}

func (w *Sweeper) Name() string { return "session-sweeper" }

func (w *Sweeper) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, w.sweep); err != nil {
		return err
	}
	c.Start()

	w.cron = c
	w.running = true
	w.log.WithField("schedule", w.schedule).Info("session sweeper started")
	return nil
}

func (w *Sweeper) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	c := w.cron
	w.cron = nil
	w.running = false
	w.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.Info("session sweeper stopped")
	return nil
}

func (w *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := w.service.ExpireDue(ctx, time.Now())
	if err != nil {
		w.log.WithError(err).Warn("session sweep failed")
		return
	}
	if expired > 0 {
		w.log.WithField("expired", expired).Info("session sweep settled overdue sessions")
	}
}
