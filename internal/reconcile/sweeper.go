package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the abandonment sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs SweepAbandoned on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules svc's sweep. An empty schedule uses
// DefaultSweepSchedule.
func NewSweeper(svc *Service, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := svc.SweepAbandoned(context.Background()); err != nil {
			slog.Error("abandonment sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return &Sweeper{cron: c}, nil
}

// Start begins running the schedule in the background.
func (w *Sweeper) Start() {
	w.cron.Start()
}

// Stop stops scheduling and waits for a running sweep, or ctx.
func (w *Sweeper) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
