package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/loreweaver/pkg/logger"
)

// Pruner removes idle sessions.
type Pruner interface {
	PruneInactive(ctx context.Context) (int64, error)
}

// Janitor prunes idle sessions on a cron schedule.
type Janitor struct {
	schedule string
	pruner   Pruner
	now      func() time.Time
}

func NewJanitor(schedule string, pruner Pruner) (*Janitor, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	return &Janitor{schedule: schedule, pruner: pruner, now: time.Now}, nil
}

// NextRun reports the first scheduled tick strictly after from.
func (j *Janitor) NextRun(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.schedule, from, false)
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.pruner.PruneInactive(ctx)
	if err != nil {
		logger.WarnCF("sessions", "Session prune failed", map[string]interface{}{"error": err.Error()})
		return 0, err
	}
	if n > 0 {
		logger.InfoCF("sessions", "Pruned inactive sessions", map[string]interface{}{"deleted": n})
	}
	return n, nil
}

// Run prunes at every scheduled tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next, err := j.NextRun(j.now())
		if err != nil {
			return fmt.Errorf("compute next janitor run: %w", err)
		}
		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		_, _ = j.RunOnce(ctx)
	}
}
