// Package janitor runs periodic maintenance on a cron schedule.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"warden.id/internal/obs"
)

const pruneJob = "prune_idle_sessions"

// Pruner deletes sessions idle for longer than retention.
type Pruner interface {
	PruneIdle(ctx context.Context, retention time.Duration) (int, error)
}

type Janitor struct {
	cron      *cron.Cron
	pruner    Pruner
	retention time.Duration
	timeout   time.Duration
}

// Option configures Janitor.
type Option func(*Janitor)

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// New creates a janitor that prunes with p. It does nothing until Schedule and Start.
func New(p Pruner, retention time.Duration, opts ...Option) (*Janitor, error) {
	if p == nil {
		return nil, errors.New("janitor: pruner is required")
	}
	j := &Janitor{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		pruner:    p,
		retention: retention,
		timeout:   time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Schedule registers the prune job with a standard cron spec or descriptor such as "@hourly".
// A zero retention schedules nothing.
func (j *Janitor) Schedule(spec string) error {
	if j.retention <= 0 {
		obs.Logger().Info("idle session pruning disabled")
		return nil
	}
	if _, err := j.cron.AddFunc(spec, func() { _, _ = j.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule %s: %w", pruneJob, err)
	}
	return nil
}

// RunOnce prunes immediately.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	start := time.Now()
	n, err := j.pruner.PruneIdle(ctx, j.retention)
	if err != nil {
		obs.ObserveJanitorRun(pruneJob, "error")
		obs.Logger().Error("janitor run failed", zap.String("job", pruneJob), zap.Error(err))
		return 0, err
	}
	obs.ObserveJanitorRun(pruneJob, "ok")
	obs.Logger().Info("janitor run finished",
		zap.String("job", pruneJob),
		zap.Int("removed", n),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

// Jobs reports how many jobs are scheduled.
func (j *Janitor) Jobs() int { return len(j.cron.Entries()) }

func (j *Janitor) Start() { j.cron.Start() }

// Stop prevents new runs and waits for a running one up to ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
