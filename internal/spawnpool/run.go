package spawnpool

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"stagehand/internal/claims"
	"stagehand/internal/logging"
	"stagehand/internal/services"
)

const statusEveryTicks = 12

// Run sweeps orphans once, then on every poll interval sweeps, reaps, and
// spawns at most one worker while below MaxWorkers. It returns when ctx is
// done or the pool is stopped.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("spawn pool started",
		logging.Int("max_workers", p.opts.MaxWorkers),
		logging.Duration("poll_interval", p.opts.PollInterval),
		logging.Duration("spawn_timeout", p.opts.SpawnTimeout),
	)
	p.tick(ctx)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	if released, err := p.SweepOrphans(ctx); err != nil {
		p.logStoreError("orphan sweep failed", err)
		return
	} else if released > 0 {
		p.logger.Info("orphan sweep released claims", logging.Int("released", released))
	}
	if _, err := p.Reap(ctx); err != nil {
		p.logStoreError("worker reap failed", err)
		return
	}
	p.fill(ctx)

	p.mu.Lock()
	p.ticks++
	report := p.ticks%statusEveryTicks == 0
	p.mu.Unlock()
	if report {
		p.logStatus()
	}
}

func (p *Pool) fill(ctx context.Context) {
	if p.activeCount() >= p.opts.MaxWorkers {
		return
	}
	if _, ok := p.AvailableKind(); !ok {
		return
	}
	next, err := p.repo.NextOpen(ctx)
	if errors.Is(err, claims.ErrNotFound) {
		return
	}
	if err != nil {
		p.logStoreError("fetch open claim failed", err)
		return
	}
	if _, err := p.Spawn(ctx, next); err != nil {
		p.logStoreError("spawn failed", err)
	}
}

func (p *Pool) logStoreError(msg string, err error) {
	logging.ErrorWithContext(p.logger, msg, "pool_store_error",
		logging.String(logging.FieldErrorHint, services.Hint(err)),
		logging.Error(err),
	)
}

func (p *Pool) logStatus() {
	status := p.Snapshot()
	var (
		workers  []string
		disabled []string
	)
	for _, w := range status.Workers {
		pid := "?"
		if w.PID > 0 {
			pid = strconv.Itoa(w.PID)
		}
		workers = append(workers, string(w.Kind)+":"+pid)
	}
	for _, k := range status.Kinds {
		if k.DisabledUntil != nil {
			disabled = append(disabled, string(k.Kind))
		}
	}
	sort.Strings(disabled)
	p.logger.Info("spawn pool status",
		logging.Int("active", status.Active),
		logging.Int("max_workers", status.MaxWorkers),
		logging.String("workers", strings.Join(workers, ", ")),
		logging.String("disabled_kinds", strings.Join(disabled, ", ")),
	)
}
