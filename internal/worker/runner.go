package worker

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/pkg/distlock"
	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// Runner drives the pipeline on a fixed tick. Multiple replicas may run
// concurrently; the tick lock only dedupes work, correctness is guaranteed
// by the row claims and the tick cursor underneath.
type Runner struct {
	pipeline *Pipeline
	interval time.Duration
	lock     distlock.DistLock

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewRunner builds a runner. redisClient may be nil; the tick lock then
// falls back to a Postgres advisory lock.
func NewRunner(pipeline *Pipeline, cfg config.WorkerConfig, redisClient *redis.Client, db *sql.DB) *Runner {
	interval := cfg.TickInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		pipeline: pipeline,
		interval: interval,
		lock:     distlock.NewLock(redisClient, db, "worker-tick", interval*2),
	}
}

// Start launches the tick loop. Safe to call once; subsequent calls are
// no-ops until Stop.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop(r.stopCh)

	logger.Info("outbox worker started", "tick_interval", r.interval.String())
}

// Stop signals the loop and waits for the in-flight tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logger.Info("outbox worker stopped")
}

func (r *Runner) loop(stopCh chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Immediate first tick so a fresh deploy does not sit idle for a
	// whole interval.
	r.tick()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval*4)
	defer cancel()

	if r.lock != nil {
		acquired, err := r.lock.Acquire(ctx)
		if err != nil {
			// The lock is an optimization; a broken lock backend must not
			// halt sending.
			logger.Warn("tick lock unavailable, proceeding", "error", err.Error())
		} else if !acquired {
			return
		} else {
			defer func() {
				if err := r.lock.Release(ctx); err != nil {
					logger.Warn("tick lock release failed", "error", err.Error())
				}
			}()
		}
	}

	r.pipeline.RunOnce(ctx)
}
