package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Controller.Start on a running controller.
var ErrAlreadyStarted = errors.New("controller already started")

// Controller runs a Scheduler and the expiry sweeper on background goroutines
// and stops them cooperatively.
type Controller struct {
	sched *Scheduler
	log   *slog.Logger

	// lifecycle serialises Start and Stop; mu guards running alone so
	// Running never waits on a shutdown in progress.
	lifecycle sync.Mutex
	mu        sync.Mutex
	stop      chan struct{}
	wg        sync.WaitGroup
	running   bool

	// releaseTimeout bounds how long Stop waits for executors that outlived
	// their timeout to hand back their connections.
	releaseTimeout time.Duration
}

// NewController creates a Controller for s.
func NewController(s *Scheduler) *Controller {
	return &Controller{sched: s, log: s.log, releaseTimeout: s.cfg.Lease}
}

// Start launches the scheduler loop and, when configured, the expiry sweeper.
// ctx is the base context for store calls and executions; cancelling it aborts
// in-flight work, whereas Stop lets it finish.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}
	c.running = true
	c.stop = make(chan struct{})

	stop := c.stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sched.Run(ctx, stop)
	}()

	if c.sched.cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runSweeper(ctx, stop)
		}()
	}
	return nil
}

// Stop signals shutdown and blocks until every goroutine started by Start has
// exited. Actions already executing run to completion or to their timeout.
// Executors that ignored their timeout get up to one Lease to return their
// connections; any still out after that are logged, and closing the
// pool will wait for them. Stop on a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}

	close(c.stop)
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	if err := c.sched.WaitReleased(ctx); err != nil {
		c.log.Warn("executors outlived shutdown", "err", err)
	}

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.Info("controller stopped")
}

// Running reports whether Start has been called without a matching Stop
// having returned.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// runSweeper periodically cancels expired pending actions. Uses
// time.NewTicker (not time.After) to avoid timer leaks.
func (c *Controller) runSweeper(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.sched.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.sched.SweepExpired(ctx)
			if err != nil {
				c.log.Error("expiry sweep", "err", err)
				continue
			}
			if n > 0 {
				c.log.Info("cancelled expired actions", "count", n)
			}
		}
	}
}
