// Package scheduler coalesces bursts of webhook deliveries into a single
// delayed run of a named task.
//
// A run is armed only by the caller that wins the task's lease, so concurrent
// processes sharing a store schedule at most one run between them. The lease
// outlives the delay by a grace period and then expires on its own, so a
// process that dies or is frozen before firing does not block later arms.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"linebot/internal/store"
)

// DefaultGrace is how long a lease outlives the scheduled delay.
const DefaultGrace = 30 * time.Second

// Task is a deferred unit of work.
type Task func(ctx context.Context)

type pending struct {
	timer *time.Timer
	gen   uint64
}

// Guard implements arm-if-not-already scheduling on top of a store.Leaser.
type Guard struct {
	leases store.Leaser
	holder string
	grace  time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	pending map[string]pending
	gen     uint64
	running sync.WaitGroup
}

type Option func(*Guard)

// WithHolder sets the lease holder identity. It defaults to a random id per Guard.
func WithHolder(holder string) Option {
	return func(g *Guard) {
		if holder != "" {
			g.holder = holder
		}
	}
}

func WithGrace(d time.Duration) Option {
	return func(g *Guard) {
		if d >= 0 {
			g.grace = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func New(leases store.Leaser, opts ...Option) (*Guard, error) {
	if leases == nil {
		return nil, errors.New("scheduler: leaser must not be nil")
	}
	g := &Guard{
		leases:  leases,
		holder:  uuid.NewString(),
		grace:   DefaultGrace,
		log:     slog.Default(),
		tasks:   map[string]Task{},
		pending: map[string]pending{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Register binds a task to name. Registering the same name again replaces it.
func (g *Guard) Register(name string, task Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[name] = task
}

// ArmIfNotAlready schedules the named task to run after delay unless a run is
// already pending here or another holder owns the lease. It reports whether
// this call armed a run.
func (g *Guard) ArmIfNotAlready(ctx context.Context, name string, delay time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[name]
	if !ok {
		return false, fmt.Errorf("scheduler: no task registered as %q", name)
	}
	if _, armed := g.pending[name]; armed {
		return false, nil
	}
	if err := g.leases.Acquire(ctx, name, g.holder, delay+g.grace); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return false, nil
		}
		return false, fmt.Errorf("scheduler: acquire %s: %w", name, err)
	}

	g.gen++
	gen := g.gen
	runCtx := context.WithoutCancel(ctx)
	g.running.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer g.running.Done()
		g.mu.Lock()
		// A run that fires frees the slot, so events arriving while it
		// works can arm a follow-up run.
		if p, ok := g.pending[name]; ok && p.gen == gen {
			delete(g.pending, name)
		}
		g.mu.Unlock()
		g.log.Debug("scheduled task firing", "task", name)
		task(runCtx)
	})
	g.pending[name] = pending{timer: timer, gen: gen}
	g.log.Debug("scheduled task armed", "task", name, "delay", delay)
	return true, nil
}

// Disarm is called by a task when it finishes. It releases the lease unless a
// follow-up run has been armed in the meantime.
func (g *Guard) Disarm(ctx context.Context, name string) error {
	g.mu.Lock()
	_, followUp := g.pending[name]
	g.mu.Unlock()
	if followUp {
		return nil
	}
	if err := g.leases.Release(ctx, name, g.holder); err != nil {
		return fmt.Errorf("scheduler: release %s: %w", name, err)
	}
	return nil
}

// Cancel stops a pending run of name, if any, and releases the lease.
func (g *Guard) Cancel(ctx context.Context, name string) error {
	g.mu.Lock()
	if p, ok := g.pending[name]; ok {
		if p.timer.Stop() {
			g.running.Done()
		}
		delete(g.pending, name)
	}
	g.mu.Unlock()
	if err := g.leases.Release(ctx, name, g.holder); err != nil {
		return fmt.Errorf("scheduler: release %s: %w", name, err)
	}
	return nil
}

// Pending reports whether a run of name is armed and has not fired yet.
func (g *Guard) Pending(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[name]
	return ok
}

// Wait blocks until every armed run has fired and returned, or ctx is done.
func (g *Guard) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
