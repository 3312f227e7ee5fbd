package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/PortNumber53/crosspost/internal/billing"
	"github.com/robfig/cron/v3"
)

const (
	DefaultResetSpec = "@every 1h"
	DefaultGraceSpec = "@every 30m"
)

// Passes are the two reconciliation passes; billing.Manager implements them.
type Passes interface {
	ResetDueUsage(ctx context.Context) (billing.ResetReport, error)
	SettleOverdue(ctx context.Context) (billing.SettleReport, error)
}

// Reconciler runs the usage reset pass and the grace pass on their own cron entries
// for the lifetime of the context passed to Start.
type Reconciler struct {
	Passes    Passes
	ResetSpec string // default: DefaultResetSpec
	GraceSpec string // default: DefaultGraceSpec
	Logger    *log.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func (r *Reconciler) EnsureDefaults() {
	if r.ResetSpec == "" {
		r.ResetSpec = DefaultResetSpec
	}
	if r.GraceSpec == "" {
		r.GraceSpec = DefaultGraceSpec
	}
	if r.Logger == nil {
		r.Logger = log.Default()
	}
}

// Start registers both passes and starts the scheduler. A running job is skipped
// rather than overlapped. The scheduler stops when ctx is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.EnsureDefaults()
	if r.Passes == nil {
		return errors.New("reconciler: Passes is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reconciler: already started")
	}

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(r.ResetSpec, func() { r.resetPass(ctx) }); err != nil {
		return fmt.Errorf("reconciler: reset schedule %q: %w", r.ResetSpec, err)
	}
	if _, err := c.AddFunc(r.GraceSpec, func() { r.gracePass(ctx) }); err != nil {
		return fmt.Errorf("reconciler: grace schedule %q: %w", r.GraceSpec, err)
	}
	c.Start()
	r.cron = c
	r.Logger.Printf("[Reconciler] started reset=%q grace=%q", r.ResetSpec, r.GraceSpec)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the scheduler and waits for running passes to return. It is safe to call
// more than once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.Logger.Printf("[Reconciler] stopped")
}

// RunOnce runs both passes immediately, e.g. to catch up at startup.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	r.EnsureDefaults()
	return errors.Join(r.resetPass(ctx), r.gracePass(ctx))
}

func (r *Reconciler) resetPass(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rep, err := r.Passes.ResetDueUsage(ctx)
	if err != nil {
		r.Logger.Printf("[Reconciler] reset_pass error: %v", err)
		return err
	}
	if rep.Reset > 0 || rep.Expired > 0 {
		r.Logger.Printf("[Reconciler] reset_pass reset=%d expired=%d", rep.Reset, rep.Expired)
	}
	return nil
}

func (r *Reconciler) gracePass(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rep, err := r.Passes.SettleOverdue(ctx)
	if err != nil {
		r.Logger.Printf("[Reconciler] grace_pass error: %v", err)
		return err
	}
	if rep.RolledOver > 0 || rep.Charged > 0 || rep.Downgraded > 0 {
		r.Logger.Printf("[Reconciler] grace_pass rolledOver=%d charged=%d downgraded=%d", rep.RolledOver, rep.Charged, rep.Downgraded)
	}
	return nil
}
