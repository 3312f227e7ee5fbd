package workers

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/PortNumber53/crosspost/internal/billing"
	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store/storetest"
)

type countingPasses struct {
	mu       sync.Mutex
	resets   int
	settles  int
	resetErr error
	called   chan string
}

func (p *countingPasses) ResetDueUsage(ctx context.Context) (billing.ResetReport, error) {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
	p.signal("reset")
	return billing.ResetReport{Reset: 1}, p.resetErr
}

func (p *countingPasses) SettleOverdue(ctx context.Context) (billing.SettleReport, error) {
	p.mu.Lock()
	p.settles++
	p.mu.Unlock()
	p.signal("grace")
	return billing.SettleReport{}, nil
}

func (p *countingPasses) signal(name string) {
	if p.called == nil {
		return
	}
	select {
	case p.called <- name:
	default:
	}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRunOnce_RunsBothPasses(t *testing.T) {
	p := &countingPasses{}
	r := &Reconciler{Passes: p, Logger: quietLogger()}
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if p.resets != 1 || p.settles != 1 {
		t.Fatalf("expected one of each pass, got resets=%d settles=%d", p.resets, p.settles)
	}
}

func TestRunOnce_ErrorDoesNotSkipGracePass(t *testing.T) {
	p := &countingPasses{resetErr: errors.New("db down")}
	r := &Reconciler{Passes: p, Logger: quietLogger()}
	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if p.settles != 1 {
		t.Fatalf("grace pass must still run")
	}
}

func TestRunOnce_CancelledContext(t *testing.T) {
	p := &countingPasses{}
	r := &Reconciler{Passes: p, Logger: quietLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if p.resets != 0 || p.settles != 0 {
		t.Fatalf("no pass may run after cancellation")
	}
}

func TestStart_SchedulesAndStops(t *testing.T) {
	p := &countingPasses{called: make(chan string, 4)}
	r := &Reconciler{Passes: p, ResetSpec: "@every 1s", GraceSpec: "@every 1h", Logger: quietLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatalf("second Start must fail")
	}
	select {
	case name := <-p.called:
		if name != "reset" {
			t.Fatalf("expected reset pass first, got %s", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reset pass was not scheduled")
	}
	r.Stop()
	r.Stop()
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	r := &Reconciler{Passes: &countingPasses{}, ResetSpec: "every hour", Logger: quietLogger()}
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
}

func TestRunOnce_AgainstManagerIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	st := storetest.New()
	st.PutPlan(models.SubscriptionPlan{ID: "basic", Tier: models.TierBasic, Interval: models.IntervalMonthly, Active: true})
	st.PutSubscription(models.UserSubscription{
		ID: "s1", UserID: "u1", PlanID: "basic", Active: true, AutoSubscribe: true,
		EndDate: now.Add(10 * 24 * time.Hour), NextResetDate: now.Add(-time.Hour), PostsUsed: 5,
	})
	m := &billing.Manager{Store: st, Logger: quietLogger(), Now: func() time.Time { return now }}
	r := &Reconciler{Passes: m, Logger: quietLogger()}

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	first := st.Subscriptions("u1")
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	second := st.Subscriptions("u1")
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("unexpected rows %d/%d", len(first), len(second))
	}
	if first[0].PostsUsed != 0 || second[0] != first[0] {
		t.Fatalf("second run must not change state: %#v vs %#v", first[0], second[0])
	}
}
