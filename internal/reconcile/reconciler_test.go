package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_vip_access_bot/internal/ledger"
	"tg_vip_access_bot/internal/tariff"
)

type fakePruner struct {
	expired  []ledger.Expired
	err      error
	panicMsg string
	calls    int
}

func (f *fakePruner) PruneExpired(context.Context, time.Time) ([]ledger.Expired, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.expired, nil
}

type revokeCall struct {
	groupID int64
	userID  int64
}

type fakeRevoker struct {
	calls  []revokeCall
	errFor map[int64]error
}

func (f *fakeRevoker) Revoke(_ context.Context, groupID, userID int64) error {
	f.calls = append(f.calls, revokeCall{groupID: groupID, userID: userID})
	if err, ok := f.errFor[userID]; ok {
		return err
	}
	return nil
}

func testCatalog(t *testing.T) *tariff.Catalog {
	t.Helper()

	catalog, err := tariff.NewCatalog([]tariff.Definition{
		{ID: "t1", Name: "VIP Main", DurationDays: 30, GroupID: 555},
	})
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}

	return catalog
}

func newTestReconciler(t *testing.T, pruner *fakePruner, revoker *fakeRevoker, opts ...Option) *Reconciler {
	t.Helper()

	hookLogger, _ := logtest.NewNullLogger()
	return New(pruner, testCatalog(t), revoker, logrus.NewEntry(hookLogger), opts...)
}

func TestRunCycleRevokesExpiredGrant(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{expired: []ledger.Expired{
		{UserID: 42, Grant: ledger.GrantRecord{TariffID: "t1", ExpiresAt: now.Add(-time.Hour)}},
	}}
	revoker := &fakeRevoker{}

	reconciler := newTestReconciler(t, pruner, revoker)

	expired, failed := reconciler.RunCycle(context.Background(), now)
	if expired != 1 || failed != 0 {
		t.Fatalf("expected 1 expired / 0 failed, got %d / %d", expired, failed)
	}

	if len(revoker.calls) != 1 {
		t.Fatalf("expected exactly one revoke call, got %d", len(revoker.calls))
	}
	if revoker.calls[0] != (revokeCall{groupID: 555, userID: 42}) {
		t.Fatalf("unexpected revoke call: %+v", revoker.calls[0])
	}
}

func TestRunCycleIsolatesRevokeFailures(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{expired: []ledger.Expired{
		{UserID: 1, Grant: ledger.GrantRecord{TariffID: "t1", ExpiresAt: now.Add(-time.Hour)}},
		{UserID: 2, Grant: ledger.GrantRecord{TariffID: "t1", ExpiresAt: now.Add(-time.Hour)}},
	}}
	revoker := &fakeRevoker{errFor: map[int64]error{1: errors.New("not enough rights")}}

	reconciler := newTestReconciler(t, pruner, revoker)

	expired, failed := reconciler.RunCycle(context.Background(), now)
	if expired != 2 || failed != 1 {
		t.Fatalf("expected 2 expired / 1 failed, got %d / %d", expired, failed)
	}

	// User 2 is still revoked despite user 1's failure.
	if len(revoker.calls) != 2 || revoker.calls[1].userID != 2 {
		t.Fatalf("expected both users attempted, got %+v", revoker.calls)
	}
}

func TestRunCycleSkipsRevokeForDeletedTariff(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	pruner := &fakePruner{expired: []ledger.Expired{
		{UserID: 42, Grant: ledger.GrantRecord{TariffID: "gone", ExpiresAt: now.Add(-time.Hour)}},
	}}
	revoker := &fakeRevoker{}

	hookLogger, hook := logtest.NewNullLogger()
	reconciler := New(pruner, testCatalog(t), revoker, logrus.NewEntry(hookLogger))

	expired, failed := reconciler.RunCycle(context.Background(), now)
	if expired != 1 || failed != 0 {
		t.Fatalf("expected 1 expired / 0 failed, got %d / %d", expired, failed)
	}

	if len(revoker.calls) != 0 {
		t.Fatalf("expected no revoke calls for a deleted tariff, got %+v", revoker.calls)
	}

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["event"] == "reconcile_unknown_tariff" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a data-consistency warning for the deleted tariff")
	}
}

func TestRunCycleStopsOnPruneError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("persistence unavailable")}
	revoker := &fakeRevoker{}

	reconciler := newTestReconciler(t, pruner, revoker)

	expired, failed := reconciler.RunCycle(context.Background(), time.Now())
	if expired != 0 || failed != 0 {
		t.Fatalf("expected failed cycle to report nothing, got %d / %d", expired, failed)
	}

	if len(revoker.calls) != 0 {
		t.Fatalf("expected no revokes after prune failure, got %+v", revoker.calls)
	}
}

func TestRunStopsOnCancelAndSurvivesPanics(t *testing.T) {
	pruner := &fakePruner{panicMsg: "boom"}
	revoker := &fakeRevoker{}

	reconciler := newTestReconciler(t, pruner, revoker,
		WithInterval(time.Millisecond),
		WithClock(func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconciler.Run(ctx)
		close(done)
	}()

	// Let a few panicking cycles execute, then stop the loop.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to stop after cancellation")
	}

	if pruner.calls < 2 {
		t.Fatalf("expected the loop to survive panicking cycles, got %d calls", pruner.calls)
	}
}
