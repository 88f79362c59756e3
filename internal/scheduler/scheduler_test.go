package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/sealkeeper/internal/scheduler"
	"github.com/jmerrifield20/sealkeeper/internal/seal/model"
)

var ctx = context.Background()

// ── Stubs ──────────────────────────────────────────────────────────────────

type stubEngine struct {
	mu      sync.Mutex
	calls   []string
	policy  model.FailurePolicy
	sealErr error
	syncErr string
	block   chan struct{} // when set, SealPending waits on it
	entered chan struct{}
}

func (e *stubEngine) called(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
}

func (e *stubEngine) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *stubEngine) SealPending(context.Context) (*model.SealReport, error) {
	e.called("seal")
	if e.block != nil {
		e.entered <- struct{}{}
		<-e.block
	}
	return &model.SealReport{}, e.sealErr
}

func (e *stubEngine) SyncUnconfirmed(context.Context) (*model.SyncReport, error) {
	e.called("sync")
	return &model.SyncReport{Error: e.syncErr}, nil
}

func (e *stubEngine) HandleFailures(_ context.Context, p model.FailurePolicy) (*model.FailureReport, error) {
	e.called("failures")
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return &model.FailureReport{}, nil
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestRunSealCycle_sealsThenSyncs(t *testing.T) {
	eng := &stubEngine{}
	var cycles []string
	s := scheduler.New(eng, scheduler.Config{}, zap.NewNop())
	s.SetCycleRecord(func(cycle string, ok bool) {
		if ok {
			cycles = append(cycles, cycle)
		}
	})

	if err := s.RunSealCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got := eng.snapshot()
	if len(got) != 2 || got[0] != "seal" || got[1] != "sync" {
		t.Errorf("calls: got %v, want [seal sync]", got)
	}
	if len(cycles) != 1 || cycles[0] != "seal" {
		t.Errorf("recorded cycles: %v", cycles)
	}
}

func TestRunSealCycle_errors(t *testing.T) {
	eng := &stubEngine{sealErr: errors.New("store down")}
	s := scheduler.New(eng, scheduler.Config{}, zap.NewNop())
	if err := s.RunSealCycle(ctx); err == nil {
		t.Error("expected SealPending error")
	}
	if got := eng.snapshot(); len(got) != 1 {
		t.Errorf("sync ran after failed seal: %v", got)
	}

	eng = &stubEngine{syncErr: "ledger unreachable"}
	s = scheduler.New(eng, scheduler.Config{}, zap.NewNop())
	if err := s.RunSealCycle(ctx); err == nil {
		t.Error("expected sync read error to surface")
	}
}

func TestSeal_returnsReportsOnSyncFailure(t *testing.T) {
	eng := &stubEngine{syncErr: "ledger unreachable"}
	s := scheduler.New(eng, scheduler.Config{}, zap.NewNop())

	sealReport, syncReport, err := s.Seal(ctx)
	if !errors.Is(err, scheduler.ErrSyncIncomplete) {
		t.Fatalf("expected ErrSyncIncomplete, got %v", err)
	}
	if sealReport == nil || syncReport == nil || syncReport.Error != "ledger unreachable" {
		t.Errorf("reports: %+v %+v", sealReport, syncReport)
	}
}

func TestFailures_overridesPolicyUnderLock(t *testing.T) {
	eng := &stubEngine{}
	s := scheduler.New(eng, scheduler.Config{Policy: model.UniformPolicy(time.Hour)}, zap.NewNop())
	override := model.UniformPolicy(time.Minute)

	report, err := s.Failures(ctx, override)
	if err != nil || report == nil {
		t.Fatalf("Failures: %+v, %v", report, err)
	}
	if eng.policy != override {
		t.Errorf("policy: got %+v, want %+v", eng.policy, override)
	}
	if s.Policy() != model.UniformPolicy(time.Hour) {
		t.Errorf("configured policy changed: %+v", s.Policy())
	}

	locker := scheduler.NewLocalLocker()
	s.SetLocker(locker)
	unlock, _, _ := locker.TryLock(ctx, scheduler.FailureLockKey, time.Minute)
	defer unlock(ctx)
	if _, err := s.Failures(ctx, override); !errors.Is(err, scheduler.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestRunFailureCycle_usesPolicy(t *testing.T) {
	eng := &stubEngine{}
	policy := model.FailurePolicy{ReadGrace: time.Hour, WriteGrace: 6 * time.Hour}
	s := scheduler.New(eng, scheduler.Config{Policy: policy}, zap.NewNop())

	if err := s.RunFailureCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if eng.policy != policy {
		t.Errorf("policy: got %+v, want %+v", eng.policy, policy)
	}
}

func TestRunSealCycle_skipsWhileLocked(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{}), entered: make(chan struct{})}
	s := scheduler.New(eng, scheduler.Config{}, zap.NewNop())

	done := make(chan error)
	go func() { done <- s.RunSealCycle(ctx) }()
	<-eng.entered

	if err := s.RunSealCycle(ctx); !errors.Is(err, scheduler.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	// a different cycle kind is not blocked
	if err := s.RunFailureCycle(ctx); err != nil {
		t.Errorf("failure cycle blocked by seal lock: %v", err)
	}

	close(eng.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	eng.block = nil
	if err := s.RunSealCycle(ctx); err != nil {
		t.Errorf("lock not released: %v", err)
	}
}

func TestStart_runsUntilCancelled(t *testing.T) {
	eng := &stubEngine{}
	s := scheduler.New(eng, scheduler.Config{
		SealInterval:    5 * time.Millisecond,
		FailureInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(stopped)
	}()

	deadline := time.After(2 * time.Second)
	for {
		seen := map[string]bool{}
		for _, c := range eng.snapshot() {
			seen[c] = true
		}
		if seen["seal"] && seen["sync"] && seen["failures"] {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cycles did not run: %v", eng.snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestLocalLocker_expires(t *testing.T) {
	l := scheduler.NewLocalLocker()

	unlock, ok, _ := l.TryLock(ctx, "k", time.Millisecond)
	if !ok {
		t.Fatal("first lock refused")
	}
	time.Sleep(2 * time.Millisecond)

	// expired lock can be taken over; the stale unlock must not release it
	_, ok, _ = l.TryLock(ctx, "k", time.Hour)
	if !ok {
		t.Fatal("expired lock not reclaimed")
	}
	_ = unlock(ctx)
	if _, ok, _ := l.TryLock(ctx, "k", time.Hour); ok {
		t.Error("stale unlock released the new holder's lock")
	}
}
