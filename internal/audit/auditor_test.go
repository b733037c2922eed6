package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gitdigital/ledgercore/internal/ledger"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type scriptedVerifier struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scriptedVerifier) VerifyIntegrity(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		return nil
	}
	return s.results[i]
}

var broken = &ledger.ChainIntegrityError{ChainID: "main_ledger", Index: 2, Reason: "digest mismatch"}

type alertLog struct {
	results []Result
}

func (l *alertLog) record(_ context.Context, res Result) {
	l.results = append(l.results, res)
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_alertsAtThresholdOnly(t *testing.T) {
	v := &scriptedVerifier{results: []error{broken, broken, broken, broken}}
	alerts := &alertLog{}
	a := New(v, Config{FailThreshold: 2}, zap.NewNop())
	a.SetAlert(alerts.record)

	for i := 0; i < 4; i++ {
		a.Check(context.Background())
	}
	if len(alerts.results) != 1 {
		t.Fatalf("expected exactly one alert, got %d", len(alerts.results))
	}
	if !alerts.results[0].Broken() {
		t.Errorf("alert result = %+v", alerts.results[0])
	}
}

func TestCheck_recoveryAlerts(t *testing.T) {
	v := &scriptedVerifier{results: []error{broken, nil}}
	alerts := &alertLog{}
	a := New(v, Config{}, zap.NewNop())
	a.SetAlert(alerts.record)

	a.Check(context.Background())
	res := a.Check(context.Background())
	if !res.Valid() {
		t.Fatalf("second check should pass: %v", res.Err)
	}
	if len(alerts.results) != 2 || !alerts.results[1].Valid() {
		t.Errorf("expected failure then recovery alerts, got %+v", alerts.results)
	}
}

func TestCheck_storageErrorIsNotTampering(t *testing.T) {
	storageErr := &ledger.StorageError{Op: "query", Err: errors.New("connection refused")}
	v := &scriptedVerifier{results: []error{storageErr, storageErr}}
	alerts := &alertLog{}
	a := New(v, Config{FailThreshold: 1}, zap.NewNop())
	a.SetAlert(alerts.record)

	a.Check(context.Background())
	res := a.Check(context.Background())
	if res.Valid() || res.Broken() {
		t.Errorf("storage failure must be neither valid nor broken: %+v", res)
	}
	if len(alerts.results) != 0 {
		t.Errorf("storage failures must not alert, got %d", len(alerts.results))
	}
}

func TestLast(t *testing.T) {
	a := New(&scriptedVerifier{}, Config{}, zap.NewNop())
	if _, ok := a.Last(); ok {
		t.Error("no check has run yet")
	}
	a.Check(context.Background())
	res, ok := a.Last()
	if !ok || !res.Valid() || res.CheckedAt.IsZero() {
		t.Errorf("Last() = %+v, %v", res, ok)
	}
}

func TestStart_runsUntilCancelled(t *testing.T) {
	v := &scriptedVerifier{}
	a := New(v, Config{Interval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		v.mu.Lock()
		n := v.calls
		v.mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("auditor did not run")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
