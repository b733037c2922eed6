// Package audit re-verifies the ledger on a schedule so that tampering with
// the backing store is noticed without waiting for a client to call
// GET /integrity.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gitdigital/ledgercore/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	lastCheckValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_audit_last_check_valid",
		Help: "1 when the most recent scheduled integrity check passed, 0 otherwise.",
	})

	lastCheckTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_audit_last_check_timestamp_seconds",
		Help: "Unix time of the most recent scheduled integrity check.",
	})
)

// Config holds audit scheduling configuration.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int
}

// Verifier is the part of the ledger the auditor needs.
type Verifier interface {
	VerifyIntegrity(ctx context.Context) error
}

// Result is the outcome of one check. Err is nil when the ledger verified,
// a *ledger.ChainIntegrityError when it is broken, and any other error when
// the check could not run.
type Result struct {
	CheckedAt time.Time
	Err       error
}

// Valid reports whether the check completed and the ledger verified.
func (r Result) Valid() bool { return r.Err == nil }

// Broken reports whether the check found tampering.
func (r Result) Broken() bool {
	var ce *ledger.ChainIntegrityError
	return errors.As(r.Err, &ce)
}

// AlertFunc is called once when consecutive broken results reach the
// threshold, and again with a valid result on recovery.
type AlertFunc func(ctx context.Context, res Result)

// Auditor runs periodic integrity checks.
type Auditor struct {
	verifier  Verifier
	cfg       Config
	onAlert   AlertFunc
	logger    *zap.Logger
	mu        sync.Mutex
	failCount int
	last      Result
}

// New creates an Auditor.
func New(v Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{verifier: v, cfg: cfg, logger: logger}
}

// SetAlert configures the alert callback.
func (a *Auditor) SetAlert(fn AlertFunc) {
	a.onAlert = fn
}

// Start runs the audit loop until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			a.Check(checkCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Check verifies the ledger once and updates the failure count.
func (a *Auditor) Check(ctx context.Context) Result {
	res := Result{Err: a.verifier.VerifyIntegrity(ctx)}
	res.CheckedAt = time.Now().UTC()

	lastCheckTime.Set(float64(res.CheckedAt.Unix()))
	if res.Valid() {
		lastCheckValid.Set(1)
	} else {
		lastCheckValid.Set(0)
	}

	if !res.Valid() && !res.Broken() {
		// The store could not be read; this says nothing about tampering.
		a.logger.Warn("audit: integrity check did not complete", zap.Error(res.Err))
		a.mu.Lock()
		a.last = res
		a.mu.Unlock()
		return res
	}

	a.mu.Lock()
	prevCount := a.failCount
	if res.Valid() {
		a.failCount = 0
	} else {
		a.failCount++
	}
	count := a.failCount
	a.last = res
	a.mu.Unlock()

	switch {
	case res.Valid() && prevCount >= a.cfg.FailThreshold:
		a.logger.Info("audit: ledger verifies again", zap.Int("previous_failures", prevCount))
		a.alert(ctx, res)
	case res.Valid():
		a.logger.Debug("audit: ledger verified")
	case count == a.cfg.FailThreshold:
		a.logger.Error("audit: ledger integrity compromised",
			zap.Int("fail_count", count),
			zap.Error(res.Err),
		)
		a.alert(ctx, res)
	}
	return res
}

// Last returns the most recent result and whether any check has run.
func (a *Auditor) Last() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, !a.last.CheckedAt.IsZero()
}

func (a *Auditor) alert(ctx context.Context, res Result) {
	if a.onAlert != nil {
		a.onAlert(ctx, res)
	}
}
