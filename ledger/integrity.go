/*
integrity.go - Periodic full-chain verification

PURPOSE:
  The Monitor re-verifies the entire ledger on a fixed interval: every
  committed transaction in ascending sequence order, digests recomputed
  against the running previous hash, posting sums checked for zero. A
  failure identifies the first offending record and raises an alert.

  Verification is read-only and runs concurrently with live traffic;
  it sees a consistent snapshot of committed records.

SEE ALSO:
  - hash.go: the digest and chain walk
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIntegrityInterval is the production scan cadence.
const DefaultIntegrityInterval = 300 * time.Second

// Monitor runs the full-chain scan on a ticker until its context is
// cancelled. OnResult, when set, observes every scan outcome (metrics).
type Monitor struct {
	Store    Store
	Alerts   AlertRouter
	Log      *zap.Logger
	Interval time.Duration
	OnResult func(report IntegrityReport)
}

// IntegrityState holds the latest scan outcome for readiness surfaces.
// Before the first scan it reports healthy. Safe for concurrent use;
// wire its Record method into Monitor.OnResult.
type IntegrityState struct {
	mu      sync.Mutex
	scanned bool
	ok      bool
}

// Record stores a scan outcome.
func (s *IntegrityState) Record(report IntegrityReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = true
	s.ok = report.OK
}

// OK reports whether the most recent scan passed.
func (s *IntegrityState) OK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.scanned || s.ok
}

// Run blocks until ctx is cancelled. One scan fires immediately on
// start, then on every tick.
func (m *Monitor) Run(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultIntegrityInterval
	}

	m.scan(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Log.Info("integrity monitor stopped")
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	started := time.Now()
	report, err := VerifyLedger(ctx, m.Store)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.Log.Error("integrity scan failed to run", zap.Error(err))
		return
	}
	if m.OnResult != nil {
		m.OnResult(report)
	}
	if report.OK {
		m.Log.Info("integrity scan ok",
			zap.Int("transactions", report.Count),
			zap.Duration("took", time.Since(started)))
		return
	}

	m.Log.Error("LEDGER INTEGRITY VIOLATION",
		zap.Int64("transaction_id", report.TxID),
		zap.String("reason", string(report.Reason)))
	if m.Alerts != nil {
		m.Alerts.Notify(ctx, "INTEGRITY_VIOLATION", map[string]any{
			"transaction_id": report.TxID,
			"reason":         string(report.Reason),
		})
	}
}
