/*
Package fraud scores transactions before they enter the ledger
pipeline. The verdict is one of ALLOW, VERIFY (caller must present a
second factor) or BLOCK (terminal).

Rules are additive: each signal contributes to a score, and the score
maps to the verdict. Evaluation is side-effect free apart from the
velocity window, which only ever observes.
*/
package fraud

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/brasa/corebank/ledger"
)

// Rule names, surfaced in block errors and alerts.
const (
	RuleSuspiciousIP   = "SUSPICIOUS_IP"
	RuleUnknownDevice  = "UNKNOWN_DEVICE"
	RuleHighAmount     = "HIGH_AMOUNT"
	RuleVeryHighAmount = "VERY_HIGH_AMOUNT"
	RuleVelocity       = "VELOCITY"
)

// Score weights and verdict cutoffs.
const (
	weightSuspiciousIP   = 0.5
	weightUnknownDevice  = 0.2
	weightHighAmount     = 0.3
	weightVeryHighAmount = 0.3
	weightVelocity       = 0.4

	verifyCutoff = 0.4
	blockCutoff  = 0.8
)

// suspiciousNetworks are ranges with known abuse history.
var suspiciousNetworks = mustParseCIDRs(
	"203.0.113.0/24",
	"198.51.100.0/24",
	"192.0.2.0/24",
)

// Engine is the in-process fraud checker. Safe for concurrent use.
type Engine struct {
	highAmount     ledger.Money
	veryHighAmount ledger.Money

	velocityLimit  int
	velocityWindow time.Duration

	mu       sync.Mutex
	attempts map[int64][]time.Time
	now      func() time.Time

	// knownDevices is the set of fingerprints seen at enrollment.
	// Empty fingerprints always count as unknown.
	devices map[string]bool
}

func NewEngine() *Engine {
	return &Engine{
		highAmount:     ledger.MustMoney("5000.00"),
		veryHighAmount: ledger.MustMoney("20000.00"),
		velocityLimit:  5,
		velocityWindow: 60 * time.Second,
		attempts:       make(map[int64][]time.Time),
		devices:        make(map[string]bool),
		now:            time.Now,
	}
}

// TrustDevice registers a fingerprint as known.
func (e *Engine) TrustDevice(fingerprint string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices[fingerprint] = true
}

// Evaluate scores the attempt. Never mutates ledger state.
func (e *Engine) Evaluate(_ context.Context, accountID int64, amount ledger.Money, fctx ledger.FraudContext) (ledger.FraudResult, error) {
	var score float64
	var rules []string

	if ip := net.ParseIP(fctx.IP); ip != nil {
		for _, network := range suspiciousNetworks {
			if network.Contains(ip) {
				score += weightSuspiciousIP
				rules = append(rules, RuleSuspiciousIP)
				break
			}
		}
	}

	if !e.knownDevice(fctx.DeviceFingerprint) {
		score += weightUnknownDevice
		rules = append(rules, RuleUnknownDevice)
	}

	if amount.GreaterThanOrEqual(e.highAmount) {
		score += weightHighAmount
		rules = append(rules, RuleHighAmount)
	}
	if amount.GreaterThanOrEqual(e.veryHighAmount) {
		score += weightVeryHighAmount
		rules = append(rules, RuleVeryHighAmount)
	}

	if e.overVelocity(accountID) {
		score += weightVelocity
		rules = append(rules, RuleVelocity)
	}

	action := ledger.FraudAllow
	switch {
	case score >= blockCutoff:
		action = ledger.FraudBlock
	case score >= verifyCutoff:
		action = ledger.FraudVerify
	}
	return ledger.FraudResult{Action: action, Rules: rules, Score: score}, nil
}

func (e *Engine) knownDevice(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices[fingerprint]
}

// overVelocity records the attempt and reports whether the account
// exceeded the window before this one.
func (e *Engine) overVelocity(accountID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	cutoff := now.Add(-e.velocityWindow)
	kept := e.attempts[accountID][:0]
	for _, t := range e.attempts[accountID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	over := len(kept) >= e.velocityLimit
	e.attempts[accountID] = append(kept, now)
	return over
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, network)
	}
	return out
}
