package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brasa/corebank/ledger"
)

// trusted returns a context that contributes no score on its own.
func trusted(e *Engine) ledger.FraudContext {
	e.TrustDevice("device-1")
	return ledger.FraudContext{IP: "8.8.8.8", DeviceFingerprint: "device-1"}
}

func evaluate(t *testing.T, e *Engine, amount string, fctx ledger.FraudContext) ledger.FraudResult {
	t.Helper()
	res, err := e.Evaluate(context.Background(), 1, ledger.MustMoney(amount), fctx)
	require.NoError(t, err)
	return res
}

func TestEvaluate_CleanContextAllows(t *testing.T) {
	e := NewEngine()
	res := evaluate(t, e, "100.00", trusted(e))
	assert.Equal(t, ledger.FraudAllow, res.Action)
	assert.Empty(t, res.Rules)
	assert.Zero(t, res.Score)
}

func TestEvaluate_SuspiciousIP(t *testing.T) {
	e := NewEngine()
	fctx := trusted(e)

	for _, ip := range []string{"203.0.113.7", "198.51.100.200", "192.0.2.1"} {
		fctx.IP = ip
		res := evaluate(t, e, "100.00", fctx)
		assert.Contains(t, res.Rules, RuleSuspiciousIP, "ip %s", ip)
		assert.Equal(t, ledger.FraudVerify, res.Action, "ip %s scores 0.5", ip)
	}

	// A neighboring range is clean.
	fctx.IP = "203.0.114.7"
	res := evaluate(t, e, "100.00", fctx)
	assert.NotContains(t, res.Rules, RuleSuspiciousIP)
}

func TestEvaluate_UnknownDeviceAloneStaysBelowVerify(t *testing.T) {
	e := NewEngine()
	res := evaluate(t, e, "100.00", ledger.FraudContext{IP: "8.8.8.8", DeviceFingerprint: "never-seen"})
	assert.Contains(t, res.Rules, RuleUnknownDevice)
	assert.Equal(t, ledger.FraudAllow, res.Action, "0.2 is below the verify cutoff")

	// An empty fingerprint is always unknown.
	res = evaluate(t, e, "100.00", ledger.FraudContext{IP: "8.8.8.8"})
	assert.Contains(t, res.Rules, RuleUnknownDevice)
}

func TestEvaluate_AmountBands(t *testing.T) {
	e := NewEngine()
	fctx := trusted(e)

	res := evaluate(t, e, "4999.99", fctx)
	assert.Empty(t, res.Rules)

	res = evaluate(t, e, "5000.00", fctx)
	assert.Equal(t, []string{RuleHighAmount}, res.Rules)
	assert.Equal(t, ledger.FraudAllow, res.Action, "0.3 alone is below verify")

	// Both bands fire at and above 20000.
	res = evaluate(t, e, "20000.00", fctx)
	assert.ElementsMatch(t, []string{RuleHighAmount, RuleVeryHighAmount}, res.Rules)
	assert.Equal(t, ledger.FraudVerify, res.Action)
}

func TestEvaluate_SignalsCompoundToBlock(t *testing.T) {
	// Suspicious IP (0.5) + high amount (0.3) reaches the block cutoff.
	e := NewEngine()
	fctx := trusted(e)
	fctx.IP = "203.0.113.9"

	res := evaluate(t, e, "5000.00", fctx)
	assert.Equal(t, ledger.FraudBlock, res.Action)
	assert.ElementsMatch(t, []string{RuleSuspiciousIP, RuleHighAmount}, res.Rules)
}

func TestEvaluate_VelocityWindow(t *testing.T) {
	e := NewEngine()
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	fctx := trusted(e)

	// Five attempts inside the window are clean on the velocity signal.
	for i := 0; i < 5; i++ {
		res := evaluate(t, e, "100.00", fctx)
		assert.NotContains(t, res.Rules, RuleVelocity, "attempt %d", i+1)
		clock = clock.Add(time.Second)
	}

	// The sixth fires it.
	res := evaluate(t, e, "100.00", fctx)
	assert.Contains(t, res.Rules, RuleVelocity)
	assert.Equal(t, ledger.FraudVerify, res.Action)

	// Once the burst ages out the account recovers.
	clock = clock.Add(2 * time.Minute)
	res = evaluate(t, e, "100.00", fctx)
	assert.NotContains(t, res.Rules, RuleVelocity)
}

func TestEvaluate_VelocityIsPerAccount(t *testing.T) {
	e := NewEngine()
	fctx := trusted(e)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := e.Evaluate(ctx, 1, ledger.MustMoney("10.00"), fctx)
		require.NoError(t, err)
	}
	res, err := e.Evaluate(ctx, 2, ledger.MustMoney("10.00"), fctx)
	require.NoError(t, err)
	assert.NotContains(t, res.Rules, RuleVelocity)
}

func TestTrustDevice(t *testing.T) {
	e := NewEngine()

	res := evaluate(t, e, "100.00", ledger.FraudContext{IP: "8.8.8.8", DeviceFingerprint: "laptop"})
	assert.Contains(t, res.Rules, RuleUnknownDevice)

	e.TrustDevice("laptop")
	res = evaluate(t, e, "100.00", ledger.FraudContext{IP: "8.8.8.8", DeviceFingerprint: "laptop"})
	assert.NotContains(t, res.Rules, RuleUnknownDevice)
}
