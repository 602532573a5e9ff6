package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brasa/corebank/cache"
	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const validOTP = "123456"

// stubOTP accepts one fixed TOTP code; backup codes match the stub
// identity's "hash:" scheme.
type stubOTP struct{}

func (stubOTP) VerifyTOTP(secret, code string) bool {
	return secret != "" && code == validOTP
}

func (stubOTP) MatchBackupCode(code, hash string) bool {
	return hash == "hash:"+code
}

type stubIdentity struct{}

func (stubIdentity) HashPassword(pw string) (string, error) { return "hash:" + pw, nil }
func (stubIdentity) VerifyPassword(pw, hash string) bool    { return hash == "hash:"+pw }
func (stubIdentity) NewTOTPSecret() (string, error)         { return "JBSWY3DPEHPK3PXP", nil }
func (stubIdentity) EncryptField(s string) (string, error)  { return "enc:" + s, nil }
func (stubIdentity) TokenizeCPF(_ context.Context, cpf, _ string) (string, error) {
	return "tok_" + cpf[:4], nil
}

type stubFraud struct {
	result ledger.FraudResult
}

func (s *stubFraud) Evaluate(context.Context, int64, ledger.Money, ledger.FraudContext) (ledger.FraudResult, error) {
	return s.result, nil
}

type fixture struct {
	engine   *ledger.Engine
	mem      *store.Memory
	idem     *cache.MemoryIdempotency
	balances *cache.MemoryBalances
	fraud    *stubFraud
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemory(),
		idem:     cache.NewMemoryIdempotency(24 * time.Hour),
		balances: cache.NewMemoryBalances(),
	}
	f.engine = ledger.NewEngine(ledger.Deps{
		Store:       f.mem,
		Idempotency: f.idem,
		Balances:    f.balances,
		DayTotals:   cache.NewMemoryDayTotals(),
		OTP:         stubOTP{},
		Identity:    stubIdentity{},
		Log:         zap.NewNop(),
	})
	return f
}

// seedAccount creates a user+account directly and funds it via a
// deposit so postings exist.
func (f *fixture) seedAccount(t *testing.T, name string, funded ledger.Money) int64 {
	t.Helper()
	id := f.mem.SeedUserAccount(
		ledger.User{
			Name:         name,
			Email:        name + "@example.com",
			CPFHash:      "cpf-" + name,
			PasswordHash: "hash:pw",
			MFASecret:    "JBSWY3DPEHPK3PXP",
		},
		ledger.Account{
			AccountNumber: fmt.Sprintf("9%03d-1", len(name)),
			AccountType:   ledger.AccountChecking,
			Status:        ledger.StatusActive,
		},
	)
	if !funded.IsZero() {
		_, err := f.engine.Deposit(context.Background(), ledger.DepositRequest{
			AccountID:      id,
			Amount:         funded,
			IdempotencyKey: fmt.Sprintf("seed-%s-%d", name, id),
		})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) enrollMFA(t *testing.T, accountID int64) []string {
	t.Helper()
	codes, err := f.engine.EnableMFA(context.Background(), accountID, validOTP)
	require.NoError(t, err)
	require.Len(t, codes, 5)
	return codes
}

func (f *fixture) balance(t *testing.T, accountID int64) string {
	t.Helper()
	bal, err := f.mem.PostingSum(context.Background(), accountID)
	require.NoError(t, err)
	return bal.String()
}

// =============================================================================
// CASH OPERATIONS
// =============================================================================

func TestDeposit_CreatesBalancedPostings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seedAccount(t, "alice", ledger.ZeroMoney())

	tx, err := f.engine.Deposit(ctx, ledger.DepositRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("250.00"),
		IdempotencyKey: "dep-1",
		Description:    "paycheck",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), tx.Sequence)
	assert.Empty(t, tx.PrevHash)
	assert.NotEmpty(t, tx.RecordHash)
	assert.False(t, tx.IdempotencyHit)
	assert.Equal(t, "250.00", f.balance(t, acc))

	// The treasury absorbed the opposite side.
	sums, err := f.mem.PostingSumsByTransaction(ctx)
	require.NoError(t, err)
	assert.True(t, sums[tx.ID].IsZero(), "postings must sum to zero")
}

func TestDeposit_RejectsNonPositiveAmounts(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.ZeroMoney())

	for _, amount := range []string{"0.00", "-5.00"} {
		_, err := f.engine.Deposit(context.Background(), ledger.DepositRequest{
			AccountID:      acc,
			Amount:         ledger.MustMoney(amount),
			IdempotencyKey: "dep-" + amount,
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("100.01"),
		IdempotencyKey: "wd-1",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var detail *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "100.00", detail.Available.String())
	assert.Equal(t, "100.01", detail.Requested.String())

	// Nothing was written.
	assert.Equal(t, "100.00", f.balance(t, acc))
}

func TestWithdraw_OverdraftExtendsAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	// GIVEN: a 50.00 overdraft line
	require.NoError(t, f.mem.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		a, err := uow.AccountForUpdate(ctx, acc)
		if err != nil {
			return err
		}
		a.OverdraftLimit = ledger.MustMoney("50.00")
		return nil
	}))

	// THEN: 150.00 clears, the derived balance goes negative
	_, err := f.engine.Withdraw(ctx, ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("150.00"),
		IdempotencyKey: "wd-od",
	})
	require.NoError(t, err)
	assert.Equal(t, "-50.00", f.balance(t, acc))
}

func TestWithdraw_BlockedBalanceReducesAvailability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	require.NoError(t, f.mem.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		a, err := uow.AccountForUpdate(ctx, acc)
		if err != nil {
			return err
		}
		a.BlockedBalance = ledger.MustMoney("40.00")
		return nil
	}))

	_, err := f.engine.Withdraw(ctx, ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("70.00"),
		IdempotencyKey: "wd-blocked",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestWithdraw_ConcurrentDebitsAdmitOnlyOne(t *testing.T) {
	// GIVEN: 100.00 on hand and two debits that cannot both fit
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
				AccountID:      acc,
				Amount:         ledger.MustMoney("70.00"),
				IdempotencyKey: fmt.Sprintf("wd-race-%d", i),
			})
		}(i)
	}
	wg.Wait()

	// THEN: whichever debit locked the row first committed; the other
	// saw the funds already gone
	var committed, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, refused)
	assert.Equal(t, "30.00", f.balance(t, acc))
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_MovesFundsBetweenAccounts(t *testing.T) {
	f := newFixture(t)
	from := f.seedAccount(t, "alice", ledger.MustMoney("500.00"))
	to := f.seedAccount(t, "bob", ledger.ZeroMoney())

	tx, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    to,
		Amount:         ledger.MustMoney("300.00"),
		IdempotencyKey: "tr-1",
		Description:    "rent",
	})
	require.NoError(t, err)

	assert.Equal(t, "200.00", f.balance(t, from))
	assert.Equal(t, "300.00", f.balance(t, to))

	sums, err := f.mem.PostingSumsByTransaction(context.Background())
	require.NoError(t, err)
	assert.True(t, sums[tx.ID].IsZero())
}

func TestTransfer_SameAccountRejected(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	_, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		FromAccountID:  acc,
		ToAccountID:    acc,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "tr-self",
	})
	assert.ErrorIs(t, err, ledger.ErrSameAccount)
}

func TestTransfer_InactiveCounterpartyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))
	to := f.seedAccount(t, "bob", ledger.ZeroMoney())

	require.NoError(t, f.mem.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		a, err := uow.AccountForUpdate(ctx, to)
		if err != nil {
			return err
		}
		a.Status = ledger.StatusBlocked
		return nil
	}))

	_, err := f.engine.Transfer(ctx, ledger.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    to,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "tr-blocked",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountInactive)
}

func TestTransfer_LocksAccountsInAscendingOrder(t *testing.T) {
	// GIVEN: a transfer initiated from the higher-numbered account
	f := newFixture(t)
	low := f.seedAccount(t, "alice", ledger.ZeroMoney())
	high := f.seedAccount(t, "bob", ledger.MustMoney("100.00"))
	require.Less(t, low, high)

	f.mem.ResetLockOrder()
	_, err := f.engine.Transfer(context.Background(), ledger.TransferRequest{
		FromAccountID:  high,
		ToAccountID:    low,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "tr-order",
	})
	require.NoError(t, err)

	// THEN: the row locks were still taken low-id first
	order := f.mem.LockOrderSnapshot()
	require.Len(t, order, 2)
	assert.Equal(t, []int64{low, high}, order)
}

func TestTransfer_TreasuryIsNotACounterparty(t *testing.T) {
	// The treasury is locked last by cash operations; a transfer naming
	// it would take the same pair of locks in the opposite order.
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	var treasuryID int64
	require.NoError(t, f.mem.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		tr, err := uow.TreasuryForUpdate(ctx)
		if err != nil {
			return err
		}
		treasuryID = tr.ID
		return nil
	}))

	_, err := f.engine.Transfer(ctx, ledger.TransferRequest{
		FromAccountID:  acc,
		ToAccountID:    treasuryID,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "tr-treasury",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Equal(t, "100.00", f.balance(t, acc))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestIdempotency_ReplayReturnsOriginalResult(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("500.00"))

	req := ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("50.00"),
		IdempotencyKey: "wd-replay",
	}
	first, err := f.engine.Withdraw(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.IdempotencyHit)

	second, err := f.engine.Withdraw(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.IdempotencyHit)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)

	// Exactly one debit happened.
	assert.Equal(t, "450.00", f.balance(t, acc))
}

func TestIdempotency_InFlightDuplicateConflicts(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("500.00"))

	// GIVEN: a committed marker whose row is not yet visible (the first
	// attempt's commit is still propagating)
	err := f.idem.Mark(context.Background(), fmt.Sprintf("tx:%d", acc), "wd-inflight")
	require.NoError(t, err)

	// THEN: the duplicate is told to retry, nothing is written
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("50.00"),
		IdempotencyKey: "wd-inflight",
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, "500.00", f.balance(t, acc))
}

func TestIdempotency_KeysAreScopedPerAccount(t *testing.T) {
	f := newFixture(t)
	a := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))
	b := f.seedAccount(t, "bob", ledger.MustMoney("100.00"))

	for _, acc := range []int64{a, b} {
		tx, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
			AccountID:      acc,
			Amount:         ledger.MustMoney("10.00"),
			IdempotencyKey: "shared-key",
		})
		require.NoError(t, err)
		assert.False(t, tx.IdempotencyHit)
	}
}

// =============================================================================
// STEP-UP MFA
// =============================================================================

func TestStepUp_UnenrolledUserMustEnrollFirst(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("2000.00"))

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-mfa-setup",
		OTP:            validOTP,
	})
	assert.ErrorIs(t, err, ledger.ErrMFASetupRequired)
}

func TestStepUp_RequiredAtThreshold(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("2000.00"))
	f.enrollMFA(t, acc)

	// 999.99 clears without a code.
	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("999.99"),
		IdempotencyKey: "wd-below",
	})
	require.NoError(t, err)

	// 1000.00 without a code is refused.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-at",
	})
	assert.ErrorIs(t, err, ledger.ErrMFARequired)

	// With the code it clears, on the same key.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-at",
		OTP:            validOTP,
	})
	assert.NoError(t, err)
}

func TestStepUp_RejectionLeavesKeyRetriable(t *testing.T) {
	// GIVEN: an enrolled user whose first attempt is refused for a
	// missing code
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("2000.00"))
	f.enrollMFA(t, acc)

	req := ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-retry",
	}
	_, err := f.engine.Withdraw(context.Background(), req)
	require.ErrorIs(t, err, ledger.ErrMFARequired)

	// WHEN: the client retries the same key with a valid code
	req.OTP = validOTP
	tx, err := f.engine.Withdraw(context.Background(), req)

	// THEN: the retry commits; only the later replay is an idempotency hit
	require.NoError(t, err)
	assert.False(t, tx.IdempotencyHit)
	assert.Equal(t, "1000.00", f.balance(t, acc))

	replay, err := f.engine.Withdraw(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replay.IdempotencyHit)
	assert.Equal(t, tx.ID, replay.ID)
	assert.Equal(t, "1000.00", f.balance(t, acc))
}

func TestStepUp_InvalidCodeRefused(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("2000.00"))
	f.enrollMFA(t, acc)

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-bad-otp",
		OTP:            "000000",
	})
	assert.ErrorIs(t, err, ledger.ErrMFARequired)
}

func TestStepUp_BackupCodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("5000.00"))
	codes := f.enrollMFA(t, acc)

	// First use of a backup code clears.
	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-bk-1",
		OTP:            codes[0],
	})
	require.NoError(t, err)

	// Replaying the same code on a new transaction is refused.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-bk-2",
		OTP:            codes[0],
	})
	assert.ErrorIs(t, err, ledger.ErrMFARequired)

	// A different code still works.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-bk-3",
		OTP:            codes[1],
	})
	assert.NoError(t, err)
}

func TestStepUp_BackupCodeSurvivesRolledBackTransaction(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("1200.00"))
	codes := f.enrollMFA(t, acc)

	user, err := f.mem.UserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	f.mem.SetLimits(ledger.LimitConfig{
		UserID:          user.ID,
		WithdrawalLimit: ledger.MustMoney("5000.00"),
		TEDLimit:        ledger.MustMoney("5000.00"),
		DOCLimit:        ledger.MustMoney("5000.00"),
		PixLimit:        ledger.MustMoney("1000.00"),
	})

	// GIVEN: the step-up passes but the availability check fails
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1500.00"),
		IdempotencyKey: "wd-rollback",
		OTP:            codes[0],
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// THEN: the rollback returned the code; it still works
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.00"),
		IdempotencyKey: "wd-rollback-retry",
		OTP:            codes[0],
	})
	assert.NoError(t, err)
}

// =============================================================================
// KYC AND LIMITS
// =============================================================================

func TestKYC_RequiredForLargeDebits(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("10000.00"))
	f.enrollMFA(t, acc)

	user, err := f.mem.UserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	f.mem.SetLimits(ledger.LimitConfig{
		UserID:          user.ID,
		WithdrawalLimit: ledger.MustMoney("20000.00"),
		TEDLimit:        ledger.MustMoney("20000.00"),
		DOCLimit:        ledger.MustMoney("20000.00"),
		PixLimit:        ledger.MustMoney("20000.00"),
	})

	// PENDING profile: 5000.00 is refused.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("5000.00"),
		IdempotencyKey: "wd-kyc",
		OTP:            validOTP,
	})
	assert.ErrorIs(t, err, ledger.ErrKYCRequired)

	// 4999.99 is below the gate.
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("4999.99"),
		IdempotencyKey: "wd-kyc-below",
		OTP:            validOTP,
	})
	require.NoError(t, err)

	// VERIFIED profile clears the gate.
	f.mem.SetKycStatus(user.ID, ledger.KycVerified)
	_, err = f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("5000.00"),
		IdempotencyKey: "wd-kyc-ok",
		OTP:            validOTP,
	})
	assert.NoError(t, err)
}

func TestLimits_WithdrawalCapEnforced(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("5000.00"))
	f.enrollMFA(t, acc)

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("1000.01"),
		IdempotencyKey: "wd-cap",
		OTP:            validOTP,
	})
	require.ErrorIs(t, err, ledger.ErrLimitExceeded)

	var detail *ledger.LimitExceededError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "withdrawal", detail.Limit)
	assert.Equal(t, "1000.00", detail.Cap.String())
}

func TestLimits_KYCDoesNotGateDeposits(t *testing.T) {
	// Credits are not policy-gated; a large deposit lands even with a
	// PENDING profile and no MFA enrollment.
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.ZeroMoney())

	_, err := f.engine.Deposit(context.Background(), ledger.DepositRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("9000.00"),
		IdempotencyKey: "dep-big",
	})
	assert.NoError(t, err)
}

// =============================================================================
// PIX
// =============================================================================

func pixFixture(t *testing.T) (*fixture, int64, int64) {
	f := newFixture(t)
	from := f.seedAccount(t, "alice", ledger.MustMoney("5000.00"))
	to := f.seedAccount(t, "bob", ledger.ZeroMoney())
	_, err := f.engine.RegisterPixKey(context.Background(), to, "bob@example.com", ledger.PixKeyEmail)
	require.NoError(t, err)
	return f, from, to
}

func TestPix_TransfersThroughKey(t *testing.T) {
	f, from, to := pixFixture(t)

	tx, err := f.engine.PixTransfer(context.Background(), ledger.PixTransferRequest{
		PixKey:         "bob@example.com",
		FromAccountID:  from,
		Amount:         ledger.MustMoney("200.00"),
		IdempotencyKey: "pix-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.OpPix, tx.OperationType)
	assert.Equal(t, "200.00", f.balance(t, to))
}

func TestPix_UnknownKey(t *testing.T) {
	f, from, _ := pixFixture(t)

	_, err := f.engine.PixTransfer(context.Background(), ledger.PixTransferRequest{
		PixKey:         "nobody@example.com",
		FromAccountID:  from,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "pix-miss",
	})
	assert.ErrorIs(t, err, ledger.ErrPixKeyNotFound)
}

func TestPix_OwnKeyRejected(t *testing.T) {
	f, _, to := pixFixture(t)

	_, err := f.engine.PixTransfer(context.Background(), ledger.PixTransferRequest{
		PixKey:         "bob@example.com",
		FromAccountID:  to,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "pix-self",
	})
	assert.ErrorIs(t, err, ledger.ErrSameAccount)
}

func TestPix_PerTransactionCap(t *testing.T) {
	f, from, _ := pixFixture(t)

	_, err := f.engine.PixTransfer(context.Background(), ledger.PixTransferRequest{
		PixKey:         "bob@example.com",
		FromAccountID:  from,
		Amount:         ledger.MustMoney("1000.01"),
		IdempotencyKey: "pix-cap",
		OTP:            validOTP,
	})
	require.ErrorIs(t, err, ledger.ErrLimitExceeded)

	var detail *ledger.LimitExceededError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "pix", detail.Limit)
}

func TestPix_RollingDayCap(t *testing.T) {
	f, from, _ := pixFixture(t)

	// Raise the per-transaction caps so only the day cap binds.
	user, err := f.mem.UserByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	f.mem.SetLimits(ledger.LimitConfig{
		UserID:          user.ID,
		WithdrawalLimit: ledger.MustMoney("1000.00"),
		TEDLimit:        ledger.MustMoney("5000.00"),
		DOCLimit:        ledger.MustMoney("5000.00"),
		PixLimit:        ledger.MustMoney("900.00"),
	})
	f.mem.SetPixLimit(ledger.PixLimit{
		AccountID:  from,
		PerTxLimit: ledger.MustMoney("900.00"),
		DayLimit:   ledger.MustMoney("500.00"),
	})

	ok := ledger.PixTransferRequest{
		PixKey:         "bob@example.com",
		FromAccountID:  from,
		Amount:         ledger.MustMoney("300.00"),
		IdempotencyKey: "pix-day-1",
	}
	_, err = f.engine.PixTransfer(context.Background(), ok)
	require.NoError(t, err)

	over := ok
	over.IdempotencyKey = "pix-day-2"
	_, err = f.engine.PixTransfer(context.Background(), over)
	require.ErrorIs(t, err, ledger.ErrLimitExceeded)

	var detail *ledger.LimitExceededError
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "pix_day", detail.Limit)
}

// =============================================================================
// FRAUD HOOK
// =============================================================================

func fraudFixture(t *testing.T, result ledger.FraudResult) (*fixture, int64) {
	f := newFixture(t)
	f.fraud = &stubFraud{result: result}
	f.engine = ledger.NewEngine(ledger.Deps{
		Store:       f.mem,
		Idempotency: f.idem,
		Balances:    f.balances,
		DayTotals:   cache.NewMemoryDayTotals(),
		Fraud:       f.fraud,
		OTP:         stubOTP{},
		Identity:    stubIdentity{},
		Log:         zap.NewNop(),
	})
	acc := f.seedAccount(t, "alice", ledger.MustMoney("500.00"))
	return f, acc
}

func TestFraud_VerifyDemandsSecondFactor(t *testing.T) {
	f, acc := fraudFixture(t, ledger.FraudResult{Action: ledger.FraudVerify, Rules: []string{"UNKNOWN_DEVICE"}})

	req := ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("50.00"),
		IdempotencyKey: "wd-verify",
		Fraud:          &ledger.FraudContext{IP: "10.0.0.1"},
	}
	_, err := f.engine.Withdraw(context.Background(), req)
	assert.ErrorIs(t, err, ledger.ErrFraudVerificationRequired)

	// Presenting a code satisfies the VERIFY demand even below the
	// step-up threshold; the refused key stays usable.
	req.OTP = validOTP
	tx, err := f.engine.Withdraw(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, tx.IdempotencyHit)
}

func TestFraud_BlockIsTerminal(t *testing.T) {
	f, acc := fraudFixture(t, ledger.FraudResult{
		Action: ledger.FraudBlock,
		Rules:  []string{"SUSPICIOUS_IP", "VELOCITY"},
	})

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("50.00"),
		IdempotencyKey: "wd-block",
		OTP:            validOTP,
		Fraud:          &ledger.FraudContext{IP: "203.0.113.9"},
	})
	require.ErrorIs(t, err, ledger.ErrFraudBlocked)

	var detail *ledger.FraudBlockedError
	require.ErrorAs(t, err, &detail)
	assert.Contains(t, detail.Rules, "SUSPICIOUS_IP")
	assert.Equal(t, "500.00", f.balance(t, acc))
}

func TestFraud_SkippedWithoutContext(t *testing.T) {
	// No fraud context on the request means the hook never fires.
	f, acc := fraudFixture(t, ledger.FraudResult{Action: ledger.FraudBlock})

	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("50.00"),
		IdempotencyKey: "wd-noctx",
	})
	assert.NoError(t, err)
}

// =============================================================================
// SEQUENCE AND CHAIN
// =============================================================================

func TestSequence_RollbackKeepsCommittedSequencesContiguous(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00")) // sequence 1

	// A failed attempt must not burn a sequence number.
	_, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("999.00"),
		IdempotencyKey: "wd-fail",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	tx, err := f.engine.Withdraw(context.Background(), ledger.WithdrawRequest{
		AccountID:      acc,
		Amount:         ledger.MustMoney("10.00"),
		IdempotencyKey: "wd-next",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), tx.Sequence)
}

func TestChain_IntactAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.seedAccount(t, "alice", ledger.MustMoney("900.00"))
	bob := f.seedAccount(t, "bob", ledger.MustMoney("400.00"))

	_, err := f.engine.Transfer(ctx, ledger.TransferRequest{
		FromAccountID: alice, ToAccountID: bob,
		Amount: ledger.MustMoney("150.00"), IdempotencyKey: "tr-chain",
	})
	require.NoError(t, err)
	_, err = f.engine.Withdraw(ctx, ledger.WithdrawRequest{
		AccountID: bob, Amount: ledger.MustMoney("75.00"), IdempotencyKey: "wd-chain",
	})
	require.NoError(t, err)

	report, err := f.engine.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Count)

	// Each record links to its predecessor.
	txs, err := f.mem.TransactionsBySequence(ctx)
	require.NoError(t, err)
	for i := 1; i < len(txs); i++ {
		assert.Equal(t, txs[i-1].RecordHash, txs[i].PrevHash, "sequence %d", txs[i].Sequence)
	}
}

// =============================================================================
// BALANCE CACHE
// =============================================================================

func TestGetBalance_PrefersCacheThenDerives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acc := f.seedAccount(t, "alice", ledger.MustMoney("100.00"))

	// Seeding the deposit invalidated the cache; the next read derives
	// and caches.
	bal, err := f.engine.GetBalance(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, "100.00", bal.String())

	// A stale cache entry wins until invalidated.
	require.NoError(t, f.balances.Set(ctx, acc, ledger.MustMoney("42.00"), time.Minute))
	bal, err = f.engine.GetBalance(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, "42.00", bal.String())

	// A committed transaction invalidates and the derived value returns.
	_, err = f.engine.Withdraw(ctx, ledger.WithdrawRequest{
		AccountID: acc, Amount: ledger.MustMoney("30.00"), IdempotencyKey: "wd-cache",
	})
	require.NoError(t, err)
	bal, err = f.engine.GetBalance(ctx, acc)
	require.NoError(t, err)
	assert.Equal(t, "70.00", bal.String())
}

// =============================================================================
// STATEMENT
// =============================================================================

func TestStatement_FiltersAndIncludesBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.seedAccount(t, "alice", ledger.MustMoney("800.00"))
	bob := f.seedAccount(t, "bob", ledger.ZeroMoney())

	_, err := f.engine.Transfer(ctx, ledger.TransferRequest{
		FromAccountID: alice, ToAccountID: bob,
		Amount: ledger.MustMoney("250.00"), IdempotencyKey: "tr-stmt",
		Description: "groceries split",
	})
	require.NoError(t, err)

	// Bob's statement shows the incoming transfer he did not initiate.
	stmt, err := f.engine.GetStatement(ctx, ledger.StatementQuery{AccountID: bob})
	require.NoError(t, err)
	require.Len(t, stmt.Transactions, 1)
	assert.Equal(t, ledger.OpTransfer, stmt.Transactions[0].OperationType)
	assert.Equal(t, "250.00", stmt.Balance.String())

	// Type filter.
	minAmount := ledger.MustMoney("500.00")
	stmt, err = f.engine.GetStatement(ctx, ledger.StatementQuery{
		AccountID: alice,
		Type:      ledger.OpDeposit,
		MinAmount: &minAmount,
	})
	require.NoError(t, err)
	require.Len(t, stmt.Transactions, 1)
	assert.Equal(t, "800.00", stmt.Transactions[0].Amount.String())

	// Search filter is case-insensitive.
	stmt, err = f.engine.GetStatement(ctx, ledger.StatementQuery{
		AccountID: alice,
		Search:    "GROCERIES",
	})
	require.NoError(t, err)
	require.Len(t, stmt.Transactions, 1)
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

func TestOpenAccount_ProtectsSensitiveFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, user, err := f.engine.OpenAccount(ctx, ledger.OpenAccountInput{
		Name:     "Carla Souza",
		Email:    "carla@example.com",
		CPF:      "12345678901",
		Password: "s3cret-pw",
	})
	require.NoError(t, err)

	assert.Regexp(t, `^\d{4}-\d$`, account.AccountNumber)
	assert.Equal(t, ledger.StatusActive, account.Status)

	assert.Equal(t, "enc:12345678901", user.CPFCiphertext)
	assert.Equal(t, ledger.HashCPF("12345678901"), user.CPFHash)
	assert.Equal(t, "tok_1234", user.CPFToken)
	assert.Equal(t, "8901", user.CPFLast4)
	assert.Equal(t, "hash:s3cret-pw", user.PasswordHash)
	assert.NotEmpty(t, user.MFASecret)
	assert.False(t, user.MFAEnabled)
}

func TestOpenAccount_DuplicateCPFRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := ledger.OpenAccountInput{
		Name: "Carla", Email: "carla@example.com", CPF: "12345678901", Password: "password1",
	}
	_, _, err := f.engine.OpenAccount(ctx, in)
	require.NoError(t, err)

	in.Email = "other@example.com"
	_, _, err = f.engine.OpenAccount(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateCPF)
}

func TestAuthenticate_ByEmailAndCPF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _, err := f.engine.OpenAccount(ctx, ledger.OpenAccountInput{
		Name: "Carla", Email: "carla@example.com", CPF: "12345678901", Password: "password1",
	})
	require.NoError(t, err)

	acc, _, err := f.engine.Authenticate(ctx, "carla@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, acc.ID)

	acc, _, err = f.engine.Authenticate(ctx, "12345678901", "password1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, acc.ID)

	_, _, err = f.engine.Authenticate(ctx, "carla@example.com", "wrong")
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)

	_, _, err = f.engine.Authenticate(ctx, "ghost@example.com", "password1")
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
}

func TestAnonymize_ErasesIdentityKeepsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, user, err := f.engine.OpenAccount(ctx, ledger.OpenAccountInput{
		Name: "Carla", Email: "carla@example.com", CPF: "12345678901", Password: "password1",
	})
	require.NoError(t, err)
	_, err = f.engine.Deposit(ctx, ledger.DepositRequest{
		AccountID: account.ID, Amount: ledger.MustMoney("100.00"), IdempotencyKey: "dep-anon",
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.AnonymizeUser(ctx, user.ID))

	after, err := f.mem.User(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, after.IsAnonymized)
	assert.Equal(t, ledger.AnonymizedSentinel, after.CPFHash)
	assert.Empty(t, after.CPFCiphertext)
	assert.NotNil(t, after.AnonymizedAt)

	// Login paths no longer resolve the identity.
	_, _, err = f.engine.Authenticate(ctx, "carla@example.com", "password1")
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
	_, _, err = f.engine.Authenticate(ctx, "12345678901", "password1")
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)

	// The ledger history survives erasure.
	assert.Equal(t, "100.00", f.balance(t, account.ID))
	report, err := f.engine.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestEnableMFA_InvalidCodeRefused(t *testing.T) {
	f := newFixture(t)
	acc := f.seedAccount(t, "alice", ledger.ZeroMoney())

	_, err := f.engine.EnableMFA(context.Background(), acc, "000000")
	assert.ErrorIs(t, err, ledger.ErrMFARequired)
}

func TestRegisterPixKey_Duplicate(t *testing.T) {
	f := newFixture(t)
	a := f.seedAccount(t, "alice", ledger.ZeroMoney())
	b := f.seedAccount(t, "bob", ledger.ZeroMoney())

	_, err := f.engine.RegisterPixKey(context.Background(), a, "+5511999990000", ledger.PixKeyPhone)
	require.NoError(t, err)

	_, err = f.engine.RegisterPixKey(context.Background(), b, "+5511999990000", ledger.PixKeyPhone)
	assert.ErrorIs(t, err, ledger.ErrDuplicatePixKey)
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func TestClassify_BucketsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want ledger.Kind
	}{
		{ledger.ErrInvalidAmount, ledger.KindValidation},
		{ledger.ErrMFARequired, ledger.KindMFARequired},
		{ledger.ErrMFASetupRequired, ledger.KindMFASetupRequired},
		{ledger.ErrKYCRequired, ledger.KindPolicy},
		{&ledger.InsufficientFundsError{}, ledger.KindUnprocessable},
		{&ledger.LimitExceededError{}, ledger.KindUnprocessable},
		{&ledger.FraudBlockedError{}, ledger.KindPolicy},
		{ledger.ErrConflict, ledger.KindConflict},
		{ledger.ErrAccountNotFound, ledger.KindNotFound},
		{errors.New("surprise"), ledger.KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ledger.Classify(tc.err), "%v", tc.err)
	}
}
