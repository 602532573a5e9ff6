/*
engine.go - The transaction execution pipeline

PURPOSE:
  The Engine mediates every balance mutation: deposits, withdrawals,
  internal transfers and pix transfers all flow through one pipeline,
  executed inside a single database transaction:

    1. Idempotency short-circuit (authoritative DB read)
    2. Cache probe (read-only fast layer; in-flight duplicates return a
       conflict; keys are recorded only after commit, so rejected
       attempts never poison their key)
    3. Fraud hook (ALLOW / VERIFY / BLOCK)
    4. Pessimistic locks on all involved accounts, ascending by id
    5. Status gate (every locked account must be ACTIVE)
    6. Policy gates on the debit side (KYC, per-operation limit, step-up MFA)
    7. Availability check against the derived balance
    8. Sequence allocation + record hash
    9. Double-entry append (postings always sum to zero)
   10. Cached balance update under the held locks
   11. Commit; uniqueness races re-resolve through idempotency
   12. Post-commit: idempotency marker, cache invalidation, AML alert,
       metrics hook

  The Engine is reentrant but owns no shared mutable state: each call
  owns its unit of work and its locked rows. Cancellation before commit
  rolls everything back; cancellation after commit is ignored.

FAILURE SEMANTICS:
  Validation and policy rejections happen before any write. A detected
  posting imbalance pre-flush is a programmer bug and panics. Everything
  else maps onto the sentinel errors in errors.go.

SEE ALSO:
  - store.go: the UnitOfWork the pipeline runs against
  - hash.go: canonical digest
  - integrity.go: chain verification and the periodic monitor
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the policy thresholds the pipeline enforces.
type Config struct {
	MFAThreshold Money // step-up demanded at and above this amount
	KYCThreshold Money // VERIFIED profile demanded at and above
	AMLThreshold Money // post-commit AML alert at and above
	BalanceTTL   time.Duration
	PixDayTTL    time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MFAThreshold: MustMoney("1000.00"),
		KYCThreshold: MustMoney("5000.00"),
		AMLThreshold: MustMoney("10000.00"),
		BalanceTTL:   60 * time.Second,
		PixDayTTL:    24 * time.Hour,
	}
}

// Hooks are optional observation points (metrics). Never load-bearing.
type Hooks struct {
	TransactionCommitted func(op OperationType)
	FraudEvaluated       func(action FraudAction)
}

// Deps wires the Engine. Store, OTP and Identity are required; caches
// and collaborators are optional and degrade gracefully when nil.
type Deps struct {
	Store       Store
	Idempotency IdempotencyCache
	Balances    BalanceCache
	DayTotals   DayTotalCache
	Fraud       FraudChecker
	Alerts      AlertRouter
	OTP         OTPValidator
	Identity    IdentityService
	Log         *zap.Logger
	Config      Config
	Hooks       Hooks
}

// Engine executes ledger operations. Safe for concurrent use.
type Engine struct {
	store    Store
	idem     IdempotencyCache
	balances BalanceCache
	daily    DayTotalCache
	fraud    FraudChecker
	alerts   AlertRouter
	otp      OTPValidator
	identity IdentityService
	log      *zap.Logger
	cfg      Config
	hooks    Hooks

	now func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Config == (Config{}) {
		d.Config = DefaultConfig()
	}
	return &Engine{
		store:    d.Store,
		idem:     d.Idempotency,
		balances: d.Balances,
		daily:    d.DayTotals,
		fraud:    d.Fraud,
		alerts:   d.Alerts,
		otp:      d.OTP,
		identity: d.Identity,
		log:      d.Log,
		cfg:      d.Config,
		hooks:    d.Hooks,
		now:      time.Now,
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

type DepositRequest struct {
	AccountID      int64
	Amount         Money
	IdempotencyKey string
	Description    string
	Fraud          *FraudContext
	OTP            string
}

type WithdrawRequest struct {
	AccountID      int64
	Amount         Money
	IdempotencyKey string
	Description    string
	OTP            string
	Fraud          *FraudContext
}

type TransferRequest struct {
	FromAccountID  int64
	ToAccountID    int64
	Amount         Money
	IdempotencyKey string
	Description    string
	OTP            string
	Fraud          *FraudContext
}

type PixTransferRequest struct {
	PixKey         string
	FromAccountID  int64
	Amount         Money
	IdempotencyKey string
	Description    string
	OTP            string
	Fraud          *FraudContext
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Deposit credits the account against the treasury.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*Transaction, error) {
	return e.execute(ctx, operation{
		op:          OpDeposit,
		initiator:   req.AccountID,
		amount:      req.Amount,
		key:         req.IdempotencyKey,
		description: req.Description,
		otp:         req.OTP,
		fraud:       req.Fraud,
	})
}

// Withdraw debits the account in favor of the treasury.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*Transaction, error) {
	return e.execute(ctx, operation{
		op:          OpWithdraw,
		initiator:   req.AccountID,
		amount:      req.Amount,
		key:         req.IdempotencyKey,
		description: req.Description,
		otp:         req.OTP,
		fraud:       req.Fraud,
	})
}

// Transfer moves money between two internal accounts.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if req.FromAccountID == req.ToAccountID {
		return nil, ErrSameAccount
	}
	return e.execute(ctx, operation{
		op:           OpTransfer,
		initiator:    req.FromAccountID,
		counterparty: req.ToAccountID,
		amount:       req.Amount,
		key:          req.IdempotencyKey,
		description:  req.Description,
		otp:          req.OTP,
		fraud:        req.Fraud,
	})
}

// PixTransfer resolves the pix key to its owning account, then runs the
// same pipeline as an internal transfer with the pix caps applied.
func (e *Engine) PixTransfer(ctx context.Context, req PixTransferRequest) (*Transaction, error) {
	key, err := e.store.ResolvePixKey(ctx, req.PixKey)
	if err != nil {
		return nil, err
	}
	if key == nil || !key.Active {
		return nil, ErrPixKeyNotFound
	}
	if key.AccountID == req.FromAccountID {
		return nil, ErrSameAccount
	}
	return e.execute(ctx, operation{
		op:           OpPix,
		initiator:    req.FromAccountID,
		counterparty: key.AccountID,
		amount:       req.Amount,
		key:          req.IdempotencyKey,
		description:  req.Description,
		otp:          req.OTP,
		fraud:        req.Fraud,
	})
}

// GetBalance returns the account balance: cache first, derived sum on
// miss. The derived sum of postings is always the source of truth.
func (e *Engine) GetBalance(ctx context.Context, accountID int64) (Money, error) {
	if e.balances != nil {
		if bal, ok, err := e.balances.Get(ctx, accountID); err == nil && ok {
			return bal, nil
		}
	}
	bal, err := e.store.PostingSum(ctx, accountID)
	if err != nil {
		return Money{}, err
	}
	if e.balances != nil {
		if err := e.balances.Set(ctx, accountID, bal, e.cfg.BalanceTTL); err != nil {
			e.log.Warn("balance cache set failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}
	return bal, nil
}

// GetStatement lists transactions matching the query, newest first,
// together with the current balance.
func (e *Engine) GetStatement(ctx context.Context, q StatementQuery) (*Statement, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultStatementLimit
	}
	balance, err := e.GetBalance(ctx, q.AccountID)
	if err != nil {
		return nil, err
	}
	txs, err := e.store.Statement(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Statement{AccountID: q.AccountID, Balance: balance, Transactions: txs}, nil
}

// VerifyIntegrity runs the full-chain scan.
func (e *Engine) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	return VerifyLedger(ctx, e.store)
}

// =============================================================================
// PIPELINE
// =============================================================================

type operation struct {
	op           OperationType
	initiator    int64 // debit side for transfers, the account for cash ops
	counterparty int64 // credit side; 0 for cash ops (treasury is implied)
	amount       Money
	key          string
	description  string
	otp          string
	fraud        *FraudContext
}

func (op operation) debits() bool {
	return op.op == OpWithdraw || op.op == OpTransfer || op.op == OpPix
}

func (e *Engine) execute(ctx context.Context, op operation) (*Transaction, error) {
	if !op.op.Valid() {
		return nil, ErrInvalidOperation
	}
	if !op.amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(op.key) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidAmount)
	}

	// 1. Authoritative idempotency short-circuit.
	if existing, err := e.store.FindByIdempotency(ctx, op.initiator, op.key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	} else if existing != nil {
		existing.IdempotencyHit = true
		return existing, nil
	}

	// 2. Cache probe, read only. Markers exist only for committed work,
	// so a hit with no committed row means the first attempt is still
	// in flight: conflict, retriable. Rejections below never record the
	// key; the caller retries with the same key.
	idemNS := "tx:" + strconv.FormatInt(op.initiator, 10)
	if e.idem != nil {
		seen, err := e.idem.Seen(ctx, idemNS, op.key)
		if err != nil {
			e.log.Warn("idempotency cache unavailable", zap.Error(err))
		} else if seen {
			existing, err := e.store.FindByIdempotency(ctx, op.initiator, op.key)
			if err == nil && existing != nil {
				existing.IdempotencyHit = true
				return existing, nil
			}
			return nil, ErrConflict
		}
	}

	// 3. Fraud hook.
	if op.fraud != nil && e.fraud != nil {
		res, err := e.fraud.Evaluate(ctx, op.initiator, op.amount, *op.fraud)
		if err != nil {
			return nil, fmt.Errorf("%w: fraud engine: %v", ErrInfrastructure, err)
		}
		if e.hooks.FraudEvaluated != nil {
			e.hooks.FraudEvaluated(res.Action)
		}
		switch res.Action {
		case FraudBlock:
			e.notify(ctx, "FRAUD_BLOCK", map[string]any{
				"account_id": op.initiator,
				"amount":     op.amount.String(),
				"rules":      res.Rules,
			})
			return nil, &FraudBlockedError{AccountID: op.initiator, Rules: res.Rules}
		case FraudVerify:
			if op.otp == "" {
				return nil, ErrFraudVerificationRequired
			}
		}
	}

	var committed *Transaction
	var touched []int64

	err := e.store.WithTx(ctx, func(uow UnitOfWork) error {
		tx, accounts, err := e.executeLocked(ctx, uow, op)
		if err != nil {
			return err
		}
		committed = tx
		touched = accounts
		return nil
	})

	if err != nil {
		// 11. Uniqueness race: re-resolve once through idempotency.
		if errors.Is(err, ErrConflict) {
			existing, lookupErr := e.store.FindByIdempotency(ctx, op.initiator, op.key)
			if lookupErr == nil && existing != nil {
				existing.IdempotencyHit = true
				return existing, nil
			}
			return nil, ErrConflict
		}
		return nil, err
	}

	// 12. Post-commit side effects, all best-effort. The idempotency
	// marker is recorded only now, after the commit.
	if e.idem != nil {
		if markErr := e.idem.Mark(ctx, idemNS, op.key); markErr != nil {
			e.log.Warn("idempotency cache unavailable", zap.Error(markErr))
		}
	}
	e.invalidateBalances(ctx, touched)
	if e.hooks.TransactionCommitted != nil {
		e.hooks.TransactionCommitted(op.op)
	}
	if op.amount.GreaterThanOrEqual(e.cfg.AMLThreshold) {
		e.notify(ctx, "LARGE_TX", map[string]any{
			"account_id":     op.initiator,
			"transaction_id": committed.ID,
			"amount":         op.amount.String(),
			"rule":           "LARGE_TX",
		})
	}
	e.log.Info("transaction committed",
		zap.String("operation", string(op.op)),
		zap.Int64("account_id", op.initiator),
		zap.Int64("sequence", committed.Sequence),
		zap.String("amount", op.amount.String()))
	return committed, nil
}

// executeLocked is steps 4-10 of the pipeline, run with the unit of
// work open. Returns the appended transaction and every account whose
// cached balance changed.
func (e *Engine) executeLocked(ctx context.Context, uow UnitOfWork, op operation) (*Transaction, []int64, error) {
	// 4. Account acquisition, deterministic lock order.
	var debit, credit *Account
	switch op.op {
	case OpDeposit, OpWithdraw:
		acc, err := uow.AccountForUpdate(ctx, op.initiator)
		if err != nil {
			return nil, nil, err
		}
		// Treasury is always locked after the user account; every cash
		// operation follows the same relative order.
		treasury, err := uow.TreasuryForUpdate(ctx)
		if err != nil {
			return nil, nil, err
		}
		debit, credit = acc, treasury
	default:
		accounts, err := uow.AccountsForUpdate(ctx, []int64{op.initiator, op.counterparty})
		if err != nil {
			return nil, nil, err
		}
		debit = accounts[op.initiator]
		credit = accounts[op.counterparty]
	}
	if debit == nil || credit == nil {
		return nil, nil, ErrAccountNotFound
	}
	// The treasury is reachable only through the cash path above, which
	// locks it last. Naming it as a counterparty would invert the order.
	if (op.op == OpTransfer || op.op == OpPix) && credit.AccountType == AccountTreasury {
		return nil, nil, ErrAccountNotFound
	}

	// 5. Status gate.
	if !debit.Active() {
		return nil, nil, ErrAccountInactive
	}
	if op.op == OpTransfer || op.op == OpPix {
		if !credit.Active() {
			return nil, nil, ErrAccountInactive
		}
	}

	// 6. Policy gates, debit side only.
	if op.debits() {
		if err := e.gateKYC(ctx, uow, debit.UserID, op.amount); err != nil {
			return nil, nil, err
		}
		if err := e.gateLimits(ctx, uow, debit, op); err != nil {
			return nil, nil, err
		}
		if err := e.gateStepUp(ctx, uow, debit.UserID, op.amount, op.otp); err != nil {
			return nil, nil, err
		}

		// 7. Availability against the derived balance.
		derived, err := uow.PostingSum(ctx, debit.ID)
		if err != nil {
			return nil, nil, err
		}
		available := derived.Sub(debit.BlockedBalance).Add(debit.OverdraftLimit)
		if available.LessThan(op.amount) {
			return nil, nil, &InsufficientFundsError{
				AccountID: debit.ID,
				Available: available,
				Requested: op.amount,
			}
		}
	}

	// 8. Sequence and hash chain.
	sequence, err := uow.NextSequence(ctx)
	if err != nil {
		return nil, nil, err
	}
	prevHash, err := uow.RecordHashBySequence(ctx, sequence-1)
	if err != nil {
		return nil, nil, err
	}
	ts := CanonicalTimestamp(e.now())
	tx := &Transaction{
		AccountID:      op.initiator,
		IdempotencyKey: op.key,
		Amount:         op.amount,
		OperationType:  op.op,
		Description:    op.description,
		Timestamp:      ts,
		Sequence:       sequence,
		PrevHash:       prevHash,
	}
	tx.RecordHash = TransactionHash(tx)

	// 9. Double-entry append.
	var postings []Posting
	switch op.op {
	case OpDeposit:
		postings = []Posting{
			{AccountID: debit.ID, Amount: op.amount, Timestamp: ts},
			{AccountID: credit.ID, Amount: op.amount.Neg(), Timestamp: ts},
		}
	case OpWithdraw:
		postings = []Posting{
			{AccountID: debit.ID, Amount: op.amount.Neg(), Timestamp: ts},
			{AccountID: credit.ID, Amount: op.amount, Timestamp: ts},
		}
	default:
		postings = []Posting{
			{AccountID: debit.ID, Amount: op.amount.Neg(), Timestamp: ts},
			{AccountID: credit.ID, Amount: op.amount, Timestamp: ts},
		}
	}
	if !PostingsBalanced(postings) {
		panic("ledger: double-entry invariant violated before flush")
	}
	if err := uow.AppendTransaction(ctx, tx, postings); err != nil {
		return nil, nil, err
	}

	// 10. Cached balance columns, deltas applied under the held locks.
	for _, p := range postings {
		target := debit
		if p.AccountID == credit.ID {
			target = credit
		}
		target.Balance = target.Balance.Add(p.Amount)
		if err := uow.UpdateCachedBalance(ctx, target.ID, target.Balance); err != nil {
			return nil, nil, err
		}
	}
	return tx, []int64{debit.ID, credit.ID}, nil
}

func (e *Engine) gateKYC(ctx context.Context, uow UnitOfWork, userID int64, amount Money) error {
	if amount.LessThan(e.cfg.KYCThreshold) {
		return nil
	}
	profile, err := uow.KycProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile == nil || profile.Status != KycVerified {
		return ErrKYCRequired
	}
	return nil
}

func (e *Engine) gateLimits(ctx context.Context, uow UnitOfWork, debit *Account, op operation) error {
	limits, err := uow.LimitConfig(ctx, debit.UserID)
	if err != nil {
		return err
	}
	var name string
	var cap Money
	switch op.op {
	case OpWithdraw:
		name, cap = "withdrawal", limits.WithdrawalLimit
	case OpTransfer:
		name, cap = "ted", limits.TEDLimit
	case OpPix:
		name, cap = "pix", limits.PixLimit
	default:
		return nil
	}
	if op.amount.GreaterThan(cap) {
		return &LimitExceededError{Limit: name, Cap: cap, Requested: op.amount}
	}
	if op.op != OpPix {
		return nil
	}

	// Pix adds per-transaction and rolling per-day caps.
	pix, err := uow.PixLimit(ctx, debit.ID)
	if err != nil {
		return err
	}
	if op.amount.GreaterThan(pix.PerTxLimit) {
		return &LimitExceededError{Limit: "pix_per_tx", Cap: pix.PerTxLimit, Requested: op.amount}
	}
	if e.daily != nil {
		dayKey := fmt.Sprintf("pix:day:%d:%s", debit.ID, e.now().UTC().Format("2006-01-02"))
		total, err := e.daily.Add(ctx, dayKey, op.amount, e.cfg.PixDayTTL)
		if err != nil {
			e.log.Warn("pix day-total cache unavailable", zap.Error(err))
			return nil
		}
		if total.GreaterThan(pix.DayLimit) {
			return &LimitExceededError{Limit: "pix_day", Cap: pix.DayLimit, Requested: total}
		}
	}
	return nil
}

// gateStepUp demands a second factor at and above the MFA threshold.
// A TOTP code or an unused backup code passes; backup codes are
// consumed inside the unit of work, so a rolled-back operation does
// not burn the code.
func (e *Engine) gateStepUp(ctx context.Context, uow UnitOfWork, userID int64, amount Money, otp string) error {
	if amount.LessThan(e.cfg.MFAThreshold) {
		return nil
	}
	user, err := uow.User(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if !user.MFAEnabled {
		return ErrMFASetupRequired
	}
	if otp == "" {
		return ErrMFARequired
	}
	if e.otp.VerifyTOTP(user.MFASecret, otp) {
		return nil
	}
	codes, err := uow.UnusedBackupCodes(ctx, userID)
	if err != nil {
		return err
	}
	for _, code := range codes {
		if e.otp.MatchBackupCode(otp, code.CodeHash) {
			return uow.ConsumeBackupCode(ctx, code.ID)
		}
	}
	return ErrMFARequired
}

func (e *Engine) invalidateBalances(ctx context.Context, accountIDs []int64) {
	if e.balances == nil {
		return
	}
	for _, id := range accountIDs {
		if err := e.balances.Invalidate(ctx, id); err != nil {
			e.log.Warn("balance cache invalidation failed", zap.Int64("account_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) notify(ctx context.Context, kind string, payload map[string]any) {
	if e.alerts == nil {
		return
	}
	e.alerts.Notify(ctx, kind, payload)
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

type OpenAccountInput struct {
	Name        string
	Email       string
	CPF         string
	Password    string
	AccountType AccountType
}

// OpenAccount creates the user and their first account: encrypted CPF,
// indexed CPF hash, token-vault reference, bcrypt password, fresh TOTP
// secret (MFA disabled until enrollment), PENDING KYC profile and
// default limits.
func (e *Engine) OpenAccount(ctx context.Context, in OpenAccountInput) (*Account, *User, error) {
	if in.Email == "" || in.Password == "" || len(in.CPF) != 11 {
		return nil, nil, fmt.Errorf("%w: name, email, 11-digit cpf and password are required", ErrInvalidAmount)
	}
	if in.AccountType == "" {
		in.AccountType = AccountChecking
	}

	last4 := in.CPF[len(in.CPF)-4:]
	ciphertext, err := e.identity.EncryptField(in.CPF)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	token, err := e.identity.TokenizeCPF(ctx, in.CPF, last4)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	passwordHash, err := e.identity.HashPassword(in.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	secret, err := e.identity.NewTOTPSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	number, err := e.newAccountNumber(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := e.now().UTC()
	user := &User{
		Name:          in.Name,
		Email:         in.Email,
		CPFCiphertext: ciphertext,
		CPFHash:       HashCPF(in.CPF),
		CPFToken:      token,
		CPFLast4:      last4,
		PasswordHash:  passwordHash,
		MFASecret:     secret,
		CreatedAt:     now,
	}
	account := &Account{
		AccountNumber: number,
		AccountType:   in.AccountType,
		Status:        StatusActive,
		CreatedAt:     now,
	}
	if err := e.store.CreateUserAccount(ctx, user, account); err != nil {
		return nil, nil, err
	}
	return account, user, nil
}

// Authenticate resolves the identifier (email, 11-digit CPF, or numeric
// account id), verifies the password, and returns the user's first
// ACTIVE account.
func (e *Engine) Authenticate(ctx context.Context, identifier, password string) (*Account, *User, error) {
	var user *User
	var err error
	switch {
	case isDigits(identifier) && len(identifier) == 11:
		user, err = e.store.UserByCPFHash(ctx, HashCPF(identifier))
	case isDigits(identifier):
		id, convErr := strconv.ParseInt(identifier, 10, 64)
		if convErr == nil {
			var acc *Account
			acc, err = e.store.Account(ctx, id)
			if err == nil && acc != nil {
				user, err = e.store.User(ctx, acc.UserID)
			}
		}
	default:
		user, err = e.store.UserByEmail(ctx, identifier)
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrAccountNotFound) {
		return nil, nil, err
	}
	if user == nil || !e.identity.VerifyPassword(password, user.PasswordHash) {
		return nil, nil, ErrUnauthenticated
	}
	accounts, err := e.store.AccountsByUser(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	for i := range accounts {
		if accounts[i].Status == StatusActive {
			return &accounts[i], user, nil
		}
	}
	return nil, nil, ErrUnauthenticated
}

// EnableMFA validates a TOTP code against the user's secret, flips the
// flag and mints five single-use backup codes. The plaintext codes are
// returned exactly once.
func (e *Engine) EnableMFA(ctx context.Context, accountID int64, code string) ([]string, error) {
	account, err := e.store.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	user, err := e.store.User(ctx, account.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if !e.otp.VerifyTOTP(user.MFASecret, code) {
		return nil, ErrMFARequired
	}

	plain := make([]string, 0, 5)
	hashes := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		c := newBackupCode()
		h, err := e.identity.HashPassword(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInfrastructure, err)
		}
		plain = append(plain, c)
		hashes = append(hashes, h)
	}
	if err := e.store.EnableMFA(ctx, user.ID, hashes); err != nil {
		return nil, err
	}
	return plain, nil
}

// RegisterPixKey binds a pix key to the account.
func (e *Engine) RegisterPixKey(ctx context.Context, accountID int64, key string, keyType PixKeyType) (*PixKey, error) {
	if key == "" || !keyType.Valid() {
		return nil, fmt.Errorf("%w: invalid pix key or type", ErrInvalidAmount)
	}
	account, err := e.store.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	if !account.Active() {
		return nil, ErrAccountInactive
	}
	pk := &PixKey{
		Key:       key,
		KeyType:   keyType,
		AccountID: accountID,
		Active:    true,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreatePixKey(ctx, pk); err != nil {
		return nil, err
	}
	return pk, nil
}

// AnonymizeUser executes the right to be forgotten.
func (e *Engine) AnonymizeUser(ctx context.Context, userID int64) error {
	return e.store.AnonymizeUser(ctx, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

// HashCPF is the indexed, non-reversible form of the national id.
// Equality checks use this hash, never the ciphertext.
func HashCPF(cpf string) string {
	sum := sha256.Sum256([]byte(cpf))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) newAccountNumber(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		candidate := fmt.Sprintf("%04d-%d", 1000+rand.IntN(9000), 1+rand.IntN(9))
		exists, err := e.store.AccountNumberExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate an account number", ErrInfrastructure)
}

const backupCodeAlphabet = "0123456789ABCDEF"

func newBackupCode() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = backupCodeAlphabet[rand.IntN(len(backupCodeAlphabet))]
	}
	return string(b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
