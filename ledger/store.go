/*
store.go - Persistence and collaborator contracts for the ledger core

PURPOSE:
  Defines the interfaces between the Engine and everything it depends
  on: the datastore, the best-effort caches, and the external
  collaborators (fraud engine, alert router, second-factor validation).
  Implementations: store/postgres (production), store/sqlite (dev/demo),
  ledger/store (in-memory, for tests).

APPEND-ONLY CONTRACT:
  The ledger tables expose exactly one write: AppendTransaction. No
  update or delete method exists for transactions or postings, and
  store implementations additionally reject such statements at the
  persistence layer (ErrAppendOnly).

UNIT OF WORK:
  WithTx runs fn inside one database transaction. Row locks acquired
  through the UnitOfWork are held until fn returns; an error rolls
  everything back, including the sequence increment. Nested WithTx is
  not supported and must not be attempted.

LOCK ORDERING:
  AccountsForUpdate locks rows in ascending account id, always. This is
  the deadlock-freedom rule for multi-account operations; callers never
  choose their own order.

CACHES:
  Every cache is an optimization, never an authority. A cache outage
  degrades to the datastore; only rate limiting on authentication
  degrades closed (enforced by the caller).
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// UNIT OF WORK - one database transaction, locks held
// =============================================================================

// UnitOfWork is the handle the Engine operates through inside WithTx.
// All reads see the transaction's snapshot; *ForUpdate methods take
// pessimistic row locks held until commit or rollback.
type UnitOfWork interface {
	// AccountForUpdate locks and returns one account.
	AccountForUpdate(ctx context.Context, id int64) (*Account, error)

	// AccountsForUpdate locks all ids in ascending order and returns them
	// keyed by id. Missing accounts are absent from the map.
	AccountsForUpdate(ctx context.Context, ids []int64) (map[int64]*Account, error)

	// TreasuryForUpdate locks the reserved system account, provisioning
	// it (and its system user) on first use.
	TreasuryForUpdate(ctx context.Context) (*Account, error)

	// UpdateCachedBalance overwrites the account's cached balance column.
	// The caller must hold the row lock.
	UpdateCachedBalance(ctx context.Context, accountID int64, balance Money) error

	// User returns a user row.
	User(ctx context.Context, id int64) (*User, error)

	// KycProfile returns the user's profile, or nil when none exists.
	KycProfile(ctx context.Context, userID int64) (*KycProfile, error)

	// LimitConfig returns the user's caps, provisioning defaults on
	// first use.
	LimitConfig(ctx context.Context, userID int64) (LimitConfig, error)

	// PixLimit returns the account's pix caps, provisioning defaults on
	// first use.
	PixLimit(ctx context.Context, accountID int64) (PixLimit, error)

	// UnusedBackupCodes returns the user's unconsumed backup codes.
	UnusedBackupCodes(ctx context.Context, userID int64) ([]BackupCode, error)

	// ConsumeBackupCode marks one code used. Single-use is enforced by
	// the enclosing transaction.
	ConsumeBackupCode(ctx context.Context, codeID int64) error

	// NextSequence atomically increments and returns the global counter.
	// The increment rolls back with the transaction.
	NextSequence(ctx context.Context) (int64, error)

	// RecordHashBySequence returns the record hash at a sequence number,
	// or "" when no such record exists.
	RecordHashBySequence(ctx context.Context, sequence int64) (string, error)

	// FindByIdempotency returns the committed transaction for
	// (account, key), or nil.
	FindByIdempotency(ctx context.Context, accountID int64, key string) (*Transaction, error)

	// AppendTransaction inserts the transaction row and its postings,
	// assigning ids. A uniqueness violation on (account_id,
	// idempotency_key) or sequence surfaces as ErrConflict.
	// This is the ONLY ledger write in the system.
	AppendTransaction(ctx context.Context, tx *Transaction, postings []Posting) error

	// PostingSum derives the authoritative balance of an account.
	PostingSum(ctx context.Context, accountID int64) (Money, error)
}

// =============================================================================
// STORE - datastore surface outside a unit of work
// =============================================================================

type Store interface {
	// WithTx runs fn inside one database transaction. fn returning an
	// error rolls back; nil commits.
	WithTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	// --- reads ---
	Account(ctx context.Context, id int64) (*Account, error)
	AccountsByUser(ctx context.Context, userID int64) ([]Account, error)
	User(ctx context.Context, id int64) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByCPFHash(ctx context.Context, cpfHash string) (*User, error)
	FindByIdempotency(ctx context.Context, accountID int64, key string) (*Transaction, error)
	PostingSum(ctx context.Context, accountID int64) (Money, error)
	TotalBalance(ctx context.Context) (Money, error)
	ResolvePixKey(ctx context.Context, key string) (*PixKey, error)
	AccountNumberExists(ctx context.Context, number string) (bool, error)

	// Statement lists matching transactions, newest first.
	Statement(ctx context.Context, q StatementQuery) ([]Transaction, error)

	// TransactionsBySequence returns all committed transactions in
	// ascending sequence order. Used by integrity verification.
	TransactionsBySequence(ctx context.Context) ([]Transaction, error)

	// PostingSumsByTransaction returns transaction id -> posting sum.
	PostingSumsByTransaction(ctx context.Context) (map[int64]Money, error)

	// --- lifecycle writes (not ledger rows) ---

	// CreateUserAccount atomically persists a new user, their account,
	// a PENDING KYC profile and default limits, assigning ids. Email and
	// CPF-hash collisions surface as ErrDuplicateEmail / ErrDuplicateCPF.
	CreateUserAccount(ctx context.Context, user *User, account *Account) error

	// CreatePixKey registers a pix key; duplicates surface as
	// ErrDuplicatePixKey.
	CreatePixKey(ctx context.Context, key *PixKey) error

	// EnableMFA flips the user's flag and stores the hashed backup codes.
	EnableMFA(ctx context.Context, userID int64, backupCodeHashes []string) error

	// AnonymizeUser executes the right to be forgotten: sentinel hash,
	// erased ciphertext, is_anonymized set.
	AnonymizeUser(ctx context.Context, userID int64) error

	// Ping reports datastore health.
	Ping(ctx context.Context) error
}

// VerifyLedger runs the full-chain scan against a store: all committed
// transactions in ascending sequence, digests recomputed against the
// running previous hash, posting sums checked for zero.
func VerifyLedger(ctx context.Context, s Store) (IntegrityReport, error) {
	sums, err := s.PostingSumsByTransaction(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	txs, err := s.TransactionsBySequence(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}
	return VerifyChain(txs, sums), nil
}

// =============================================================================
// CACHES - best-effort, TTL-bounded
// =============================================================================

// IdempotencyCache is the fast, non-authoritative layer over the DB
// uniqueness constraint. Keys are recorded only after a successful
// commit: a rejected attempt leaves the key free for retry.
type IdempotencyCache interface {
	// Seen reports whether (namespace, key) was recorded. Read-only.
	Seen(ctx context.Context, namespace, key string) (bool, error)

	// Mark records (namespace, key) after a successful commit.
	// TTL-bounded by the implementation (24h).
	Mark(ctx context.Context, namespace, key string) error
}

// BalanceCache caches derived balances for the read path.
type BalanceCache interface {
	Get(ctx context.Context, accountID int64) (Money, bool, error)
	Set(ctx context.Context, accountID int64, balance Money, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID int64) error
}

// DayTotalCache accumulates rolling daily totals (pix day cap). Amounts
// accumulate in minor units under the hood.
type DayTotalCache interface {
	Add(ctx context.Context, key string, amount Money, ttl time.Duration) (Money, error)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

type FraudAction string

const (
	FraudAllow  FraudAction = "ALLOW"
	FraudVerify FraudAction = "VERIFY"
	FraudBlock  FraudAction = "BLOCK"
)

// FraudContext carries the request signals the fraud engine scores.
type FraudContext struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

type FraudResult struct {
	Action FraudAction
	Rules  []string
	Score  float64
}

// FraudChecker is the external fraud engine contract. Evaluate is
// idempotent and side-effect-safe.
type FraudChecker interface {
	Evaluate(ctx context.Context, accountID int64, amount Money, fctx FraudContext) (FraudResult, error)
}

// AlertRouter delivers fire-and-forget notifications (AML, integrity).
// Implementations must never block the caller on delivery failure.
type AlertRouter interface {
	Notify(ctx context.Context, kind string, payload map[string]any)
}

// OTPValidator verifies step-up credentials. Pure functions over the
// stored secrets; backup-code consumption stays with the UnitOfWork.
type OTPValidator interface {
	VerifyTOTP(secret, code string) bool
	MatchBackupCode(code, hash string) bool
}

// IdentityService prepares the sensitive fields of a new user and
// checks credentials. Implemented by the security package.
type IdentityService interface {
	HashPassword(password string) (string, error)
	VerifyPassword(password, hash string) bool
	NewTOTPSecret() (string, error)
	EncryptField(plaintext string) (string, error)
	TokenizeCPF(ctx context.Context, cpf, last4 string) (string, error)
}
