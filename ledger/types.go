/*
types.go - Core banking entities

PURPOSE:
  Plain data records for the ledger core: users, accounts, transactions,
  postings, pix keys, limits, KYC profiles. No behavior beyond small
  helpers; the Engine operates on these through the store interfaces.

DESIGN PRINCIPLES:
  1. Immutability: transactions and postings are never modified once
     written. Corrections happen through new, offsetting entries.
  2. Precision: every monetary field is Money (2-decimal fixed point).
  3. The cached Account.Balance is an optimization. The source of truth
     for any balance is the sum of that account's postings.

SEE ALSO:
  - store.go: persistence contracts over these records
  - engine.go: the transaction pipeline
*/
package ledger

import "time"

// =============================================================================
// CONSTANTS
// =============================================================================

// Treasury is the reserved system counterparty for cash in/out.
// It is auto-provisioned on first use.
const (
	TreasuryAccountNumber = "0000-0"
	TreasuryUserEmail     = "system@ledger.local"
)

// AnonymizedSentinel replaces the CPF hash when a user exercises the
// right to be forgotten. Kept stable so uniqueness still holds per user.
const AnonymizedSentinel = "anonymized"

// =============================================================================
// OPERATION / STATUS ENUMS
// =============================================================================

type OperationType string

const (
	OpDeposit  OperationType = "DEPOSIT"
	OpWithdraw OperationType = "WITHDRAW"
	OpTransfer OperationType = "TRANSFER"
	OpPix      OperationType = "PIX"
)

func (op OperationType) Valid() bool {
	switch op {
	case OpDeposit, OpWithdraw, OpTransfer, OpPix:
		return true
	}
	return false
}

type AccountType string

const (
	AccountChecking   AccountType = "CHECKING"
	AccountSavings    AccountType = "SAVINGS"
	AccountSalary     AccountType = "SALARY"
	AccountDigital    AccountType = "DIGITAL"
	AccountInvestment AccountType = "INVESTMENT"
	AccountTreasury   AccountType = "TREASURY"
)

type AccountStatus string

const (
	StatusActive  AccountStatus = "ACTIVE"
	StatusBlocked AccountStatus = "BLOCKED"
	StatusClosed  AccountStatus = "CLOSED"
)

type KycStatus string

const (
	KycPending  KycStatus = "PENDING"
	KycVerified KycStatus = "VERIFIED"
	KycRejected KycStatus = "REJECTED"
)

type PixKeyType string

const (
	PixKeyCPF   PixKeyType = "CPF"
	PixKeyEmail PixKeyType = "EMAIL"
	PixKeyPhone PixKeyType = "PHONE"
	PixKeyEVP   PixKeyType = "EVP"
)

func (t PixKeyType) Valid() bool {
	switch t {
	case PixKeyCPF, PixKeyEmail, PixKeyPhone, PixKeyEVP:
		return true
	}
	return false
}

// =============================================================================
// USERS & SECURITY
// =============================================================================

type User struct {
	ID            int64
	Name          string
	Email         string
	CPFCiphertext string // reversible under the envelope key; audit only
	CPFHash       string // SHA-256 of the national id; the indexed form
	CPFToken      string // token-vault reference
	CPFLast4      string
	PasswordHash  string
	MFASecret     string
	MFAEnabled    bool
	IsAnonymized  bool
	AnonymizedAt  *time.Time
	CreatedAt     time.Time
}

// BackupCode is a single-use second factor. The plaintext is shown once
// at enrollment; only the bcrypt hash is stored.
type BackupCode struct {
	ID        int64
	UserID    int64
	CodeHash  string
	Used      bool
	CreatedAt time.Time
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type Account struct {
	ID             int64
	AccountNumber  string
	UserID         int64
	Balance        Money // read cache; postings are authoritative
	BlockedBalance Money
	OverdraftLimit Money
	AccountType    AccountType
	Status         AccountStatus
	CreatedAt      time.Time
}

func (a *Account) Active() bool { return a != nil && a.Status == StatusActive }

// =============================================================================
// LEDGER RECORDS - append-only, hash-chained
// =============================================================================

// Transaction is one committed ledger operation. Once written it is
// immutable: no update or delete path exists anywhere in the system.
type Transaction struct {
	ID             int64
	AccountID      int64 // initiator
	IdempotencyKey string
	Amount         Money // always positive; sign lives on the postings
	OperationType  OperationType
	Description    string
	Timestamp      time.Time
	Sequence       int64 // globally unique, strictly increasing
	PrevHash       string
	RecordHash     string

	// IdempotencyHit marks a replayed result. Transient, never persisted.
	IdempotencyHit bool

	// Postings attached on read paths that hydrate them.
	Postings []Posting
}

// Posting is one signed entry against one account. The postings of a
// transaction always sum to zero.
type Posting struct {
	ID            int64
	TransactionID int64
	AccountID     int64
	Amount        Money // + credit, - debit
	Timestamp     time.Time
}

// PostingsBalanced reports whether the postings sum to zero.
func PostingsBalanced(postings []Posting) bool {
	total := ZeroMoney()
	for _, p := range postings {
		total = total.Add(p.Amount)
	}
	return total.IsZero()
}

// =============================================================================
// PIX
// =============================================================================

type PixKey struct {
	ID        int64
	Key       string
	KeyType   PixKeyType
	AccountID int64
	Active    bool
	CreatedAt time.Time
}

// PixLimit caps pix transfers per account: a per-transaction cap and a
// rolling per-day cap accumulated in the cache.
type PixLimit struct {
	AccountID  int64
	PerTxLimit Money
	DayLimit   Money
}

// DefaultPixLimit mirrors the provisioning defaults.
func DefaultPixLimit(accountID int64) PixLimit {
	return PixLimit{
		AccountID:  accountID,
		PerTxLimit: MustMoney("1000.00"),
		DayLimit:   MustMoney("10000.00"),
	}
}

// =============================================================================
// POLICY RECORDS
// =============================================================================

// LimitConfig holds per-user caps by operation.
type LimitConfig struct {
	UserID          int64
	WithdrawalLimit Money
	TEDLimit        Money
	DOCLimit        Money
	PixLimit        Money
}

// DefaultLimitConfig mirrors the provisioning defaults.
func DefaultLimitConfig(userID int64) LimitConfig {
	return LimitConfig{
		UserID:          userID,
		WithdrawalLimit: MustMoney("1000.00"),
		TEDLimit:        MustMoney("5000.00"),
		DOCLimit:        MustMoney("5000.00"),
		PixLimit:        MustMoney("1000.00"),
	}
}

type KycProfile struct {
	UserID    int64
	Status    KycStatus
	RiskLevel string
}

// =============================================================================
// STATEMENT
// =============================================================================

// StatementQuery filters a statement listing. Nil fields are ignored.
type StatementQuery struct {
	AccountID int64
	From      *time.Time
	To        *time.Time
	Type      OperationType // empty matches all
	MinAmount *Money
	MaxAmount *Money
	Search    string // substring match on description, case-insensitive
	Limit     int    // 0 means the default of 50
}

const DefaultStatementLimit = 50

// Statement is a balance plus the matching transactions, newest first.
type Statement struct {
	AccountID    int64
	Balance      Money
	Transactions []Transaction
}

// =============================================================================
// INTEGRITY
// =============================================================================

// IntegrityReason classifies a verification failure.
type IntegrityReason string

const (
	ReasonHashMismatch      IntegrityReason = "HASH_MISMATCH"
	ReasonPostingsImbalance IntegrityReason = "POSTINGS_IMBALANCE"
)

// IntegrityReport is the outcome of a full-chain scan. On failure TxID
// identifies the first offending transaction.
type IntegrityReport struct {
	OK     bool
	Count  int
	TxID   int64
	Reason IntegrityReason
}
