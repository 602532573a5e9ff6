/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All sentinel errors in one place. Callers classify with errors.Is;
  the HTTP layer maps classes to status codes via Classify.

ERROR CATEGORIES:
  Validation  - malformed input, rejected before any write
  Auth        - missing or failed step-up (MFA, fraud verification)
  Policy      - KYC, limits, account status, fraud BLOCK
  Conflict    - idempotency/sequence races; retriable by the client
  Funds       - insufficient available balance, limit exceeded
  Infra       - datastore or cache unavailable; never a partial write

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for amounts that are zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSameAccount is returned when a transfer names one account twice.
	ErrSameAccount = errors.New("source and destination accounts are the same")

	// ErrInvalidOperation is returned for an unknown operation type.
	ErrInvalidOperation = errors.New("invalid operation type")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when a locked account is not ACTIVE.
	ErrAccountInactive = errors.New("account inactive or blocked")

	// ErrPixKeyNotFound is returned when a pix key resolves to nothing.
	ErrPixKeyNotFound = errors.New("pix key not found")

	// ErrInsufficientFunds is returned when a debit exceeds the available
	// balance (derived balance - blocked + overdraft).
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLimitExceeded is returned when an operation exceeds its configured cap.
	ErrLimitExceeded = errors.New("operation limit exceeded")

	// ErrKYCRequired is returned for large debits without a VERIFIED profile.
	ErrKYCRequired = errors.New("KYC_REQUIRED")

	// ErrMFARequired is returned when step-up is demanded and the supplied
	// code is missing or invalid.
	ErrMFARequired = errors.New("MFA_REQUIRED")

	// ErrMFASetupRequired is returned when step-up is demanded but the user
	// never enrolled a second factor.
	ErrMFASetupRequired = errors.New("MFA_SETUP_REQUIRED")

	// ErrFraudVerificationRequired is returned when the fraud engine asks
	// for verification and no OTP accompanied the request.
	ErrFraudVerificationRequired = errors.New("FRAUD_VERIFICATION_REQUIRED")

	// ErrFraudBlocked is a terminal fraud rejection.
	ErrFraudBlocked = errors.New("blocked by fraud engine")

	// ErrConflict signals an idempotency or sequence race that the client
	// may retry with the same key.
	ErrConflict = errors.New("transaction in flight, retry with the same key")

	// ErrDuplicateEmail / ErrDuplicateCPF reject signup collisions.
	ErrDuplicateEmail = errors.New("email already registered")
	ErrDuplicateCPF   = errors.New("cpf already registered")

	// ErrDuplicatePixKey rejects registering an existing pix key.
	ErrDuplicatePixKey = errors.New("pix key already registered")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAppendOnly is returned by stores on any attempt to update or
	// delete a ledger row.
	ErrAppendOnly = errors.New("ledger is append-only: updates and deletes are not allowed")

	// ErrInfrastructure wraps datastore failures surfaced to callers.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrUnauthenticated is returned for bad credentials or revoked sessions.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrTooManyRequests is returned by rate-limited surfaces.
	ErrTooManyRequests = errors.New("too many requests")
)

// =============================================================================
// STRUCTURED ERRORS - carry additional context
// =============================================================================

// InsufficientFundsError reports the shortfall on a rejected debit.
type InsufficientFundsError struct {
	AccountID int64
	Available Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %d: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// LimitExceededError reports which cap rejected the operation.
type LimitExceededError struct {
	Limit     string // "withdrawal", "ted", "pix", "pix_per_tx", "pix_day"
	Cap       Money
	Requested Money
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: cap %s, requested %s", e.Limit, e.Cap, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// FraudBlockedError carries the rule names that triggered the block.
type FraudBlockedError struct {
	AccountID int64
	Rules     []string
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("transaction blocked by fraud engine for account %d: %v", e.AccountID, e.Rules)
}

func (e *FraudBlockedError) Unwrap() error { return ErrFraudBlocked }

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Kind buckets an error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindMFARequired
	KindMFASetupRequired
	KindFraudVerification
	KindPolicy
	KindNotFound
	KindConflict
	KindUnprocessable
	KindRateLimited
)

// Classify maps an error to its Kind. Unknown errors are internal.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrInvalidOperation),
		errors.Is(err, ErrDuplicateEmail),
		errors.Is(err, ErrDuplicateCPF),
		errors.Is(err, ErrDuplicatePixKey):
		return KindValidation
	case errors.Is(err, ErrMFASetupRequired):
		return KindMFASetupRequired
	case errors.Is(err, ErrMFARequired):
		return KindMFARequired
	case errors.Is(err, ErrFraudVerificationRequired):
		return KindFraudVerification
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrKYCRequired),
		errors.Is(err, ErrAccountInactive),
		errors.Is(err, ErrFraudBlocked):
		return KindPolicy
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrPixKeyNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrLimitExceeded):
		return KindUnprocessable
	case errors.Is(err, ErrTooManyRequests):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// IsRetryable reports whether a retry with the same idempotency key can
// succeed or replay the original outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrInfrastructure)
}
