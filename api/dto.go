/*
dto.go - Request and response payloads

PURPOSE:
  JSON shapes for the HTTP surface, separate from the domain records.
  Amounts travel as 2-decimal strings; balances never leave as floats.

VALIDATION:
  Struct tags drive go-playground/validator; the handler translates
  validation failures to 400 with the offending field.
*/
package api

import (
	"time"

	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/security"
)

// =============================================================================
// REQUESTS
// =============================================================================

type SignupRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=120"`
	Email       string `json:"email" validate:"required,email"`
	CPF         string `json:"cpf" validate:"required,len=11,numeric"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	AccountType string `json:"account_type" validate:"omitempty,oneof=CHECKING SAVINGS SALARY DIGITAL INVESTMENT"`
}

type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type TransactionRequest struct {
	Amount         string `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
	Description    string `json:"description" validate:"max=255"`
	OTP            string `json:"otp" validate:"omitempty,max=16"`
}

type TransferRequest struct {
	ToAccountID    int64  `json:"to_account_id" validate:"required,gt=0"`
	Amount         string `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
	Description    string `json:"description" validate:"max=255"`
	OTP            string `json:"otp" validate:"omitempty,max=16"`
}

type PixRequest struct {
	PixKey         string `json:"pix_key" validate:"required,max=140"`
	Amount         string `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,min=1,max=128"`
	Description    string `json:"description" validate:"max=255"`
	OTP            string `json:"otp" validate:"omitempty,max=16"`
}

type EnableMFARequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type RegisterPixKeyRequest struct {
	Key     string `json:"key" validate:"required,max=140"`
	KeyType string `json:"key_type" validate:"required,oneof=CPF EMAIL PHONE EVP"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(pair security.TokenPair) TokenResponse {
	return TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	}
}

type AccountResponse struct {
	ID            int64  `json:"id"`
	AccountNumber string `json:"account_number"`
	AccountType   string `json:"account_type"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

func newAccountResponse(a *ledger.Account) AccountResponse {
	return AccountResponse{
		ID:            a.ID,
		AccountNumber: a.AccountNumber,
		AccountType:   string(a.AccountType),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type SignupResponse struct {
	Account AccountResponse `json:"account"`
	UserID  int64           `json:"user_id"`
}

type BalanceResponse struct {
	AccountID int64  `json:"account_id"`
	Balance   string `json:"balance"`
}

type TransactionResponse struct {
	ID             int64  `json:"id"`
	AccountID      int64  `json:"account_id"`
	Amount         string `json:"amount"`
	OperationType  string `json:"operation_type"`
	Description    string `json:"description,omitempty"`
	Timestamp      string `json:"timestamp"`
	Sequence       int64  `json:"sequence"`
	RecordHash     string `json:"record_hash"`
	IdempotencyHit bool   `json:"idempotency_hit"`
}

func newTransactionResponse(tx *ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:             tx.ID,
		AccountID:      tx.AccountID,
		Amount:         tx.Amount.String(),
		OperationType:  string(tx.OperationType),
		Description:    tx.Description,
		Timestamp:      tx.Timestamp.UTC().Format(time.RFC3339Nano),
		Sequence:       tx.Sequence,
		RecordHash:     tx.RecordHash,
		IdempotencyHit: tx.IdempotencyHit,
	}
}

type StatementResponse struct {
	AccountID    int64                 `json:"account_id"`
	Balance      string                `json:"balance"`
	Transactions []TransactionResponse `json:"transactions"`
}

type EnableMFAResponse struct {
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"backup_codes"`
}

type MFASetupResponse struct {
	Secret string `json:"secret"`
	Issuer string `json:"issuer"`
}

type PixKeyResponse struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	KeyType   string `json:"key_type"`
	AccountID int64  `json:"account_id"`
}

type IntegrityResponse struct {
	OK            bool   `json:"ok"`
	Transactions  int    `json:"transactions"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	DB          bool   `json:"db"`
	Cache       bool   `json:"cache"`
	IntegrityOK bool   `json:"integrity_ok"`
}
