/*
handlers.go - HTTP handler implementations

PURPOSE:
  Thin translation layer: decode + validate the request, call the
  engine, map the result or error to JSON. No business rules live here.

FRAUD SIGNALS:
  Transaction handlers forward the caller's IP, user agent and device
  fingerprint (X-Device-Fingerprint header) to the engine's fraud hook.
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/security"
)

// =============================================================================
// AUTH
// =============================================================================

func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	account, user, err := s.engine.OpenAccount(r.Context(), ledger.OpenAccountInput{
		Name:        req.Name,
		Email:       req.Email,
		CPF:         req.CPF,
		Password:    req.Password,
		AccountType: ledger.AccountType(req.AccountType),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, SignupResponse{
		Account: newAccountResponse(account),
		UserID:  user.ID,
	})
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	account, user, err := s.engine.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	pair, err := s.tokens.Issue(account.ID, user.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	claims, err := s.tokens.Verify(req.RefreshToken, security.TokenTypeRefresh)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid refresh token", "")
		return
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(r.Context(), claims.ID)
		if err != nil || revoked {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "session revoked", "")
			return
		}
	}
	pair, err := s.tokens.Issue(claims.AccountID, claims.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// Logout revokes the presented access token for its remaining life.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	if s.revocations != nil && claims != nil {
		if err := s.revocations.Revoke(r.Context(), claims.ID, s.tokens.RemainingLife(claims)); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	account, err := s.store.Account(r.Context(), claims.AccountID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newAccountResponse(account))
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	balance, err := s.engine.GetBalance(r.Context(), claims.AccountID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, BalanceResponse{
		AccountID: claims.AccountID,
		Balance:   balance.String(),
	})
}

func (s *Server) GetStatement(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	q, ok := s.parseStatementQuery(w, r, claims.AccountID)
	if !ok {
		return
	}
	statement, err := s.engine.GetStatement(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := StatementResponse{
		AccountID:    statement.AccountID,
		Balance:      statement.Balance.String(),
		Transactions: make([]TransactionResponse, 0, len(statement.Transactions)),
	}
	for i := range statement.Transactions {
		resp.Transactions = append(resp.Transactions, newTransactionResponse(&statement.Transactions[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// MFASetup returns the user's enrollment secret.
func (s *Server) MFASetup(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	user, err := s.store.User(r.Context(), claims.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MFASetupResponse{Secret: user.MFASecret, Issuer: s.totpIssuer})
}

func (s *Server) EnableMFA(w http.ResponseWriter, r *http.Request) {
	var req EnableMFARequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	claims := SessionFromContext(r.Context())
	codes, err := s.engine.EnableMFA(r.Context(), claims.AccountID, req.Code)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EnableMFAResponse{Enabled: true, BackupCodes: codes})
}

func (s *Server) RegisterPixKey(w http.ResponseWriter, r *http.Request) {
	var req RegisterPixKeyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	claims := SessionFromContext(r.Context())
	key, err := s.engine.RegisterPixKey(r.Context(), claims.AccountID, req.Key, ledger.PixKeyType(req.KeyType))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, PixKeyResponse{
		ID:        key.ID,
		Key:       key.Key,
		KeyType:   string(key.KeyType),
		AccountID: key.AccountID,
	})
}

// AnonymizeUser executes the right to be forgotten for the session's
// user. Ledger history stays; identity fields are erased.
func (s *Server) AnonymizeUser(w http.ResponseWriter, r *http.Request) {
	claims := SessionFromContext(r.Context())
	if err := s.engine.AnonymizeUser(r.Context(), claims.UserID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if s.revocations != nil {
		_ = s.revocations.Revoke(r.Context(), claims.ID, s.tokens.RemainingLife(claims))
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "anonymized"})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	claims := SessionFromContext(r.Context())
	tx, err := s.engine.Deposit(r.Context(), ledger.DepositRequest{
		AccountID:      claims.AccountID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		OTP:            req.OTP,
		Fraud:          fraudContext(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeTransaction(w, tx)
}

func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	claims := SessionFromContext(r.Context())
	tx, err := s.engine.Withdraw(r.Context(), ledger.WithdrawRequest{
		AccountID:      claims.AccountID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		OTP:            req.OTP,
		Fraud:          fraudContext(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeTransaction(w, tx)
}

func (s *Server) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	claims := SessionFromContext(r.Context())
	tx, err := s.engine.Transfer(r.Context(), ledger.TransferRequest{
		FromAccountID:  claims.AccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		OTP:            req.OTP,
		Fraud:          fraudContext(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeTransaction(w, tx)
}

func (s *Server) Pix(w http.ResponseWriter, r *http.Request) {
	var req PixRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	claims := SessionFromContext(r.Context())
	tx, err := s.engine.PixTransfer(r.Context(), ledger.PixTransferRequest{
		PixKey:         req.PixKey,
		FromAccountID:  claims.AccountID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		OTP:            req.OTP,
		Fraud:          fraudContext(r),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeTransaction(w, tx)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Server) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, IntegrityResponse{
		OK:            report.OK,
		Transactions:  report.Count,
		TransactionID: report.TxID,
		Reason:        string(report.Reason),
	})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		DB:          s.store.Ping(r.Context()) == nil,
		Cache:       true,
		IntegrityOK: true,
	}
	if s.cachePing != nil {
		resp.Cache = s.cachePing.Ping(r.Context()) == nil
	}
	if s.integrity != nil {
		resp.IntegrityOK = s.integrity.OK()
	}

	status := http.StatusOK
	resp.Status = "ok"
	if !resp.DB || !resp.Cache || !resp.IntegrityOK {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	s.writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeTransaction(w http.ResponseWriter, tx *ledger.Transaction) {
	status := http.StatusCreated
	if tx.IdempotencyHit {
		status = http.StatusOK
	}
	s.writeJSON(w, status, newTransactionResponse(tx))
}

func (s *Server) parseAmount(w http.ResponseWriter, raw string) (ledger.Money, bool) {
	amount, err := ledger.MoneyFromString(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal string", "amount")
		return ledger.Money{}, false
	}
	return amount, true
}

func (s *Server) parseStatementQuery(w http.ResponseWriter, r *http.Request, accountID int64) (ledger.StatementQuery, bool) {
	q := ledger.StatementQuery{AccountID: accountID}
	values := r.URL.Query()

	if raw := values.Get("from"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "from must be RFC3339", "from")
			return q, false
		}
		q.From = &t
	}
	if raw := values.Get("to"); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be RFC3339", "to")
			return q, false
		}
		q.To = &t
	}
	if raw := values.Get("type"); raw != "" {
		op := ledger.OperationType(raw)
		if !op.Valid() {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "unknown operation type", "type")
			return q, false
		}
		q.Type = op
	}
	if raw := values.Get("min_amount"); raw != "" {
		m, err := ledger.MoneyFromString(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "min_amount must be a decimal string", "min_amount")
			return q, false
		}
		q.MinAmount = &m
	}
	if raw := values.Get("max_amount"); raw != "" {
		m, err := ledger.MoneyFromString(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "max_amount must be a decimal string", "max_amount")
			return q, false
		}
		q.MaxAmount = &m
	}
	q.Search = values.Get("search")
	if raw := values.Get("limit"); raw != "" {
		n, err := parseIntParam(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be 1-500", "limit")
			return q, false
		}
		q.Limit = n
	}
	return q, true
}

func parseTimeParam(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseIntParam(raw string) (int, error) {
	return strconv.Atoi(raw)
}

func fraudContext(r *http.Request) *ledger.FraudContext {
	return &ledger.FraudContext{
		IP:                clientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
	}
}
