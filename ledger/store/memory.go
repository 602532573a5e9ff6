// Package store provides the in-memory Store implementation, used by
// tests and local development. Transactions are simulated with a full
// snapshot taken at WithTx entry and restored on error; the single
// mutex serializes writers the way the database row locks do in
// production.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brasa/corebank/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.Mutex

	users       map[int64]*ledger.User
	accounts    map[int64]*ledger.Account
	kyc         map[int64]*ledger.KycProfile
	limits      map[int64]ledger.LimitConfig
	pixLimits   map[int64]ledger.PixLimit
	pixKeys     map[string]*ledger.PixKey
	backupCodes []ledger.BackupCode

	transactions []ledger.Transaction
	postings     []ledger.Posting
	sequence     int64

	nextUserID    int64
	nextAccountID int64
	nextTxID      int64
	nextPostingID int64
	nextCodeID    int64
	nextPixID     int64
	treasuryID    int64

	// LockOrder records every row-lock acquisition (account ids, in
	// order). Exposed so tests can assert the deterministic ordering
	// that prevents deadlocks in production.
	LockOrder []int64
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[int64]*ledger.User),
		accounts:  make(map[int64]*ledger.Account),
		kyc:       make(map[int64]*ledger.KycProfile),
		limits:    make(map[int64]ledger.LimitConfig),
		pixLimits: make(map[int64]ledger.PixLimit),
		pixKeys:   make(map[string]*ledger.PixKey),
	}
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx simulates a database transaction with snapshot + rollback.
// The mutex is held for the whole unit of work, which also models the
// serialization the sequence row lock provides in production.
func (m *Memory) WithTx(ctx context.Context, fn func(uow ledger.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryUOW{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memoryUOW struct {
	m *Memory
}

func (u *memoryUOW) AccountForUpdate(_ context.Context, id int64) (*ledger.Account, error) {
	acc, ok := u.m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	u.m.LockOrder = append(u.m.LockOrder, id)
	return acc, nil
}

func (u *memoryUOW) AccountsForUpdate(_ context.Context, ids []int64) (map[int64]*ledger.Account, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[int64]*ledger.Account, len(sorted))
	for _, id := range sorted {
		if acc, ok := u.m.accounts[id]; ok {
			u.m.LockOrder = append(u.m.LockOrder, id)
			out[id] = acc
		}
	}
	return out, nil
}

func (u *memoryUOW) TreasuryForUpdate(_ context.Context) (*ledger.Account, error) {
	if u.m.treasuryID == 0 {
		u.m.provisionTreasury()
	}
	u.m.LockOrder = append(u.m.LockOrder, u.m.treasuryID)
	return u.m.accounts[u.m.treasuryID], nil
}

func (u *memoryUOW) UpdateCachedBalance(_ context.Context, accountID int64, balance ledger.Money) error {
	acc, ok := u.m.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acc.Balance = balance
	return nil
}

func (u *memoryUOW) User(_ context.Context, id int64) (*ledger.User, error) {
	user, ok := u.m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	return user, nil
}

func (u *memoryUOW) KycProfile(_ context.Context, userID int64) (*ledger.KycProfile, error) {
	return u.m.kyc[userID], nil
}

func (u *memoryUOW) LimitConfig(_ context.Context, userID int64) (ledger.LimitConfig, error) {
	if cfg, ok := u.m.limits[userID]; ok {
		return cfg, nil
	}
	cfg := ledger.DefaultLimitConfig(userID)
	u.m.limits[userID] = cfg
	return cfg, nil
}

func (u *memoryUOW) PixLimit(_ context.Context, accountID int64) (ledger.PixLimit, error) {
	if pl, ok := u.m.pixLimits[accountID]; ok {
		return pl, nil
	}
	pl := ledger.DefaultPixLimit(accountID)
	u.m.pixLimits[accountID] = pl
	return pl, nil
}

func (u *memoryUOW) UnusedBackupCodes(_ context.Context, userID int64) ([]ledger.BackupCode, error) {
	var out []ledger.BackupCode
	for _, c := range u.m.backupCodes {
		if c.UserID == userID && !c.Used {
			out = append(out, c)
		}
	}
	return out, nil
}

func (u *memoryUOW) ConsumeBackupCode(_ context.Context, codeID int64) error {
	for i := range u.m.backupCodes {
		if u.m.backupCodes[i].ID == codeID {
			u.m.backupCodes[i].Used = true
			return nil
		}
	}
	return ledger.ErrUserNotFound
}

func (u *memoryUOW) NextSequence(_ context.Context) (int64, error) {
	u.m.sequence++
	return u.m.sequence, nil
}

func (u *memoryUOW) RecordHashBySequence(_ context.Context, sequence int64) (string, error) {
	for i := range u.m.transactions {
		if u.m.transactions[i].Sequence == sequence {
			return u.m.transactions[i].RecordHash, nil
		}
	}
	return "", nil
}

func (u *memoryUOW) FindByIdempotency(_ context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	return u.m.findByIdempotency(accountID, key), nil
}

func (u *memoryUOW) AppendTransaction(_ context.Context, tx *ledger.Transaction, postings []ledger.Posting) error {
	if u.m.findByIdempotency(tx.AccountID, tx.IdempotencyKey) != nil {
		return ledger.ErrConflict
	}
	for i := range u.m.transactions {
		if u.m.transactions[i].Sequence == tx.Sequence {
			return ledger.ErrConflict
		}
	}

	u.m.nextTxID++
	tx.ID = u.m.nextTxID
	u.m.transactions = append(u.m.transactions, *tx)

	for i := range postings {
		u.m.nextPostingID++
		postings[i].ID = u.m.nextPostingID
		postings[i].TransactionID = tx.ID
		u.m.postings = append(u.m.postings, postings[i])
	}
	return nil
}

func (u *memoryUOW) PostingSum(_ context.Context, accountID int64) (ledger.Money, error) {
	return u.m.postingSum(accountID), nil
}

// =============================================================================
// STORE READS
// =============================================================================

func (m *Memory) Account(_ context.Context, id int64) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *Memory) AccountsByUser(_ context.Context, userID int64) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Account
	for _, acc := range m.accounts {
		if acc.UserID == userID {
			out = append(out, *acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) User(_ context.Context, id int64) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email && !user.IsAnonymized {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ledger.ErrUserNotFound
}

func (m *Memory) UserByCPFHash(_ context.Context, cpfHash string) (*ledger.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cpfHash == ledger.AnonymizedSentinel {
		return nil, ledger.ErrUserNotFound
	}
	for _, user := range m.users {
		if user.CPFHash == cpfHash {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ledger.ErrUserNotFound
}

func (m *Memory) FindByIdempotency(_ context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByIdempotency(accountID, key), nil
}

func (m *Memory) PostingSum(_ context.Context, accountID int64) (ledger.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.postingSum(accountID), nil
}

func (m *Memory) TotalBalance(_ context.Context) (ledger.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := ledger.ZeroMoney()
	for _, p := range m.postings {
		if p.AccountID == m.treasuryID {
			continue
		}
		total = total.Add(p.Amount)
	}
	return total, nil
}

func (m *Memory) ResolvePixKey(_ context.Context, key string) (*ledger.PixKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.pixKeys[key]
	if !ok {
		return nil, ledger.ErrPixKeyNotFound
	}
	cp := *pk
	return &cp, nil
}

func (m *Memory) AccountNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.AccountNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Statement(_ context.Context, q ledger.StatementQuery) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultStatementLimit
	}

	var out []ledger.Transaction
	for i := len(m.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.transactions[i]
		if !m.transactionTouches(tx.ID, q.AccountID) {
			continue
		}
		if q.From != nil && tx.Timestamp.Before(*q.From) {
			continue
		}
		if q.To != nil && tx.Timestamp.After(*q.To) {
			continue
		}
		if q.Type != "" && tx.OperationType != q.Type {
			continue
		}
		if q.MinAmount != nil && tx.Amount.LessThan(*q.MinAmount) {
			continue
		}
		if q.MaxAmount != nil && tx.Amount.GreaterThan(*q.MaxAmount) {
			continue
		}
		if q.Search != "" && !strings.Contains(strings.ToLower(tx.Description), strings.ToLower(q.Search)) {
			continue
		}
		tx.Postings = m.postingsOf(tx.ID)
		out = append(out, tx)
	}
	return out, nil
}

func (m *Memory) TransactionsBySequence(_ context.Context) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ledger.Transaction(nil), m.transactions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) PostingSumsByTransaction(_ context.Context) (map[int64]ledger.Money, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[int64]ledger.Money)
	for _, p := range m.postings {
		cur, ok := sums[p.TransactionID]
		if !ok {
			cur = ledger.ZeroMoney()
		}
		sums[p.TransactionID] = cur.Add(p.Amount)
	}
	return sums, nil
}

// =============================================================================
// LIFECYCLE WRITES
// =============================================================================

func (m *Memory) CreateUserAccount(_ context.Context, user *ledger.User, account *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Email == user.Email && !existing.IsAnonymized {
			return ledger.ErrDuplicateEmail
		}
		if existing.CPFHash == user.CPFHash {
			return ledger.ErrDuplicateCPF
		}
	}

	m.nextUserID++
	user.ID = m.nextUserID
	cp := *user
	m.users[user.ID] = &cp

	m.nextAccountID++
	account.ID = m.nextAccountID
	account.UserID = user.ID
	acp := *account
	m.accounts[account.ID] = &acp

	m.kyc[user.ID] = &ledger.KycProfile{UserID: user.ID, Status: ledger.KycPending, RiskLevel: "LOW"}
	m.limits[user.ID] = ledger.DefaultLimitConfig(user.ID)
	return nil
}

func (m *Memory) CreatePixKey(_ context.Context, key *ledger.PixKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pixKeys[key.Key]; exists {
		return ledger.ErrDuplicatePixKey
	}
	m.nextPixID++
	key.ID = m.nextPixID
	cp := *key
	m.pixKeys[key.Key] = &cp
	return nil
}

func (m *Memory) EnableMFA(_ context.Context, userID int64, backupCodeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ledger.ErrUserNotFound
	}
	user.MFAEnabled = true
	now := time.Now().UTC()
	for _, h := range backupCodeHashes {
		m.nextCodeID++
		m.backupCodes = append(m.backupCodes, ledger.BackupCode{
			ID: m.nextCodeID, UserID: userID, CodeHash: h, CreatedAt: now,
		})
	}
	return nil
}

func (m *Memory) AnonymizeUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ledger.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.Name = ledger.AnonymizedSentinel
	user.Email = fmt.Sprintf("%s-%d@ledger.local", ledger.AnonymizedSentinel, userID)
	user.CPFCiphertext = ""
	user.CPFHash = ledger.AnonymizedSentinel
	user.CPFToken = ""
	user.CPFLast4 = ""
	user.IsAnonymized = true
	user.AnonymizedAt = &now
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// =============================================================================
// SEED HELPERS (tests and local dev)
// =============================================================================

// SeedUserAccount inserts a user and account directly, bypassing the
// lifecycle path. Returns the account id.
func (m *Memory) SeedUserAccount(user ledger.User, account ledger.Account) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUserID++
	user.ID = m.nextUserID
	m.users[user.ID] = &user
	m.nextAccountID++
	account.ID = m.nextAccountID
	account.UserID = user.ID
	m.accounts[account.ID] = &account
	m.kyc[user.ID] = &ledger.KycProfile{UserID: user.ID, Status: ledger.KycPending, RiskLevel: "LOW"}
	return account.ID
}

// SetKycStatus overrides the user's profile status.
func (m *Memory) SetKycStatus(userID int64, status ledger.KycStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kyc[userID] = &ledger.KycProfile{UserID: userID, Status: status, RiskLevel: "LOW"}
}

// SetLimits overrides the user's operation caps.
func (m *Memory) SetLimits(cfg ledger.LimitConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[cfg.UserID] = cfg
}

// SetPixLimit overrides the account's pix caps.
func (m *Memory) SetPixLimit(pl ledger.PixLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pixLimits[pl.AccountID] = pl
}

// ResetLockOrder clears the recorded lock acquisitions.
func (m *Memory) ResetLockOrder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LockOrder = nil
}

// LockOrderSnapshot copies the recorded lock acquisitions.
func (m *Memory) LockOrderSnapshot() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.LockOrder...)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (m *Memory) provisionTreasury() {
	m.nextUserID++
	sys := &ledger.User{
		ID:        m.nextUserID,
		Name:      "system",
		Email:     ledger.TreasuryUserEmail,
		CreatedAt: time.Now().UTC(),
	}
	m.users[sys.ID] = sys

	m.nextAccountID++
	treasury := &ledger.Account{
		ID:            m.nextAccountID,
		AccountNumber: ledger.TreasuryAccountNumber,
		UserID:        sys.ID,
		AccountType:   ledger.AccountTreasury,
		Status:        ledger.StatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	m.accounts[treasury.ID] = treasury
	m.treasuryID = treasury.ID
}

func (m *Memory) findByIdempotency(accountID int64, key string) *ledger.Transaction {
	for i := range m.transactions {
		tx := m.transactions[i]
		if tx.AccountID == accountID && tx.IdempotencyKey == key {
			tx.Postings = m.postingsOf(tx.ID)
			return &tx
		}
	}
	return nil
}

func (m *Memory) postingSum(accountID int64) ledger.Money {
	sum := ledger.ZeroMoney()
	for _, p := range m.postings {
		if p.AccountID == accountID {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

func (m *Memory) postingsOf(txID int64) []ledger.Posting {
	var out []ledger.Posting
	for _, p := range m.postings {
		if p.TransactionID == txID {
			out = append(out, p)
		}
	}
	return out
}

// transactionTouches reports whether the transaction has a posting
// against the account. Statements include both sides of a transfer.
func (m *Memory) transactionTouches(txID, accountID int64) bool {
	for _, p := range m.postings {
		if p.TransactionID == txID && p.AccountID == accountID {
			return true
		}
	}
	return false
}

type memorySnapshot struct {
	users       map[int64]*ledger.User
	accounts    map[int64]*ledger.Account
	kyc         map[int64]*ledger.KycProfile
	limits      map[int64]ledger.LimitConfig
	pixLimits   map[int64]ledger.PixLimit
	pixKeys     map[string]*ledger.PixKey
	backupCodes []ledger.BackupCode
	txs         []ledger.Transaction
	postings    []ledger.Posting
	sequence    int64
	ids         [7]int64
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		users:       make(map[int64]*ledger.User, len(m.users)),
		accounts:    make(map[int64]*ledger.Account, len(m.accounts)),
		kyc:         make(map[int64]*ledger.KycProfile, len(m.kyc)),
		limits:      make(map[int64]ledger.LimitConfig, len(m.limits)),
		pixLimits:   make(map[int64]ledger.PixLimit, len(m.pixLimits)),
		pixKeys:     make(map[string]*ledger.PixKey, len(m.pixKeys)),
		backupCodes: append([]ledger.BackupCode(nil), m.backupCodes...),
		txs:         append([]ledger.Transaction(nil), m.transactions...),
		postings:    append([]ledger.Posting(nil), m.postings...),
		sequence:    m.sequence,
		ids:         [7]int64{m.nextUserID, m.nextAccountID, m.nextTxID, m.nextPostingID, m.nextCodeID, m.nextPixID, m.treasuryID},
	}
	for k, v := range m.users {
		cp := *v
		s.users[k] = &cp
	}
	for k, v := range m.accounts {
		cp := *v
		s.accounts[k] = &cp
	}
	for k, v := range m.kyc {
		cp := *v
		s.kyc[k] = &cp
	}
	for k, v := range m.limits {
		s.limits[k] = v
	}
	for k, v := range m.pixLimits {
		s.pixLimits[k] = v
	}
	for k, v := range m.pixKeys {
		cp := *v
		s.pixKeys[k] = &cp
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.users = s.users
	m.accounts = s.accounts
	m.kyc = s.kyc
	m.limits = s.limits
	m.pixLimits = s.pixLimits
	m.pixKeys = s.pixKeys
	m.backupCodes = s.backupCodes
	m.transactions = s.txs
	m.postings = s.postings
	m.sequence = s.sequence
	m.nextUserID, m.nextAccountID, m.nextTxID, m.nextPostingID, m.nextCodeID, m.nextPixID, m.treasuryID =
		s.ids[0], s.ids[1], s.ids[2], s.ids[3], s.ids[4], s.ids[5], s.ids[6]
}
