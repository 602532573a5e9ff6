/*
Package sqlite is the single-node datastore for development and demos.
The production deployment uses store/postgres; this implementation
keeps the same schema shape and the same append-only guarantees with
SQLite-sized concurrency.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statement exists for transactions or postings,
  and triggers reject them at the database level as well.

CONCURRENCY:
  One writer at a time, serialized by a mutex held for the whole unit
  of work. WAL mode keeps readers unblocked. The in-process lock plays
  the role the sequence row lock plays in PostgreSQL.

USAGE:
  st, err := sqlite.New("./data/corebank.db")
  defer st.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/security"
)

const timeLayout = time.RFC3339Nano

// Store implements ledger.Store and security.TokenStore over SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases stable and
	// matches the one-writer model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		name           TEXT NOT NULL,
		email          TEXT NOT NULL,
		cpf_ciphertext TEXT NOT NULL DEFAULT '',
		cpf_hash       TEXT NOT NULL,
		cpf_token      TEXT NOT NULL DEFAULT '',
		cpf_last4      TEXT NOT NULL DEFAULT '',
		password_hash  TEXT NOT NULL DEFAULT '',
		mfa_secret     TEXT NOT NULL DEFAULT '',
		mfa_enabled    INTEGER NOT NULL DEFAULT 0,
		is_anonymized  INTEGER NOT NULL DEFAULT 0,
		anonymized_at  TEXT,
		created_at     TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
		ON users(email) WHERE is_anonymized = 0;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_cpf_hash
		ON users(cpf_hash) WHERE cpf_hash <> 'anonymized';

	CREATE TABLE IF NOT EXISTS accounts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_number  TEXT NOT NULL UNIQUE,
		user_id         INTEGER NOT NULL REFERENCES users(id),
		balance         TEXT NOT NULL DEFAULT '0.00',
		blocked_balance TEXT NOT NULL DEFAULT '0.00',
		overdraft_limit TEXT NOT NULL DEFAULT '0.00',
		account_type    TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      INTEGER NOT NULL REFERENCES accounts(id),
		idempotency_key TEXT NOT NULL,
		amount          TEXT NOT NULL,
		operation_type  TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		timestamp       TEXT NOT NULL,
		sequence        INTEGER NOT NULL UNIQUE,
		prev_hash       TEXT NOT NULL DEFAULT '',
		record_hash     TEXT NOT NULL,
		UNIQUE(account_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, sequence DESC);

	CREATE TABLE IF NOT EXISTS postings (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		account_id     INTEGER NOT NULL REFERENCES accounts(id),
		amount         TEXT NOT NULL,
		timestamp      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_postings_account ON postings(account_id);
	CREATE INDEX IF NOT EXISTS idx_postings_transaction ON postings(transaction_id);

	CREATE TABLE IF NOT EXISTS ledger_sequence (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO ledger_sequence (id, value) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS kyc_profiles (
		user_id    INTEGER PRIMARY KEY REFERENCES users(id),
		status     TEXT NOT NULL DEFAULT 'PENDING',
		risk_level TEXT NOT NULL DEFAULT 'LOW'
	);

	CREATE TABLE IF NOT EXISTS limits_config (
		user_id          INTEGER PRIMARY KEY REFERENCES users(id),
		withdrawal_limit TEXT NOT NULL,
		ted_limit        TEXT NOT NULL,
		doc_limit        TEXT NOT NULL,
		pix_limit        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pix_keys (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		key        TEXT NOT NULL UNIQUE,
		key_type   TEXT NOT NULL,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		active     INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pix_limits (
		account_id   INTEGER PRIMARY KEY REFERENCES accounts(id),
		per_tx_limit TEXT NOT NULL,
		day_limit    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backup_codes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id),
		code_hash  TEXT NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cpf_tokens (
		token       TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		ciphertext  TEXT NOT NULL,
		last4       TEXT NOT NULL DEFAULT ''
	);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'ledger rows are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'ledger rows are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS postings_no_update
		BEFORE UPDATE ON postings
	BEGIN
		SELECT RAISE(ABORT, 'ledger rows are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS postings_no_delete
		BEFORE DELETE ON postings
	BEGIN
		SELECT RAISE(ABORT, 'ledger rows are append-only');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

const accountColumns = `id, account_number, user_id, balance, blocked_balance, overdraft_limit, account_type, status, created_at`

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	var balance, blocked, overdraft, createdAt string
	err := row.Scan(&a.ID, &a.AccountNumber, &a.UserID, &balance, &blocked, &overdraft,
		&a.AccountType, &a.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, err
	}
	if a.Balance, err = ledger.MoneyFromString(balance); err != nil {
		return nil, err
	}
	if a.BlockedBalance, err = ledger.MoneyFromString(blocked); err != nil {
		return nil, err
	}
	if a.OverdraftLimit, err = ledger.MoneyFromString(overdraft); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

const userColumns = `id, name, email, cpf_ciphertext, cpf_hash, cpf_token, cpf_last4, password_hash, mfa_secret, mfa_enabled, is_anonymized, anonymized_at, created_at`

func scanUser(row rowScanner) (*ledger.User, error) {
	var u ledger.User
	var anonymizedAt sql.NullString
	var createdAt string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CPFCiphertext, &u.CPFHash, &u.CPFToken,
		&u.CPFLast4, &u.PasswordHash, &u.MFASecret, &u.MFAEnabled, &u.IsAnonymized,
		&anonymizedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		return nil, err
	}
	if anonymizedAt.Valid {
		t, err := time.Parse(timeLayout, anonymizedAt.String)
		if err != nil {
			return nil, err
		}
		u.AnonymizedAt = &t
	}
	if u.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

const txColumns = `id, account_id, idempotency_key, amount, operation_type, description, timestamp, sequence, prev_hash, record_hash`

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var amount, timestamp string
	err := row.Scan(&t.ID, &t.AccountID, &t.IdempotencyKey, &amount, &t.OperationType,
		&t.Description, &timestamp, &t.Sequence, &t.PrevHash, &t.RecordHash)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = ledger.MoneyFromString(amount); err != nil {
		return nil, err
	}
	if t.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
		return nil, err
	}
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

func isUnique(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(uow ledger.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteUOW{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	return nil
}

type sqliteUOW struct {
	tx *sql.Tx
}

// SQLite has no SELECT ... FOR UPDATE; the store mutex held by WithTx
// plays the row-lock role. Lock-order semantics are preserved anyway
// so the query shapes stay aligned with the PostgreSQL store.

func (u *sqliteUOW) AccountForUpdate(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (u *sqliteUOW) AccountsForUpdate(ctx context.Context, ids []int64) (map[int64]*ledger.Account, error) {
	out := make(map[int64]*ledger.Account, len(ids))
	sorted := append([]int64(nil), ids...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, id := range sorted {
		acc, err := scanAccount(u.tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
		if errors.Is(err, ledger.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

func (u *sqliteUOW) TreasuryForUpdate(ctx context.Context) (*ledger.Account, error) {
	acc, err := scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`,
		ledger.TreasuryAccountNumber))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	now := fmtTime(time.Now())
	res, err := u.tx.ExecContext(ctx,
		`INSERT INTO users (name, email, cpf_hash, created_at) VALUES ('system', ?, 'treasury', ?)`,
		ledger.TreasuryUserEmail, now)
	if err != nil {
		return nil, err
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := u.tx.ExecContext(ctx,
		`INSERT INTO accounts (account_number, user_id, account_type, status, created_at)
		 VALUES (?, ?, ?, 'ACTIVE', ?)`,
		ledger.TreasuryAccountNumber, userID, ledger.AccountTreasury, now); err != nil {
		return nil, err
	}
	return scanAccount(u.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`,
		ledger.TreasuryAccountNumber))
}

func (u *sqliteUOW) UpdateCachedBalance(ctx context.Context, accountID int64, balance ledger.Money) error {
	_, err := u.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ? WHERE id = ?`, balance.String(), accountID)
	return err
}

func (u *sqliteUOW) User(ctx context.Context, id int64) (*ledger.User, error) {
	return scanUser(u.tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (u *sqliteUOW) KycProfile(ctx context.Context, userID int64) (*ledger.KycProfile, error) {
	var p ledger.KycProfile
	err := u.tx.QueryRowContext(ctx,
		`SELECT user_id, status, risk_level FROM kyc_profiles WHERE user_id = ?`,
		userID).Scan(&p.UserID, &p.Status, &p.RiskLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (u *sqliteUOW) LimitConfig(ctx context.Context, userID int64) (ledger.LimitConfig, error) {
	var cfg ledger.LimitConfig
	var w, t, d, p string
	err := u.tx.QueryRowContext(ctx,
		`SELECT user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit
		 FROM limits_config WHERE user_id = ?`, userID).Scan(&cfg.UserID, &w, &t, &d, &p)
	if errors.Is(err, sql.ErrNoRows) {
		cfg = ledger.DefaultLimitConfig(userID)
		_, err = u.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO limits_config (user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit)
			 VALUES (?, ?, ?, ?, ?)`,
			userID, cfg.WithdrawalLimit.String(), cfg.TEDLimit.String(),
			cfg.DOCLimit.String(), cfg.PixLimit.String())
		return cfg, err
	}
	if err != nil {
		return cfg, err
	}
	if cfg.WithdrawalLimit, err = ledger.MoneyFromString(w); err != nil {
		return cfg, err
	}
	if cfg.TEDLimit, err = ledger.MoneyFromString(t); err != nil {
		return cfg, err
	}
	if cfg.DOCLimit, err = ledger.MoneyFromString(d); err != nil {
		return cfg, err
	}
	if cfg.PixLimit, err = ledger.MoneyFromString(p); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (u *sqliteUOW) PixLimit(ctx context.Context, accountID int64) (ledger.PixLimit, error) {
	var pl ledger.PixLimit
	var perTx, day string
	err := u.tx.QueryRowContext(ctx,
		`SELECT account_id, per_tx_limit, day_limit FROM pix_limits WHERE account_id = ?`,
		accountID).Scan(&pl.AccountID, &perTx, &day)
	if errors.Is(err, sql.ErrNoRows) {
		pl = ledger.DefaultPixLimit(accountID)
		_, err = u.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pix_limits (account_id, per_tx_limit, day_limit) VALUES (?, ?, ?)`,
			accountID, pl.PerTxLimit.String(), pl.DayLimit.String())
		return pl, err
	}
	if err != nil {
		return pl, err
	}
	if pl.PerTxLimit, err = ledger.MoneyFromString(perTx); err != nil {
		return pl, err
	}
	if pl.DayLimit, err = ledger.MoneyFromString(day); err != nil {
		return pl, err
	}
	return pl, nil
}

func (u *sqliteUOW) UnusedBackupCodes(ctx context.Context, userID int64) ([]ledger.BackupCode, error) {
	rows, err := u.tx.QueryContext(ctx,
		`SELECT id, user_id, code_hash, used, created_at FROM backup_codes
		 WHERE user_id = ? AND used = 0 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.BackupCode
	for rows.Next() {
		var c ledger.BackupCode
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (u *sqliteUOW) ConsumeBackupCode(ctx context.Context, codeID int64) error {
	res, err := u.tx.ExecContext(ctx,
		`UPDATE backup_codes SET used = 1 WHERE id = ? AND used = 0`, codeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrMFARequired
	}
	return nil
}

func (u *sqliteUOW) NextSequence(ctx context.Context) (int64, error) {
	if _, err := u.tx.ExecContext(ctx,
		`UPDATE ledger_sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var value int64
	err := u.tx.QueryRowContext(ctx,
		`SELECT value FROM ledger_sequence WHERE id = 1`).Scan(&value)
	return value, err
}

func (u *sqliteUOW) RecordHashBySequence(ctx context.Context, sequence int64) (string, error) {
	var hash string
	err := u.tx.QueryRowContext(ctx,
		`SELECT record_hash FROM transactions WHERE sequence = ?`, sequence).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (u *sqliteUOW) FindByIdempotency(ctx context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	return findByIdempotency(u.tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? AND idempotency_key = ?`,
		accountID, key))
}

func (u *sqliteUOW) AppendTransaction(ctx context.Context, tx *ledger.Transaction, postings []ledger.Posting) error {
	res, err := u.tx.ExecContext(ctx,
		`INSERT INTO transactions (account_id, idempotency_key, amount, operation_type, description, timestamp, sequence, prev_hash, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.AccountID, tx.IdempotencyKey, tx.Amount.String(), tx.OperationType,
		tx.Description, fmtTime(tx.Timestamp), tx.Sequence, tx.PrevHash, tx.RecordHash)
	if err != nil {
		if isUnique(err) {
			return ledger.ErrConflict
		}
		return err
	}
	if tx.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for i := range postings {
		postings[i].TransactionID = tx.ID
		res, err := u.tx.ExecContext(ctx,
			`INSERT INTO postings (transaction_id, account_id, amount, timestamp) VALUES (?, ?, ?, ?)`,
			tx.ID, postings[i].AccountID, postings[i].Amount.String(), fmtTime(postings[i].Timestamp))
		if err != nil {
			return err
		}
		if postings[i].ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (u *sqliteUOW) PostingSum(ctx context.Context, accountID int64) (ledger.Money, error) {
	return postingSum(ctx, u.tx, accountID)
}

// =============================================================================
// STORE READS
// =============================================================================

func (s *Store) Account(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *Store) AccountsByUser(ctx context.Context, userID int64) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

func (s *Store) User(ctx context.Context, id int64) (*ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? AND is_anonymized = 0`, email))
}

func (s *Store) UserByCPFHash(ctx context.Context, cpfHash string) (*ledger.User, error) {
	if cpfHash == ledger.AnonymizedSentinel {
		return nil, ledger.ErrUserNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE cpf_hash = ?`, cpfHash))
}

func (s *Store) FindByIdempotency(ctx context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	return findByIdempotency(s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? AND idempotency_key = ?`,
		accountID, key))
}

func (s *Store) PostingSum(ctx context.Context, accountID int64) (ledger.Money, error) {
	return postingSum(ctx, s.db, accountID)
}

func (s *Store) TotalBalance(ctx context.Context) (ledger.Money, error) {
	// Summed in Go: SQLite SUM over TEXT amounts would round through
	// floats and lose the fixed-point guarantee.
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.amount
		 FROM postings p
		 JOIN accounts a ON a.id = p.account_id
		 WHERE a.account_type <> ?`, ledger.AccountTreasury)
	if err != nil {
		return ledger.Money{}, err
	}
	defer rows.Close()

	total := ledger.ZeroMoney()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return ledger.Money{}, err
		}
		amount, err := ledger.MoneyFromString(raw)
		if err != nil {
			return ledger.Money{}, err
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

func (s *Store) ResolvePixKey(ctx context.Context, key string) (*ledger.PixKey, error) {
	var pk ledger.PixKey
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, key, key_type, account_id, active, created_at FROM pix_keys WHERE key = ?`,
		key).Scan(&pk.ID, &pk.Key, &pk.KeyType, &pk.AccountID, &pk.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPixKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if pk.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	return &pk, nil
}

func (s *Store) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM accounts WHERE account_number = ?`, number).Scan(&n)
	return n > 0, err
}

func (s *Store) Statement(ctx context.Context, q ledger.StatementQuery) ([]ledger.Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultStatementLimit
	}

	builder := sq.Select(
		"t.id", "t.account_id", "t.idempotency_key", "t.amount", "t.operation_type",
		"t.description", "t.timestamp", "t.sequence", "t.prev_hash", "t.record_hash").
		From("transactions t").
		Where(sq.Expr(
			`EXISTS (SELECT 1 FROM postings p WHERE p.transaction_id = t.id AND p.account_id = ?)`,
			q.AccountID)).
		OrderBy("t.sequence DESC").
		Limit(uint64(limit))

	if q.From != nil {
		builder = builder.Where(sq.GtOrEq{"t.timestamp": fmtTime(*q.From)})
	}
	if q.To != nil {
		builder = builder.Where(sq.LtOrEq{"t.timestamp": fmtTime(*q.To)})
	}
	if q.Type != "" {
		builder = builder.Where(sq.Eq{"t.operation_type": q.Type})
	}
	if q.MinAmount != nil {
		builder = builder.Where(sq.Expr(`CAST(t.amount AS REAL) >= ?`, q.MinAmount.String()))
	}
	if q.MaxAmount != nil {
		builder = builder.Where(sq.Expr(`CAST(t.amount AS REAL) <= ?`, q.MaxAmount.String()))
	}
	if q.Search != "" {
		builder = builder.Where(sq.Expr(
			`LOWER(t.description) LIKE ?`, "%"+strings.ToLower(q.Search)+"%"))
	}

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) TransactionsBySequence(ctx context.Context) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *Store) PostingSumsByTransaction(ctx context.Context) (map[int64]ledger.Money, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, amount FROM postings ORDER BY transaction_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Sums are accumulated in Go to keep decimal precision; SQLite
	// SUM over TEXT would round through floats.
	out := make(map[int64]ledger.Money)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		amount, err := ledger.MoneyFromString(raw)
		if err != nil {
			return nil, err
		}
		cur, ok := out[id]
		if !ok {
			cur = ledger.ZeroMoney()
		}
		out[id] = cur.Add(amount)
	}
	return out, rows.Err()
}

// =============================================================================
// LIFECYCLE WRITES
// =============================================================================

func (s *Store) CreateUserAccount(ctx context.Context, user *ledger.User, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	if user.CreatedAt.IsZero() {
		user.CreatedAt, _ = time.Parse(timeLayout, now)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (name, email, cpf_ciphertext, cpf_hash, cpf_token, cpf_last4, password_hash, mfa_secret, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Name, user.Email, user.CPFCiphertext, user.CPFHash, user.CPFToken,
		user.CPFLast4, user.PasswordHash, user.MFASecret, fmtTime(user.CreatedAt))
	if err != nil {
		if isUnique(err) {
			if strings.Contains(err.Error(), "cpf") {
				return ledger.ErrDuplicateCPF
			}
			return ledger.ErrDuplicateEmail
		}
		return err
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	account.UserID = user.ID
	if account.CreatedAt.IsZero() {
		account.CreatedAt = user.CreatedAt
	}
	res, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (account_number, user_id, account_type, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		account.AccountNumber, user.ID, account.AccountType, account.Status,
		fmtTime(account.CreatedAt))
	if err != nil {
		return err
	}
	if account.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kyc_profiles (user_id, status, risk_level) VALUES (?, 'PENDING', 'LOW')`,
		user.ID); err != nil {
		return err
	}
	limits := ledger.DefaultLimitConfig(user.ID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO limits_config (user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit)
		 VALUES (?, ?, ?, ?, ?)`,
		user.ID, limits.WithdrawalLimit.String(), limits.TEDLimit.String(),
		limits.DOCLimit.String(), limits.PixLimit.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreatePixKey(ctx context.Context, key *ledger.PixKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pix_keys (key, key_type, account_id, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		key.Key, key.KeyType, key.AccountID, key.Active, fmtTime(key.CreatedAt))
	if err != nil {
		if isUnique(err) {
			return ledger.ErrDuplicatePixKey
		}
		return err
	}
	key.ID, err = res.LastInsertId()
	return err
}

func (s *Store) EnableMFA(ctx context.Context, userID int64, backupCodeHashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET mfa_enabled = 1 WHERE id = ?`, userID); err != nil {
		return err
	}
	now := fmtTime(time.Now())
	for _, h := range backupCodeHashes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO backup_codes (user_id, code_hash, created_at) VALUES (?, ?, ?)`,
			userID, h, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AnonymizeUser(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
			name = ?,
			email = ? || '-' || id || '@ledger.local',
			cpf_ciphertext = '',
			cpf_hash = ?,
			cpf_token = '',
			cpf_last4 = '',
			is_anonymized = 1,
			anonymized_at = ?
		 WHERE id = ?`,
		ledger.AnonymizedSentinel, ledger.AnonymizedSentinel, ledger.AnonymizedSentinel,
		fmtTime(time.Now()), userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

// =============================================================================
// TOKEN VAULT STORAGE
// =============================================================================

func (s *Store) TokenByFingerprint(ctx context.Context, fp string) (*security.VaultToken, error) {
	var t security.VaultToken
	err := s.db.QueryRowContext(ctx,
		`SELECT token, fingerprint, ciphertext, last4 FROM cpf_tokens WHERE fingerprint = ?`,
		fp).Scan(&t.Token, &t.Fingerprint, &t.Ciphertext, &t.Last4)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) InsertToken(ctx context.Context, t security.VaultToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cpf_tokens (token, fingerprint, ciphertext, last4) VALUES (?, ?, ?, ?)`,
		t.Token, t.Fingerprint, t.Ciphertext, t.Last4)
	return err
}

func (s *Store) TokenByValue(ctx context.Context, token string) (*security.VaultToken, error) {
	var t security.VaultToken
	err := s.db.QueryRowContext(ctx,
		`SELECT token, fingerprint, ciphertext, last4 FROM cpf_tokens WHERE token = ?`,
		token).Scan(&t.Token, &t.Fingerprint, &t.Ciphertext, &t.Last4)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func findByIdempotency(row rowScanner) (*ledger.Transaction, error) {
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func postingSum(ctx context.Context, q querier, accountID int64) (ledger.Money, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT amount FROM postings WHERE account_id = ?`, accountID)
	if err != nil {
		return ledger.Money{}, err
	}
	defer rows.Close()

	sum := ledger.ZeroMoney()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return ledger.Money{}, err
		}
		amount, err := ledger.MoneyFromString(raw)
		if err != nil {
			return ledger.Money{}, err
		}
		sum = sum.Add(amount)
	}
	return sum, rows.Err()
}
