/*
Package postgres is the production datastore.

APPEND-ONLY ENFORCEMENT:
  Two layers. The Go surface exposes no update or delete for ledger
  rows, and the schema installs triggers that reject UPDATE/DELETE on
  transactions and postings outright. Corrections happen through new,
  offsetting entries.

SEQUENCE:
  ledger_sequence is a single-row counter advanced with
  UPDATE ... RETURNING inside the caller's transaction. The row lock
  serializes ledger writers; a rollback takes the increment with it, so
  committed sequence numbers stay contiguous.

LOCKING:
  Multi-account operations lock rows with SELECT ... ORDER BY id FOR
  UPDATE. The ascending order is the deadlock-freedom rule.

MIGRATION:
  Schema is applied on New(). For anything beyond a single service,
  move to versioned migrations (golang-migrate, goose).
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brasa/corebank/ledger"
	"github.com/brasa/corebank/security"
)

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements ledger.Store and security.TokenStore over pgx.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT NOT NULL,
	cpf_ciphertext  TEXT NOT NULL DEFAULT '',
	cpf_hash        TEXT NOT NULL,
	cpf_token       TEXT NOT NULL DEFAULT '',
	cpf_last4       TEXT NOT NULL DEFAULT '',
	password_hash   TEXT NOT NULL DEFAULT '',
	mfa_secret      TEXT NOT NULL DEFAULT '',
	mfa_enabled     BOOLEAN NOT NULL DEFAULT FALSE,
	is_anonymized   BOOLEAN NOT NULL DEFAULT FALSE,
	anonymized_at   TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email
	ON users(email) WHERE NOT is_anonymized;
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_cpf_hash
	ON users(cpf_hash) WHERE cpf_hash <> 'anonymized';

CREATE TABLE IF NOT EXISTS accounts (
	id              BIGSERIAL PRIMARY KEY,
	account_number  TEXT NOT NULL UNIQUE,
	user_id         BIGINT NOT NULL REFERENCES users(id),
	balance         NUMERIC(18,2) NOT NULL DEFAULT 0,
	blocked_balance NUMERIC(18,2) NOT NULL DEFAULT 0,
	overdraft_limit NUMERIC(18,2) NOT NULL DEFAULT 0,
	account_type    TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'ACTIVE',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);

CREATE TABLE IF NOT EXISTS transactions (
	id              BIGSERIAL PRIMARY KEY,
	account_id      BIGINT NOT NULL REFERENCES accounts(id),
	idempotency_key TEXT NOT NULL,
	amount          NUMERIC(18,2) NOT NULL,
	operation_type  TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	timestamp       TIMESTAMPTZ NOT NULL,
	sequence        BIGINT NOT NULL UNIQUE,
	prev_hash       TEXT NOT NULL DEFAULT '',
	record_hash     TEXT NOT NULL,
	UNIQUE(account_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS postings (
	id             BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions(id),
	account_id     BIGINT NOT NULL REFERENCES accounts(id),
	amount         NUMERIC(18,2) NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_postings_account ON postings(account_id);
CREATE INDEX IF NOT EXISTS idx_postings_transaction ON postings(transaction_id);

CREATE TABLE IF NOT EXISTS ledger_sequence (
	id    INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	value BIGINT NOT NULL DEFAULT 0
);
INSERT INTO ledger_sequence (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS kyc_profiles (
	user_id    BIGINT PRIMARY KEY REFERENCES users(id),
	status     TEXT NOT NULL DEFAULT 'PENDING',
	risk_level TEXT NOT NULL DEFAULT 'LOW'
);

CREATE TABLE IF NOT EXISTS limits_config (
	user_id          BIGINT PRIMARY KEY REFERENCES users(id),
	withdrawal_limit NUMERIC(18,2) NOT NULL,
	ted_limit        NUMERIC(18,2) NOT NULL,
	doc_limit        NUMERIC(18,2) NOT NULL,
	pix_limit        NUMERIC(18,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS pix_keys (
	id         BIGSERIAL PRIMARY KEY,
	key        TEXT NOT NULL UNIQUE,
	key_type   TEXT NOT NULL,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pix_limits (
	account_id   BIGINT PRIMARY KEY REFERENCES accounts(id),
	per_tx_limit NUMERIC(18,2) NOT NULL,
	day_limit    NUMERIC(18,2) NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_codes (
	id         BIGSERIAL PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id),
	code_hash  TEXT NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_backup_codes_user ON backup_codes(user_id) WHERE NOT used;

CREATE TABLE IF NOT EXISTS cpf_tokens (
	token       TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	ciphertext  TEXT NOT NULL,
	last4       TEXT NOT NULL DEFAULT ''
);

CREATE OR REPLACE FUNCTION reject_ledger_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger rows are append-only';
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'transactions_append_only') THEN
		CREATE TRIGGER transactions_append_only
			BEFORE UPDATE OR DELETE ON transactions
			FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'postings_append_only') THEN
		CREATE TRIGGER postings_append_only
			BEFORE UPDATE OR DELETE ON postings
			FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();
	END IF;
END $$;
`

// =============================================================================
// ROW SCANNING
// =============================================================================

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, account_number, user_id, balance, blocked_balance, overdraft_limit, account_type, status, created_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	var balance, blocked, overdraft string
	err := row.Scan(&a.ID, &a.AccountNumber, &a.UserID, &balance, &blocked, &overdraft,
		&a.AccountType, &a.Status, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	return &a, nil
}

const userColumns = `id, name, email, cpf_ciphertext, cpf_hash, cpf_token, cpf_last4, password_hash, mfa_secret, mfa_enabled, is_anonymized, anonymized_at, created_at`

func scanUser(row pgx.Row) (*ledger.User, error) {
	var u ledger.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.CPFCiphertext, &u.CPFHash, &u.CPFToken,
		&u.CPFLast4, &u.PasswordHash, &u.MFASecret, &u.MFAEnabled, &u.IsAnonymized,
		&u.AnonymizedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

const txColumns = `id, account_id, idempotency_key, amount, operation_type, description, timestamp, sequence, prev_hash, record_hash`

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var t ledger.Transaction
	var amount string
	err := row.Scan(&t.ID, &t.AccountID, &t.IdempotencyKey, &amount, &t.OperationType,
		&t.Description, &t.Timestamp, &t.Sequence, &t.PrevHash, &t.RecordHash)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = ledger.MoneyFromString(amount); err != nil {
		return nil, err
	}
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(uow ledger.UnitOfWork) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgUOW{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	return nil
}

type pgUOW struct {
	tx pgx.Tx
}

func (u *pgUOW) AccountForUpdate(ctx context.Context, id int64) (*ledger.Account, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

func (u *pgUOW) AccountsForUpdate(ctx context.Context, ids []int64) (map[int64]*ledger.Account, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*ledger.Account, len(ids))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acc.ID] = acc
	}
	return out, rows.Err()
}

func (u *pgUOW) TreasuryForUpdate(ctx context.Context) (*ledger.Account, error) {
	acc, err := scanAccount(u.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`,
		ledger.TreasuryAccountNumber))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}

	// First use: provision the system user and the treasury account.
	var userID int64
	err = u.tx.QueryRow(ctx,
		`INSERT INTO users (name, email, cpf_hash) VALUES ('system', $1, $2)
		 ON CONFLICT DO NOTHING RETURNING id`,
		ledger.TreasuryUserEmail, "treasury").Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		if err = u.tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`,
			ledger.TreasuryUserEmail).Scan(&userID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if _, err := u.tx.Exec(ctx,
		`INSERT INTO accounts (account_number, user_id, account_type, status)
		 VALUES ($1, $2, $3, 'ACTIVE') ON CONFLICT (account_number) DO NOTHING`,
		ledger.TreasuryAccountNumber, userID, ledger.AccountTreasury); err != nil {
		return nil, err
	}
	return scanAccount(u.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`,
		ledger.TreasuryAccountNumber))
}

func (u *pgUOW) UpdateCachedBalance(ctx context.Context, accountID int64, balance ledger.Money) error {
	_, err := u.tx.Exec(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`,
		balance.String(), accountID)
	return err
}

func (u *pgUOW) User(ctx context.Context, id int64) (*ledger.User, error) {
	return scanUser(u.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (u *pgUOW) KycProfile(ctx context.Context, userID int64) (*ledger.KycProfile, error) {
	var p ledger.KycProfile
	err := u.tx.QueryRow(ctx,
		`SELECT user_id, status, risk_level FROM kyc_profiles WHERE user_id = $1`,
		userID).Scan(&p.UserID, &p.Status, &p.RiskLevel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (u *pgUOW) LimitConfig(ctx context.Context, userID int64) (ledger.LimitConfig, error) {
	var cfg ledger.LimitConfig
	var w, t, d, p string
	err := u.tx.QueryRow(ctx,
		`SELECT user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit
		 FROM limits_config WHERE user_id = $1`, userID).
		Scan(&cfg.UserID, &w, &t, &d, &p)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg = ledger.DefaultLimitConfig(userID)
		_, err = u.tx.Exec(ctx,
			`INSERT INTO limits_config (user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (user_id) DO NOTHING`,
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

func (u *pgUOW) PixLimit(ctx context.Context, accountID int64) (ledger.PixLimit, error) {
	var pl ledger.PixLimit
	var perTx, day string
	err := u.tx.QueryRow(ctx,
		`SELECT account_id, per_tx_limit, day_limit FROM pix_limits WHERE account_id = $1`,
		accountID).Scan(&pl.AccountID, &perTx, &day)
	if errors.Is(err, pgx.ErrNoRows) {
		pl = ledger.DefaultPixLimit(accountID)
		_, err = u.tx.Exec(ctx,
			`INSERT INTO pix_limits (account_id, per_tx_limit, day_limit)
			 VALUES ($1, $2, $3) ON CONFLICT (account_id) DO NOTHING`,
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

func (u *pgUOW) UnusedBackupCodes(ctx context.Context, userID int64) ([]ledger.BackupCode, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT id, user_id, code_hash, used, created_at FROM backup_codes
		 WHERE user_id = $1 AND NOT used ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.BackupCode
	for rows.Next() {
		var c ledger.BackupCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (u *pgUOW) ConsumeBackupCode(ctx context.Context, codeID int64) error {
	tag, err := u.tx.Exec(ctx,
		`UPDATE backup_codes SET used = TRUE WHERE id = $1 AND NOT used`, codeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrMFARequired
	}
	return nil
}

func (u *pgUOW) NextSequence(ctx context.Context) (int64, error) {
	var value int64
	err := u.tx.QueryRow(ctx,
		`UPDATE ledger_sequence SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&value)
	return value, err
}

func (u *pgUOW) RecordHashBySequence(ctx context.Context, sequence int64) (string, error) {
	var hash string
	err := u.tx.QueryRow(ctx,
		`SELECT record_hash FROM transactions WHERE sequence = $1`, sequence).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (u *pgUOW) FindByIdempotency(ctx context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	return findByIdempotency(ctx, u.tx, accountID, key)
}

func (u *pgUOW) AppendTransaction(ctx context.Context, tx *ledger.Transaction, postings []ledger.Posting) error {
	err := u.tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, idempotency_key, amount, operation_type, description, timestamp, sequence, prev_hash, record_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		tx.AccountID, tx.IdempotencyKey, tx.Amount.String(), tx.OperationType,
		tx.Description, tx.Timestamp, tx.Sequence, tx.PrevHash, tx.RecordHash).Scan(&tx.ID)
	if err != nil {
		if isUnique(err) {
			return ledger.ErrConflict
		}
		return err
	}
	for i := range postings {
		postings[i].TransactionID = tx.ID
		err := u.tx.QueryRow(ctx,
			`INSERT INTO postings (transaction_id, account_id, amount, timestamp)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			tx.ID, postings[i].AccountID, postings[i].Amount.String(),
			postings[i].Timestamp).Scan(&postings[i].ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *pgUOW) PostingSum(ctx context.Context, accountID int64) (ledger.Money, error) {
	return postingSum(ctx, u.tx, accountID)
}

// =============================================================================
// STORE READS
// =============================================================================

func (s *Store) Account(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) AccountsByUser(ctx context.Context, userID int64) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY id`, userID)
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
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*ledger.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 AND NOT is_anonymized`, email))
}

func (s *Store) UserByCPFHash(ctx context.Context, cpfHash string) (*ledger.User, error) {
	if cpfHash == ledger.AnonymizedSentinel {
		return nil, ledger.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE cpf_hash = $1`, cpfHash))
}

func (s *Store) FindByIdempotency(ctx context.Context, accountID int64, key string) (*ledger.Transaction, error) {
	return findByIdempotency(ctx, s.pool, accountID, key)
}

func (s *Store) PostingSum(ctx context.Context, accountID int64) (ledger.Money, error) {
	return postingSum(ctx, s.pool, accountID)
}

func (s *Store) TotalBalance(ctx context.Context) (ledger.Money, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(p.amount), 0)
		 FROM postings p
		 JOIN accounts a ON a.id = p.account_id
		 WHERE a.account_type <> $1`, ledger.AccountTreasury).Scan(&raw)
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.MoneyFromString(raw)
}

func (s *Store) ResolvePixKey(ctx context.Context, key string) (*ledger.PixKey, error) {
	var pk ledger.PixKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, key, key_type, account_id, active, created_at FROM pix_keys WHERE key = $1`,
		key).Scan(&pk.ID, &pk.Key, &pk.KeyType, &pk.AccountID, &pk.Active, &pk.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrPixKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

func (s *Store) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)`, number).Scan(&exists)
	return exists, err
}

// Statement builds the filtered listing with squirrel. Transactions
// touching the account through either posting side are included.
func (s *Store) Statement(ctx context.Context, q ledger.StatementQuery) ([]ledger.Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = ledger.DefaultStatementLimit
	}

	builder := psql.Select(
		"t.id", "t.account_id", "t.idempotency_key", "t.amount", "t.operation_type",
		"t.description", "t.timestamp", "t.sequence", "t.prev_hash", "t.record_hash").
		From("transactions t").
		Where(sq.Expr(
			`EXISTS (SELECT 1 FROM postings p WHERE p.transaction_id = t.id AND p.account_id = ?)`,
			q.AccountID)).
		OrderBy("t.sequence DESC").
		Limit(uint64(limit))

	if q.From != nil {
		builder = builder.Where(sq.GtOrEq{"t.timestamp": *q.From})
	}
	if q.To != nil {
		builder = builder.Where(sq.LtOrEq{"t.timestamp": *q.To})
	}
	if q.Type != "" {
		builder = builder.Where(sq.Eq{"t.operation_type": q.Type})
	}
	if q.MinAmount != nil {
		builder = builder.Where(sq.GtOrEq{"t.amount": q.MinAmount.String()})
	}
	if q.MaxAmount != nil {
		builder = builder.Where(sq.LtOrEq{"t.amount": q.MaxAmount.String()})
	}
	if q.Search != "" {
		builder = builder.Where(sq.ILike{"t.description": "%" + escapeLike(q.Search) + "%"})
	}

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sqlText, args...)
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
	rows, err := s.pool.Query(ctx,
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
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id, COALESCE(SUM(amount), 0) FROM postings GROUP BY transaction_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]ledger.Money)
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		sum, err := ledger.MoneyFromString(raw)
		if err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, rows.Err()
}

// =============================================================================
// LIFECYCLE WRITES
// =============================================================================

func (s *Store) CreateUserAccount(ctx context.Context, user *ledger.User, account *ledger.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO users (name, email, cpf_ciphertext, cpf_hash, cpf_token, cpf_last4, password_hash, mfa_secret)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at`,
		user.Name, user.Email, user.CPFCiphertext, user.CPFHash, user.CPFToken,
		user.CPFLast4, user.PasswordHash, user.MFASecret).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUnique(err) {
			if strings.Contains(err.Error(), "cpf") {
				return ledger.ErrDuplicateCPF
			}
			return ledger.ErrDuplicateEmail
		}
		return err
	}

	account.UserID = user.ID
	err = tx.QueryRow(ctx,
		`INSERT INTO accounts (account_number, user_id, account_type, status)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		account.AccountNumber, user.ID, account.AccountType, account.Status).
		Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kyc_profiles (user_id, status, risk_level) VALUES ($1, 'PENDING', 'LOW')`,
		user.ID); err != nil {
		return err
	}
	limits := ledger.DefaultLimitConfig(user.ID)
	if _, err := tx.Exec(ctx,
		`INSERT INTO limits_config (user_id, withdrawal_limit, ted_limit, doc_limit, pix_limit)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, limits.WithdrawalLimit.String(), limits.TEDLimit.String(),
		limits.DOCLimit.String(), limits.PixLimit.String()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreatePixKey(ctx context.Context, key *ledger.PixKey) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pix_keys (key, key_type, account_id, active)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		key.Key, key.KeyType, key.AccountID, key.Active).Scan(&key.ID, &key.CreatedAt)
	if isUnique(err) {
		return ledger.ErrDuplicatePixKey
	}
	return err
}

func (s *Store) EnableMFA(ctx context.Context, userID int64, backupCodeHashes []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrInfrastructure, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE users SET mfa_enabled = TRUE WHERE id = $1`, userID); err != nil {
		return err
	}
	for _, h := range backupCodeHashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO backup_codes (user_id, code_hash) VALUES ($1, $2)`, userID, h); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) AnonymizeUser(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET
			name = $1,
			email = $1 || '-' || id || '@ledger.local',
			cpf_ciphertext = '',
			cpf_hash = $1,
			cpf_token = '',
			cpf_last4 = '',
			is_anonymized = TRUE,
			anonymized_at = now()
		 WHERE id = $2`, ledger.AnonymizedSentinel, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

// =============================================================================
// TOKEN VAULT STORAGE
// =============================================================================

func (s *Store) TokenByFingerprint(ctx context.Context, fp string) (*security.VaultToken, error) {
	var t security.VaultToken
	err := s.pool.QueryRow(ctx,
		`SELECT token, fingerprint, ciphertext, last4 FROM cpf_tokens WHERE fingerprint = $1`,
		fp).Scan(&t.Token, &t.Fingerprint, &t.Ciphertext, &t.Last4)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) InsertToken(ctx context.Context, t security.VaultToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cpf_tokens (token, fingerprint, ciphertext, last4) VALUES ($1, $2, $3, $4)`,
		t.Token, t.Fingerprint, t.Ciphertext, t.Last4)
	return err
}

func (s *Store) TokenByValue(ctx context.Context, token string) (*security.VaultToken, error) {
	var t security.VaultToken
	err := s.pool.QueryRow(ctx,
		`SELECT token, fingerprint, ciphertext, last4 FROM cpf_tokens WHERE token = $1`,
		token).Scan(&t.Token, &t.Fingerprint, &t.Ciphertext, &t.Last4)
	if errors.Is(err, pgx.ErrNoRows) {
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

func findByIdempotency(ctx context.Context, q queryer, accountID int64, key string) (*ledger.Transaction, error) {
	tx, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func postingSum(ctx context.Context, q queryer, accountID int64) (ledger.Money, error) {
	var raw string
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM postings WHERE account_id = $1`,
		accountID).Scan(&raw)
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.MoneyFromString(raw)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
