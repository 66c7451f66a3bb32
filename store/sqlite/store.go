// Package sqlite is the embedded SQLite store backend, built on the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/vmledger"
	"github.com/xraph/vmledger/account"
	"github.com/xraph/vmledger/audit"
	"github.com/xraph/vmledger/entry"
	"github.com/xraph/vmledger/id"
	"github.com/xraph/vmledger/store"
	"github.com/xraph/vmledger/vm"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store over an open database. Close closes db.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens the database file at path. Write transactions take the
// database lock up front and wait up to five seconds for it.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("vmledger/sqlite: ping: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM vmledger_accounts WHERE id = ?`, accountID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/sqlite: get account: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM vmledger_accounts WHERE owner_id = ?`, ownerID))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/sqlite: get account by owner: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error) {
	var b query
	q := `SELECT ` + accountColumns + ` FROM vmledger_accounts ORDER BY created_at ASC, id ASC` +
		b.page(opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: list accounts: %w", err)
	}
	return collect(rows, scanAccount)
}

// ==================== VM Store ====================

func (s *Store) GetVM(ctx context.Context, vmID id.VMID) (*vm.VM, error) {
	v, err := scanVM(s.db.QueryRowContext(ctx,
		`SELECT `+vmColumns+` FROM vmledger_vms WHERE id = ?`, vmID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrVMNotFound
		}
		return nil, fmt.Errorf("vmledger/sqlite: get vm: %w", err)
	}
	return v, nil
}

func (s *Store) ListVMs(ctx context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	var b query
	b.where("account_id = ?", accountID.String())
	if opts.ProjectID != "" {
		b.where("project_id = ?", opts.ProjectID)
	}
	if opts.Name != "" {
		b.where("name = ?", opts.Name)
	}
	if len(opts.Statuses) > 0 {
		marks := make([]string, len(opts.Statuses))
		args := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			marks[i] = "?"
			args[i] = string(st)
		}
		b.where("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if !opts.IncludeTerminated && !slices.Contains(opts.Statuses, vm.StatusTerminated) {
		b.where("status <> ?", string(vm.StatusTerminated))
	}

	q := `SELECT ` + vmColumns + ` FROM vmledger_vms` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: list vms: %w", err)
	}
	return collect(rows, scanVM)
}

func (s *Store) ListVMsByStatus(ctx context.Context, status vm.Status, limit int) ([]*vm.VM, error) {
	var b query
	b.where("status = ?", string(status))
	q := `SELECT ` + vmColumns + ` FROM vmledger_vms` + b.clause() +
		` ORDER BY COALESCE(accrued_through, session_started_at, created_at), id` + b.page(limit, 0)
	rows, err := s.db.QueryContext(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: list vms by status: %w", err)
	}
	return collect(rows, scanVM)
}

// ==================== Ledger Entry Store ====================

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error) {
	var b query
	b.where("account_id = ?", accountID.String())
	if q.Reason != "" {
		b.where("reason = ?", string(q.Reason))
	}
	if !q.VMID.IsNil() {
		b.where("vm_id = ?", q.VMID.String())
	}
	if !q.Start.IsZero() {
		b.where("created_at >= ?", nanos(q.Start))
	}
	if !q.End.IsZero() {
		b.where("created_at < ?", nanos(q.End))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vmledger_entries`+b.clause(), b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("vmledger/sqlite: count entries: %w", err)
	}

	stmt := `SELECT ` + entryColumns + ` FROM vmledger_entries` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(q.Limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("vmledger/sqlite: list entries: %w", err)
	}
	entries, err := collect(rows, scanEntry)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, accountID id.AccountID, key string) (*entry.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM vmledger_entries WHERE account_id = ? AND idempotency_key = ?`,
		accountID.String(), key))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("vmledger/sqlite: get entry by idempotency key: %w", err)
	}
	return e, nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, r *audit.Record) error {
	args, err := auditArgs(r)
	if err != nil {
		return fmt.Errorf("vmledger/sqlite: encode audit: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertAudit, args...); err != nil {
		return translate(err, "append audit")
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, q audit.Query) ([]*audit.Record, error) {
	var b query
	if !q.AccountID.IsNil() {
		b.where("account_id = ?", q.AccountID.String())
	}
	if q.EntityID != "" {
		b.where("entity_id = ?", q.EntityID)
	}
	if q.Outcome != "" {
		b.where("outcome = ?", string(q.Outcome))
	}
	stmt := `SELECT ` + auditColumns + ` FROM vmledger_audit` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(q.Limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: list audit: %w", err)
	}
	return collect(rows, scanAudit)
}

// ==================== Unit of Work ====================

var (
	insertAccount = `INSERT INTO vmledger_accounts (` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateAccount = `UPDATE vmledger_accounts SET owner_id = ?2, currency = ?3, balance = ?4, total_spent = ?5,
total_credited = ?6, over_limit = ?7, version = ?8, created_at = ?9, updated_at = ?10
WHERE id = ?1 AND version = ?8 - 1`

	insertVM = `INSERT INTO vmledger_vms (` + vmColumns + `) VALUES
(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateVM = `UPDATE vmledger_vms SET account_id = ?2, project_id = ?3, name = ?4, instance_class = ?5, image = ?6,
status = ?7, currency = ?8, cost_per_hour = ?9, accrued_uptime_ns = ?10, total_cost = ?11, session_started_at = ?12,
accrued_through = ?13, last_error = ?14, terminated_at = ?15, version = ?16, created_at = ?17, updated_at = ?18
WHERE id = ?1 AND version = ?16 - 1`

	insertEntry = `INSERT INTO vmledger_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertAudit = `INSERT INTO vmledger_audit (` + auditColumns + `) VALUES
(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// Commit applies cs in one immediate transaction.
func (s *Store) Commit(ctx context.Context, cs *store.Changeset) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if a := cs.Account; a != nil {
			if cs.NewAccount {
				if _, err := tx.ExecContext(ctx, insertAccount, accountArgs(a)...); err != nil {
					return translate(err, "insert account")
				}
			} else if err := guarded(ctx, tx, updateAccount, accountArgs(a), "vmledger_accounts", a.ID,
				a.Version, vmledger.ErrAccountNotFound); err != nil {
				return err
			}
		}
		if v := cs.VM; v != nil {
			if cs.NewVM {
				if _, err := tx.ExecContext(ctx, insertVM, vmArgs(v)...); err != nil {
					return translate(err, "insert vm")
				}
			} else if err := guarded(ctx, tx, updateVM, vmArgs(v), "vmledger_vms", v.ID,
				v.Version, vmledger.ErrVMNotFound); err != nil {
				return err
			}
		}
		for _, e := range cs.Entries {
			if _, err := tx.ExecContext(ctx, insertEntry, entryArgs(e)...); err != nil {
				return translate(err, "insert entry")
			}
		}
		for _, r := range cs.Records {
			args, err := auditArgs(r)
			if err != nil {
				return fmt.Errorf("vmledger/sqlite: encode audit: %w", err)
			}
			if _, err := tx.ExecContext(ctx, insertAudit, args...); err != nil {
				return translate(err, "insert audit")
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err, "commit")
	}
	return nil
}

// guarded runs a version-checked update and explains a miss.
func guarded(ctx context.Context, tx *sql.Tx, stmt string, args []any, table string, rowID id.ID, version int64, missing error) error {
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return translate(err, "update "+table)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, rowID.String()).Scan(&current)
	switch {
	case isNoRows(err):
		return missing
	case err != nil:
		return translate(err, "read "+table+" version")
	}
	return fmt.Errorf("%w: %s %s at version %d, expected %d",
		vmledger.ErrConcurrencyConflict, table, rowID, current, version-1)
}

// ==================== Helpers ====================

// query accumulates conditions and arguments for a dynamically built statement.
type query struct {
	conds []string
	args  []any
}

func (q *query) where(cond string, args ...any) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func (q *query) page(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if limit <= 0 {
		limit = -1
	}
	q.args = append(q.args, limit, max(offset, 0))
	return " LIMIT ? OFFSET ?"
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("vmledger/sqlite: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vmledger/sqlite: rows: %w", err)
	}
	return out, nil
}

// translate maps driver errors onto vmledger sentinels.
func translate(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code == sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %s", vmledger.ErrAlreadyExists, op)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s: %w", vmledger.ErrConcurrencyConflict, op, err)
		}
	}
	return fmt.Errorf("vmledger/sqlite: %s: %w", op, err)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
