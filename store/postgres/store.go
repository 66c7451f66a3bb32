// Package postgres is the PostgreSQL store backend, built on a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing pool. Close closes the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vmledger/postgres: ping: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Account Store ====================

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM vmledger_accounts WHERE id = $1`, accountID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/postgres: get account: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccountByOwner(ctx context.Context, ownerID string) (*account.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM vmledger_accounts WHERE owner_id = $1`, ownerID))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("vmledger/postgres: get account by owner: %w", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM vmledger_accounts ORDER BY created_at ASC, id ASC`
	var b query
	q += b.page(opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: list accounts: %w", err)
	}
	return collect(rows, scanAccount)
}

// ==================== VM Store ====================

func (s *Store) GetVM(ctx context.Context, vmID id.VMID) (*vm.VM, error) {
	v, err := scanVM(s.pool.QueryRow(ctx,
		`SELECT `+vmColumns+` FROM vmledger_vms WHERE id = $1`, vmID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrVMNotFound
		}
		return nil, fmt.Errorf("vmledger/postgres: get vm: %w", err)
	}
	return v, nil
}

func (s *Store) ListVMs(ctx context.Context, accountID id.AccountID, opts vm.ListOpts) ([]*vm.VM, error) {
	var b query
	b.where("account_id = %s", accountID.String())
	if opts.ProjectID != "" {
		b.where("project_id = %s", opts.ProjectID)
	}
	if opts.Name != "" {
		b.where("name = %s", opts.Name)
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		b.where("status = ANY(%s)", statuses)
	}
	if !opts.IncludeTerminated && !slices.Contains(opts.Statuses, vm.StatusTerminated) {
		b.where("status <> %s", string(vm.StatusTerminated))
	}

	q := `SELECT ` + vmColumns + ` FROM vmledger_vms` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(opts.Limit, opts.Offset)
	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: list vms: %w", err)
	}
	return collect(rows, scanVM)
}

func (s *Store) ListVMsByStatus(ctx context.Context, status vm.Status, limit int) ([]*vm.VM, error) {
	var b query
	b.where("status = %s", string(status))
	q := `SELECT ` + vmColumns + ` FROM vmledger_vms` + b.clause() +
		` ORDER BY COALESCE(accrued_through, session_started_at, created_at), id` + b.page(limit, 0)
	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: list vms by status: %w", err)
	}
	return collect(rows, scanVM)
}

// ==================== Ledger Entry Store ====================

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, q entry.Query) ([]*entry.Entry, int64, error) {
	var b query
	b.where("account_id = %s", accountID.String())
	if q.Reason != "" {
		b.where("reason = %s", string(q.Reason))
	}
	if !q.VMID.IsNil() {
		b.where("vm_id = %s", q.VMID.String())
	}
	if !q.Start.IsZero() {
		b.where("created_at >= %s", q.Start)
	}
	if !q.End.IsZero() {
		b.where("created_at < %s", q.End)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vmledger_entries`+b.clause(), b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("vmledger/postgres: count entries: %w", err)
	}

	sql := `SELECT ` + entryColumns + ` FROM vmledger_entries` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(q.Limit, q.Offset)
	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("vmledger/postgres: list entries: %w", err)
	}
	entries, err := collect(rows, scanEntry)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) GetEntryByIdempotencyKey(ctx context.Context, accountID id.AccountID, key string) (*entry.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM vmledger_entries WHERE account_id = $1 AND idempotency_key = $2`,
		accountID.String(), key))
	if err != nil {
		if isNoRows(err) {
			return nil, vmledger.ErrEntryNotFound
		}
		return nil, fmt.Errorf("vmledger/postgres: get entry by idempotency key: %w", err)
	}
	return e, nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, r *audit.Record) error {
	if _, err := s.pool.Exec(ctx, insertAudit, auditArgs(r)...); err != nil {
		return fmt.Errorf("vmledger/postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, q audit.Query) ([]*audit.Record, error) {
	var b query
	if !q.AccountID.IsNil() {
		b.where("account_id = %s", q.AccountID.String())
	}
	if q.EntityID != "" {
		b.where("entity_id = %s", q.EntityID)
	}
	if q.Outcome != "" {
		b.where("outcome = %s", string(q.Outcome))
	}
	sql := `SELECT ` + auditColumns + ` FROM vmledger_audit` + b.clause() +
		` ORDER BY created_at DESC, id DESC` + b.page(q.Limit, q.Offset)
	rows, err := s.pool.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, fmt.Errorf("vmledger/postgres: list audit: %w", err)
	}
	return collect(rows, scanAudit)
}

// ==================== Unit of Work ====================

var (
	insertAccount = `INSERT INTO vmledger_accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	updateAccount = `UPDATE vmledger_accounts SET owner_id = $2, currency = $3, balance = $4, total_spent = $5,
total_credited = $6, over_limit = $7, version = $8, created_at = $9, updated_at = $10
WHERE id = $1 AND version = $8 - 1`

	insertVM = `INSERT INTO vmledger_vms (` + vmColumns + `) VALUES
($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	updateVM = `UPDATE vmledger_vms SET account_id = $2, project_id = $3, name = $4, instance_class = $5, image = $6,
status = $7, currency = $8, cost_per_hour = $9, accrued_uptime_ns = $10, total_cost = $11, session_started_at = $12,
accrued_through = $13, last_error = $14, terminated_at = $15, version = $16, created_at = $17, updated_at = $18
WHERE id = $1 AND version = $16 - 1`

	insertEntry = `INSERT INTO vmledger_entries (` + entryColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	insertAudit = `INSERT INTO vmledger_audit (` + auditColumns + `) VALUES
($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
)

// Commit applies cs in one serializable transaction.
func (s *Store) Commit(ctx context.Context, cs *store.Changeset) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return translate(err, "begin")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // no-op after commit

	if a := cs.Account; a != nil {
		if cs.NewAccount {
			if _, err := tx.Exec(ctx, insertAccount, accountArgs(a)...); err != nil {
				return translate(err, "insert account")
			}
		} else if err := guarded(ctx, tx, updateAccount, accountArgs(a), "vmledger_accounts", a.ID,
			a.Version, vmledger.ErrAccountNotFound); err != nil {
			return err
		}
	}
	if v := cs.VM; v != nil {
		if cs.NewVM {
			if _, err := tx.Exec(ctx, insertVM, vmArgs(v)...); err != nil {
				return translate(err, "insert vm")
			}
		} else if err := guarded(ctx, tx, updateVM, vmArgs(v), "vmledger_vms", v.ID,
			v.Version, vmledger.ErrVMNotFound); err != nil {
			return err
		}
	}
	for _, e := range cs.Entries {
		if _, err := tx.Exec(ctx, insertEntry, entryArgs(e)...); err != nil {
			return translate(err, "insert entry")
		}
	}
	for _, r := range cs.Records {
		if _, err := tx.Exec(ctx, insertAudit, auditArgs(r)...); err != nil {
			return translate(err, "insert audit")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return translate(err, "commit")
	}
	return nil
}

// guarded runs a version-checked update and explains a miss.
func guarded(ctx context.Context, tx pgx.Tx, sql string, args []any, table string, rowID id.ID, version int64, missing error) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return translate(err, "update "+table)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM `+table+` WHERE id = $1`, rowID.String()).Scan(&current)
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

// query accumulates positional arguments for a dynamically built statement.
type query struct {
	conds []string
	args  []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(format string, v any) {
	q.conds = append(q.conds, fmt.Sprintf(format, q.arg(v)))
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func (q *query) page(limit, offset int) string {
	var out string
	if limit > 0 {
		out += " LIMIT " + q.arg(limit)
	}
	if offset > 0 {
		out += " OFFSET " + q.arg(offset)
	}
	return out
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("vmledger/postgres: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vmledger/postgres: rows: %w", err)
	}
	return out, nil
}

// translate maps driver errors onto vmledger sentinels.
func translate(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s: %s", vmledger.ErrAlreadyExists, op, pgErr.ConstraintName)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s: %w", vmledger.ErrConcurrencyConflict, op, err)
		}
	}
	return fmt.Errorf("vmledger/postgres: %s: %w", op, err)
}

// isNoRows checks for the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
