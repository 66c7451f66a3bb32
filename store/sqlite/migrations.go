package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward schema step. Applied versions are tracked in
// vmledger_migrations.
type Migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the SQLite store. Timestamps
// are Unix nanoseconds in UTC.
var Migrations = []Migration{
	{
		Name:    "create_vmledger_accounts",
		Version: "20260401000001",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_accounts (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    currency       TEXT NOT NULL,
    balance        INTEGER NOT NULL DEFAULT 0,
    total_spent    INTEGER NOT NULL DEFAULT 0,
    total_credited INTEGER NOT NULL DEFAULT 0,
    over_limit     INTEGER NOT NULL DEFAULT 0,
    version        INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vmledger_accounts_owner ON vmledger_accounts (owner_id);
`,
	},
	{
		Name:    "create_vmledger_vms",
		Version: "20260401000002",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_vms (
    id                 TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    project_id         TEXT NOT NULL,
    name               TEXT NOT NULL,
    instance_class     TEXT NOT NULL,
    image              TEXT NOT NULL,
    status             TEXT NOT NULL,
    currency           TEXT NOT NULL,
    cost_per_hour      INTEGER NOT NULL,
    accrued_uptime_ns  INTEGER NOT NULL DEFAULT 0,
    total_cost         INTEGER NOT NULL DEFAULT 0,
    session_started_at INTEGER,
    accrued_through    INTEGER,
    last_error         TEXT NOT NULL DEFAULT '',
    terminated_at      INTEGER,
    version            INTEGER NOT NULL DEFAULT 1,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vmledger_vms_account ON vmledger_vms (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vmledger_vms_status ON vmledger_vms (status);
`,
	},
	{
		Name:    "create_vmledger_entries",
		Version: "20260401000003",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_entries (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    vm_id           TEXT NOT NULL DEFAULT '',
    amount          INTEGER NOT NULL,
    balance_after   INTEGER NOT NULL,
    currency        TEXT NOT NULL,
    reason          TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vmledger_entries_account ON vmledger_entries (account_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_vmledger_entries_idempotency ON vmledger_entries (account_id, idempotency_key) WHERE idempotency_key <> '';
`,
	},
	{
		Name:    "create_vmledger_audit",
		Version: "20260401000004",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_audit (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    action      TEXT NOT NULL,
    from_state  TEXT NOT NULL DEFAULT '',
    to_state    TEXT NOT NULL DEFAULT '',
    cause       TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    amount      INTEGER NOT NULL DEFAULT 0,
    currency    TEXT NOT NULL DEFAULT '',
    entry_id    TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vmledger_audit_account ON vmledger_audit (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vmledger_audit_entity ON vmledger_audit (entity_id, created_at DESC);
`,
	},
}

// Migrate creates the required tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS vmledger_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("vmledger/sqlite: create migrations table: %w", err)
	}

	for _, m := range Migrations {
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("vmledger/sqlite: migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m Migration) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM vmledger_migrations WHERE version = ?`, m.Version,
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vmledger_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, s.now().UnixNano())
		return err
	})
}
