package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one forward schema step. Applied versions are tracked in
// vmledger_migrations.
type Migration struct {
	Name    string
	Version string
	Up      string
	Down    string
}

// migrationLockID keys the advisory lock that serializes concurrent migrators.
const migrationLockID = 0x766d6c6564676572 // "vmledger"

// Migrations is the ordered schema history of the Postgres store.
var Migrations = []Migration{
	{
		Name:    "create_vmledger_accounts",
		Version: "20260401000001",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_accounts (
    id             TEXT PRIMARY KEY,
    owner_id       TEXT NOT NULL,
    currency       TEXT NOT NULL,
    balance        BIGINT NOT NULL DEFAULT 0,
    total_spent    BIGINT NOT NULL DEFAULT 0,
    total_credited BIGINT NOT NULL DEFAULT 0,
    over_limit     BOOLEAN NOT NULL DEFAULT FALSE,
    version        BIGINT NOT NULL DEFAULT 1,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_vmledger_accounts_owner ON vmledger_accounts (owner_id);
`,
		Down: `DROP TABLE IF EXISTS vmledger_accounts`,
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
    cost_per_hour      BIGINT NOT NULL,
    accrued_uptime_ns  BIGINT NOT NULL DEFAULT 0,
    total_cost         BIGINT NOT NULL DEFAULT 0,
    session_started_at TIMESTAMPTZ,
    accrued_through    TIMESTAMPTZ,
    last_error         TEXT NOT NULL DEFAULT '',
    terminated_at      TIMESTAMPTZ,
    version            BIGINT NOT NULL DEFAULT 1,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_vmledger_vms_account ON vmledger_vms (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vmledger_vms_project_name ON vmledger_vms (account_id, project_id, name) WHERE status <> 'terminated';
CREATE INDEX IF NOT EXISTS idx_vmledger_vms_status ON vmledger_vms (status, (COALESCE(accrued_through, session_started_at, created_at)));
`,
		Down: `DROP TABLE IF EXISTS vmledger_vms`,
	},
	{
		Name:    "create_vmledger_entries",
		Version: "20260401000003",
		Up: `
CREATE TABLE IF NOT EXISTS vmledger_entries (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    vm_id           TEXT NOT NULL DEFAULT '',
    amount          BIGINT NOT NULL,
    balance_after   BIGINT NOT NULL,
    currency        TEXT NOT NULL,
    reason          TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_vmledger_entries_account ON vmledger_entries (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vmledger_entries_vm ON vmledger_entries (vm_id) WHERE vm_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_vmledger_entries_idempotency ON vmledger_entries (account_id, idempotency_key) WHERE idempotency_key <> '';
`,
		Down: `DROP TABLE IF EXISTS vmledger_entries`,
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
    amount      BIGINT NOT NULL DEFAULT 0,
    currency    TEXT NOT NULL DEFAULT '',
    entry_id    TEXT NOT NULL DEFAULT '',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_vmledger_audit_account ON vmledger_audit (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_vmledger_audit_entity ON vmledger_audit (entity_id, created_at DESC);
`,
		Down: `DROP TABLE IF EXISTS vmledger_audit`,
	},
}

// Migrate creates the required tables and indexes. Each pending migration
// runs in its own transaction under an advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS vmledger_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("vmledger/postgres: create migrations table: %w", err)
	}

	for _, m := range Migrations {
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("vmledger/postgres: migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m Migration) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return err
		}
		var applied bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM vmledger_migrations WHERE version = $1)`, m.Version,
		).Scan(&applied); err != nil {
			return err
		}
		if applied {
			return nil
		}
		if _, err := tx.Exec(ctx, m.Up); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO vmledger_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
		return err
	})
}
