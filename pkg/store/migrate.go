package store

import (
	"context"
	"fmt"
)

// schemaDDL is shared between dialects: dates are ISO-8601 TEXT, amounts
// are integer cents, timestamps are RFC 3339 TEXT. Postgres additionally
// gets row-level-security policies (rlsDDL).
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id        TEXT PRIMARY KEY,
		default_currency TEXT NOT NULL DEFAULT 'USD',
		date_locale      TEXT NOT NULL DEFAULT 'US',
		match_parallel   INTEGER NOT NULL DEFAULT 4
	)`,
	`CREATE TABLE IF NOT EXISTS vendors (
		tenant_id       TEXT NOT NULL,
		id              TEXT NOT NULL,
		legal_name      TEXT NOT NULL,
		display_name    TEXT NOT NULL DEFAULT '',
		normalized_name TEXT NOT NULL,
		tax_id          TEXT NOT NULL DEFAULT '',
		aliases         TEXT NOT NULL DEFAULT '[]',
		payment_terms   INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'active',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vendors_normalized
		ON vendors (tenant_id, normalized_name)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		tenant_id       TEXT NOT NULL,
		id              TEXT NOT NULL,
		invoice_number  TEXT NOT NULL,
		vendor_id       TEXT NOT NULL,
		po_number       TEXT NOT NULL DEFAULT '',
		subtotal_cents  INTEGER NOT NULL,
		tax_cents       INTEGER NOT NULL,
		total_cents     INTEGER NOT NULL CHECK (total_cents >= 0),
		currency        TEXT NOT NULL,
		invoice_date    TEXT NOT NULL,
		due_date        TEXT,
		received_date   TEXT,
		status          TEXT NOT NULL DEFAULT 'pending',
		matching_status TEXT NOT NULL DEFAULT 'unmatched',
		import_source   TEXT NOT NULL DEFAULT '',
		raw_row         TEXT NOT NULL DEFAULT '',
		version         INTEGER NOT NULL DEFAULT 1,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_business_key
		ON invoices (tenant_id, invoice_number, vendor_id)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_vendor_status
		ON invoices (tenant_id, vendor_id, status)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_date
		ON invoices (tenant_id, invoice_date)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_amount
		ON invoices (tenant_id, total_cents)`,
	`CREATE INDEX IF NOT EXISTS ix_invoices_open_work
		ON invoices (tenant_id, matching_status)
		WHERE matching_status IN ('unmatched','in_progress','requires_review')`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
		tenant_id        TEXT NOT NULL,
		id               TEXT NOT NULL,
		invoice_id       TEXT NOT NULL,
		line_number      INTEGER NOT NULL,
		sku              TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		quantity         INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		line_total_cents INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_invoice_lines_invoice
		ON invoice_lines (tenant_id, invoice_id)`,
	`CREATE TABLE IF NOT EXISTS purchase_orders (
		tenant_id     TEXT NOT NULL,
		id            TEXT NOT NULL,
		po_number     TEXT NOT NULL,
		vendor_id     TEXT NOT NULL,
		total_cents   INTEGER NOT NULL CHECK (total_cents >= 0),
		currency      TEXT NOT NULL,
		po_date       TEXT NOT NULL,
		expected_date TEXT,
		status        TEXT NOT NULL DEFAULT 'open',
		version       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_pos_number
		ON purchase_orders (tenant_id, po_number)`,
	`CREATE INDEX IF NOT EXISTS ix_pos_candidate
		ON purchase_orders (tenant_id, currency, status, po_date, total_cents)`,
	`CREATE TABLE IF NOT EXISTS po_lines (
		tenant_id        TEXT NOT NULL,
		id               TEXT NOT NULL,
		po_id            TEXT NOT NULL,
		line_number      INTEGER NOT NULL,
		sku              TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		quantity         INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		line_total_cents INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_po_lines_po ON po_lines (tenant_id, po_id)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		tenant_id      TEXT NOT NULL,
		id             TEXT NOT NULL,
		receipt_number TEXT NOT NULL DEFAULT '',
		po_id          TEXT NOT NULL,
		received_date  TEXT NOT NULL,
		total_cents    INTEGER NOT NULL,
		created_at     TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_receipts_po ON receipts (tenant_id, po_id)`,
	`CREATE TABLE IF NOT EXISTS receipt_lines (
		tenant_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		receipt_id   TEXT NOT NULL,
		po_line_id   TEXT NOT NULL,
		sku          TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		received_qty INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_receipt_lines_receipt
		ON receipt_lines (tenant_id, receipt_id)`,
	`CREATE TABLE IF NOT EXISTS match_results (
		tenant_id         TEXT NOT NULL,
		id                TEXT NOT NULL,
		invoice_id        TEXT NOT NULL,
		po_id             TEXT NOT NULL DEFAULT '',
		receipt_id        TEXT NOT NULL DEFAULT '',
		match_type        TEXT NOT NULL,
		three_way_type    TEXT NOT NULL DEFAULT '',
		confidence        REAL NOT NULL,
		scores            TEXT NOT NULL,
		discrepancies     TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL DEFAULT 'pending',
		superseded_by     TEXT NOT NULL DEFAULT '',
		algorithm_version TEXT NOT NULL,
		reviewed_by       TEXT NOT NULL DEFAULT '',
		review_notes      TEXT NOT NULL DEFAULT '',
		version           INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_matches_invoice
		ON match_results (tenant_id, invoice_id, status)`,
	`CREATE TABLE IF NOT EXISTS match_audit_events (
		tenant_id         TEXT NOT NULL,
		id                TEXT NOT NULL,
		invoice_id        TEXT NOT NULL,
		seq               INTEGER NOT NULL,
		algorithm_version TEXT NOT NULL,
		ruleset_hash      TEXT NOT NULL,
		inputs_hash       TEXT NOT NULL,
		scores            TEXT NOT NULL,
		final_score       REAL NOT NULL,
		decision          TEXT NOT NULL,
		actor             TEXT NOT NULL,
		supersedes        TEXT NOT NULL DEFAULT '',
		prev_hash         TEXT NOT NULL,
		entry_hash        TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_audit_invoice_seq
		ON match_audit_events (tenant_id, invoice_id, seq)`,
	`CREATE TABLE IF NOT EXISTS exceptions (
		tenant_id         TEXT NOT NULL,
		id                TEXT NOT NULL,
		invoice_id        TEXT NOT NULL,
		reason            TEXT NOT NULL,
		priority          TEXT NOT NULL,
		priority_rank     INTEGER NOT NULL DEFAULT 1,
		suggested_matches TEXT NOT NULL DEFAULT '[]',
		assigned_to       TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'open',
		resolution_notes  TEXT NOT NULL DEFAULT '',
		deferred_until    TEXT,
		version           INTEGER NOT NULL DEFAULT 1,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_exceptions_open_invoice
		ON exceptions (tenant_id, invoice_id) WHERE status = 'open'`,
	`CREATE INDEX IF NOT EXISTS ix_exceptions_queue
		ON exceptions (tenant_id, status, priority_rank, created_at)`,
	`CREATE TABLE IF NOT EXISTS matching_tolerances (
		tenant_id              TEXT NOT NULL,
		id                     TEXT NOT NULL,
		scope                  TEXT NOT NULL,
		scope_key              TEXT NOT NULL DEFAULT '',
		price_tol_pct          INTEGER,
		price_tol_cents        INTEGER,
		qty_tol_pct            INTEGER,
		qty_tol_abs            INTEGER,
		date_tol_days          INTEGER,
		over_delivery_pct      INTEGER,
		auto_approve           REAL,
		manual_review          REAL,
		weights                TEXT,
		applicability          TEXT NOT NULL DEFAULT '',
		version                INTEGER NOT NULL DEFAULT 1,
		updated_at             TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tolerances_scope
		ON matching_tolerances (tenant_id, scope, scope_key)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		tenant_id   TEXT NOT NULL,
		key         TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'in_progress',
		status_code INTEGER NOT NULL DEFAULT 0,
		response    BLOB,
		created_at  TEXT NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS import_batches (
		tenant_id    TEXT NOT NULL,
		id           TEXT NOT NULL,
		doc_type     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'running',
		total_rows   INTEGER NOT NULL DEFAULT 0,
		accepted     INTEGER NOT NULL DEFAULT 0,
		rejected     INTEGER NOT NULL DEFAULT 0,
		duplicates   INTEGER NOT NULL DEFAULT 0,
		archive_key  TEXT NOT NULL DEFAULT '',
		report_key   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS import_errors (
		tenant_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		batch_id   TEXT NOT NULL,
		row_num    INTEGER NOT NULL,
		col        TEXT NOT NULL DEFAULT '',
		code       TEXT NOT NULL,
		raw_value  TEXT NOT NULL DEFAULT '',
		suggestion TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_import_errors_batch
		ON import_errors (tenant_id, batch_id, row_num)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		tenant_id  TEXT NOT NULL,
		id         TEXT NOT NULL,
		topic      TEXT NOT NULL,
		payload    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		sent_at    TEXT,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_outbox_pending
		ON outbox (status, created_at)`,
}

// rlsTables get per-tenant row security on postgres. The outbox is
// excluded: its drainer legitimately reads across tenants and publishes
// only topic+payload.
var rlsTables = []string{
	"vendors", "invoices", "invoice_lines", "purchase_orders", "po_lines",
	"receipts", "receipt_lines", "match_results", "match_audit_events",
	"exceptions", "matching_tolerances", "idempotency_keys",
	"import_batches", "import_errors",
}

// Migrate creates the schema. On postgres it also enables row level
// security with a tenant policy bound to `app.tenant_id`, so tenancy is
// enforced by the storage engine even for a query missing its filter.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	if s.dialect != DialectPostgres {
		return nil
	}
	for _, table := range rlsTables {
		stmts := []string{
			fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
			fmt.Sprintf(`DROP POLICY IF EXISTS %s_tenant ON %s`, table, table),
			fmt.Sprintf(`CREATE POLICY %s_tenant ON %s
				USING (tenant_id = current_setting('app.tenant_id', true))
				WITH CHECK (tenant_id = current_setting('app.tenant_id', true))`, table, table),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: rls on %s: %w", table, err)
			}
		}
	}
	return nil
}
