package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ledgerline/reconcile/pkg/contracts"
)

const vendorColumns = `tenant_id, id, legal_name, display_name,
	normalized_name, tax_id, aliases, payment_terms, status, created_at, updated_at`

// InsertVendor persists a vendor. NormalizedName must already be set by
// the caller (the normalization function is an external collaborator).
func (sess *Session) InsertVendor(ctx context.Context, v *contracts.Vendor) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.TenantID = sess.tenant
	if v.Status == "" {
		v.Status = "active"
	}
	ts := now()
	v.CreatedAt, v.UpdatedAt = ts, ts
	aliases, err := json.Marshal(v.Aliases)
	if err != nil {
		return fmt.Errorf("store: marshal aliases: %w", err)
	}
	_, err = sess.exec(ctx, `INSERT INTO vendors (`+vendorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.tenant, v.ID, v.LegalName, v.DisplayName, v.NormalizedName,
		v.TaxID, string(aliases), v.PaymentTerms, v.Status,
		fmtTime(v.CreatedAt), fmtTime(v.UpdatedAt))
	return err
}

func (sess *Session) scanVendor(row interface{ Scan(...any) error }) (*contracts.Vendor, error) {
	var (
		v       contracts.Vendor
		aliases string
		ca, ua  string
	)
	if err := row.Scan(&v.TenantID, &v.ID, &v.LegalName, &v.DisplayName,
		&v.NormalizedName, &v.TaxID, &aliases, &v.PaymentTerms, &v.Status,
		&ca, &ua); err != nil {
		return nil, sess.store.classify(err)
	}
	if err := sess.guardTenant(v.TenantID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aliases), &v.Aliases); err != nil {
		return nil, fmt.Errorf("store: corrupt aliases: %w", err)
	}
	var err error
	if v.CreatedAt, err = parseTime(ca); err != nil {
		return nil, fmt.Errorf("store: corrupt created_at: %w", err)
	}
	if v.UpdatedAt, err = parseTime(ua); err != nil {
		return nil, fmt.Errorf("store: corrupt updated_at: %w", err)
	}
	return &v, nil
}

// GetVendor loads a vendor by id.
func (sess *Session) GetVendor(ctx context.Context, id string) (*contracts.Vendor, error) {
	row := sess.queryRow(ctx, `SELECT `+vendorColumns+` FROM vendors
		WHERE tenant_id = ? AND id = ?`, sess.tenant, id)
	v, err := sess.scanVendor(row)
	if err != nil && contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "vendor %s", id)
	}
	return v, err
}

// GetVendorByNormalizedName resolves the (tenant, normalized_name) key.
func (sess *Session) GetVendorByNormalizedName(ctx context.Context, normalized string) (*contracts.Vendor, error) {
	row := sess.queryRow(ctx, `SELECT `+vendorColumns+` FROM vendors
		WHERE tenant_id = ? AND normalized_name = ?`, sess.tenant, normalized)
	v, err := sess.scanVendor(row)
	if err != nil && contracts.IsKind(err, contracts.KindNotFound) {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "vendor %q", normalized)
	}
	return v, err
}

// ListVendors returns one page of active vendors plus the unpaged total.
func (sess *Session) ListVendors(ctx context.Context, page Page) ([]*contracts.Vendor, int, error) {
	page = page.Normalize()
	var total int
	if err := sess.queryRow(ctx, `SELECT COUNT(*) FROM vendors
		WHERE tenant_id = ? AND status = 'active'`, sess.tenant).Scan(&total); err != nil {
		return nil, 0, sess.store.classify(err)
	}
	rows, err := sess.query(ctx, `SELECT `+vendorColumns+` FROM vendors
		WHERE tenant_id = ? AND status = 'active'
		ORDER BY normalized_name LIMIT ? OFFSET ?`,
		sess.tenant, page.Limit, page.offset())
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Vendor
	for rows.Next() {
		v, err := sess.scanVendor(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

// VendorsByIDs loads a set of vendors keyed by id, for candidate scoring.
func (sess *Session) VendorsByIDs(ctx context.Context, ids []string) (map[string]*contracts.Vendor, error) {
	out := make(map[string]*contracts.Vendor, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		v, err := sess.GetVendor(ctx, id)
		if err != nil {
			if contracts.IsKind(err, contracts.KindNotFound) {
				continue
			}
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// TenantSettings returns the tenant's defaults, falling back to the
// built-in row when none was provisioned.
func (sess *Session) TenantSettings(ctx context.Context) (*contracts.TenantSettings, error) {
	row := sess.queryRow(ctx, `SELECT tenant_id, default_currency, date_locale, match_parallel
		FROM tenant_settings WHERE tenant_id = ?`, sess.tenant)
	var ts contracts.TenantSettings
	err := row.Scan(&ts.TenantID, &ts.DefaultCurrency, &ts.DateLocale, &ts.MatchParallel)
	if err != nil {
		err = sess.store.classify(err)
		if contracts.IsKind(err, contracts.KindNotFound) {
			return &contracts.TenantSettings{
				TenantID:        sess.tenant,
				DefaultCurrency: "USD",
				DateLocale:      "US",
				MatchParallel:   4,
			}, nil
		}
		return nil, err
	}
	return &ts, nil
}

// UpsertTenantSettings writes the tenant defaults row.
func (sess *Session) UpsertTenantSettings(ctx context.Context, ts *contracts.TenantSettings) error {
	_, err := sess.exec(ctx, `INSERT INTO tenant_settings
		(tenant_id, default_currency, date_locale, match_parallel)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			default_currency = excluded.default_currency,
			date_locale = excluded.date_locale,
			match_parallel = excluded.match_parallel`,
		sess.tenant, ts.DefaultCurrency, ts.DateLocale, ts.MatchParallel)
	return err
}
