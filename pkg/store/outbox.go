package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxRow is one pending domain event, written in the same transaction
// as the mutation that produced it.
type OutboxRow struct {
	ID        string
	TenantID  string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// EnqueueEvent writes an event row inside the current transaction.
func (sess *Session) EnqueueEvent(ctx context.Context, topic string, payload []byte) error {
	_, err := sess.exec(ctx, `INSERT INTO outbox
		(tenant_id, id, topic, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		sess.tenant, uuid.New().String(), topic, string(payload), fmtTime(now()))
	return err
}

// PendingEvents returns up to limit unpublished events across tenants.
// The drainer runs outside any tenant session; this is the one read path
// that spans tenants, and it exposes only what the publisher needs.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT tenant_id, id, topic, payload, created_at
		FROM outbox WHERE status = 'pending' ORDER BY created_at LIMIT ?`), limit)
	if err != nil {
		return nil, s.classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxRow
	for rows.Next() {
		var (
			r       OutboxRow
			payload string
			ca      string
		)
		if err := rows.Scan(&r.TenantID, &r.ID, &r.Topic, &payload, &ca); err != nil {
			return nil, s.classify(err)
		}
		r.Payload = []byte(payload)
		if r.CreatedAt, err = parseTime(ca); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkEventSent flips one event to sent.
func (s *Store) MarkEventSent(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE outbox
		SET status = 'sent', sent_at = ? WHERE tenant_id = ? AND id = ? AND status = 'pending'`),
		fmtTime(now()), tenantID, id)
	return s.classify(err)
}
