// Package events publishes integration events through the transactional
// outbox: producers enqueue inside their business transaction and the
// drainer delivers committed rows to the configured publisher. Delivery
// is at-least-once; consumers must dedupe on event id.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/reconcile/pkg/store"
)

// Topics emitted by the core.
const (
	TopicInvoiceMatched   = "invoice.matched"
	TopicExceptionCreated = "exception.created"
	TopicImportCompleted  = "import.completed"
)

// InvoiceMatched is the payload for TopicInvoiceMatched.
type InvoiceMatched struct {
	InvoiceID  string  `json:"invoice_id"`
	MatchID    string  `json:"match_id"`
	POID       string  `json:"po_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Decision   string  `json:"decision"` // auto_matched | manually_matched
}

// ExceptionCreated is the payload for TopicExceptionCreated.
type ExceptionCreated struct {
	ExceptionID string `json:"exception_id"`
	InvoiceID   string `json:"invoice_id"`
	Reason      string `json:"reason"`
	Priority    string `json:"priority"`
}

// ImportCompleted is the payload for TopicImportCompleted.
type ImportCompleted struct {
	BatchID       string `json:"batch_id"`
	Status        string `json:"status"`
	RowsProcessed int    `json:"rows_processed"`
	RowsAccepted  int    `json:"rows_accepted"`
	RowsRejected  int    `json:"rows_rejected"`
}

// Enqueue marshals the payload and stages it in the caller's transaction.
func Enqueue(ctx context.Context, sess *store.Session, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return sess.EnqueueEvent(ctx, topic, body)
}

// Envelope is what publishers receive for each outbox row.
type Envelope struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
}

// Publisher delivers one committed event. Errors leave the row pending
// for the next drain pass.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// RedisPublisher fans events out over redis pub/sub, one channel per
// topic under the reconcile: prefix.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, "reconcile:events:"+env.Topic, body).Err()
}

// LogPublisher is the fallback sink when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, env Envelope) error {
	p.logger.Info("event",
		"event_id", env.ID, "tenant", env.TenantID,
		"topic", env.Topic, "payload", string(env.Payload))
	return nil
}

// Drainer polls the outbox and hands committed rows to the publisher.
type Drainer struct {
	store     *store.Store
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func NewDrainer(st *store.Store, pub Publisher, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		store:     st,
		publisher: pub,
		logger:    logger,
		interval:  time.Second,
		batchSize: 100,
	}
}

// Run drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce delivers one batch of pending rows and returns how many were
// sent. A publish failure stops the pass; the row stays pending.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	rows, err := d.store.PendingEvents(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, row := range rows {
		env := Envelope{ID: row.ID, TenantID: row.TenantID, Topic: row.Topic, Payload: row.Payload}
		if err := d.publisher.Publish(ctx, env); err != nil {
			return sent, err
		}
		if err := d.store.MarkEventSent(ctx, row.TenantID, row.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
