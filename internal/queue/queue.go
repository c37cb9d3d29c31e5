// Package queue implements the durable Postgres-backed work queue
// shared by the event queue and the embedding queue (spec §4.1, §4.2):
// atomic batch dequeue via FOR UPDATE SKIP LOCKED, retry/backoff,
// dead-lettering and stale-lease recovery.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// Queue is one of the two durable work queues. table and
// notifyChannel distinguish the event queue from the embedding queue;
// everything else about their semantics is identical.
type Queue struct {
	db             *db.DB
	table          string
	notifyChannel  string
	cfg            config.QueueConfig
	logger         observability.Logger
}

// EventQueueTable / EmbeddingQueueTable name the two queue tables
// (see migrations). EventNotifyChannel / EmbeddingNotifyChannel are
// the corresponding LISTEN/NOTIFY channel names from spec §4.1.
const (
	EventQueueTable       = "event_queue"
	EmbeddingQueueTable   = "embedding_queue"
	EventNotifyChannel    = "indexer_queue"
	EmbeddingNotifyChannel = "embedding_queue"
)

// NewEventQueue builds the Event Queue.
func NewEventQueue(database *db.DB, cfg config.QueueConfig, logger observability.Logger) *Queue {
	return newQueue(database, EventQueueTable, EventNotifyChannel, cfg, logger)
}

// NewEmbeddingQueue builds the Embedding Queue.
func NewEmbeddingQueue(database *db.DB, cfg config.QueueConfig, logger observability.Logger) *Queue {
	return newQueue(database, EmbeddingQueueTable, EmbeddingNotifyChannel, cfg, logger)
}

func newQueue(database *db.DB, table, channel string, cfg config.QueueConfig, logger observability.Logger) *Queue {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Queue{db: database, table: table, notifyChannel: channel, cfg: cfg, logger: logger}
}

// ErrAlreadyQueued is returned by Enqueue when a partial unique index
// (e.g. the embedding queue's one-in-flight-per-document constraint,
// spec §4.2) rejects a duplicate insert. Callers should treat it as a
// successful no-op rather than a failure.
var ErrAlreadyQueued = fmt.Errorf("queue: item already queued")

// Enqueue inserts a Pending row and fires the wake-up notification.
// sourceID is empty for embedding-queue items (payload = document_id).
func (q *Queue) Enqueue(ctx context.Context, sourceID string, payload []byte) (string, error) {
	id := uuid.New().String()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, payload, status, retry_count, max_retries, created_at)
		VALUES ($1, NULLIF($2, ''), $3, 'pending', 0, $4, now())`, q.table)

	if _, err := q.db.Conn().ExecContext(ctx, query, id, sourceID, payload, q.cfg.MaxRetries); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", ErrAlreadyQueued
		}
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	q.notify(ctx, id)
	return id, nil
}

func (q *Queue) notify(ctx context.Context, id string) {
	if _, err := q.db.Conn().ExecContext(ctx, fmt.Sprintf("NOTIFY %s, '%s'", q.notifyChannel, id)); err != nil {
		q.logger.Warn("queue: notify failed", map[string]interface{}{"channel": q.notifyChannel, "error": err.Error()})
	}
}

// DequeueBatch atomically selects up to limit Pending rows (oldest
// first), skipping rows locked by other consumers, and flips them to
// Processing.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]models.QueueItem, error) {
	var items []models.QueueItem

	err := q.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		selectQuery := fmt.Sprintf(`
			SELECT id, source_id, payload, status, retry_count, max_retries,
			       processing_started_at, completed_at, next_retry_at, last_error, created_at
			FROM %s
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, q.table)

		if err := tx.SelectContext(ctx, &items, selectQuery, limit); err != nil {
			return fmt.Errorf("queue: select batch: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ID
		}

		updateQuery := fmt.Sprintf(`UPDATE %s SET status = 'processing', processing_started_at = now() WHERE id = ANY($1)`, q.table)
		if _, err := tx.ExecContext(ctx, updateQuery, pq.Array(ids)); err != nil {
			return fmt.Errorf("queue: mark processing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// MarkCompleted transitions one item to Completed.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.MarkCompletedBatch(ctx, []string{id})
}

// MarkCompletedBatch transitions many items to Completed in one
// statement.
func (q *Queue) MarkCompletedBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE %s SET status = 'completed', completed_at = now() WHERE id = ANY($1)`, q.table)
	if _, err := q.db.Conn().ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("queue: mark completed batch: %w", err)
	}
	return nil
}

// MarkFailed records error for id. If retry_count+1 reaches
// max_retries the item moves to DeadLetter; otherwise it moves to
// Failed with retry_count incremented and next_retry_at set per the
// backoff schedule.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	var item models.QueueItem
	getQuery := fmt.Sprintf(`SELECT retry_count, max_retries FROM %s WHERE id = $1`, q.table)
	if err := q.db.Conn().GetContext(ctx, &item, getQuery, id); err != nil {
		return fmt.Errorf("queue: mark failed: load: %w", err)
	}

	errMsg := cause.Error()
	newRetryCount := item.RetryCount + 1

	if newRetryCount >= item.MaxRetries {
		query := fmt.Sprintf(`UPDATE %s SET status = 'dead_letter', retry_count = $2, last_error = $3 WHERE id = $1`, q.table)
		_, err := q.db.Conn().ExecContext(ctx, query, id, newRetryCount, errMsg)
		return err
	}

	nextRetryAt := time.Now().UTC().Add(q.cfg.BackoffDelay(newRetryCount))
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'failed', retry_count = $2, last_error = $3, next_retry_at = $4
		WHERE id = $1`, q.table)
	_, err := q.db.Conn().ExecContext(ctx, query, id, newRetryCount, errMsg, nextRetryAt)
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	return nil
}

// RetryFailedEvents moves Failed rows whose next_retry_at has elapsed
// back to Pending, leaving DeadLetter rows untouched.
func (q *Queue) RetryFailedEvents(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', next_retry_at = NULL
		WHERE status = 'failed' AND (next_retry_at IS NULL OR next_retry_at <= now())`, q.table)
	res, err := q.db.Conn().ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("queue: retry failed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverStaleProcessingItems moves Processing rows whose lease has
// expired back to Pending with an incremented retry_count.
func (q *Queue) RecoverStaleProcessingItems(ctx context.Context, timeout time.Duration) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', retry_count = retry_count + 1, processing_started_at = NULL
		WHERE status = 'processing' AND processing_started_at < $1`, q.table)
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := q.db.Conn().ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: recover stale items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats is the counts-by-status result of GetQueueStats.
type Stats struct {
	Pending    int `db:"pending"`
	Processing int `db:"processing"`
	Completed  int `db:"completed"`
	Failed     int `db:"failed"`
	DeadLetter int `db:"dead_letter"`
}

// GetQueueStats returns counts by status.
func (q *Queue) GetQueueStats(ctx context.Context) (Stats, error) {
	var s Stats
	query := fmt.Sprintf(`
		SELECT
			count(*) FILTER (WHERE status = 'pending')     AS pending,
			count(*) FILTER (WHERE status = 'processing')  AS processing,
			count(*) FILTER (WHERE status = 'completed')   AS completed,
			count(*) FILTER (WHERE status = 'failed')      AS failed,
			count(*) FILTER (WHERE status = 'dead_letter') AS dead_letter
		FROM %s`, q.table)
	if err := q.db.Conn().GetContext(ctx, &s, query); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return s, nil
}

// CleanupOld deletes Completed and DeadLetter rows older than ageDays.
func (q *Queue) CleanupOld(ctx context.Context, ageDays int) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'dead_letter')
		  AND created_at < now() - ($1 || ' days')::interval`, q.table)
	res, err := q.db.Conn().ExecContext(ctx, query, ageDays)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup old: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
