// Package sources implements the administrative Source store, the
// SyncRun lifecycle (one Running run per source, spec §3), and the
// connector-owned ConnectorState/Credentials side tables the
// Connector SDK surface reads and writes (spec §6).
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
)

// Repository is the Postgres-backed store for Source, SyncRun,
// ConnectorState and Credentials rows.
type Repository struct {
	db *db.DB
}

// New builds a Repository over database.
func New(database *db.DB) *Repository {
	return &Repository{db: database}
}

// CreateSourceInput is the set of fields an administrator supplies
// when registering a new connector instance.
type CreateSourceInput struct {
	Name               string
	Type               models.SourceType
	Config             json.RawMessage
	SyncIntervalSecs   int
	CreatedBy          string
}

// CreateSource inserts a new, active Source.
func (r *Repository) CreateSource(ctx context.Context, in CreateSourceInput) (*models.Source, error) {
	interval := in.SyncIntervalSecs
	if interval <= 0 {
		interval = 3600
	}
	cfg := in.Config
	if cfg == nil {
		cfg = json.RawMessage(`{}`)
	}

	var s models.Source
	err := r.db.Conn().GetContext(ctx, &s, `
		INSERT INTO sources (name, type, config, sync_interval_seconds, sync_status, created_by, created_at)
		VALUES ($1, $2, $3, $4, 'idle', $5, now())
		RETURNING *`, in.Name, in.Type, cfg, interval, in.CreatedBy)
	if err != nil {
		return nil, fmt.Errorf("sources: create: %w", err)
	}
	return &s, nil
}

// GetSource fetches one non-deleted Source by id.
func (r *Repository) GetSource(ctx context.Context, id string) (*models.Source, error) {
	var s models.Source
	err := r.db.Conn().GetContext(ctx, &s, `SELECT * FROM sources WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, errors.Wrap(err, "SOURCE_NOT_FOUND", errors.ClassNotFound)
	}
	return &s, nil
}

// ListSourcesByType returns every active, non-deleted Source of type.
func (r *Repository) ListSourcesByType(ctx context.Context, sourceType string) ([]models.Source, error) {
	var list []models.Source
	err := r.db.Conn().SelectContext(ctx, &list,
		`SELECT * FROM sources WHERE type = $1 AND deleted_at IS NULL ORDER BY created_at`, sourceType)
	if err != nil {
		return nil, fmt.Errorf("sources: list by type: %w", err)
	}
	return list, nil
}

// SoftDeleteSource marks a Source deleted without removing its row,
// preserving sync history and document provenance.
func (r *Repository) SoftDeleteSource(ctx context.Context, id string) error {
	_, err := r.db.Conn().ExecContext(ctx, `UPDATE sources SET deleted_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("sources: soft delete: %w", err)
	}
	return nil
}

// UpdateSyncStatus records a Source's last-known sync state and
// schedule, called when a SyncRun starts, completes or fails.
func (r *Repository) UpdateSyncStatus(ctx context.Context, sourceID string, status models.SyncStatus, lastSyncAt *time.Time, nextSyncAt *time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sources SET sync_status = $2, last_sync_at = coalesce($3, last_sync_at), next_sync_at = coalesce($4, next_sync_at)
		WHERE id = $1`, sourceID, status, lastSyncAt, nextSyncAt)
	if err != nil {
		return fmt.Errorf("sources: update sync status: %w", err)
	}
	return nil
}

// CreateSyncRun starts a new SyncRun for sourceID. The partial unique
// index on (source_id) WHERE status = 'running' (see migrations)
// enforces the at-most-one-Running invariant; a violation surfaces as
// a conflict so the caller (the SDK's POST /sdk/sync/create) can
// report it distinctly from a validation error.
func (r *Repository) CreateSyncRun(ctx context.Context, sourceID string, syncType models.SyncType, trigger models.TriggerType) (*models.SyncRun, error) {
	var run models.SyncRun
	err := r.db.Conn().GetContext(ctx, &run, `
		INSERT INTO sync_runs (source_id, sync_type, status, trigger_type, started_at, last_activity_at)
		VALUES ($1, $2, 'running', $3, now(), now())
		RETURNING *`, sourceID, syncType, trigger)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.New("SYNC_RUN_ALREADY_RUNNING", fmt.Sprintf("source %s already has a running sync", sourceID), errors.ClassConflict)
		}
		return nil, fmt.Errorf("sources: create sync run: %w", err)
	}
	_ = r.UpdateSyncStatus(ctx, sourceID, models.SyncStatusRunning, nil, nil)
	return &run, nil
}

// Heartbeat refreshes a SyncRun's last_activity_at, used by the
// connector runtime to signal liveness between document batches.
func (r *Repository) Heartbeat(ctx context.Context, syncRunID string) error {
	_, err := r.db.Conn().ExecContext(ctx, `UPDATE sync_runs SET last_activity_at = now() WHERE id = $1 AND status = 'running'`, syncRunID)
	if err != nil {
		return fmt.Errorf("sources: heartbeat: %w", err)
	}
	return nil
}

// RecordScanned adds count to a SyncRun's documents_scanned counter.
func (r *Repository) RecordScanned(ctx context.Context, syncRunID string, count int) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE sync_runs SET documents_scanned = documents_scanned + $2, last_activity_at = now()
		WHERE id = $1 AND status = 'running'`, syncRunID, count)
	if err != nil {
		return fmt.Errorf("sources: record scanned: %w", err)
	}
	return nil
}

// CompleteSyncRun marks a SyncRun Completed with its final counters
// and, if newState is non-nil, writes it back atomically as the
// source's ConnectorState (spec §3: "written back atomically on sync
// completion").
func (r *Repository) CompleteSyncRun(ctx context.Context, syncRunID string, documentsScanned, documentsUpdated int, newState json.RawMessage) error {
	return r.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		var sourceID string
		err := tx.GetContext(ctx, &sourceID, `
			UPDATE sync_runs SET status = 'completed', documents_scanned = $2, documents_updated = $3, last_activity_at = now()
			WHERE id = $1 RETURNING source_id`, syncRunID, documentsScanned, documentsUpdated)
		if err != nil {
			return fmt.Errorf("sources: complete sync run: %w", err)
		}

		if newState != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO connector_state (source_id, state, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (source_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
				sourceID, newState); err != nil {
				return fmt.Errorf("sources: write connector state: %w", err)
			}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE sources SET sync_status = 'idle', last_sync_at = $2 WHERE id = $1`, sourceID, now); err != nil {
			return fmt.Errorf("sources: update source after completion: %w", err)
		}
		return nil
	})
}

// FailSyncRun marks a SyncRun Failed with err's message.
func (r *Repository) FailSyncRun(ctx context.Context, syncRunID, errMsg string) error {
	var sourceID string
	err := r.db.Conn().GetContext(ctx, &sourceID, `
		UPDATE sync_runs SET status = 'failed', error = $2, last_activity_at = now()
		WHERE id = $1 RETURNING source_id`, syncRunID, errMsg)
	if err != nil {
		return fmt.Errorf("sources: fail sync run: %w", err)
	}
	return r.UpdateSyncStatus(ctx, sourceID, models.SyncStatusError, nil, nil)
}

// CancelSyncRun marks a SyncRun Cancelled. The in-memory cancellation
// flag (see CancelRegistry) is the fast-path signal a running
// processor polls; this is the durable record of the outcome.
func (r *Repository) CancelSyncRun(ctx context.Context, syncRunID string) error {
	var sourceID string
	err := r.db.Conn().GetContext(ctx, &sourceID, `
		UPDATE sync_runs SET status = 'cancelled', last_activity_at = now()
		WHERE id = $1 AND status = 'running' RETURNING source_id`, syncRunID)
	if err != nil {
		return errors.Wrap(err, "SYNC_RUN_NOT_RUNNING", errors.ClassNotFound)
	}
	return r.UpdateSyncStatus(ctx, sourceID, models.SyncStatusIdle, nil, nil)
}

// GetConnectorState returns the opaque per-source JSON state a
// connector previously wrote back, or an empty object if none exists
// yet.
func (r *Repository) GetConnectorState(ctx context.Context, sourceID string) (*models.ConnectorState, error) {
	var st models.ConnectorState
	err := r.db.Conn().GetContext(ctx, &st, `SELECT * FROM connector_state WHERE source_id = $1`, sourceID)
	if err != nil {
		return &models.ConnectorState{SourceID: sourceID, State: json.RawMessage(`{}`)}, nil
	}
	return &st, nil
}

// PutConnectorState overwrites a source's ConnectorState outside of
// the sync-completion flow, for connectors that checkpoint more often
// than once per run.
func (r *Repository) PutConnectorState(ctx context.Context, sourceID string, state json.RawMessage) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO connector_state (source_id, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (source_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		sourceID, state)
	if err != nil {
		return fmt.Errorf("sources: put connector state: %w", err)
	}
	return nil
}

// GetCredentials returns the opaque, already-encrypted credential blob
// for sourceID. The core never decrypts or interprets it (spec §1);
// encryption-at-rest is assumed handled by whatever wrote the row.
func (r *Repository) GetCredentials(ctx context.Context, sourceID string) (*models.Credentials, error) {
	var creds models.Credentials
	err := r.db.Conn().GetContext(ctx, &creds, `SELECT * FROM credentials WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "CREDENTIALS_NOT_FOUND", errors.ClassNotFound)
	}
	return &creds, nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
