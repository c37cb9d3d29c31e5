// Package gcworker periodically reclaims blob storage that no
// document references: any object in the blob store older than the
// configured grace period with no matching content_id in the document
// table is deleted (spec §4.7).
package gcworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// Report summarizes one GC pass.
type Report struct {
	Scanned        int
	Deleted        int
	ReclaimedBytes int64
	Errors         int
}

// Worker runs the periodic GC sweep.
type Worker struct {
	blobStore *blob.Store
	documents *documents.Repository
	cfg       config.GCConfig
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu   sync.Mutex
	last *Report
}

// New builds a Worker.
func New(blobStore *blob.Store, documentsRepo *documents.Repository, cfg config.GCConfig, logger observability.Logger, metrics observability.MetricsClient) *Worker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Worker{blobStore: blobStore, documents: documentsRepo, cfg: cfg, logger: logger, metrics: metrics}
}

// Run ticks at cfg.IntervalMinutes (default 60) until ctx is canceled,
// running one Sweep per tick and logging its report.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("gc: starting worker", map[string]interface{}{"interval": interval.String()})

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("gc: worker stopping", nil)
			return ctx.Err()
		case <-ticker.C:
			report, err := w.Sweep(ctx)
			if err != nil {
				w.logger.Error("gc: sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			w.logger.Info("gc: sweep complete", map[string]interface{}{
				"scanned":         report.Scanned,
				"deleted":         report.Deleted,
				"reclaimed_bytes": report.ReclaimedBytes,
				"errors":          report.Errors,
			})
			w.metrics.RecordGauge("gc_scanned_total", float64(report.Scanned), nil)
			w.metrics.RecordGauge("gc_deleted_total", float64(report.Deleted), nil)
			w.metrics.RecordGauge("gc_reclaimed_bytes_total", float64(report.ReclaimedBytes), nil)
		}
	}
}

// Sweep lists every blob, deletes those older than the grace period
// with no referencing document, and returns a report.
func (w *Worker) Sweep(ctx context.Context) (*Report, error) {
	gracePeriod := time.Duration(w.cfg.GracePeriodHours) * time.Hour
	if gracePeriod <= 0 {
		gracePeriod = 24 * time.Hour
	}
	cutoff := time.Now().Add(-gracePeriod)

	referenced, err := w.documents.ReferencedContentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: load referenced content ids: %w", err)
	}

	objects, err := w.blobStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: list blobs: %w", err)
	}

	report := &Report{Scanned: len(objects)}
	for _, obj := range selectOrphans(objects, referenced, cutoff) {
		if err := w.blobStore.Delete(ctx, obj.ContentID); err != nil {
			w.logger.Warn("gc: failed to delete orphan blob", map[string]interface{}{
				"content_id": string(obj.ContentID),
				"error":      err.Error(),
			})
			report.Errors++
			continue
		}
		report.Deleted++
		report.ReclaimedBytes += obj.Size
	}

	w.mu.Lock()
	w.last = report
	w.mu.Unlock()

	return report, nil
}

// LastReport returns the most recently completed sweep's report, or
// nil if no sweep has run yet, backing GET /admin/gc/stats without
// triggering a fresh (and possibly slow) sweep.
func (w *Worker) LastReport() *Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// selectOrphans returns the objects that are old enough (last
// modified before cutoff) and have no entry in referenced.
func selectOrphans(objects []blob.Object, referenced map[string]struct{}, cutoff time.Time) []blob.Object {
	var orphans []blob.Object
	for _, obj := range objects {
		if _, ok := referenced[string(obj.ContentID)]; ok {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		orphans = append(orphans, obj)
	}
	return orphans
}
