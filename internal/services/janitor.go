package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/signingdocumentflow/internal/deletion"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

// JanitorFunction removes staged objects and temporary documents that
// outlived the staging TTL. It covers what in-process session eviction
// cannot reach: objects in storage and records in Firestore.
type JanitorFunction struct {
	ttl          time.Duration
	layout       staging.Layout
	records      store.Records
	blobs        store.Blobs
	orchestrator *deletion.Orchestrator
	now          func() time.Time
}

func NewJanitor(ctx context.Context) (*JanitorFunction, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	backends, err := NewGCPBackends(ctx, config)
	if err != nil {
		return nil, err
	}
	slog.Info("Staging janitor initialized.", "bucket", config.Bucket, "stagingTtl", config.StagingTTL.String())
	return NewJanitorWith(config, backends, time.Now), nil
}

func NewJanitorWith(config Config, b Backends, now func() time.Time) *JanitorFunction {
	config = config.withDefaults()
	return &JanitorFunction{
		ttl:          config.StagingTTL,
		layout:       config.Layout(),
		records:      b.Records,
		blobs:        b.Blobs,
		orchestrator: deletion.New(b.Records, b.Blobs, config.Layout()),
		now:          now,
	}
}

// Sweep deletes stale temporary documents through the deletion orchestrator,
// then every staged object older than the TTL that no temporary document
// points at.
func (f *JanitorFunction) Sweep(ctx context.Context, e models.SweepEvent) (*models.SweepResult, error) {
	cutoff := f.now().Add(-f.ttl)
	logCtx := slog.With("cutoff", cutoff.Format(time.RFC3339), "dryRun", e.DryRun, "reason", e.Reason)
	logCtx.Info("Starting staging sweep.")

	docs, err := f.records.ListTemporaryDocuments(ctx, f.now())
	if err != nil {
		return nil, err
	}
	// objects owned by a document record are left to the orchestrator or
	// to the document's own lifecycle
	owned := map[string]bool{}
	var stale []models.Document
	for _, d := range docs {
		owned[f.layout.Resolve(d.FilePath)] = true
		if d.CreatedAt.Before(cutoff) {
			stale = append(stale, d)
		}
	}

	objects, err := f.blobs.List(ctx, f.layout.TempPrefix())
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, o := range objects {
		if o.Created.Before(cutoff) && !owned[o.Name] && f.layout.IsStaged(o.Name) {
			expired = append(expired, o.Name)
		}
	}

	result := &models.SweepResult{}
	if e.DryRun {
		result.DocumentsDeleted = len(stale)
		result.ObjectsDeleted = len(expired)
		logCtx.Info("Dry run complete.", "staleDocuments", len(stale), "expiredObjects", len(expired))
		return result, nil
	}

	var mu sync.Mutex
	warn := func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		result.Warnings = append(result.Warnings, msg)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for _, d := range stale {
		eg.Go(func() error {
			report, err := f.orchestrator.DeleteDocument(gctx, d.ID)
			if err != nil {
				logCtx.Warn("Failed to delete stale temporary document.", "documentId", d.ID, "error", err)
				warn(fmt.Sprintf("document %s: %v", d.ID, err))
				return nil
			}
			for _, w := range report.Warnings {
				warn(fmt.Sprintf("document %s: %s", d.ID, w))
			}
			mu.Lock()
			result.DocumentsDeleted++
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	eg, gctx = errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for _, name := range expired {
		eg.Go(func() error {
			if err := f.blobs.Delete(gctx, name); err != nil {
				logCtx.Warn("Failed to delete expired staged object.", "gcsObject", name, "error", err)
				warn(fmt.Sprintf("object %s: %v", name, err))
				return nil
			}
			mu.Lock()
			result.ObjectsDeleted++
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	logCtx.Info("Staging sweep complete.", "documentsDeleted", result.DocumentsDeleted,
		"objectsDeleted", result.ObjectsDeleted, "warningCount", len(result.Warnings))
	return result, nil
}
