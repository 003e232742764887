// Package deletion removes a document together with every row that depends on
// it, children before parents, and finally its storage object and record.
//
// The walk is not transactional. Failures of advisory branches (annotations,
// the storage object) are returned as warnings; failure to delete the
// document record itself is a FatalError because earlier steps already ran.
package deletion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

// Records is the part of the relational store the orchestrator needs.
type Records interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	FindIDs(ctx context.Context, collection, field, value string) ([]string, error)
	DeleteIDs(ctx context.Context, collection string, ids []string) error
	DeleteDocument(ctx context.Context, id string) error
}

// Report is the outcome of a successful deletion.
type Report struct {
	DocumentID string
	Warnings   []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGraph replaces DocumentGraph.
func WithGraph(g []Dependent) Option {
	return func(o *Orchestrator) { o.graph = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator executes deletions. It keeps no state between calls.
type Orchestrator struct {
	records Records
	blobs   store.Blobs
	layout  staging.Layout
	graph   []Dependent
	logger  *slog.Logger
}

func New(records Records, blobs store.Blobs, layout staging.Layout, opts ...Option) *Orchestrator {
	o := &Orchestrator{records: records, blobs: blobs, layout: layout, graph: DocumentGraph}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// DeleteDocument runs the deletion of documentID. Each step runs once, in
// order; nothing is retried.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) (*Report, error) {
	if documentID == "" {
		return nil, apperr.Validationf("document id is required")
	}
	logCtx := o.logger.With("documentId", documentID)

	doc, err := o.records.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	report := &Report{DocumentID: documentID}

	if err := o.deleteDependents(ctx, logCtx, o.graph, documentID, report); err != nil {
		logCtx.Error("Failed to delete document dependents", "error", err)
		return nil, err
	}

	if doc.FilePath != "" {
		objectName := o.layout.Resolve(doc.FilePath)
		if err := o.blobs.Delete(ctx, objectName); err != nil {
			msg := fmt.Sprintf("storage object %s was not removed: %v", objectName, err)
			logCtx.Warn("Failed to delete storage object, continuing.", "gcsObject", objectName, "error", err)
			report.Warnings = append(report.Warnings, msg)
		} else {
			logCtx.Info("Deleted storage object.", "gcsObject", objectName)
		}
	}

	if err := o.records.DeleteDocument(ctx, documentID); err != nil {
		logCtx.Error("CRITICAL: Failed to delete document record after its dependents were removed.", "error", err)
		return nil, &apperr.FatalError{Step: "delete document record", Err: err}
	}

	logCtx.Info("Document deleted.", "warningCount", len(report.Warnings))
	return report, nil
}

func (o *Orchestrator) deleteDependents(ctx context.Context, logCtx *slog.Logger, deps []Dependent, parentID string, report *Report) error {
	for _, dep := range deps {
		n, err := o.deleteDependent(ctx, logCtx, dep, parentID, report)
		if err != nil {
			if dep.Advisory {
				logCtx.Warn("Failed to delete advisory dependents, continuing.", "collection", dep.Collection, "error", err)
				report.Warnings = append(report.Warnings, fmt.Sprintf("%s were not removed: %v", dep.Collection, err))
				continue
			}
			return fmt.Errorf("failed to delete %s: %w", dep.Collection, err)
		}
		if n > 0 {
			logCtx.Info("Deleted dependents.", "collection", dep.Collection, "count", n)
		}
	}
	return nil
}

func (o *Orchestrator) deleteDependent(ctx context.Context, logCtx *slog.Logger, dep Dependent, parentID string, report *Report) (int, error) {
	ids, err := o.records.FindIDs(ctx, dep.Collection, dep.ForeignKey, parentID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	for _, id := range ids {
		if err := o.deleteDependents(ctx, logCtx, dep.Children, id, report); err != nil {
			return 0, err
		}
	}
	if err := o.records.DeleteIDs(ctx, dep.Collection, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
