// Package promotion moves staged artifacts into permanent storage and marks
// their document records non-temporary.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

const DefaultPublicURLBase = "https://storage.googleapis.com"

// Promoted describes a persisted document.
type Promoted struct {
	DocumentID string
	FilePath   string
	PublicURL  string
	TotalPages int
	FileSize   int64
}

type Option func(*Promoter)

func WithPublicURLBase(base string) Option {
	return func(p *Promoter) { p.publicBase = base }
}

// WithClock replaces time.Now when naming permanent objects.
func WithClock(now func() time.Time) Option {
	return func(p *Promoter) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Promoter) { p.logger = l }
}

// Promoter persists merge results and staged documents.
type Promoter struct {
	sessions   *staging.Store
	records    store.Records
	blobs      store.Blobs
	layout     staging.Layout
	publicBase string
	now        func() time.Time
	logger     *slog.Logger
}

func New(sessions *staging.Store, records store.Records, blobs store.Blobs, layout staging.Layout, opts ...Option) *Promoter {
	p := &Promoter{
		sessions:   sessions,
		records:    records,
		blobs:      blobs,
		layout:     layout,
		publicBase: DefaultPublicURLBase,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// PromoteResult writes the merge result resultID to a permanent object named
// after fileName and creates its document record. The session is taken out
// of the staging store first; if persisting fails it is put back so the
// client can try again.
func (p *Promoter) PromoteResult(ctx context.Context, resultID, fileName string) (*Promoted, error) {
	if resultID == "" {
		return nil, apperr.Validationf("tempResultId is required")
	}
	sess, res, err := p.sessions.Take(resultID)
	if err != nil {
		return nil, err
	}
	if fileName == "" {
		fileName = res.FileName
	}
	if fileName == "" {
		fileName = "merged.pdf"
	}
	logCtx := p.logger.With("sessionId", sess.ID, "tempResultId", resultID)

	restore := func() {
		if !p.sessions.Restore(sess, res) {
			logCtx.Warn("Merge result could not be restored after failed promotion.")
		}
	}

	objectName, err := p.uploadOnce(ctx, logCtx, p.layout.PermanentPath(fileName, p.now()), res.Bytes)
	if err != nil {
		restore()
		return nil, err
	}

	doc := &models.Document{
		FilePath:  objectName,
		FileName:  ensurePDFName(fileName),
		FileSize:  int64(len(res.Bytes)),
		PageCount: res.TotalPages,
		Temporary: false,
		CreatedAt: p.now(),
	}
	docID, err := p.records.CreateDocument(ctx, doc)
	if err != nil {
		if delErr := p.blobs.Delete(ctx, objectName); delErr != nil {
			logCtx.Warn("Failed to remove object of unrecorded document.", "gcsObject", objectName, "error", delErr)
		}
		restore()
		return nil, fmt.Errorf("failed to create document record: %w", err)
	}

	p.dropStagedSources(ctx, logCtx, sess)
	logCtx.Info("Promoted merge result.", "documentId", docID, "gcsObject", objectName, "totalPages", res.TotalPages)
	return &Promoted{
		DocumentID: docID,
		FilePath:   objectName,
		PublicURL:  p.layout.PublicURL(p.publicBase, objectName),
		TotalPages: res.TotalPages,
		FileSize:   doc.FileSize,
	}, nil
}

// PromoteDocument moves a temporary document's object out of its session
// folder and marks the record permanent. A non-empty fileName renames it.
func (p *Promoter) PromoteDocument(ctx context.Context, documentID, fileName string) (*Promoted, error) {
	if documentID == "" {
		return nil, apperr.Validationf("documentId is required")
	}
	logCtx := p.logger.With("documentId", documentID)

	doc, err := p.records.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Temporary {
		return nil, apperr.Validationf("document %q is not temporary", documentID)
	}
	from := p.layout.Resolve(doc.FilePath)
	to, err := p.layout.Promote(from)
	if err != nil {
		return nil, apperr.Validationf("document %q is not staged: %v", documentID, err)
	}

	to, err = p.moveOnce(ctx, logCtx, from, to)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"filePath": to, "temporary": false}
	if fileName != "" {
		fields["fileName"] = ensurePDFName(fileName)
	}
	if err := p.records.UpdateDocument(ctx, documentID, fields); err != nil {
		if backErr := p.blobs.Move(ctx, to, from); backErr != nil {
			logCtx.Error("Failed to move object back after record update failed.", "gcsObject", to, "error", backErr)
		}
		return nil, fmt.Errorf("failed to mark document permanent: %w", err)
	}

	logCtx.Info("Promoted temporary document.", "gcsObject", to)
	return &Promoted{
		DocumentID: documentID,
		FilePath:   to,
		PublicURL:  p.layout.PublicURL(p.publicBase, to),
		TotalPages: doc.PageCount,
		FileSize:   doc.FileSize,
	}, nil
}

// uploadOnce uploads data to objectName and, on a name collision, once more
// to a disambiguated name.
func (p *Promoter) uploadOnce(ctx context.Context, logCtx *slog.Logger, objectName string, data []byte) (string, error) {
	err := p.blobs.Upload(ctx, objectName, data, "application/pdf")
	if errors.Is(err, store.ErrObjectExists) {
		retryName := p.layout.Disambiguate(objectName)
		logCtx.Warn("Object name taken, retrying with a disambiguated name.", "gcsObject", objectName, "retryObject", retryName)
		objectName = retryName
		err = p.blobs.Upload(ctx, objectName, data, "application/pdf")
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectName, err)
	}
	return objectName, nil
}

func (p *Promoter) moveOnce(ctx context.Context, logCtx *slog.Logger, from, to string) (string, error) {
	err := p.blobs.Move(ctx, from, to)
	if errors.Is(err, store.ErrObjectExists) {
		retryName := p.layout.Disambiguate(to)
		logCtx.Warn("Object name taken, retrying with a disambiguated name.", "gcsObject", to, "retryObject", retryName)
		to = retryName
		err = p.blobs.Move(ctx, from, to)
	}
	if err != nil {
		return "", fmt.Errorf("failed to move %s: %w", from, err)
	}
	return to, nil
}

// dropStagedSources removes the session's staged objects. Objects owned by a
// temporary Document stay with it. The janitor catches anything left behind.
func (p *Promoter) dropStagedSources(ctx context.Context, logCtx *slog.Logger, sess staging.Session) {
	for _, b := range sess.Blobs {
		if b.DocumentID != "" {
			continue
		}
		if err := p.blobs.Delete(ctx, b.RelativePath); err != nil {
			logCtx.Warn("Failed to delete staged source.", "gcsObject", b.RelativePath, "error", err)
		}
	}
}

func ensurePDFName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return name
	}
	return name + ".pdf"
}
