package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/flatten"
	"github.com/Lllllllleong/signingdocumentflow/internal/gcp"
	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
	"github.com/Lllllllleong/signingdocumentflow/internal/merge"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/promotion"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
	"github.com/Lllllllleong/signingdocumentflow/internal/transport"
)

// Backends are the external collaborators of the functions.
type Backends struct {
	Records  store.Records
	Blobs    store.Blobs
	Protocol transport.Protocol
}

// NewGCPBackends connects to Firestore and GCS.
func NewGCPBackends(ctx context.Context, config Config) (Backends, error) {
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return Backends{}, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return Backends{}, err
	}
	protocol, err := gcp.NewResumableProtocol(ctx)
	if err != nil {
		return Backends{}, err
	}
	return Backends{
		Records:  gcp.NewRecordStore(firestoreClient),
		Blobs:    gcp.NewBlobStore(storageClient, config.Bucket),
		Protocol: protocol,
	}, nil
}

// ComposerFunction serves staging, merge, promotion, rotation, mapping and
// flatten requests. It owns the staging session store, so all of these must
// be served by the same instance.
type ComposerFunction struct {
	config    Config
	layout    staging.Layout
	records   store.Records
	blobs     store.Blobs
	protocol  transport.Protocol
	uploader  *transport.Uploader
	sessions  *staging.Store
	engine    *merge.Engine
	promoter  *promotion.Promoter
	flattener *flatten.Flattener
	now       func() time.Time
}

// NewComposer builds the composer from the environment.
func NewComposer(ctx context.Context) (*ComposerFunction, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	backends, err := NewGCPBackends(ctx, config)
	if err != nil {
		return nil, err
	}
	c := NewComposerWith(config, backends)
	slog.Info("Document composer initialized.", "bucket", config.Bucket, "prefix", config.Prefix, "stagingTtl", config.StagingTTL.String())
	return c, nil
}

// NewComposerWith wires the composer over the given backends.
func NewComposerWith(config Config, b Backends, opts ...staging.Option) *ComposerFunction {
	config = config.withDefaults()
	layout := config.Layout()
	sessions := staging.NewStore(config.StagingTTL, opts...)
	return &ComposerFunction{
		config:   config,
		layout:   layout,
		records:  b.Records,
		blobs:    b.Blobs,
		protocol: b.Protocol,
		uploader: transport.New(b.Protocol,
			transport.WithChunkSize(config.UploadChunkBytes),
			transport.WithMaxRetries(uint64(config.UploadMaxRetries)),
		),
		sessions: sessions,
		engine: merge.NewEngine(
			merge.WithMaxFiles(config.MaxMergeFiles),
			merge.WithMaxBytes(config.MaxMergeBytes),
			merge.WithOptimize(config.OptimizeMerged),
		),
		promoter:  promotion.New(sessions, b.Records, b.Blobs, layout, promotion.WithPublicURLBase(config.PublicURLBase)),
		flattener: flatten.New(nil),
		now:       time.Now,
	}
}

// Sessions exposes the staging store, for tests and diagnostics.
func (c *ComposerFunction) Sessions() *staging.Store { return c.sessions }

// StageInput is one body to push through the chunked transport.
type StageInput struct {
	SessionID      string
	FileName       string
	ContentType    string
	Data           []byte
	CreateDocument bool
}

// Stage uploads in.Data to a new staged object and records it in the session,
// creating the session when in.SessionID is empty.
func (c *ComposerFunction) Stage(ctx context.Context, in StageInput) (*models.StageUploadResponse, error) {
	if len(in.Data) == 0 {
		return nil, apperr.Validationf("upload body is empty")
	}
	if int64(len(in.Data)) > c.engine.MaxBytes() {
		return nil, &apperr.SizeLimitError{Total: int64(len(in.Data)), Limit: c.engine.MaxBytes()}
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	if in.ContentType == "" {
		in.ContentType = "application/pdf"
	}
	pageCount := 0
	if in.CreateDocument {
		n, err := merge.PageCount(in.Data)
		if err != nil {
			return nil, &apperr.InvalidSourceError{Path: in.FileName, Err: err}
		}
		pageCount = n
	}

	objectName := c.layout.StagedPath(in.SessionID, in.FileName)
	logCtx := slog.With("sessionId", in.SessionID, "gcsObject", objectName)
	logCtx.Info("Staging upload.", "sizeBytes", len(in.Data))

	target := transport.Target{Bucket: c.config.Bucket, Object: objectName, ContentType: in.ContentType, Size: int64(len(in.Data))}
	if _, err := c.uploader.Upload(ctx, bytes.NewReader(in.Data), target, func(p transport.Progress) {
		logCtx.Info("Upload progress.", "bytesUploaded", p.BytesUploaded, "bytesTotal", p.BytesTotal)
	}); err != nil {
		logCtx.Error("Staged upload failed", "error", err)
		return nil, err
	}

	blob := staging.Blob{RelativePath: objectName, SizeBytes: target.Size, ContentType: in.ContentType}
	if in.CreateDocument {
		docID, err := c.createTemporaryDocument(ctx, in.SessionID, objectName, in.FileName, target.Size, pageCount)
		if err != nil {
			logCtx.Error("Failed to create temporary document", "error", err)
			return nil, err
		}
		blob.DocumentID = docID
	}
	if _, err := c.sessions.Put(in.SessionID, blob); err != nil {
		return nil, err
	}

	resp := &models.StageUploadResponse{
		Success:     true,
		SessionID:   in.SessionID,
		Path:        objectName,
		SizeBytes:   target.Size,
		ContentType: in.ContentType,
		DocumentID:  blob.DocumentID,
	}
	if in.CreateDocument {
		resp.PageCount = pageCount
	}
	return resp, nil
}

// StartStaged opens a resumable upload session the client uploads to
// directly. The object is added to the staging session by CompleteStaged.
func (c *ComposerFunction) StartStaged(ctx context.Context, req models.StartStagedUploadRequest) (*models.StartStagedUploadResponse, error) {
	if req.SizeBytes <= 0 {
		return nil, apperr.Validationf("sizeBytes must be positive")
	}
	if req.SizeBytes > c.engine.MaxBytes() {
		return nil, &apperr.SizeLimitError{Total: req.SizeBytes, Limit: c.engine.MaxBytes()}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.ContentType == "" {
		req.ContentType = "application/pdf"
	}
	objectName := c.layout.StagedPath(req.SessionID, req.FileName)

	uri, err := c.protocol.Create(ctx, transport.Target{Bucket: c.config.Bucket, Object: objectName, ContentType: req.ContentType, Size: req.SizeBytes})
	if err != nil {
		slog.Error("Failed to open resumable session", "sessionId", req.SessionID, "gcsObject", objectName, "error", err)
		return nil, &apperr.TransportError{Op: "create upload session", Retryable: transport.Retryable(err), Err: err}
	}
	return &models.StartStagedUploadResponse{
		Success:   true,
		SessionID: req.SessionID,
		Path:      objectName,
		UploadURL: uri,
		ChunkSize: c.config.UploadChunkBytes,
	}, nil
}

// CompleteStaged adds a directly uploaded object to its staging session.
func (c *ComposerFunction) CompleteStaged(ctx context.Context, req models.CompleteStagedUploadRequest) (*models.StageUploadResponse, error) {
	if req.SessionID == "" || req.Path == "" {
		return nil, apperr.Validationf("sessionId and path are required")
	}
	if id, ok := c.layout.SessionOf(req.Path); !ok || id != req.SessionID {
		return nil, apperr.Validationf("%q is not staged in session %q", req.Path, req.SessionID)
	}
	info, err := c.blobs.Attrs(ctx, req.Path)
	if err != nil {
		return nil, err
	}

	pageCount := 0
	if req.CreateDocument {
		data, err := c.blobs.Download(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		if pageCount, err = merge.PageCount(data); err != nil {
			return nil, &apperr.InvalidSourceError{Path: req.Path, Err: err}
		}
	}

	blob := staging.Blob{RelativePath: req.Path, SizeBytes: info.Size, ContentType: info.ContentType}
	if req.CreateDocument {
		fileName := req.FileName
		if fileName == "" {
			fileName = staging.SanitizeFileName(req.Path)
		}
		docID, err := c.createTemporaryDocument(ctx, req.SessionID, req.Path, fileName, info.Size, pageCount)
		if err != nil {
			return nil, err
		}
		blob.DocumentID = docID
	}
	if _, err := c.sessions.Put(req.SessionID, blob); err != nil {
		return nil, err
	}
	resp := &models.StageUploadResponse{
		Success:     true,
		SessionID:   req.SessionID,
		Path:        req.Path,
		SizeBytes:   info.Size,
		ContentType: info.ContentType,
		DocumentID:  blob.DocumentID,
	}
	if req.CreateDocument {
		resp.PageCount = pageCount
	}
	return resp, nil
}

func (c *ComposerFunction) createTemporaryDocument(ctx context.Context, sessionID, objectName, fileName string, size int64, pageCount int) (string, error) {
	return c.records.CreateDocument(ctx, &models.Document{
		FilePath:  objectName,
		FileName:  fileName,
		FileSize:  size,
		PageCount: pageCount,
		Temporary: true,
		SessionID: sessionID,
		CreatedAt: c.now(),
	})
}

// Merge combines staged sources of one session, in request order, into a
// merge result held in the session until it is promoted.
func (c *ComposerFunction) Merge(ctx context.Context, req models.MergeRequest) (*models.MergeResponse, error) {
	if err := c.engine.Check(len(req.SourcePaths), 0); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, apperr.Validationf("sessionId is required")
	}
	sess, err := c.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	logCtx := slog.With("sessionId", req.SessionID, "sourceCount", len(req.SourcePaths))

	sources := make([]merge.Source, len(req.SourcePaths))
	var total int64
	for i, p := range req.SourcePaths {
		blob, ok := sess.Blob(p)
		if !ok {
			return nil, apperr.Validationf("%q is not staged in session %q", p, req.SessionID)
		}
		rotation, err := pageRotations(req.Rotations[p])
		if err != nil {
			return nil, apperr.Validationf("%s: %v", p, err)
		}
		sources[i] = merge.Source{Name: p, Rotation: rotation}
		total += blob.SizeBytes
	}
	if err := c.engine.Check(len(sources), total); err != nil {
		return nil, err
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for i := range sources {
		eg.Go(func() error {
			data, err := c.blobs.Download(gctx, sources[i].Name)
			if err != nil {
				return fmt.Errorf("failed to download %s: %w", sources[i].Name, err)
			}
			sources[i].Data = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logCtx.Error("Failed to download staged sources", "error", err)
		return nil, err
	}

	out, err := c.engine.Merge(ctx, sources)
	if err != nil {
		logCtx.Error("Merge failed", "error", err)
		return nil, err
	}

	res := staging.Result{
		ID:           uuid.NewString(),
		FileName:     req.OutputName,
		Bytes:        out.Bytes,
		TotalPages:   out.TotalPages,
		OriginalSize: out.OriginalSize,
		Optimized:    out.Optimized,
	}
	if err := c.sessions.SetResult(req.SessionID, res); err != nil {
		return nil, err
	}
	logCtx.Info("Merge result ready for promotion.", "tempResultId", res.ID, "totalPages", out.TotalPages)

	return &models.MergeResponse{
		Success:      true,
		TotalPages:   out.TotalPages,
		FileSize:     int64(len(out.Bytes)),
		TempResultID: res.ID,
		CompressionInfo: &models.CompressionInfo{
			OriginalSize: out.OriginalSize,
			FinalSize:    int64(len(out.Bytes)),
			Optimized:    out.Optimized,
		},
	}, nil
}

func pageRotations(raw map[string]int) (map[int]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[int]int, len(raw))
	for k, deg := range raw {
		page, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("rotation key %q is not a page number", k)
		}
		out[page] = deg
	}
	return out, nil
}

// Promote persists a merge result or a temporary document.
func (c *ComposerFunction) Promote(ctx context.Context, req models.PromoteRequest) (*models.PromoteResponse, error) {
	var (
		p   *promotion.Promoted
		err error
	)
	switch {
	case req.TempResultID != "":
		p, err = c.promoter.PromoteResult(ctx, req.TempResultID, req.FileName)
	case req.DocumentID != "":
		p, err = c.promoter.PromoteDocument(ctx, req.DocumentID, req.FileName)
	default:
		return nil, apperr.Validationf("tempResultId or documentId is required")
	}
	if err != nil {
		return nil, err
	}
	return &models.PromoteResponse{
		Success:    true,
		DocumentID: p.DocumentID,
		FilePath:   p.FilePath,
		PublicURL:  p.PublicURL,
		TotalPages: p.TotalPages,
	}, nil
}

// Rotate adds req.Degrees to the stored rotation of the requested pages, or
// of every page when none are given.
func (c *ComposerFunction) Rotate(ctx context.Context, req models.RotateRequest) (*models.RotateResponse, error) {
	if req.DocumentID == "" {
		return nil, apperr.Validationf("documentId is required")
	}
	if _, err := geometry.NormalizeRotation(req.Degrees); err != nil {
		return nil, apperr.Validationf("%v", err)
	}
	doc, err := c.records.UpdateRotation(ctx, req.DocumentID, func(doc *models.Document) error {
		var pages []int
		if len(req.Pages) == 0 {
			for p := 1; p <= doc.PageCount; p++ {
				pages = append(pages, p)
			}
		}
		seen := make(map[int]bool, len(req.Pages))
		for _, p := range req.Pages {
			if !seen[p] {
				seen[p] = true
				pages = append(pages, p)
			}
		}
		if doc.Rotation == nil {
			doc.Rotation = map[string]int{}
		}
		for _, p := range pages {
			if p < 1 || (doc.PageCount > 0 && p > doc.PageCount) {
				return apperr.Validationf("page %d outside 1..%d", p, doc.PageCount)
			}
			next, err := geometry.AddRotation(doc.PageRotation(p), req.Degrees)
			if err != nil {
				return apperr.Validationf("page %d: %v", p, err)
			}
			key := strconv.Itoa(p)
			if next == 0 {
				delete(doc.Rotation, key)
			} else {
				doc.Rotation[key] = next
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Rotated document pages.", "documentId", req.DocumentID, "degrees", req.Degrees, "pageCount", len(req.Pages))
	rotation := doc.Rotation
	if rotation == nil {
		rotation = map[string]int{}
	}
	return &models.RotateResponse{Success: true, Rotation: rotation}, nil
}

// SaveMapping validates editor field payloads against the document's
// intrinsic page sizes and stores them as a signature mapping.
func (c *ComposerFunction) SaveMapping(ctx context.Context, req models.SaveMappingRequest) (*models.SaveMappingResponse, error) {
	if req.DocumentID == "" {
		return nil, apperr.Validationf("documentId is required")
	}
	if len(req.Fields) == 0 {
		return nil, apperr.Validationf("at least one field is required")
	}
	doc, err := c.records.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	pages, err := c.pageSizes(ctx, doc)
	if err != nil {
		return nil, err
	}
	fields, err := geometry.ParseFields(req.Fields, pages)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}

	id, err := c.records.CreateMapping(ctx, &models.SignatureMapping{
		DocumentID: req.DocumentID,
		Fields:     fields,
		IsTemplate: req.IsTemplate,
		CreatedAt:  c.now(),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Saved signature mapping.", "documentId", req.DocumentID, "mappingId", id, "fieldCount", len(fields))
	return &models.SaveMappingResponse{Success: true, MappingID: id, FieldCount: len(fields)}, nil
}

// Flatten stamps the signer's signature image into the document and returns
// the resulting PDF and its file name.
func (c *ComposerFunction) Flatten(ctx context.Context, req models.FlattenRequest) ([]byte, string, error) {
	if req.DocumentID == "" {
		return nil, "", apperr.Validationf("documentId is required")
	}
	if req.SignerIndex < 0 {
		return nil, "", apperr.Validationf("signerIndex must not be negative")
	}
	doc, err := c.records.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, "", err
	}
	mappings, err := c.records.ListMappings(ctx, req.DocumentID)
	if err != nil {
		return nil, "", err
	}
	mapping, ok := latestMapping(mappings)
	if !ok {
		return nil, "", apperr.NotFound("signature mapping", req.DocumentID)
	}

	imagePath := req.ImagePath
	if imagePath == "" {
		sig, err := c.records.FindSignature(ctx, req.DocumentID, req.SignerIndex)
		if err != nil {
			return nil, "", err
		}
		imagePath = sig.ImagePath
	}
	img, err := c.blobs.Download(ctx, c.layout.Resolve(imagePath))
	if err != nil {
		return nil, "", err
	}
	pdf, err := c.blobs.Download(ctx, c.layout.Resolve(doc.FilePath))
	if err != nil {
		return nil, "", err
	}

	out, err := c.flattener.Flatten(ctx, flatten.Input{
		PDF:         pdf,
		Image:       img,
		Fields:      mapping.Fields,
		SignerIndex: req.SignerIndex,
		Rotation:    doc.Rotations(),
	})
	if err != nil {
		slog.Error("Flatten failed", "documentId", req.DocumentID, "error", err)
		return nil, "", err
	}
	return out, doc.FileName, nil
}

// ViewMapping lays out the latest mapping of a document for a viewer that
// shows every page at its stored rotation.
func (c *ComposerFunction) ViewMapping(ctx context.Context, req models.ViewMappingRequest) (*models.ViewMappingResponse, error) {
	if req.DocumentID == "" {
		return nil, apperr.Validationf("documentId is required")
	}
	zoom := req.Zoom
	if zoom == 0 {
		zoom = 1
	}
	if zoom < 0 {
		return nil, apperr.Validationf("zoom must be positive")
	}
	doc, err := c.records.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	mappings, err := c.records.ListMappings(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	mapping, ok := latestMapping(mappings)
	if !ok {
		return nil, apperr.NotFound("signature mapping", req.DocumentID)
	}
	pages, err := c.pageSizes(ctx, doc)
	if err != nil {
		return nil, err
	}

	fields := make([]models.ViewField, 0, len(mapping.Fields))
	for i, f := range mapping.Fields {
		size, ok := pages.PageSize(f.Page)
		if !ok {
			return nil, fmt.Errorf("mapping %s field %d: page %d outside 1..%d", mapping.ID, i, f.Page, pages.PageCount())
		}
		rotation := doc.PageRotation(f.Page)
		view, err := flatten.ViewRect(f, size, rotation, zoom)
		if err != nil {
			return nil, fmt.Errorf("mapping %s field %d: %w", mapping.ID, i, err)
		}
		fields = append(fields, models.ViewField{Field: f, Rotation: rotation, View: view})
	}
	return &models.ViewMappingResponse{Success: true, MappingID: mapping.ID, Fields: fields}, nil
}

// latestMapping prefers the newest non-template mapping.
func latestMapping(mappings []models.SignatureMapping) (models.SignatureMapping, bool) {
	if len(mappings) == 0 {
		return models.SignatureMapping{}, false
	}
	sorted := append([]models.SignatureMapping(nil), mappings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsTemplate != sorted[j].IsTemplate {
			return !sorted[i].IsTemplate
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0], true
}

func (c *ComposerFunction) pageSizes(ctx context.Context, doc *models.Document) (geometry.Pages, error) {
	data, err := c.blobs.Download(ctx, c.layout.Resolve(doc.FilePath))
	if err != nil {
		return nil, err
	}
	pages, err := merge.PageSizes(data)
	if err != nil {
		return nil, &apperr.InvalidSourceError{Path: doc.FilePath, Err: err}
	}
	return pages, nil
}
