package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/pdftest"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
)

func TestStageMergePromote(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)

	var paths []string
	for _, name := range []string{"A.pdf", "B.pdf"} {
		rec := stageRaw(t, c, "S1", name, pdftest.Minimal(name), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var staged models.StageUploadResponse
		require.NoError(t, jsonDecode(rec.Body.Bytes(), &staged))
		assert.True(t, staged.Success)
		assert.Equal(t, "S1", staged.SessionID)
		assert.True(t, strings.HasPrefix(staged.Path, "documents/temp-S1/"))
		assert.True(t, b.blobs.Exists(staged.Path))
		paths = append(paths, staged.Path)
	}

	var merged models.MergeResponse
	code := call(t, c.HandleMerge, models.MergeRequest{SessionID: "S1", SourcePaths: paths, OutputName: "combined.pdf"}, &merged)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, merged.Success)
	assert.Equal(t, 2, merged.TotalPages)
	assert.NotEmpty(t, merged.TempResultID)
	assert.NotEqual(t, "S1", merged.TempResultID)
	require.NotNil(t, merged.CompressionInfo)
	assert.Equal(t, merged.FileSize, merged.CompressionInfo.FinalSize)

	var promoted models.PromoteResponse
	code = call(t, c.HandlePromote, models.PromoteRequest{TempResultID: merged.TempResultID, FileName: "combined.pdf"}, &promoted)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, promoted.Success)
	assert.Equal(t, 2, promoted.TotalPages)

	doc, err := b.records.GetDocument(context.Background(), promoted.DocumentID)
	require.NoError(t, err)
	assert.False(t, doc.Temporary)
	assert.Equal(t, promoted.FilePath, doc.FilePath)
	assert.True(t, strings.HasPrefix(promoted.PublicURL, "https://storage.googleapis.com/signing-docs/documents/"))
	assert.Equal(t, doc.FilePath, c.layout.Resolve(promoted.PublicURL))
	assert.True(t, b.blobs.Exists(doc.FilePath))

	// promotion consumed the result
	var failed models.ErrorResponse
	code = call(t, c.HandlePromote, models.PromoteRequest{TempResultID: merged.TempResultID, FileName: "combined.pdf"}, &failed)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, failed.Success)
}

func TestMergeValidatesBeforeAnyStorageCall(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	calls := 0
	b.blobs.Fail = func(op, _ string) error {
		calls++
		return nil
	}

	for _, n := range []int{0, 1, 21} {
		paths := make([]string, n)
		for i := range paths {
			paths[i] = "documents/temp-S1/x.pdf"
		}
		var res models.ErrorResponse
		code := call(t, c.HandleMerge, models.MergeRequest{SessionID: "S1", SourcePaths: paths}, &res)
		assert.Equal(t, http.StatusBadRequest, code, "n=%d", n)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	}
	assert.Zero(t, calls)
}

func TestMergeRejectsOversizedInputBeforeDownload(t *testing.T) {
	b := newBackends()
	config := testConfig()
	config.MaxMergeBytes = 1000
	c := NewComposerWith(config, b.Backends)
	for _, p := range []string{"documents/temp-S1/a.pdf", "documents/temp-S1/b.pdf"} {
		_, err := c.Sessions().Put("S1", staging.Blob{RelativePath: p, SizeBytes: 600})
		require.NoError(t, err)
	}
	downloads := 0
	b.blobs.Fail = func(op, _ string) error {
		if op == "download" {
			downloads++
		}
		return nil
	}

	_, err := c.Merge(context.Background(), models.MergeRequest{SessionID: "S1", SourcePaths: []string{"documents/temp-S1/a.pdf", "documents/temp-S1/b.pdf"}})
	var sizeErr *apperr.SizeLimitError
	require.ErrorAs(t, err, &sizeErr)
	assert.EqualValues(t, 1200, sizeErr.Total)
	assert.Zero(t, downloads)
}

func TestMergeErrors(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()

	_, err := c.Merge(ctx, models.MergeRequest{SessionID: "nope", SourcePaths: []string{"a", "b"}})
	assert.True(t, apperr.IsNotFound(err))

	good := stageRaw(t, c, "S1", "good.pdf", pdftest.Minimal("good"), nil)
	require.Equal(t, http.StatusOK, good.Code)
	bad := stageRaw(t, c, "S1", "bad.pdf", []byte("not a pdf at all"), nil)
	require.Equal(t, http.StatusOK, bad.Code)
	sess, err := c.Sessions().Get("S1")
	require.NoError(t, err)
	goodPath, badPath := sess.Blobs[0].RelativePath, sess.Blobs[1].RelativePath

	_, err = c.Merge(ctx, models.MergeRequest{SessionID: "S1", SourcePaths: []string{goodPath, "documents/temp-S2/other.pdf"}})
	assert.True(t, apperr.IsValidation(err))

	var res models.ErrorResponse
	code := call(t, c.HandleMerge, models.MergeRequest{SessionID: "S1", SourcePaths: []string{goodPath, badPath}}, &res)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, res.Error, badPath)

	_, err = c.Merge(ctx, models.MergeRequest{
		SessionID:   "S1",
		SourcePaths: []string{goodPath, goodPath},
		Rotations:   map[string]map[string]int{goodPath: {"first": 90}},
	})
	assert.True(t, apperr.IsValidation(err))
}

func TestMergeAgainReplacesResult(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()
	var paths []string
	for _, name := range []string{"a.pdf", "b.pdf"} {
		res, err := c.Stage(ctx, StageInput{SessionID: "S1", FileName: name, Data: pdftest.Minimal(name)})
		require.NoError(t, err)
		paths = append(paths, res.Path)
	}

	first, err := c.Merge(ctx, models.MergeRequest{SessionID: "S1", SourcePaths: paths})
	require.NoError(t, err)
	second, err := c.Merge(ctx, models.MergeRequest{
		SessionID:   "S1",
		SourcePaths: []string{paths[1], paths[0]},
		Rotations:   map[string]map[string]int{paths[0]: {"1": 90}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.TempResultID, second.TempResultID)

	_, err = c.Sessions().Result(first.TempResultID)
	assert.True(t, apperr.IsNotFound(err))
	_, err = c.Sessions().Result(second.TempResultID)
	assert.NoError(t, err)
}

func TestStageRejectsEmptyBody(t *testing.T) {
	c := NewComposerWith(testConfig(), newBackends().Backends)
	rec := stageRaw(t, c, "S1", "a.pdf", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptestGet(c.HandleStageUpload)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStagedDocumentPromotion(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)

	rec := stageRaw(t, c, "", "Offer Letter.pdf", pdftest.Minimal("offer", geometry.Size{Width: 612, Height: 792}, geometry.Size{Width: 612, Height: 792}),
		url.Values{"createDocument": {"true"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var staged models.StageUploadResponse
	require.NoError(t, jsonDecode(rec.Body.Bytes(), &staged))
	assert.NotEmpty(t, staged.SessionID)
	require.NotEmpty(t, staged.DocumentID)
	assert.Equal(t, 2, staged.PageCount)

	doc, err := b.records.GetDocument(context.Background(), staged.DocumentID)
	require.NoError(t, err)
	assert.True(t, doc.Temporary)

	var promoted models.PromoteResponse
	code := call(t, c.HandlePromote, models.PromoteRequest{DocumentID: staged.DocumentID}, &promoted)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, promoted.FilePath, staging.TempMarker)
	assert.False(t, b.blobs.Exists(staged.Path))
	assert.True(t, b.blobs.Exists(promoted.FilePath))

	doc, err = b.records.GetDocument(context.Background(), staged.DocumentID)
	require.NoError(t, err)
	assert.False(t, doc.Temporary)

	code = call(t, c.HandlePromote, models.PromoteRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMergePromotionKeepsDocumentOwnedSources(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()
	letter := geometry.Size{Width: 612, Height: 792}

	rec := stageRaw(t, c, "S1", "a.pdf", pdftest.Minimal("a", letter), url.Values{"createDocument": {"true"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a models.StageUploadResponse
	require.NoError(t, jsonDecode(rec.Body.Bytes(), &a))
	require.NotEmpty(t, a.DocumentID)

	rec = stageRaw(t, c, "S1", "b.pdf", pdftest.Minimal("b", letter), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bb models.StageUploadResponse
	require.NoError(t, jsonDecode(rec.Body.Bytes(), &bb))
	assert.Empty(t, bb.DocumentID)

	var merged models.MergeResponse
	code := call(t, c.HandleMerge, models.MergeRequest{SessionID: "S1", SourcePaths: []string{a.Path, bb.Path}}, &merged)
	require.Equal(t, http.StatusOK, code)

	var promoted models.PromoteResponse
	code = call(t, c.HandlePromote, models.PromoteRequest{TempResultID: merged.TempResultID, FileName: "both.pdf"}, &promoted)
	require.Equal(t, http.StatusOK, code)

	// the unowned source goes, the temporary document keeps its object
	assert.False(t, b.blobs.Exists(bb.Path))
	assert.True(t, b.blobs.Exists(a.Path))
	doc, err := b.records.GetDocument(ctx, a.DocumentID)
	require.NoError(t, err)
	assert.True(t, doc.Temporary)

	var promotedDoc models.PromoteResponse
	code = call(t, c.HandlePromote, models.PromoteRequest{DocumentID: a.DocumentID}, &promotedDoc)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, b.blobs.Exists(promotedDoc.FilePath))
	assert.False(t, b.blobs.Exists(a.Path))
}

func TestDirectStagedUpload(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()
	data := pdftest.Minimal("direct")

	var started models.StartStagedUploadResponse
	code := call(t, c.HandleStartStagedUpload, models.StartStagedUploadRequest{SessionID: "S1", FileName: "direct.pdf", SizeBytes: int64(len(data))}, &started)
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, started.UploadURL)
	assert.Equal(t, testConfig().UploadChunkBytes, started.ChunkSize)

	// completing before the object exists is a 404
	code = call(t, c.HandleCompleteStagedUpload, models.CompleteStagedUploadRequest{SessionID: "S1", Path: started.Path}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// the client uploads straight to the session URI
	proto := b.Protocol.(*memoryProtocol)
	_, err := proto.Append(ctx, started.UploadURL, 0, data, int64(len(data)))
	require.NoError(t, err)

	var done models.StageUploadResponse
	code = call(t, c.HandleCompleteStagedUpload, models.CompleteStagedUploadRequest{SessionID: "S1", Path: started.Path, CreateDocument: true}, &done)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, len(data), done.SizeBytes)
	assert.Equal(t, 1, done.PageCount)
	assert.NotEmpty(t, done.DocumentID)

	sess, err := c.Sessions().Get("S1")
	require.NoError(t, err)
	_, ok := sess.Blob(started.Path)
	assert.True(t, ok)

	code = call(t, c.HandleCompleteStagedUpload, models.CompleteStagedUploadRequest{SessionID: "S2", Path: started.Path}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code = call(t, c.HandleStartStagedUpload, models.StartStagedUploadRequest{SessionID: "S1", SizeBytes: 0}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func seedDocument(t *testing.T, b backends, id string, pages ...geometry.Size) string {
	t.Helper()
	objectName := "documents/1700000000000-" + id + ".pdf"
	require.NoError(t, b.blobs.Upload(context.Background(), objectName, pdftest.Minimal(id, pages...), "application/pdf"))
	_, err := b.records.Insert(models.DocumentsCollection, id, models.Document{
		FilePath: objectName, FileName: id + ".pdf", PageCount: len(pages), CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return objectName
}

func TestRotateCycle(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	seedDocument(t, b, "doc-1", geometry.Size{Width: 612, Height: 792}, geometry.Size{Width: 612, Height: 792})

	rotate := func(req models.RotateRequest) (int, map[string]int) {
		var res models.RotateResponse
		code := call(t, c.HandleRotate, req, &res)
		return code, res.Rotation
	}
	for i, want := range []int{90, 180, 270} {
		code, rotation := rotate(models.RotateRequest{DocumentID: "doc-1", Pages: []int{2}, Degrees: 90})
		require.Equal(t, http.StatusOK, code, "step %d", i)
		assert.Equal(t, map[string]int{"2": want}, rotation)
	}
	code, rotation := rotate(models.RotateRequest{DocumentID: "doc-1", Pages: []int{2}, Degrees: 90})
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, rotation)

	// every page, counter-clockwise
	code, rotation = rotate(models.RotateRequest{DocumentID: "doc-1", Degrees: -90})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]int{"1": 270, "2": 270}, rotation)

	doc, err := b.records.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 270, doc.PageRotation(1))

	// a page listed twice turns once
	code, rotation = rotate(models.RotateRequest{DocumentID: "doc-1", Pages: []int{1, 1}, Degrees: 90})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]int{"2": 270}, rotation)

	assert.Equal(t, http.StatusBadRequest, call(t, c.HandleRotate, models.RotateRequest{DocumentID: "doc-1", Degrees: 45}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, c.HandleRotate, models.RotateRequest{DocumentID: "doc-1", Pages: []int{3}, Degrees: 90}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, c.HandleRotate, models.RotateRequest{DocumentID: "missing", Degrees: 90}, nil))
}

func TestSaveMapping(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	seedDocument(t, b, "doc-1", geometry.Size{Width: 600, Height: 800})

	var res models.SaveMappingResponse
	code := call(t, c.HandleSaveMapping, models.SaveMappingRequest{
		DocumentID: "doc-1",
		Fields: []map[string]any{
			{"page": 1, "relativeX": 0.1, "relativeY": 0.2, "relativeWidth": 0.3, "relativeHeight": 0.05},
			{"page": 1, "x": 300, "y": 400, "width": 150, "height": 80, "signerIndex": 1},
		},
	}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, res.FieldCount)

	mappings, err := b.records.ListMappings(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	abs := mappings[0].Fields[1]
	assert.InDelta(t, 0.5, abs.RelativeX, 1e-9)
	assert.InDelta(t, 0.5, abs.RelativeY, 1e-9)
	assert.InDelta(t, 0.25, abs.RelativeWidth, 1e-9)
	assert.InDelta(t, 0.1, abs.RelativeHeight, 1e-9)
	assert.Equal(t, 1, abs.SignerIndex)

	code = call(t, c.HandleSaveMapping, models.SaveMappingRequest{
		DocumentID: "doc-1",
		Fields:     []map[string]any{{"page": 2, "relativeX": 0.1, "relativeY": 0.1, "relativeWidth": 0.1, "relativeHeight": 0.1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code = call(t, c.HandleSaveMapping, models.SaveMappingRequest{
		DocumentID: "doc-1",
		Fields:     []map[string]any{{"page": 1, "relativeX": 0.9, "relativeY": 0.1, "relativeWidth": 0.5, "relativeHeight": 0.1}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestViewMapping(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()
	seedDocument(t, b, "doc-1", geometry.Size{Width: 200, Height: 100}, geometry.Size{Width: 200, Height: 100})

	assert.Equal(t, http.StatusNotFound, call(t, c.HandleViewMapping, models.ViewMappingRequest{DocumentID: "doc-1"}, nil))

	mappingID, err := b.records.CreateMapping(ctx, &models.SignatureMapping{DocumentID: "doc-1", Fields: []geometry.Field{
		{Page: 1, RelativeX: 0.1, RelativeY: 0.2, RelativeWidth: 0.3, RelativeHeight: 0.4},
		{Page: 2, RelativeX: 0.1, RelativeY: 0.2, RelativeWidth: 0.3, RelativeHeight: 0.4, SignerIndex: 1},
	}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, call(t, c.HandleRotate, models.RotateRequest{DocumentID: "doc-1", Pages: []int{1}, Degrees: 90}, nil))

	var res models.ViewMappingResponse
	require.Equal(t, http.StatusOK, call(t, c.HandleViewMapping, models.ViewMappingRequest{DocumentID: "doc-1", Zoom: 2}, &res))
	assert.Equal(t, mappingID, res.MappingID)
	require.Len(t, res.Fields, 2)

	// page 1 is shown rotated, 100 wide and 200 tall at zoom 1
	assert.Equal(t, 90, res.Fields[0].Rotation)
	assert.True(t, res.Fields[0].View.ApproxEqual(geometry.Rect{X: 80, Y: 40, Width: 80, Height: 120}, 1e-9), "%+v", res.Fields[0].View)
	assert.Equal(t, 0, res.Fields[1].Rotation)
	assert.Equal(t, 1, res.Fields[1].SignerIndex)
	assert.True(t, res.Fields[1].View.ApproxEqual(geometry.Rect{X: 40, Y: 40, Width: 120, Height: 80}, 1e-9), "%+v", res.Fields[1].View)

	// stored geometry is untouched by the rotation
	assert.InDelta(t, 0.1, res.Fields[0].RelativeX, 1e-9)

	assert.Equal(t, http.StatusBadRequest, call(t, c.HandleViewMapping, models.ViewMappingRequest{DocumentID: "doc-1", Zoom: -1}, nil))
}

func TestFlattenErrors(t *testing.T) {
	b := newBackends()
	c := NewComposerWith(testConfig(), b.Backends)
	ctx := context.Background()
	seedDocument(t, b, "doc-1", geometry.Size{Width: 600, Height: 800})

	_, _, err := c.Flatten(ctx, models.FlattenRequest{DocumentID: "doc-1"})
	assert.True(t, apperr.IsNotFound(err), "no mapping yet")

	_, err = b.records.CreateMapping(ctx, &models.SignatureMapping{DocumentID: "doc-1", Fields: []geometry.Field{
		{Page: 1, RelativeX: 0.1, RelativeY: 0.1, RelativeWidth: 0.2, RelativeHeight: 0.1},
	}})
	require.NoError(t, err)

	_, _, err = c.Flatten(ctx, models.FlattenRequest{DocumentID: "doc-1"})
	assert.True(t, apperr.IsNotFound(err), "no signature captured")

	require.NoError(t, b.blobs.Upload(ctx, "documents/sig.png", []byte("png"), "image/png"))
	_, _, err = c.Flatten(ctx, models.FlattenRequest{DocumentID: "doc-1", SignerIndex: 3, ImagePath: "sig.png"})
	assert.True(t, apperr.IsValidation(err), "signer without fields")

	_, _, err = c.Flatten(ctx, models.FlattenRequest{DocumentID: "doc-1", ImagePath: "sig.png"})
	assert.True(t, apperr.IsValidation(err), "image is not decodable")

	b.blobs.Fail = func(op, name string) error {
		if op == "download" && strings.HasSuffix(name, ".pdf") {
			return errors.New("unavailable")
		}
		return nil
	}
	_, _, err = c.Flatten(ctx, models.FlattenRequest{DocumentID: "doc-1", ImagePath: "sig.png"})
	assert.Error(t, err)
}

func TestLatestMapping(t *testing.T) {
	now := time.Now()
	got, ok := latestMapping([]models.SignatureMapping{
		{ID: "tpl", IsTemplate: true, CreatedAt: now.Add(time.Hour)},
		{ID: "old", CreatedAt: now.Add(-time.Hour)},
		{ID: "new", CreatedAt: now},
	})
	require.True(t, ok)
	assert.Equal(t, "new", got.ID)

	_, ok = latestMapping(nil)
	assert.False(t, ok)
}
