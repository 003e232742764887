package deletion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/staging"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

var layout = staging.Layout{Bucket: "signing-docs", Prefix: "documents"}

type fixture struct {
	records *store.MemoryRecords
	blobs   *store.MemoryBlobs
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := store.NewMemoryRecords()
	blobs := store.NewMemoryBlobs()
	return &fixture{records: records, blobs: blobs, orch: New(records, blobs, layout)}
}

func (f *fixture) seed(t *testing.T, filePath string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.records.Insert(models.DocumentsCollection, "doc-1", models.Document{
		FilePath: filePath, FileName: "contract.pdf", PageCount: 2, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Upload(ctx, "documents/1700000000000-contract.pdf", []byte("%PDF"), "application/pdf"))

	inserts := []struct {
		collection, id string
		v              any
	}{
		{models.SignatureMappingsCollection, "map-1", models.SignatureMapping{DocumentID: "doc-1", Fields: []geometry.Field{
			{Page: 1, RelativeX: 0.1, RelativeY: 0.8, RelativeWidth: 0.3, RelativeHeight: 0.05},
			{Page: 2, RelativeX: 0.5, RelativeY: 0.8, RelativeWidth: 0.3, RelativeHeight: 0.05, SignerIndex: 1},
		}}},
		{models.TemplatesCollection, "tpl-1", models.Template{DocumentMappingID: "map-1", Name: "NDA"}},
		{models.SigningRequestsCollection, "sr-1", models.SigningRequest{DocumentID: "doc-1", SignerEmail: "a@example.com"}},
		{models.DocumentSignaturesCollection, "sig-1", models.DocumentSignature{DocumentID: "doc-1", ImagePath: "signatures/a.png"}},
		{models.AnnotationsCollection, "ann-1", models.DocumentAnnotation{DocumentID: "doc-1", Page: 1, Text: "initial here"}},
		{models.RequestsCollection, "req-1", models.Request{DocumentID: "doc-1", Status: "pending"}},
		// Rows of an unrelated document must survive.
		{models.SigningRequestsCollection, "sr-other", models.SigningRequest{DocumentID: "doc-2"}},
	}
	for _, in := range inserts {
		_, err := f.records.Insert(in.collection, in.id, in.v)
		require.NoError(t, err)
	}
}

func TestDeleteDocumentOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "documents/1700000000000-contract.pdf")

	report, err := f.orch.DeleteDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)

	assert.Equal(t, []string{
		"delete templates tpl-1",
		"delete signatureMappings map-1",
		"delete signingRequests sr-1",
		"delete documentSignatures sig-1",
		"delete documentAnnotations ann-1",
		"delete requests req-1",
		"delete documents doc-1",
	}, f.records.Log)

	assert.False(t, f.blobs.Exists("documents/1700000000000-contract.pdf"))
	assert.True(t, f.records.Has(models.SigningRequestsCollection, "sr-other"))
}

func TestDeleteDocumentLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "signing-docs/documents/1700000000000-contract.pdf")
	ctx := context.Background()

	report, err := f.orch.DeleteDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, report)

	_, err = f.records.GetDocument(ctx, "doc-1")
	assert.True(t, apperr.IsNotFound(err))

	mappings, err := f.records.ListMappings(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, mappings)

	_, err = f.records.FindSignature(ctx, "doc-1", 0)
	assert.True(t, apperr.IsNotFound(err))

	for _, dep := range []string{models.SigningRequestsCollection, models.AnnotationsCollection, models.RequestsCollection} {
		ids, err := f.records.FindIDs(ctx, dep, "documentId", "doc-1")
		require.NoError(t, err)
		assert.Empty(t, ids, dep)
	}
	assert.False(t, f.records.Has(models.TemplatesCollection, "tpl-1"))
	assert.False(t, f.blobs.Exists("documents/1700000000000-contract.pdf"), "bucket-prefixed path resolves to the same object")
}

func TestDeleteDocumentNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.DeleteDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
	assert.Empty(t, f.records.Log)
}

func TestDeleteDocumentRequiresID(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.DeleteDocument(context.Background(), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestDeleteDocumentAdvisoryFailures(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1700000000000-contract.pdf")
	f.records.Fail = func(collection, op string) error {
		if collection == models.AnnotationsCollection {
			return errors.New("annotations unavailable")
		}
		return nil
	}
	f.blobs.Fail = func(op, _ string) error {
		if op == "delete" {
			return errors.New("storage unavailable")
		}
		return nil
	}

	report, err := f.orch.DeleteDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, report.Warnings, 2)
	assert.Contains(t, report.Warnings[0], models.AnnotationsCollection)
	assert.Contains(t, report.Warnings[1], "documents/1700000000000-contract.pdf")

	assert.False(t, f.records.Has(models.DocumentsCollection, "doc-1"))
	assert.False(t, f.records.Has(models.RequestsCollection, "req-1"), "later steps still run")
	assert.True(t, f.records.Has(models.AnnotationsCollection, "ann-1"))
}

func TestDeleteDocumentCriticalDependentFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "documents/1700000000000-contract.pdf")
	f.records.Fail = func(collection, op string) error {
		if collection == models.SigningRequestsCollection {
			return errors.New("write rejected")
		}
		return nil
	}

	_, err := f.orch.DeleteDocument(context.Background(), "doc-1")
	require.Error(t, err)
	var fatal *apperr.FatalError
	assert.False(t, errors.As(err, &fatal))

	assert.Equal(t, []string{"delete templates tpl-1", "delete signatureMappings map-1"}, f.records.Log)
	assert.True(t, f.records.Has(models.DocumentsCollection, "doc-1"))
	assert.True(t, f.blobs.Exists("documents/1700000000000-contract.pdf"))
}

func TestDeleteDocumentFinalStepFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "documents/1700000000000-contract.pdf")
	f.records.Fail = func(collection, op string) error {
		if collection == models.DocumentsCollection && op == "delete" {
			return errors.New("deadline exceeded")
		}
		return nil
	}

	_, err := f.orch.DeleteDocument(context.Background(), "doc-1")
	var fatal *apperr.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 500, apperr.HTTPStatus(err))

	assert.Equal(t, 0, f.records.Count(models.SignatureMappingsCollection))
	assert.True(t, f.records.Has(models.DocumentsCollection, "doc-1"))
}

func TestDeleteDocumentCustomGraph(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "documents/1700000000000-contract.pdf")
	orch := New(f.records, f.blobs, layout, WithGraph([]Dependent{
		{Collection: models.RequestsCollection, ForeignKey: "documentId"},
	}))

	_, err := orch.DeleteDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"delete requests req-1", "delete documents doc-1"}, f.records.Log)
}
