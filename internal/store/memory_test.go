package store

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
)

func TestMemoryRecordsDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords()

	id, err := m.CreateDocument(ctx, &models.Document{FileName: "a.pdf", FilePath: "documents/a.pdf", PageCount: 2, Temporary: true})
	require.NoError(t, err)

	doc, err := m.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
	assert.Equal(t, 2, doc.PageCount)
	assert.True(t, doc.Temporary)

	require.NoError(t, m.UpdateDocument(ctx, id, map[string]any{"temporary": false, "filePath": "documents/b.pdf"}))
	doc, err = m.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.False(t, doc.Temporary)
	assert.Equal(t, "documents/b.pdf", doc.FilePath)

	doc, err = m.UpdateRotation(ctx, id, func(d *models.Document) error {
		d.Rotation = map[string]int{"1": 90}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 90, doc.PageRotation(1))
	doc, err = m.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 90}, doc.Rotations())

	require.NoError(t, m.DeleteDocument(ctx, id))
	_, err = m.GetDocument(ctx, id)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryRecordsQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords()

	mid, err := m.CreateMapping(ctx, &models.SignatureMapping{DocumentID: "d1", Fields: []geometry.Field{{Page: 1, RelativeWidth: 0.1, RelativeHeight: 0.1}}})
	require.NoError(t, err)
	_, err = m.Insert(models.TemplatesCollection, "t1", models.Template{DocumentMappingID: mid})
	require.NoError(t, err)
	_, err = m.Insert(models.DocumentSignaturesCollection, "s1", models.DocumentSignature{DocumentID: "d1", SignerIndex: 1, ImagePath: "sig.png"})
	require.NoError(t, err)

	mappings, err := m.ListMappings(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, 1, mappings[0].Fields[0].Page)

	ids, err := m.FindIDs(ctx, models.TemplatesCollection, "documentMappingId", mid)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	sig, err := m.FindSignature(ctx, "d1", 1)
	require.NoError(t, err)
	assert.Equal(t, "sig.png", sig.ImagePath)
	_, err = m.FindSignature(ctx, "d1", 0)
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryRecordsTemporary(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords()
	now := time.Now()
	_, err := m.CreateDocument(ctx, &models.Document{ID: "old", Temporary: true, CreatedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = m.CreateDocument(ctx, &models.Document{ID: "new", Temporary: true, CreatedAt: now})
	require.NoError(t, err)
	_, err = m.CreateDocument(ctx, &models.Document{ID: "kept", CreatedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)

	docs, err := m.ListTemporaryDocuments(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "old", docs[0].ID)
}

func TestMemoryBlobs(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlobs()

	require.NoError(t, b.Upload(ctx, "documents/a.pdf", []byte("a"), "application/pdf"))
	err := b.Upload(ctx, "documents/a.pdf", []byte("b"), "application/pdf")
	assert.True(t, errors.Is(err, ErrObjectExists))

	require.NoError(t, b.Move(ctx, "documents/a.pdf", "documents/b.pdf"))
	assert.False(t, b.Exists("documents/a.pdf"))

	data, err := b.Download(ctx, "documents/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	info, err := b.Attrs(ctx, "documents/b.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Size)

	list, err := b.List(ctx, "documents/")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.Delete(ctx, "documents/b.pdf"))
	require.NoError(t, b.Delete(ctx, "documents/b.pdf"))
	_, err = b.Download(ctx, "documents/b.pdf")
	assert.True(t, apperr.IsNotFound(err))
}
