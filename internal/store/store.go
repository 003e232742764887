// Package store declares the relational and blob collaborators the document
// components run against, with in-memory implementations for tests and local
// runs. The Firestore and GCS implementations live in package gcp.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/signingdocumentflow/internal/models"
)

// ErrObjectExists is returned by Blobs.Upload when the object name is taken.
var ErrObjectExists = errors.New("object already exists")

// Records is the relational store. Every method is a single statement or a
// single-document transaction; nothing spans collections atomically.
type Records interface {
	// GetDocument returns an apperr.NotFoundError when the document is absent.
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	CreateDocument(ctx context.Context, doc *models.Document) (string, error)
	UpdateDocument(ctx context.Context, id string, fields map[string]any) error
	// UpdateRotation runs mutate on a fresh read of the document and writes
	// the resulting rotation map back in one transaction.
	UpdateRotation(ctx context.Context, id string, mutate func(doc *models.Document) error) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListTemporaryDocuments(ctx context.Context, createdBefore time.Time) ([]models.Document, error)

	CreateMapping(ctx context.Context, m *models.SignatureMapping) (string, error)
	ListMappings(ctx context.Context, documentID string) ([]models.SignatureMapping, error)
	FindSignature(ctx context.Context, documentID string, signerIndex int) (*models.DocumentSignature, error)

	// FindIDs returns ids of rows in collection whose field equals value.
	FindIDs(ctx context.Context, collection, field, value string) ([]string, error)
	DeleteIDs(ctx context.Context, collection string, ids []string) error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name        string
	Size        int64
	ContentType string
	Created     time.Time
}

// Blobs is the path-addressed blob store.
type Blobs interface {
	// Upload creates objectName and fails with ErrObjectExists if it is taken.
	Upload(ctx context.Context, objectName string, data []byte, contentType string) error
	Download(ctx context.Context, objectName string) ([]byte, error)
	Attrs(ctx context.Context, objectName string) (ObjectInfo, error)
	Move(ctx context.Context, from, to string) error
	// Delete removes objectName. A missing object is not an error.
	Delete(ctx context.Context, objectName string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
