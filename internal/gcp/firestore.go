package gcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// RecordStore implements store.Records on Firestore. Dependent rows are
// found by equality queries on their foreign-key field and removed with a
// BulkWriter.
type RecordStore struct {
	client *firestore.Client
}

func NewRecordStore(client *firestore.Client) *RecordStore {
	return &RecordStore{client: client}
}

var _ store.Records = (*RecordStore)(nil)

func (s *RecordStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	if id == "" {
		return nil, apperr.Validationf("document id is required")
	}
	snap, err := s.client.Collection(models.DocumentsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, apperr.NotFound("document", id)
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func (s *RecordStore) CreateDocument(ctx context.Context, doc *models.Document) (string, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	coll := s.client.Collection(models.DocumentsCollection)
	ref := coll.NewDoc()
	if doc.ID != "" {
		ref = coll.Doc(doc.ID)
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	doc.ID = ref.ID
	return ref.ID, nil
}

func (s *RecordStore) UpdateDocument(ctx context.Context, id string, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, v := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: v})
	}
	if _, err := s.client.Collection(models.DocumentsCollection).Doc(id).Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return apperr.NotFound("document", id)
		}
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

// UpdateRotation reads the document and writes its rotation map back in one
// transaction, so concurrent rotate requests never lose an increment.
func (s *RecordStore) UpdateRotation(ctx context.Context, id string, mutate func(*models.Document) error) (*models.Document, error) {
	ref := s.client.Collection(models.DocumentsCollection).Doc(id)
	var result *models.Document
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return apperr.NotFound("document", id)
			}
			return err
		}
		var doc models.Document
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", id, err)
		}
		doc.ID = id
		if err := mutate(&doc); err != nil {
			return err
		}
		result = &doc
		return tx.Update(ref, []firestore.Update{{Path: "rotation", Value: doc.Rotation}})
	})
	if err != nil {
		var nf *apperr.NotFoundError
		var ve *apperr.ValidationError
		if errors.As(err, &nf) || errors.As(err, &ve) {
			return nil, err
		}
		return nil, fmt.Errorf("rotation transaction failed for %s: %w", id, err)
	}
	return result, nil
}

func (s *RecordStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.client.Collection(models.DocumentsCollection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

func (s *RecordStore) ListTemporaryDocuments(ctx context.Context, createdBefore time.Time) ([]models.Document, error) {
	iter := s.client.Collection(models.DocumentsCollection).
		Where("temporary", "==", true).
		Where("createdAt", "<", createdBefore).
		Documents(ctx)
	defer iter.Stop()

	var docs []models.Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list temporary documents: %w", err)
		}
		var doc models.Document
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
		}
		doc.ID = snap.Ref.ID
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *RecordStore) CreateMapping(ctx context.Context, m *models.SignatureMapping) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	ref, _, err := s.client.Collection(models.SignatureMappingsCollection).Add(ctx, m)
	if err != nil {
		return "", fmt.Errorf("failed to create signature mapping: %w", err)
	}
	m.ID = ref.ID
	return ref.ID, nil
}

func (s *RecordStore) ListMappings(ctx context.Context, documentID string) ([]models.SignatureMapping, error) {
	snaps, err := s.client.Collection(models.SignatureMappingsCollection).
		Where("documentId", "==", documentID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list signature mappings for %s: %w", documentID, err)
	}
	out := make([]models.SignatureMapping, 0, len(snaps))
	for _, snap := range snaps {
		var m models.SignatureMapping
		if err := snap.DataTo(&m); err != nil {
			return nil, fmt.Errorf("failed to decode signature mapping %s: %w", snap.Ref.ID, err)
		}
		m.ID = snap.Ref.ID
		out = append(out, m)
	}
	return out, nil
}

func (s *RecordStore) FindSignature(ctx context.Context, documentID string, signerIndex int) (*models.DocumentSignature, error) {
	snaps, err := s.client.Collection(models.DocumentSignaturesCollection).
		Where("documentId", "==", documentID).
		Where("signerIndex", "==", signerIndex).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to find signature for %s: %w", documentID, err)
	}
	if len(snaps) == 0 {
		return nil, apperr.NotFound("signature", fmt.Sprintf("%s/%d", documentID, signerIndex))
	}
	var sig models.DocumentSignature
	if err := snaps[0].DataTo(&sig); err != nil {
		return nil, fmt.Errorf("failed to decode signature %s: %w", snaps[0].Ref.ID, err)
	}
	sig.ID = snaps[0].Ref.ID
	return &sig, nil
}

func (s *RecordStore) FindIDs(ctx context.Context, collection, field, value string) ([]string, error) {
	snaps, err := s.client.Collection(collection).Where(field, "==", value).Select().Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", collection, field, err)
	}
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.Ref.ID)
	}
	return ids, nil
}

// DeleteIDs removes the rows with a BulkWriter and reports the first failure.
func (s *RecordStore) DeleteIDs(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(ids))
	for _, id := range ids {
		job, err := bw.Delete(s.client.Collection(collection).Doc(id))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete of %s/%s: %w", collection, id, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", collection, ids[i], err)
		}
	}
	return nil
}
