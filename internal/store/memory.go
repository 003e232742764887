package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
)

type row map[string]any

// MemoryRecords is an in-memory Records. Rows are kept as JSON-shaped maps so
// dependent collections can be seeded and queried by any field.
type MemoryRecords struct {
	mu   sync.Mutex
	rows map[string]map[string]row
	now  func() time.Time
	// Fail, when set, is consulted before every mutation with the collection
	// name and operation ("create", "update", "delete").
	Fail func(collection, op string) error
	// Log records mutations in order as "op collection id".
	Log []string
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{rows: map[string]map[string]row{}, now: time.Now}
}

// Insert stores v (any JSON-encodable record) in collection under id and
// returns the id, generating one when empty.
func (m *MemoryRecords) Insert(collection, id string, v any) (string, error) {
	r, err := toRow(v)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	delete(r, "id")
	if m.rows[collection] == nil {
		m.rows[collection] = map[string]row{}
	}
	m.rows[collection][id] = r
	return id, nil
}

// Has reports whether collection holds id.
func (m *MemoryRecords) Has(collection, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[collection][id]
	return ok
}

// Count returns the number of rows in collection.
func (m *MemoryRecords) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[collection])
}

func (m *MemoryRecords) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documentLocked(id)
}

func (m *MemoryRecords) documentLocked(id string) (*models.Document, error) {
	r, ok := m.rows[models.DocumentsCollection][id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	var doc models.Document
	if err := fromRow(r, &doc); err != nil {
		return nil, err
	}
	doc.ID = id
	return &doc, nil
}

func (m *MemoryRecords) CreateDocument(_ context.Context, doc *models.Document) (string, error) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = m.now()
	}
	if err := m.fail(models.DocumentsCollection, "create"); err != nil {
		return "", err
	}
	id, err := m.Insert(models.DocumentsCollection, doc.ID, doc)
	if err != nil {
		return "", err
	}
	doc.ID = id
	m.record("create", models.DocumentsCollection, id)
	return id, nil
}

func (m *MemoryRecords) UpdateDocument(_ context.Context, id string, fields map[string]any) error {
	if err := m.fail(models.DocumentsCollection, "update"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[models.DocumentsCollection][id]
	if !ok {
		return apperr.NotFound("document", id)
	}
	for k, v := range fields {
		r[k] = v
	}
	m.Log = append(m.Log, "update "+models.DocumentsCollection+" "+id)
	return nil
}

func (m *MemoryRecords) UpdateRotation(_ context.Context, id string, mutate func(*models.Document) error) (*models.Document, error) {
	if err := m.fail(models.DocumentsCollection, "update"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := m.documentLocked(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(doc); err != nil {
		return nil, err
	}
	rot := make(map[string]any, len(doc.Rotation))
	for k, v := range doc.Rotation {
		rot[k] = v
	}
	m.rows[models.DocumentsCollection][id]["rotation"] = rot
	m.Log = append(m.Log, "update "+models.DocumentsCollection+" "+id)
	return doc, nil
}

func (m *MemoryRecords) DeleteDocument(ctx context.Context, id string) error {
	return m.DeleteIDs(ctx, models.DocumentsCollection, []string{id})
}

func (m *MemoryRecords) ListTemporaryDocuments(_ context.Context, createdBefore time.Time) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, id := range m.sortedIDsLocked(models.DocumentsCollection) {
		doc, err := m.documentLocked(id)
		if err != nil {
			return nil, err
		}
		if doc.Temporary && doc.CreatedAt.Before(createdBefore) {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (m *MemoryRecords) CreateMapping(_ context.Context, sm *models.SignatureMapping) (string, error) {
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = m.now()
	}
	if err := m.fail(models.SignatureMappingsCollection, "create"); err != nil {
		return "", err
	}
	id, err := m.Insert(models.SignatureMappingsCollection, sm.ID, sm)
	if err != nil {
		return "", err
	}
	sm.ID = id
	m.record("create", models.SignatureMappingsCollection, id)
	return id, nil
}

func (m *MemoryRecords) ListMappings(_ context.Context, documentID string) ([]models.SignatureMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SignatureMapping
	for _, id := range m.matchLocked(models.SignatureMappingsCollection, "documentId", documentID) {
		var sm models.SignatureMapping
		if err := fromRow(m.rows[models.SignatureMappingsCollection][id], &sm); err != nil {
			return nil, err
		}
		sm.ID = id
		out = append(out, sm)
	}
	return out, nil
}

func (m *MemoryRecords) FindSignature(_ context.Context, documentID string, signerIndex int) (*models.DocumentSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.matchLocked(models.DocumentSignaturesCollection, "documentId", documentID) {
		var sig models.DocumentSignature
		if err := fromRow(m.rows[models.DocumentSignaturesCollection][id], &sig); err != nil {
			return nil, err
		}
		if sig.SignerIndex == signerIndex {
			sig.ID = id
			return &sig, nil
		}
	}
	return nil, apperr.NotFound("signature", fmt.Sprintf("%s/%d", documentID, signerIndex))
}

func (m *MemoryRecords) FindIDs(_ context.Context, collection, field, value string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matchLocked(collection, field, value), nil
}

func (m *MemoryRecords) DeleteIDs(_ context.Context, collection string, ids []string) error {
	if err := m.fail(collection, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rows[collection], id)
		m.Log = append(m.Log, "delete "+collection+" "+id)
	}
	return nil
}

func (m *MemoryRecords) matchLocked(collection, field, value string) []string {
	var ids []string
	for _, id := range m.sortedIDsLocked(collection) {
		if v, ok := m.rows[collection][id][field]; ok && fmt.Sprint(v) == value {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *MemoryRecords) sortedIDsLocked(collection string) []string {
	ids := make([]string, 0, len(m.rows[collection]))
	for id := range m.rows[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryRecords) fail(collection, op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(collection, op)
}

func (m *MemoryRecords) record(op, collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = append(m.Log, op+" "+collection+" "+id)
}

func toRow(v any) (row, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var r row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}

func fromRow(r row, v any) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	return json.Unmarshal(b, v)
}

type memoryObject struct {
	data        []byte
	contentType string
	created     time.Time
}

// MemoryBlobs is an in-memory Blobs.
type MemoryBlobs struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	now     func() time.Time
	// Fail, when set, is consulted before every call with the operation
	// ("upload", "download", "move", "delete", "list") and object name.
	Fail func(op, objectName string) error
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: map[string]memoryObject{}, now: time.Now}
}

// SetClock replaces time.Now for object creation times.
func (b *MemoryBlobs) SetClock(now func() time.Time) { b.now = now }

// Exists reports whether objectName is stored.
func (b *MemoryBlobs) Exists(objectName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[objectName]
	return ok
}

func (b *MemoryBlobs) Upload(_ context.Context, objectName string, data []byte, contentType string) error {
	if err := b.fail("upload", objectName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[objectName]; ok {
		return fmt.Errorf("%s: %w", objectName, ErrObjectExists)
	}
	b.objects[objectName] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, created: b.now()}
	return nil
}

func (b *MemoryBlobs) Download(_ context.Context, objectName string) ([]byte, error) {
	if err := b.fail("download", objectName); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[objectName]
	if !ok {
		return nil, apperr.NotFound("object", objectName)
	}
	return append([]byte(nil), o.data...), nil
}

func (b *MemoryBlobs) Attrs(_ context.Context, objectName string) (ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[objectName]
	if !ok {
		return ObjectInfo{}, apperr.NotFound("object", objectName)
	}
	return ObjectInfo{Name: objectName, Size: int64(len(o.data)), ContentType: o.contentType, Created: o.created}, nil
}

func (b *MemoryBlobs) Move(_ context.Context, from, to string) error {
	if err := b.fail("move", from); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[from]
	if !ok {
		return apperr.NotFound("object", from)
	}
	if _, taken := b.objects[to]; taken {
		return fmt.Errorf("%s: %w", to, ErrObjectExists)
	}
	b.objects[to] = o
	delete(b.objects, from)
	return nil
}

func (b *MemoryBlobs) Delete(_ context.Context, objectName string) error {
	if err := b.fail("delete", objectName); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, objectName)
	return nil
}

func (b *MemoryBlobs) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	if err := b.fail("list", prefix); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ObjectInfo
	for name, o := range b.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, ObjectInfo{Name: name, Size: int64(len(o.data)), ContentType: o.contentType, Created: o.created})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBlobs) fail(op, objectName string) error {
	if b.Fail == nil {
		return nil
	}
	return b.Fail(op, objectName)
}

var (
	_ Records = (*MemoryRecords)(nil)
	_ Blobs   = (*MemoryBlobs)(nil)
)
