package models

import (
	"strconv"
	"time"

	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
)

// Firestore collection names.
const (
	DocumentsCollection          = "documents"
	SignatureMappingsCollection  = "signatureMappings"
	TemplatesCollection          = "templates"
	SigningRequestsCollection    = "signingRequests"
	DocumentSignaturesCollection = "documentSignatures"
	AnnotationsCollection        = "documentAnnotations"
	RequestsCollection           = "requests"
)

// Document is the root record of a stored PDF. It owns its storage object.
type Document struct {
	ID        string         `firestore:"-" json:"id"`
	FilePath  string         `firestore:"filePath" json:"filePath"`
	FileName  string         `firestore:"fileName" json:"fileName"`
	FileSize  int64          `firestore:"fileSize,omitempty" json:"fileSize,omitempty"`
	PageCount int            `firestore:"pageCount" json:"pageCount"`
	Rotation  map[string]int `firestore:"rotation,omitempty" json:"rotation,omitempty"` // page number -> degrees
	Temporary bool           `firestore:"temporary" json:"temporary"`
	SessionID string         `firestore:"sessionId,omitempty" json:"sessionId,omitempty"`
	OwnerID   string         `firestore:"ownerId,omitempty" json:"ownerId,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt" json:"createdAt"`
}

// PageRotation returns the cumulative rotation of a 1-based page.
func (d *Document) PageRotation(page int) int {
	return d.Rotation[strconv.Itoa(page)]
}

// Rotations returns the rotation map keyed by page number, skipping zero
// entries.
func (d *Document) Rotations() map[int]int {
	out := make(map[int]int, len(d.Rotation))
	for k, v := range d.Rotation {
		page, err := strconv.Atoi(k)
		if err != nil || v == 0 {
			continue
		}
		out[page] = v
	}
	return out
}

// SignatureMapping places signature fields on a document. Geometry is
// relative to each page's intrinsic size.
type SignatureMapping struct {
	ID         string           `firestore:"-" json:"id"`
	DocumentID string           `firestore:"documentId" json:"documentId"`
	Fields     []geometry.Field `firestore:"fields" json:"fields"`
	IsTemplate bool             `firestore:"isTemplate" json:"isTemplate"`
	CreatedAt  time.Time        `firestore:"createdAt" json:"createdAt"`
}

// Template is a reusable mapping derived from a SignatureMapping.
type Template struct {
	ID                string    `firestore:"-" json:"id"`
	DocumentMappingID string    `firestore:"documentMappingId" json:"documentMappingId"`
	Name              string    `firestore:"name" json:"name"`
	CreatedAt         time.Time `firestore:"createdAt" json:"createdAt"`
}

// SigningRequest asks one signer to sign a document.
type SigningRequest struct {
	ID          string    `firestore:"-" json:"id"`
	DocumentID  string    `firestore:"documentId" json:"documentId"`
	SignerEmail string    `firestore:"signerEmail" json:"signerEmail"`
	SignerIndex int       `firestore:"signerIndex" json:"signerIndex"`
	Status      string    `firestore:"status" json:"status"`
	CreatedAt   time.Time `firestore:"createdAt" json:"createdAt"`
}

// DocumentSignature is a captured signature image for one signer.
type DocumentSignature struct {
	ID          string    `firestore:"-" json:"id"`
	DocumentID  string    `firestore:"documentId" json:"documentId"`
	SignerIndex int       `firestore:"signerIndex" json:"signerIndex"`
	ImagePath   string    `firestore:"imagePath" json:"imagePath"`
	SignedAt    time.Time `firestore:"signedAt" json:"signedAt"`
}

// DocumentAnnotation is free-form markup on a page.
type DocumentAnnotation struct {
	ID             string    `firestore:"-" json:"id"`
	DocumentID     string    `firestore:"documentId" json:"documentId"`
	Page           int       `firestore:"page" json:"page"`
	RelativeX      float64   `firestore:"relativeX" json:"relativeX"`
	RelativeY      float64   `firestore:"relativeY" json:"relativeY"`
	RelativeWidth  float64   `firestore:"relativeWidth" json:"relativeWidth"`
	RelativeHeight float64   `firestore:"relativeHeight" json:"relativeHeight"`
	Text           string    `firestore:"text" json:"text"`
	CreatedAt      time.Time `firestore:"createdAt" json:"createdAt"`
}

// Request is the parent envelope that groups signing requests for a document.
type Request struct {
	ID         string    `firestore:"-" json:"id"`
	DocumentID string    `firestore:"documentId" json:"documentId"`
	Status     string    `firestore:"status" json:"status"`
	CreatedAt  time.Time `firestore:"createdAt" json:"createdAt"`
}
