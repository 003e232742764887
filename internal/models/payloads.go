package models

import "github.com/Lllllllleong/signingdocumentflow/internal/geometry"

// These structs define the JSON payloads of the HTTP entry points.

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// StageUploadResponse is returned after a body was staged through the
// chunked transport.
type StageUploadResponse struct {
	Success     bool   `json:"success"`
	SessionID   string `json:"sessionId"`
	Path        string `json:"path"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
	// DocumentID is set when a temporary document record was requested.
	DocumentID string `json:"documentId,omitempty"`
	PageCount  int    `json:"pageCount,omitempty"`
}

// StartStagedUploadRequest opens a resumable session the client uploads to
// directly.
type StartStagedUploadRequest struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type StartStagedUploadResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	UploadURL string `json:"uploadUrl"`
	ChunkSize int    `json:"chunkSize"`
}

// CompleteStagedUploadRequest registers a directly uploaded object.
type CompleteStagedUploadRequest struct {
	SessionID      string `json:"sessionId"`
	Path           string `json:"path"`
	FileName       string `json:"fileName,omitempty"`
	CreateDocument bool   `json:"createDocument,omitempty"`
}

// MergeRequest merges staged sources of one session. Rotations maps a source
// path to page -> degrees.
type MergeRequest struct {
	SessionID   string                    `json:"sessionId"`
	SourcePaths []string                  `json:"sourcePaths"`
	OutputName  string                    `json:"outputName"`
	Rotations   map[string]map[string]int `json:"rotations,omitempty"`
}

// CompressionInfo reports the effect of optimizing the merged output.
type CompressionInfo struct {
	OriginalSize int64 `json:"originalSize"`
	FinalSize    int64 `json:"finalSize"`
	Optimized    bool  `json:"optimized"`
}

type MergeResponse struct {
	Success         bool             `json:"success"`
	TotalPages      int              `json:"totalPages"`
	FileSize        int64            `json:"fileSize"`
	TempResultID    string           `json:"tempResultId"`
	CompressionInfo *CompressionInfo `json:"compressionInfo,omitempty"`
}

// PromoteRequest persists either a merge result (TempResultID) or a staged
// temporary document (DocumentID).
type PromoteRequest struct {
	TempResultID string `json:"tempResultId,omitempty"`
	DocumentID   string `json:"documentId,omitempty"`
	FileName     string `json:"fileName"`
}

type PromoteResponse struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId"`
	FilePath   string `json:"filePath"`
	PublicURL  string `json:"publicUrl"`
	TotalPages int    `json:"totalPages"`
}

type DeleteRequest struct {
	DocumentID string `json:"documentId"`
}

type DeleteResponse struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings"`
}

// RotateRequest rotates pages by Degrees (a multiple of 90). No pages means
// every page.
type RotateRequest struct {
	DocumentID string `json:"documentId"`
	Pages      []int  `json:"pages,omitempty"`
	Degrees    int    `json:"degrees"`
}

type RotateResponse struct {
	Success  bool           `json:"success"`
	Rotation map[string]int `json:"rotation"`
}

// SaveMappingRequest carries untyped field bags from the editor.
type SaveMappingRequest struct {
	DocumentID string           `json:"documentId"`
	IsTemplate bool             `json:"isTemplate"`
	Fields     []map[string]any `json:"fields"`
}

type SaveMappingResponse struct {
	Success    bool   `json:"success"`
	MappingID  string `json:"mappingId"`
	FieldCount int    `json:"fieldCount"`
}

// FlattenRequest stamps a signer's signature image onto their fields.
type FlattenRequest struct {
	DocumentID  string `json:"documentId"`
	SignerIndex int    `json:"signerIndex"`
	ImagePath   string `json:"imagePath,omitempty"`
}

// SweepEvent is the data of the scheduled staging sweep CloudEvent.
type SweepEvent struct {
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	ObjectsDeleted   int      `json:"objectsDeleted"`
	DocumentsDeleted int      `json:"documentsDeleted"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ViewMappingRequest asks for the latest mapping of a document laid out for a
// viewer at Zoom pixels per point. Zero means 1.
type ViewMappingRequest struct {
	DocumentID string  `json:"documentId"`
	Zoom       float64 `json:"zoom,omitempty"`
}

// ViewField is a stored field with the rectangle a viewer draws it at, in
// top-left-origin pixels of the page shown at its stored rotation.
type ViewField struct {
	geometry.Field
	Rotation int           `json:"rotation"`
	View     geometry.Rect `json:"view"`
}

type ViewMappingResponse struct {
	Success   bool        `json:"success"`
	MappingID string      `json:"mappingId"`
	Fields    []ViewField `json:"fields"`
}
