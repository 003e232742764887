package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/store"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable.
func GetEnvInt(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

// GetEnvBool reads a boolean environment variable.
func GetEnvBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

// GetEnvDuration reads a Go duration environment variable.
func GetEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}

// NewStorageClient creates a GCS client.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return client, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object yields store.ErrObjectExists.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", objectName, store.ErrObjectExists)
		}
		slog.Error("Failed to copy content to GCS object", "gcsObject", objectName, "error", err)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", objectName, store.ErrObjectExists)
		}
		slog.Error("Failed to close GCS writer", "gcsObject", objectName, "error", err)
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// BlobStore implements store.Blobs on one GCS bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
}

func NewBlobStore(client *storage.Client, bucketName string) *BlobStore {
	return &BlobStore{bucket: client.Bucket(bucketName)}
}

var _ store.Blobs = (*BlobStore)(nil)

func (s *BlobStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) error {
	return SaveToGCSAtomically(ctx, s.bucket, objectName, data, contentType)
}

func (s *BlobStore) Download(ctx context.Context, objectName string) ([]byte, error) {
	reader, err := s.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, apperr.NotFound("object", objectName)
		}
		return nil, fmt.Errorf("failed to open %s: %w", objectName, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", objectName, err)
	}
	return data, nil
}

func (s *BlobStore) Attrs(ctx context.Context, objectName string) (store.ObjectInfo, error) {
	attrs, err := s.bucket.Object(objectName).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return store.ObjectInfo{}, apperr.NotFound("object", objectName)
		}
		return store.ObjectInfo{}, fmt.Errorf("failed to get attributes of %s: %w", objectName, err)
	}
	return objectInfo(attrs), nil
}

// Move copies from to a new object and deletes the source. The copy is
// conditional on the destination not existing.
func (s *BlobStore) Move(ctx context.Context, from, to string) error {
	src := s.bucket.Object(from)
	dst := s.bucket.Object(to).If(storage.Conditions{DoesNotExist: true})
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		switch {
		case isPreconditionFailed(err):
			return fmt.Errorf("%s: %w", to, store.ErrObjectExists)
		case errors.Is(err, storage.ErrObjectNotExist):
			return apperr.NotFound("object", from)
		}
		return fmt.Errorf("failed to copy %s to %s: %w", from, to, err)
	}
	if err := src.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s after copy: %w", from, err)
	}
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, objectName string) error {
	if err := s.bucket.Object(objectName).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", objectName, err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]store.ObjectInfo, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []store.ObjectInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		out = append(out, objectInfo(attrs))
	}
	return out, nil
}

func objectInfo(attrs *storage.ObjectAttrs) store.ObjectInfo {
	return store.ObjectInfo{Name: attrs.Name, Size: attrs.Size, ContentType: attrs.ContentType, Created: attrs.Created}
}
