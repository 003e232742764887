// Package transport uploads one large file in acknowledged chunks over a
// resumable upload protocol. A transient failure resumes from the offset the
// server reports as persisted instead of starting again from zero.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
)

const (
	// ChunkQuantum is the granularity GCS requires for non-final chunks.
	ChunkQuantum = 256 << 10
	// DefaultChunkSize is the target size of one chunk.
	DefaultChunkSize = 6 << 20
	// DefaultMaxRetries bounds retries per protocol call.
	DefaultMaxRetries = 5
)

// ErrAborted is returned when the caller cancels between chunks. The partial
// staged object is left for TTL eviction.
var ErrAborted = errors.New("upload aborted")

// Target describes the object being created.
type Target struct {
	Bucket      string
	Object      string
	ContentType string
	Size        int64
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	BytesUploaded int64 `json:"bytesUploaded"`
	BytesTotal    int64 `json:"bytesTotal"`
}

// Protocol is a resumable upload session API. Every call is idempotent with
// respect to byte offset.
type Protocol interface {
	// Create opens a session and returns its URI.
	Create(ctx context.Context, t Target) (string, error)
	// Append sends chunk starting at offset and returns the number of bytes
	// the server has persisted. Reaching total finalizes the object.
	Append(ctx context.Context, sessionURI string, offset int64, chunk []byte, total int64) (int64, error)
	// Status returns the number of bytes persisted so far.
	Status(ctx context.Context, sessionURI string, total int64) (int64, error)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithChunkSize sets the chunk size. Protocol backends may require multiples
// of ChunkQuantum.
func WithChunkSize(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithMaxRetries bounds the retries of one protocol call.
func WithMaxRetries(n uint64) Option {
	return func(u *Uploader) { u.maxRetries = n }
}

// WithBackOff replaces the exponential backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(u *Uploader) { u.newBackOff = newBackOff }
}

// WithLogger sets the logger for retry messages.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// Uploader drives Protocol one chunk at a time.
type Uploader struct {
	proto      Protocol
	chunkSize  int
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// New returns an Uploader over proto.
func New(proto Protocol, opts ...Option) *Uploader {
	u := &Uploader{
		proto:      proto,
		chunkSize:  DefaultChunkSize,
		maxRetries: DefaultMaxRetries,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	return u
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Upload sends t.Size bytes read from src to t.Object and returns the object
// name. onProgress may be nil.
func (u *Uploader) Upload(ctx context.Context, src io.ReaderAt, t Target, onProgress func(Progress)) (string, error) {
	if t.Object == "" {
		return "", apperr.Validationf("destination object is required")
	}
	if t.Size < 0 {
		return "", apperr.Validationf("size %d is negative", t.Size)
	}
	logCtx := u.logger.With("gcsObject", t.Object, "bytesTotal", t.Size)

	var sessionURI string
	err := u.retry(ctx, logCtx, "create upload session", func() error {
		uri, err := u.proto.Create(ctx, t)
		if err != nil {
			return permanentUnlessRetryable(err)
		}
		sessionURI = uri
		return nil
	})
	if err != nil {
		return "", transportError("create upload session", err)
	}

	buf := make([]byte, u.chunkSize)
	var offset int64
	for first := true; first || offset < t.Size; first = false {
		if err := ctx.Err(); err != nil {
			logCtx.Warn("Upload aborted between chunks.", "bytesUploaded", offset)
			return "", fmt.Errorf("%w at offset %d: %w", ErrAborted, offset, err)
		}

		var persisted int64
		err := u.retry(ctx, logCtx, "append chunk", func() error {
			if offset >= t.Size && t.Size > 0 {
				persisted = t.Size
				return nil
			}
			n := int64(u.chunkSize)
			if rem := t.Size - offset; rem < n {
				n = rem
			}
			chunk := buf[:n]
			if k, err := src.ReadAt(chunk, offset); k < len(chunk) {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return backoff.Permanent(fmt.Errorf("read source at %d: %w", offset, err))
			}
			p, err := u.proto.Append(ctx, sessionURI, offset, chunk, t.Size)
			if err != nil {
				if !Retryable(err) {
					return backoff.Permanent(err)
				}
				// ask the server what it kept so the retry resumes there
				if kept, serr := u.proto.Status(ctx, sessionURI, t.Size); serr == nil && kept >= 0 && kept <= t.Size {
					offset = kept
				}
				return err
			}
			persisted = p
			return nil
		})
		if err != nil {
			return "", transportError("append chunk", err)
		}
		if t.Size > 0 && persisted <= offset {
			return "", &apperr.TransportError{Op: "append chunk", Err: fmt.Errorf("server made no progress at offset %d", offset)}
		}
		offset = persisted
		if onProgress != nil {
			onProgress(Progress{BytesUploaded: offset, BytesTotal: t.Size})
		}
	}

	logCtx.Info("Resumable upload complete.")
	return t.Object, nil
}

func (u *Uploader) retry(ctx context.Context, logCtx *slog.Logger, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(u.newBackOff(), u.maxRetries), ctx)
	return backoff.RetryNotify(fn, b, func(err error, wait time.Duration) {
		logCtx.Warn("Upload call failed, will retry.", "op", op, "backoff", wait.String(), "error", err)
	})
}

func permanentUnlessRetryable(err error) error {
	if Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrAborted, op, err)
	}
	var te *apperr.TransportError
	if errors.As(err, &te) {
		return te
	}
	return &apperr.TransportError{Op: op, Retryable: Retryable(err), Err: err}
}
