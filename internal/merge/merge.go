// Package merge concatenates PDFs with pdfcpu, in input order, after applying
// each source's per-page rotation.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
)

const (
	MinFiles        = 2
	DefaultMaxFiles = 20
	DefaultMaxBytes = 200 << 20
)

// Source is one input PDF. Rotation maps 1-based page numbers to degrees.
type Source struct {
	Name     string
	Data     []byte
	Rotation map[int]int
}

// Output is the merged document.
type Output struct {
	Bytes        []byte
	TotalPages   int
	OriginalSize int64
	Optimized    bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithMaxFiles(n int) Option {
	return func(e *Engine) {
		if n >= MinFiles {
			e.maxFiles = n
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// WithOptimize runs pdfcpu's optimizer over the merged output and keeps it
// when it is smaller.
func WithOptimize(on bool) Option {
	return func(e *Engine) { e.optimize = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine merges PDFs. It holds no per-merge state and is safe for concurrent
// use.
type Engine struct {
	maxFiles int
	maxBytes int64
	optimize bool
	logger   *slog.Logger
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{maxFiles: DefaultMaxFiles, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// MaxBytes is the combined input ceiling.
func (e *Engine) MaxBytes() int64 { return e.maxBytes }

// Check rejects a merge of count files totalling totalBytes before anything
// is fetched.
func (e *Engine) Check(count int, totalBytes int64) error {
	if count < MinFiles {
		return apperr.Validationf("at least %d files are required to merge, got %d", MinFiles, count)
	}
	if count > e.maxFiles {
		return apperr.Validationf("at most %d files can be merged, got %d", e.maxFiles, count)
	}
	if totalBytes > e.maxBytes {
		return &apperr.SizeLimitError{Total: totalBytes, Limit: e.maxBytes}
	}
	return nil
}

// Merge appends the pages of sources in order. Every source must parse as a
// PDF; the first that does not is named in an InvalidSourceError.
func (e *Engine) Merge(ctx context.Context, sources []Source) (Output, error) {
	var total int64
	for _, s := range sources {
		total += int64(len(s.Data))
	}
	if err := e.Check(len(sources), total); err != nil {
		return Output{}, err
	}

	readers := make([]io.ReadSeeker, 0, len(sources))
	for _, s := range sources {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		data, err := prepare(s)
		if err != nil {
			return Output{}, err
		}
		readers = append(readers, bytes.NewReader(data))
	}

	var merged bytes.Buffer
	if err := api.MergeRaw(readers, &merged, false, newConfig()); err != nil {
		return Output{}, fmt.Errorf("failed to merge PDFs: %w", err)
	}
	out := Output{Bytes: merged.Bytes(), OriginalSize: int64(merged.Len())}

	if e.optimize {
		var optimized bytes.Buffer
		if err := api.Optimize(bytes.NewReader(out.Bytes), &optimized, newConfig()); err != nil {
			e.logger.Warn("Optimizing merged PDF failed, keeping unoptimized output.", "error", err)
		} else if optimized.Len() < len(out.Bytes) {
			out.Bytes = optimized.Bytes()
			out.Optimized = true
		}
	}

	pages, err := api.PageCount(bytes.NewReader(out.Bytes), newConfig())
	if err != nil {
		return Output{}, fmt.Errorf("failed to count merged pages: %w", err)
	}
	out.TotalPages = pages

	e.logger.Info("Merged PDFs.", "sourceCount", len(sources), "totalPages", pages,
		"originalSize", out.OriginalSize, "finalSize", len(out.Bytes))
	return out, nil
}

func prepare(s Source) ([]byte, error) {
	if err := api.Validate(bytes.NewReader(s.Data), newConfig()); err != nil {
		return nil, &apperr.InvalidSourceError{Path: s.Name, Err: err}
	}
	if len(s.Rotation) == 0 {
		return s.Data, nil
	}
	data, err := Rotate(s.Data, s.Rotation)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return data, nil
}

// Rotate rotates the given 1-based pages clockwise by the given degrees,
// adding to any /Rotate they already carry. Pages missing from rotation keep
// their orientation.
func Rotate(data []byte, rotation map[int]int) ([]byte, error) {
	pageCount, err := api.PageCount(bytes.NewReader(data), newConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	byDegrees := map[int][]string{}
	for page, deg := range rotation {
		if page < 1 || page > pageCount {
			return nil, apperr.Validationf("rotation for page %d outside 1..%d", page, pageCount)
		}
		norm, err := geometry.NormalizeRotation(deg)
		if err != nil {
			return nil, apperr.Validationf("page %d: %v", page, err)
		}
		if norm != 0 {
			byDegrees[norm] = append(byDegrees[norm], strconv.Itoa(page))
		}
	}

	degrees := make([]int, 0, len(byDegrees))
	for d := range byDegrees {
		degrees = append(degrees, d)
	}
	sort.Ints(degrees)

	for _, d := range degrees {
		pages := byDegrees[d]
		sort.Strings(pages)
		var rotated bytes.Buffer
		if err := api.Rotate(bytes.NewReader(data), &rotated, d, pages, newConfig()); err != nil {
			return nil, fmt.Errorf("failed to rotate pages by %d: %w", d, err)
		}
		data = rotated.Bytes()
	}
	return data, nil
}

// PageCount returns the number of pages in data.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), newConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// PageSizes returns the intrinsic size of every page: its media box, before
// any /Rotate entry is applied.
func PageSizes(data []byte) (geometry.Pages, error) {
	ctx, err := api.ReadAndValidate(bytes.NewReader(data), newConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	pages := make(geometry.Pages, 0, ctx.PageCount)
	for i := 1; i <= ctx.PageCount; i++ {
		_, _, inh, err := ctx.PageDict(i, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i, err)
		}
		if inh == nil || inh.MediaBox == nil {
			return nil, fmt.Errorf("page %d has no media box", i)
		}
		pages = append(pages, geometry.Size{Width: inh.MediaBox.Width(), Height: inh.MediaBox.Height()})
	}
	return pages, nil
}

func newConfig() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}
