// Package flatten stamps signature images into a PDF at the positions stored
// in its signature mapping, producing a non-interactive copy for printing.
package flatten

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
	"github.com/Lllllllleong/signingdocumentflow/internal/merge"
)

// Input is one flatten job.
type Input struct {
	PDF         []byte
	Image       []byte
	Fields      []geometry.Field
	SignerIndex int
	// Rotation is the document's stored page rotation, applied after stamping.
	Rotation map[int]int
}

type Flattener struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Flattener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flattener{logger: logger}
}

// Flatten returns in.PDF with the signer's image stamped into each of their
// fields and the stored rotation applied.
func (f *Flattener) Flatten(ctx context.Context, in Input) ([]byte, error) {
	pages, err := merge.PageSizes(in.PDF)
	if err != nil {
		return nil, &apperr.InvalidSourceError{Path: "document", Err: err}
	}
	placements, err := Place(in.Fields, in.SignerIndex, pages)
	if err != nil {
		return nil, apperr.Validationf("%v", err)
	}
	if len(placements) == 0 {
		return nil, apperr.Validationf("signer %d has no fields", in.SignerIndex)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(in.Image))
	if err != nil {
		return nil, apperr.Validationf("signature image is not a PNG or JPEG: %v", err)
	}

	// The watermark parser reads the image from disk.
	tmp, err := os.CreateTemp("", "signature-*."+format)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(in.Image); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}

	data := in.PDF
	for _, p := range placements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err = stamp(data, tmp.Name(), p, cfg.Width, cfg.Height)
		if err != nil {
			return nil, err
		}
	}

	if len(in.Rotation) > 0 {
		data, err = merge.Rotate(data, in.Rotation)
		if err != nil {
			return nil, err
		}
	}

	f.logger.Info("Flattened signature fields.", "signerIndex", in.SignerIndex, "fieldCount", len(placements))
	return data, nil
}

func stamp(data []byte, imagePath string, p Placement, w, h int) ([]byte, error) {
	scale, x, y := fit(p.Rect, w, h)
	desc := fmt.Sprintf("pos:bl, off:%.2f %.2f, scale:%.4f abs, rot:0, op:1", x, y, scale)
	wm, err := pdfcpu.ParseImageWatermarkDetails(imagePath, desc, true, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image watermark: %w", err)
	}
	wm.Dx = x
	wm.Dy = y

	var out bytes.Buffer
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.AddWatermarks(bytes.NewReader(data), &out, []string{strconv.Itoa(p.Page)}, wm, cfg); err != nil {
		return nil, fmt.Errorf("failed to stamp page %d: %w", p.Page, err)
	}
	return out.Bytes(), nil
}
