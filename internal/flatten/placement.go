package flatten

import (
	"fmt"
	"sort"

	"github.com/Lllllllleong/signingdocumentflow/internal/geometry"
)

// Placement is where one image lands on a page, in PDF user space: points,
// origin at the bottom-left corner of the unrotated media box.
type Placement struct {
	Page int
	Rect geometry.Rect
}

// Place converts the fields of signerIndex into placements. Only the page's
// intrinsic size enters the conversion; rotation is applied to the page as a
// whole afterwards, so it never touches field geometry.
func Place(fields []geometry.Field, signerIndex int, pages geometry.PageSizer) ([]Placement, error) {
	var out []Placement
	for i, f := range fields {
		if f.SignerIndex != signerIndex {
			continue
		}
		size, ok := pages.PageSize(f.Page)
		if !ok {
			return nil, fmt.Errorf("field %d: page %d outside 1..%d", i, f.Page, pages.PageCount())
		}
		abs, err := geometry.ToAbsolute(f.Rect(), size)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out = append(out, Placement{Page: f.Page, Rect: geometry.FlipY(abs, size)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out, nil
}

// ViewRect is where a field is drawn by a viewer showing the page rotated
// clockwise by rotation degrees at zoom, in top-left-origin pixels.
func ViewRect(f geometry.Field, page geometry.Size, rotation int, zoom float64) (geometry.Rect, error) {
	rel, err := geometry.RotateRelative(f.Rect(), rotation)
	if err != nil {
		return geometry.Rect{}, err
	}
	display := geometry.DisplaySize(page, rotation)
	abs, err := geometry.ToAbsolute(rel, geometry.Size{Width: display.Width * zoom, Height: display.Height * zoom})
	if err != nil {
		return geometry.Rect{}, err
	}
	return abs, nil
}

// fit scales an image of w x h into r keeping its aspect ratio, centered.
// It returns the scale factor and the lower-left corner of the image.
func fit(r geometry.Rect, w, h int) (scale, x, y float64) {
	if w <= 0 || h <= 0 {
		return 0, r.X, r.Y
	}
	scale = min(r.Width/float64(w), r.Height/float64(h))
	x = r.X + (r.Width-float64(w)*scale)/2
	y = r.Y + (r.Height-float64(h)*scale)/2
	return scale, x, y
}
