package geometry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Field is one placed signature box. Geometry is always relative to the
// page's intrinsic size.
type Field struct {
	Page           int     `json:"page" firestore:"page"`
	RelativeX      float64 `json:"relativeX" firestore:"relativeX"`
	RelativeY      float64 `json:"relativeY" firestore:"relativeY"`
	RelativeWidth  float64 `json:"relativeWidth" firestore:"relativeWidth"`
	RelativeHeight float64 `json:"relativeHeight" firestore:"relativeHeight"`
	SignerIndex    int     `json:"signerIndex" firestore:"signerIndex"`
}

// Rect returns the field's relative rectangle.
func (f Field) Rect() Rect {
	return Rect{X: f.RelativeX, Y: f.RelativeY, Width: f.RelativeWidth, Height: f.RelativeHeight}
}

// PageSizer resolves the intrinsic size of a 1-based page.
type PageSizer interface {
	PageSize(page int) (Size, bool)
	PageCount() int
}

// Pages is a PageSizer over a slice indexed by page-1.
type Pages []Size

func (p Pages) PageSize(page int) (Size, bool) {
	if page < 1 || page > len(p) {
		return Size{}, false
	}
	return p[page-1], true
}

func (p Pages) PageCount() int { return len(p) }

// ParseFields validates untyped field payloads once at the boundary.
//
// A payload carries either relativeX/relativeY/relativeWidth/relativeHeight or
// x/y/width/height in intrinsic points. Absolute payloads are converted with
// the intrinsic size from pages; a page size supplied by the client is never
// consulted.
func ParseFields(raw []map[string]any, pages PageSizer) ([]Field, error) {
	fields := make([]Field, 0, len(raw))
	for i, bag := range raw {
		f, err := parseField(bag, pages)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseField(bag map[string]any, pages PageSizer) (Field, error) {
	page, err := intValue(bag, "page", 0)
	if err != nil {
		return Field{}, err
	}
	size, ok := pages.PageSize(page)
	if !ok {
		return Field{}, fmt.Errorf("page %d outside 1..%d", page, pages.PageCount())
	}
	signer, err := intValue(bag, "signerIndex", 0)
	if err != nil {
		return Field{}, err
	}
	if signer < 0 {
		return Field{}, fmt.Errorf("signerIndex %d is negative", signer)
	}

	var rel Rect
	if _, relative := bag["relativeX"]; relative {
		if rel, err = rectValue(bag, "relativeX", "relativeY", "relativeWidth", "relativeHeight"); err != nil {
			return Field{}, err
		}
	} else {
		abs, err := rectValue(bag, "x", "y", "width", "height")
		if err != nil {
			return Field{}, err
		}
		if rel, err = ToRelative(abs, size); err != nil {
			return Field{}, err
		}
	}
	if !WithinUnit(rel) {
		return Field{}, fmt.Errorf("rectangle %+v falls outside page %d", rel, page)
	}
	return Field{
		Page:           page,
		RelativeX:      rel.X,
		RelativeY:      rel.Y,
		RelativeWidth:  rel.Width,
		RelativeHeight: rel.Height,
		SignerIndex:    signer,
	}, nil
}

func rectValue(bag map[string]any, x, y, w, h string) (Rect, error) {
	var vals [4]float64
	for i, k := range []string{x, y, w, h} {
		v, err := floatValue(bag, k)
		if err != nil {
			return Rect{}, err
		}
		vals[i] = v
	}
	return Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

func floatValue(bag map[string]any, key string) (float64, error) {
	v, ok := bag[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%q: %w", key, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%q has unsupported type %T", key, v)
	}
}

func intValue(bag map[string]any, key string, fallback int) (int, error) {
	if _, ok := bag[key]; !ok {
		if key == "page" {
			return 0, fmt.Errorf("missing %q", key)
		}
		return fallback, nil
	}
	f, err := floatValue(bag, key)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("%q must be an integer, got %v", key, f)
	}
	return int(f), nil
}
