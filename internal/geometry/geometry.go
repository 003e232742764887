// Package geometry converts signature and annotation rectangles between a
// page's intrinsic coordinate space and the relative (0..1) space they are
// persisted in.
//
// Intrinsic size is the unrotated, unscaled media box of a page. Sizes
// reported by a viewer already include its zoom and display rotation and must
// not be passed here. Rotation never enters persisted geometry; consumers apply
// it at render time with RotateRelative.
package geometry

import (
	"fmt"
	"math"
)

// Epsilon is the tolerance used for bounds checks and round-trip comparisons.
const Epsilon = 1e-9

// Size is a page's intrinsic width and height in PDF points.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether both dimensions are positive and finite.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0 && !math.IsInf(s.Width, 0) && !math.IsInf(s.Height, 0)
}

// Rect is a rectangle with a top-left origin. Its unit is either points
// (absolute) or fractions of the page (relative) depending on context.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ApproxEqual compares two rectangles within tol on every component.
func (r Rect) ApproxEqual(o Rect, tol float64) bool {
	return math.Abs(r.X-o.X) <= tol && math.Abs(r.Y-o.Y) <= tol &&
		math.Abs(r.Width-o.Width) <= tol && math.Abs(r.Height-o.Height) <= tol
}

// ToRelative divides x and width by the page width and y and height by the
// page height.
func ToRelative(abs Rect, page Size) (Rect, error) {
	if !page.Valid() {
		return Rect{}, fmt.Errorf("page size %vx%v must be positive", page.Width, page.Height)
	}
	return Rect{
		X:      abs.X / page.Width,
		Y:      abs.Y / page.Height,
		Width:  abs.Width / page.Width,
		Height: abs.Height / page.Height,
	}, nil
}

// ToAbsolute is the inverse of ToRelative.
func ToAbsolute(rel Rect, page Size) (Rect, error) {
	if !page.Valid() {
		return Rect{}, fmt.Errorf("page size %vx%v must be positive", page.Width, page.Height)
	}
	return Rect{
		X:      rel.X * page.Width,
		Y:      rel.Y * page.Height,
		Width:  rel.Width * page.Width,
		Height: rel.Height * page.Height,
	}, nil
}

// WithinUnit reports whether a relative rectangle lies inside the page.
func WithinUnit(rel Rect) bool {
	if rel.Width <= 0 || rel.Height <= 0 || rel.X < -Epsilon || rel.Y < -Epsilon {
		return false
	}
	return rel.X+rel.Width <= 1+Epsilon && rel.Y+rel.Height <= 1+Epsilon
}

// FlipY converts an absolute top-left-origin rectangle into PDF user space,
// whose origin is the bottom-left corner of the page.
func FlipY(abs Rect, page Size) Rect {
	return Rect{X: abs.X, Y: page.Height - abs.Y - abs.Height, Width: abs.Width, Height: abs.Height}
}
