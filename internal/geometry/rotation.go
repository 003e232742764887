package geometry

import "fmt"

// NormalizeRotation folds degrees into {0, 90, 180, 270}. Values that are not
// a multiple of 90 are rejected.
func NormalizeRotation(degrees int) (int, error) {
	if degrees%90 != 0 {
		return 0, fmt.Errorf("rotation %d is not a multiple of 90", degrees)
	}
	return ((degrees % 360) + 360) % 360, nil
}

// AddRotation applies delta to current and stays on the four-way cycle, so two
// +90 requests give 180 and four give the original value.
func AddRotation(current, delta int) (int, error) {
	cur, err := NormalizeRotation(current)
	if err != nil {
		return 0, err
	}
	d, err := NormalizeRotation(delta)
	if err != nil {
		return 0, err
	}
	return (cur + d) % 360, nil
}

// DisplaySize is the size a page occupies once shown rotated clockwise.
func DisplaySize(page Size, degrees int) Size {
	if r, err := NormalizeRotation(degrees); err == nil && (r == 90 || r == 270) {
		return Size{Width: page.Height, Height: page.Width}
	}
	return page
}

// RotateRelative maps a relative rectangle from the intrinsic frame into the
// frame of the page shown rotated clockwise by degrees.
func RotateRelative(rel Rect, degrees int) (Rect, error) {
	r, err := NormalizeRotation(degrees)
	if err != nil {
		return Rect{}, err
	}
	switch r {
	case 90:
		return Rect{X: 1 - rel.Y - rel.Height, Y: rel.X, Width: rel.Height, Height: rel.Width}, nil
	case 180:
		return Rect{X: 1 - rel.X - rel.Width, Y: 1 - rel.Y - rel.Height, Width: rel.Width, Height: rel.Height}, nil
	case 270:
		return Rect{X: rel.Y, Y: 1 - rel.X - rel.Width, Width: rel.Height, Height: rel.Width}, nil
	default:
		return rel, nil
	}
}
