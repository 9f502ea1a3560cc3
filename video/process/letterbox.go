package process

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// Letterbox describes an aspect-preserving resize followed by constant
// padding, used to fit a frame into a model's input geometry.
type Letterbox struct {
	Ratio   float64
	Resized image.Point
	Top     int
	Bottom  int
	Left    int
	Right   int
}

// ComputeLetterbox fits src into target. When stride is positive the padding
// is reduced to the smallest rectangle whose sides are multiples of stride
// rather than filling target exactly. Unless scaleUp is set, images smaller
// than target are not enlarged.
func ComputeLetterbox(src, target image.Point, stride int, scaleUp bool) Letterbox {
	r := math.Min(float64(target.X)/float64(src.X), float64(target.Y)/float64(src.Y))
	if !scaleUp {
		r = math.Min(r, 1)
	}
	resized := image.Point{
		X: int(math.Round(float64(src.X) * r)),
		Y: int(math.Round(float64(src.Y) * r)),
	}
	dw, dh := target.X-resized.X, target.Y-resized.Y
	if stride > 0 {
		dw %= stride
		dh %= stride
	}
	hw, hh := float64(dw)/2, float64(dh)/2
	return Letterbox{
		Ratio:   r,
		Resized: resized,
		Top:     int(math.Round(hh - 0.1)),
		Bottom:  int(math.Round(hh + 0.1)),
		Left:    int(math.Round(hw - 0.1)),
		Right:   int(math.Round(hw + 0.1)),
	}
}

// Size is the final padded size.
func (l Letterbox) Size() image.Point {
	return image.Point{
		X: l.Resized.X + l.Left + l.Right,
		Y: l.Resized.Y + l.Top + l.Bottom,
	}
}

// Unmap converts a box in letterboxed pixel coordinates back to the source
// frame.
func (l Letterbox) Unmap(x1, y1, x2, y2 float32) image.Rectangle {
	fx := func(v float32) int {
		return int(math.Round((float64(v) - float64(l.Left)) / l.Ratio))
	}
	fy := func(v float32) int {
		return int(math.Round((float64(v) - float64(l.Top)) / l.Ratio))
	}
	return image.Rect(fx(x1), fy(y1), fx(x2), fy(y2))
}

// Apply writes the letterboxed version of src into dst.
func (l Letterbox) Apply(src gocv.Mat, dst *gocv.Mat, pad color.RGBA) {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, l.Resized, 0, 0, gocv.InterpolationLinear)
	gocv.CopyMakeBorder(resized, dst, l.Top, l.Bottom, l.Left, l.Right, gocv.BorderConstant, pad)
}
