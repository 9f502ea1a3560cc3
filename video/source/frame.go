package source

import (
	"image"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is an immutable snapshot captured from a Source. Frames are reference
// counted: whoever obtains a Frame owns one reference and must call Release
// exactly once. The underlying Mat must not be modified after publish; use
// Clone to obtain a private, writable copy.
type Frame struct {
	Mat  gocv.Mat
	Time time.Time
	// Seq increases by one for every frame published by a FrameSource.
	Seq uint64

	refs int32
	pool *MatPool
}

// NewFrame wraps m in a Frame holding a single reference. The frame takes
// ownership of m.
func NewFrame(m gocv.Mat, t time.Time) *Frame {
	return &Frame{
		Mat:  m,
		Time: t,
		refs: 1,
	}
}

func (f *Frame) Width() int    { return f.Mat.Cols() }
func (f *Frame) Height() int   { return f.Mat.Rows() }
func (f *Frame) Channels() int { return f.Mat.Channels() }

// Bounds returns the frame rectangle in pixel coordinates.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width(), f.Height())
}

// Retain adds a reference to the frame.
func (f *Frame) Retain() *Frame {
	if atomic.AddInt32(&f.refs, 1) <= 1 {
		panic("retain of released frame")
	}
	return f
}

// Release drops a reference. The Mat is recycled once no references remain.
func (f *Frame) Release() {
	n := atomic.AddInt32(&f.refs, -1)
	switch {
	case n < 0:
		panic("frame already released")
	case n == 0:
		if f.pool != nil {
			f.pool.Put(f.Mat)
		} else {
			f.Mat.Close()
		}
	}
}

// Clone returns a deep copy of the frame with its own single reference.
func (f *Frame) Clone() *Frame {
	n := NewFrame(f.Mat.Clone(), f.Time)
	n.Seq = f.Seq
	return n
}
