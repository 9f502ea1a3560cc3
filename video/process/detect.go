package process

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"petcam/video/source"
)

// Detection is a single result of running a Detector on one frame. Box is in
// pixel coordinates of the source frame.
type Detection struct {
	Label      string
	Confidence float32
	Box        image.Rectangle
}

// XYWH returns the bounding box as top-left corner plus size.
func (d Detection) XYWH() (x, y, w, h int) {
	return d.Box.Min.X, d.Box.Min.Y, d.Box.Dx(), d.Box.Dy()
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f %v", d.Label, d.Confidence, d.Box)
}

// Detector analyzes a frame and reports what it found. Implementations guard
// their own internal state so a single instance may be shared by every
// stream; callers must not modify the frame.
type Detector interface {
	Name() string
	Detect(frame *source.Frame) ([]Detection, error)
	Close() error
}

// SortByConfidence orders detections highest confidence first.
func SortByConfidence(ds []Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Confidence > ds[j].Confidence
	})
}

// DebugString summarizes detections for logging.
func DebugString(ds []Detection) string {
	var parts []string
	for _, d := range ds {
		parts = append(parts, fmt.Sprintf("%s: %.2f", d.Label, d.Confidence))
	}
	return strings.Join(parts, ", ")
}

// ModelLoadError is returned when a detector model cannot be loaded.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// InferenceError is a failure to analyze a single frame. The frame should be
// treated as having no detections.
type InferenceError struct {
	Detector string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference: %v", e.Detector, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }
