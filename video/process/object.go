package process

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"petcam/video/source"
)

type ModelFormat string

const (
	// FormatSSD is a DetectionOutput layer yielding [1, 1, N, 7].
	FormatSSD ModelFormat = "ssd"
	// FormatYOLO is a YOLOv5 style head yielding [1, N, 5+classes].
	FormatYOLO ModelFormat = "yolo"
)

type ObjectOptions struct {
	// Model and Config are passed to OpenCV's dnn.readNet. Config may be
	// empty for self-contained formats such as ONNX.
	Model  string
	Config string
	Format ModelFormat

	InputSize image.Point
	// Stride, when positive, pads only up to a multiple of Stride instead of
	// the full InputSize.
	Stride   int
	PadColor color.RGBA
	Scale    float64
	Mean     gocv.Scalar
	SwapRB   bool
	// OutputName selects the output layer; empty uses the default.
	OutputName string

	Confidence   float32
	NMSThreshold float32
	// BestPerClass keeps only the most confident box of each class.
	BestPerClass bool

	Labels Labels
	// Remap optionally renames labels; labels absent from a non-empty Remap
	// are dropped.
	Remap map[string]string
	// Targets, if set, restricts output to these labels.
	Targets []string
	// Veto lists model labels whose presence empties the whole frame's
	// result, such as the owner's hand reaching into the cage.
	Veto []string
	// VetoConfidence is the score at which a vetoed label counts. Zero uses
	// Confidence.
	VetoConfidence float32
}

// DefaultSSDOptions suits a TensorFlow Object Detection API SSD MobileNet.
func DefaultSSDOptions() ObjectOptions {
	return ObjectOptions{
		Format:       FormatSSD,
		InputSize:    image.Point{X: 300, Y: 300},
		PadColor:     color.RGBA{R: 114, G: 114, B: 114, A: 255},
		Scale:        1,
		SwapRB:       true,
		Confidence:   0.5,
		NMSThreshold: 0.45,
		BestPerClass: true,
		Labels:       HamsterLabels,
	}
}

// DefaultYOLOOptions suits a YOLOv5 ONNX export of the hamster/hand model.
func DefaultYOLOOptions() ObjectOptions {
	return ObjectOptions{
		Format:         FormatYOLO,
		InputSize:      image.Point{X: 320, Y: 320},
		PadColor:       color.RGBA{R: 114, G: 114, B: 114, A: 255},
		Scale:          1.0 / 255,
		SwapRB:         true,
		Confidence:     0.7,
		NMSThreshold:   0.5,
		BestPerClass:   true,
		Labels:         YOLOHamsterLabels,
		Targets:        []string{"hamster"},
		Veto:           []string{"hand"},
		VetoConfidence: 0.4,
	}
}

// ObjectDetector runs a trained detection network through OpenCV's dnn
// module.
type ObjectDetector struct {
	opts    ObjectOptions
	targets map[string]bool
	veto    map[string]bool

	l     sync.Mutex
	net   gocv.Net
	boxed gocv.Mat
}

// NewObjectDetector loads the model, failing with *ModelLoadError if it is
// missing or unreadable.
func NewObjectDetector(opts ObjectOptions) (*ObjectDetector, error) {
	for _, p := range []string{opts.Model, opts.Config} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return nil, &ModelLoadError{Path: p, Err: err}
		}
	}
	if opts.Model == "" {
		return nil, &ModelLoadError{Err: errors.New("no model configured")}
	}
	if opts.InputSize.X <= 0 || opts.InputSize.Y <= 0 {
		return nil, &ModelLoadError{Path: opts.Model, Err: fmt.Errorf("invalid input size %v", opts.InputSize)}
	}
	if opts.Format != FormatSSD && opts.Format != FormatYOLO {
		return nil, &ModelLoadError{Path: opts.Model, Err: fmt.Errorf("unknown model format %q", opts.Format)}
	}

	net := gocv.ReadNet(opts.Model, opts.Config)
	if net.Empty() {
		net.Close()
		return nil, &ModelLoadError{Path: opts.Model, Err: errors.New("network is empty")}
	}

	d := &ObjectDetector{
		opts:  opts,
		net:   net,
		boxed: gocv.NewMat(),
	}
	d.targets = labelSet(opts.Targets)
	d.veto = labelSet(opts.Veto)
	log.Infof("Loaded %s model %v with %d labels", opts.Format, opts.Model, len(opts.Labels))
	return d, nil
}

func labelSet(labels []string) map[string]bool {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

func (d *ObjectDetector) vetoConfidence() float32 {
	if d.opts.VetoConfidence > 0 {
		return d.opts.VetoConfidence
	}
	return d.opts.Confidence
}

// minConfidence is the lowest score postprocess looks at.
func (d *ObjectDetector) minConfidence() float32 {
	if d.veto != nil && d.vetoConfidence() < d.opts.Confidence {
		return d.vetoConfidence()
	}
	return d.opts.Confidence
}

func (d *ObjectDetector) Name() string { return "object" }

func (d *ObjectDetector) Detect(frame *source.Frame) ([]Detection, error) {
	d.l.Lock()
	defer d.l.Unlock()

	start := time.Now()
	defer func() {
		log.Debugf("Object detector ran in %v", time.Since(start))
	}()

	lb := ComputeLetterbox(image.Pt(frame.Width(), frame.Height()), d.opts.InputSize, d.opts.Stride, true)
	lb.Apply(frame.Mat, &d.boxed, d.opts.PadColor)
	size := lb.Size()

	blob := gocv.BlobFromImage(d.boxed, d.opts.Scale, size, d.opts.Mean, d.opts.SwapRB, false)
	defer blob.Close()
	d.net.SetInput(blob, "")

	out := d.net.Forward(d.opts.OutputName)
	defer out.Close()
	if out.Empty() || out.Total() == 0 {
		return nil, nil
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, &InferenceError{Detector: d.Name(), Err: err}
	}

	var cands []Candidate
	switch d.opts.Format {
	case FormatYOLO:
		dims := out.Size()
		cols := dims[len(dims)-1]
		if cols <= 0 {
			return nil, &InferenceError{Detector: d.Name(), Err: fmt.Errorf("bad output shape %v", dims)}
		}
		cands, err = DecodeYOLO(data, len(data)/cols, cols, d.minConfidence())
	default:
		cands, err = DecodeSSD(data, size.X, size.Y, d.minConfidence())
	}
	if err != nil {
		return nil, &InferenceError{Detector: d.Name(), Err: err}
	}
	return d.postprocess(cands, lb, frame.Bounds()), nil
}

// postprocess labels, filters and suppresses candidates, then maps them back
// to frame coordinates.
func (d *ObjectDetector) postprocess(cands []Candidate, lb Letterbox, bounds image.Rectangle) []Detection {
	// Candidates are re-keyed by output label so that suppression treats
	// remapped classes as one.
	var kept []Candidate
	ids := make(map[string]int)
	var names []string
	for _, c := range cands {
		label, ok := d.opts.Labels[c.ClassID]
		if !ok {
			continue
		}
		if d.veto[label] && c.Confidence >= d.vetoConfidence() {
			log.Debugf("Ignoring frame, %q present (%.2f)", label, c.Confidence)
			return nil
		}
		if c.Confidence < d.opts.Confidence {
			continue
		}
		if len(d.opts.Remap) > 0 {
			if label, ok = d.opts.Remap[label]; !ok {
				continue
			}
		}
		if d.targets != nil && !d.targets[label] {
			continue
		}
		id, ok := ids[label]
		if !ok {
			id = len(names)
			ids[label] = id
			names = append(names, label)
		}
		c.ClassID = id
		kept = append(kept, c)
	}

	kept = NMS(kept, d.opts.NMSThreshold)
	if d.opts.BestPerClass {
		kept = BestPerClass(kept)
	}

	var out []Detection
	for _, c := range kept {
		box := lb.Unmap(c.X1, c.Y1, c.X2, c.Y2).Intersect(bounds)
		if box.Empty() {
			continue
		}
		out = append(out, Detection{
			Label:      names[c.ClassID],
			Confidence: c.Confidence,
			Box:        box,
		})
	}
	SortByConfidence(out)
	return out
}

func (d *ObjectDetector) Close() error {
	d.l.Lock()
	defer d.l.Unlock()
	d.boxed.Close()
	return d.net.Close()
}
