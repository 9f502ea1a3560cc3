package process

import (
	"image"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"petcam/video/source"
)

const MotionLabel = "motion"

type MotionOptions struct {
	// Alpha is the weight of each new frame in the running background average.
	Alpha float64
	// Threshold is the per-pixel intensity difference counted as change.
	Threshold float32
	// MinArea is the smallest contour area, in square pixels, reported.
	MinArea float64
}

func DefaultMotionOptions() MotionOptions {
	return MotionOptions{
		Alpha:     0.01,
		Threshold: 15,
		MinArea:   500,
	}
}

// MotionDetector detects moving regions by differencing each frame against an
// exponential moving average of previous frames.
type MotionDetector struct {
	opts MotionOptions

	l sync.Mutex
	// bg is the running average in CV_32F grayscale. Empty until seeded.
	bg gocv.Mat

	gray, bgAbs, delta, thresh gocv.Mat
}

func NewMotionDetector(opts MotionOptions) *MotionDetector {
	return &MotionDetector{
		opts:   opts,
		bg:     gocv.NewMat(),
		gray:   gocv.NewMat(),
		bgAbs:  gocv.NewMat(),
		delta:  gocv.NewMat(),
		thresh: gocv.NewMat(),
	}
}

func (m *MotionDetector) Name() string { return "motion" }

// SetOptions changes the tuning from the next frame on. The background model
// is kept.
func (m *MotionDetector) SetOptions(opts MotionOptions) {
	m.l.Lock()
	defer m.l.Unlock()
	m.opts = opts
}

func (m *MotionDetector) Options() MotionOptions {
	m.l.Lock()
	defer m.l.Unlock()
	return m.opts
}

func (m *MotionDetector) Detect(frame *source.Frame) ([]Detection, error) {
	m.l.Lock()
	defer m.l.Unlock()

	switch frame.Channels() {
	case 1:
		frame.Mat.CopyTo(&m.gray)
	case 4:
		gocv.CvtColor(frame.Mat, &m.gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(frame.Mat, &m.gray, gocv.ColorBGRToGray)
	}

	if m.bg.Empty() || m.bg.Rows() != m.gray.Rows() || m.bg.Cols() != m.gray.Cols() {
		if !m.bg.Empty() {
			log.Infof("Frame size changed to %dx%d, reseeding motion background", m.gray.Cols(), m.gray.Rows())
		}
		// No history to compare against yet.
		m.gray.ConvertTo(&m.bg, gocv.MatTypeCV32F)
		return nil, nil
	}

	gocv.AccumulatedWeighted(m.gray, &m.bg, m.opts.Alpha)
	gocv.ConvertScaleAbs(m.bg, &m.bgAbs, 1, 0)
	gocv.AbsDiff(m.gray, m.bgAbs, &m.delta)
	gocv.Threshold(m.delta, &m.thresh, m.opts.Threshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(m.thresh, gocv.RetrievalCComp, gocv.ChainApproxSimple)
	defer contours.Close()

	var out []Detection
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < m.opts.MinArea {
			continue
		}
		out = append(out, Detection{
			Label:      MotionLabel,
			Confidence: 1,
			Box:        gocv.BoundingRect(c).Intersect(image.Rect(0, 0, frame.Width(), frame.Height())),
		})
	}
	return out, nil
}

// Reset discards the background so that the next frame reseeds it.
func (m *MotionDetector) Reset() {
	m.l.Lock()
	defer m.l.Unlock()
	m.bg.Close()
	m.bg = gocv.NewMat()
}

func (m *MotionDetector) Close() error {
	m.l.Lock()
	defer m.l.Unlock()
	for _, mat := range []gocv.Mat{m.bg, m.gray, m.bgAbs, m.delta, m.thresh} {
		mat.Close()
	}
	return nil
}
