package process

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"petcam/video/source"
)

func solidFrame(t *testing.T, v float64) *source.Frame {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, 0), 480, 640, gocv.MatTypeCV8UC3)
	return source.NewFrame(m, time.Now())
}

func TestMotionIdenticalFramesNeverDetect(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	for i := 0; i < 3; i++ {
		f := solidFrame(t, 80)
		dets, err := md.Detect(f)
		f.Release()
		require.NoError(t, err)
		assert.Empty(t, dets, "frame %d", i)
	}
}

func TestMotionFirstFrameNeverDetects(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	f := solidFrame(t, 0)
	gocv.Rectangle(&f.Mat, image.Rect(100, 100, 150, 150), color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	dets, err := md.Detect(f)
	f.Release()
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestMotionBlockDetected(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	bg := solidFrame(t, 0)
	dets, err := md.Detect(bg)
	bg.Release()
	require.NoError(t, err)
	require.Empty(t, dets)

	moved := solidFrame(t, 0)
	gocv.Rectangle(&moved.Mat, image.Rect(100, 100, 150, 150), color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	dets, err = md.Detect(moved)
	moved.Release()
	require.NoError(t, err)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, MotionLabel, d.Label)
	assert.Equal(t, float32(1), d.Confidence)
	x, y, w, h := d.XYWH()
	assert.InDelta(t, 100, x, 1)
	assert.InDelta(t, 100, y, 1)
	assert.InDelta(t, 50, w, 1)
	assert.InDelta(t, 50, h, 1)
}

func TestMotionSmallRegionIgnored(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	bg := solidFrame(t, 0)
	_, err := md.Detect(bg)
	bg.Release()
	require.NoError(t, err)

	// 10x10 is well under the 500 px² minimum.
	moved := solidFrame(t, 0)
	gocv.Rectangle(&moved.Mat, image.Rect(10, 10, 20, 20), color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	dets, err := md.Detect(moved)
	moved.Release()
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestMotionSmallDifferenceBelowThreshold(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	bg := solidFrame(t, 100)
	_, err := md.Detect(bg)
	bg.Release()
	require.NoError(t, err)

	moved := solidFrame(t, 100)
	gocv.Rectangle(&moved.Mat, image.Rect(100, 100, 200, 200), color.RGBA{R: 110, G: 110, B: 110, A: 255}, -1)
	dets, err := md.Detect(moved)
	moved.Release()
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestMotionReseedsOnSizeChange(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	f := solidFrame(t, 0)
	_, err := md.Detect(f)
	f.Release()
	require.NoError(t, err)

	small := source.NewFrame(gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 240, 320, gocv.MatTypeCV8UC3), time.Now())
	dets, err := md.Detect(small)
	small.Release()
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestMotionSetOptionsKeepsBackground(t *testing.T) {
	md := NewMotionDetector(DefaultMotionOptions())
	defer md.Close()

	bg := solidFrame(t, 0)
	_, err := md.Detect(bg)
	bg.Release()
	require.NoError(t, err)

	opts := DefaultMotionOptions()
	opts.MinArea = 5000
	md.SetOptions(opts)
	assert.Equal(t, opts, md.Options())

	// 50x50 is now below the minimum area.
	moved := solidFrame(t, 0)
	gocv.Rectangle(&moved.Mat, image.Rect(100, 100, 150, 150), color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	dets, err := md.Detect(moved)
	moved.Release()
	require.NoError(t, err)
	assert.Empty(t, dets)
}
