package process

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeLetterbox(t *testing.T) {
	tests := []struct {
		name   string
		src    image.Point
		target image.Point
		stride int
		want   Letterbox
	}{
		{
			name:   "fill target",
			src:    image.Pt(640, 480),
			target: image.Pt(320, 320),
			want:   Letterbox{Ratio: 0.5, Resized: image.Pt(320, 240), Top: 40, Bottom: 40},
		},
		{
			name:   "stride multiple",
			src:    image.Pt(640, 480),
			target: image.Pt(320, 320),
			stride: 32,
			want:   Letterbox{Ratio: 0.5, Resized: image.Pt(320, 240), Top: 8, Bottom: 8},
		},
		{
			name:   "odd padding",
			src:    image.Pt(300, 271),
			target: image.Pt(300, 300),
			want:   Letterbox{Ratio: 1, Resized: image.Pt(300, 271), Top: 14, Bottom: 15},
		},
		{
			name:   "portrait",
			src:    image.Pt(480, 640),
			target: image.Pt(320, 320),
			want:   Letterbox{Ratio: 0.5, Resized: image.Pt(240, 320), Left: 40, Right: 40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeLetterbox(tt.src, tt.target, tt.stride, true)
			assert.Equal(t, tt.want, got)
		})
	}

	lb := ComputeLetterbox(image.Pt(640, 480), image.Pt(320, 320), 32, true)
	assert.Equal(t, image.Pt(320, 256), lb.Size())

	lb = ComputeLetterbox(image.Pt(100, 50), image.Pt(320, 320), 0, false)
	assert.Equal(t, 1.0, lb.Ratio)
	assert.Equal(t, image.Pt(320, 320), lb.Size())
}

func TestLetterboxUnmap(t *testing.T) {
	lb := ComputeLetterbox(image.Pt(640, 480), image.Pt(320, 320), 0, true)
	// A box covering the whole non-padded area maps back to the full frame.
	got := lb.Unmap(0, 40, 320, 280)
	assert.Equal(t, image.Rect(0, 0, 640, 480), got)

	got = lb.Unmap(50, 90, 100, 140)
	assert.Equal(t, image.Rect(100, 100, 200, 200), got)
}

func TestDecodeSSD(t *testing.T) {
	data := []float32{
		0, 1, 0.9, 0.1, 0.2, 0.3, 0.4,
		0, 2, 0.3, 0.1, 0.1, 0.2, 0.2,
		-1, 0, 0, 0, 0, 0, 0,
	}
	got, err := DecodeSSD(data, 300, 300, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 30, got[0].X1, 1e-3)
	assert.InDelta(t, 60, got[0].Y1, 1e-3)
	assert.InDelta(t, 90, got[0].X2, 1e-3)
	assert.InDelta(t, 120, got[0].Y2, 1e-3)

	_, err = DecodeSSD(data[:5], 300, 300, 0.5)
	assert.Error(t, err)

	got, err = DecodeSSD(nil, 300, 300, 0.5)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeYOLO(t *testing.T) {
	// Two classes: each row is cx, cy, w, h, obj, c0, c1.
	data := []float32{
		100, 100, 20, 40, 0.9, 0.1, 0.95,
		50, 50, 10, 10, 0.2, 0.9, 0.1,
	}
	got, err := DecodeYOLO(data, 2, 7, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ClassID)
	assert.InDelta(t, 0.855, got[0].Confidence, 1e-3)
	assert.Equal(t, Candidate{ClassID: 1, Confidence: got[0].Confidence, X1: 90, Y1: 80, X2: 110, Y2: 120}, got[0])

	_, err = DecodeYOLO(data, 3, 7, 0.5)
	assert.Error(t, err)
	_, err = DecodeYOLO(data, 2, 5, 0.5)
	assert.Error(t, err)
}

func TestNMSAndBestPerClass(t *testing.T) {
	cands := []Candidate{
		{ClassID: 0, Confidence: 0.8, X1: 0, Y1: 0, X2: 10, Y2: 10},
		{ClassID: 0, Confidence: 0.9, X1: 1, Y1: 1, X2: 11, Y2: 11},
		{ClassID: 1, Confidence: 0.7, X1: 1, Y1: 1, X2: 11, Y2: 11},
		{ClassID: 0, Confidence: 0.6, X1: 50, Y1: 50, X2: 60, Y2: 60},
	}
	kept := NMS(cands, 0.5)
	require.Len(t, kept, 3)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, float32(0.7), kept[1].Confidence)
	assert.Equal(t, float32(0.6), kept[2].Confidence)

	best := BestPerClass(kept)
	require.Len(t, best, 2)
	assert.Equal(t, float32(0.9), best[0].Confidence)
	assert.Equal(t, 1, best[1].ClassID)

	assert.Equal(t, float32(0), IoU(cands[0], cands[3]))
	assert.InDelta(t, 1, IoU(cands[0], cands[0]), 1e-6)
}

func TestObjectPostprocess(t *testing.T) {
	d := &ObjectDetector{
		opts: ObjectOptions{
			Confidence:   0.5,
			NMSThreshold: 0.5,
			BestPerClass: true,
			Labels:       MobileNetLabels,
			Remap:        MobileNetRemap,
		},
		targets: map[string]bool{"person": true, "animal": true},
	}
	lb := ComputeLetterbox(image.Pt(640, 480), image.Pt(320, 320), 0, true)
	cands := []Candidate{
		{ClassID: 15, Confidence: 0.8, X1: 50, Y1: 90, X2: 100, Y2: 140},   // person
		{ClassID: 2, Confidence: 0.9, X1: 52, Y1: 92, X2: 100, Y2: 140},    // bicycle remaps to person
		{ClassID: 8, Confidence: 0.6, X1: 200, Y1: 100, X2: 400, Y2: 400},  // cat, box partly outside
		{ClassID: 7, Confidence: 0.95, X1: 0, Y1: 40, X2: 10, Y2: 50},      // car, not a target
		{ClassID: 12, Confidence: 0.4, X1: 0, Y1: 40, X2: 10, Y2: 50},      // dog, too weak
		{ClassID: 99, Confidence: 0.99, X1: 0, Y1: 40, X2: 10, Y2: 50},     // unknown id
	}
	got := d.postprocess(cands, lb, image.Rect(0, 0, 640, 480))
	require.Len(t, got, 2)

	assert.Equal(t, "person", got[0].Label)
	assert.Equal(t, float32(0.9), got[0].Confidence)
	assert.Equal(t, image.Rect(104, 104, 200, 200), got[0].Box)

	assert.Equal(t, "animal", got[1].Label)
	assert.Equal(t, image.Rect(400, 120, 640, 480), got[1].Box)
}

func TestObjectPostprocessVeto(t *testing.T) {
	opts := DefaultYOLOOptions()
	d := &ObjectDetector{
		opts:    opts,
		targets: labelSet(opts.Targets),
		veto:    labelSet(opts.Veto),
	}
	assert.Equal(t, float32(0.4), d.minConfidence())

	lb := ComputeLetterbox(image.Pt(640, 480), image.Pt(320, 320), 0, true)
	bounds := image.Rect(0, 0, 640, 480)
	hamster := Candidate{ClassID: 0, Confidence: 0.9, X1: 50, Y1: 90, X2: 100, Y2: 140}

	got := d.postprocess([]Candidate{hamster}, lb, bounds)
	require.Len(t, got, 1)
	assert.Equal(t, "hamster", got[0].Label)

	// A hand anywhere in the frame suppresses everything.
	hand := Candidate{ClassID: 1, Confidence: 0.45, X1: 200, Y1: 100, X2: 250, Y2: 150}
	assert.Empty(t, d.postprocess([]Candidate{hamster, hand}, lb, bounds))

	// Below the veto score a hand is just noise.
	hand.Confidence = 0.3
	got = d.postprocess([]Candidate{hamster, hand}, lb, bounds)
	require.Len(t, got, 1)
	assert.Equal(t, "hamster", got[0].Label)

	// Hamsters below the alert confidence are not reported.
	weak := hamster
	weak.Confidence = 0.5
	assert.Empty(t, d.postprocess([]Candidate{weak}, lb, bounds))
}

func TestNewObjectDetectorMissingModel(t *testing.T) {
	opts := DefaultSSDOptions()
	opts.Model = filepath.Join(t.TempDir(), "missing.pb")
	_, err := NewObjectDetector(opts)

	var mle *ModelLoadError
	require.ErrorAs(t, err, &mle)
	assert.ErrorIs(t, err, os.ErrNotExist)

	opts.Model = ""
	_, err = NewObjectDetector(opts)
	require.ErrorAs(t, err, &mle)
}

func TestLoadLabels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("hamster\n\nwheel\n"), 0644))
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, Labels{0: "hamster", 2: "wheel"}, labels)
}
