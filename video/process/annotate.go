package process

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"petcam/video/source"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	colorBox  = color.RGBA{R: 51, G: 51, B: 255, A: 255}
)

// Annotator draws detections onto a copy of a frame.
type Annotator struct {
	// Name, when Timestamp is set, prefixes the time overlay.
	Name      string
	Timestamp bool
	Color     color.RGBA
	Thickness int
}

func NewAnnotator(name string, timestamp bool) *Annotator {
	return &Annotator{
		Name:      name,
		Timestamp: timestamp,
		Color:     colorBox,
		Thickness: 2,
	}
}

// Annotate returns a new frame with every detection's box and label drawn.
// The input frame is left untouched. Boxes are clamped to the frame and
// boxes entirely outside it are skipped.
func (a *Annotator) Annotate(frame *source.Frame, detections []Detection) *source.Frame {
	out := frame.Clone()
	bounds := out.Bounds()

	font := gocv.FontHersheySimplex
	scale := 0.5
	if w := out.Width(); w > 0 {
		// Keep labels legible on large frames.
		scale = 0.0015 * float64(w)
	}

	for _, d := range detections {
		r := d.Box.Intersect(bounds)
		if r.Empty() {
			continue
		}
		gocv.Rectangle(&out.Mat, r, a.Color, a.Thickness)

		text := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		sz := gocv.GetTextSize(text, font, scale, 1)
		org := image.Point{X: r.Min.X, Y: r.Min.Y - 2}
		if org.Y < sz.Y {
			// Not enough room above the box; draw inside it.
			org.Y = r.Min.Y + sz.Y + 2
		}
		gocv.PutText(&out.Mat, text, org, font, scale, a.Color, 1)
	}

	if a.Timestamp {
		DrawTimestamp(a.Name, out)
	}
	return out
}

// DrawTimestamp draws the frame's capture time in the top left corner of img,
// which must be writable.
func DrawTimestamp(name string, img *source.Frame) {
	text := img.Time.Format("2006-01-02 15:04:05 MST")
	if name != "" {
		text = name + " - " + text
	}

	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(&img.Mat, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(&img.Mat, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)
}

// Needed reports whether Annotate would change a frame with these detections.
func (a *Annotator) Needed(detections []Detection) bool {
	return a.Timestamp || len(detections) > 0
}
