package process

import (
	"fmt"
	"sort"
)

// Candidate is a raw model output box in letterboxed input pixels.
type Candidate struct {
	ClassID    int
	Confidence float32
	X1, Y1     float32
	X2, Y2     float32
}

func (c Candidate) area() float32 {
	w, h := c.X2-c.X1, c.Y2-c.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

const ssdRowLen = 7

// DecodeSSD parses DetectionOutput rows of
// [image id, class id, confidence, x1, y1, x2, y2] with coordinates normalized
// to the network input of the given size.
func DecodeSSD(data []float32, inputW, inputH int, minConf float32) ([]Candidate, error) {
	if len(data)%ssdRowLen != 0 {
		return nil, fmt.Errorf("ssd output length %d is not a multiple of %d", len(data), ssdRowLen)
	}
	var out []Candidate
	for i := 0; i < len(data); i += ssdRowLen {
		row := data[i : i+ssdRowLen]
		// Unused trailing rows carry a negative image id.
		if row[0] < 0 || row[2] < minConf {
			continue
		}
		out = append(out, Candidate{
			ClassID:    int(row[1]),
			Confidence: row[2],
			X1:         row[3] * float32(inputW),
			Y1:         row[4] * float32(inputH),
			X2:         row[5] * float32(inputW),
			Y2:         row[6] * float32(inputH),
		})
	}
	return out, nil
}

// DecodeYOLO parses rows of [cx, cy, w, h, objectness, class scores...] in
// input pixels. Confidence is objectness times the best class score.
func DecodeYOLO(data []float32, rows, cols int, minConf float32) ([]Candidate, error) {
	if cols < 6 {
		return nil, fmt.Errorf("yolo output has %d columns, need at least 6", cols)
	}
	if rows*cols != len(data) {
		return nil, fmt.Errorf("yolo output length %d does not match %dx%d", len(data), rows, cols)
	}
	var out []Candidate
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		obj := row[4]
		if obj < minConf {
			continue
		}
		best, bestScore := 0, float32(0)
		for c, s := range row[5:] {
			if s > bestScore {
				best, bestScore = c, s
			}
		}
		conf := obj * bestScore
		if conf < minConf {
			continue
		}
		cx, cy, w, h := row[0], row[1], row[2], row[3]
		out = append(out, Candidate{
			ClassID:    best,
			Confidence: conf,
			X1:         cx - w/2,
			Y1:         cy - h/2,
			X2:         cx + w/2,
			Y2:         cy + h/2,
		})
	}
	return out, nil
}

// IoU returns the intersection over union of two candidates.
func IoU(a, b Candidate) float32 {
	in := Candidate{
		X1: max32(a.X1, b.X1),
		Y1: max32(a.Y1, b.Y1),
		X2: min32(a.X2, b.X2),
		Y2: min32(a.Y2, b.Y2),
	}
	inter := in.area()
	if inter == 0 {
		return 0
	}
	return inter / (a.area() + b.area() - inter)
}

// NMS performs greedy non-max suppression within each class. The result is
// ordered by descending confidence.
func NMS(cands []Candidate, iouThresh float32) []Candidate {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	var keep []Candidate
	for _, c := range sorted {
		suppressed := false
		for _, k := range keep {
			if k.ClassID == c.ClassID && IoU(k, c) > iouThresh {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep = append(keep, c)
		}
	}
	return keep
}

// BestPerClass keeps only the highest confidence candidate of each class.
func BestPerClass(cands []Candidate) []Candidate {
	best := make(map[int]int)
	var out []Candidate
	for _, c := range cands {
		if i, ok := best[c.ClassID]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		best[c.ClassID] = len(out)
		out = append(out, c)
	}
	return out
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
