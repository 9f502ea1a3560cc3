package process

import (
	"bufio"
	"os"
	"strings"
)

// Labels maps model class ids to human readable names.
type Labels map[int]string

// HamsterLabels is the class table of the custom SSD pet model.
var HamsterLabels = Labels{
	1: "hamster",
	2: "wheel",
	3: "toilet",
}

// YOLOHamsterLabels is the class table of the custom YOLOv5 model.
var YOLOHamsterLabels = Labels{
	0: "hamster",
	1: "hand",
}

// Detection classes for MobileNet SSD
var MobileNetLabels = Labels{
	0: "background",
	1: "aeroplane", 2: "bicycle", 3: "bird", 4: "boat",
	5: "bottle", 6: "bus", 7: "car", 8: "cat", 9: "chair",
	10: "cow", 11: "diningtable", 12: "dog", 13: "horse",
	14: "motorbike", 15: "person", 16: "pottedplant",
	17: "sheep", 18: "sofa", 19: "train", 20: "tvmonitor",
}

// Mapping from a class returned by mobilenet to a coarser output class.
var MobileNetRemap = map[string]string{
	"bicycle":   "person",
	"person":    "person",
	"bus":       "vehicle",
	"car":       "vehicle",
	"motorbike": "vehicle",
	"train":     "vehicle",
	"cat":       "animal",
	"cow":       "animal",
	"dog":       "animal",
	"horse":     "animal",
	"sheep":     "animal",
}

// LoadLabels reads one label per line; the line number (from zero) is the
// class id. Blank lines keep their id but get no label.
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	labels := make(Labels)
	s := bufio.NewScanner(f)
	for id := 0; s.Scan(); id++ {
		if l := strings.TrimSpace(s.Text()); l != "" {
			labels[id] = l
		}
	}
	return labels, s.Err()
}
