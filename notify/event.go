package notify

import (
	"time"

	"petcam/video/process"
)

// Event describes a single detection on a streamed frame.
type Event struct {
	Time       time.Time `json:"time"`
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`

	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`

	FrameWidth  int `json:"frame_width"`
	FrameHeight int `json:"frame_height"`
}

func NewEvent(t time.Time, d process.Detection, frameWidth, frameHeight int) *Event {
	x, y, w, h := d.XYWH()
	return &Event{
		Time:        t,
		Label:       d.Label,
		Confidence:  d.Confidence,
		X:           x,
		Y:           y,
		W:           w,
		H:           h,
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
	}
}

// EventSink receives detection events. Emit must not block the caller; sinks
// that do slow work queue it and drop on backlog.
type EventSink interface {
	Emit(e *Event)
}

// MultiSink forwards every event to each of its sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(e *Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
