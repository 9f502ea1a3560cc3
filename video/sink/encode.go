package sink

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"

	"petcam/video/source"
)

const DefaultQuality = 80

// EncodingError is returned when a frame cannot be compressed.
type EncodingError struct {
	Seq uint64
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding frame %d: %v", e.Seq, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// EncodeJPEG compresses frame to a JPEG. quality is clamped to [1, 100]; zero
// selects DefaultQuality. The returned slice is owned by the caller.
func EncodeJPEG(frame *source.Frame, quality int) ([]byte, error) {
	if frame.Mat.Empty() {
		return nil, &EncodingError{Seq: frame.Seq, Err: errors.New("empty frame")}
	}
	switch {
	case quality == 0:
		quality = DefaultQuality
	case quality < 1:
		quality = 1
	case quality > 100:
		quality = 100
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame.Mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, &EncodingError{Seq: frame.Seq, Err: err}
	}
	defer buf.Close()

	b := buf.GetBytes()
	if len(b) == 0 {
		return nil, &EncodingError{Seq: frame.Seq, Err: errors.New("encoder produced no data")}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
