package sink

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

// Boundary separates parts of the MJPEG response.
const Boundary = "frame"

// ContentType is the response content type matching the parts written by
// MJPEGWriter.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// MJPEGWriter writes frames as parts of a multipart/x-mixed-replace body,
// flushing after each part if the underlying writer supports it.
type MJPEGWriter struct {
	mw      *multipart.Writer
	flusher http.Flusher
	frames  int
}

func NewMJPEGWriter(w io.Writer) *MJPEGWriter {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		// Boundary is a valid constant.
		panic(err)
	}
	f, _ := w.(http.Flusher)
	return &MJPEGWriter{
		mw:      mw,
		flusher: f,
	}
}

// WriteHeader sets the content type for the stream on an HTTP response. It
// must be called before the first frame is written.
func WriteHeader(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
}

func (m *MJPEGWriter) WriteFrame(jpeg []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(jpeg)))

	part, err := m.mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("mjpeg part header: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return fmt.Errorf("mjpeg part body: %w", err)
	}
	if m.flusher != nil {
		m.flusher.Flush()
	}
	m.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (m *MJPEGWriter) Frames() int {
	return m.frames
}
