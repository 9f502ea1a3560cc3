package serve

import (
	"net/http"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"petcam/video"
	"petcam/video/sink"
)

// StreamServer serves the live MJPEG feed, one pipeline session per request.
type StreamServer struct {
	Pipeline *video.Pipeline
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	clog := log.WithFields(log.Fields{
		"addr":    r.RemoteAddr,
		"session": id,
	})
	clog.Info("MJPEG stream connected")

	sink.WriteHeader(w)
	mw := sink.NewMJPEGWriter(w)
	err := s.Pipeline.Run(video.WithSession(r.Context(), id), mw)
	if err != nil && mw.Frames() == 0 {
		// Nothing was sent yet, so the status can still be changed.
		w.Header().Del("Content-Type")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
	clog.Infof("MJPEG stream disconnected after %d frames", mw.Frames())
}
