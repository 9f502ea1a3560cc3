package serve

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"petcam/video"
)

// SnapshotServer serves a single snapshot JPEG by id.
type SnapshotServer struct {
	Archive *video.Archive
}

func (s *SnapshotServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.Form.Get("id")
	rec := s.Archive.Get(id)
	if rec == nil {
		http.Error(w, fmt.Sprintf("No snapshot found for id %v", id), http.StatusNotFound)
		return
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if _, err := io.Copy(w, f); err != nil {
		log.WithField("addr", r.RemoteAddr).Debugf("Snapshot %v not fully sent: %v", id, err)
	}
}
