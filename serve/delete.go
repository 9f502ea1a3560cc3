package serve

import (
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"petcam/video"
)

type DeleteServer struct {
	Archive *video.Archive
}

func (s *DeleteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.Form.Get("id")
	err := s.Archive.Delete(id)
	switch {
	case errors.Is(err, video.ErrNoSuchSnapshot):
		http.Error(w, fmt.Sprintf("No snapshot found for id %v", id), http.StatusNotFound)
	case err != nil:
		log.Errorf("Failed to delete snapshot %v: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		log.WithField("addr", r.RemoteAddr).Infof("Deleted snapshot %v", id)
	}
}
