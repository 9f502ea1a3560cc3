package serve

import (
	"encoding/json"
	"net/http"

	"petcam/video"
)

type MetaEntry struct {
	ID        string
	Timestamp int64
	Size      int64
}

type MetaResponse struct {
	Items []*MetaEntry

	ItemsTotalSize  int64
	ItemsCount      int
	OldestTimestamp int64
}

func toMetaEntry(r *video.SnapshotRecord) *MetaEntry {
	return &MetaEntry{
		ID:        r.ID,
		Timestamp: r.Time.Unix(),
		Size:      r.Size,
	}
}

// MetaServer lists snapshots as JSON, newest first.
type MetaServer struct {
	Archive *video.Archive
}

func (s *MetaServer) BuildResponse() *MetaResponse {
	records := s.Archive.Records()

	resp := &MetaResponse{Items: []*MetaEntry{}}
	var sz int64
	for _, r := range records {
		resp.Items = append(resp.Items, toMetaEntry(r))
		sz += r.Size
		resp.OldestTimestamp = r.Time.Unix()
	}
	resp.ItemsTotalSize = sz
	resp.ItemsCount = len(records)
	return resp
}

func (s *MetaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(s.BuildResponse())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
