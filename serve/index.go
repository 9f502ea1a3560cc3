package serve

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	assetfs "github.com/elazarl/go-bindata-assetfs"
	log "github.com/sirupsen/logrus"
)

//go:embed web
var webFiles embed.FS

var indexTemplate = template.Must(template.ParseFS(webFiles, "web/index.html"))

// Assets exposes the embedded static files as an http.FileSystem rooted at
// web/static.
func Assets() *assetfs.AssetFS {
	clean := func(name string) string {
		return path.Clean(strings.TrimPrefix(name, "/"))
	}
	return &assetfs.AssetFS{
		Asset: func(name string) ([]byte, error) {
			return webFiles.ReadFile(clean(name))
		},
		AssetDir: func(name string) ([]string, error) {
			entries, err := webFiles.ReadDir(clean(name))
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			return names, nil
		},
		AssetInfo: func(name string) (fs.FileInfo, error) {
			return fs.Stat(webFiles, clean(name))
		},
		Prefix: "web/static",
	}
}

type IndexData struct {
	Name        string
	PushEnabled bool
}

// IndexServer renders the viewer page.
type IndexServer struct {
	Data func() IndexData
}

func (s *IndexServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, s.Data()); err != nil {
		log.Errorf("Failed to render index: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
