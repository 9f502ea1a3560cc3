package video

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	ExtSnapshot = ".jpg"

	// SnapshotTimeLayout defines the format of snapshot filenames.
	// See https://golang.org/src/time/format.go.
	SnapshotTimeLayout = "20060102150405"
)

var ErrNoSuchSnapshot = errors.New("no such snapshot")

type SnapshotRecord struct {
	ID   string
	Time time.Time
	Path string
	Size int64
}

// ArchiveListener is told whenever the set of snapshots changes.
type ArchiveListener interface {
	ArchiveUpdated()
}

type ArchiveOptions struct {
	BasePath string
	// MaxSize bounds the total bytes kept; the oldest snapshots are removed
	// first. Zero disables the limit.
	MaxSize int64
}

// Archive keeps alert snapshots as JPEG files in a single directory.
type Archive struct {
	opts ArchiveOptions

	Listeners []ArchiveListener

	l       sync.Mutex
	records []*SnapshotRecord // newest first
}

func NewArchive(opts ArchiveOptions) (*Archive, error) {
	if opts.BasePath == "" {
		return nil, errors.New("archive base path not set")
	}
	if err := os.MkdirAll(opts.BasePath, 0755); err != nil {
		return nil, err
	}
	a := &Archive{opts: opts}
	if err := a.refresh(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) refresh() error {
	files, err := os.ReadDir(a.opts.BasePath)
	if err != nil {
		return err
	}

	var records []*SnapshotRecord
	for _, file := range files {
		b := file.Name()
		if file.IsDir() || !strings.HasSuffix(b, ExtSnapshot) || len(b) < len(SnapshotTimeLayout) {
			continue
		}
		t, err := time.ParseInLocation(SnapshotTimeLayout, b[:len(SnapshotTimeLayout)], time.Local)
		if err != nil {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		records = append(records, &SnapshotRecord{
			ID:   strings.TrimSuffix(b, ExtSnapshot),
			Time: t,
			Path: filepath.Join(a.opts.BasePath, b),
			Size: info.Size(),
		})
	}
	sortRecords(records)

	a.l.Lock()
	a.records = records
	a.l.Unlock()
	return nil
}

func sortRecords(records []*SnapshotRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Time.Equal(records[j].Time) {
			return records[i].Time.After(records[j].Time)
		}
		return records[i].ID > records[j].ID
	})
}

// Save writes jpeg as the snapshot for t. Snapshots taken within the same
// second get a numeric suffix.
func (a *Archive) Save(t time.Time, jpeg []byte) (*SnapshotRecord, error) {
	a.l.Lock()
	base := t.Format(SnapshotTimeLayout)
	id := base
	for n := 1; a.indexLocked(id) >= 0; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	r := &SnapshotRecord{
		ID:   id,
		Time: t.Truncate(time.Second),
		Path: filepath.Join(a.opts.BasePath, id+ExtSnapshot),
		Size: int64(len(jpeg)),
	}
	// Reserve the id before writing outside the lock.
	a.records = append([]*SnapshotRecord{r}, a.records...)
	sortRecords(a.records)
	a.l.Unlock()

	if err := writeFileAtomic(r.Path, jpeg); err != nil {
		a.remove(r.ID)
		return nil, fmt.Errorf("saving snapshot %v: %w", r.ID, err)
	}
	log.Infof("Saved snapshot %v (%d bytes)", r.Path, r.Size)

	a.collect()
	a.notifyListeners()
	return r, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (a *Archive) indexLocked(id string) int {
	for i, r := range a.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (a *Archive) remove(id string) *SnapshotRecord {
	a.l.Lock()
	defer a.l.Unlock()
	i := a.indexLocked(id)
	if i < 0 {
		return nil
	}
	r := a.records[i]
	a.records = append(a.records[:i], a.records[i+1:]...)
	return r
}

// Records returns the snapshots, newest first.
func (a *Archive) Records() []*SnapshotRecord {
	a.l.Lock()
	defer a.l.Unlock()
	return append([]*SnapshotRecord(nil), a.records...)
}

func (a *Archive) Get(id string) *SnapshotRecord {
	a.l.Lock()
	defer a.l.Unlock()
	if i := a.indexLocked(id); i >= 0 {
		return a.records[i]
	}
	return nil
}

// TotalSize returns the bytes used by all snapshots.
func (a *Archive) TotalSize() int64 {
	a.l.Lock()
	defer a.l.Unlock()
	var sz int64
	for _, r := range a.records {
		sz += r.Size
	}
	return sz
}

func (a *Archive) Delete(id string) error {
	r := a.remove(id)
	if r == nil {
		return ErrNoSuchSnapshot
	}
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	log.Infof("Deleted snapshot %v", r.Path)
	a.notifyListeners()
	return nil
}

// collect removes the oldest snapshots until the archive fits MaxSize. The
// newest snapshot is always kept.
func (a *Archive) collect() {
	if a.opts.MaxSize <= 0 {
		return
	}
	var victims []*SnapshotRecord
	a.l.Lock()
	var sz int64
	for _, r := range a.records {
		sz += r.Size
	}
	for sz > a.opts.MaxSize && len(a.records) > 1 {
		r := a.records[len(a.records)-1]
		a.records = a.records[:len(a.records)-1]
		sz -= r.Size
		victims = append(victims, r)
	}
	a.l.Unlock()

	for _, r := range victims {
		if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Errorf("Failed to garbage collect snapshot %v: %v", r.Path, err)
			continue
		}
		log.Infof("Garbage collected snapshot %v", r.Path)
	}
}

func (a *Archive) notifyListeners() {
	for _, l := range a.Listeners {
		go l.ArchiveUpdated()
	}
}
