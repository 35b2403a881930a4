package commitlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/kolibridb/coredb/corerr"
)

const (
	defaultMaxSegmentBytes = 64 * 1024 * 1024
	segmentFileExt         = ".log"
)

var segmentFileNamePattern = regexp.MustCompile(`^segment-(\d+)\.log$`)

type segmentEntry struct {
	id   int
	name string
}

type segmentEntries []segmentEntry

func (a segmentEntries) Len() int           { return len(a) }
func (a segmentEntries) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a segmentEntries) Less(i, j int) bool { return a[i].id < a[j].id }

// segmentWriter manages the active, rotating WAL segment file. A segment may
// only be retired (deleted) once every memtable whose mutations it holds has
// been flushed to an SSTable — that decision belongs to the commit log
// facade, not this type, which only tracks which file is active right now.
type segmentWriter struct {
	mu             sync.Mutex
	active         *os.File
	activeID       int
	dir            string
	maxSegmentSize int64
}

func isDirectoryValid(path string) error {
	fi, err := os.Stat(path)
	if err == nil {
		if fi.IsDir() {
			return nil
		}
		return fmt.Errorf("path exists but is not a directory: %s", path)
	}
	return err
}

func newSegmentWriter(dir string, maxSegmentSize int64) (*segmentWriter, error) {
	if maxSegmentSize <= 0 {
		maxSegmentSize = defaultMaxSegmentBytes
	}

	sw := &segmentWriter{dir: dir, maxSegmentSize: maxSegmentSize}

	if err := isDirectoryValid(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, corerr.Wrap(corerr.KindIO, "commitlog: create segment dir", err)
			}
			return sw, sw.rotate()
		}
		return nil, corerr.Wrap(corerr.KindIO, "commitlog: stat segment dir", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "commitlog: read segment dir", err)
	}

	var found segmentEntries
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if filepath.Ext(entry.Name()) != segmentFileExt {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(entry.Name())
		if len(m) != 2 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, segmentEntry{id: id, name: entry.Name()})
	}

	if len(found) == 0 {
		return sw, sw.rotate()
	}

	sort.Sort(found)
	sw.activeID = found[len(found)-1].id

	f, err := os.OpenFile(sw.idToPath(sw.activeID), os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindIO, "commitlog: open active segment", err)
	}
	sw.active = f

	return sw, nil
}

func (s *segmentWriter) idToPath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("segment-%06d%s", id, segmentFileExt))
}

// rotate closes the current active segment (if any) and opens the next one.
// Callers must hold s.mu.
func (s *segmentWriter) rotate() error {
	if s.active != nil {
		if err := s.active.Close(); err != nil {
			return corerr.Wrap(corerr.KindIO, "commitlog: close segment", err)
		}
	}

	s.activeID++
	f, err := os.Create(s.idToPath(s.activeID))
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: create segment", err)
	}
	s.active = f
	return nil
}

// write appends n bytes (written by fn) to the active segment, rotating
// first if the write would exceed the segment size threshold. It does not
// fsync; that is left to sync.
func (s *segmentWriter) write(n int, fn func(w io.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return corerr.New(corerr.KindIO, "commitlog: active segment not initialized")
	}

	stat, err := s.active.Stat()
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: stat active segment", err)
	}

	if stat.Size()+int64(n) > s.maxSegmentSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	if err := fn(s.active); err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: write segment", err)
	}

	return nil
}

func (s *segmentWriter) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	if err := s.active.Sync(); err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: fsync segment", err)
	}
	return nil
}

func (s *segmentWriter) currentID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *segmentWriter) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	if err != nil {
		return corerr.Wrap(corerr.KindIO, "commitlog: close segment", err)
	}
	return nil
}

// segmentFiles returns every segment file under dir, sorted by id ascending.
func segmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var found segmentEntries
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		m := segmentFileNamePattern.FindStringSubmatch(entry.Name())
		if len(m) != 2 {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, segmentEntry{id: id, name: entry.Name()})
	}

	sort.Sort(found)

	paths := make([]string, 0, len(found))
	for _, e := range found {
		paths = append(paths, filepath.Join(dir, e.name))
	}
	return paths, nil
}
