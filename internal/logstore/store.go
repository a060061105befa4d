// Package logstore persists raw device logs, one file per serial and log
// id, before anything tries to decode them.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/gspctl/internal/protocol"
)

const Ext = ".sbem"

// Store writes logs under one directory.
type Store struct {
	dir string
}

// Entry is one persisted log.
type Entry struct {
	Serial string
	LogID  uint32
	Path   string
	Size   int64
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", protocol.ErrIO, dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// FileName is log_<id>_<serial>.sbem with path separators stripped from
// the serial.
func FileName(serial string, logID uint32) string {
	return fmt.Sprintf("log_%d_%s%s", logID, sanitize(serial), Ext)
}

func (s *Store) Path(serial string, logID uint32) string {
	return filepath.Join(s.dir, FileName(serial, logID))
}

// Save writes data atomically through a temp file and rename. Saving the
// same (serial, log id) again replaces the previous file.
func (s *Store) Save(serial string, logID uint32, data []byte) (string, error) {
	dst := s.Path(serial, logID)
	tmp, err := os.CreateTemp(s.dir, ".log-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: write %s: %v", protocol.ErrIO, dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: close %s: %v", protocol.ErrIO, dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: rename %s: %v", protocol.ErrIO, dst, err)
	}
	return dst, nil
}

func (s *Store) Load(serial string, logID uint32) ([]byte, error) {
	data, err := os.ReadFile(s.Path(serial, logID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	return data, nil
}

// List returns persisted logs for serial (all serials when empty), sorted
// by serial then log id.
func (s *Store) List(serial string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "log_*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	var out []Entry
	for _, path := range matches {
		e, ok := ParseName(filepath.Base(path))
		if !ok || (serial != "" && e.Serial != sanitize(serial)) {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		e.Path = path
		e.Size = info.Size()
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Serial != out[j].Serial {
			return out[i].Serial < out[j].Serial
		}
		return out[i].LogID < out[j].LogID
	})
	return out, nil
}

// ParseName extracts serial and log id from a FileName result.
func ParseName(name string) (Entry, bool) {
	if !strings.HasPrefix(name, "log_") || !strings.HasSuffix(name, Ext) {
		return Entry{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, "log_"), Ext)
	idPart, serial, ok := strings.Cut(rest, "_")
	if !ok || serial == "" {
		return Entry{}, false
	}
	var id uint32
	if _, err := fmt.Sscanf(idPart, "%d", &id); err != nil {
		return Entry{}, false
	}
	return Entry{Serial: serial, LogID: id}, true
}

func sanitize(serial string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, strings.TrimSpace(serial))
}
