package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gezibash/clan/internal/audit"
	"github.com/gezibash/clan/internal/store"
)

const KeyDir = "dir"

// FileSink appends each scope's chain to <dir>/<scope>.jsonl. Only records
// newer than the file's last hash are written, so repeated exports extend
// the file instead of duplicating it.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates the archive directory.
func NewFileSink(config map[string]string) (*FileSink, error) {
	dir := store.GetString(config, KeyDir, "")
	if dir == "" {
		return nil, store.NewConfigError("file", KeyDir, "cannot be empty")
	}
	dir = store.ExpandPath(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, store.NewConfigErrorWithCause("file", KeyDir, "failed to create directory", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Name() string { return "file" }

// Path returns the archive file of scope.
func (s *FileSink) Path(scope string) string {
	return filepath.Join(s.dir, scope+".jsonl")
}

func (s *FileSink) Write(_ context.Context, exp *audit.Export) (string, error) {
	if err := audit.ValidateScope(exp.Scope); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(exp.Scope)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return "", fmt.Errorf("lock archive: %w", err)
	}
	defer unlockFile(f) //nolint:errcheck

	last, err := lastHash(f)
	if err != nil {
		return "", err
	}

	start := 0
	if last != "" {
		start = -1
		for i, rec := range exp.Records {
			if rec.Hash == last {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return "", fmt.Errorf("%w: %s ends at %s", ErrDiverged, path, last)
		}
	}

	if _, err := f.Seek(0, 2); err != nil {
		return "", fmt.Errorf("seek archive: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteJSONL(w, exp.Records[start:]); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync archive: %w", err)
	}
	return path, nil
}

func (s *FileSink) Close() error { return nil }

func lastHash(f *os.File) (string, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", fmt.Errorf("seek archive: %w", err)
	}
	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		last = rec.Hash
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan archive: %w", err)
	}
	return last, nil
}
