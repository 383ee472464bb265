package selection

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"kseschedule/internal/model"
)

// Store persists the selected group ids as a comma-joined list in a
// single file. All methods are safe for concurrent use; callers always
// receive copies.
type Store struct {
	path string

	mu  sync.RWMutex
	sel model.GroupSelection
}

// Open loads the selection from path. A missing file yields an empty
// selection. An empty path keeps the selection in memory only.
func Open(path string) (*Store, error) {
	s := &Store{path: path, sel: model.GroupSelection{}}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read selection: %w", err)
	}
	s.sel = model.ParseGroupSelection(strings.TrimSpace(string(data)))
	return s, nil
}

// Get returns the current selection.
func (s *Store) Get() model.GroupSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sel.Clone()
}

// Set replaces the selection and persists it. Duplicate ids are dropped.
func (s *Store) Set(sel model.GroupSelection) (model.GroupSelection, error) {
	next := dedupe(sel)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(next); err != nil {
		return s.sel.Clone(), err
	}
	s.sel = next
	return next.Clone(), nil
}

// Toggle adds id if absent or removes it if present, then persists.
func (s *Store) Toggle(id int) (model.GroupSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.sel.Toggle(id)
	if err := s.save(next); err != nil {
		return s.sel.Clone(), err
	}
	s.sel = next
	return next.Clone(), nil
}

// save writes atomically via a temp file + rename with 0600 perms.
func (s *Store) save(sel model.GroupSelection) error {
	if s.path == "" {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".kseschedule-selection-*.tmp")
	if err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(sel.String() + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("save selection: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save selection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}

func dedupe(sel model.GroupSelection) model.GroupSelection {
	seen := make(map[int]struct{}, len(sel))
	out := make(model.GroupSelection, 0, len(sel))
	for _, id := range sel {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
