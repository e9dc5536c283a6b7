package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

// FileStore keeps one JSON document per ledger in a directory.
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) Load(id string) (*models.Ledger, error) {
	return s.readFile(s.Path(id))
}

func (s *FileStore) readFile(path string) (*models.Ledger, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is inside the sessions dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var l models.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	l.Normalize()
	return &l, nil
}

func (s *FileStore) Save(l *models.Ledger) error {
	stamp(l, s.now())
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+l.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(l.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	log.Debug(log.CatStore, "Saved ledger", "id", l.ID, "state", l.CurrentState, "status", l.Status)
	return nil
}

// List returns all readable ledgers, newest first. Corrupt files are logged
// and skipped.
func (s *FileStore) List() ([]*models.Ledger, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	var ledgers []*models.Ledger
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		l, err := s.readFile(filepath.Join(s.dir, name))
		if err != nil {
			log.Warn(log.CatStore, "Skipping unreadable ledger", "file", name, "error", err)
			continue
		}
		ledgers = append(ledgers, l)
	}
	sortByLastUpdated(ledgers)
	return ledgers, nil
}

// Watch emits the ledger each time its file is replaced, until ctx is done.
func (s *FileStore) Watch(ctx context.Context, id string) (<-chan *models.Ledger, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch sessions directory: %w", err)
	}

	target := s.Path(id)
	out := make(chan *models.Ledger, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				l, err := s.Load(id)
				if err != nil {
					if !errors.Is(err, ErrNotFound) {
						log.Warn(log.CatStore, "Watched ledger unreadable", "id", id, "error", err)
					}
					continue
				}
				select {
				case out <- l:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatStore, "Watcher error", "error", err)
			}
		}
	}()
	return out, nil
}
