package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/mpataki/chronicle/internal/models"
)

var (
	ErrNotFound = errors.New("ledger not found")
	ErrCorrupt  = errors.New("ledger is corrupt")
)

// Store persists ledgers. Save is atomic: readers see either the previous
// document or the new one, never a partial write.
type Store interface {
	Load(id string) (*models.Ledger, error)
	Save(l *models.Ledger) error
	List() ([]*models.Ledger, error)
	Close() error
}

const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the store named by kind rooted in dataDir.
func Open(kind, dataDir string) (Store, error) {
	switch kind {
	case "", KindFile:
		return NewFileStore(filepath.Join(dataDir, "sessions"))
	case KindSQLite:
		return NewSQLiteStore(filepath.Join(dataDir, "chronicle.db"))
	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

func sortByLastUpdated(ledgers []*models.Ledger) {
	sort.SliceStable(ledgers, func(i, j int) bool {
		return ledgers[i].LastUpdated.After(ledgers[j].LastUpdated)
	})
}

// stamp sets LastUpdated, keeping it strictly increasing for a ledger so
// saves within one clock tick still order correctly.
func stamp(l *models.Ledger, now time.Time) {
	if !now.After(l.LastUpdated) {
		now = l.LastUpdated.Add(time.Nanosecond)
	}
	l.LastUpdated = now
}
