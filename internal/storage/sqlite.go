package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps ledgers as JSON documents in a SQLite table, indexed by
// last update for listing.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		log.ErrorErr(log.CatStore, "Failed to run migrations", err, "path", dbPath)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Debug(log.CatStore, "Database initialized", "path", dbPath)
	return s, nil
}

// migrate applies the embedded migrations. The migrate instance is not
// closed because that would close the shared *sql.DB.
func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(l *models.Ledger) error {
	stamp(l, s.now())
	doc, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO ledgers (id, workflow_name, status, current_state, created_at, last_updated, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_name = excluded.workflow_name,
		   status = excluded.status,
		   current_state = excluded.current_state,
		   last_updated = excluded.last_updated,
		   document = excluded.document`,
		l.ID, l.WorkflowName, string(l.Status), l.CurrentState,
		l.Created.UnixNano(), l.LastUpdated.UnixNano(), string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(id string) (*models.Ledger, error) {
	var doc string
	err := s.db.QueryRow(`SELECT document FROM ledgers WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return decodeLedger(id, doc)
}

func (s *SQLiteStore) List() ([]*models.Ledger, error) {
	rows, err := s.db.Query(`SELECT id, document FROM ledgers ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}
	defer rows.Close()

	var ledgers []*models.Ledger
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		l, err := decodeLedger(id, doc)
		if err != nil {
			log.Warn(log.CatStore, "Skipping unreadable ledger", "id", id, "error", err)
			continue
		}
		ledgers = append(ledgers, l)
	}
	return ledgers, rows.Err()
}

func decodeLedger(id, doc string) (*models.Ledger, error) {
	var l models.Ledger
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	l.Normalize()
	return &l, nil
}
