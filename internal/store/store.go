// Package store persists build history in a local sqlite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// BuildRecord is one row of build history.
type BuildRecord struct {
	ID          string
	Service     string
	Variant     string
	BaseImage   string
	ImageDigest string
	TarballPath string
	Status      string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id TEXT PRIMARY KEY,
	service TEXT NOT NULL,
	variant TEXT NOT NULL,
	base_image TEXT NOT NULL,
	image_digest TEXT,
	tarball_path TEXT,
	status TEXT NOT NULL,
	error TEXT,
	started_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL
)`

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open build store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("migrate build store: %w", err), db.Close())
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or replaces a build row.
func (s *Store) Record(rec BuildRecord) error {
	if rec.ID == "" {
		return errors.New("build id is required")
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO builds
			(id, service, variant, base_image, image_digest, tarball_path, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Service, rec.Variant, rec.BaseImage, rec.ImageDigest,
		rec.TarballPath, rec.Status, rec.Error, rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	return nil
}

// List returns the most recent builds, newest first.
func (s *Store) List(limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, service, variant, base_image, image_digest, tarball_path, status, error, started_at, duration_ms
		FROM builds ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var records []BuildRecord
	for rows.Next() {
		var (
			rec        BuildRecord
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.Variant, &rec.BaseImage,
			&rec.ImageDigest, &rec.TarballPath, &rec.Status, &rec.Error,
			&rec.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan build row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return records, nil
}

// Get returns the build with the given id, or nil when unknown.
func (s *Store) Get(id string) (*BuildRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, service, variant, base_image, image_digest, tarball_path, status, error, started_at, duration_ms
		FROM builds WHERE id = ?`, id)

	var (
		rec        BuildRecord
		durationMS int64
	)
	err := row.Scan(&rec.ID, &rec.Service, &rec.Variant, &rec.BaseImage,
		&rec.ImageDigest, &rec.TarballPath, &rec.Status, &rec.Error,
		&rec.StartedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load build %s: %w", id, err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

// Latest returns the most recent build, or nil when the history is empty.
func (s *Store) Latest() (*BuildRecord, error) {
	records, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
