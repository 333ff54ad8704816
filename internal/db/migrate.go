package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

// Migration is a row of schema_migrations.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies V<n>__<description>.up.sql scripts from a directory of an fs.FS,
// rolling back with the matching .down.sql.
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	dir string
}

// NewMigrator creates a Migrator reading scripts from dir in fsys.
func NewMigrator(db *sql.DB, fsys fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fs: fsys, dir: dir}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns applied migrations by ascending version.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

type script struct {
	version     int
	description string
	body        []byte
}

func (s script) checksum() string {
	sum := sha256.Sum256(s.body)
	return hex.EncodeToString(sum[:])
}

// scripts loads every well-named script with the given suffix, keyed by version.
func (m *Migrator) scripts(suffix string) (map[int]script, error) {
	entries, err := fs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read migrations directory", err)
	}

	out := make(map[int]script)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		prefix, description, ok := strings.Cut(strings.TrimSuffix(name, suffix), "__")
		if !ok || !strings.HasPrefix(prefix, "V") {
			continue
		}
		version, err := strconv.Atoi(prefix[1:])
		if err != nil || version <= 0 {
			continue
		}
		body, err := fs.ReadFile(m.fs, path.Join(m.dir, name))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "read "+name, err)
		}
		out[version] = script{version: version, description: description, body: body}
	}
	return out, nil
}

// Up applies pending migrations in version order. An applied migration whose script
// changed since it ran is reported instead of silently ignored.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list applied migrations", err)
	}
	ups, err := m.scripts(".up.sql")
	if err != nil {
		return err
	}

	done := make(map[int]bool, len(applied))
	for _, mig := range applied {
		done[mig.Version] = true
		if s, ok := ups[mig.Version]; ok && s.checksum() != mig.Checksum {
			return apperrors.Newf(apperrors.ErrMigration, "migration V%d was modified after it was applied", mig.Version)
		}
	}

	versions := make([]int, 0, len(ups))
	for v := range ups {
		if !done[v] {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	for _, v := range versions {
		s := ups[v]
		err := m.inTx(s.body, "INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			v, time.Now().Unix(), s.description, s.checksum())
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply migration V%d", v), err)
		}
		logging.Debug("Applied migration", map[string]interface{}{"version": v, "description": s.description})
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "no migrations to roll back")
	}

	downs, err := m.scripts(".down.sql")
	if err != nil {
		return err
	}
	s, ok := downs[current]
	if !ok {
		return apperrors.Newf(apperrors.ErrMigration, "no rollback script for V%d", current)
	}
	if err := m.inTx(s.body, "DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("roll back migration V%d", current), err)
	}
	return nil
}

// inTx runs body and then the bookkeeping statement in one transaction.
func (m *Migrator) inTx(body []byte, record string, args ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return err
	}
	if _, err := tx.Exec(record, args...); err != nil {
		return err
	}
	return tx.Commit()
}
