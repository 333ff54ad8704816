package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// DefaultStateName is the row used when no name is given.
const DefaultStateName = "default"

// historyLimit bounds the save log kept per state name.
const historyLimit = 20

// SaveRecord is one entry of the save log.
type SaveRecord struct {
	Checksum string
	RawSize  int
	SavedAt  time.Time
}

// StateRepository stores one named store blob, snappy-compressed. It implements
// store.Persister.
type StateRepository struct {
	db   *DB
	name string
	now  func() time.Time
}

// NewStateRepository creates a repository for the named blob.
func NewStateRepository(db *DB, name string) *StateRepository {
	if name == "" {
		name = DefaultStateName
	}
	return &StateRepository{db: db, name: name, now: time.Now}
}

// Load implements store.Persister. A missing row is an empty store; a row that
// fails decompression or its checksum is malformed state.
func (r *StateRepository) Load(ctx context.Context) ([]byte, error) {
	var compressed []byte
	var rawSize int
	var checksum string
	err := r.db.QueryRowContext(ctx,
		"SELECT data, raw_size, checksum FROM state_blobs WHERE name = ?", r.name,
	).Scan(&compressed, &rawSize, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read state", err)
	}

	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedState, "failed to decompress state", err)
	}
	if len(data) != rawSize || sum(data) != checksum {
		return nil, apperrors.New(apperrors.ErrMalformedState, "state checksum mismatch")
	}
	return data, nil
}

// Save implements store.Persister.
func (r *StateRepository) Save(ctx context.Context, data []byte) error {
	checksum := sum(data)
	now := r.now().Unix()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_blobs (name, data, raw_size, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			raw_size = excluded.raw_size,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at`,
		r.name, snappy.Encode(nil, data), len(data), checksum, now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write state", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO state_history (name, checksum, raw_size, saved_at) VALUES (?, ?, ?, ?)",
		r.name, checksum, len(data), now,
	); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to record save", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM state_history WHERE name = ? AND id NOT IN (
			SELECT id FROM state_history WHERE name = ? ORDER BY id DESC LIMIT ?
		)`, r.name, r.name, historyLimit); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to trim save log", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit state", err)
	}
	return nil
}

// History returns the most recent saves, newest first.
func (r *StateRepository) History(ctx context.Context, limit int) ([]SaveRecord, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT checksum, raw_size, saved_at FROM state_history WHERE name = ? ORDER BY id DESC LIMIT ?",
		r.name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query save log: %w", err)
	}
	defer rows.Close()

	var out []SaveRecord
	for rows.Next() {
		var rec SaveRecord
		var savedAt int64
		if err := rows.Scan(&rec.Checksum, &rec.RawSize, &savedAt); err != nil {
			return nil, err
		}
		rec.SavedAt = time.Unix(savedAt, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
