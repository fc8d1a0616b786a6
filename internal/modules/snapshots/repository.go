// Package snapshots persists computed posteriors so the latest result can be
// served without recomputation and past runs can be compared.
package snapshots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is one stored posterior. The msgpack tags shape the stored payload;
// uuid and created_at live in their own columns and are excluded from it.
type Snapshot struct {
	UUID       string             `msgpack:"-" json:"uuid"`
	CreatedAt  time.Time          `msgpack:"-" json:"created_at"`
	Symbols    []string           `msgpack:"symbols" json:"symbols"`
	Mean       map[string]float64 `msgpack:"mean" json:"mean"`
	Covariance [][]float64        `msgpack:"covariance" json:"covariance"`
	Repaired   bool               `msgpack:"repaired" json:"repaired"`
}

// Repository handles snapshot storage in cache.db. Payloads are msgpack
// blobs: the matrices are opaque to SQL and msgpack keeps them compact.
type Repository struct {
	db  *sql.DB // cache.db
	log zerolog.Logger
}

// NewRepository creates a new snapshot repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "snapshots").Logger(),
	}
}

// Save stores a snapshot and returns its generated UUID.
func (r *Repository) Save(s Snapshot) (string, error) {
	if len(s.Symbols) == 0 {
		return "", fmt.Errorf("snapshot has no symbols")
	}

	payload, err := msgpack.Marshal(&s)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}

	id := uuid.New().String()
	createdAt := s.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Exec(
		`INSERT INTO posterior_snapshots (uuid, created_at, payload) VALUES (?, ?, ?)`,
		id, createdAt.Format(time.RFC3339Nano), payload,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert snapshot: %w", err)
	}

	r.log.Debug().
		Str("uuid", id).
		Int("num_symbols", len(s.Symbols)).
		Msg("Saved posterior snapshot")

	return id, nil
}

// Latest returns the most recently created snapshot, or nil if none exist.
func (r *Repository) Latest() (*Snapshot, error) {
	row := r.db.QueryRow(
		`SELECT uuid, created_at, payload FROM posterior_snapshots
		 ORDER BY created_at DESC LIMIT 1`)

	s, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the snapshot with the given UUID, or nil if it does not exist.
func (r *Repository) Get(id string) (*Snapshot, error) {
	row := r.db.QueryRow(
		`SELECT uuid, created_at, payload FROM posterior_snapshots WHERE uuid = ?`, id)

	s, err := scanSnapshot(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// List returns snapshot ids and timestamps, newest first, without decoding
// payloads.
func (r *Repository) List(limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(
		`SELECT uuid, created_at FROM posterior_snapshots
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var createdAt string
		if err := rows.Scan(&s.UUID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
		}
		s.CreatedAt = ts
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep snapshots and returns the number removed.
func (r *Repository) Prune(keep int) (int64, error) {
	if keep <= 0 {
		return 0, fmt.Errorf("keep must be positive, got %d", keep)
	}

	res, err := r.db.Exec(
		`DELETE FROM posterior_snapshots WHERE uuid NOT IN (
			SELECT uuid FROM posterior_snapshots ORDER BY created_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	if removed > 0 {
		r.log.Debug().Int64("removed", removed).Int("keep", keep).Msg("Pruned snapshots")
	}
	return removed, nil
}

func scanSnapshot(scan func(...interface{}) error) (*Snapshot, error) {
	var id, createdAt string
	var payload []byte
	if err := scan(&id, &createdAt, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	var s Snapshot
	if err := msgpack.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	s.UUID = id
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	s.CreatedAt = ts
	return &s, nil
}
