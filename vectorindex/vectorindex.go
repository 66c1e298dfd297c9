// Package vectorindex implements a named, SQLite-backed nearest-neighbor
// index over (id, vector, payload, metadata) tuples, built on sqlite-vec
// so any component (retriever, experience memory) can open its own
// independent instance.
package vectorindex

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"diagraph/internal/derrors"
)

func init() {
	sqlite_vec.Auto()
}

// Item is one entry returned from a Query.
type Item struct {
	ID      string            `json:"id"`
	Payload string            `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
	Score   float64           `json:"score"`
}

// VectorIndex is a named nearest-neighbor index.
type VectorIndex struct {
	db  *sql.DB
	dim int
}

// Open creates or opens a SQLite-backed vector index at path with the
// given embedding dimension.
func Open(path string, dim int) (*VectorIndex, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: creating directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: opening database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: pinging database", err)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS items (
    rowid INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    payload TEXT,
    meta JSON
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_items USING vec0(
    rowid INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);
`, dim)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: creating schema", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &VectorIndex{db: db, dim: dim}, nil
}

// Close closes the underlying database.
func (v *VectorIndex) Close() error {
	return v.db.Close()
}

// Upsert inserts or replaces the vector, payload, and metadata for id.
func (v *VectorIndex) Upsert(ctx context.Context, id string, vec []float32, payload string, meta map[string]string) error {
	if id == "" {
		return derrors.New(derrors.InputInvalid, "vectorindex: empty id", nil)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return derrors.New(derrors.InputInvalid, "vectorindex: marshaling meta", err)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return derrors.New(derrors.BackendUnavailable, "vectorindex: begin tx", err)
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRowContext(ctx, `SELECT rowid FROM items WHERE id = ?`, id).Scan(&rowid)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `INSERT INTO items (id, payload, meta) VALUES (?, ?, ?)`, id, payload, string(metaJSON))
		if err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: inserting item", err)
		}
		rowid, err = res.LastInsertId()
		if err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: reading rowid", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_items (rowid, embedding) VALUES (?, ?)`, rowid, serializeFloat32(vec)); err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: inserting embedding", err)
		}
	case err != nil:
		return derrors.New(derrors.BackendUnavailable, "vectorindex: looking up item", err)
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE items SET payload = ?, meta = ? WHERE rowid = ?`, payload, string(metaJSON), rowid); err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: updating item", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vec_items (rowid, embedding) VALUES (?, ?)`, rowid, serializeFloat32(vec)); err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: updating embedding", err)
		}
	}

	return tx.Commit()
}

// Delete removes the given ids, if present.
func (v *VectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return derrors.New(derrors.BackendUnavailable, "vectorindex: begin tx", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var rowid int64
		err := tx.QueryRowContext(ctx, `SELECT rowid FROM items WHERE id = ?`, id).Scan(&rowid)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: looking up item for delete", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_items WHERE rowid = ?`, rowid); err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: deleting embedding", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE rowid = ?`, rowid); err != nil {
			return derrors.New(derrors.BackendUnavailable, "vectorindex: deleting item", err)
		}
	}
	return tx.Commit()
}

// ListSize returns the number of indexed items.
func (v *VectorIndex) ListSize(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, derrors.New(derrors.BackendUnavailable, "vectorindex: counting items", err)
	}
	return n, nil
}

// QueryOptions control dedup and early-stop behavior of Query. Exactly one of DedupByMetaField or DedupByPayload should be set;
// if neither is set, no dedup is applied.
type QueryOptions struct {
	// Oversample multiplies k for the internal candidate scan, defaulting
	// to 3.
	Oversample int
	// DedupByMetaField, if non-empty, keeps only the first result per
	// distinct value of that metadata field.
	DedupByMetaField string
	// DedupByPayload, if true, keeps only the first result per distinct
	// payload content hash.
	DedupByPayload bool
	// Threshold, if non-zero, stops the scan (and excludes) once a
	// result's score drops below it. Results are score-descending so this
	// is a true early stop, not a post-filter.
	Threshold float64
}

// Query returns up to k items ranked by cosine similarity (1 - cosine
// distance) to vec, applying oversampling, caller-specified dedup, and an
// optional similarity-threshold early stop.
func (v *VectorIndex) Query(ctx context.Context, vec []float32, k int, opts QueryOptions) ([]Item, error) {
	if k <= 0 {
		return nil, derrors.New(derrors.InputInvalid, "vectorindex: k must be positive", nil)
	}
	oversample := opts.Oversample
	if oversample <= 0 {
		oversample = 3
	}
	scanLimit := k * oversample

	rows, err := v.db.QueryContext(ctx, `
		SELECT i.id, i.payload, i.meta, vv.distance
		FROM vec_items vv
		JOIN items i ON i.rowid = vv.rowid
		WHERE vv.embedding MATCH ? AND k = ?
		ORDER BY vv.distance
	`, serializeFloat32(vec), scanLimit)
	if err != nil {
		return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: querying", err)
	}
	defer rows.Close()

	seenMeta := make(map[string]bool)
	seenPayload := make(map[string]bool)

	var results []Item
	for rows.Next() {
		var id, payload, metaJSON string
		var distance float64
		if err := rows.Scan(&id, &payload, &metaJSON, &distance); err != nil {
			return nil, derrors.New(derrors.BackendUnavailable, "vectorindex: scanning row", err)
		}
		score := 1.0 - distance
		if opts.Threshold != 0 && score < opts.Threshold {
			break
		}

		var meta map[string]string
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &meta)
		}

		if opts.DedupByMetaField != "" {
			key := meta[opts.DedupByMetaField]
			if key == "" {
				key = id
			}
			if seenMeta[key] {
				continue
			}
			seenMeta[key] = true
		} else if opts.DedupByPayload {
			hash := payloadHash(payload)
			if seenPayload[hash] {
				continue
			}
			seenPayload[hash] = true
		}

		results = append(results, Item{ID: id, Payload: payload, Meta: meta, Score: score})
		if len(results) >= k {
			break
		}
	}
	return results, rows.Err()
}

func payloadHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func serializeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
