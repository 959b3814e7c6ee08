package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pario-ai/conduit/pkg/models"
	"github.com/pario-ai/conduit/pkg/store"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS embedding_records (
	content_hash TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	dimension INTEGER NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

const createRecordsIndex = `CREATE INDEX IF NOT EXISTS idx_embedding_created ON embedding_records(created_at);`

// SQLiteStore holds committed embedding records. Records are write-once:
// inserting an existing content hash is a no-op.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the record store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	if err := store.Migrate(db, createRecordsTable, createRecordsIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate vector db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the record for hash.
func (s *SQLiteStore) Get(ctx context.Context, hash string) (models.EmbeddingRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, vector, dimension, source_id, author, channel, created_at
		FROM embedding_records WHERE content_hash = ?`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmbeddingRecord{}, false, nil
	}
	if err != nil {
		return models.EmbeddingRecord{}, false, fmt.Errorf("get embedding: %w", err)
	}
	return rec, true, nil
}

// InsertBatch writes records in one transaction and returns how many were new.
func (s *SQLiteStore) InsertBatch(ctx context.Context, recs []models.EmbeddingRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embedding_records (content_hash, vector, dimension, source_id, author, channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range recs {
		res, err := stmt.ExecContext(ctx,
			r.ContentHash, encodeVector(r.Vector), r.Dimension, r.SourceID, r.Author, r.Channel, r.CreatedAt.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("insert embedding %s: %w", r.ContentHash, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

// Delete removes the record for hash.
func (s *SQLiteStore) Delete(ctx context.Context, hash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embedding_records WHERE content_hash = ?`, hash); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	return nil
}

// All returns every record in insertion-time order, for index rebuilds.
func (s *SQLiteStore) All(ctx context.Context) ([]models.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, vector, dimension, source_id, author, channel, created_at
		FROM embedding_records ORDER BY created_at, content_hash`)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.EmbeddingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_records`).Scan(&n)
	return n, err
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (models.EmbeddingRecord, error) {
	var (
		r    models.EmbeddingRecord
		blob []byte
		ts   int64
	)
	if err := sc.Scan(&r.ContentHash, &blob, &r.Dimension, &r.SourceID, &r.Author, &r.Channel, &ts); err != nil {
		return r, err
	}
	r.Vector = decodeVector(blob)
	r.CreatedAt = time.Unix(0, ts).UTC()
	return r, nil
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
