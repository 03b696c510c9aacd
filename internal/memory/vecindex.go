package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex manages the sqlite-vec vector index for fast KNN queries.
// If the extension fails to load, all operations are no-ops and the store
// falls back to brute-force cosine similarity over memory_vectors.
type vecIndex struct {
	db         *sql.DB
	dimensions int
	available  bool
	logger     *slog.Logger
}

type vecResult struct {
	MemoryID int64
	Distance float64
}

func newVecIndex(db *sql.DB, dimensions int, logger *slog.Logger) *vecIndex {
	vi := &vecIndex{db: db, dimensions: dimensions, logger: logger}
	if err := vi.ensureSchema(); err != nil {
		logger.Warn("sqlite-vec not available, using linear scan", "error", err)
		vi.available = false
	} else {
		vi.available = true
	}
	return vi
}

func (vi *vecIndex) ensureSchema() error {
	// Verify vec0 extension is loaded
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	// Metadata table to track embedding dimensions across runs
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_metadata (key TEXT PRIMARY KEY, value TEXT)`); err != nil {
		return fmt.Errorf("failed to create vec_metadata: %w", err)
	}

	// Handle dimension changes (e.g. switching embedding providers)
	vi.handleDimensionChange()

	// Memory ids are integer rowids already, so the vec0 table shares them
	// directly with the memories table.
	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	vi.db.Exec(`INSERT OR REPLACE INTO vec_metadata (key, value) VALUES ('dimensions', ?)`,
		fmt.Sprintf("%d", vi.dimensions))

	return nil
}

// handleDimensionChange detects if the embedding dimensions changed since the
// last run and drops the vec0 table so it can be recreated and backfilled
// with the new dimensionality.
func (vi *vecIndex) handleDimensionChange() {
	var storedDim string
	err := vi.db.QueryRow(`SELECT value FROM vec_metadata WHERE key = 'dimensions'`).Scan(&storedDim)
	if err != nil {
		return // No stored dimensions yet, first run
	}
	if storedDim == fmt.Sprintf("%d", vi.dimensions) {
		return
	}

	vi.logger.Warn("embedding dimensions changed, rebuilding vec index",
		"old", storedDim, "new", vi.dimensions)
	vi.db.Exec(`DROP TABLE IF EXISTS memory_embeddings`)
}

// Insert adds or replaces a memory's embedding in the vec0 index.
func (vi *vecIndex) Insert(ctx context.Context, memoryID int64, embedding []float32) error {
	if !vi.available || len(embedding) == 0 || len(embedding) != vi.dimensions {
		return nil
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 doesn't support ON CONFLICT, so delete first if exists
	vi.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE rowid = ?`, memoryID)

	if _, err := vi.db.ExecContext(ctx,
		`INSERT INTO memory_embeddings (rowid, embedding) VALUES (?, ?)`, memoryID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// Search performs a KNN query and returns memory ids with cosine distances,
// nearest first.
func (vi *vecIndex) Search(ctx context.Context, queryEmbedding []float32, limit int) ([]vecResult, error) {
	if !vi.available {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := vi.db.QueryContext(ctx, `
		SELECT rowid, distance
		FROM memory_embeddings
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vecResult
	for rows.Next() {
		var r vecResult
		if err := rows.Scan(&r.MemoryID, &r.Distance); err != nil {
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Delete removes a memory from the vec0 index.
func (vi *vecIndex) Delete(ctx context.Context, memoryID int64) error {
	if !vi.available {
		return nil
	}
	vi.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE rowid = ?`, memoryID)
	return nil
}

// Backfill populates the vec0 index from stored vectors that are not in the
// index yet. Returns the number of memories backfilled. Runs at startup so
// an index dropped by a dimension change rebuilds itself.
func (vi *vecIndex) Backfill(ctx context.Context) (int, error) {
	if !vi.available {
		return 0, nil
	}

	rows, err := vi.db.QueryContext(ctx, `
		SELECT v.memory_id, v.embedding
		FROM memory_vectors v
		LEFT JOIN memory_embeddings e ON e.rowid = v.memory_id
		WHERE e.rowid IS NULL AND v.dims = ?
	`, vi.dimensions)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pending struct {
		id  int64
		emb []float32
	}
	var toInsert []pending
	for rows.Next() {
		var id int64
		var embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			continue
		}
		var embedding []float32
		if err := json.Unmarshal([]byte(embJSON), &embedding); err != nil {
			continue
		}
		if len(embedding) != vi.dimensions {
			continue
		}
		toInsert = append(toInsert, pending{id: id, emb: embedding})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, p := range toInsert {
		if err := vi.Insert(ctx, p.id, p.emb); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
