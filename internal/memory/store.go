package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// memoryColumns is the canonical select list for memory rows, aliased to m.
const memoryColumns = `m.id, m.type, m.title, m.content, m.facts, m.concepts, m.source_files,
	m.importance, m.visibility, m.phase, m.session_id,
	m.created_at, m.updated_at, m.accessed_at, m.access_count`

// Store provides local memory storage using SQLite. A Store exclusively owns
// its database file; writes are serialized through a single connection with a
// bounded busy timeout.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// Prepared statements cached per instance, keyed by operation name.
	// Released on Close.
	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt

	// Vector index for fast KNN search (nil or unavailable means brute-force
	// scan over memory_vectors)
	vecIdx *vecIndex

	closeOnce sync.Once
	closeErr  error
}

// Options configures a Store.
type Options struct {
	// Logger for non-fatal diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// VectorDims, when positive, initializes the KNN index with this
	// dimensionality. Zero disables indexed vector search; stored vectors
	// are still scanned brute-force.
	VectorDims int
}

// NewStore opens or creates the database file at path and migrates the
// schema.
func NewStore(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writes anyway; one connection avoids lock churn and
	// makes every read see the latest write through this Store.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA temp_store=MEMORY`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := checkFTS5(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
		stmts:  make(map[string]*sql.Stmt),
	}

	if opts.VectorDims > 0 {
		s.vecIdx = newVecIndex(db, opts.VectorDims, logger)
		if s.vecIdx.available {
			if n, err := s.vecIdx.Backfill(ctx); err == nil && n > 0 {
				logger.Info("backfilled vector index", "memories", n)
			}
		}
	}

	return s, nil
}

// getStmt returns the cached prepared statement for name, preparing it on
// first use.
func (s *Store) getStmt(ctx context.Context, name, query string) (*sql.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if stmt, ok := s.stmts[name]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s: %w", name, err)
	}
	s.stmts[name] = stmt
	return stmt, nil
}

// Close releases the prepared-statement cache and the database handle. Safe
// to call from multiple cleanup paths.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stmtMu.Lock()
		for _, stmt := range s.stmts {
			stmt.Close()
		}
		s.stmts = nil
		s.stmtMu.Unlock()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// wrapStoreErr adds operation context and maps engine constraint violations
// to ErrConstraint so callers can tell them apart from I/O failures.
func wrapStoreErr(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

const insertMemorySQL = `
	INSERT INTO memories (type, title, content, facts, concepts, source_files,
		importance, visibility, phase, session_id,
		created_at, updated_at, accessed_at, access_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

// Create persists a new memory, assigning its id and timestamps. Input
// validation is the caller's responsibility; the engine CHECK constraints
// are the backstop and surface as ErrConstraint.
func (s *Store) Create(ctx context.Context, in Input) (*Memory, error) {
	visibility := in.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	now := time.Now().Unix()

	stmt, err := s.getStmt(ctx, "create", insertMemorySQL)
	if err != nil {
		return nil, err
	}
	res, err := stmt.ExecContext(ctx,
		string(in.Type), in.Title, in.Content,
		marshalList(in.Facts), marshalList(in.Concepts), marshalList(in.SourceFiles),
		importanceOrDefault(in.Importance), string(visibility), in.Phase, in.SessionID,
		now, now, now)
	if err != nil {
		return nil, wrapStoreErr("failed to create memory", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create memory: %w", err)
	}

	return newMemoryFromInput(id, in, visibility, now), nil
}

func newMemoryFromInput(id int64, in Input, visibility Visibility, unixTime int64) *Memory {
	t := time.Unix(unixTime, 0)
	return &Memory{
		ID:          id,
		Type:        in.Type,
		Title:       in.Title,
		Content:     in.Content,
		Facts:       append([]string(nil), in.Facts...),
		Concepts:    append([]string(nil), in.Concepts...),
		SourceFiles: append([]string(nil), in.SourceFiles...),
		Importance:  importanceOrDefault(in.Importance),
		Visibility:  visibility,
		Phase:       in.Phase,
		SessionID:   in.SessionID,
		CreatedAt:   t,
		UpdatedAt:   t,
		AccessedAt:  t,
	}
}

// CreateBatch inserts multiple memories in one transaction. If any item
// fails validation or insertion, nothing is committed.
func (s *Store) CreateBatch(ctx context.Context, inputs []Input) ([]*Memory, error) {
	for i := range inputs {
		if err := inputs[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertMemorySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	memories := make([]*Memory, 0, len(inputs))
	for i, in := range inputs {
		visibility := in.Visibility
		if visibility == "" {
			visibility = VisibilityPublic
		}
		res, err := stmt.ExecContext(ctx,
			string(in.Type), in.Title, in.Content,
			marshalList(in.Facts), marshalList(in.Concepts), marshalList(in.SourceFiles),
			importanceOrDefault(in.Importance), string(visibility), in.Phase, in.SessionID,
			now, now, now)
		if err != nil {
			return nil, wrapStoreErr(fmt.Sprintf("batch item %d", i), err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		memories = append(memories, newMemoryFromInput(id, in, visibility, now))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return memories, nil
}

// GetByID returns a memory by id, or nil if absent. A hit increments the
// access counter and refreshes accessed_at; updated_at is untouched since
// reads are not content changes.
func (s *Store) GetByID(ctx context.Context, id int64) (*Memory, error) {
	mem, err := s.getRow(ctx, id)
	if err != nil || mem == nil {
		return mem, err
	}

	now := time.Now().Unix()
	stmt, err := s.getStmt(ctx, "touch",
		`UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	if _, err := stmt.ExecContext(ctx, now, id); err != nil {
		return nil, wrapStoreErr("failed to touch memory", err)
	}
	mem.AccessCount++
	mem.AccessedAt = time.Unix(now, 0)
	return mem, nil
}

// getRow fetches a memory without touching access tracking.
func (s *Store) getRow(ctx context.Context, id int64) (*Memory, error) {
	stmt, err := s.getStmt(ctx, "get",
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id = ?`)
	if err != nil {
		return nil, err
	}
	mem, err := scanMemoryFields(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return mem, nil
}

// Update applies a partial field patch and returns the updated memory, or
// nil if id is unknown. The FTS index re-synchronizes via the schema
// triggers inside the same statement.
func (s *Store) Update(ctx context.Context, id int64, patch Update) (*Memory, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().Unix()}

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Facts != nil {
		sets = append(sets, "facts = ?")
		args = append(args, marshalList(*patch.Facts))
	}
	if patch.Concepts != nil {
		sets = append(sets, "concepts = ?")
		args = append(args, marshalList(*patch.Concepts))
	}
	if patch.SourceFiles != nil {
		sets = append(sets, "source_files = ?")
		args = append(args, marshalList(*patch.SourceFiles))
	}
	if patch.Importance != nil {
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.Visibility != nil {
		sets = append(sets, "visibility = ?")
		args = append(args, string(*patch.Visibility))
	}
	if patch.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, *patch.Phase)
	}
	if patch.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, wrapStoreErr("failed to update memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.getRow(ctx, id)
}

// Delete removes a memory. Returns false if no row existed. The FTS entry
// goes with it via the delete trigger; the vector row via the foreign key
// cascade.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, wrapStoreErr("failed to delete memory", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if s.vecIdx != nil {
		s.vecIdx.Delete(ctx, id)
	}
	return true, nil
}

// buildMatchExpr turns a free-form query into an FTS5 MATCH expression: each
// term becomes a quoted prefix match, terms combined with OR so partial-word
// queries still hit. Returns "" for empty or all-punctuation queries.
func buildMatchExpr(query string) string {
	// Strip FTS5 operator characters so user input cannot inject syntax.
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '(', ')', '*', '^', ':', '{', '}', '-', '+', ',', ';':
			return ' '
		default:
			return r
		}
	}, query)

	terms := strings.Fields(cleaned)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		parts = append(parts, `"`+t+`"*`)
	}
	return strings.Join(parts, " OR ")
}

// SearchFTS runs a ranked full-text query. Title matches weigh heaviest
// (bm25 column weights title:content:facts:concepts = 10:5:1:1). bm25 ranks
// lower-is-better; the returned Score is the sign-inverted rank so higher is
// better. Filters narrow the match set, never replace the match.
func (s *Store) SearchFTS(ctx context.Context, query string, limit int, f Filters) ([]SearchResult, error) {
	match := buildMatchExpr(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `SELECT ` + memoryColumns + `,
			bm25(memories_fts, 10.0, 5.0, 1.0, 1.0) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []interface{}{match}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		sqlQuery += ` AND m.type IN (` + strings.Join(placeholders, ",") + `)`
	}
	if f.MinImportance > 0 {
		sqlQuery += ` AND m.importance >= ?`
		args = append(args, f.MinImportance)
	}
	if !f.IncludePrivate {
		sqlQuery += ` AND m.visibility = 'public'`
	}

	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, wrapStoreErr("failed to search", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var rank float64
		mem, err := scanMemoryFields(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, SearchResult{
			Memory:    mem,
			Score:     -rank,
			MatchType: MatchFTS,
		})
	}
	return results, rows.Err()
}

// GetRecent returns memories newest first, optionally filtered by type.
// Public only unless includePrivate is set.
func (s *Store) GetRecent(ctx context.Context, limit int, types []Type, includePrivate bool) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	sqlQuery := `SELECT ` + memoryColumns + ` FROM memories m`
	var conds []string
	var args []interface{}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, `m.type IN (`+strings.Join(placeholders, ",")+`)`)
	}
	if !includePrivate {
		conds = append(conds, `m.visibility = 'public'`)
	}
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, " AND ")
	}
	sqlQuery += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMemories(ctx, "failed to list recent", sqlQuery, args...)
}

// GetByConcepts returns public memories whose concept set contains any of
// the given concepts, ordered by importance then recency.
func (s *Store) GetByConcepts(ctx context.Context, concepts []string, limit int) ([]*Memory, error) {
	if len(concepts) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	conds := make([]string, len(concepts))
	args := make([]interface{}, 0, len(concepts)+1)
	for i, c := range concepts {
		conds[i] = `m.concepts LIKE ?`
		args = append(args, "%"+c+"%")
	}
	sqlQuery := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.visibility = 'public' AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY m.importance DESC, m.created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryMemories(ctx, "failed to query by concepts", sqlQuery, args...)
}

// GetByPhase returns public memories recorded in the given workflow phase,
// newest first.
func (s *Store) GetByPhase(ctx context.Context, phase string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryMemories(ctx, "failed to query by phase",
		`SELECT `+memoryColumns+` FROM memories m
		WHERE m.phase = ? AND m.visibility = 'public'
		ORDER BY m.created_at DESC, m.id DESC LIMIT ?`, phase, limit)
}

// GetBySession returns every memory of a session in conversation order.
// Session retrieval is an explicit request, so private memories are
// included.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]*Memory, error) {
	return s.queryMemories(ctx, "failed to query by session",
		`SELECT `+memoryColumns+` FROM memories m
		WHERE m.session_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, sessionID)
}

// Count returns the number of memories matching the filters. Private rows
// count unless filtered out, since retention policy must see the whole
// table.
func (s *Store) Count(ctx context.Context, f Filters) (int, error) {
	sqlQuery := `SELECT COUNT(*) FROM memories m`
	var conds []string
	var args []interface{}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, `m.type IN (`+strings.Join(placeholders, ",")+`)`)
	}
	if f.MinImportance > 0 {
		conds = append(conds, `m.importance >= ?`)
		args = append(args, f.MinImportance)
	}
	if len(conds) > 0 {
		sqlQuery += ` WHERE ` + strings.Join(conds, " AND ")
	}
	var count int
	if err := s.db.QueryRowContext(ctx, sqlQuery, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return count, nil
}

// DeleteOlderThan hard-deletes memories created before now minus the given
// number of days, regardless of importance. Returns the number of rows
// removed.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	return s.deleteSelected(ctx, "failed to expire memories",
		`SELECT id FROM memories WHERE created_at < ?`, cutoff)
}

// TrimToMax evicts rows until at most maxCount remain. Eviction order is
// importance ascending then accessed_at ascending, with id as the final
// tiebreak so repeated trims converge on the same survivors.
func (s *Store) TrimToMax(ctx context.Context, maxCount int) (int, error) {
	if maxCount < 0 {
		return 0, nil
	}
	total, err := s.Count(ctx, Filters{})
	if err != nil {
		return 0, err
	}
	excess := total - maxCount
	if excess <= 0 {
		return 0, nil
	}
	return s.deleteSelected(ctx, "failed to trim memories",
		`SELECT id FROM memories ORDER BY importance ASC, accessed_at ASC, id ASC LIMIT ?`, excess)
}

// deleteSelected deletes the rows selected by idQuery in one transaction and
// cleans their vector index entries afterwards.
func (s *Store) deleteSelected(ctx context.Context, op, idQuery string, args ...interface{}) (int, error) {
	rows, err := s.db.QueryContext(ctx, idQuery, args...)
	if err != nil {
		return 0, wrapStoreErr(op, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM memories WHERE id = ?`)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return 0, wrapStoreErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if s.vecIdx != nil {
		for _, id := range ids {
			s.vecIdx.Delete(ctx, id)
		}
	}
	return len(ids), nil
}

// PutVector stores or replaces the embedding vector for a memory and
// mirrors it into the KNN index. Vector persistence is a separate step from
// the memory write: a crash in between leaves the memory lexically
// searchable and the vector re-computable.
func (s *Store) PutVector(ctx context.Context, id int64, vec []float32) error {
	b, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	stmt, err := s.getStmt(ctx, "put_vector",
		`INSERT OR REPLACE INTO memory_vectors (memory_id, dims, embedding, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id, len(vec), string(b), time.Now().Unix()); err != nil {
		return wrapStoreErr("failed to store vector", err)
	}
	if s.vecIdx != nil {
		if err := s.vecIdx.Insert(ctx, id, vec); err != nil {
			s.logger.Warn("vector index insert failed", "id", id, "error", err)
		}
	}
	return nil
}

// MissingVectors returns memories that have no stored embedding, oldest
// first, up to limit.
func (s *Store) MissingVectors(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMemories(ctx, "failed to list unembedded memories",
		`SELECT `+memoryColumns+` FROM memories m
		LEFT JOIN memory_vectors v ON v.memory_id = m.id
		WHERE v.memory_id IS NULL
		ORDER BY m.created_at ASC, m.id ASC LIMIT ?`, limit)
}

// SearchVector scores memories by cosine similarity to the query vector,
// using the KNN index when available and a brute-force scan otherwise.
func (s *Store) SearchVector(ctx context.Context, queryVec []float32, limit int, includePrivate bool) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.vecIdx != nil && s.vecIdx.available {
		results, err := s.searchVectorKNN(ctx, queryVec, limit, includePrivate)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("knn search failed, falling back to scan", "error", err)
	}
	return s.searchVectorScan(ctx, queryVec, limit, includePrivate)
}

func (s *Store) searchVectorKNN(ctx context.Context, queryVec []float32, limit int, includePrivate bool) ([]SearchResult, error) {
	// Overfetch to leave room for visibility filtering.
	hits, err := s.vecIdx.Search(ctx, queryVec, limit*3)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	distance := make(map[int64]float64, len(hits))
	placeholders := make([]string, len(hits))
	args := make([]interface{}, len(hits))
	for i, h := range hits {
		distance[h.MemoryID] = h.Distance
		placeholders[i] = "?"
		args[i] = h.MemoryID
	}

	memories, err := s.queryMemories(ctx, "failed to fetch knn candidates",
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, mem := range memories {
		if !includePrivate && mem.Visibility != VisibilityPublic {
			continue
		}
		results = append(results, SearchResult{
			Memory:    mem,
			Score:     1.0 - distance[mem.ID],
			MatchType: MatchVector,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchVectorScan is the brute-force path when sqlite-vec is unavailable.
func (s *Store) searchVectorScan(ctx context.Context, queryVec []float32, limit int, includePrivate bool) ([]SearchResult, error) {
	sqlQuery := `SELECT ` + memoryColumns + `, v.embedding
		FROM memories m
		JOIN memory_vectors v ON v.memory_id = m.id`
	if !includePrivate {
		sqlQuery += ` WHERE m.visibility = 'public'`
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery)
	if err != nil {
		return nil, wrapStoreErr("failed to scan vectors", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var embJSON string
		mem, err := scanMemoryFields(rows, &embJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vector row: %w", err)
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		results = append(results, SearchResult{
			Memory:    mem,
			Score:     cosineSimilarity(queryVec, emb),
			MatchType: MatchVector,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for maintenance and test tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Size returns the database file size in bytes.
func (s *Store) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// LastActivity returns the most recent updated_at across all memories, or
// the zero time if the store is empty.
func (s *Store) LastActivity(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM memories`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last activity: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

func (s *Store) queryMemories(ctx context.Context, op, sqlQuery string, args ...interface{}) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		mem, err := scanMemoryFields(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemoryFields scans a row laid out as memoryColumns, plus any trailing
// extra columns the caller appended to the select list.
func scanMemoryFields(sc rowScanner, extra ...interface{}) (*Memory, error) {
	var mem Memory
	var typ, visibility, factsJSON, conceptsJSON, filesJSON string
	var createdAt, updatedAt, accessedAt int64

	dest := []interface{}{
		&mem.ID, &typ, &mem.Title, &mem.Content, &factsJSON, &conceptsJSON, &filesJSON,
		&mem.Importance, &visibility, &mem.Phase, &mem.SessionID,
		&createdAt, &updatedAt, &accessedAt, &mem.AccessCount,
	}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	mem.Type = Type(typ)
	mem.Visibility = Visibility(visibility)
	mem.CreatedAt = time.Unix(createdAt, 0)
	mem.UpdatedAt = time.Unix(updatedAt, 0)
	mem.AccessedAt = time.Unix(accessedAt, 0)
	json.Unmarshal([]byte(factsJSON), &mem.Facts)
	json.Unmarshal([]byte(conceptsJSON), &mem.Concepts)
	json.Unmarshal([]byte(filesJSON), &mem.SourceFiles)
	return &mem, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
