package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/CanopyHQ/xylem/internal/embed"
)

// Manager is the high-level entry point: it owns the store, drives the
// embedding generator, and implements hybrid search and retention on top of
// the storage primitives.
type Manager struct {
	store  *Store
	gen    *embed.Generator
	logger *slog.Logger

	// strictVectors makes a failed embedding fail the save instead of
	// degrading to lexical-only.
	strictVectors bool

	retentionDays int
	maxMemories   int
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Generator produces embedding vectors. Nil disables semantic search
	// entirely; memories are still fully searchable lexically.
	Generator *embed.Generator
	// StrictVectors fails Save when the embedding cannot be produced.
	// Default is best-effort: log and keep the memory.
	StrictVectors bool
	// RetentionDays and MaxMemories drive ApplyRetention. Zero disables the
	// respective policy.
	RetentionDays int
	MaxMemories   int
	Logger        *slog.Logger
}

// NewManager wraps a store.
func NewManager(store *Store, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         store,
		gen:           opts.Generator,
		logger:        logger,
		strictVectors: opts.StrictVectors,
		retentionDays: opts.RetentionDays,
		maxMemories:   opts.MaxMemories,
	}
}

// Store exposes the underlying store for maintenance commands.
func (m *Manager) Store() *Store { return m.store }

// Close releases the underlying store.
func (m *Manager) Close() error { return m.store.Close() }

// Save validates and persists a new memory, then attaches its embedding
// vector. In the default best-effort mode an embedding failure is logged
// and the memory stays lexical-only; strict mode fails the whole save and
// leaves nothing behind.
func (m *Manager) Save(ctx context.Context, in Input) (*Memory, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	mem, err := m.store.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	if m.gen != nil {
		text := embed.CombineText(mem.Title, mem.Content, mem.Facts, mem.Concepts)
		if err := m.attachVector(ctx, mem.ID, text); err != nil {
			if m.strictVectors {
				m.store.Delete(ctx, mem.ID)
				return nil, fmt.Errorf("failed to embed memory: %w", err)
			}
			m.logger.Warn("embedding failed, memory saved lexical-only", "id", mem.ID, "error", err)
		}
	}
	return mem, nil
}

func (m *Manager) attachVector(ctx context.Context, id int64, text string) error {
	vec, err := m.gen.Generate(ctx, text)
	if err != nil {
		return err
	}
	return m.store.PutVector(ctx, id, vec)
}

// SaveBatch persists multiple memories atomically, then attaches vectors
// best-effort in one provider batch. Embedding failures never unwind a
// committed batch.
func (m *Manager) SaveBatch(ctx context.Context, inputs []Input) ([]*Memory, error) {
	memories, err := m.store.CreateBatch(ctx, inputs)
	if err != nil {
		return nil, err
	}

	if m.gen != nil && len(memories) > 0 {
		texts := make([]string, len(memories))
		for i, mem := range memories {
			texts[i] = embed.CombineText(mem.Title, mem.Content, mem.Facts, mem.Concepts)
		}
		vectors, err := m.gen.GenerateBatch(ctx, texts)
		if err != nil {
			m.logger.Warn("batch embedding failed, memories saved lexical-only", "count", len(memories), "error", err)
			return memories, nil
		}
		for i, vec := range vectors {
			if vec == nil {
				continue
			}
			if err := m.store.PutVector(ctx, memories[i].ID, vec); err != nil {
				m.logger.Warn("failed to store vector", "id", memories[i].ID, "error", err)
			}
		}
	}
	return memories, nil
}

// defaultLexicalWeight keeps exact-term matches dominant; the semantic
// signal breaks ties and surfaces paraphrases.
const (
	defaultLexicalWeight = 0.7
	defaultVectorWeight  = 0.3
)

// Search runs the hybrid query: lexical always, semantic when a generator
// is configured, results merged by memory id with a weighted blend. A
// memory found by both signals is marked hybrid and scores higher than
// either signal alone would rank it.
func (m *Manager) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	// A blank query matches nothing lexically and has nothing to embed.
	if strings.TrimSpace(opts.Query) == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	filters := Filters{
		Types:          opts.Types,
		MinImportance:  opts.MinImportance,
		IncludePrivate: opts.IncludePrivate,
	}

	// Overfetch both signals so the merge has material to rerank.
	ftsResults, err := m.store.SearchFTS(ctx, opts.Query, limit*3, filters)
	if err != nil {
		return nil, err
	}

	if m.gen == nil {
		if len(ftsResults) > limit {
			ftsResults = ftsResults[:limit]
		}
		return ftsResults, nil
	}

	var vecResults []SearchResult
	queryVec, err := m.gen.Generate(ctx, opts.Query)
	if err != nil {
		m.logger.Warn("query embedding failed, lexical-only search", "error", err)
	} else {
		vecResults, err = m.store.SearchVector(ctx, queryVec, limit*3, opts.IncludePrivate)
		if err != nil {
			m.logger.Warn("vector search failed, lexical-only search", "error", err)
			vecResults = nil
		}
	}

	if len(vecResults) == 0 {
		if len(ftsResults) > limit {
			ftsResults = ftsResults[:limit]
		}
		return ftsResults, nil
	}

	merged := mergeResults(ftsResults, vecResults, filters, opts.LexicalWeight, opts.VectorWeight)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// mergeResults blends the two signals into one ranking. Lexical bm25 scores
// are squashed to (0,1) so they share a scale with cosine similarity.
func mergeResults(fts, vec []SearchResult, f Filters, lexWeight, vecWeight float64) []SearchResult {
	if lexWeight <= 0 && vecWeight <= 0 {
		lexWeight = defaultLexicalWeight
		vecWeight = defaultVectorWeight
	}
	total := lexWeight + vecWeight
	lexWeight /= total
	vecWeight /= total

	type entry struct {
		mem      *Memory
		lexical  float64
		semantic float64
		hasLex   bool
		hasVec   bool
	}
	byID := make(map[int64]*entry)
	var order []int64

	for _, r := range fts {
		s := 0.0
		if r.Score > 0 {
			s = r.Score / (r.Score + 1.0)
		}
		byID[r.Memory.ID] = &entry{mem: r.Memory, lexical: s, hasLex: true}
		order = append(order, r.Memory.ID)
	}
	for _, r := range vec {
		// The vector path has no SQL-side type/importance filters; apply
		// them here so both signals honor the same predicate.
		if len(f.Types) > 0 && !containsType(f.Types, r.Memory.Type) {
			continue
		}
		if f.MinImportance > 0 && r.Memory.Importance < f.MinImportance {
			continue
		}
		s := r.Score
		if s < 0 {
			s = 0
		}
		if e, ok := byID[r.Memory.ID]; ok {
			e.semantic = s
			e.hasVec = true
		} else {
			byID[r.Memory.ID] = &entry{mem: r.Memory, semantic: s, hasVec: true}
			order = append(order, r.Memory.ID)
		}
	}

	results := make([]SearchResult, 0, len(order))
	for _, id := range order {
		e := byID[id]
		mt := MatchFTS
		switch {
		case e.hasLex && e.hasVec:
			mt = MatchHybrid
		case e.hasVec:
			mt = MatchVector
		}
		results = append(results, SearchResult{
			Memory:    e.mem,
			Score:     lexWeight*e.lexical + vecWeight*e.semantic,
			MatchType: mt,
		})
	}

	sortResults(results)
	return results
}

func containsType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// sortResults orders by score descending with id ascending as tiebreak, so
// equal-score orderings are stable across runs.
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

// GetByID returns a memory by id, bumping its access tracking. Nil if
// absent.
func (m *Manager) GetByID(ctx context.Context, id int64) (*Memory, error) {
	return m.store.GetByID(ctx, id)
}

// GetRecent lists memories newest first.
func (m *Manager) GetRecent(ctx context.Context, limit int, types []Type, includePrivate bool) ([]*Memory, error) {
	return m.store.GetRecent(ctx, limit, types, includePrivate)
}

// GetByConcepts lists memories tagged with any of the given concepts.
func (m *Manager) GetByConcepts(ctx context.Context, concepts []string, limit int) ([]*Memory, error) {
	return m.store.GetByConcepts(ctx, concepts, limit)
}

// GetByPhase lists memories recorded in a workflow phase.
func (m *Manager) GetByPhase(ctx context.Context, phase string, limit int) ([]*Memory, error) {
	return m.store.GetByPhase(ctx, phase, limit)
}

// GetBySession lists a session's memories in conversation order.
func (m *Manager) GetBySession(ctx context.Context, sessionID string) ([]*Memory, error) {
	return m.store.GetBySession(ctx, sessionID)
}

// Update validates and applies a partial patch. If the patch touches any
// embedded field the vector is recomputed, best-effort.
func (m *Manager) Update(ctx context.Context, id int64, patch Update) (*Memory, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	mem, err := m.store.Update(ctx, id, patch)
	if err != nil || mem == nil {
		return mem, err
	}

	textChanged := patch.Title != nil || patch.Content != nil || patch.Facts != nil || patch.Concepts != nil
	if m.gen != nil && textChanged {
		text := embed.CombineText(mem.Title, mem.Content, mem.Facts, mem.Concepts)
		if err := m.attachVector(ctx, mem.ID, text); err != nil {
			m.logger.Warn("re-embedding failed, vector is stale", "id", mem.ID, "error", err)
		}
	}
	return mem, nil
}

// Delete removes a memory. False if no row existed.
func (m *Manager) Delete(ctx context.Context, id int64) (bool, error) {
	return m.store.Delete(ctx, id)
}

// Count reports how many memories match the filters.
func (m *Manager) Count(ctx context.Context, f Filters) (int, error) {
	return m.store.Count(ctx, f)
}

// RetentionResult reports what ApplyRetention removed.
type RetentionResult struct {
	Expired int `json:"expired"`
	Trimmed int `json:"trimmed"`
}

// ApplyRetention enforces the configured retention policy: age-based expiry
// first, then the size cap. Both policies are optional.
func (m *Manager) ApplyRetention(ctx context.Context) (RetentionResult, error) {
	var result RetentionResult
	if m.retentionDays > 0 {
		n, err := m.store.DeleteOlderThan(ctx, m.retentionDays)
		if err != nil {
			return result, err
		}
		result.Expired = n
	}
	if m.maxMemories > 0 {
		n, err := m.store.TrimToMax(ctx, m.maxMemories)
		if err != nil {
			return result, err
		}
		result.Trimmed = n
	}
	if result.Expired > 0 || result.Trimmed > 0 {
		m.logger.Info("retention applied", "expired", result.Expired, "trimmed", result.Trimmed)
	}
	return result, nil
}

// BackfillVectors computes embeddings for memories that lack one, in
// batches, until none remain or a provider error stops the pass. Returns
// how many vectors were stored.
func (m *Manager) BackfillVectors(ctx context.Context, batchSize int) (int, error) {
	if m.gen == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	total := 0
	for {
		memories, err := m.store.MissingVectors(ctx, batchSize)
		if err != nil {
			return total, err
		}
		if len(memories) == 0 {
			return total, nil
		}

		texts := make([]string, len(memories))
		for i, mem := range memories {
			texts[i] = embed.CombineText(mem.Title, mem.Content, mem.Facts, mem.Concepts)
		}
		vectors, err := m.gen.GenerateBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("failed to embed backfill batch: %w", err)
		}

		stored := 0
		for i, vec := range vectors {
			if vec == nil {
				continue
			}
			if err := m.store.PutVector(ctx, memories[i].ID, vec); err != nil {
				m.logger.Warn("failed to store vector", "id", memories[i].ID, "error", err)
				continue
			}
			stored++
		}
		total += stored
		if stored == 0 {
			// Nothing progressed; avoid spinning on the same batch.
			return total, nil
		}
	}
}

// DistillFunc condenses a session's memories into one summary input. The
// host supplies the implementation (usually model-backed).
type DistillFunc func(ctx context.Context, memories []*Memory) (Input, error)

// DistillSession runs the distiller over a session's memories and saves the
// result as a session summary. No-op when the session is empty.
func (m *Manager) DistillSession(ctx context.Context, sessionID string, distill DistillFunc) (*Memory, error) {
	memories, err := m.store.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}

	in, err := distill(ctx, memories)
	if err != nil {
		return nil, fmt.Errorf("distillation failed: %w", err)
	}
	in.Type = TypeSessionSummary
	in.SessionID = sessionID
	return m.Save(ctx, in)
}
