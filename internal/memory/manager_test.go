//go:build sqlite_fts5

package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/CanopyHQ/xylem/internal/embed"
)

func setupTestManager(t *testing.T, opts ManagerOptions) *Manager {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "memories.db"), Options{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	mgr := NewManager(store, opts)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func localGenerator() *embed.Generator {
	return embed.NewGenerator(embed.NewLocalProvider(64))
}

// failingProvider errors on every call; used to exercise degraded paths.
type failingProvider struct{}

func (failingProvider) Initialize(ctx context.Context) error { return nil }
func (failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider down")
}
func (failingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}
func (failingProvider) Dimensions() int { return 64 }

func TestManagerSave_DefaultsAndValidation(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{})
	ctx := context.Background()

	mem, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "t", Content: "c"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if mem.Importance != 5 {
		t.Errorf("expected default importance 5, got %d", mem.Importance)
	}
	if mem.Visibility != VisibilityPublic {
		t.Errorf("expected default public visibility, got %q", mem.Visibility)
	}

	_, err = mgr.Save(ctx, Input{Type: TypeNote, Title: "", Content: "c"})
	if !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("expected ErrEmptyTitle, got %v", err)
	}
	_, err = mgr.Save(ctx, Input{Type: "bogus", Title: "t", Content: "c"})
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
}

func TestManagerSave_RejectsExplicitZeroImportance(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{})
	ctx := context.Background()

	// Only an omitted importance takes the default; 0 is out of range.
	_, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "t", Content: "c", Importance: intp(0)})
	if !errors.Is(err, ErrInvalidImportance) {
		t.Fatalf("expected ErrInvalidImportance for 0, got %v", err)
	}
	_, err = mgr.Save(ctx, Input{Type: TypeNote, Title: "t", Content: "c", Importance: intp(11)})
	if !errors.Is(err, ErrInvalidImportance) {
		t.Fatalf("expected ErrInvalidImportance for 11, got %v", err)
	}

	count, _ := mgr.Count(ctx, Filters{})
	if count != 0 {
		t.Errorf("rejected saves must persist nothing, got %d rows", count)
	}
}

func TestManagerSave_AttachesVector(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{Generator: localGenerator()})
	ctx := context.Background()

	mem, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "vectored", Content: "some content"})
	if err != nil {
		t.Fatal(err)
	}

	missing, err := mgr.Store().MissingVectors(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range missing {
		if m.ID == mem.ID {
			t.Error("saved memory has no vector")
		}
	}
}

func TestManagerSave_BestEffortOnEmbedFailure(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{Generator: embed.NewGenerator(failingProvider{})})
	ctx := context.Background()

	mem, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "degraded", Content: "still saved"})
	if err != nil {
		t.Fatalf("best-effort save must not fail on embedding error: %v", err)
	}

	// The memory is lexically searchable despite the missing vector.
	results, err := mgr.Search(ctx, SearchOptions{Query: "degraded"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Memory.ID != mem.ID {
		t.Errorf("expected lexical hit for degraded memory, got %+v", results)
	}
}

func TestManagerSave_StrictFailsOnEmbedFailure(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{
		Generator:     embed.NewGenerator(failingProvider{}),
		StrictVectors: true,
	})
	ctx := context.Background()

	_, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "strict", Content: "must fail"})
	if err == nil {
		t.Fatal("strict mode must fail the save")
	}

	count, _ := mgr.Count(ctx, Filters{})
	if count != 0 {
		t.Errorf("strict failure must leave nothing behind, got %d rows", count)
	}
}

func TestManagerSearch_LexicalOnly(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{})
	ctx := context.Background()

	mgr.Save(ctx, Input{Type: TypeNote, Title: "terraform state locking", Content: "use a dynamodb table"})
	mgr.Save(ctx, Input{Type: TypeNote, Title: "unrelated", Content: "nothing to see"})

	results, err := mgr.Search(ctx, SearchOptions{Query: "terraform"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].MatchType != MatchFTS {
		t.Errorf("expected fts match without a generator, got %q", results[0].MatchType)
	}
}

func TestManagerSearch_HybridMarksBothSignals(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{Generator: localGenerator()})
	ctx := context.Background()

	mem, err := mgr.Save(ctx, Input{Type: TypeNote, Title: "postgres connection pooling", Content: "pgbouncer in transaction mode"})
	if err != nil {
		t.Fatal(err)
	}

	// The query shares terms with the memory, so both the lexical and the
	// semantic signal should find it.
	results, err := mgr.Search(ctx, SearchOptions{Query: "postgres pooling"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Memory.ID != mem.ID {
		t.Fatalf("wrong memory first: %+v", results[0].Memory)
	}
	if results[0].MatchType != MatchHybrid {
		t.Errorf("expected hybrid match, got %q", results[0].MatchType)
	}
}

// embedCounter fails every embed but records how often it was asked.
type embedCounter struct {
	failingProvider
	embeds int
}

func (p *embedCounter) Embed(ctx context.Context, text string) ([]float32, error) {
	p.embeds++
	return nil, errors.New("provider down")
}

func TestManagerSearch_EmptyQuery(t *testing.T) {
	provider := &embedCounter{}
	mgr := setupTestManager(t, ManagerOptions{Generator: embed.NewGenerator(provider)})
	ctx := context.Background()
	mgr.Save(ctx, Input{Type: TypeNote, Title: "anything", Content: "at all"})
	before := provider.embeds

	for _, q := range []string{"", "   "} {
		results, err := mgr.Search(ctx, SearchOptions{Query: q})
		if err != nil {
			t.Fatalf("query %q errored: %v", q, err)
		}
		if len(results) != 0 {
			t.Errorf("query %q must return no results, got %d", q, len(results))
		}
	}
	if provider.embeds != before {
		t.Errorf("blank queries must not reach the embedding provider, got %d extra calls", provider.embeds-before)
	}
}

func TestManagerSearch_DegradesWhenProviderDies(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{Generator: embed.NewGenerator(failingProvider{})})
	ctx := context.Background()

	mgr.Save(ctx, Input{Type: TypeNote, Title: "resilient search", Content: "lexical still works"})

	results, err := mgr.Search(ctx, SearchOptions{Query: "resilient"})
	if err != nil {
		t.Fatalf("search must degrade, not fail: %v", err)
	}
	if len(results) != 1 || results[0].MatchType != MatchFTS {
		t.Errorf("expected lexical-only result, got %+v", results)
	}
}

func TestManagerUpdate_ValidatesPatch(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{})
	ctx := context.Background()

	mem, _ := mgr.Save(ctx, Input{Type: TypeNote, Title: "patchable", Content: "c"})

	bad := 0
	_, err := mgr.Update(ctx, mem.ID, Update{Importance: &bad})
	if !errors.Is(err, ErrInvalidImportance) {
		t.Errorf("expected ErrInvalidImportance, got %v", err)
	}

	good := 7
	updated, err := mgr.Update(ctx, mem.ID, Update{Importance: &good})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Importance != 7 {
		t.Errorf("expected importance 7, got %d", updated.Importance)
	}
}

func TestManagerApplyRetention(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{RetentionDays: 30, MaxMemories: 2})
	ctx := context.Background()

	old, _ := mgr.Save(ctx, Input{Type: TypeNote, Title: "expired", Content: "c"})
	backdated := time.Now().Add(-60 * 24 * time.Hour).Unix()
	mgr.Store().db.ExecContext(ctx, `UPDATE memories SET created_at = ? WHERE id = ?`, backdated, old.ID)

	for i := 0; i < 3; i++ {
		imp := i + 1
		mgr.Save(ctx, Input{Type: TypeNote, Title: fmt.Sprintf("kept %d", i), Content: "c", Importance: &imp})
	}

	result, err := mgr.ApplyRetention(ctx)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if result.Expired != 1 {
		t.Errorf("expected 1 expired, got %d", result.Expired)
	}
	if result.Trimmed != 1 {
		t.Errorf("expected 1 trimmed, got %d", result.Trimmed)
	}

	count, _ := mgr.Count(ctx, Filters{})
	if count != 2 {
		t.Errorf("expected 2 survivors, got %d", count)
	}
}

func TestManagerBackfillVectors(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{Generator: localGenerator()})
	ctx := context.Background()

	// Create through the store so no vectors exist yet.
	for i := 0; i < 4; i++ {
		if _, err := mgr.Store().Create(ctx, testInput(fmt.Sprintf("backfill %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	n, err := mgr.BackfillVectors(ctx, 2)
	if err != nil {
		t.Fatalf("BackfillVectors failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 backfilled vectors, got %d", n)
	}

	missing, _ := mgr.Store().MissingVectors(ctx, 10)
	if len(missing) != 0 {
		t.Errorf("expected no missing vectors, got %d", len(missing))
	}
}

func TestManagerDistillSession(t *testing.T) {
	mgr := setupTestManager(t, ManagerOptions{})
	ctx := context.Background()

	mgr.Save(ctx, Input{Type: TypeUserPrompt, Title: "q1", Content: "how do we auth?", SessionID: "sess-d"})
	mgr.Save(ctx, Input{Type: TypeObservation, Title: "a1", Content: "jwt with rs256", SessionID: "sess-d"})

	summary, err := mgr.DistillSession(ctx, "sess-d", func(ctx context.Context, memories []*Memory) (Input, error) {
		return Input{
			Title:      "session recap",
			Content:    fmt.Sprintf("distilled %d memories", len(memories)),
			Importance: intp(6),
		}, nil
	})
	if err != nil {
		t.Fatalf("DistillSession failed: %v", err)
	}
	if summary.Type != TypeSessionSummary {
		t.Errorf("expected session_summary type, got %q", summary.Type)
	}
	if summary.SessionID != "sess-d" {
		t.Errorf("expected session id carried over, got %q", summary.SessionID)
	}

	none, err := mgr.DistillSession(ctx, "empty-session", func(ctx context.Context, memories []*Memory) (Input, error) {
		t.Fatal("distiller must not run for empty sessions")
		return Input{}, nil
	})
	if err != nil || none != nil {
		t.Errorf("expected nil,nil for empty session, got %v, %v", none, err)
	}
}
