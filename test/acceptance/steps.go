//go:build sqlite_fts5

package acceptance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cucumber/godog"

	"github.com/CanopyHQ/xylem/internal/memory"
)

// TestContext holds state between steps
type TestContext struct {
	ctx context.Context

	tmpDir  string
	manager *memory.Manager

	titleToID map[string]int64
	lastSaved *memory.Memory
	lastErr   error
	results   []memory.SearchResult
	fetched   *memory.Memory
}

func newTestContext() *TestContext {
	return &TestContext{ctx: context.Background()}
}

func (tc *TestContext) cleanup(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
	if tc.manager != nil {
		tc.manager.Close()
		tc.manager = nil
	}
	if tc.tmpDir != "" {
		os.RemoveAll(tc.tmpDir)
		tc.tmpDir = ""
	}
	return ctx, nil
}

func (tc *TestContext) openStore(retentionDays, maxMemories int) error {
	tmpDir, err := os.MkdirTemp("", "xylem-acceptance-*")
	if err != nil {
		return err
	}
	tc.tmpDir = tmpDir

	store, err := memory.NewStore(filepath.Join(tmpDir, "memories.db"), memory.Options{})
	if err != nil {
		return err
	}
	tc.manager = memory.NewManager(store, memory.ManagerOptions{
		RetentionDays: retentionDays,
		MaxMemories:   maxMemories,
	})
	tc.titleToID = make(map[string]int64)
	tc.lastSaved = nil
	tc.lastErr = nil
	tc.results = nil
	tc.fetched = nil
	return nil
}

func (tc *TestContext) emptyStore() error {
	return tc.openStore(0, 0)
}

func (tc *TestContext) storeWithRetention(days, cap int) error {
	return tc.openStore(days, cap)
}

func (tc *TestContext) save(in memory.Input) error {
	mem, err := tc.manager.Save(tc.ctx, in)
	tc.lastErr = err
	if err != nil {
		return nil // Outcome steps assert on lastErr
	}
	tc.lastSaved = mem
	tc.titleToID[mem.Title] = mem.ID
	return nil
}

func (tc *TestContext) saveMemory(title, content string) error {
	return tc.save(memory.Input{Type: memory.TypeNote, Title: title, Content: content})
}

func (tc *TestContext) saveTypedMemory(typeStr, title, content string) error {
	return tc.save(memory.Input{Type: memory.Type(typeStr), Title: title, Content: content})
}

func (tc *TestContext) savePrivateMemory(title, content string) error {
	return tc.save(memory.Input{
		Type:       memory.TypeNote,
		Title:      title,
		Content:    content,
		Visibility: memory.VisibilityPrivate,
	})
}

func (tc *TestContext) saveWithImportance(title string, importance int) error {
	return tc.save(memory.Input{Type: memory.TypeNote, Title: title, Content: "content", Importance: &importance})
}

func (tc *TestContext) trySaveWithImportance(title string, importance int) error {
	return tc.saveWithImportance(title, importance)
}

func (tc *TestContext) saveBadBatch(badIndex, total int) error {
	inputs := make([]memory.Input, total)
	for i := range inputs {
		inputs[i] = memory.Input{
			Type:    memory.TypeNote,
			Title:   fmt.Sprintf("batch item %d", i+1),
			Content: "content",
		}
	}
	inputs[badIndex-1].Title = ""
	_, tc.lastErr = tc.manager.SaveBatch(tc.ctx, inputs)
	return nil
}

func (tc *TestContext) search(query string) error {
	results, err := tc.manager.Search(tc.ctx, memory.SearchOptions{Query: query})
	if err != nil {
		return err
	}
	tc.results = results
	return nil
}

func (tc *TestContext) searchIncludingPrivate(query string) error {
	results, err := tc.manager.Search(tc.ctx, memory.SearchOptions{Query: query, IncludePrivate: true})
	if err != nil {
		return err
	}
	tc.results = results
	return nil
}

func (tc *TestContext) checkResultCount(want int) error {
	if len(tc.results) != want {
		return fmt.Errorf("expected %d results, got %d", want, len(tc.results))
	}
	return nil
}

func (tc *TestContext) checkNoResults() error {
	return tc.checkResultCount(0)
}

func (tc *TestContext) checkFirstResultTitle(title string) error {
	if len(tc.results) == 0 {
		return fmt.Errorf("no results")
	}
	if got := tc.results[0].Memory.Title; got != title {
		return fmt.Errorf("expected first result %q, got %q", title, got)
	}
	return nil
}

func (tc *TestContext) fetchSaved() error {
	if tc.lastSaved == nil {
		return fmt.Errorf("no memory saved")
	}
	mem, err := tc.manager.GetByID(tc.ctx, tc.lastSaved.ID)
	if err != nil {
		return err
	}
	if mem == nil {
		return fmt.Errorf("memory #%d not found", tc.lastSaved.ID)
	}
	tc.fetched = mem
	return nil
}

func (tc *TestContext) checkAccessCount(want int) error {
	if tc.fetched == nil {
		return fmt.Errorf("no memory fetched")
	}
	if tc.fetched.AccessCount != want {
		return fmt.Errorf("expected access count %d, got %d", want, tc.fetched.AccessCount)
	}
	return nil
}

func (tc *TestContext) checkSaveRejected() error {
	if tc.lastErr == nil {
		return fmt.Errorf("expected the save to fail")
	}
	return nil
}

func (tc *TestContext) checkSaveSucceeded() error {
	if tc.lastErr != nil {
		return fmt.Errorf("save failed: %v", tc.lastErr)
	}
	return nil
}

func (tc *TestContext) checkStoreCount(want int) error {
	count, err := tc.manager.Count(tc.ctx, memory.Filters{})
	if err != nil {
		return err
	}
	if count != want {
		return fmt.Errorf("expected %d memories in store, got %d", want, count)
	}
	return nil
}

func (tc *TestContext) backdateMemory(title string, daysAgo int) error {
	id, ok := tc.titleToID[title]
	if !ok {
		return fmt.Errorf("no memory titled %q", title)
	}
	backdated := time.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour).Unix()
	_, err := tc.manager.Store().DB().ExecContext(tc.ctx,
		`UPDATE memories SET created_at = ? WHERE id = ?`, backdated, id)
	return err
}

func (tc *TestContext) applyRetention() error {
	_, err := tc.manager.ApplyRetention(tc.ctx)
	return err
}

func (tc *TestContext) checkMemoryGone(title string) error {
	id, ok := tc.titleToID[title]
	if !ok {
		return fmt.Errorf("no memory titled %q", title)
	}
	mem, err := tc.manager.GetByID(tc.ctx, id)
	if err != nil {
		return err
	}
	if mem != nil {
		return fmt.Errorf("memory %q still present", title)
	}
	return nil
}

func (tc *TestContext) checkMemoryRemains(title string) error {
	id, ok := tc.titleToID[title]
	if !ok {
		return fmt.Errorf("no memory titled %q", title)
	}
	mem, err := tc.manager.GetByID(tc.ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return fmt.Errorf("memory %q is gone", title)
	}
	return nil
}
