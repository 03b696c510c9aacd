package embed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCombineText(t *testing.T) {
	text := CombineText("Title here", "Body here",
		[]string{"fact one", "fact two"}, []string{"tag1", "tag2"})

	assert.True(t, strings.HasPrefix(text, "Title here\nBody here"))
	assert.Contains(t, text, "Facts: fact one; fact two")
	assert.Contains(t, text, "Tags: tag1, tag2")

	// Facts before tags
	assert.Less(t, strings.Index(text, "Facts:"), strings.Index(text, "Tags:"))
}

func TestCombineText_OmitsEmptySections(t *testing.T) {
	text := CombineText("Just a title", "", nil, nil)
	assert.Equal(t, "Just a title", text)
	assert.NotContains(t, text, "Facts:")
	assert.NotContains(t, text, "Tags:")
}

func TestCombineText_Truncates(t *testing.T) {
	text := CombineText("t", strings.Repeat("y", 20000), nil, nil)
	assert.Len(t, text, maxEmbedChars)
}

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator(NewLocalProvider(32))

	vec, err := g.Generate(context.Background(), "embed this")
	require.NoError(t, err)
	assert.Len(t, vec, 32)

	_, err = g.Generate(context.Background(), "   ")
	require.Error(t, err, "blank text must not reach the provider")
}

// countingProvider records batch sizes passed to the underlying provider.
type countingProvider struct {
	*LocalProvider
	batches [][]string
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, texts)
	return c.LocalProvider.EmbedBatch(ctx, texts)
}

func TestGenerator_BatchFiltersEmpties(t *testing.T) {
	cp := &countingProvider{LocalProvider: NewLocalProvider(16)}
	g := NewGenerator(cp)

	vectors, err := g.GenerateBatch(context.Background(), []string{"first", "", "  ", "fourth"})
	require.NoError(t, err)
	require.Len(t, vectors, 4, "result stays index-aligned with input")

	assert.NotNil(t, vectors[0])
	assert.Nil(t, vectors[1])
	assert.Nil(t, vectors[2])
	assert.NotNil(t, vectors[3])

	require.Len(t, cp.batches, 1)
	assert.Equal(t, []string{"first", "fourth"}, cp.batches[0])
}

// lengthProvider records the length of every text the provider receives.
type lengthProvider struct {
	*LocalProvider
	lengths []int
}

func (p *lengthProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.lengths = append(p.lengths, len(text))
	return p.LocalProvider.Embed(ctx, text)
}

func (p *lengthProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		p.lengths = append(p.lengths, len(t))
	}
	return p.LocalProvider.EmbedBatch(ctx, texts)
}

func TestGenerator_TruncatesBeforeProvider(t *testing.T) {
	lp := &lengthProvider{LocalProvider: NewLocalProvider(16)}
	g := NewGenerator(lp)
	long := strings.Repeat("z", 3*maxEmbedChars)

	_, err := g.Generate(context.Background(), long)
	require.NoError(t, err)

	_, err = g.GenerateBatch(context.Background(), []string{long, "short"})
	require.NoError(t, err)

	require.Len(t, lp.lengths, 3)
	for _, n := range lp.lengths {
		assert.LessOrEqual(t, n, maxEmbedChars)
	}
}

func TestGenerator_AllEmptyBatchSkipsProvider(t *testing.T) {
	g := NewGenerator(erroringProvider{})

	vectors, err := g.GenerateBatch(context.Background(), []string{"", "   "})
	require.NoError(t, err, "all-empty batch must not call the provider")
	assert.Len(t, vectors, 2)
	assert.Nil(t, vectors[0])
	assert.Nil(t, vectors[1])
}

type erroringProvider struct{}

func (erroringProvider) Initialize(ctx context.Context) error { return errors.New("boom") }
func (erroringProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("boom")
}
func (erroringProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("boom")
}
func (erroringProvider) Dimensions() int { return 8 }
