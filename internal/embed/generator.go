package embed

import (
	"context"
	"fmt"
	"strings"
)

// Generator prepares memory text for embedding and drives a Provider.
type Generator struct {
	provider Provider
}

// NewGenerator wraps a provider.
func NewGenerator(provider Provider) *Generator {
	return &Generator{provider: provider}
}

// Dimensions reports the provider's vector dimensionality.
func (g *Generator) Dimensions() int { return g.provider.Dimensions() }

// CombineText assembles the embeddable representation of a memory: title and
// content first, then the structured fields as labeled lines, truncated to
// the provider input bound.
func CombineText(title, content string, facts, concepts []string) string {
	var b strings.Builder
	b.WriteString(title)
	if content != "" {
		b.WriteString("\n")
		b.WriteString(content)
	}
	if len(facts) > 0 {
		b.WriteString("\nFacts: ")
		b.WriteString(strings.Join(facts, "; "))
	}
	if len(concepts) > 0 {
		b.WriteString("\nTags: ")
		b.WriteString(strings.Join(concepts, ", "))
	}
	return truncateText(b.String())
}

// Generate embeds a single text. The input bound is enforced here so it
// holds regardless of which backend is configured.
func (g *Generator) Generate(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	if err := g.provider.Initialize(ctx); err != nil {
		return nil, err
	}
	return g.provider.Embed(ctx, truncateText(text))
}

// GenerateBatch embeds a batch, skipping empty items. The result is
// index-aligned with the input; skipped items are nil. An all-empty batch
// returns without calling the provider.
func (g *Generator) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	indexes := make([]int, 0, len(texts))
	nonEmpty := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		indexes = append(indexes, i)
		nonEmpty = append(nonEmpty, truncateText(t))
	}

	vectors := make([][]float32, len(texts))
	if len(nonEmpty) == 0 {
		return vectors, nil
	}

	if err := g.provider.Initialize(ctx); err != nil {
		return nil, err
	}
	embedded, err := g.provider.EmbedBatch(ctx, nonEmpty)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(nonEmpty) {
		return nil, fmt.Errorf("provider returned %d vectors for %d inputs", len(embedded), len(nonEmpty))
	}
	for j, i := range indexes {
		vectors[i] = embedded[j]
	}
	return vectors, nil
}
