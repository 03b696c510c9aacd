package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/memory"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories",
	Long: `Search memories by free-form query. Lexical full-text search always
runs; semantic search joins in when an embedding provider is configured.

Examples:
  xylem search "jwt rotation"
  xylem search "migration locks" --types decision,note --min-importance 6`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typesStr, _ := cmd.Flags().GetString("types")
		minImportance, _ := cmd.Flags().GetInt("min-importance")
		private, _ := cmd.Flags().GetBool("private")
		return runSearch(args[0], limit, typesStr, minImportance, private)
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "Maximum results")
	searchCmd.Flags().String("types", "", "Comma-separated type filter")
	searchCmd.Flags().Int("min-importance", 0, "Minimum importance")
	searchCmd.Flags().Bool("private", false, "Include private memories")
}

func parseTypes(typesStr string) []memory.Type {
	var types []memory.Type
	for _, t := range splitList(typesStr, ",") {
		types = append(types, memory.Type(t))
	}
	return types
}

func runSearch(query string, limit int, typesStr string, minImportance int, private bool) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	results, err := mgr.Search(context.Background(), memory.SearchOptions{
		Query:          query,
		Limit:          limit,
		Types:          parseTypes(typesStr),
		MinImportance:  minImportance,
		IncludePrivate: private,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No memories found.")
		return nil
	}

	for _, r := range results {
		printResult(r)
	}
	return nil
}

func printResult(r memory.SearchResult) {
	m := r.Memory
	fmt.Printf("#%d [%s] %s (importance %d, %s %.3f)\n", m.ID, m.Type, m.Title, m.Importance, r.MatchType, r.Score)
	content := m.Content
	if len(content) > 200 {
		content = content[:200] + "…"
	}
	fmt.Printf("   %s\n", strings.ReplaceAll(content, "\n", " "))
	if len(m.Concepts) > 0 {
		fmt.Printf("   tags: %s\n", strings.Join(m.Concepts, ", "))
	}
}
