package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/memory"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %q", args[0])
		}
		return runGet(id)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typesStr, _ := cmd.Flags().GetString("types")
		private, _ := cmd.Flags().GetBool("private")
		conceptsStr, _ := cmd.Flags().GetString("concepts")
		phase, _ := cmd.Flags().GetString("phase")
		return runList(limit, typesStr, conceptsStr, phase, private)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Show a session's memories in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %q", args[0])
		}
		return runDelete(id)
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "Maximum results")
	listCmd.Flags().String("types", "", "Comma-separated type filter")
	listCmd.Flags().String("concepts", "", "Comma-separated concept filter")
	listCmd.Flags().String("phase", "", "Workflow phase filter")
	listCmd.Flags().Bool("private", false, "Include private memories")
}

func runGet(id int64) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	mem, err := mgr.GetByID(context.Background(), id)
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}
	if mem == nil {
		fmt.Printf("Memory #%d not found.\n", id)
		return nil
	}

	fmt.Printf("#%d [%s] %s\n", mem.ID, mem.Type, mem.Title)
	fmt.Printf("%s\n", mem.Content)
	if len(mem.Facts) > 0 {
		fmt.Printf("facts: %s\n", strings.Join(mem.Facts, "; "))
	}
	if len(mem.Concepts) > 0 {
		fmt.Printf("tags: %s\n", strings.Join(mem.Concepts, ", "))
	}
	if len(mem.SourceFiles) > 0 {
		fmt.Printf("files: %s\n", strings.Join(mem.SourceFiles, ", "))
	}
	fmt.Printf("importance %d, %s, accessed %d times\n", mem.Importance, mem.Visibility, mem.AccessCount)
	fmt.Printf("created %s, updated %s\n",
		mem.CreatedAt.Format("2006-01-02 15:04:05"), mem.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runList(limit int, typesStr, conceptsStr, phase string, private bool) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := context.Background()
	var memories []*memory.Memory
	switch {
	case conceptsStr != "":
		memories, err = mgr.GetByConcepts(ctx, splitList(conceptsStr, ","), limit)
	case phase != "":
		memories, err = mgr.GetByPhase(ctx, phase, limit)
	default:
		memories, err = mgr.GetRecent(ctx, limit, parseTypes(typesStr), private)
	}
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}

	if len(memories) == 0 {
		fmt.Println("No memories found.")
		return nil
	}
	printMemoryList(memories)
	return nil
}

func runSession(sessionID string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	memories, err := mgr.GetBySession(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("session lookup failed: %w", err)
	}
	if len(memories) == 0 {
		fmt.Printf("No memories for session %s.\n", sessionID)
		return nil
	}
	printMemoryList(memories)
	return nil
}

func runDelete(id int64) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	deleted, err := mgr.Delete(context.Background(), id)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	if !deleted {
		fmt.Printf("Memory #%d not found.\n", id)
		return nil
	}
	fmt.Printf("🗑️  Deleted memory #%d\n", id)
	return nil
}

func printMemoryList(memories []*memory.Memory) {
	for _, m := range memories {
		title := m.Title
		if len(title) > 70 {
			title = title[:70] + "…"
		}
		fmt.Printf("#%-5d %-16s %s  (importance %d, %s)\n",
			m.ID, m.Type, title, m.Importance, m.CreatedAt.Format("2006-01-02"))
	}
}
