package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/memory"
)

var saveCmd = &cobra.Command{
	Use:   "save <title> <content>",
	Short: "Store a memory",
	Long: `Store a memory with a title, content, and optional structured fields.

Examples:
  xylem save "Auth uses JWT" "Tokens are signed with RS256, rotated weekly" --type decision
  xylem save "DB migration gotcha" "ALTER TABLE locks writes" --concepts "sqlite,migrations" --importance 8`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeStr, _ := cmd.Flags().GetString("type")
		importance, _ := cmd.Flags().GetInt("importance")
		factsStr, _ := cmd.Flags().GetString("facts")
		conceptsStr, _ := cmd.Flags().GetString("concepts")
		filesStr, _ := cmd.Flags().GetString("files")
		phase, _ := cmd.Flags().GetString("phase")
		session, _ := cmd.Flags().GetString("session")
		private, _ := cmd.Flags().GetBool("private")
		return runSave(args[0], args[1], typeStr, importance, factsStr, conceptsStr, filesStr, phase, session, private)
	},
}

func init() {
	saveCmd.Flags().String("type", "note", "Memory type: observation, decision, session_summary, user_prompt, note, todo")
	saveCmd.Flags().Int("importance", 5, "Importance 1-10")
	saveCmd.Flags().String("facts", "", "Semicolon-separated facts")
	saveCmd.Flags().String("concepts", "", "Comma-separated concept tags")
	saveCmd.Flags().String("files", "", "Comma-separated source file paths")
	saveCmd.Flags().String("phase", "", "Workflow phase")
	saveCmd.Flags().String("session", "", "Session identifier")
	saveCmd.Flags().Bool("private", false, "Exclude from default search and listing")
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runSave(title, content, typeStr string, importance int, factsStr, conceptsStr, filesStr, phase, session string, private bool) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	visibility := memory.VisibilityPublic
	if private {
		visibility = memory.VisibilityPrivate
	}

	mem, err := mgr.Save(context.Background(), memory.Input{
		Type:        memory.Type(typeStr),
		Title:       title,
		Content:     content,
		Facts:       splitList(factsStr, ";"),
		Concepts:    splitList(conceptsStr, ","),
		SourceFiles: splitList(filesStr, ","),
		Importance:  &importance,
		Visibility:  visibility,
		Phase:       phase,
		SessionID:   session,
	})
	if err != nil {
		return fmt.Errorf("save failed: %w", err)
	}

	fmt.Printf("✅ Saved memory #%d\n", mem.ID)
	return nil
}
