package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/memory"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply the configured retention policy",
	Long:  "Delete memories past the retention window, then trim the store to its size cap.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRetention()
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute embeddings for memories that lack one",
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, _ := cmd.Flags().GetInt("batch")
		return runBackfill(batch)
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compact the search index and refresh planner statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOptimize()
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the full-text index from stored memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRebuild()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store health and size",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xylem %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}

func init() {
	backfillCmd.Flags().Int("batch", 50, "Memories per embedding batch")
}

func runRetention() error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	result, err := mgr.ApplyRetention(context.Background())
	if err != nil {
		return fmt.Errorf("retention failed: %w", err)
	}
	fmt.Printf("🧹 Retention: %d expired, %d trimmed\n", result.Expired, result.Trimmed)
	return nil
}

func runBackfill(batch int) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	n, err := mgr.BackfillVectors(context.Background(), batch)
	if err != nil {
		return fmt.Errorf("backfill failed after %d vectors: %w", n, err)
	}
	fmt.Printf("🔍 Backfilled %d embedding vectors\n", n)
	return nil
}

func runOptimize() error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Store().Optimize(context.Background()); err != nil {
		return fmt.Errorf("optimize failed: %w", err)
	}
	fmt.Println("✅ Index optimized.")
	return nil
}

func runRebuild() error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Store().Rebuild(context.Background()); err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}
	fmt.Println("✅ Full-text index rebuilt.")
	return nil
}

func runStatus() error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := context.Background()
	store := mgr.Store()

	count, err := mgr.Count(ctx, memory.Filters{})
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}

	fmt.Printf("📁 Store: %s\n", store.Path())
	fmt.Printf("   Memories: %d\n", count)

	if size, err := store.Size(); err == nil {
		fmt.Printf("   Size: %s\n", humanSize(size))
	}
	if version, err := store.SchemaVersion(ctx); err == nil {
		fmt.Printf("   Schema: v%d\n", version)
	}
	if last, err := store.LastActivity(ctx); err == nil && !last.IsZero() {
		fmt.Printf("   Last activity: %s (%s ago)\n",
			last.Format("2006-01-02 15:04:05"), time.Since(last).Round(time.Second))
	}
	return nil
}

func humanSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}
