package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CanopyHQ/xylem/internal/config"
	"github.com/CanopyHQ/xylem/internal/embed"
	"github.com/CanopyHQ/xylem/internal/memory"
)

// Build-time variables
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// SetVersion sets the version info from main
func SetVersion(v, c, d string) {
	Version = v
	Commit = c
	Date = d
}

var configPath string

var rootCmd = &cobra.Command{
	Use:           "xylem",
	Short:         "Xylem - persistent memory for AI sessions",
	Long:          "Xylem is a local-first durable memory store: typed records, full-text and semantic search, retention.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the xylem command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default ~/.xylem/config.yaml)")

	// save, search (defined in save.go, search.go)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(searchCmd)

	// get, list, session, delete (defined in browse.go)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(deleteCmd)

	// retention, backfill, optimize, rebuild, status, version (defined in maintain.go)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the config file, defaulting to ~/.xylem/config.yaml.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.Default(), nil
		}
		path = filepath.Join(home, ".xylem", "config.yaml")
	}
	return config.Load(path)
}

// openManager wires config, store, and embedding provider into a Manager.
// Callers own the Close.
func openManager() (*memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	provider, err := embed.NewProvider(cfg.Embeddings, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure embeddings: %w", err)
	}
	gen := embed.NewGenerator(provider)

	store, err := memory.NewStore(cfg.DBPath, memory.Options{
		Logger:     logger,
		VectorDims: gen.Dimensions(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	return memory.NewManager(store, memory.ManagerOptions{
		Generator:     gen,
		RetentionDays: cfg.Privacy.RetentionDays,
		MaxMemories:   cfg.Privacy.MaxMemories,
		Logger:        logger,
	}), nil
}
