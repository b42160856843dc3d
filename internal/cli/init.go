package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/forge/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize forge in the current directory",
	Long:  "Creates a .forge/ directory with default config, an empty backlog and the database.",
	RunE:  runInit,
}

const starterBacklog = `# One entry per work item, worked top to bottom.
# Entries are plain strings or {description: ...} maps.
items: []
`

func runInit(cmd *cobra.Command, args []string) error {
	// Check if already initialized.
	if _, err := os.Stat(forgeDirName); err == nil {
		return fmt.Errorf("forge already initialized in this directory (.forge/ exists)")
	}

	if err := os.MkdirAll(forgeDirName, 0755); err != nil {
		return fmt.Errorf("create .forge: %w", err)
	}

	// Write default config.
	cfg := config.DefaultConfig()
	if err := config.Save(forgePath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.WriteFile(cfg.Scheduler.BacklogPath, []byte(starterBacklog), 0644); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}

	// Create database by opening store (migration runs automatically).
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	st.Close()

	fmt.Println("Initialized forge in .forge/")
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit .forge/config.yaml to set up your executors")
	fmt.Println("  2. Add work items to .forge/backlog.yaml")
	fmt.Println("  3. Run: forge serve")
	return nil
}
