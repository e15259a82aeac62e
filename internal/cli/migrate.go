package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barnlabs/barn/internal/cli/ui"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Create or update the barn_task, barn_schedule, and barn_lock tables.
Running migrations is idempotent; barn start also applies them on boot.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	migrateCmd.Flags().String("database-path", "", "SQLite database file (used when no URL is set)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error()))
		return err
	}
	logger := newLogger(cfg)

	b, err := openBackend(context.Background(), cfg, logger, true)
	if err != nil {
		fmt.Fprint(os.Stderr, ui.FormatError(err.Error()))
		return err
	}
	defer b.close()

	fmt.Fprintf(os.Stderr, "%s migrations applied\n", ui.StyleSuccess.Render(ui.SymbolCheck))
	return nil
}
