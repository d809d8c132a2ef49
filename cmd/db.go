package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/markb/livesync/internal/archive"
	"github.com/markb/livesync/internal/config"
	"github.com/markb/livesync/internal/feed"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Change log maintenance commands",
	Long:  `Commands for inspecting and pruning the change log, and for wiring Postgres tables into it.`,
}

var dbPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest changes",
	Long: `Delete all but the newest --keep changes and advance the retention horizon.

With an archive configured (server.archive or LIVESYNC_ARCHIVE), pruned
changes are written to it first and subscribers resuming from behind the
horizon replay from the archive. Without one they miss the pruned changes
and the server logs a warning.

Examples:
  livesync db prune --keep 10000
  LIVESYNC_ARCHIVE=local LIVESYNC_ARCHIVE_DIR=./archive livesync db prune --keep 0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		keep, _ := cmd.Flags().GetInt("keep")
		if keep < 0 {
			return fmt.Errorf("--keep must not be negative")
		}

		ctx := cmd.Context()
		arch, err := archive.Open(ctx, cfg.Server.Archive.Archive())
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		if arch != nil {
			defer arch.Close()
		}

		n, err := store.PruneArchived(ctx, keep, cfg.Server.ReplayBatch, feed.ArchiveTo(arch))
		if err != nil {
			return err
		}
		horizon, err := store.Horizon(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d change(s); horizon is now %d\n", n, horizon)
		return nil
	},
}

var dbArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "List archived change segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		arch, err := archive.Open(ctx, cfg.Server.Archive.Archive())
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		if arch == nil {
			return fmt.Errorf("no archive configured (set server.archive.kind or LIVESYNC_ARCHIVE)")
		}
		defer arch.Close()

		segments, err := arch.Segments(ctx)
		if err != nil {
			return err
		}
		if len(segments) == 0 {
			fmt.Println("No archived segments.")
			return nil
		}
		fmt.Printf("%-12s %-12s %10s  %s\n", "FROM", "TO", "BYTES", "KEY")
		for _, seg := range segments {
			fmt.Printf("%-12d %-12d %10d  %s\n", seg.From, seg.To, seg.Size, seg.Key)
		}
		return nil
	},
}

var dbTriggersCmd = &cobra.Command{
	Use:   "triggers [table...]",
	Short: "Install Postgres NOTIFY triggers",
	Long: `Install a trigger on each Postgres table that publishes its row changes
on the NOTIFY channel 'livesync serve' listens to.

Examples:
  livesync db triggers messages tasks --dsn postgres://localhost/app
  LIVESYNC_PG_TABLES=messages,tasks livesync db triggers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pg := cfg.Server.Postgres
		if v, _ := cmd.Flags().GetString("dsn"); v != "" {
			pg.DSN = v
		}
		tables := args
		if len(tables) == 0 {
			tables = pg.Tables
		}
		if pg.DSN == "" || len(tables) == 0 {
			return fmt.Errorf("a Postgres DSN and at least one table are required")
		}

		if err := feed.InstallTriggers(cmd.Context(), pg.DSN, pg.Channel, tables...); err != nil {
			return err
		}
		fmt.Printf("Installed triggers on %s (channel %s)\n", strings.Join(tables, ", "), pg.Channel)
		return nil
	},
}

// openStore opens the change log named by --db or the config.
func openStore(cmd *cobra.Command) (*config.Config, *feed.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	dbPath := cfg.Server.DBPath
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		dbPath = v
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("database not found at %s (run 'livesync init' first)", dbPath)
	}
	store, err := feed.OpenStore(dbPath, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbPruneCmd)
	dbCmd.AddCommand(dbTriggersCmd)
	dbCmd.AddCommand(dbArchiveCmd)

	dbPruneCmd.Flags().String("db", "", "Database path (default from config)")
	dbPruneCmd.Flags().Int("keep", 10000, "Number of newest changes to keep")
	dbTriggersCmd.Flags().String("dsn", "", "Postgres connection string (default from config)")
}
