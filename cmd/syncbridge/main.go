// Command syncbridge is the operational CLI for the sync engine store:
// schema migration, device status inspection and retention sweeps. The
// engine itself is embedded as a library; this binary only manages the
// store around it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clinicore/syncbridge/internal/db"
	"github.com/clinicore/syncbridge/internal/logging"
	"github.com/clinicore/syncbridge/internal/models"
	syncpkg "github.com/clinicore/syncbridge/internal/sync"
	"github.com/clinicore/syncbridge/internal/sync/retention"
)

const version = "v0.1.0"

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "syncbridge",
	Short: "SyncBridge manages the offline sync store",
	Long: `SyncBridge coordinates offline changes between clinic mobile devices
and the authoritative server store. This CLI migrates the store schema,
inspects per-device sync status and runs retention sweeps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the SyncBridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("syncbridge %s\n", version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(dataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		migrator := db.NewMigrator(database.DB)
		if err := migrator.Up(); err != nil {
			return err
		}

		current, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", current)
		return nil
	},
}

var (
	statusUserID   string
	statusDeviceID string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status for one device",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(dataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewRepository(database.DB)
		coordinator := syncpkg.NewCoordinator(repo, syncpkg.NewAdapterRegistry(), syncpkg.DefaultOptions())

		status, err := coordinator.GetSyncStatus(statusUserID, statusDeviceID)
		if err != nil {
			return err
		}
		byStatus, err := repo.CountQueueByStatus(statusUserID, statusDeviceID)
		if err != nil {
			return err
		}
		entityStates, err := repo.ListEntityStates(statusUserID, statusDeviceID)
		if err != nil {
			return err
		}

		report := struct {
			*syncpkg.SyncStatus
			QueueByStatus map[string]int              `json:"queue_by_status"`
			EntityStates  []*models.DeviceEntityState `json:"entity_states"`
		}{status, byStatus, entityStates}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var (
	cleanupCompletedDays int
	cleanupStaleDays     int
	cleanupMaxAttempts   int
	cleanupStuckMinutes  int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run retention sweeps against the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(dataDir)
		if err != nil {
			return err
		}
		defer database.Close()

		repo := db.NewRepository(database.DB)
		sweeper := retention.NewSweeper(repo, retention.Options{
			CompletedRetentionDays: cleanupCompletedDays,
			StaleDeviceDays:        cleanupStaleDays,
			MaxAttempts:            cleanupMaxAttempts,
			StuckSyncingTimeout:    time.Duration(cleanupStuckMinutes) * time.Minute,
		})

		summary, err := sweeper.Cleanup()
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "directory holding the sync store")

	statusCmd.Flags().StringVar(&statusUserID, "user", "", "user id (required)")
	statusCmd.Flags().StringVar(&statusDeviceID, "device", "", "device id (required)")
	statusCmd.MarkFlagRequired("user")
	statusCmd.MarkFlagRequired("device")

	defaults := retention.DefaultOptions()
	cleanupCmd.Flags().IntVar(&cleanupCompletedDays, "completed-days", defaults.CompletedRetentionDays, "purge completed items older than this many days")
	cleanupCmd.Flags().IntVar(&cleanupStaleDays, "stale-days", defaults.StaleDeviceDays, "purge devices inactive this many days")
	cleanupCmd.Flags().IntVar(&cleanupMaxAttempts, "max-attempts", defaults.MaxAttempts, "attempt limit identifying permanently failed items")
	cleanupCmd.Flags().IntVar(&cleanupStuckMinutes, "stuck-minutes", int(defaults.StuckSyncingTimeout/time.Minute), "requeue items stuck in syncing longer than this many minutes")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Error("Command failed", err, nil)
		os.Exit(1)
	}
}
