package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/auditforge/auditforge/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event-log database management",
}

func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return db.Open(path)
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the event-log database and apply the schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		cmd.Println("Database ready.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all event-log tables and re-apply the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return fmt.Errorf("reset database: %w", err)
		}
		cmd.Println("Database reset.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbResetCmd)
}
