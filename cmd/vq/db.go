package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/ventriloquist/internal/config"
	"github.com/zulandar/ventriloquist/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var (
		configPath string
		reset      bool
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the orchestration tables",
		Long: `Creates the database if needed and migrates the instance, event and
activity tables.

With --reset the existing database (or SQLite file) is dropped first,
discarding every session. --reset requires --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath, reset, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop the database before migrating")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm a destructive reset")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string, reset, yes bool) error {
	out := cmd.OutOrStdout()

	if reset && !yes {
		return fmt.Errorf("refusing to reset without --yes")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dbc := cfg.Database

	switch dbc.Driver {
	case config.DriverMySQL:
		adminDB, err := db.ConnectAdmin(dbc)
		if err != nil {
			return err
		}
		defer closeDB(adminDB)
		if reset {
			if err := db.DropDatabase(adminDB, dbc.Database); err != nil {
				return err
			}
			fmt.Fprintf(out, "Dropped database %s\n", dbc.Database)
		}
		if err := db.CreateDatabase(adminDB, dbc.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", dbc.Database, dbc.Host, dbc.Port)
	case config.DriverSQLite:
		if reset && dbc.Path != ":memory:" {
			for _, f := range []string{dbc.Path, dbc.Path + "-wal", dbc.Path + "-shm"} {
				if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("remove %s: %w", f, err)
				}
			}
			fmt.Fprintf(out, "Removed %s\n", dbc.Path)
		}
	}

	gormDB, err := db.Open(dbc)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
