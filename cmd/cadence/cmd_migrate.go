package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cadence/backend/internal/store/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateRollback bool

func init() {
	migrateCmd.Flags().BoolVar(&migrateRollback, "rollback", false, "revert the last applied migration group")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.DatabaseBackend == backendMemory {
		return fmt.Errorf("nothing to migrate for the memory backend")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStorage(ctx, false)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if migrateRollback {
		reverted, err := sqlstore.Rollback(ctx, st.db)
		if err != nil {
			return err
		}
		if len(reverted) == 0 {
			fmt.Fprintln(out, "nothing to roll back")
		}
		for _, v := range reverted {
			fmt.Fprintln(out, "rolled back", v)
		}
		return nil
	}

	applied, err := sqlstore.Migrate(ctx, st.db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema is up to date")
		return nil
	}
	for _, v := range applied {
		fmt.Fprintln(out, "applied", v)
	}
	return nil
}
