package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/storage"
)

var migrateDSN string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded Postgres schema",
	Long: `Apply the embedded Postgres schema files in order. The statements
are idempotent so running migrate against an initialised database is safe.
The DSN comes from --dsn or PG_DSN.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", "", "postgres DSN (defaults to PG_DSN)")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := migrateDSN
	if dsn == "" {
		dsn = os.Getenv("PG_DSN")
	}
	if dsn == "" {
		return errors.New("no DSN: pass --dsn or set PG_DSN")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	pg, err := storage.NewPostgresStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	applied, err := pg.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
	}
	return nil
}
