// Command payopsctl is the operator tool for payment reconciliation and the
// notification queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	storage "github.com/dmehra2102/payment-reconciliation/internal/storage/postgres"
	"github.com/dmehra2102/payment-reconciliation/pkg/logging"
	"github.com/dmehra2102/payment-reconciliation/pkg/shutdown"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "payopsctl",
		Short:         "Operate payment reconciliation and notification delivery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("settings", "", "settings YAML overriding the built-in defaults")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(transactionsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(requeueCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(suppressCmd())

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: logger, settings and a pool.
type env struct {
	log      *slog.Logger
	settings *config.Static
	pool     *pgxpool.Pool
}

func open(cmd *cobra.Command) (*env, error) {
	common, err := config.LoadCommon()
	if err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("settings")
	if path == "" {
		path = common.SettingsFile
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	pool, err := storage.Connect(cmd.Context(), common.PGURL)
	if err != nil {
		return nil, err
	}
	return &env{
		log:      logging.New(common.LogLevel),
		settings: config.NewStatic(*s),
		pool:     pool,
	}, nil
}

func (e *env) Close() { e.pool.Close() }

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := storage.Migrate(cmd.Context(), e.pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
