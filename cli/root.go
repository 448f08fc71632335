// Package cli implements the quarry command line tool. It wires the
// engine's packages into operator commands: serving the fleet, creating
// and steering hunts, starting flows, exporting results and handling
// access approvals.
//
// Configuration follows the usual precedence: command line flags beat
// environment variables (prefix QUARRY_), which beat the config file
// (--config, or $HOME/.quarry.yaml), which beats defaults.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/datastore"
	"github.com/quarryhq/quarry/datastore/boltdb"
	"github.com/quarryhq/quarry/datastore/memdb"
	"github.com/quarryhq/quarry/driver/databasesql"
	"github.com/quarryhq/quarry/driver/pgxv5"
)

var cfgFile string

// RootCmd is the quarry command tree root.
var RootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "fleet remote-forensics server",
	Long: `Quarry runs flows against a fleet of remote endpoints.

The serve command runs a full server instance: the client frontend,
the flow worker and, on the leader, the cleanup and hunt output
services. The remaining commands are the operator surface against the
same datastore: hunts, flows, approvals and result export.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is the entry point for cmd/quarry.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the quarry version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "quarry", quarry.Version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.quarry.yaml)")
	RootCmd.PersistentFlags().String("datastore", "memdb", "datastore backend: memdb, bolt or postgres")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL for --datastore postgres")
	RootCmd.PersistentFlags().String("database-driver", "pgx", "PostgreSQL driver: pgx or stdlib")
	RootCmd.PersistentFlags().String("bolt-path", "quarry.db", "database file for --datastore bolt")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	RootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	viper.BindPFlag("datastore.backend", RootCmd.PersistentFlags().Lookup("datastore"))
	viper.BindPFlag("datastore.database_url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("datastore.database_driver", RootCmd.PersistentFlags().Lookup("database-driver"))
	viper.BindPFlag("datastore.bolt_path", RootCmd.PersistentFlags().Lookup("bolt-path"))
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", RootCmd.PersistentFlags().Lookup("log-format"))

	RootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".quarry")
	}

	viper.SetEnvPrefix("QUARRY")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// openedStore bundles a datastore with whatever the backend brings
// along: a closer for the underlying handle and, on postgres, the pgx
// driver for LISTEN/NOTIFY.
type openedStore struct {
	store datastore.DataStore
	pgx   *pgxv5.Driver
	close func()
}

// engineOptions returns the backend-specific engine options: the pgx
// notifier when the store supports it.
func (o *openedStore) engineOptions() []quarry.Option {
	if o.pgx == nil {
		return nil
	}
	return []quarry.Option{
		quarry.WithNotifier(o.pgx.GetListener, o.pgx.GetNotifier()),
	}
}

// openStore opens the datastore named by the configuration. The memdb
// backend is ephemeral and only useful for local experiments.
func openStore(ctx context.Context) (*openedStore, error) {
	backend := viper.GetString("datastore.backend")
	switch backend {
	case "memdb":
		return &openedStore{store: memdb.New(), close: func() {}}, nil

	case "bolt":
		path := viper.GetString("datastore.bolt_path")
		store, err := boltdb.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
		}
		return &openedStore{store: store, close: func() { store.Close() }}, nil

	case "postgres":
		url := viper.GetString("datastore.database_url")
		if url == "" {
			return nil, fmt.Errorf("--database-url is required for the postgres datastore")
		}
		switch dbDriver := viper.GetString("datastore.database_driver"); dbDriver {
		case "pgx":
			pool, err := pgxpool.New(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			drv := pgxv5.New(pool)
			store := drv.GetStore()
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
			return &openedStore{store: store, pgx: drv, close: pool.Close}, nil

		case "stdlib":
			// database/sql with lib/pq has no LISTEN/NOTIFY support here;
			// the engine falls back to polling.
			db, err := sql.Open("postgres", url)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			store := databasesql.New(db, url).GetStore()
			if err := store.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to migrate schema: %w", err)
			}
			return &openedStore{store: store, close: func() { db.Close() }}, nil

		default:
			return nil, fmt.Errorf("unknown postgres driver %q", dbDriver)
		}

	default:
		return nil, fmt.Errorf("unknown datastore backend %q", backend)
	}
}
