package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/internal/app"
	"github.com/tviewdb/pgtview/internal/logutil"
	"github.com/tviewdb/pgtview/pkg/catalog"
	"github.com/tviewdb/pgtview/pkg/config"
	"github.com/tviewdb/pgtview/pkg/engine"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "pgtviewd",
		Short:        "Incremental maintenance of JSON materializations in Postgres",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	root.AddCommand(serveCmd(), migrateCmd(), createCmd(), dropCmd(), listCmd(), refreshCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	log, err := logutil.New(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func withEngine(fn func(ctx context.Context, eng *engine.Engine, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		return fn(ctx, engine.New(pool, cfg, log), cmd, args)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (HTTP API, websocket feed, change consumer)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			srv, err := app.NewServer(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the catalog schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := sql.Open("pgx", cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := catalog.MigrateUp(db); err != nil {
				return err
			}
			log.Info("catalog schema up to date")
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create <entity> [select-sql]",
		Short: "Create a tview from its defining query",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, cmd *cobra.Command, args []string) error {
			selectSQL := ""
			if len(args) == 2 {
				selectSQL = args[1]
			}
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				selectSQL = string(raw)
			}
			if selectSQL == "" {
				return fmt.Errorf("defining query required (argument or --file)")
			}
			def, err := eng.CreateTView(ctx, args[0], selectSQL)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%d dependencies)\n", def.TableName(), len(def.Edges))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the defining query from a file")
	return cmd
}

func dropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <entity>",
		Short: "Drop a tview and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *cobra.Command, args []string) error {
			return eng.DropTView(ctx, args[0])
		}),
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List defined tviews",
		Args:  cobra.NoArgs,
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *cobra.Command, _ []string) error {
			defs, err := eng.List(ctx)
			if err != nil {
				return err
			}
			for _, def := range defs {
				fmt.Printf("%-24s deps=%d checksum=%s\n", def.Entity, len(def.Edges), def.Checksum[:12])
			}
			return nil
		}),
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <entity>",
		Short: "Rebuild a tview's materialization from its view",
		Args:  cobra.ExactArgs(1),
		RunE: withEngine(func(ctx context.Context, eng *engine.Engine, _ *cobra.Command, args []string) error {
			return eng.RefreshEntity(ctx, args[0])
		}),
	}
}
