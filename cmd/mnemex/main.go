// Command mnemex runs the temporal memory engine: a serve mode with
// scheduled maintenance and vault watching, plus one-shot maintenance and
// query subcommands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mnemexai/mnemex/internal/config"
	"github.com/mnemexai/mnemex/internal/engine"
	"github.com/mnemexai/mnemex/internal/metrics"
	"github.com/mnemexai/mnemex/internal/storage/jsonl"
	"github.com/mnemexai/mnemex/internal/vault"
	"github.com/mnemexai/mnemex/pkg/log"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "mnemex",
		Short:         "Temporal memory engine with decay, promotion, and a markdown vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (env vars override)")

	root.AddCommand(
		serveCmd(),
		gcCmd(),
		compactCmd(),
		statsCmd(),
		promoteCmd(),
		searchCmd(),
		refreshCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mnemex:", err)
		os.Exit(1)
	}
}

// loadConfig resolves config from the optional file plus environment.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFromFile(configPath)
	}
	return config.LoadConfig()
}

// openEngine builds the full stack from config. The returned cleanup
// closes the store and index.
func openEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.Register(prometheus.DefaultRegisterer)

	store, err := jsonl.Open(cfg.Storage.Root, jsonl.Options{
		CompactionTombstoneRatio: cfg.Maintenance.CompactionTombstoneRatio,
	})
	if err != nil {
		return nil, nil, err
	}

	var ltm *vault.Index
	if cfg.Storage.VaultPath != "" {
		indexPath := filepath.Join(cfg.Storage.Root, "ltm_index.jsonl")
		if ltm, err = vault.OpenIndex(indexPath, cfg.Storage.VaultPath); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	eng, err := engine.New(cfg, store, ltm, nil, nil)
	if err != nil {
		store.Close()
		if ltm != nil {
			ltm.Close()
		}
		return nil, nil, err
	}
	return eng, func() { eng.Close() }, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with scheduled maintenance and vault watching",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ltm := eng.LTMIndex(); ltm != nil {
				if err := eng.RefreshLTM(ctx); err != nil {
					log.Errorf("initial vault refresh failed", err)
				}
				watcher := vault.NewWatcher(ltm)
				if err := watcher.Start(ctx); err != nil {
					log.Errorf("vault watcher failed to start", err)
				} else {
					defer watcher.Stop()
				}
			}

			var scheduler *engine.Scheduler
			if cfg.Maintenance.Interval != "" {
				interval, perr := time.ParseDuration(cfg.Maintenance.Interval)
				if perr != nil {
					return fmt.Errorf("parse maintenance interval: %w", perr)
				}
				scheduler = engine.NewScheduler(eng, interval)
				scheduler.Start(ctx)
				defer scheduler.Stop()
			}

			log.Info("mnemex serving; ctrl-c to stop")
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
}

func gcCmd() *cobra.Command {
	var dryRun, archive bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Sweep records below the forgetting threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.GC(cmd.Context(), engine.GCOptions{DryRun: dryRun, ArchiveInstead: archive})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without mutating")
	cmd.Flags().BoolVar(&archive, "archive", false, "archive instead of tombstoning")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the JSONL files dropping superseded lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.Compact(cmd.Context())
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store and vault statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := eng.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func promoteCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "promote [id]",
		Short: "Promote a record (or all qualifying records) to the vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 1 {
				res, perr := eng.PromoteMemory(cmd.Context(), args[0], dryRun)
				if perr != nil {
					return perr
				}
				return printJSON(res)
			}
			results, perr := eng.PromoteAuto(cmd.Context(), dryRun)
			if perr != nil {
				return perr
			}
			return printJSON(results)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the proposal without writing")
	return cmd
}

func searchCmd() *cobra.Command {
	var tags []string
	var limit int
	var sources string
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search short- and long-term memory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Storage.VaultPath != "" {
				if err := eng.RefreshLTM(cmd.Context()); err != nil {
					log.Errorf("vault refresh failed", err)
				}
			}

			req := engine.SearchRequest{Tags: tags, Limit: limit, Sources: sources}
			if len(args) == 1 {
				req.Query = args[0]
			}
			results, serr := eng.SearchUnified(cmd.Context(), req)
			if serr != nil {
				return serr
			}
			return printJSON(results)
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "filter by tag (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().StringVar(&sources, "sources", "both", "stm, ltm, or both")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-ltm",
		Short: "Rescan the vault and update the long-term index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.RefreshLTM(cmd.Context())
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
