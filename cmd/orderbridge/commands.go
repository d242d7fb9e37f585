package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/orderbridge/internal/app"
	"github.com/alanyoungcy/orderbridge/internal/config"
	"github.com/alanyoungcy/orderbridge/internal/service"
)

// cli carries state shared by all subcommands once the root pre-run has
// loaded the configuration.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	out        io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "orderbridge",
		Short: "Order execution and position reconciliation engine",
		Long: `orderbridge consumes order commands from SQS or a Redis stream, executes them
through the MT5 bridge and records positions in the ledger.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.out = cmd.OutOrStdout()
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to the TOML configuration file (defaults and env only when empty)")

	root.AddCommand(c.newRunCmd())
	root.AddCommand(c.newKillSwitchCmd())
	root.AddCommand(c.newArchiveCmd())
	return root
}

// load reads the configuration and installs the JSON logger at the
// configured level.
func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(c.logger)
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *cli) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher and/or operator server in the configured mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				c.logger.Error("invalid configuration", slog.String("error", err.Error()))
				return err
			}
			c.logger.Info("orderbridge starting",
				slog.String("mode", c.cfg.Mode),
				slog.String("config", c.configPath),
				slog.Any("settings", config.RedactedConfig(c.cfg)),
			)

			application := app.New(c.cfg, c.logger)
			defer application.Close()

			if err := application.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			c.logger.Info("orderbridge stopped")
			return nil
		},
	}
}

// killSwitch opens the ledger and returns the kill switch service over it.
func (c *cli) killSwitch(ctx context.Context) (*service.KillSwitchService, func(), error) {
	stores, cleanup, err := app.WireStores(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	recorder, _ := app.NewRecorder(c.cfg, stores.Audit, nil, c.logger)
	return service.NewKillSwitchService(stores.Ledger, recorder, c.logger), cleanup, nil
}

func (c *cli) printStatus(ctx context.Context, svc *service.KillSwitchService) error {
	view, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(view)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newKillSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "killswitch",
		Short: "Inspect or change the trading kill switch",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the kill switch state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := c.killSwitch(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return c.printStatus(cmd.Context(), svc)
		},
	})

	change := func(use, short string, apply func(*service.KillSwitchService, context.Context, string, string) error) *cobra.Command {
		sub := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				reason, _ := cmd.Flags().GetString("reason")
				actor, _ := cmd.Flags().GetString("actor")

				svc, cleanup, err := c.killSwitch(cmd.Context())
				if err != nil {
					return err
				}
				defer cleanup()
				if err := apply(svc, cmd.Context(), reason, actor); err != nil {
					return err
				}
				return c.printStatus(cmd.Context(), svc)
			},
		}
		sub.Flags().String("reason", "", "why the switch is changed")
		sub.Flags().String("actor", defaultActor(), "who changes the switch")
		return sub
	}
	cmd.AddCommand(change("engage", "Stop all trading", (*service.KillSwitchService).Engage))
	cmd.AddCommand(change("disengage", "Resume trading", (*service.KillSwitchService).Disengage))
	return cmd
}

// defaultActor names the operator for the audit trail.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

func (c *cli) newArchiveCmd() *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move closed positions older than the cutoff to S3",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if olderThan <= 0 {
				olderThan = time.Duration(c.cfg.Archive.RetentionDays) * 24 * time.Hour
			}
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.Archive.BatchLimit
			}

			svc, cleanup, err := c.archive(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			before := time.Now().UTC().Add(-olderThan)
			n, err := svc.ArchiveClosed(ctx, before, limit)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]any{
				"archived": n,
				"before":   before.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "archive positions closed before now minus this (default archive.retention_days)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum positions per run, 0 for all (default archive.batch_limit)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archive objects in the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := c.archive(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			infos, err := svc.ListArchives(cmd.Context())
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(c.out, "%s\t%d\t%s\n", info.Path, info.Size, info.LastModified.UTC().Format(time.RFC3339))
			}
			return nil
		},
	})
	return cmd
}

func (c *cli) archive(ctx context.Context) (*service.ArchiveService, func(), error) {
	stores, cleanup, err := app.WireStores(ctx, c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	svc, _, err := app.WireArchive(ctx, c.cfg, stores, c.logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}
