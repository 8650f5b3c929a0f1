package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deltasync/internal/app"
	"deltasync/internal/config"
	"deltasync/internal/db"
	"deltasync/internal/domain"
	"deltasync/internal/engine"
	"deltasync/internal/logging"
	"deltasync/internal/migrate"
	deltasyncsdk "deltasync/sdk/go"
)

var (
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "deltasync",
	Short: "Delta file consumer",
	Long: `deltasync polls a publication service for delta files and applies their
changesets to a triple store, tracking a watermark so restarts and retries
never duplicate or lose work.

Concepts:
- Delta file: a JSON array of changesets, each with ordered inserts and deletes.
- Sync task: one ingestion run; scheduled -> running -> success|failed.
- Watermark: created time of the last delta file fully applied.
- Strategy: "staged" writes each file to its own import graph and records a
  release task; "direct" writes to the public graph after a session cascade.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		bindCommandFlags(cmd)
		return loadConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory holding deltasync.yml and .deltasync/")
	flags.String("config", "", "config file (default <workspace>/deltasync.yml when present)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-file", "", "log to a rotated file instead of stderr")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = viper.BindPFlag("log.file", flags.Lookup("log-file"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(watermarkCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(configCmd())
}

// flagKeys maps command-local flags to config keys, bound for the running
// command only.
var flagKeys = map[string]string{
	"addr":      "server.addr",
	"base-path": "server.base_path",
	"interval":  "sync.interval",
	"strategy":  "apply.strategy",
}

func bindCommandFlags(cmd *cobra.Command) {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

func loadConfig() error {
	path := viper.GetString("config")
	if path == "" {
		candidate := config.Path(viper.GetString("workspace"))
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	loaded, err := config.Load(viper.GetViper(), path)
	if err != nil {
		return err
	}
	l, closer, err := logging.New(logging.Options{
		Level:  loaded.Log.Level,
		Format: loaded.Log.Format,
		File:   loaded.Log.File,
	})
	if err != nil {
		return err
	}
	cfg, logger, logCloser = loaded, l.With("env", loaded.Environment), closer
	slog.SetDefault(logger)
	return nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving deltasync on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (server.addr)")
	cmd.Flags().String("base-path", "", "API base path (server.base_path)")
	cmd.Flags().Duration("interval", 0, "periodic ingestion interval, 0 disables (sync.interval)")
	cmd.Flags().String("strategy", "", "apply strategy: staged or direct (apply.strategy)")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest pending delta files once and exit",
		Long: `Ingest pending delta files once and exit.

run first marks every task left running in the workspace as failed, so it
must not share a workspace with a live "deltasync serve". Use "deltasync
trigger" to ask a running server for an ingestion instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.Engine.Reconcile(cmd.Context()); err != nil {
				return err
			}
			tasks, err := a.Engine.Ingest(cmd.Context())
			if err != nil {
				return err
			}
			if err := printTasks(tasks); err != nil {
				return err
			}
			for _, t := range tasks {
				if t.Status == domain.StatusFailed {
					return fmt.Errorf("task %s failed: %s", t.ID, t.ErrorMessage)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("strategy", "", "apply strategy: staged or direct (apply.strategy)")
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Inspect the sync task log"}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksShowCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.ListTasks(ctx, limit, status)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func tasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a sync task and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				if err := printTasks([]domain.SyncTask{t}); err != nil {
					return err
				}
				if t.ErrorMessage != "" {
					fmt.Println("error:", t.ErrorMessage)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "File", "Created", "Download"})
				for i, f := range t.Files {
					tw.AppendRow(table.Row{i + 1, f.ID, f.CreatedAt.Format(time.RFC3339), f.DownloadURL})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func watermarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watermark",
		Short: "Show the consumed watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				wm, err := e.Watermark(ctx)
				if err != nil {
					return err
				}
				running, err := e.GetRunning(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"watermark": wm, "running": running})
				}
				fmt.Println(wm.Format(time.RFC3339Nano))
				if running != nil {
					fmt.Printf("running: %s (since %s)\n", running.ID, running.Since.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	var url, apiKey, token string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Ask a running deltasync to ingest now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = "http://" + strings.Replace(cfg.Server.Addr, "0.0.0.0", "127.0.0.1", 1)
			}
			client := deltasyncsdk.New(url)
			client.BasePath = cfg.Server.BasePath
			client.APIKey = apiKey
			client.BearerToken = token
			res, err := client.Trigger(cmd.Context())
			if deltasyncsdk.IsConflict(err) {
				var apiErr *deltasyncsdk.APIError
				errors.As(err, &apiErr)
				fmt.Printf("in progress: running=%v follow-up=%v\n", apiErr.Details["running_task_id"], apiErr.Details["task_id"])
				return nil
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%s: task %s (since %s)\n", res.Outcome, res.Task.ID, res.Task.Since.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "control surface URL (default from server.addr)")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("DELTASYNC_API_KEY"), "API key")
	cmd.Flags().StringVar(&token, "token", os.Getenv("DELTASYNC_TOKEN"), "bearer token")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	initial, err := cfg.InitialWatermark()
	if err != nil {
		return err
	}
	e := engine.New(conn, nil, nil, nil, engine.Options{
		Environment:  cfg.Environment,
		InitialSince: initial,
		Logger:       logger,
	})
	return fn(ctx, e)
}

func printTasks(tasks []domain.SyncTask) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Since", "Until", "Files", "Created"})
	for _, t := range tasks {
		until := ""
		if t.Until != nil {
			until = t.Until.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{t.ID, t.Status, t.Since.Format(time.RFC3339), until, len(t.Files), t.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
