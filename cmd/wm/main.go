package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"worldline/internal/app"
	"worldline/internal/config"
	"worldline/internal/domain"
	"worldline/internal/engine"
	"worldline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "wm",
	Short: "Worldline world manager",
	Long: `Worldline manages test worlds: named fixture datasets (users, artifacts, chats and
their blobs) scoped to an environment (LOCAL, BETA or PROD).
- Worlds are created, seeded with sample data and used by test runs; every use refreshes
  their lifecycle clock.
- cleanup deactivates worlds idle past their TTL unless another active world depends on them.
- copy clones a world into another environment as <id>_<ENV>.
- export-seed / import-seed move worlds between workspaces as seed bundles; analyze-seed
  previews collisions and import-seed resolves them per domain (replace, merge, skip, rename).
- cleanup-orphaned-blobs removes stored blobs no world references.
- Every write lands in the event log, view it with 'wm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if viper.GetBool("verbose") {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORLDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier recorded in the event log")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("database-url", "", "SQLite database path or DSN (default <workspace>/.worldline/worldline.db)")
	pf.String("blob-root", "", "blob store root directory")
	pf.String("seeds-dir", "", "seed bundle directory")
	pf.StringP("env", "e", "", "default environment (LOCAL, BETA, PROD)")
	for _, name := range []string{"workspace", "json", "actor-id", "verbose", "database-url", "blob-root", "seeds-dir", "env"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(useCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(exportSeedCmd())
	rootCmd.AddCommand(analyzeSeedCmd())
	rootCmd.AddCommand(importSeedCmd())
	rootCmd.AddCommand(validateSeedCmd())
	rootCmd.AddCommand(listSeedsCmd())
	rootCmd.AddCommand(cleanupOrphanedBlobsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "worldline.yml holds the blob root, seed directory, default environment and retention rules. Flags and WORLDLINE_* variables override it.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default worldline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(appOptions())
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate worldline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every world write (create, update, use, deactivate, replace, purge) appends an event.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var worldID, env, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var scope domain.Environment
				if env != "" {
					var err error
					if scope, err = domain.ParseEnvironment(env); err != nil {
						return err
					}
				}
				events, err := e.Events(ctx, n, worldID, scope, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Time", "Type", "World", "Actor", "Payload"})
				for _, evt := range events {
					world := ""
					if evt.WorldID != "" {
						world = domain.Key{ID: evt.WorldID, Environment: evt.Environment}.String()
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, world, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&worldID, "world", "", "world id filter")
	cmd.Flags().StringVar(&env, "in", "", "environment filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Logger: logger.Named("http")})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Worldline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:   viper.GetString("workspace"),
		DSN:         viper.GetString("database-url"),
		BlobRoot:    viper.GetString("blob-root"),
		SeedsDir:    viper.GetString("seeds-dir"),
		Environment: viper.GetString("env"),
		Logger:      logger,
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	h, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(ctx, h.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// prompt asks for a value on in, returning def for an empty answer.
func prompt(in *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func confirm(in *bufio.Reader, out io.Writer, question string) (bool, error) {
	answer, err := prompt(in, out, question+" [y/N]", "")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func lastUsed(w domain.World) string {
	if w.LastUsedAt == nil {
		return "never"
	}
	return w.LastUsedAt.Format(time.RFC3339)
}
