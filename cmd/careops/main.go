package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"careops/internal/app"
	"careops/internal/config"
	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/migrate"
	"careops/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "careops",
	Short: "CareOps service and admin CLI",
	Long: `CareOps runs the operations back office of a service business.
- Workspaces: one business each, with its own contacts, services, bookings, rules and stock.
- Bookings: pending -> confirmed -> completed/no_show; pending and confirmed can be cancelled.
- Automation rules: "when <event> then <action>" run by background workers.
- Alerts: operational problems such as low stock or overdue forms, deduplicated while active.
- Workers: 'careops worker' drains the task queue and runs periodic checks.
- Event log: every change, view with 'careops log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("data-dir"))
		return err
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
	viper.SetEnvPrefix("CAREOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("data-dir", "d", ".", "directory holding careops.yml and the .careops database")
	flags.Bool("json", false, "output JSON")
	flags.Bool("debug", false, "development logging at debug level")
	flags.String("actor-id", "local-admin", "actor recorded on changes")
	flags.StringP("workspace-id", "w", "", "workspace id or slug (optional when only one exists)")
	for _, name := range []string{"data-dir", "json", "debug", "actor-id", "workspace-id"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(contactCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and scaffold careops.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default careops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("data-dir"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate careops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Engine.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("CAREOPS_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: cfg.Server.JWTSecret,
						DevLogin:  cfg.Server.DevAuth,
						Logger:    rt.Log.Named("auth"),
					},
					Metrics: rt.Metrics,
					Logger:  rt.Log.Named("http"),
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(rt.Engine.Repo, cfg.Webhooks, rt.Log)
				go hooks.Run(ctx)
				if withWorker {
					startBackground(ctx, rt)
					defer stopBackground(rt)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdown)
				}()
				rt.Log.Info("serving CareOps API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("worker", withWorker),
					zap.Bool("dev_auth", cfg.Server.DevAuth))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the task worker pool and periodic beat")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task worker pool and periodic beat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if once {
					if _, err := rt.Beat.Tick(ctx); err != nil {
						return err
					}
					n, err := rt.Worker.Drain(ctx, 0)
					if err != nil {
						return err
					}
					fmt.Printf("ran %d tasks\n", n)
					return nil
				}
				startBackground(ctx, rt)
				rt.Log.Info("worker started",
					zap.String("worker_id", rt.Worker.ID),
					zap.Strings("actions", rt.Worker.Actions()),
					zap.Int("concurrency", rt.Engine.Config.Worker.Concurrency))
				<-ctx.Done()
				stopBackground(rt)
				rt.Log.Info("worker stopped")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "enqueue due periodic tasks, drain the queue and exit")
	return cmd
}

func startBackground(ctx context.Context, rt *app.Runtime) {
	rt.Worker.Start(ctx)
	rt.Beat.Start(ctx)
}

func stopBackground(rt *app.Runtime) {
	rt.Beat.Stop()
	rt.Worker.Stop()
}

func newLogger() (*zap.Logger, error) {
	return app.NewLogger(viper.GetBool("debug"))
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("data-dir"), map[string]string{
		"jwt_secret":      viper.GetString("jwt_secret"),
		"smtp_url":        viper.GetString("smtp_url"),
		"smtp_from":       viper.GetString("smtp_from"),
		"sms_account_sid": viper.GetString("sms_account_sid"),
		"sms_auth_token":  viper.GetString("sms_auth_token"),
		"sms_from":        viper.GetString("sms_from"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("data-dir")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, app.NewRuntime(conn, cfg, nil, log))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: viper.GetString("data-dir")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

// withWorkspace resolves --workspace-id before calling fn.
func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine, domain.Workspace) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		ws, err := app.ResolveWorkspace(ctx, e.Repo, viper.GetString("workspace-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, ws)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

// printRows renders rows as a table, or v as JSON with --json.
func printRows(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
