package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"arcline/internal/app"
	"arcline/internal/causal"
	"arcline/internal/config"
	"arcline/internal/db"
	"arcline/internal/domain"
	"arcline/internal/migrate"
	"arcline/internal/server"
	"arcline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "arc",
	Short: "arcline audit and realtime server",
	Long: `arcline records why things happen and tells clients when they did.
- Intent: what an actor wanted (user, agent, system or external).
- Action: what was done for an intent; it moves queued -> running -> success/failed.
- Result: what an action produced, including errors and latency.
- Impact: what an intent changed afterwards.
- Realtime: committed rows on watched tables are pushed to websocket clients at /ws/activity.
Secrets come from the environment (ARC_SECRET, ARC_JWT_SECRET, ARC_DATABASE_URL) or a .env file in the workspace.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ARC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/arc.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console or json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(impactCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the realtime hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(func(cfg *config.Config, a *app.App) error {
				if addr != "" {
					cfg.Server.Addr = addr
				}
				if basePath != "" {
					cfg.Server.BasePath = basePath
				}
				if viper.GetString("jwt-secret") == "" {
					log.Warn().Msg("ARC_JWT_SECRET is not set; bearer tokens are rejected")
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				endpoint := cfg.Telemetry.OTLPEndpoint
				if v := viper.GetString("otlp-endpoint"); v != "" {
					endpoint = v
				}
				shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsOptions{
					Enabled:     cfg.Telemetry.Enabled,
					Endpoint:    endpoint,
					ServiceName: cfg.Telemetry.ServiceName,
					Interval:    cfg.Telemetry.ExportInterval,
				}, log)
				if err != nil {
					return err
				}
				if err := a.Start(ctx); err != nil {
					_ = shutdownMetrics(context.Background())
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().
						Str("addr", cfg.Server.Addr).
						Str("base_path", cfg.Server.BasePath).
						Str("realtime", cfg.Realtime.Path).
						Str("feed", cfg.Realtime.Feed).
						Msg("serving arcline API (OpenAPI at <base>/openapi.json, Swagger UI at /docs)")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					a.Hub.Stop()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return errors.Join(srv.Shutdown(shutdownCtx), shutdownMetrics(shutdownCtx))
				})
				return g.Wait()
			}, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, Workspace: workspace, URL: viper.GetString("database-url")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			location := "postgres"
			if dialect == db.SQLite {
				location = db.Path(workspace)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"dialect": dialect, "version": version, "location": location})
			}
			fmt.Printf("%s schema at version %d (%s)\n", dialect, version, location)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage arc.yml",
		Long:  "arc.yml holds the listen address, database driver, audit gating and the realtime source mapping. Secrets stay in the environment.",
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
		Short: "Write the default arc.yml",
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
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate arc.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file := viper.GetString("config"); file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func intentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Record intents",
		Long:  "An intent is the reason behind later actions. Writing one needs ARC_SECRET.",
	}
	cmd.AddCommand(intentLogCmd())
	return cmd
}

func intentLogCmd() *cobra.Command {
	var actorType, actorID, intentType, text, rawContext string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ *config.Config, a *app.App) error {
				ctx := causal.WithPresentedSecret(cmd.Context(), viper.GetString("secret"))
				id, err := a.Causal.LogIntent(ctx, causal.IntentInput{
					ActorType:  domain.ActorType(actorType),
					ActorID:    actorID,
					IntentType: intentType,
					IntentText: text,
					Context:    optionalRaw(rawContext),
				})
				if err != nil {
					return err
				}
				return printID(id)
			}, newLogger())
		},
	}
	cmd.Flags().StringVar(&actorType, "actor-type", string(domain.ActorUser), "user, agent, system or external")
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor identifier")
	cmd.Flags().StringVar(&intentType, "type", "", "intent type")
	cmd.Flags().StringVar(&text, "text", "", "intent text")
	cmd.Flags().StringVar(&rawContext, "context", "", "context as a JSON object")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func impactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "impact",
		Short: "Record impacts",
	}
	cmd.AddCommand(impactLogCmd())
	return cmd
}

func impactLogCmd() *cobra.Command {
	var intentID, impactType, rawImpact string
	var score float64
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Record an impact against an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(_ *config.Config, a *app.App) error {
				ctx := causal.WithPresentedSecret(cmd.Context(), viper.GetString("secret"))
				in := causal.ImpactInput{
					IntentID:   intentID,
					ImpactType: impactType,
					Impact:     optionalRaw(rawImpact),
				}
				if cmd.Flags().Changed("score") {
					in.ImpactScore = &score
				}
				id, err := a.Causal.LogImpact(ctx, in)
				if err != nil {
					return err
				}
				return printID(id)
			}, newLogger())
		},
	}
	cmd.Flags().StringVar(&intentID, "intent", "", "intent id")
	cmd.Flags().StringVar(&impactType, "type", "", "impact type")
	cmd.Flags().Float64Var(&score, "score", 0, "impact score")
	cmd.Flags().StringVar(&rawImpact, "impact", "", "impact details as a JSON object")
	_ = cmd.MarkFlagRequired("intent")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func timelineCmd() *cobra.Command {
	var minutes, limit int
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show recent intents with their actions, results and impacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes <= 0 {
				return fmt.Errorf("--minutes must be positive")
			}
			return withApp(func(_ *config.Config, a *app.App) error {
				since := db.FormatTime(time.Now().Add(-time.Duration(minutes) * time.Minute))
				items, err := a.Repo.Timeline(cmd.Context(), since, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Created", "Intent", "Actor", "Type", "Actions", "Results", "Impacts"})
				for _, it := range items {
					actor := string(it.ActorType)
					if it.ActorID != nil {
						actor += ":" + *it.ActorID
					}
					results := 0
					for _, act := range it.Actions {
						results += len(act.Results)
					}
					tw.AppendRow(table.Row{it.CreatedAt, it.ID, actor, it.IntentType, len(it.Actions), results, len(it.Impacts)})
				}
				tw.Render()
				return nil
			}, newLogger())
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 60, "window size in minutes")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum intents")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with ARC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "expires_in": int64(ttl.Seconds())})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.RoleOperator}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func appEnv() app.Env {
	return app.Env{
		Secret:      viper.GetString("secret"),
		JWTSecret:   viper.GetString("jwt-secret"),
		DatabaseURL: viper.GetString("database-url"),
	}
}

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), appEnv())
}

func newLogger() zerolog.Logger {
	return telemetry.NewLogger(telemetry.LogOptions{
		Format: viper.GetString("log-format"),
		Level:  viper.GetString("log-level"),
		Out:    os.Stderr,
	})
}

func withApp(fn func(*config.Config, *app.App) error, log zerolog.Logger) error {
	workspace := viper.GetString("workspace")
	env := appEnv()
	cfg, err := app.ResolveConfig(workspace, viper.GetString("config"), env)
	if err != nil {
		return err
	}
	a, err := app.Open(workspace, cfg, env, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cfg, a)
}

func optionalRaw(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.RawMessage(s)
}

func printID(id string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]string{"id": id})
	}
	fmt.Println(id)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
