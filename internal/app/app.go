package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"arcline/internal/causal"
	"arcline/internal/config"
	"arcline/internal/db"
	"arcline/internal/feed"
	"arcline/internal/migrate"
	"arcline/internal/realtime"
	"arcline/internal/repo"
	"arcline/internal/server"
)

// Env carries the settings that never live in arc.yml.
type Env struct {
	Secret      string
	JWTSecret   string
	DatabaseURL string
}

// App is a migrated database plus everything built on top of it.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Repo    repo.Repo
	Causal  *causal.Logger
	Hub     *realtime.Hub
	Log     zerolog.Logger

	env Env
}

// ResolveConfig loads the config file when one is named, else arc.yml from
// the workspace, falling back to defaults. A non-empty database URL switches
// the default sqlite driver to postgres.
func ResolveConfig(workspace, file string, env Env) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if strings.TrimSpace(file) != "" {
		cfg, err = config.FromFile(file)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.DatabaseURL) != "" && strings.ToLower(cfg.Database.Driver) == "sqlite" {
		cfg.Database.Driver = "postgres"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open opens and migrates the database and wires the audit logger and the hub.
// The hub is not started; see Upstreams.
func Open(workspace string, cfg *config.Config, env Env, log zerolog.Logger) (*App, error) {
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, Workspace: workspace, URL: env.DatabaseURL})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.New(conn, dialect)
	if env.Secret == "" {
		log.Warn().Msg("ARC_SECRET is not set; gated audit writes will be refused")
	}
	logger := causal.New(r, causal.Options{
		Secret:        env.Secret,
		GateAllStages: cfg.Causal.GateAllStages,
		Log:           log,
	})
	hub := realtime.New(realtime.Options{
		MaxPending:       cfg.Realtime.MaxPending,
		CalibrationDelay: cfg.Realtime.CalibrationDelay,
		CaptureDelay:     cfg.Realtime.CaptureDelay,
		Log:              log,
	})
	return &App{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Repo:    r,
		Causal:  logger,
		Hub:     hub,
		Log:     log,
		env:     env,
	}, nil
}

// Upstreams builds the change feed selected by realtime.feed.
func (a *App) Upstreams() ([]realtime.Upstream, error) {
	rt := a.Config.Realtime
	var src feed.Source
	switch rt.Feed {
	case config.FeedOff:
		return nil, nil
	case config.FeedListen:
		if strings.TrimSpace(a.env.DatabaseURL) == "" {
			return nil, fmt.Errorf("realtime.feed=listen requires ARC_DATABASE_URL")
		}
		src = &feed.Listener{URL: a.env.DatabaseURL, Changes: a.Repo, Log: a.Log}
	default:
		src = &feed.Poller{Changes: a.Repo, Interval: rt.PollInterval, Log: a.Log}
	}
	router, err := feed.NewRouter(src, rt.Sources, a.Log)
	if err != nil {
		return nil, err
	}
	return []realtime.Upstream{router}, nil
}

// Start subscribes the hub to the configured feed. Subscription failures only
// degrade the hub.
func (a *App) Start(ctx context.Context) error {
	ups, err := a.Upstreams()
	if err != nil {
		return err
	}
	a.Hub.Start(ctx, ups...)
	return nil
}

// Handler returns the HTTP API with the websocket route mounted.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Repo:         a.Repo,
		Causal:       a.Causal,
		Hub:          a.Hub,
		BasePath:     a.Config.Server.BasePath,
		RealtimePath: a.Config.Realtime.Path,
		CORSOrigins:  a.Config.Server.CORSOrigins,
		Auth:         server.AuthConfig{JWTSecret: a.env.JWTSecret},
		Log:          a.Log,
	})
}

func (a *App) Close() error {
	a.Hub.Stop()
	return a.DB.Close()
}
