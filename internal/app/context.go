package app

import (
	"context"
	"database/sql"
	"fmt"

	"paychat/internal/catalog"
	"paychat/internal/config"
	"paychat/internal/controller"
	"paychat/internal/db"
	"paychat/internal/intent"
	"paychat/internal/migrate"
)

// App bundles the opened workspace: database, config, catalog, and the
// conversation controller. Both the CLI and the server boot through it.
type App struct {
	DB         *sql.DB
	Workspace  string
	Config     *config.Config
	Catalog    *catalog.Catalog
	Controller *controller.Controller
}

// Options tweak the boot. An empty OpenAIKey falls back to the rule
// classifier regardless of the configured provider.
type Options struct {
	Workspace string
	OpenAIKey string
}

// Open prepares the workspace, migrates the database, and wires the
// controller. Sessions left mid-calculation by a previous process are
// recovered to their confirmation prompt.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cat, err := catalog.New(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ctrl := controller.New(conn, cat, newClassifier(cfg, opts.OpenAIKey), workspace, cfg)
	if _, err := ctrl.Recover(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		DB:         conn,
		Workspace:  workspace,
		Config:     cfg,
		Catalog:    cat,
		Controller: ctrl,
	}, nil
}

func newClassifier(cfg *config.Config, apiKey string) intent.Classifier {
	if cfg.Classifier.Provider == "openai" && apiKey != "" {
		return intent.NewOpenAIClassifier(apiKey, cfg.Classifier.Model)
	}
	return intent.RuleClassifier{}
}

func (a *App) Close() error {
	return a.DB.Close()
}
