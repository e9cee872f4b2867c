// Package service is the composition root: it wires configuration into the
// full collaborator graph the engine runs on.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/broadcast"
	"github.com/taskpilot/taskpilot/internal/browser"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/engine"
	"github.com/taskpilot/taskpilot/internal/gateway"
	"github.com/taskpilot/taskpilot/internal/llmclient"
	"github.com/taskpilot/taskpilot/internal/planner"
	"github.com/taskpilot/taskpilot/internal/retry"
	"github.com/taskpilot/taskpilot/internal/sessions"
	"github.com/taskpilot/taskpilot/internal/store"
	"github.com/taskpilot/taskpilot/internal/transport/httpapi"
	"github.com/taskpilot/taskpilot/internal/verifier"
)

// Components holds every long-lived object of a running instance, in the
// order they must be torn down (reverse of construction).
type Components struct {
	Logger      *zap.Logger
	Config      *config.Config
	Store       schemas.TaskStore
	Agent       *browser.Agent
	Registry    *sessions.Registry
	Gateway     *gateway.Gateway
	Broadcaster *broadcast.Broadcaster
	Engine      *engine.Engine
	Server      *httpapi.Server

	pool *pgxpool.Pool
}

// Build wires all components from configuration. On error, everything
// created so far is torn down before returning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{
		Logger: logger,
		Config: cfg,
	}

	var buildErr error
	defer func() {
		if buildErr != nil {
			logger.Warn("Initialization failed; tearing down partial components.", zap.Error(buildErr))
			c.Shutdown(context.Background())
		}
	}()

	llm, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		buildErr = fmt.Errorf("failed to build LLM client: %w", err)
		return nil, buildErr
	}

	taskStore, err := c.buildStore(ctx, cfg, logger)
	if err != nil {
		buildErr = err
		return nil, buildErr
	}
	c.Store = taskStore

	exec := retry.NewExecutor(retry.Policy{
		MaxAttempts: cfg.Engine.RetryMaxAttempts,
		BaseDelay:   cfg.Engine.RetryBaseDelay,
	}, logger)

	plannerSvc := planner.New(llm, cfg.LLM, logger)
	verifierSvc := verifier.New(llm, logger)

	c.Agent = browser.New(cfg.Browser, llm, logger)
	c.Registry = sessions.NewRegistry(c.Agent, cfg.Sessions, logger)

	archiver := gateway.NewFileArchiver(cfg.Browser.ArtifactsDir, logger)
	c.Gateway = gateway.New(c.Agent, verifierSvc, exec, archiver, logger)

	c.Broadcaster = broadcast.New(logger)

	c.Engine = engine.New(
		cfg.Engine,
		plannerSvc,
		c.Agent,
		c.Gateway,
		c.Registry,
		c.Store,
		c.Broadcaster,
		exec,
		logger,
	)

	c.Server = httpapi.NewServer(cfg.Server, c.Engine, c.Broadcaster, logger)

	c.Registry.StartJanitor()

	logger.Info("Components wired.",
		zap.String("store", cfg.Store.Driver),
		zap.String("llm_provider", cfg.LLM.Provider),
	)
	return c, nil
}

func (c *Components) buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.TaskStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		c.pool = pool

		pg, err := store.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return store.NewMemoryStore(logger), nil
	}
}

// Shutdown tears everything down in reverse construction order. Safe on a
// partially built set.
func (c *Components) Shutdown(ctx context.Context) {
	if c.Server != nil {
		if err := c.Server.Shutdown(); err != nil {
			c.Logger.Warn("HTTP server shutdown failed.", zap.Error(err))
		}
	}
	if c.Engine != nil {
		engineCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := c.Engine.Shutdown(engineCtx); err != nil {
			c.Logger.Warn("Engine shutdown incomplete.", zap.Error(err))
		}
		cancel()
	}
	if c.Registry != nil {
		c.Registry.StopJanitor()
		c.Registry.ReleaseAll(ctx)
	}
	if c.Agent != nil {
		c.Agent.Shutdown()
	}
	if c.pool != nil {
		c.pool.Close()
	}
	c.Logger.Info("Shutdown complete.")
}
