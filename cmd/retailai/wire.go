package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	retail "github.com/hazzzzzy/mvp-retail-ai"
	"github.com/hazzzzzy/mvp-retail-ai/campaign"
	"github.com/hazzzzzy/mvp-retail-ai/crm"
	"github.com/hazzzzzy/mvp-retail-ai/deepseek"
	"github.com/hazzzzzy/mvp-retail-ai/guard"
	"github.com/hazzzzzy/mvp-retail-ai/kb"
	"github.com/hazzzzzy/mvp-retail-ai/postgres"
	"github.com/hazzzzzy/mvp-retail-ai/repair"
	"github.com/hazzzzzy/mvp-retail-ai/router"
	"github.com/hazzzzzy/mvp-retail-ai/semantic"
	"github.com/hazzzzzy/mvp-retail-ai/sqlite"
	"github.com/hazzzzzy/mvp-retail-ai/synth"
	"github.com/hazzzzzy/mvp-retail-ai/warehouse"
	"github.com/hazzzzzy/mvp-retail-ai/workflow"
)

// app holds the wired components of one process.
type app struct {
	cfg     retail.Config
	log     *zap.Logger
	store   retail.Store
	pg      *postgres.PGStore
	orch    *workflow.Orchestrator
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.log.Sync()
}

// loadApp reads configuration and builds the logger but wires nothing else.
func loadApp() (*app, error) {
	cfg, err := retail.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log}, nil
}

// openStore connects the action log and campaign store, applying its schema
// when ensure is set.
func (a *app) openStore(ctx context.Context, ensure bool) error {
	switch a.cfg.StoreDriver {
	case "sqlite":
		s, err := sqlite.Open(a.cfg.SQLitePath, sqlite.WithClaimLease(a.cfg.ClaimLease))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { s.Close() })
		a.store = s
	case "postgres", "":
		if a.cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.pg = postgres.New(pool, postgres.WithClaimLease(a.cfg.ClaimLease))
		a.store = a.pg
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
	if ensure {
		if err := a.store.CreateSchema(ctx); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	a.log.Info("store ready", zap.String("driver", a.cfg.StoreDriver))
	return nil
}

// wire builds the orchestrator and every collaborator behind it.
func (a *app) wire(ctx context.Context) error {
	if err := a.openStore(ctx, true); err != nil {
		return err
	}
	cfg := a.cfg

	var wh retail.Warehouse = unconfiguredWarehouse{}
	schema := warehouse.NewSchemaDescriber(nil, cfg.SQL.SchemaHint)
	if cfg.WarehouseDSN != "" {
		mysql, err := warehouse.Open(ctx, cfg.WarehouseDSN, warehouse.WithLogger(a.log))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { mysql.Close() })
		wh = mysql
		schema = warehouse.NewSchemaDescriber(mysql.DB(), cfg.SQL.SchemaHint,
			warehouse.WithTTL(cfg.SQL.SchemaCacheTTL),
			warehouse.WithSchemaLogger(a.log))
	} else {
		a.log.Warn("RETAIL_MYSQL_DSN is not set, data questions will degrade")
	}

	llm := deepseek.New(cfg.LLM.APIKey, cfg.LLM.Model,
		deepseek.WithBaseURL(cfg.LLM.BaseURL),
		deepseek.WithTimeout(cfg.LLM.Timeout),
		deepseek.WithRateLimit(cfg.LLM.RequestsPerSecond),
		deepseek.WithLogger(a.log))

	loop := repair.New(
		synth.New(llm, schema, cfg.Orders, synth.WithLogger(a.log)),
		guard.New(cfg.SQL.MaxRows),
		semantic.New(),
		wh,
		repair.WithMaxRetries(cfg.SQL.MaxRetries),
		repair.WithTimeout(cfg.SQL.Timeout),
		repair.WithLogger(a.log))

	routerOpts := []router.Option{router.WithLogger(a.log)}
	if cfg.KeywordRouting {
		routerOpts = append(routerOpts, router.WithKeywordRules(router.DefaultKeywordRules()))
	}

	var retriever retail.Retriever = kb.NewStatic()
	if cfg.KBBaseURL != "" {
		retriever = kb.NewClient(cfg.KBBaseURL, nil)
	}

	a.orch = workflow.New(workflow.Deps{
		Router:    router.New(llm, routerOpts...),
		Query:     loop,
		Retriever: retriever,
		LLM:       llm,
		Executor:  campaign.New(a.store, crm.New(cfg.CRMBaseURL, nil), cfg.PlanDefaults, campaign.WithLogger(a.log)),
		Defaults:  cfg.PlanDefaults,
		TopK:      cfg.KBTopK,
	}, workflow.WithLogger(a.log))
	return nil
}

type unconfiguredWarehouse struct{}

func (unconfiguredWarehouse) Query(context.Context, string) (retail.Rows, error) {
	return retail.Rows{}, fmt.Errorf("%w: warehouse is not configured", retail.ErrExecutionError)
}
