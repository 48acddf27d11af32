package main

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/gateflow/gateflow/config"
	"github.com/gateflow/gateflow/orchestrator"
	"github.com/gateflow/gateflow/rules"
	"github.com/gateflow/gateflow/storage"
)

// buildStore selects the configured store. The returned cleanup is a
// no-op for the in-memory store.
func buildStore(cfg *config.Config) (storage.Store, func(), error) {
	if !cfg.Redis.Enabled {
		return storage.NewMemoryStore(), func() {}, nil
	}

	rs, err := storage.NewRedisStore(storage.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}

// buildEngine wires a fully configured engine: store, ID generator,
// condition evaluator, dry-run collaborators, checklists and the
// workflow definitions from cfg.
func buildEngine(ctx context.Context, cfg *config.Config) (*orchestrator.Engine, func(), error) {
	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(cfg.Engine.MachineID))
	engine, err := orchestrator.NewEngine(snowflake, store, rules.NewExprEvaluator())
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	engine.SetTimeouts(
		time.Duration(cfg.Engine.StepTimeoutSec)*time.Second,
		cfg.Engine.MaxRetries,
		time.Duration(cfg.Engine.RetryDelaySec)*time.Second,
	)
	engine.SetCaps(cfg.Engine.RemediationCap, cfg.Engine.RepeatCap)

	registerDryRun(engine)

	for name, items := range cfg.ChecklistItems() {
		if err := engine.RegisterChecklist(name, items); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("register checklist %s: %w", name, err)
		}
	}
	if err := engine.RegisterDefinitions(ctx, cfg.Definitions()); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("register workflows: %w", err)
	}

	return engine, cleanup, nil
}
