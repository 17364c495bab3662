// Package app wires the components together: one database, one ledger, one
// registry, one gate, one queue, one router per process.
package app

import (
	"context"
	"time"

	"backplane/internal/config"
	"backplane/internal/db"
	"backplane/internal/domain"
	"backplane/internal/escalation"
	"backplane/internal/ledger"
	"backplane/internal/migrate"
	"backplane/internal/policy"
	"backplane/internal/registry"
	"backplane/internal/repo"
	"backplane/internal/router"
)

type App struct {
	Workspace string
	Config    *config.Config
	Repo      repo.Repo
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Gate      *policy.Gate
	Queue     *escalation.Queue
	Router    *router.Router

	closers []func()
}

// New opens the workspace database, applies migrations and builds the
// component graph. Active policy rules are loaded from the database so a
// restart resumes with the rule set that was last imported.
func New(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(workspace, cfg)
}

func NewWithConfig(workspace string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, Repo: repo.Repo{DB: conn}}
	a.closers = append(a.closers, func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger, err = ledger.Open(conn)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.Ledger.Close)

	a.Registry, err = registry.New(a.Repo, a.Ledger, cfg.Registry.MissedProbeThreshold)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Gate, err = policy.NewGate(time.Duration(cfg.Policy.EvaluationTimeoutMS) * time.Millisecond)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.reloadRules(context.Background()); err != nil {
		a.Close()
		return nil, err
	}

	a.Queue = escalation.NewQueue(a.Repo, a.Ledger, time.Duration(cfg.Escalation.TTLHours)*time.Hour)

	a.Router = router.New(a.Repo, a.Registry, a.Gate, a.Ledger, a.Queue, router.NewHTTPTransport(), router.Config{
		MaxAttempts:    cfg.Delivery.RetryMaxAttempts,
		BackoffBase:    time.Duration(cfg.Delivery.BackoffBaseMS) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.Delivery.BackoffCapMS) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Delivery.AttemptTimeoutMS) * time.Millisecond,
	})
	a.closers = append(a.closers, a.Router.Close)
	a.Queue.Bind(a.Router)

	return a, nil
}

func (a *App) reloadRules(ctx context.Context) error {
	rules, err := a.Repo.ListRules(ctx)
	if err != nil {
		return err
	}
	version, err := a.Repo.RuleSnapshotVersion(ctx)
	if err != nil {
		return err
	}
	return a.Gate.Load(rules, version)
}

// ImportRules replaces the active rule set. The new set is compiled before
// being persisted, so a broken file can never leave the gate empty or the
// database ahead of the gate.
func (a *App) ImportRules(ctx context.Context, rules []domain.PolicyRule) (int64, error) {
	probe, err := policy.NewGate(time.Duration(a.Config.Policy.EvaluationTimeoutMS) * time.Millisecond)
	if err != nil {
		return 0, err
	}
	if err := probe.Load(rules, 0); err != nil {
		return 0, err
	}
	version, err := a.Repo.ReplaceRules(ctx, rules)
	if err != nil {
		return 0, err
	}
	if err := a.Gate.Load(rules, version); err != nil {
		return 0, err
	}
	return version, nil
}

// StartSweeper launches the escalation TTL sweeper.
func (a *App) StartSweeper(ctx context.Context) {
	a.Queue.StartSweeper(ctx, time.Duration(a.Config.Escalation.SweepIntervalSeconds)*time.Second)
}

// Close tears components down in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
