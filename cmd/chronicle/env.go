package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/chronicle/internal/agent"
	"github.com/mpataki/chronicle/internal/config"
	"github.com/mpataki/chronicle/internal/log"
	"github.com/mpataki/chronicle/internal/models"
	"github.com/mpataki/chronicle/internal/orchestrator"
	"github.com/mpataki/chronicle/internal/spec"
	"github.com/mpataki/chronicle/internal/storage"
	"github.com/mpataki/chronicle/internal/telemetry"
	"github.com/mpataki/chronicle/internal/workspace"
)

// env is what every session command needs: configuration, the ledger store
// and the workspace layout.
type env struct {
	cfg   *config.Config
	store storage.Store
	ws    *workspace.Workspace

	closers []func() error
}

func setup() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &env{cfg: cfg}

	closeLog, err := log.Open(cfg.LogPath(), log.ParseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	e.closers = append(e.closers, closeLog)

	if cfg.Trace {
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "traces.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		shutdown, err := telemetry.Setup(true, f)
		if err != nil {
			_ = f.Close()
			e.close()
			return nil, err
		}
		e.closers = append(e.closers, func() error { return shutdown(context.Background()) }, f.Close)
	}

	e.ws, err = workspace.Create(cfg.DataDir)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	e.store, err = storage.Open(cfg.Store, cfg.DataDir)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	e.closers = append(e.closers, e.store.Close)

	log.Debug(log.CatCLI, "Environment ready", "dataDir", cfg.DataDir, "store", cfg.Store)
	return e, nil
}

// close releases resources in reverse order of acquisition.
func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.Warn(log.CatCLI, "Close failed", "error", err)
		}
	}
	e.closers = nil
}

func (e *env) newRunner() orchestrator.AgentRunner {
	var args []string
	if len(e.cfg.Agent.Args) > 0 {
		args = e.cfg.Agent.Args
	}
	r := agent.NewRunner(e.cfg.Agent.Command, args)
	r.WorkDir = e.cfg.Agent.WorkDir
	if e.cfg.Agent.KillGrace > 0 {
		r.Grace = e.cfg.Agent.KillGrace
	}
	return r
}

// orchestrator builds an orchestrator from configuration. opts are applied
// last so callers can attach their own gates and observer.
func (e *env) orchestrator(opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	settings, err := e.cfg.Settings()
	if err != nil {
		return nil, err
	}
	resolver := &orchestrator.CatalogResolver{
		Agents:        spec.LoadAgents(e.cfg.AgentSearchDirs()),
		SkillDirs:     e.cfg.SkillDirs,
		ProjectSkills: e.cfg.ProjectSkills,
	}
	base := []orchestrator.Option{
		orchestrator.WithResolver(resolver),
		orchestrator.WithSettings(settings),
		orchestrator.WithModel(e.cfg.Agent.Model),
		orchestrator.WithTimeout(e.cfg.Agent.Timeout),
	}
	return orchestrator.New(e.store, e.ws, e.newRunner, append(base, opts...)...), nil
}

// session resumes id, or the most recent session when id is empty.
func (e *env) session(o *orchestrator.Orchestrator, id string) (*orchestrator.Session, error) {
	if id == "" {
		s, err := o.Latest()
		if errors.Is(err, orchestrator.ErrNoSession) {
			return nil, errors.New("no sessions found, start one with `chronicle start`")
		}
		return s, err
	}
	return o.Resume(id)
}

// killLedger signals the agent process group recorded in l, which may
// belong to another chronicle process.
func (e *env) killLedger(l *models.Ledger) error {
	fresh, err := e.store.Load(l.ID)
	if err != nil {
		return err
	}
	if !fresh.InFlight || fresh.ActivePID == 0 {
		return fmt.Errorf("session %s has no running agent", l.ID)
	}
	log.Info(log.CatCLI, "Killing agent", "id", l.ID, "pid", fresh.ActivePID)
	return agent.TerminatePID(fresh.ActivePID, e.cfg.Agent.KillGrace)
}
