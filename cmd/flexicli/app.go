package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"flexicli/internal/approval"
	"flexicli/internal/budget"
	"flexicli/internal/bus"
	"flexicli/internal/config"
	"flexicli/internal/embedding"
	"flexicli/internal/indexer"
	"flexicli/internal/logging"
	"flexicli/internal/memory"
	"flexicli/internal/model"
	"flexicli/internal/monitor"
	"flexicli/internal/session"
	"flexicli/internal/store"
	"flexicli/internal/tools"
	"flexicli/internal/tools/builtin"
)

// App owns every long-lived service for one project: the store, the
// event bus, the tool registry, the approval gate, the memory builder,
// the orchestrator, the mini-agent spawner, and the optional
// monitoring server. It is created once per invocation and torn down
// in order: stop accepting work, drain the agents, flush the store,
// close the sockets.
type App struct {
	Settings *config.Settings
	Root     string

	Store    *store.Store
	Bus      *bus.Bus
	Registry *tools.Registry
	Gate     *approval.Gate
	Client   model.Client
	Budget   *budget.Manager
	Builder  *memory.Builder
	Orch     *session.Orchestrator
	Spawner  *session.Spawner
	Bridge   *monitor.Bridge
	Monitor  *monitor.Server

	// Recovered is set when startup found a crashed session and
	// seeded the new one from its latest snapshot.
	Recovered *store.RecoveredSession
}

// newApp wires the full pipeline for one project root. The model
// client and approval transport are the caller's: the CLI passes the
// throttled HTTP client and a console transport, tests pass stubs. A
// nil transport makes the gate deny everything above sensitivity none,
// which is what --non-interactive wants.
func newApp(settings *config.Settings, root string, client model.Client, transport approval.Transport) (*App, error) {
	if err := logging.Initialize(root); err != nil {
		return nil, err
	}
	boot := logging.Get(logging.CategoryBoot)

	var engine embedding.Engine
	if settings.Embedding.Enabled() {
		eng, err := embedding.NewEngine(settings.Embedding)
		if err != nil {
			return nil, fmt.Errorf("embedding engine: %w", err)
		}
		cache, err := embedding.NewCache(root)
		if err != nil {
			return nil, err
		}
		engine = embedding.NewCachedEngine(eng, cache)
	}

	st, err := store.Open(root, engine)
	if err != nil {
		return nil, fmt.Errorf("project store: %w", err)
	}

	app := &App{
		Settings: settings,
		Root:     root,
		Store:    st,
		Bus:      bus.New(),
		Registry: tools.NewRegistry(),
		Client:   client,
	}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	if err := builtin.RegisterAll(app.Registry, root); err != nil {
		return fail(err)
	}
	app.Gate = approval.NewGate(settings.ApprovalMode, transport, &approval.Classifier{Root: root})

	// Crash recovery before anything touches the session table: a
	// stale active session becomes crashed and its latest snapshot
	// seeds the replacement.
	rec, err := st.RecoverCrashed()
	if err != nil {
		boot.Warn("crash recovery failed: %v", err)
	}
	var sess *store.Session
	if rec != nil {
		app.Recovered = rec
		sess = rec.Session
		boot.Info("recovered crashed session %s into %s", rec.CrashedID, sess.ID)
	} else {
		sess, err = st.StartSession(string(settings.Mode))
		if err != nil {
			return fail(err)
		}
	}

	app.Budget = budget.NewManager(settings.Mode)
	eph := memory.NewEphemeral(
		filepath.Join(st.ProjectDir(), "sessions", sess.ID), nil, memory.EphemeralConfig{})
	app.Builder = memory.NewBuilder(st, app.Budget, eph, "")

	app.Orch = session.New(session.Deps{
		Store:    st,
		Builder:  app.Builder,
		Client:   client,
		Registry: app.Registry,
		Gate:     app.Gate,
		Bus:      app.Bus,
		Planner:  session.NewPlanner(),
	}, session.Config{
		Mode: settings.Mode,
		Cwd:  root,
	})
	app.Orch.AttachSession(sess)
	if rec != nil {
		if err := app.Orch.RestoreSnapshot(rec.Snapshot); err != nil {
			boot.Warn("snapshot restore failed: %v", err)
		}
	}

	app.Spawner, err = session.NewSpawner(session.SpawnerDeps{
		Store:    st,
		Client:   client,
		Registry: app.Registry,
		Bus:      app.Bus,
	}, session.SpawnerConfig{
		MaxConcurrent:  settings.Agents.MaxConcurrent,
		QueueSize:      settings.Agents.QueueSize,
		DefaultTimeout: settings.Agents.DefaultTimeout,
		TemplateDir:    filepath.Join(st.ProjectDir(), "agents"),
		Cwd:            root,
		Mode:           settings.Mode,
		Policy:         tools.DefaultPermissions(),
	})
	if err != nil {
		return fail(err)
	}
	if err := app.Registry.Register(session.NewSpawnTool(app.Spawner)); err != nil {
		return fail(err)
	}
	if err := app.Registry.Register(session.NewAwaitTool(app.Spawner)); err != nil {
		return fail(err)
	}

	if settings.Monitor.Enabled {
		app.Bridge = monitor.NewBridge(st)
		app.Bridge.Attach(monitor.Sources{
			Bus:    app.Bus,
			Agents: app.Spawner.Active,
			Usage:  app.Budget.Report,
		})
		app.Monitor = monitor.NewServer(app.Bridge, monitor.ServerConfig{Port: settings.Monitor.Port})
		if err := app.Monitor.Start(); err != nil {
			return fail(fmt.Errorf("monitoring server: %w", err))
		}
		boot.Info("monitoring on %s", app.Monitor.Addr())
	}

	return app, nil
}

// SetMode switches the token-budget profile. Mode is a session-level
// property, so the current session ends completed and a fresh one
// starts with a rebuilt budget, builder, and orchestrator over the
// same store, registry, gate, and client.
func (a *App) SetMode(mode config.Mode) error {
	a.Orch.Close()

	sess, err := a.Store.StartSession(string(mode))
	if err != nil {
		return err
	}
	a.Settings.Mode = mode
	a.Budget = budget.NewManager(mode)
	eph := memory.NewEphemeral(
		filepath.Join(a.Store.ProjectDir(), "sessions", sess.ID), nil, memory.EphemeralConfig{})
	a.Builder = memory.NewBuilder(a.Store, a.Budget, eph, "")
	a.Orch = session.New(session.Deps{
		Store:    a.Store,
		Builder:  a.Builder,
		Client:   a.Client,
		Registry: a.Registry,
		Gate:     a.Gate,
		Bus:      a.Bus,
		Planner:  session.NewPlanner(),
	}, session.Config{Mode: mode, Cwd: a.Root})
	a.Orch.AttachSession(sess)

	if a.Bridge != nil {
		a.Bridge.Attach(monitor.Sources{
			Bus:    a.Bus,
			Agents: a.Spawner.Active,
			Usage:  a.Budget.Report,
		})
	}
	return nil
}

// Close tears the pipeline down in dependency order. Safe on a
// partially constructed app.
func (a *App) Close() {
	if a.Spawner != nil {
		a.Spawner.Close()
	}
	if a.Orch != nil {
		a.Orch.Close()
	}
	if tc, ok := a.Client.(*model.ThrottledClient); ok {
		tc.Close()
	}
	if a.Monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = a.Monitor.Shutdown(ctx)
		cancel()
	}
	if a.Bridge != nil {
		a.Bridge.Close()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
	logging.CloseAll()
}

// openIndexer opens the store and indexer for the index command. The
// embedding engine is attached only when one is configured, so
// indexing works offline and retrieval degrades to keyword search.
func openIndexer(settings *config.Settings, root string) (*store.Store, *indexer.Indexer, error) {
	var engine embedding.Engine
	if settings.Embedding.Enabled() {
		eng, err := embedding.NewEngine(settings.Embedding)
		if err != nil {
			return nil, nil, err
		}
		cache, err := embedding.NewCache(root)
		if err != nil {
			return nil, nil, err
		}
		engine = embedding.NewCachedEngine(eng, cache)
	}
	st, err := store.Open(root, engine)
	if err != nil {
		return nil, nil, err
	}
	return st, indexer.New(st, budget.NewTokenizer(), indexer.DefaultConfig()), nil
}

// buildClient assembles the model client the way the settings ask:
// the raw streaming HTTP client, wrapped with the queue, rate
// buckets, and retry policy unless throttling is disabled.
func buildClient(settings *config.Settings) model.Client {
	inner := model.NewHTTPClient(settings.Model)
	if !settings.Throttle.Enabled {
		return inner
	}
	return model.NewThrottledClient(inner, settings.Throttle, model.Options{})
}
