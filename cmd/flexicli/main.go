package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"flexicli/internal/approval"
	"flexicli/internal/config"
	"flexicli/internal/gitctx"
	"flexicli/internal/logging"
	"flexicli/internal/monitor"
	"flexicli/internal/store"
)

// Exit codes per the CLI contract.
const (
	exitOK      = 0
	exitFailure = 1
	exitAborted = 2
	exitConfig  = 3
)

// errAborted marks a run the user interrupted; main maps it to exit
// code 2.
var errAborted = errors.New("aborted by user")

// configError wraps configuration problems so main can map them to
// exit code 3.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var (
	verbose   bool
	workspace string

	runPrompt      string
	nonInteractive bool
	modeFlag       string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "flexicli",
	Short: "flexicli - locally-hosted multi-agent coding assistant",
	Long: `flexicli turns free-form requests into bounded reason-act loops over a
fixed toolbox, with delegated mini-agents, layered memory under strict
token budgets, durable session snapshots, and a live monitoring surface.

Run without arguments to start the interactive session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runREPL()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single prompt and exit",
	Long: `Runs one turn: the prompt goes through the planner, the reason-act
loop, and the toolbox, then the answer is printed and the session ends.

With --non-interactive every tool call above sensitivity none is
denied rather than prompted for.`,
	RunE: runOnce,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index the project into the chunk store",
	Long: `Walks the working tree, chunks source and docs into the project
store, and ingests recent git history for the git context layer.
Unchanged files are skipped by fingerprint.`,
	RunE: runIndex,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve the monitoring dashboard API standalone",
	Long: `Starts the monitoring HTTP/WS server with no agent attached. All
reports come from the project database; /api/health answers even when
the database is unreadable.`,
	RunE: runMonitor,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions for this project",
	RunE:  runSessions,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project store statistics",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Project directory (default: current)")

	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Prompt to execute (required)")
	runCmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; deny anything needing approval")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Token budget mode: direct, concise, or deep")
	_ = runCmd.MarkFlagRequired("prompt")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps an error to the documented exit codes: 0 success,
// 1 unrecoverable error, 2 aborted by user, 3 configuration error.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *configError
	switch {
	case errors.As(err, &ce):
		return exitConfig
	case errors.Is(err, errAborted),
		errors.Is(err, approval.ErrTerminated),
		errors.Is(err, context.Canceled):
		return exitAborted
	default:
		return exitFailure
	}
}

// projectRoot resolves the workspace flag against the current
// directory.
func projectRoot() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return os.Getwd()
}

// loadSettings reads the environment and applies the --mode override.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, &configError{err}
	}
	if modeFlag != "" {
		mode, err := config.ParseMode(modeFlag)
		if err != nil {
			return nil, &configError{err}
		}
		settings.Mode = mode
	}
	return settings, nil
}

// runOnce executes a single prompt through the full pipeline.
func runOnce(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}

	var transport approval.Transport
	if !nonInteractive {
		transport = approval.StdioTransport()
	}

	client := buildClient(settings)
	app, err := newApp(settings, root, client, transport)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	interrupted := notifyInterrupt(ctx, func() {
		logger.Info("interrupt received, aborting turn")
		app.Orch.Abort()
		cancel()
	})

	logger.Debug("running prompt", zap.String("mode", string(settings.Mode)))
	res, err := app.Orch.RunTurn(ctx, runPrompt)
	if err != nil {
		if interrupted() || errors.Is(err, context.Canceled) {
			return errAborted
		}
		return err
	}

	fmt.Println(res.Answer)
	if res.Partial {
		fmt.Fprintln(os.Stderr, "(partial result: the turn was interrupted)")
	}
	return nil
}

// runIndex refreshes the chunk index and git context.
func runIndex(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadLocal()
	if err != nil {
		return &configError{err}
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}
	if err := logging.Initialize(root); err != nil {
		return err
	}

	st, ix, err := openIndexer(settings, root)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := ix.IndexProject(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d of %d files (%d chunks, %d skipped, %d removed) in %s\n",
		res.Indexed, res.Scanned, res.Chunks, res.Skipped, res.Removed, res.Duration.Round(time.Millisecond))

	commits, err := gitctx.Ingest(cmd.Context(), st, root, 200)
	if err != nil {
		logger.Warn("git ingestion failed", zap.Error(err))
	} else if commits > 0 {
		fmt.Printf("Ingested %d git commits\n", commits)
	}
	return nil
}

// runMonitor serves the dashboard API in DB-backed standalone mode.
// The server must come up even when the database will not open.
func runMonitor(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadLocal()
	if err != nil {
		return &configError{err}
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}

	st, err := store.Open(root, nil)
	if err != nil {
		logger.Warn("store unavailable, serving degraded health only", zap.Error(err))
		st = nil
	} else {
		defer st.Close()
	}

	bridge := monitor.NewBridge(st)
	defer bridge.Close()
	srv := monitor.NewServer(bridge, monitor.ServerConfig{Port: settings.Monitor.Port})
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("Monitoring on http://%s (Ctrl-C to stop)\n", srv.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// runSessions prints the recent session table.
func runSessions(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	st, err := store.Open(root, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, s := range sessions {
		fmt.Println(formatSession(s))
	}
	return nil
}

// runStatus prints store totals: chunks, knowledge, sessions, git
// history, database size.
func runStatus(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	st, err := store.Open(root, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("Project %s at %s\n", st.ProjectID(), root)
	fmt.Printf("  database: %d bytes\n", st.DBSizeBytes())
	if stats, err := st.GetChunkStats(); err == nil {
		fmt.Printf("  chunks: %d (%d with vectors)\n", stats.Total, stats.WithVectors)
	}
	if n, err := st.KnowledgeCount(); err == nil {
		fmt.Printf("  knowledge entries: %d\n", n)
	}
	if n, err := st.CommitCount(); err == nil {
		fmt.Printf("  git commits ingested: %d\n", n)
	}
	if sessions, tokens, err := st.SessionTokenTotals(); err == nil {
		fmt.Printf("  sessions: %d (%d tokens used)\n", sessions, tokens)
	}
	return nil
}

// formatSession renders one session row for terminal output.
func formatSession(s *store.Session) string {
	end := "-"
	if s.EndedAt != nil {
		end = s.EndedAt.Local().Format("15:04:05")
	}
	return fmt.Sprintf("%s  %-9s %-7s turns=%-3d tokens=%-7d %s → %s",
		s.ID[:8], s.Status, s.Mode, s.TurnCount, s.TokensUsed,
		s.StartedAt.Local().Format("2006-01-02 15:04:05"), end)
}

// notifyInterrupt runs fn on the first SIGINT/SIGTERM and reports
// whether one arrived.
func notifyInterrupt(ctx context.Context, fn func()) func() bool {
	sigCh := make(chan os.Signal, 1)
	fired := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			close(fired)
			fn()
		case <-ctx.Done():
		}
	}()
	return func() bool {
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}
}
