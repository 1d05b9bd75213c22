package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flexicli/internal/approval"
	"flexicli/internal/budget"
	"flexicli/internal/config"
	"flexicli/internal/gitctx"
	"flexicli/internal/indexer"
)

// slashCommand is one parsed REPL meta-command.
type slashCommand struct {
	Name string
	Arg  string
}

// parseSlash recognizes "/name arg"; anything else is a prompt.
func parseSlash(line string) (slashCommand, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return slashCommand{}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return slashCommand{
		Name: strings.ToLower(strings.TrimSpace(name)),
		Arg:  strings.TrimSpace(arg),
	}, true
}

// runREPL is the interactive session: one stdin reader feeds both the
// loop and the approval prompts, turns run one at a time, and slash
// commands adjust the session in place.
func runREPL() error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}

	// One goroutine owns stdin. The REPL reads between turns; the
	// approval transport reads during them.
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(os.Stdin)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()
	transport := approval.NewSharedTransport(lines, os.Stdout)

	client := buildClient(settings)
	app, err := newApp(settings, root, client, transport)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startBackgroundIndex(ctx, app)

	// Ctrl-C aborts the turn in flight; at the prompt it is a hint,
	// not an exit.
	var busy atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-sigCh:
				if busy.Load() {
					fmt.Println("\nInterrupted, aborting turn...")
					app.Orch.Abort()
				} else {
					fmt.Println("\nType /quit to exit.")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	printBanner(app)

	for {
		fmt.Print("\n› ")
		line, ok := <-lines
		if !ok {
			fmt.Println()
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if cmd, isSlash := parseSlash(line); isSlash {
			quit, err := handleSlash(app, cmd)
			if err != nil {
				fmt.Println("⚠️ ", err)
			}
			if quit {
				return nil
			}
			continue
		}

		busy.Store(true)
		res, err := app.Orch.RunTurn(ctx, line)
		busy.Store(false)

		switch {
		case errors.Is(err, approval.ErrTerminated):
			fmt.Println("Operation denied; session ended.")
			return nil
		case err != nil:
			fmt.Println("❌", err)
			logger.Debug("turn failed", zap.Error(err))
		default:
			fmt.Println(res.Answer)
			if res.Partial {
				fmt.Println("(partial result)")
			}
		}
	}
}

// handleSlash executes one meta-command; quit=true ends the REPL.
func handleSlash(app *App, cmd slashCommand) (quit bool, err error) {
	switch cmd.Name {
	case "quit", "exit", "q":
		return true, nil

	case "help", "?":
		printHelp()
		return false, nil

	case "mode":
		if cmd.Arg == "" {
			fmt.Printf("Mode: %s\n", app.Settings.Mode)
			return false, nil
		}
		mode, err := config.ParseMode(cmd.Arg)
		if err != nil {
			return false, err
		}
		if err := app.SetMode(mode); err != nil {
			return false, err
		}
		fmt.Printf("Mode set to %s; a fresh session started.\n", mode)
		return false, nil

	case "clear":
		app.Builder.Ephemeral().Clear()
		fmt.Println("Conversation window cleared.")
		return false, nil

	case "sessions":
		sessions, err := app.Store.ListSessions(10)
		if err != nil {
			return false, err
		}
		for _, s := range sessions {
			fmt.Println(formatSession(s))
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
		}
		return false, nil

	case "agents":
		active := app.Spawner.Active()
		for _, a := range active {
			fmt.Printf("%s  %-10s %-9s tools=%d\n", a.TaskID, a.Type, a.Status, a.ToolsUsed)
		}
		if depth := app.Spawner.QueueDepth(); depth > 0 {
			fmt.Printf("%d queued\n", depth)
		}
		if len(active) == 0 {
			fmt.Println("No agents running.")
		}
		return false, nil

	case "approve":
		switch cmd.Arg {
		case "always":
			app.Gate.SetMode(config.ApprovalYolo)
			fmt.Println("Approving everything for this session.")
		case "never":
			app.Gate.SetMode(config.ApprovalDefault)
			fmt.Println("Prompting for anything sensitive again.")
		default:
			return false, fmt.Errorf("usage: /approve <always|never>")
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.Name)
	}
}

// startBackgroundIndex refreshes the chunk index and git context off
// the turn path, then keeps the index live with the file watcher.
func startBackgroundIndex(ctx context.Context, app *App) {
	ix := indexer.New(app.Store, budget.NewTokenizer(), indexer.DefaultConfig())
	go func() {
		start := time.Now()
		if res, err := ix.IndexProject(ctx); err == nil {
			logger.Debug("index refreshed",
				zap.Int("indexed", res.Indexed),
				zap.Int("chunks", res.Chunks),
				zap.Duration("took", time.Since(start)))
		} else if ctx.Err() == nil {
			logger.Warn("background index failed", zap.Error(err))
		}
		if n, err := gitctx.Ingest(ctx, app.Store, app.Root, 200); err == nil && n > 0 {
			logger.Debug("git history ingested", zap.Int("commits", n))
		}

		w, err := indexer.NewWatcher(ix)
		if err != nil {
			logger.Warn("file watcher unavailable", zap.Error(err))
			return
		}
		if err := w.Start(ctx); err != nil {
			logger.Warn("file watcher failed to start", zap.Error(err))
			return
		}
		<-ctx.Done()
		w.Stop()
	}()
}

func printBanner(app *App) {
	fmt.Printf("flexicli · project %s · mode %s · approval %s\n",
		app.Store.ProjectID()[:8], app.Settings.Mode, app.Gate.Mode())
	if app.Monitor != nil {
		fmt.Printf("monitoring: http://%s\n", app.Monitor.Addr())
	}
	if app.Recovered != nil {
		fmt.Printf("recovered crashed session %s\n", app.Recovered.CrashedID[:8])
	}
	fmt.Println("Type a request, or /help for commands.")
}

func printHelp() {
	fmt.Println(`Commands:
  /mode <direct|concise|deep>  Switch token budget mode (starts a new session)
  /clear                       Drop the conversation window
  /sessions                    List recent sessions
  /agents                      List running mini-agents and queue depth
  /approve <always|never>      Loosen or restore approval prompting
  /quit                        Exit`)
}
