package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// ConsoleTransport prompts on a terminal. It owns its reader: a single
// goroutine feeds lines into a channel so an abandoned prompt never
// leaves a read blocked against the next one.
type ConsoleTransport struct {
	out io.Writer

	startOnce sync.Once
	in        io.Reader
	lines     <-chan string

	// askMu serializes prompts so concurrent agents cannot interleave
	// questions on one terminal.
	askMu sync.Mutex
}

// NewConsoleTransport prompts on out and reads answers from in.
func NewConsoleTransport(in io.Reader, out io.Writer) *ConsoleTransport {
	return &ConsoleTransport{in: in, out: out}
}

// StdioTransport prompts on the process terminal.
func StdioTransport() *ConsoleTransport {
	return NewConsoleTransport(os.Stdin, os.Stdout)
}

// NewSharedTransport prompts on out and takes answers from lines, for
// callers that already own the terminal reader, such as a REPL whose
// loop and approval prompts alternate on one stdin. The channel closing
// means the input is gone and pending prompts terminate.
func NewSharedTransport(lines <-chan string, out io.Writer) *ConsoleTransport {
	return &ConsoleTransport{lines: lines, out: out}
}

// start spins the reader goroutine. A shared transport has no reader of
// its own and keeps the channel it was given.
func (t *ConsoleTransport) start() {
	if t.in == nil {
		return
	}
	ch := make(chan string)
	t.lines = ch
	go func() {
		defer close(ch)
		reader := bufio.NewReader(t.in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				ch <- strings.TrimSpace(line)
			}
			if err != nil {
				return
			}
		}
	}()
}

// Ask prompts and blocks for an answer. Ctrl-C and closed stdin both
// deny and return ErrTerminated; context cancellation denies with the
// context's error.
func (t *ConsoleTransport) Ask(ctx context.Context, req *Request) (Response, error) {
	t.askMu.Lock()
	defer t.askMu.Unlock()
	t.startOnce.Do(t.start)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)

	fmt.Fprintf(t.out, "\napproval required: %s (%s)\n", req.Tool, req.Sensitivity)
	if req.Summary != "" {
		fmt.Fprintf(t.out, "  %s\n", req.Summary)
	}
	fmt.Fprintf(t.out, "Allow? [y]es / [n]o / [a]lways for %s at this level: ", req.Tool)

	select {
	case line, ok := <-t.lines:
		if !ok {
			fmt.Fprintln(t.out)
			return Response{}, ErrTerminated
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return Response{Approved: true}, nil
		case "a", "always":
			return Response{Approved: true, Remember: true}, nil
		default:
			return Response{}, nil
		}
	case <-sigCh:
		fmt.Fprintln(t.out)
		return Response{}, ErrTerminated
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
