package builtin

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/tools"
)

func requireUnixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix shell required")
	}
}

func TestShellRunsCommand(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": "echo hello"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Output)
}

func TestShellRunsInScopeRoot(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)
	writeTestFile(t, scope, "marker.txt", "x")

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": "ls"}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "marker.txt")
}

func TestShellCapturesExitCode(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": "exit 3"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "exit status 3", res.Error)
}

func TestShellCombinesStderr(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{
		"command": "echo out; echo err 1>&2",
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "--- stderr ---")
	assert.Contains(t, res.Output, "err")
}

func TestShellTimeout(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	start := time.Now()
	res, err := Shell(scope).Invoke(context.Background(), map[string]any{
		"command":         "sleep 30",
		"timeout_seconds": 1,
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellCanceledContext(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := Shell(scope).Invoke(ctx, map[string]any{"command": "sleep 30"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "canceled")
}

func TestShellTruncatesOutput(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{
		"command": "seq 1 50000",
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Output), maxShellOutput+64)
}

func TestShellRefusesGitWithoutPermission(t *testing.T) {
	scope := newTestScope(t)

	perms := &tools.Permissions{GitOperations: false, NetworkAccess: true}
	res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": "git push origin main"}, perms)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "git operations")
}

func TestShellRefusesNetworkWithoutPermission(t *testing.T) {
	scope := newTestScope(t)

	perms := &tools.Permissions{GitOperations: true, NetworkAccess: false}
	for _, command := range []string{
		"curl https://example.com",
		"echo x | wget -qO- example.com",
		"sudo ssh host",
	} {
		res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": command}, perms)
		require.NoError(t, err, command)
		assert.False(t, res.Success, command)
		assert.Contains(t, res.Error, "network access", command)
	}
}

func TestShellNilPermissionsRunAnything(t *testing.T) {
	requireUnixShell(t)
	scope := newTestScope(t)

	res, err := Shell(scope).Invoke(context.Background(), map[string]any{"command": "true"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCommandHeads(t *testing.T) {
	cases := []struct {
		command string
		want    []string
	}{
		{"ls -la", []string{"ls"}},
		{"cat a | grep b | wc -l", []string{"cat", "grep", "wc"}},
		{"FOO=bar make build && make test", []string{"make", "make"}},
		{"sudo rm -rf /tmp/x; echo done", []string{"rm", "echo"}},
		{"env TERM=dumb git status", []string{"git"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, commandHeads(tc.command), tc.command)
	}
}
