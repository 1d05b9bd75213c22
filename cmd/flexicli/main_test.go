package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"flexicli/internal/approval"
	"flexicli/internal/config"
	"flexicli/internal/model"
	"flexicli/internal/store"
)

func TestMain(m *testing.M) {
	logger = zap.NewNop()
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		// opencensus starts a background worker from package init via
		// the genai dependency chain; it is not ours to stop.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"plain failure", errors.New("boom"), exitFailure},
		{"user abort", errAborted, exitAborted},
		{"wrapped abort", fmt.Errorf("turn: %w", errAborted), exitAborted},
		{"approval terminated", approval.ErrTerminated, exitAborted},
		{"cancelled", context.Canceled, exitAborted},
		{"config", &configError{errors.New("API_KEY is required")}, exitConfig},
		{"wrapped config", fmt.Errorf("startup: %w", &configError{errors.New("bad port")}), exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestParseSlash(t *testing.T) {
	tests := []struct {
		line    string
		want    slashCommand
		isSlash bool
	}{
		{"/mode deep", slashCommand{Name: "mode", Arg: "deep"}, true},
		{"/clear", slashCommand{Name: "clear"}, true},
		{"  /approve always  ", slashCommand{Name: "approve", Arg: "always"}, true},
		{"/SESSIONS", slashCommand{Name: "sessions"}, true},
		{"fix the login bug", slashCommand{}, false},
		{"", slashCommand{}, false},
		{"no /slash here", slashCommand{}, false},
	}
	for _, tt := range tests {
		got, isSlash := parseSlash(tt.line)
		assert.Equal(t, tt.isSlash, isSlash, "line %q", tt.line)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseSlash(%q) mismatch (-want +got):\n%s", tt.line, diff)
		}
	}
}

// staticClient answers every chat with the same canned text.
type staticClient struct{ text string }

func (c *staticClient) Chat(context.Context, []model.Message, config.Mode) (*model.Stream, error) {
	return model.NewStaticStream(c.text, model.Usage{PromptTokens: 10, CompletionTokens: 3}), nil
}

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.Model.APIKey = "test"
	s.Model.Endpoint = "http://localhost:0"
	s.Throttle.Enabled = false
	s.ApprovalMode = config.ApprovalYolo
	return s
}

func TestAppRunsATurn(t *testing.T) {
	app, err := newApp(testSettings(), t.TempDir(), &staticClient{text: "all done"}, nil)
	require.NoError(t, err)
	defer app.Close()

	res, err := app.Orch.RunTurn(context.Background(), "what does this project do?")
	require.NoError(t, err)
	assert.Equal(t, "all done", res.Answer)

	sess := app.Orch.Session()
	require.NotNil(t, sess)
	assert.Equal(t, store.SessionActive, sess.Status)
}

func TestAppSetModeStartsFreshSession(t *testing.T) {
	app, err := newApp(testSettings(), t.TempDir(), &staticClient{text: "ok"}, nil)
	require.NoError(t, err)
	defer app.Close()

	first := app.Orch.Session().ID
	require.NoError(t, app.SetMode(config.ModeDeep))

	second := app.Orch.Session()
	assert.NotEqual(t, first, second.ID)
	assert.Equal(t, string(config.ModeDeep), second.Mode)
	assert.Equal(t, config.ModeDeep, app.Budget.Mode())

	old, err := app.Store.GetSession(first)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, old.Status)
}

func TestAppRegistersDelegationTools(t *testing.T) {
	app, err := newApp(testSettings(), t.TempDir(), &staticClient{text: "ok"}, nil)
	require.NoError(t, err)
	defer app.Close()

	for _, name := range []string{"read_file", "write_file", "shell", "spawn_agent", "await_agent"} {
		_, err := app.Registry.FindByName(name)
		assert.NoError(t, err, "tool %s should be registered", name)
	}
}

func TestHandleSlash(t *testing.T) {
	app, err := newApp(testSettings(), t.TempDir(), &staticClient{text: "ok"}, nil)
	require.NoError(t, err)
	defer app.Close()

	quit, err := handleSlash(app, slashCommand{Name: "quit"})
	require.NoError(t, err)
	assert.True(t, quit)

	quit, err = handleSlash(app, slashCommand{Name: "approve", Arg: "always"})
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, config.ApprovalYolo, app.Gate.Mode())

	_, err = handleSlash(app, slashCommand{Name: "approve", Arg: "sometimes"})
	assert.Error(t, err)

	_, err = handleSlash(app, slashCommand{Name: "bogus"})
	assert.Error(t, err)

	_, err = handleSlash(app, slashCommand{Name: "mode", Arg: "nope"})
	assert.Error(t, err)
}

func TestFormatSession(t *testing.T) {
	sessions, app := seedSessions(t)
	defer app.Close()

	for _, s := range sessions {
		line := formatSession(s)
		assert.Contains(t, line, s.ID[:8])
		assert.Contains(t, line, s.Mode)
	}
}

func seedSessions(t *testing.T) ([]*store.Session, *App) {
	t.Helper()
	app, err := newApp(testSettings(), t.TempDir(), &staticClient{text: "ok"}, nil)
	require.NoError(t, err)
	sessions, err := app.Store.ListSessions(5)
	require.NoError(t, err)
	require.NotEmpty(t, sessions)
	return sessions, app
}
