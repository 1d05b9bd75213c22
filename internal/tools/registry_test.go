package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name        string
	sensitivity string
	schema      json.RawMessage
	invoke      func(ctx context.Context, args map[string]any, perms *Permissions) (*Result, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool " + f.name }
func (f *fakeTool) ParameterSchema() json.RawMessage {
	return f.schema
}
func (f *fakeTool) Sensitivity() string {
	if f.sensitivity == "" {
		return SensitivityNone
	}
	return f.sensitivity
}
func (f *fakeTool) Invoke(ctx context.Context, args map[string]any, perms *Permissions) (*Result, error) {
	if f.invoke != nil {
		return f.invoke(ctx, args, perms)
	}
	return Ok("ran " + f.name), nil
}

func newTestRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, name := range names {
		require.NoError(t, reg.Register(&fakeTool{name: name}))
	}
	return reg
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := newTestRegistry(t, "read_file")
	err := reg.Register(&fakeTool{name: "read_file"})
	require.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&fakeTool{name: "broken", schema: []byte(`{"type": 42}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestFindByNameExact(t *testing.T) {
	reg := newTestRegistry(t, "read_file", "write_file")
	tool, err := reg.FindByName("read_file")
	require.NoError(t, err)
	assert.Equal(t, "read_file", tool.Name())
}

func TestFindByNameCaseAndSeparators(t *testing.T) {
	reg := newTestRegistry(t, "read_file", "write_file", "shell")

	for _, alias := range []string{"Read-File", "READ_FILE", "readfile", "ReadFileTool", "read-file-tool"} {
		tool, err := reg.FindByName(alias)
		require.NoError(t, err, "alias %q", alias)
		assert.Equal(t, "read_file", tool.Name(), "alias %q", alias)
	}
}

func TestFindByNameSubstring(t *testing.T) {
	reg := newTestRegistry(t, "read_file", "write_file", "shell")

	tool, err := reg.FindByName("read")
	require.NoError(t, err)
	assert.Equal(t, "read_file", tool.Name())
}

func TestFindByNameSpecificity(t *testing.T) {
	reg := newTestRegistry(t, "search", "search_code")

	// Both names contain "sear"; the shorter exact-prefix match wins.
	tool, err := reg.FindByName("sear")
	require.NoError(t, err)
	assert.Equal(t, "search", tool.Name())

	// "searchc" only narrows to search_code.
	tool, err = reg.FindByName("searchc")
	require.NoError(t, err)
	assert.Equal(t, "search_code", tool.Name())
}

func TestFindByNameZeroMatchListsTools(t *testing.T) {
	reg := newTestRegistry(t, "read_file", "shell")

	_, err := reg.FindByName("teleport")
	require.ErrorIs(t, err, ErrToolNotFound)
	assert.Contains(t, err.Error(), "read_file")
	assert.Contains(t, err.Error(), "shell")
}

func TestInvokeRefusesRestricted(t *testing.T) {
	reg := newTestRegistry(t, "shell")
	perms := &Permissions{Restricted: []string{"shell"}}

	_, err := reg.Invoke(context.Background(), "shell", nil, perms, nil)
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestInvokeRefusesOutsideAllowed(t *testing.T) {
	reg := newTestRegistry(t, "read_file", "shell")
	perms := &Permissions{Allowed: []string{"read_file"}}

	_, err := reg.Invoke(context.Background(), "shell", nil, perms, nil)
	require.ErrorIs(t, err, ErrNotPermitted)

	res, err := reg.Invoke(context.Background(), "read_file", nil, perms, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestInvokeRefusesMutatingForReadOnly(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "write_file", sensitivity: SensitivityMedium}))

	_, err := reg.Invoke(context.Background(), "write_file", nil, &Permissions{ReadOnly: true}, nil)
	require.ErrorIs(t, err, ErrNotPermitted)
}

func TestInvokeValidatesArgs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name:   "read_file",
		schema: []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}))

	_, err := reg.Invoke(context.Background(), "read_file", map[string]any{}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidArgs)

	res, err := reg.Invoke(context.Background(), "read_file", map[string]any{"path": "a.go"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestInvokeNormalizesIntegerArgs(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name:   "read_file",
		schema: []byte(`{"type":"object","properties":{"start_line":{"type":"integer","minimum":1}}}`),
	}))

	// In-process callers pass int; decoded JSON passes float64. Both
	// must validate as integers.
	_, err := reg.Invoke(context.Background(), "read_file", map[string]any{"start_line": 3}, nil, nil)
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "read_file", map[string]any{"start_line": float64(3)}, nil, nil)
	require.NoError(t, err)
}

func TestInvokeAbortCancelsCall(t *testing.T) {
	blocking := &fakeTool{
		name: "slow",
		invoke: func(ctx context.Context, args map[string]any, perms *Permissions) (*Result, error) {
			<-ctx.Done()
			return Fail("canceled"), nil
		},
	}
	reg := NewRegistry()
	require.NoError(t, reg.Register(blocking))

	abort := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(abort)
	}()

	start := time.Now()
	res, err := reg.Invoke(context.Background(), "slow", nil, nil, abort)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvokeDeadlineCancelsCall(t *testing.T) {
	blocking := &fakeTool{
		name: "slow",
		invoke: func(ctx context.Context, args map[string]any, perms *Permissions) (*Result, error) {
			<-ctx.Done()
			return Fail("deadline"), nil
		},
	}
	reg := NewRegistry()
	reg.SetInvokeTimeout(30 * time.Millisecond)
	require.NoError(t, reg.Register(blocking))

	start := time.Now()
	res, err := reg.Invoke(context.Background(), "slow", nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvokeStampsDuration(t *testing.T) {
	reg := newTestRegistry(t, "read_file")
	res, err := reg.Invoke(context.Background(), "read_file", nil, nil, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestCatalogListsTools(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name:   "read_file",
		schema: []byte(`{"type":"object"}`),
	}))
	require.NoError(t, reg.Register(&fakeTool{name: "shell"}))

	catalog := reg.Catalog()
	assert.Contains(t, catalog, "### read_file")
	assert.Contains(t, catalog, "### shell")
	assert.Contains(t, catalog, "fake tool read_file")
	assert.Contains(t, catalog, `"type":"object"`)
}

func TestNamesSorted(t *testing.T) {
	reg := newTestRegistry(t, "shell", "grep", "read_file")
	assert.Equal(t, []string{"grep", "read_file", "shell"}, reg.Names())
}
