package memory

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/budget"
	"flexicli/internal/config"
	"flexicli/internal/store"
)

// stubEngine maps marker words to fixed vectors so similarity is
// controlled by test data. Texts without a marker embed to {0, 1}.
type stubEngine struct {
	vectors map[string][]float32
	fail    bool
}

func (e *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, assert.AnError
	}
	for word, vec := range e.vectors {
		if strings.Contains(text, word) {
			return vec, nil
		}
	}
	return []float32{0, 1}, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		v, err := e.Embed(ctx, txt)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return 2 }
func (e *stubEngine) Name() string    { return "stub:test" }

func newTestBuilder(t *testing.T, mode config.Mode, eng *stubEngine) (*Builder, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), eng)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	man := budget.NewManager(mode)
	eph := NewEphemeral("", nil, EphemeralConfig{})
	return NewBuilder(st, man, eph, "You are a careful coding assistant."), st
}

func seedChunk(t *testing.T, st *store.Store, path, content string) {
	t.Helper()
	err := st.UpsertChunk(context.Background(), &store.Chunk{
		Path:      path,
		Content:   content,
		ChunkType: store.ChunkCode,
		Hash:      store.ContentHash(content),
		StartLine: 1,
		EndLine:   5,
	})
	require.NoError(t, err)
}

func TestBuildPromptComposesSections(t *testing.T) {
	eng := &stubEngine{vectors: map[string][]float32{"alpha": {1, 0}}}
	b, st := newTestBuilder(t, config.ModeConcise, eng)

	seedChunk(t, st, "pkg/alpha.go", "alpha handler parses requests")
	seedChunk(t, st, "pkg/other.go", "unrelated plumbing")
	require.NoError(t, st.UpsertKnowledge(&store.Knowledge{
		Key: "style", Value: "tabs for indentation", Importance: 0.9,
	}))
	b.RecordTurn("user", "earlier question about parsing")

	p, err := b.BuildPrompt(context.Background(), "find the alpha handler",
		[]Turn{{Role: "user", Content: "and the current one"}})
	require.NoError(t, err)

	assert.Equal(t, "You are a careful coding assistant.", p.System)
	assert.Equal(t, "find the alpha handler", p.User)
	assert.Contains(t, p.Ephemeral, "earlier question about parsing")
	assert.Contains(t, p.Ephemeral, "and the current one")
	assert.Contains(t, p.Retrieved, "### pkg/alpha.go (lines 1-5)")
	assert.Contains(t, p.Retrieved, "alpha handler parses requests")
	assert.NotContains(t, p.Retrieved, "unrelated plumbing")
	assert.Contains(t, p.Knowledge, "style: tabs for indentation")
	assert.Empty(t, p.Git)
	assert.False(t, p.Degraded)

	require.Len(t, p.Chunks, 1)
	assert.Equal(t, "pkg/alpha.go", p.Chunks[0].Chunk.Path)

	assert.Positive(t, p.Usage.Categories[budget.CategorySystem])
	assert.Positive(t, p.Usage.Categories[budget.CategoryQuery])
	assert.Positive(t, p.Usage.Categories[budget.CategoryRetrieved])
	assert.LessOrEqual(t, p.Usage.InputTotal, p.Usage.InputCap)
}

func TestBuildPromptQueryOverBudget(t *testing.T) {
	b, _ := newTestBuilder(t, config.ModeDirect, &stubEngine{})

	_, err := b.BuildPrompt(context.Background(), strings.Repeat("q", 12000), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
}

func TestBuildPromptDeterministic(t *testing.T) {
	eng := &stubEngine{vectors: map[string][]float32{"alpha": {1, 0}}}
	b, st := newTestBuilder(t, config.ModeConcise, eng)

	seedChunk(t, st, "pkg/alpha.go", "alpha handler parses requests")
	require.NoError(t, st.UpsertKnowledge(&store.Knowledge{
		Key: "style", Value: "tabs for indentation", Importance: 0.9,
	}))
	b.RecordTurn("user", "earlier question")

	first, err := b.BuildPrompt(context.Background(), "find the alpha handler", nil)
	require.NoError(t, err)
	second, err := b.BuildPrompt(context.Background(), "find the alpha handler", nil)
	require.NoError(t, err)

	assert.Equal(t, first.System, second.System)
	assert.Equal(t, first.Ephemeral, second.Ephemeral)
	assert.Equal(t, first.Retrieved, second.Retrieved)
	assert.Equal(t, first.Knowledge, second.Knowledge)
	assert.Equal(t, first.Git, second.Git)
	require.Equal(t, len(first.Chunks), len(second.Chunks))
	for i := range first.Chunks {
		assert.Equal(t, first.Chunks[i].Chunk.Path, second.Chunks[i].Chunk.Path)
	}
}

func TestBuildPromptEphemeralKeepsNewest(t *testing.T) {
	b, _ := newTestBuilder(t, config.ModeDirect, &stubEngine{})

	// Roughly 2050 tokens, over the direct-mode ephemeral cap on its own.
	b.RecordTurn("user", strings.Repeat("x", 8200))
	b.RecordTurn("user", "the newest question")

	p, err := b.BuildPrompt(context.Background(), "continue", nil)
	require.NoError(t, err)
	assert.Contains(t, p.Ephemeral, "the newest question")
	assert.NotContains(t, p.Ephemeral, "xxxx")
}

func TestBuildPromptRetrievedStopsAtOverflow(t *testing.T) {
	eng := &stubEngine{vectors: map[string][]float32{
		"first":  {1, 0},
		"second": {0.98, 0.199},
		"third":  {0.95, 0.312},
	}}
	b, st := newTestBuilder(t, config.ModeDirect, eng)

	seedChunk(t, st, "a.go", "first handler, small")
	// Well over the direct-mode retrieved cap by itself.
	seedChunk(t, st, "b.go", "second handler "+strings.Repeat("y", 45000))
	seedChunk(t, st, "c.go", "third handler, also small")

	p, err := b.BuildPrompt(context.Background(), "first things to check", nil)
	require.NoError(t, err)

	// Collection stops at the oversized second-ranked chunk rather
	// than skipping ahead to the third.
	require.Len(t, p.Chunks, 1)
	assert.Equal(t, "a.go", p.Chunks[0].Chunk.Path)
	assert.Contains(t, p.Retrieved, "first handler")
	assert.NotContains(t, p.Retrieved, "third handler")
}

func TestBuildPromptDegradedFallback(t *testing.T) {
	eng := &stubEngine{vectors: map[string][]float32{"alpha": {1, 0}}}
	b, st := newTestBuilder(t, config.ModeConcise, eng)
	seedChunk(t, st, "pkg/alpha.go", "alpha handler code")

	eng.fail = true
	p, err := b.BuildPrompt(context.Background(), "find the alpha handler", nil)
	require.NoError(t, err)
	assert.True(t, p.Degraded)
	assert.Contains(t, p.Retrieved, "alpha handler code")
}

func TestBuildPromptKnowledgeStopsAtOverflow(t *testing.T) {
	b, st := newTestBuilder(t, config.ModeDirect, &stubEngine{})

	require.NoError(t, st.UpsertKnowledge(&store.Knowledge{
		Key: "keyA", Value: strings.Repeat("k", 3000), Importance: 0.9,
	}))
	require.NoError(t, st.UpsertKnowledge(&store.Knowledge{
		Key: "keyB", Value: strings.Repeat("m", 3000), Importance: 0.5,
	}))

	p, err := b.BuildPrompt(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Contains(t, p.Knowledge, "keyA")
	assert.NotContains(t, p.Knowledge, "keyB")
}

func TestFilesInQuery(t *testing.T) {
	files := filesInQuery("why does internal/indexer/walker.go skip ./docs/readme.md and walker.go")
	assert.Equal(t, []string{"internal/indexer/walker.go", "docs/readme.md", "walker.go"}, files)

	assert.Nil(t, filesInQuery("explain the search ranking"))
	assert.Equal(t, []string{"a.go"}, filesInQuery("a.go a.go a.go"))
}

func TestBuildPromptGitSection(t *testing.T) {
	requireGit(t)
	root := t.TempDir()
	runGit(t, root, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))
	runGit(t, root, "add", "a.go")
	runGit(t, root, "commit", "-q", "-m", "add package a")

	eng := &stubEngine{}
	st, err := store.Open(root, eng)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	man := budget.NewManager(config.ModeConcise)
	b := NewBuilder(st, man, NewEphemeral("", nil, EphemeralConfig{}), "assistant")

	p, err := b.BuildPrompt(context.Background(), "refactor a.go to return errors", nil)
	require.NoError(t, err)
	assert.Contains(t, p.Git, "## a.go")
	assert.Contains(t, p.Git, "add package a")
	assert.Positive(t, p.Usage.Categories[budget.CategoryGit])
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tester", "GIT_AUTHOR_EMAIL=tester@example.com",
		"GIT_COMMITTER_NAME=tester", "GIT_COMMITTER_EMAIL=tester@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}
