package budget

import (
	"errors"
	"strings"
	"testing"

	"flexicli/internal/config"
)

// fixedTokenizer charges one token per character, making budget
// arithmetic exact in tests.
type fixedTokenizer struct{}

func (fixedTokenizer) Count(text string) int { return len([]rune(text)) }

func TestHeuristicTokenizerStability(t *testing.T) {
	tok := NewTokenizer()
	cases := []struct {
		text string
		min  int
		max  int
	}{
		{"", 0, 0},
		{"hello", 1, 2},
		{"hello world", 2, 4},
		{"func main() { fmt.Println(\"hi\") }", 8, 20},
		{strings.Repeat("a", 400), 90, 110},
	}
	for _, tc := range cases {
		got := tok.Count(tc.text)
		if got < tc.min || got > tc.max {
			t.Errorf("Count(%q) = %d, want within [%d, %d]", tc.text, got, tc.min, tc.max)
		}
		// Deterministic across calls.
		if again := tok.Count(tc.text); again != got {
			t.Errorf("Count(%q) unstable: %d then %d", tc.text, got, again)
		}
	}
}

func TestFallbackTokenizer(t *testing.T) {
	tok := FallbackTokenizer{}
	if got := tok.Count("abcd"); got != 1 {
		t.Errorf("Count(abcd) = %d, want 1", got)
	}
	if got := tok.Count("abcde"); got != 2 {
		t.Errorf("Count(abcde) = %d, want 2", got)
	}
	if got := tok.Count(""); got != 0 {
		t.Errorf("Count empty = %d, want 0", got)
	}
}

func TestTrimToFit(t *testing.T) {
	tok := fixedTokenizer{}

	t.Run("fits untouched", func(t *testing.T) {
		if got := TrimToFit(tok, "short", 10); got != "short" {
			t.Errorf("got %q, want unchanged", got)
		}
	})

	t.Run("truncates with marker", func(t *testing.T) {
		got := TrimToFit(tok, strings.Repeat("x", 100), 20)
		if !strings.HasSuffix(got, "…") {
			t.Errorf("missing ellipsis marker: %q", got)
		}
		if n := tok.Count(got); n > 20 {
			t.Errorf("trimmed to %d tokens, cap 20", n)
		}
	})

	t.Run("prefers sentence boundary", func(t *testing.T) {
		text := "First sentence here. Second sentence is much longer and will not fit."
		got := TrimToFit(tok, text, 40)
		if !strings.HasPrefix(got, "First sentence here.") {
			t.Errorf("expected cut after first sentence, got %q", got)
		}
	})

	t.Run("zero max", func(t *testing.T) {
		if got := TrimToFit(tok, "anything", 0); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}

func TestManagerAccountingInvariant(t *testing.T) {
	m := NewManagerWithTokenizer(config.ModeConcise, fixedTokenizer{})

	adds := []struct {
		cat  Category
		text string
	}{
		{CategoryQuery, strings.Repeat("q", 100)},
		{CategoryEphemeral, strings.Repeat("e", 300)},
		{CategoryRetrieved, strings.Repeat("r", 500)},
		{CategoryKnowledge, strings.Repeat("k", 200)},
	}
	want := make(map[Category]int)
	for _, a := range adds {
		n, err := m.Add(a.cat, a.text)
		if err != nil {
			t.Fatalf("Add(%s) failed: %v", a.cat, err)
		}
		want[a.cat] += n
	}
	m.Record(CategoryOutput, 150)
	want[CategoryOutput] = 150

	report := m.Report()
	for cat, exp := range want {
		if report.Categories[cat] != exp {
			t.Errorf("category %s = %d, want %d", cat, report.Categories[cat], exp)
		}
	}
	if report.InputTotal != 100+300+500+200 {
		t.Errorf("InputTotal = %d, want 1100", report.InputTotal)
	}
	if report.OutputTotal != 150 {
		t.Errorf("OutputTotal = %d, want 150", report.OutputTotal)
	}
}

func TestManagerMandatoryOverflowFails(t *testing.T) {
	m := NewManagerWithTokenizer(config.ModeConcise, fixedTokenizer{})

	// Query cap in concise mode is 2000.
	if _, err := m.Add(CategoryQuery, strings.Repeat("q", 2001)); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	// Failure must not record anything.
	if got := m.Report().Categories[CategoryQuery]; got != 0 {
		t.Errorf("failed add recorded %d tokens", got)
	}

	// A fitting add still works afterwards.
	if _, err := m.Add(CategoryQuery, strings.Repeat("q", 1000)); err != nil {
		t.Fatalf("valid add failed: %v", err)
	}
}

func TestManagerCanAddRespectsRemaining(t *testing.T) {
	m := NewManagerWithTokenizer(config.ModeDirect, fixedTokenizer{})

	// Ephemeral cap in direct mode is 2000.
	if !m.CanAdd(CategoryEphemeral, strings.Repeat("e", 2000)) {
		t.Error("add at exactly the cap should be allowed")
	}
	if _, err := m.Add(CategoryEphemeral, strings.Repeat("e", 1500)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if m.CanAdd(CategoryEphemeral, strings.Repeat("e", 600)) {
		t.Error("add past the cap should be rejected")
	}
	if m.Remaining(CategoryEphemeral) != 500 {
		t.Errorf("Remaining = %d, want 500", m.Remaining(CategoryEphemeral))
	}
}

func TestManagerResetClearsUsage(t *testing.T) {
	m := NewManagerWithTokenizer(config.ModeConcise, fixedTokenizer{})
	if _, err := m.Add(CategoryQuery, "abc"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	m.Reset()
	if got := m.Report().InputTotal; got != 0 {
		t.Errorf("InputTotal after Reset = %d, want 0", got)
	}
}

func TestCapsPerMode(t *testing.T) {
	direct := CapsForMode(config.ModeDirect)
	concise := CapsForMode(config.ModeConcise)
	deep := CapsForMode(config.ModeDeep)

	if direct.PerCategory[CategoryOutput] != 1000 || direct.PerCategory[CategoryReasoning] != 200 {
		t.Errorf("direct output caps wrong: %+v", direct.PerCategory)
	}
	if concise.PerCategory[CategoryOutput] != 6000 || concise.PerCategory[CategoryReasoning] != 5000 {
		t.Errorf("concise output caps wrong: %+v", concise.PerCategory)
	}
	if deep.PerCategory[CategoryOutput] != 15000 || deep.PerCategory[CategoryReasoning] != 12000 {
		t.Errorf("deep output caps wrong: %+v", deep.PerCategory)
	}
	if concise.PerCategory[CategoryRetrieved] != 40_000 {
		t.Errorf("concise retrieved = %d, want 40000", concise.PerCategory[CategoryRetrieved])
	}

	// Input allocations stay inside the hard ceiling for every mode.
	for name, caps := range map[string]Caps{"direct": direct, "concise": concise, "deep": deep} {
		total := 0
		for cat, n := range caps.PerCategory {
			if cat != CategoryOutput && cat != CategoryReasoning {
				total += n
			}
		}
		if total > InputCeiling {
			t.Errorf("%s input allocation %d exceeds ceiling", name, total)
		}
	}
}
