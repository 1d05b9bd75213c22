package memory

import (
	"fmt"
	"strings"

	"flexicli/internal/budget"
	"flexicli/internal/store"
)

// knowledgeFetchLimit bounds the candidate list pulled from the store.
// The store already caps the whole layer at 2000 tokens, so this is
// generous.
const knowledgeFetchLimit = 200

// collectKnowledge fills the knowledge category with stored facts in
// importance order, stopping at the first fact that would overflow.
func collectKnowledge(st *store.Store, man *budget.Manager) ([]store.Knowledge, error) {
	facts, err := st.QueryKnowledge("", knowledgeFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}

	var kept []store.Knowledge
	for _, k := range facts {
		if _, err := man.Add(budget.CategoryKnowledge, renderFact(k)); err != nil {
			break
		}
		kept = append(kept, k)
	}
	return kept, nil
}

func renderFact(k store.Knowledge) string {
	return fmt.Sprintf("- %s: %s\n", k.Key, k.Value)
}

func renderKnowledge(facts []store.Knowledge) string {
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, k := range facts {
		sb.WriteString(renderFact(k))
	}
	return strings.TrimRight(sb.String(), "\n")
}
