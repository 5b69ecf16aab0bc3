package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Napageneral/rolodex/internal/cluster"
	"github.com/Napageneral/rolodex/internal/gemini"
	"github.com/Napageneral/rolodex/internal/llm"
)

const systemPrompt = "You are an expert data steward specialized in entity resolution and deduplication."

const promptTemplate = `Analyze the following groups of person records and determine if they represent the SAME physical person.
For each group, decide which records should be merged.

Return a JSON object with a "merges" list.
Each item in "merges" should have:
- "primary_id": The ID of the record to KEEP.
- "redundant_ids": A list of IDs to be MERGED INTO the primary record and then deleted.

Only use IDs that appear in the same group. If a group should NOT be merged, omit it from the list.

Candidates:
%s

JSON Output Format:
{
    "merges": [
        { "primary_id": 1, "redundant_ids": [2, 3] }
    ]
}`

// Completer returns a JSON completion for a prompt pair. Both llm.Client and
// gemini.Client satisfy it.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Model adjudicates by prompting a language model.
type Model struct {
	completer Completer
}

// NewModel wraps a completer.
func NewModel(c Completer) *Model {
	return &Model{completer: c}
}

// Adjudicate implements Adjudicator.
func (m *Model) Adjudicate(ctx context.Context, clusters []cluster.Cluster) ([]Verdict, error) {
	prompt, err := BuildPrompt(clusters)
	if err != nil {
		return nil, err
	}
	content, err := m.completer.CompleteJSON(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := llm.DecodeJSON(content, &resp); err != nil {
		return nil, fmt.Errorf("decode verdicts: %w", err)
	}
	return resp.Merges, nil
}

// Usage returns the accumulated token usage of a gemini-backed adjudicator.
// ok is false for any other adjudicator.
func Usage(adj Adjudicator) (stats gemini.UsageStats, ok bool) {
	m, ok := adj.(*Model)
	if !ok {
		return stats, false
	}
	g, ok := m.completer.(*gemini.Client)
	if !ok {
		return stats, false
	}
	return g.GetUsageStats(), true
}

// BuildPrompt renders the user prompt for a batch.
func BuildPrompt(clusters []cluster.Cluster) (string, error) {
	candidates, err := json.MarshalIndent(NewRequest(clusters).Candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode candidates: %w", err)
	}
	return strings.TrimSpace(fmt.Sprintf(promptTemplate, candidates)), nil
}
