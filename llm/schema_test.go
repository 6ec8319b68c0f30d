package llm_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpulse/peerpulse/llm"
)

func TestValidateOutput_Template(t *testing.T) {
	content := `{"outline": "Situation, action, result.", "example": "I led the migration.", "bullet_points": ["one", "two", "three"]}`

	payload, err := llm.ValidateOutput(llm.TaskTemplate, content)
	require.NoError(t, err)

	var out llm.TemplateOutput
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "Situation, action, result.", out.Outline)
	assert.Len(t, out.BulletPoints, 3)
}

func TestValidateOutput_Template_BulletBounds(t *testing.T) {
	tests := []struct {
		name    string
		bullets string
		wantErr bool
	}{
		{"two is too few", `["a", "b"]`, true},
		{"three is minimum", `["a", "b", "c"]`, false},
		{"five is maximum", `["a", "b", "c", "d", "e"]`, false},
		{"six is too many", `["a", "b", "c", "d", "e", "f"]`, true},
		{"empty item rejected", `["a", "", "c"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := `{"outline": "o", "example": "e", "bullet_points": ` + tt.bullets + `}`
			_, err := llm.ValidateOutput(llm.TaskTemplate, content)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, llm.IsSchemaViolation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutput_Refine_HintBounds(t *testing.T) {
	_, err := llm.ValidateOutput(llm.TaskRefine, `{"refined": "better", "improvement_hints": ["one"]}`)
	require.Error(t, err)
	assert.True(t, llm.IsSchemaViolation(err))

	payload, err := llm.ValidateOutput(llm.TaskRefine, `{"refined": "better", "improvement_hints": ["one", "two"]}`)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "better")

	_, err = llm.ValidateOutput(llm.TaskRefine, `{"refined": "", "improvement_hints": ["one", "two"]}`)
	require.Error(t, err)
}

func TestValidateOutput_Conflicts(t *testing.T) {
	// Empty findings are valid output.
	payload, err := llm.ValidateOutput(llm.TaskConflicts, `{"duplicates": [], "contradictions": []}`)
	require.NoError(t, err)

	var out llm.ConflictsOutput
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Empty(t, out.Duplicates)

	// Duplicate entries must be index pairs.
	_, err = llm.ValidateOutput(llm.TaskConflicts, `{"duplicates": [[1, 2, 3]], "contradictions": []}`)
	require.Error(t, err)
	assert.True(t, llm.IsSchemaViolation(err))

	// Contradictions need a reason.
	_, err = llm.ValidateOutput(llm.TaskConflicts, `{"duplicates": [], "contradictions": [{"self_idx": 0, "peer_idx": 1, "reason": ""}]}`)
	require.Error(t, err)
}

func TestValidateOutput_Summary_ExactlyThree(t *testing.T) {
	valid := `{"strengths": ["a", "b", "c"], "areas_for_growth": ["d", "e", "f"], "next_steps": ["g", "h", "i"]}`
	_, err := llm.ValidateOutput(llm.TaskSummary, valid)
	require.NoError(t, err)

	short := `{"strengths": ["a", "b"], "areas_for_growth": ["d", "e", "f"], "next_steps": ["g", "h", "i"]}`
	_, err = llm.ValidateOutput(llm.TaskSummary, short)
	require.Error(t, err)
	assert.True(t, llm.IsSchemaViolation(err))
}

func TestValidateOutput_MarkdownFences(t *testing.T) {
	content := "Here is your template:\n```json\n{\"outline\": \"o\", \"example\": \"e\", \"bullet_points\": [\"a\", \"b\", \"c\"]}\n```\nLet me know if you need changes."

	payload, err := llm.ValidateOutput(llm.TaskTemplate, content)
	require.NoError(t, err)
	assert.True(t, json.Valid(payload))
}

func TestValidateOutput_CommentsAndTrailingCommas(t *testing.T) {
	content := `{
		"refined": "tightened", // reworded for clarity
		"improvement_hints": ["a", "b",],
	}`

	payload, err := llm.ValidateOutput(llm.TaskRefine, content)
	require.NoError(t, err)

	var out llm.RefineOutput
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, "tightened", out.Refined)
}

func TestValidateOutput_NoJSON(t *testing.T) {
	_, err := llm.ValidateOutput(llm.TaskRefine, "I could not produce a structured answer.")
	require.Error(t, err)
	assert.True(t, llm.IsSchemaViolation(err))
}

func TestValidateOutput_Canonicalization(t *testing.T) {
	// Formatting quirks must not change the payload bytes.
	a, err := llm.ValidateOutput(llm.TaskRefine, `{"improvement_hints": ["a", "b"], "refined": "x"}`)
	require.NoError(t, err)
	b, err := llm.ValidateOutput(llm.TaskRefine, "```json\n{\"refined\": \"x\",\n  \"improvement_hints\": [\"a\", \"b\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestExtractJSON_StringsSurviveCommentStripping(t *testing.T) {
	content := `{"refined": "see https://example.com//docs", "improvement_hints": ["a", "b"]}`
	payload, err := llm.ValidateOutput(llm.TaskRefine, content)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "https://example.com//docs")
}

func TestTaskKind_IsValid(t *testing.T) {
	assert.True(t, llm.TaskTemplate.IsValid())
	assert.True(t, llm.TaskEmbedding.IsValid())
	assert.False(t, llm.TaskKind("analysis").IsValid())
	assert.False(t, llm.TaskKind("").IsValid())
}
