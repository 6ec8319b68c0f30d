package llm

import (
	"encoding/json"
	"fmt"
)

// Per-task structured output contracts. Raw model output is extracted,
// decoded into the task's typed schema, bounds-checked, and re-marshaled so
// equal results are byte-identical regardless of model formatting quirks.

// TemplateOutput is the schema for template generation.
type TemplateOutput struct {
	Outline      string   `json:"outline"`
	Example      string   `json:"example"`
	BulletPoints []string `json:"bullet_points"` // 3..5 items
}

// RefineOutput is the schema for answer refinement.
type RefineOutput struct {
	Refined          string   `json:"refined"`
	ImprovementHints []string `json:"improvement_hints"` // 2..6 items
}

// Contradiction is one self/peer contradiction found by conflict detection.
type Contradiction struct {
	SelfIdx int    `json:"self_idx"`
	PeerIdx int    `json:"peer_idx"`
	Reason  string `json:"reason"`
}

// ConflictsOutput is the schema for conflict detection.
type ConflictsOutput struct {
	Duplicates     [][]int         `json:"duplicates"`
	Contradictions []Contradiction `json:"contradictions"`
}

// SummaryOutput is the schema for the final review summary.
type SummaryOutput struct {
	Strengths      []string `json:"strengths"`        // exactly 3
	AreasForGrowth []string `json:"areas_for_growth"` // exactly 3
	NextSteps      []string `json:"next_steps"`       // exactly 3
}

// ValidateOutput extracts JSON from raw model content and validates it
// against the schema for the given task kind. On success it returns the
// canonical re-marshaled payload. Failures are SchemaViolationError.
func ValidateOutput(kind TaskKind, content string) (json.RawMessage, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, NewSchemaViolationError(fmt.Errorf("%s: no JSON object in model output", kind))
	}

	switch kind {
	case TaskTemplate:
		var out TemplateOutput
		if err := decodeStrict(raw, &out); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		if out.Outline == "" || out.Example == "" {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: outline and example are required", kind))
		}
		if err := checkLen("bullet_points", out.BulletPoints, 3, 5); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		return remarshal(out)

	case TaskRefine:
		var out RefineOutput
		if err := decodeStrict(raw, &out); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		if out.Refined == "" {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: refined text is required", kind))
		}
		if err := checkLen("improvement_hints", out.ImprovementHints, 2, 6); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		return remarshal(out)

	case TaskConflicts:
		var out ConflictsOutput
		if err := decodeStrict(raw, &out); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		// Empty lists are valid: no conflicts found. Pairs must be pairs.
		for i, pair := range out.Duplicates {
			if len(pair) != 2 {
				return nil, NewSchemaViolationError(fmt.Errorf("%s: duplicates[%d] must hold exactly 2 indices", kind, i))
			}
		}
		for i, c := range out.Contradictions {
			if c.Reason == "" {
				return nil, NewSchemaViolationError(fmt.Errorf("%s: contradictions[%d] missing reason", kind, i))
			}
		}
		return remarshal(out)

	case TaskSummary:
		var out SummaryOutput
		if err := decodeStrict(raw, &out); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		if err := checkLen("strengths", out.Strengths, 3, 3); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		if err := checkLen("areas_for_growth", out.AreasForGrowth, 3, 3); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		if err := checkLen("next_steps", out.NextSteps, 3, 3); err != nil {
			return nil, NewSchemaViolationError(fmt.Errorf("%s: %w", kind, err))
		}
		return remarshal(out)

	default:
		return nil, NewFatalError(fmt.Errorf("no output schema for task kind %q", kind))
	}
}

// decodeStrict unmarshals raw JSON into the target schema. Unknown extra
// fields are tolerated; type mismatches on known fields are violations.
func decodeStrict(raw string, target any) error {
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return nil
}

func checkLen(field string, items []string, min, max int) error {
	if len(items) < min || len(items) > max {
		return fmt.Errorf("%s must hold %d..%d items, got %d", field, min, max, len(items))
	}
	for i, item := range items {
		if item == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
	}
	return nil
}

func remarshal(out any) (json.RawMessage, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, NewSchemaViolationError(fmt.Errorf("re-marshal output: %w", err))
	}
	return data, nil
}
