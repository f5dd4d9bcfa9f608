// Package playbook implements the multi-stage conversation state machine
// that wraps the LLM step of a turn: stage-scoped prompts and tools, a
// bounded tool-call loop, and transition evaluation between stages.
package playbook

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard matches any source stage in a transition's From field.
const Wildcard = "*"

// ConditionType names the trigger that satisfies a transition.
type ConditionType string

const (
	// ConditionKeyword fires on a case-insensitive substring match of any
	// configured keyword against the turn's LLM response text.
	ConditionKeyword ConditionType = "keyword"

	// ConditionLLMDecision fires when the model called the
	// playbook_transition pseudo-tool targeting this transition's stage.
	ConditionLLMDecision ConditionType = "llm_decision"

	// ConditionToolResult fires when any tool result of the turn carried a
	// "__transition" field naming this transition's target.
	ConditionToolResult ConditionType = "tool_result"

	// ConditionMaxTurns fires when the current stage's turn counter reached
	// the stage's configured maximum on this turn.
	ConditionMaxTurns ConditionType = "max_turns"
)

// Stage is one state of the playbook.
type Stage struct {
	// ID is the stage's unique identifier.
	ID string `yaml:"id"`

	// Prompt is appended to the session system prompt while this stage is
	// active.
	Prompt string `yaml:"prompt"`

	// Tools names the registry tools offered to the model in this stage.
	Tools []string `yaml:"tools"`

	// TwoPhase controls whether the tool loop runs silently before a final
	// streamed response. Nil means true.
	TwoPhase *bool `yaml:"twoPhase"`

	// MaxTurns bounds how many turns the conversation may stay in this
	// stage before a max_turns transition fires. Zero means unbounded.
	MaxTurns int `yaml:"maxTurns"`
}

// IsTwoPhase reports the effective two-phase setting.
func (s Stage) IsTwoPhase() bool {
	return s.TwoPhase == nil || *s.TwoPhase
}

// Transition moves the conversation from one stage to another.
type Transition struct {
	// From is a stage ID, or Wildcard to match any stage.
	From string `yaml:"from"`

	// To is the target stage ID.
	To string `yaml:"to"`

	// Condition selects the trigger semantics.
	Condition ConditionType `yaml:"condition"`

	// Keywords is the match set for ConditionKeyword.
	Keywords []string `yaml:"keywords"`

	// Priority orders candidate transitions; higher wins. Ties resolve by
	// declaration order.
	Priority int `yaml:"priority"`
}

// Playbook is the static stage/transition configuration for a session.
type Playbook struct {
	// Initial is the stage active at session start.
	Initial string `yaml:"initial"`

	Stages      []Stage      `yaml:"stages"`
	Transitions []Transition `yaml:"transitions"`
}

// Parse decodes a YAML playbook, rejecting unknown fields, and validates it.
func Parse(data []byte) (*Playbook, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("playbook: parse: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Load reads and parses a playbook YAML file.
func Load(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks structural invariants: a present initial stage, unique
// stage IDs, transitions whose endpoints exist, and keyword transitions
// with a non-empty keyword set.
func (p *Playbook) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("playbook: no stages defined")
	}

	ids := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("playbook: stage with empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("playbook: duplicate stage id %q", s.ID)
		}
		if s.MaxTurns < 0 {
			return fmt.Errorf("playbook: stage %q: negative maxTurns", s.ID)
		}
		ids[s.ID] = true
	}

	if p.Initial == "" {
		return fmt.Errorf("playbook: initial stage not set")
	}
	if !ids[p.Initial] {
		return fmt.Errorf("playbook: initial stage %q does not exist", p.Initial)
	}

	for i, t := range p.Transitions {
		if t.From != Wildcard && !ids[t.From] {
			return fmt.Errorf("playbook: transition %d: unknown source stage %q", i, t.From)
		}
		if !ids[t.To] {
			return fmt.Errorf("playbook: transition %d: unknown target stage %q", i, t.To)
		}
		switch t.Condition {
		case ConditionKeyword:
			if len(t.Keywords) == 0 {
				return fmt.Errorf("playbook: transition %d: keyword condition without keywords", i)
			}
		case ConditionLLMDecision, ConditionToolResult, ConditionMaxTurns:
		default:
			return fmt.Errorf("playbook: transition %d: unknown condition %q", i, t.Condition)
		}
	}
	return nil
}

// StageByID returns the stage with the given ID, or false.
func (p *Playbook) StageByID(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// candidates returns the transitions applicable from the given stage,
// ordered by priority (higher first) with declaration order breaking ties.
func (p *Playbook) candidates(stageID string) []Transition {
	var out []Transition
	for _, t := range p.Transitions {
		if t.From == stageID || t.From == Wildcard {
			out = append(out, t)
		}
	}
	// Insertion sort keeps the declaration order of equal priorities.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
