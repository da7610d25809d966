// Package kb reads and edits the knowledge-base file and watches it for changes.
package kb

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"supportbot/internal/domain"
)

// entryID accepts both numeric and string ids and writes them back the way
// they were read.
type entryID struct {
	value   string
	numeric bool
}

func (id *entryID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed != "" && trimmed[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or a number: %s", data)
		}
		id.value, id.numeric = n.String(), true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id must be a string or a number: %s", data)
	}
	id.value, id.numeric = s, false
	return nil
}

func (id entryID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *entryID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: id must be a scalar", node.Line)
	}
	id.value = node.Value
	id.numeric = node.ShortTag() == "!!int"
	return nil
}

func (id entryID) MarshalYAML() (any, error) {
	if id.numeric {
		if n, err := strconv.ParseInt(id.value, 10, 64); err == nil {
			return n, nil
		}
	}
	return id.value, nil
}

type rawStep struct {
	StepNumber     int    `json:"step_number,omitempty" yaml:"step_number,omitempty"`
	Title          string `json:"title" yaml:"title"`
	LLMInstruction string `json:"llm_instruction,omitempty" yaml:"llm_instruction,omitempty"`
	UserAction     string `json:"user_action" yaml:"user_action"`
}

type rawGuide struct {
	InitialQuestions []string  `json:"initial_questions,omitempty" yaml:"initial_questions,omitempty"`
	DiagnosticSteps  []rawStep `json:"diagnostic_steps,omitempty" yaml:"diagnostic_steps,omitempty"`
}

// rawEntry is one record of the knowledge-base file.
type rawEntry struct {
	ID                 entryID  `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description_problem" yaml:"description_problem"`
	Symptoms           []string `json:"symptoms,omitempty" yaml:"symptoms,omitempty"`
	QuestionsLLM       []string `json:"questions_llm,omitempty" yaml:"questions_llm,omitempty"`
	Guide              rawGuide `json:"resolution_guide_llm" yaml:"resolution_guide_llm"`
	EscalationCriteria string   `json:"escalation_criteria,omitempty" yaml:"escalation_criteria,omitempty"`
	Keywords           []string `json:"keywords_tags,omitempty" yaml:"keywords_tags,omitempty"`
}

func (r rawEntry) toDomain() domain.KnowledgeEntry {
	questions := r.Guide.InitialQuestions
	if len(questions) == 0 {
		questions = r.QuestionsLLM
	}
	steps := make([]domain.DiagnosticStep, 0, len(r.Guide.DiagnosticSteps))
	for _, s := range r.Guide.DiagnosticSteps {
		steps = append(steps, domain.DiagnosticStep{
			Title:       strings.TrimSpace(s.Title),
			Instruction: strings.TrimSpace(s.UserAction),
		})
	}
	return domain.KnowledgeEntry{
		ID:                 strings.TrimSpace(r.ID.value),
		Title:              r.Title,
		Description:        r.Description,
		Symptoms:           r.Symptoms,
		Keywords:           r.Keywords,
		InitialQuestions:   questions,
		DiagnosticSteps:    steps,
		EscalationCriteria: r.EscalationCriteria,
	}
}

func fromDomain(e domain.KnowledgeEntry) rawEntry {
	steps := make([]rawStep, 0, len(e.DiagnosticSteps))
	for i, s := range e.DiagnosticSteps {
		steps = append(steps, rawStep{StepNumber: i + 1, Title: s.Title, UserAction: s.Instruction})
	}
	_, err := strconv.ParseInt(e.ID, 10, 64)
	return rawEntry{
		ID:          entryID{value: e.ID, numeric: err == nil},
		Title:       e.Title,
		Description: e.Description,
		Symptoms:    e.Symptoms,
		Guide: rawGuide{
			InitialQuestions: e.InitialQuestions,
			DiagnosticSteps:  steps,
		},
		EscalationCriteria: e.EscalationCriteria,
		Keywords:           e.Keywords,
	}
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func decode(path string, data []byte) ([]rawEntry, error) {
	var raws []rawEntry
	if len(strings.TrimSpace(string(data))) == 0 {
		return raws, nil
	}
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return raws, nil
	}
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return raws, nil
}

func encode(path string, raws []rawEntry) ([]byte, error) {
	if raws == nil {
		raws = []rawEntry{}
	}
	if isYAML(path) {
		return yaml.Marshal(raws)
	}
	return json.MarshalIndent(raws, "", "    ")
}

// ParseEntries reads entries in the knowledge-base file format. A single
// object is accepted as well as a list; the format follows path's extension.
func ParseEntries(path string, data []byte) ([]domain.KnowledgeEntry, error) {
	trimmed := strings.TrimSpace(string(data))
	var raws []rawEntry
	switch {
	case trimmed == "":
	case isYAML(path) && !strings.HasPrefix(trimmed, "-"),
		!isYAML(path) && strings.HasPrefix(trimmed, "{"):
		var one rawEntry
		var err error
		if isYAML(path) {
			err = yaml.Unmarshal(data, &one)
		} else {
			err = json.Unmarshal(data, &one)
		}
		if err != nil {
			return nil, fmt.Errorf("parse entry: %w", err)
		}
		raws = []rawEntry{one}
	default:
		var err error
		if raws, err = decode(path, data); err != nil {
			return nil, err
		}
	}
	out := make([]domain.KnowledgeEntry, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toDomain())
	}
	return out, nil
}
