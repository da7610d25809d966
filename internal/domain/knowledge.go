package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// DiagnosticStep is one numbered step of an entry's resolution guide.
type DiagnosticStep struct {
	Title       string `json:"title" yaml:"title"`
	Instruction string `json:"user_action" yaml:"user_action"`
}

// KnowledgeEntry is a curated support article. It is immutable once loaded;
// edits replace the whole knowledge base.
type KnowledgeEntry struct {
	ID                 string           `json:"id" validate:"required"`
	Title              string           `json:"title" validate:"required"`
	Description        string           `json:"description_problem" validate:"required"`
	Symptoms           []string         `json:"symptoms,omitempty"`
	Keywords           []string         `json:"keywords_tags,omitempty"`
	InitialQuestions   []string         `json:"questions_llm,omitempty"`
	DiagnosticSteps    []DiagnosticStep `json:"diagnostic_steps,omitempty" validate:"dive"`
	EscalationCriteria string           `json:"escalation_criteria,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate reports a MalformedEntry error when a required field is missing.
func (e KnowledgeEntry) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	if err := validate.Struct(e); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return fmt.Errorf("%w: entry %q missing %s", ErrMalformedEntry, e.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if strings.TrimSpace(e.Title) == "" || strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entry %q has blank id or title", ErrMalformedEntry, e.ID)
	}
	return nil
}

// EntrySource supplies the current full knowledge base in order.
type EntrySource interface {
	Entries(ctx context.Context) ([]KnowledgeEntry, error)
}

// IncidentLog remembers which entries already answered a user.
type IncidentLog interface {
	RecordIncident(ctx context.Context, userKey, entryID string) error
	ListIncidents(ctx context.Context, userKey string) ([]string, error)
}
