// Package ticket turns a conversation into an escalation ticket and hands it
// to the configured sinks.
package ticket

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"supportbot/internal/domain"
)

const (
	DefaultTitle      = "Incidencia reportada por usuario"
	MaxSummaryLength  = 1500
	summaryLinePrefix = "- "
)

// Builder assembles tickets from persisted chat turns.
type Builder struct {
	Title string
	now   func() time.Time
	newID func() string
}

func NewBuilder() *Builder {
	return &Builder{
		Title: DefaultTitle,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Build summarizes the user's own messages, one "- msg" line each, cut to
// MaxSummaryLength runes. Assistant turns are left out.
func (b *Builder) Build(userKey string, history []domain.MessageRecord) domain.Ticket {
	var sb strings.Builder
	for _, m := range history {
		if m.Role != "user" {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" || strings.HasPrefix(content, "/") {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(summaryLinePrefix)
		sb.WriteString(content)
	}
	return domain.Ticket{
		ID:        b.newID(),
		UserKey:   userKey,
		Title:     b.Title,
		Summary:   truncateRunes(sb.String(), MaxSummaryLength),
		CreatedAt: b.now(),
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
