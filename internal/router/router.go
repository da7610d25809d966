// Package router turns a ranked result list into a routing decision and
// renders the decision for the user.
package router

import (
	"fmt"
	"math"
	"strings"

	"supportbot/internal/domain"
)

const (
	msgNoMatch = "No he encontrado una solución clara en la base de conocimiento. " +
		"¿Quieres que creemos un ticket para que soporte técnico lo revise?"
	msgLowConfidence = "No he encontrado una solución suficientemente relacionada con tu consulta. " +
		"¿Quieres que creemos un ticket para que soporte técnico lo revise?"
	msgAmbiguous = "Tu consulta puede referirse a varios problemas distintos. " +
		"¿Podrías darme un poco más de contexto para ayudarte mejor?"
	msgMissingEntry = "He encontrado una coincidencia, pero no puedo cargar los detalles " +
		"de la guía en la base de conocimiento."
	msgNoSteps  = "Esta incidencia no tiene pasos detallados en la guía."
	msgResolved = "¿El problema quedó resuelto?"
)

// Router applies the confidence thresholds of a ScoringConfig.
type Router struct {
	cfg domain.ScoringConfig
}

func New(cfg domain.ScoringConfig) *Router {
	return &Router{cfg: cfg}
}

// Decide runs the checks in order: no match, ambiguity between the top two,
// confidence floors, then confident. results must be ranked by fused score.
func (r *Router) Decide(results []domain.ScoredResult, outOfDomain bool) domain.RoutingDecision {
	d := domain.RoutingDecision{Results: results}
	if outOfDomain || len(results) == 0 {
		d.Outcome = domain.OutcomeNoMatch
		return d
	}
	if len(results) >= 2 && math.Abs(results[0].Fused-results[1].Fused) < r.cfg.AmbiguityDelta {
		d.Outcome = domain.OutcomeAmbiguous
		d.Solved = true
		return d
	}
	top := results[0]
	if !top.SemanticOK || top.Semantic < r.cfg.CosineFloor || top.Fused < r.cfg.FusedFloor {
		d.Outcome = domain.OutcomeLowConfidence
		return d
	}
	d.Outcome = domain.OutcomeConfident
	d.EntryID = top.EntryID
	d.Solved = true
	return d
}

// Render produces the chat reply for a decision. entry is the knowledge
// entry of a Confident decision and is ignored otherwise.
func Render(d domain.RoutingDecision, entry *domain.KnowledgeEntry) string {
	switch d.Outcome {
	case domain.OutcomeAmbiguous:
		return msgAmbiguous
	case domain.OutcomeLowConfidence:
		return msgLowConfidence
	case domain.OutcomeConfident:
		if entry == nil {
			return msgMissingEntry
		}
		return RenderEntry(*entry)
	default:
		return msgNoMatch
	}
}

// RenderEntry formats the full resolution guide of an entry.
func RenderEntry(e domain.KnowledgeEntry) string {
	var b strings.Builder
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "(Sin título)"
	}
	fmt.Fprintf(&b, "**%s**\n\n", title)

	if len(e.InitialQuestions) > 0 {
		b.WriteString("**Preguntas iniciales:**\n")
		for _, q := range e.InitialQuestions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("\n")
	}

	if len(e.DiagnosticSteps) > 0 {
		b.WriteString("**Pasos para resolver la incidencia:**\n\n")
		for i, step := range e.DiagnosticSteps {
			if t := strings.TrimSpace(step.Title); t != "" {
				fmt.Fprintf(&b, "**Paso %d: %s**\n", i+1, t)
			} else {
				fmt.Fprintf(&b, "**Paso %d:**\n", i+1)
			}
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(step.Instruction))
		}
	} else {
		b.WriteString(msgNoSteps + "\n\n")
	}

	if c := strings.TrimSpace(e.EscalationCriteria); c != "" {
		fmt.Fprintf(&b, "_Si no se resuelve: %s_\n\n", c)
	}
	b.WriteString(msgResolved)
	return b.String()
}
