package router

import (
	"strings"
	"testing"

	"supportbot/internal/domain"
)

func result(id string, cos, fused float64) domain.ScoredResult {
	return domain.ScoredResult{EntryID: id, Semantic: cos, Fused: fused, SemanticOK: true}
}

func TestDecide_NoResults(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide(nil, false)
	if d.Outcome != domain.OutcomeNoMatch || d.Solved {
		t.Fatalf("expected unsolved NoMatch, got %+v", d)
	}
	if d.Action() != domain.ActionEscalate {
		t.Fatalf("expected escalate, got %s", d.Action())
	}
}

func TestDecide_OutOfDomainWins(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("1", 0.99, 0.99)}, true)
	if d.Outcome != domain.OutcomeNoMatch {
		t.Fatalf("expected NoMatch, got %s", d.Outcome)
	}
}

func TestDecide_Ambiguous(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("1", 0.9, 0.90), result("2", 0.9, 0.87)}, false)
	if d.Outcome != domain.OutcomeAmbiguous {
		t.Fatalf("expected Ambiguous, got %s", d.Outcome)
	}
	if !d.Solved {
		t.Fatal("ambiguous decisions keep the conversation open")
	}
	if d.Action() != domain.ActionClarify {
		t.Fatalf("expected clarify, got %s", d.Action())
	}
}

func TestDecide_AmbiguityCheckedBeforeFloors(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("1", 0.2, 0.30), result("2", 0.2, 0.29)}, false)
	if d.Outcome != domain.OutcomeAmbiguous {
		t.Fatalf("expected Ambiguous, got %s", d.Outcome)
	}
}

func TestDecide_LowConfidenceOnFused(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("1", 0.95, 0.40), result("2", 0.5, 0.10)}, false)
	if d.Outcome != domain.OutcomeLowConfidence || d.Solved {
		t.Fatalf("expected unsolved LowConfidence, got %+v", d)
	}
}

func TestDecide_LowConfidenceOnCosine(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("1", 0.79, 0.95)}, false)
	if d.Outcome != domain.OutcomeLowConfidence {
		t.Fatalf("expected LowConfidence, got %s", d.Outcome)
	}
}

func TestDecide_LowConfidenceWithoutSemantic(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	top := result("1", 0.99, 1.0)
	top.SemanticOK = false
	d := r.Decide([]domain.ScoredResult{top}, false)
	if d.Outcome != domain.OutcomeLowConfidence {
		t.Fatalf("expected LowConfidence for lexical-only ranking, got %s", d.Outcome)
	}
}

func TestDecide_Confident(t *testing.T) {
	r := New(domain.DefaultScoringConfig())
	d := r.Decide([]domain.ScoredResult{result("vpn", 0.91, 0.93), result("mail", 0.4, 0.3)}, false)
	if d.Outcome != domain.OutcomeConfident || !d.Solved || d.EntryID != "vpn" {
		t.Fatalf("expected Confident on vpn, got %+v", d)
	}
	if d.Action() != domain.ActionAnswer {
		t.Fatalf("expected answer, got %s", d.Action())
	}
}

func TestRender_Confident(t *testing.T) {
	entry := &domain.KnowledgeEntry{
		ID:               "vpn",
		Title:            "VPN no conecta",
		InitialQuestions: []string{"¿Desde casa?"},
		DiagnosticSteps: []domain.DiagnosticStep{
			{Title: "Reinicia el cliente", Instruction: "Cierra y abre la aplicación VPN."},
			{Instruction: "Comprueba tu conexión."},
		},
		EscalationCriteria: "Si persiste tras reiniciar",
	}
	text := Render(domain.RoutingDecision{Outcome: domain.OutcomeConfident, EntryID: "vpn"}, entry)
	for _, want := range []string{
		"**VPN no conecta**",
		"**Preguntas iniciales:**\n- ¿Desde casa?",
		"**Paso 1: Reinicia el cliente**\nCierra y abre la aplicación VPN.",
		"**Paso 2:**\nComprueba tu conexión.",
		"Si persiste tras reiniciar",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in:\n%s", want, text)
		}
	}
	if !strings.HasSuffix(text, "¿El problema quedó resuelto?") {
		t.Fatalf("expected closing question, got:\n%s", text)
	}
}

func TestRender_Escalations(t *testing.T) {
	cases := map[domain.Outcome]string{
		domain.OutcomeNoMatch:       "solución clara",
		domain.OutcomeLowConfidence: "suficientemente relacionada",
		domain.OutcomeAmbiguous:     "más de contexto",
	}
	for outcome, want := range cases {
		text := Render(domain.RoutingDecision{Outcome: outcome}, nil)
		if !strings.Contains(text, want) {
			t.Fatalf("%s: expected %q in %q", outcome, want, text)
		}
	}
	if text := Render(domain.RoutingDecision{Outcome: domain.OutcomeConfident}, nil); text != msgMissingEntry {
		t.Fatalf("expected missing-entry text, got %q", text)
	}
}

func TestRenderEntry_NoSteps(t *testing.T) {
	text := RenderEntry(domain.KnowledgeEntry{Title: "Correo"})
	if !strings.Contains(text, msgNoSteps) {
		t.Fatalf("expected no-steps notice, got %q", text)
	}
}
