package kb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"supportbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const sampleJSON = `[
  {
    "id": 1,
    "title": "VPN no conecta",
    "description_problem": "La VPN no establece conexión",
    "symptoms": ["timeout"],
    "resolution_guide_llm": {
      "initial_questions": ["¿Desde casa?"],
      "diagnostic_steps": [
        {"step_number": 1, "title": "Paso 1", "llm_instruction": "", "user_action": "Reinicia el cliente"}
      ]
    },
    "escalation_criteria": "Si persiste",
    "keywords_tags": ["vpn"]
  },
  {
    "id": "INC_mail",
    "title": "Correo",
    "description_problem": "No llegan correos",
    "questions_llm": ["¿Outlook o web?"],
    "resolution_guide_llm": {}
  }
]`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestEntries_JSON(t *testing.T) {
	src := NewFileSource(writeFile(t, "kb.json", sampleJSON), testLogger())
	entries, err := src.Entries(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	vpn := entries[0]
	if vpn.ID != "1" {
		t.Fatalf("expected numeric id as \"1\", got %q", vpn.ID)
	}
	if len(vpn.DiagnosticSteps) != 1 || vpn.DiagnosticSteps[0].Instruction != "Reinicia el cliente" {
		t.Fatalf("unexpected steps: %+v", vpn.DiagnosticSteps)
	}
	if len(vpn.InitialQuestions) != 1 || vpn.InitialQuestions[0] != "¿Desde casa?" {
		t.Fatalf("unexpected questions: %v", vpn.InitialQuestions)
	}
	if entries[1].ID != "INC_mail" || entries[1].InitialQuestions[0] != "¿Outlook o web?" {
		t.Fatalf("expected questions_llm fallback, got %+v", entries[1])
	}
}

func TestEntries_YAML(t *testing.T) {
	yml := `
- id: 7
  title: Impresora
  description_problem: No imprime
  keywords_tags: [impresora]
  resolution_guide_llm:
    diagnostic_steps:
      - title: Cola
        user_action: Vacía la cola de impresión
`
	src := NewFileSource(writeFile(t, "kb.yaml", yml), testLogger())
	entries, err := src.Entries(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "7" || entries[0].DiagnosticSteps[0].Title != "Cola" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEntries_MissingFileIsEmpty(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "none.json"), testLogger())
	entries, err := src.Entries(context.Background())
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty kb, got %v, %v", entries, err)
	}
}

func TestEntries_CorruptFile(t *testing.T) {
	src := NewFileSource(writeFile(t, "kb.json", "{not json"), testLogger())
	if _, err := src.Entries(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAddAndDelete(t *testing.T) {
	path := writeFile(t, "kb.json", sampleJSON)
	src := NewFileSource(path, testLogger())
	ctx := context.Background()

	replaced, err := src.Add(ctx, domain.KnowledgeEntry{ID: "INC_new", Title: "Nuevo", Description: "Algo falla"})
	if err != nil || replaced {
		t.Fatalf("expected new entry, got replaced=%v err=%v", replaced, err)
	}
	replaced, err = src.Add(ctx, domain.KnowledgeEntry{ID: "1", Title: "VPN caída", Description: "Sin VPN"})
	if err != nil || !replaced {
		t.Fatalf("expected replacement, got replaced=%v err=%v", replaced, err)
	}

	entries, _ := src.Entries(ctx)
	if len(entries) != 3 || entries[0].Title != "VPN caída" || entries[2].ID != "INC_new" {
		t.Fatalf("unexpected entries after add: %+v", entries)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"id": 1,`) {
		t.Fatalf("expected numeric id to stay numeric:\n%s", data)
	}

	found, err := src.Delete(ctx, "INC_mail")
	if err != nil || !found {
		t.Fatalf("expected delete, got found=%v err=%v", found, err)
	}
	found, _ = src.Delete(ctx, "INC_mail")
	if found {
		t.Fatal("second delete should report not found")
	}
	entries, _ = src.Entries(ctx)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestAdd_RejectsMalformed(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "kb.json"), testLogger())
	_, err := src.Add(context.Background(), domain.KnowledgeEntry{ID: "x"})
	if !errors.Is(err, domain.ErrMalformedEntry) {
		t.Fatalf("expected ErrMalformedEntry, got %v", err)
	}
}

func TestParseEntries_SingleAndList(t *testing.T) {
	one, err := ParseEntries("entry.json", []byte(`{"id": 7, "title": "Impresora", "description_problem": "No imprime"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(one) != 1 || one[0].ID != "7" || one[0].Title != "Impresora" {
		t.Fatalf("unexpected entries %+v", one)
	}

	list, err := ParseEntries("kb.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}

	y, err := ParseEntries("entry.yaml", []byte("id: INC_x\ntitle: Wifi\ndescription_problem: Sin red\n"))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if len(y) != 1 || y[0].ID != "INC_x" {
		t.Fatalf("unexpected yaml entries %+v", y)
	}

	if _, err := ParseEntries("entry.json", []byte(`{"id":`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcher_FiresOnWrite(t *testing.T) {
	path := writeFile(t, "kb.json", sampleJSON)
	var fired atomic.Int32
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func(context.Context) { fired.Add(1) },
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	src := NewFileSource(path, testLogger())
	if _, err := src.Add(ctx, domain.KnowledgeEntry{ID: "9", Title: "Red", Description: "Sin red"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("expected change callback")
	}
}
