package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutcomesCounter(t *testing.T) {
	before := testutil.ToFloat64(OutcomesTotal.WithLabelValues("confident"))
	OutcomesTotal.WithLabelValues("confident").Inc()
	if got := testutil.ToFloat64(OutcomesTotal.WithLabelValues("confident")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	CorpusEntries.Set(42)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{"supportbot_corpus_entries 42", "supportbot_uptime_seconds"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
