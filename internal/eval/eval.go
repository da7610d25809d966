// Package eval replays a labelled query set through the router and reports
// how often it answered when it should have, and escalated when it should have.
package eval

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"supportbot/internal/domain"
)

const (
	ExpectSolved = "solved"
	ExpectTicket = "ticket"
)

// Router is the part of the engine the benchmark drives.
type Router interface {
	Route(ctx context.Context, query string) (domain.RoutingDecision, error)
}

// Query is one labelled benchmark row.
type Query struct {
	ID       string
	Query    string
	Expected string
}

// Result is one line of the JSONL output.
type Result struct {
	ID        string  `json:"id"`
	Query     string  `json:"query"`
	Expected  string  `json:"expected"`
	LatencyMS float64 `json:"latency_ms"`
	Solved    bool    `json:"solved"`
	Ticket    bool    `json:"ticket"`
	Outcome   string  `json:"outcome,omitempty"`
	EntryID   string  `json:"entry_id,omitempty"`
	Error     bool    `json:"error"`
	Response  string  `json:"response,omitempty"`
}

// LoadQueries reads a CSV with an id,query,expected header. Column order is
// taken from the header; extra columns are ignored.
func LoadQueries(r io.Reader) ([]Query, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range []string{"id", "query", "expected"} {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var out []Query
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(name string) string {
			if i := col[name]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		q := Query{ID: get("id"), Query: get("query"), Expected: strings.ToLower(get("expected"))}
		if q.Expected != ExpectSolved && q.Expected != ExpectTicket {
			return nil, fmt.Errorf("line %d: expected must be %q or %q, got %q", line, ExpectSolved, ExpectTicket, q.Expected)
		}
		out = append(out, q)
	}
	return out, nil
}

// Options tunes a benchmark run.
type Options struct {
	// Concurrency is the number of queries in flight (default 1, which keeps
	// latencies comparable between runs).
	Concurrency int
	// Timeout bounds each query (default 30s).
	Timeout time.Duration
	// OnResult, when set, is called after each query completes.
	OnResult func(Result)
}

// Run routes every query and returns results in input order. A failing query
// is recorded as an error result; Run itself only fails when ctx is done.
func Run(ctx context.Context, r Router, queries []Query, opts Options) ([]Result, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	results := make([]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = runOne(gctx, r, q, opts.Timeout)
			if opts.OnResult != nil {
				opts.OnResult(results[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runOne(ctx context.Context, r Router, q Query, timeout time.Duration) Result {
	res := Result{ID: q.ID, Query: q.Query, Expected: q.Expected}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	d, err := r.Route(qctx, q.Query)
	res.LatencyMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		res.Error = true
		res.Response = err.Error()
		return res
	}
	res.Solved = d.Solved
	res.Ticket = d.Action() == domain.ActionEscalate
	res.Outcome = string(d.Outcome)
	res.EntryID = d.EntryID
	return res
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, results []Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// ReadJSONL reads results written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]Result, error) {
	var out []Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, res)
	}
	return out, sc.Err()
}
