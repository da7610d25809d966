package eval

import (
	"fmt"
	"io"
)

// Confusion counts decisions with "solved" as the positive class.
type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TN int `json:"tn"`
}

// Summary aggregates a run.
type Summary struct {
	Total         int       `json:"total"`
	MeanLatencyMS float64   `json:"latency_ms"`
	Accuracy      float64   `json:"accuracy"`
	TicketRate    float64   `json:"ticket_rate"`
	ErrorRate     float64   `json:"error_rate"`
	Confusion     Confusion `json:"confusion_matrix"`
	FPR           float64   `json:"fpr"`
	FNR           float64   `json:"fnr"`
}

// Analyze computes the summary. Errored queries count as predicted "ticket".
func Analyze(results []Result) Summary {
	s := Summary{Total: len(results)}
	if s.Total == 0 {
		return s
	}

	var latency float64
	var errs, tickets int
	for _, r := range results {
		latency += r.LatencyMS
		if r.Error {
			errs++
		}
		if r.Ticket {
			tickets++
		}
		predictedSolved := r.Solved && !r.Error
		switch {
		case r.Expected == ExpectSolved && predictedSolved:
			s.Confusion.TP++
		case r.Expected == ExpectTicket && predictedSolved:
			s.Confusion.FP++
		case r.Expected == ExpectSolved:
			s.Confusion.FN++
		case r.Expected == ExpectTicket:
			s.Confusion.TN++
		}
	}

	n := float64(s.Total)
	s.MeanLatencyMS = latency / n
	s.ErrorRate = float64(errs) / n
	s.TicketRate = float64(tickets) / n
	s.Accuracy = float64(s.Confusion.TP+s.Confusion.TN) / n
	s.FPR = ratio(s.Confusion.FP, s.Confusion.FP+s.Confusion.TN)
	s.FNR = ratio(s.Confusion.FN, s.Confusion.FN+s.Confusion.TP)
	return s
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Print writes a human-readable report.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Queries:        %d\n", s.Total)
	fmt.Fprintf(w, "Mean latency:   %.2f ms\n", s.MeanLatencyMS)
	fmt.Fprintf(w, "Accuracy:       %.1f%%\n", s.Accuracy*100)
	fmt.Fprintf(w, "Ticket rate:    %.1f%%\n", s.TicketRate*100)
	fmt.Fprintf(w, "Error rate:     %.1f%%\n", s.ErrorRate*100)
	fmt.Fprintf(w, "Confusion:      TP: %d | FP: %d | FN: %d | TN: %d\n",
		s.Confusion.TP, s.Confusion.FP, s.Confusion.FN, s.Confusion.TN)
	fmt.Fprintf(w, "False positive: %.1f%%\n", s.FPR*100)
	fmt.Fprintf(w, "False negative: %.1f%%\n", s.FNR*100)
}
