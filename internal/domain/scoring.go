package domain

// ScoringConfig gathers every threshold and weight used by search and routing.
type ScoringConfig struct {
	Alpha          float64 `json:"alpha"`          // lexical share of the fused score
	AmbiguityDelta float64 `json:"ambiguityDelta"` // min gap between top two fused scores
	CosineFloor    float64 `json:"cosineFloor"`    // min raw semantic similarity of the top result
	FusedFloor     float64 `json:"fusedFloor"`     // min fused score of the top result
	Decay          float64 `json:"decay"`          // context recency weight
	MaxHistory     int     `json:"maxHistory"`     // context window size
	TopK           int     `json:"topK"`
	TopN           int     `json:"topN"`
	QueryWeight    float64 `json:"queryWeight"`
	ContextWeight  float64 `json:"contextWeight"`
}

func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Alpha:          0.25,
		AmbiguityDelta: 0.05,
		CosineFloor:    0.80,
		FusedFloor:     0.55,
		Decay:          0.8,
		MaxHistory:     5,
		TopK:           3,
		TopN:           1,
		QueryWeight:    0.7,
		ContextWeight:  0.3,
	}
}

// ScoredResult is one ranked candidate for a query.
type ScoredResult struct {
	EntryID  string  `json:"id"`
	Title    string  `json:"title"`
	Lexical  float64 `json:"score_bm25"`
	Semantic float64 `json:"score_cosine"`
	Fused    float64 `json:"score_hybrid"`
	// SemanticOK is false when the embedding provider failed and the
	// ranking is lexical only.
	SemanticOK bool `json:"semantic_ok"`
}

// Outcome is the router state reached for a query.
type Outcome string

const (
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeAmbiguous     Outcome = "ambiguous"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeConfident     Outcome = "confident"
)

// Action is what the chat layer should do with a decision.
type Action string

const (
	ActionAnswer   Action = "answer"
	ActionClarify  Action = "clarify"
	ActionEscalate Action = "escalate"
)

// RoutingDecision is the router verdict plus the ranking it was based on.
type RoutingDecision struct {
	Outcome Outcome        `json:"outcome"`
	EntryID string         `json:"entry_id,omitempty"`
	Solved  bool           `json:"solved"`
	Results []ScoredResult `json:"results,omitempty"`
}

func (d RoutingDecision) Action() Action {
	switch d.Outcome {
	case OutcomeConfident:
		return ActionAnswer
	case OutcomeAmbiguous:
		return ActionClarify
	default:
		return ActionEscalate
	}
}
