// Package textnorm canonicalizes raw support queries before scoring: case and
// punctuation cleanup, informal phrase expansion, and typo correction against
// the knowledge-base vocabulary.
package textnorm

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

const (
	// MinCorrectableLen is the shortest token (in runes) considered for spell correction.
	MinCorrectableLen = 5
	// CorrectionThreshold is the similarity (0-100) a vocabulary word must exceed to replace a token.
	CorrectionThreshold = 85.0
)

// stripPattern matches everything outside word characters, whitespace and
// the accented letters used in Spanish.
var stripPattern = regexp.MustCompile(`[^\w\sáéíóúñü]`)

// informalPhrases maps colloquial complaints to the vocabulary used in the
// knowledge base. Order is fixed so expansion output is deterministic.
var informalPhrases = []struct {
	informal string
	formal   string
}{
	{"no va", "no funciona"},
	{"no tira", "no funciona"},
	{"no conecta", "problema de conexión"},
	{"da error", "error"},
	{"no abre", "no abre aplicación"},
	{"se queda pillado", "aplicación bloqueada"},
}

// coreTerms gate the knowledge base: a query mentioning none of them is chit-chat.
var coreTerms = []string{
	"impresora", "vpn", "correo", "email", "red", "servidor",
	"usuario", "acceso", "error", "configuración", "conexión",
	"aplicación", "sistema", "ordenador", "pc",
}

// protectedTokens are produced by expansion and never spell-corrected.
var protectedTokens = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, p := range informalPhrases {
		for _, tok := range strings.Fields(p.formal) {
			m[tok] = struct{}{}
		}
	}
	return m
}()

// Normalizer holds the vocabulary of one corpus build. It is immutable and
// safe for concurrent use.
type Normalizer struct {
	vocab    []string
	vocabSet map[string]struct{}
}

// New creates a Normalizer for the given vocabulary. Words are cleaned and
// deduplicated; an empty vocabulary disables spell correction.
func New(vocab []string) *Normalizer {
	set := make(map[string]struct{}, len(vocab))
	for _, w := range vocab {
		for _, tok := range strings.Fields(Clean(w)) {
			set[tok] = struct{}{}
		}
	}
	words := make([]string, 0, len(set))
	for w := range set {
		words = append(words, w)
	}
	sort.Strings(words)
	return &Normalizer{vocab: words, vocabSet: set}
}

// VocabularySize returns the number of distinct correction targets.
func (n *Normalizer) VocabularySize() int { return len(n.vocab) }

// Clean lowercases, strips punctuation and collapses whitespace.
func Clean(raw string) string {
	s := norm.NFC.String(raw)
	s = strings.ToLower(s)
	s = stripPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Normalize returns the canonical form of raw. Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	s := Clean(raw)
	if s == "" {
		return ""
	}
	// A correction can complete an informal phrase, so expand and correct
	// until nothing changes. Each phrase is appended at most once.
	for range len(informalPhrases) + 2 {
		next := n.spellcheck(Expand(s))
		if next == s {
			break
		}
		s = next
	}
	return s
}

// Expand appends the formal phrase for every informal phrase found in s.
// Phrases already present are not repeated.
func Expand(s string) string {
	var extra []string
	for _, p := range informalPhrases {
		if !strings.Contains(s, p.informal) || strings.Contains(s, p.formal) {
			continue
		}
		dup := false
		for _, e := range extra {
			if e == p.formal {
				dup = true
				break
			}
		}
		if !dup {
			extra = append(extra, p.formal)
		}
	}
	if len(extra) == 0 {
		return s
	}
	return s + " " + strings.Join(extra, " ")
}

func (n *Normalizer) spellcheck(s string) string {
	if len(n.vocab) == 0 {
		return s
	}
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		tokens[i] = n.Correct(tok)
	}
	return strings.Join(tokens, " ")
}

// Correct returns the closest vocabulary word for tok, or tok itself when no
// word is similar enough. Short, protected and known tokens are returned as is.
func (n *Normalizer) Correct(tok string) string {
	if utf8.RuneCountInString(tok) < MinCorrectableLen {
		return tok
	}
	if _, ok := protectedTokens[tok]; ok {
		return tok
	}
	if _, ok := n.vocabSet[tok]; ok {
		return tok
	}
	best, bestScore := tok, 0.0
	for _, w := range n.vocab {
		if score := Ratio(tok, w); score > bestScore {
			best, bestScore = w, score
		}
	}
	if bestScore > CorrectionThreshold {
		return best
	}
	return tok
}

// Ratio is a 0-100 similarity score based on rune edit distance.
func Ratio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// OutOfDomain reports whether a normalized query mentions no core technical term.
func OutOfDomain(normalized string) bool {
	if normalized == "" {
		return true
	}
	for _, term := range coreTerms {
		if strings.Contains(normalized, term) {
			return false
		}
	}
	return true
}
