// Package corpus turns knowledge entries into the weighted composite texts,
// token lists and vocabulary that the scorers work on.
package corpus

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"supportbot/internal/domain"
	"supportbot/internal/textnorm"
)

// FieldWeights biases term frequency toward the more descriptive fields.
// A field is repeated round(weight) times, at least once.
type FieldWeights struct {
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
	Symptoms    float64 `json:"symptoms"`
	Tags        float64 `json:"tags"`
	Diagnostics float64 `json:"diagnostics"`
	Escalation  float64 `json:"escalation"`
}

func DefaultFieldWeights() FieldWeights {
	return FieldWeights{
		Title:       2.0,
		Description: 1.5,
		Symptoms:    1.2,
		Tags:        1.2,
		Diagnostics: 1.5,
		Escalation:  1.0,
	}
}

// Corpus is the text side of a knowledge-base build. All slices share the
// same length and index alignment.
type Corpus struct {
	Entries    []domain.KnowledgeEntry
	Texts      []string
	Tokens     [][]string
	Vocabulary []string

	index map[string]int
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Tokenize extracts word-character runs. Case is expected to be normalized already.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// Build composes every valid entry in input order. Malformed or duplicate
// entries are left out and reported; they never fail the build.
func Build(entries []domain.KnowledgeEntry, w FieldWeights) (*Corpus, []error) {
	c := &Corpus{
		Entries: make([]domain.KnowledgeEntry, 0, len(entries)),
		Texts:   make([]string, 0, len(entries)),
		Tokens:  make([][]string, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	var errs []error
	vocab := make(map[string]struct{})
	var vocabList []string
	addVocab := func(s string) {
		for _, tok := range Tokenize(textnorm.Clean(s)) {
			if _, ok := vocab[tok]; ok {
				continue
			}
			vocab[tok] = struct{}{}
			vocabList = append(vocabList, tok)
		}
	}

	for _, e := range entries {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.index[e.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %q", domain.ErrMalformedEntry, e.ID))
			continue
		}
		text := Compose(e, w)
		c.index[e.ID] = len(c.Entries)
		c.Entries = append(c.Entries, e)
		c.Texts = append(c.Texts, text)
		c.Tokens = append(c.Tokens, Tokenize(text))

		addVocab(e.Title)
		for _, k := range e.Keywords {
			addVocab(k)
		}
	}
	c.Vocabulary = vocabList
	return c, errs
}

// Compose builds the weighted composite text of one entry.
func Compose(e domain.KnowledgeEntry, w FieldWeights) string {
	steps := make([]string, 0, len(e.DiagnosticSteps))
	for _, s := range e.DiagnosticSteps {
		steps = append(steps, s.Title+" "+s.Instruction)
	}
	fields := []struct {
		text   string
		weight float64
	}{
		{e.Title, w.Title},
		{e.Description, w.Description},
		{strings.Join(e.Symptoms, " "), w.Symptoms},
		{strings.Join(e.Keywords, " "), w.Tags},
		{strings.Join(steps, " "), w.Diagnostics},
		{e.EscalationCriteria, w.Escalation},
	}

	var parts []string
	for _, f := range fields {
		text := textnorm.Clean(f.text)
		if text == "" {
			continue
		}
		for range Repetitions(f.weight) {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, ". ")
}

// Repetitions is the number of copies a field of the given weight contributes.
func Repetitions(weight float64) int {
	return max(1, int(math.Round(weight)))
}

// Len returns the number of entries in the corpus.
func (c *Corpus) Len() int { return len(c.Entries) }

// IndexOf returns the position of the entry with the given id.
func (c *Corpus) IndexOf(id string) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// IDs returns entry ids in corpus order.
func (c *Corpus) IDs() []string {
	ids := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		ids[i] = e.ID
	}
	return ids
}

// ExcludeByTitlePrefix drops entries whose lowercased title starts with any
// of the prefixes. Service-request articles are kept out of incident search this way.
func ExcludeByTitlePrefix(entries []domain.KnowledgeEntry, prefixes []string) []domain.KnowledgeEntry {
	if len(prefixes) == 0 {
		return entries
	}
	out := make([]domain.KnowledgeEntry, 0, len(entries))
	for _, e := range entries {
		title := strings.ToLower(strings.TrimSpace(e.Title))
		skip := false
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(title, strings.ToLower(p)) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, e)
		}
	}
	return out
}
