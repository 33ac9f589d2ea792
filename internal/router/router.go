// Package router decides which registered specialists can answer a query and
// whether they run side by side or as a chain.
package router

import (
	"log"
	"sort"
	"strings"
	"unicode"

	"github.com/retail-a2a/host/internal/registry"
	"github.com/retail-a2a/host/pkg/a2a"
)

// DefaultThreshold is the minimum score for an agent to be selected
const DefaultThreshold = 0.15

const (
	primaryWeight   = 1.0
	secondaryWeight = 0.5
)

// sequentialCues mark a query whose later part depends on an earlier answer.
var sequentialCues = []string{
	"then",
	"after that",
	"based on",
	"using that",
	"use the result",
	"followed by",
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "is": true, "are": true, "was": true,
	"be": true, "do": true, "does": true, "did": true, "i": true, "me": true, "my": true,
	"we": true, "you": true, "your": true, "it": true, "its": true, "this": true, "that": true,
	"what": true, "which": true, "who": true, "how": true, "can": true, "could": true,
	"please": true, "have": true, "has": true, "any": true, "at": true, "by": true,
	"from": true, "about": true, "if": true, "then": true, "there": true, "need": true,
}

// Selection is one agent chosen for a query
type Selection struct {
	Agent registry.Agent
	Score float64
	Mode  a2a.CallMode
}

// Router scores agents against queries. It holds no per-query state.
type Router struct {
	threshold float64
}

// New creates a router; a non-positive threshold uses DefaultThreshold
func New(threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Router{threshold: threshold}
}

// Threshold returns the selection cut-off
func (r *Router) Threshold() float64 {
	return r.threshold
}

// Route selects the agents able to answer q, best first. An empty result means
// no agent is capable. A continuation selects exactly the agent it names.
func (r *Router) Route(q a2a.Query, agents []registry.Agent) []Selection {
	if q.Continuation != nil {
		for _, agent := range agents {
			if agent.Name == q.Continuation.Agent {
				return []Selection{{Agent: agent, Score: 1, Mode: a2a.ModeParallel}}
			}
		}
		log.Printf("[router] continuation target %q is not registered", q.Continuation.Agent)
		return nil
	}

	words := tokenize(q.Text)
	terms := distinct(words)
	if len(terms) == 0 {
		return nil
	}

	type candidate struct {
		sel      Selection
		position int
	}
	var candidates []candidate
	for _, agent := range agents {
		vocab := vocabulary(agent.Card)
		score := Score(terms, vocab)
		if score < r.threshold {
			continue
		}
		candidates = append(candidates, candidate{
			sel:      Selection{Agent: agent, Score: score, Mode: a2a.ModeParallel},
			position: firstMention(words, vocab),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return better(candidates[i].sel, candidates[j].sel)
	})

	if len(candidates) >= 2 && HasSequentialCue(q.Text) {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].position < candidates[j].position
		})
		for i := 1; i < len(candidates); i++ {
			candidates[i].sel.Mode = a2a.ModeSequential
		}
	}

	selections := make([]Selection, len(candidates))
	for i, c := range candidates {
		selections[i] = c.sel
	}
	return selections
}

// better orders by score, then average latency, then registration order. An
// agent without latency samples counts as zero latency so new agents get tried.
func better(a, b Selection) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if la, lb := latency(a.Agent), latency(b.Agent); la != lb {
		return la < lb
	}
	return a.Agent.Order < b.Agent.Order
}

func latency(a registry.Agent) int64 {
	if a.LatencySamples == 0 {
		return 0
	}
	return int64(a.AvgLatency)
}

// Score is the mean, over distinct query terms, of each term's best weight in vocab.
func Score(terms []string, vocab map[string]float64) float64 {
	if len(terms) == 0 {
		return 0
	}
	var total float64
	for _, term := range terms {
		total += vocab[term]
	}
	return total / float64(len(terms))
}

// HasSequentialCue reports whether text asks for one answer to feed another.
func HasSequentialCue(text string) bool {
	padded := " " + strings.Join(splitWords(text), " ") + " "
	for _, cue := range sequentialCues {
		if strings.Contains(padded, " "+cue+" ") {
			return true
		}
	}
	return false
}

// vocabulary maps the card's terms to their weight. Skill ids, names and tags
// weigh more than free-text descriptions and examples.
func vocabulary(card a2a.AgentCard) map[string]float64 {
	vocab := make(map[string]float64)
	add := func(text string, weight float64) {
		for _, term := range tokenize(text) {
			if weight > vocab[term] {
				vocab[term] = weight
			}
		}
	}
	add(card.Description, secondaryWeight)
	for _, skill := range card.Skills {
		add(skill.ID, primaryWeight)
		add(skill.Name, primaryWeight)
		for _, tag := range skill.Tags {
			add(tag, primaryWeight)
		}
		add(skill.Description, secondaryWeight)
		for _, ex := range skill.Examples {
			add(ex, secondaryWeight)
		}
	}
	return vocab
}

// firstMention is the index of the first query word the agent knows, or len(words).
func firstMention(words []string, vocab map[string]float64) int {
	for i, w := range words {
		if vocab[w] > 0 {
			return i
		}
	}
	return len(words)
}

// tokenize lowercases text, splits it into words, drops stop words and folds plurals.
func tokenize(text string) []string {
	var out []string
	for _, w := range splitWords(text) {
		if stopWords[w] {
			continue
		}
		out = append(out, fold(w))
	}
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func fold(w string) string {
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return w[:len(w)-1]
	}
	return w
}

func distinct(words []string) []string {
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
