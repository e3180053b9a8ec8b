// Package promptctx classifies queries and assembles the prompt-ready context
// string from ranked tier entries.
package promptctx

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/memory"
	"github.com/rcliao/memrag/internal/model"
)

// QueryType is the lexical class of a query.
type QueryType string

const (
	Definition QueryType = "definition"
	Process    QueryType = "process"
	Temporal   QueryType = "temporal"
	General    QueryType = "general"
)

// Weights maps each tier to its share of the context slots.
type Weights map[model.Tier]float64

var typeWeights = map[QueryType]Weights{
	Definition: {model.TierCore: 0.5, model.TierSemantic: 0.2, model.TierWorking: 0.2, model.TierEpisodic: 0.1},
	Process:    {model.TierCore: 0.2, model.TierSemantic: 0.5, model.TierWorking: 0.2, model.TierEpisodic: 0.1},
	Temporal:   {model.TierCore: 0.2, model.TierSemantic: 0.2, model.TierWorking: 0.1, model.TierEpisodic: 0.5},
	General:    {model.TierCore: 0.25, model.TierSemantic: 0.25, model.TierWorking: 0.25, model.TierEpisodic: 0.25},
}

// Classify returns the query type and its tier weights.
func Classify(query string) (QueryType, Weights) {
	qt := classify(query)
	w := make(Weights, len(model.Tiers))
	for t, v := range typeWeights[qt] {
		w[t] = v
	}
	return qt, w
}

func classify(query string) QueryType {
	tokens := embedding.Tokenize(query)
	first, second := "", ""
	if len(tokens) > 0 {
		first = tokens[0]
	}
	if len(tokens) > 1 {
		second = tokens[1]
	}

	switch {
	case first == "what" && second == "is", first == "define", first == "mikä":
		return Definition
	case first == "how", first == "why", first == "miten":
		return Process
	case first == "when", first == "milloin", memory.HasTemporalToken(query):
		return Temporal
	}
	return General
}

// Candidate is an entry eligible for the context, with its similarity to the
// query when one could be computed.
type Candidate struct {
	Entry      *model.Entry
	Similarity float64
}

// Options bounds the assembled context.
type Options struct {
	Slots    int
	MaxChars int
}

// DefaultOptions returns 12 slots and 8000 characters.
func DefaultOptions() Options {
	return Options{Slots: 12, MaxChars: 8000}
}

// Block is one tier section of the context.
type Block struct {
	Tier    model.Tier     `json:"tier"`
	Weight  float64        `json:"weight"`
	Entries []*model.Entry `json:"entries"`
}

// Result is the assembled context.
type Result struct {
	QueryType QueryType `json:"query_type"`
	Text      string    `json:"context"`
	Blocks    []Block   `json:"blocks"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Build selects the top entries of each tier and serializes them as
//
//	=== <tier> ===
//	- [imp=0.92] <content>
//
// Blocks are emitted by descending weight, ties in canonical tier order.
// Within a tier, entries rank by importance, then similarity, then id.
// When the text exceeds opts.MaxChars, entries are dropped from the last
// block backwards, always keeping one core entry if any was selected; that
// entry's content is shortened as a last resort, and the text is empty when
// the budget cannot hold its header and line prefix. Build does not modify
// its input entries.
func Build(query string, candidates map[model.Tier][]Candidate, opts Options) Result {
	if opts.Slots <= 0 {
		opts.Slots = DefaultOptions().Slots
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultOptions().MaxChars
	}
	qt, weights := Classify(query)

	order := make([]model.Tier, len(model.Tiers))
	copy(order, model.Tiers)
	sort.SliceStable(order, func(i, j int) bool { return weights[order[i]] > weights[order[j]] })

	res := Result{QueryType: qt, Blocks: []Block{}}
	for _, t := range order {
		n := slotsFor(weights[t], opts.Slots)
		ranked := rank(candidates[t])
		if n > len(ranked) {
			n = len(ranked)
		}
		if n == 0 {
			continue
		}
		entries := make([]*model.Entry, n)
		for i := range entries {
			entries[i] = ranked[i].Entry
		}
		res.Blocks = append(res.Blocks, Block{Tier: t, Weight: weights[t], Entries: entries})
	}

	res.Text, res.Blocks, res.Truncated = render(res.Blocks, opts.MaxChars)
	return res
}

func slotsFor(weight float64, total int) int {
	if weight <= 0 {
		return 0
	}
	n := int(math.Round(weight * float64(total)))
	if n < 1 {
		n = 1
	}
	return n
}

func rank(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Entry.Importance != b.Entry.Importance {
			return a.Entry.Importance > b.Entry.Importance
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Entry.ID < b.Entry.ID
	})
	return out
}

func render(blocks []Block, maxChars int) (string, []Block, bool) {
	lines := make([][]string, len(blocks))
	for i, b := range blocks {
		for _, e := range b.Entries {
			lines[i] = append(lines[i], entryLine(e.Importance, collapse(e.Content)))
		}
	}

	truncated := false
	for runeLen(join(blocks, lines)) > maxChars {
		i := lastDroppable(blocks, lines)
		if i < 0 {
			break
		}
		lines[i] = lines[i][:len(lines[i])-1]
		truncated = true
	}

	if over := runeLen(join(blocks, lines)) - maxChars; over > 0 {
		// Only the protected core entry is left; shorten it.
		for i, b := range blocks {
			if b.Tier == model.TierCore && len(lines[i]) == 1 {
				e := b.Entries[0]
				content := []rune(collapse(e.Content))
				keep := len(content) - over - len("...")
				if keep < 0 {
					keep = 0
				}
				lines[i][0] = entryLine(e.Importance, string(content[:keep])+"...")
				truncated = true
				if runeLen(join(blocks, lines)) > maxChars {
					// Not even the header fits.
					lines[i] = nil
				}
			}
		}
	}

	kept := make([]Block, 0, len(blocks))
	for i, b := range blocks {
		if len(lines[i]) == 0 {
			continue
		}
		b.Entries = b.Entries[:len(lines[i])]
		kept = append(kept, b)
	}
	return join(blocks, lines), kept, truncated
}

// lastDroppable returns the last block that still has an entry it may lose.
func lastDroppable(blocks []Block, lines [][]string) int {
	for i := len(blocks) - 1; i >= 0; i-- {
		floor := 0
		if blocks[i].Tier == model.TierCore {
			floor = 1
		}
		if len(lines[i]) > floor {
			return i
		}
	}
	return -1
}

func collapse(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

func entryLine(importance float64, content string) string {
	return fmt.Sprintf("- [imp=%.2f] %s", importance, content)
}

func header(t model.Tier) string {
	return "=== " + string(t) + " ==="
}

func join(blocks []Block, lines [][]string) string {
	var sb strings.Builder
	for i, b := range blocks {
		if len(lines[i]) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(header(b.Tier))
		for _, l := range lines[i] {
			sb.WriteByte('\n')
			sb.WriteString(l)
		}
	}
	return sb.String()
}

func runeLen(s string) int { return len([]rune(s)) }
