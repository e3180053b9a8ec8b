package memory

import (
	"regexp"
	"strings"

	"github.com/rcliao/memrag/internal/embedding"
	"github.com/rcliao/memrag/internal/model"
)

var (
	qaPattern       = regexp.MustCompile(`(?is)\b(q|question|kysymys)\s*:.+\b(a|answer|vastaus)\s*:`)
	isoDatePattern  = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	yearPattern     = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)
	definitionVerbs = map[string]bool{"is": true, "are": true, "means": true, "on": true, "ovat": true}
)

// stopwords are function words that do not count as substantive.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "by": true, "with": true, "and": true,
	"or": true, "is": true, "are": true, "was": true, "were": true, "be": true,
	"it": true, "this": true, "that": true, "as": true, "from": true,
	"means": true, "ja": true, "ovat": true,
}

// maxDefinitionWords bounds how long a sentence may be to count as a
// definition.
const maxDefinitionWords = 15

// HasTemporalToken reports whether s mentions a year or an ISO date.
func HasTemporalToken(s string) bool {
	return isoDatePattern.MatchString(s) || yearPattern.MatchString(s)
}

// DetectTier picks a tier for content stored without one: question/answer
// text is episodic, a short undated "X is Y" definition is core, and
// everything else, dated facts included, is semantic.
func DetectTier(content string) model.Tier {
	if qaPattern.MatchString(content) {
		return model.TierEpisodic
	}
	if isDefinition(content) {
		return model.TierCore
	}
	return model.TierSemantic
}

func isDefinition(content string) bool {
	if strings.ContainsAny(strings.TrimSpace(content), "?\n") || HasTemporalToken(content) {
		return false
	}
	tokens := embedding.Tokenize(content)
	if len(tokens) < 3 || len(tokens) > maxDefinitionWords {
		return false
	}
	verb := -1
	for i, tok := range tokens {
		if definitionVerbs[tok] {
			verb = i
			break
		}
	}
	// Need a subject before the verb and a predicate after it.
	if verb < 1 || verb == len(tokens)-1 {
		return false
	}

	substantive := 0
	for _, tok := range tokens {
		if !stopwords[tok] {
			substantive++
		}
	}
	return float64(substantive)/float64(len(tokens)) >= 0.5
}
