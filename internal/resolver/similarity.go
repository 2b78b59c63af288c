package resolver

import (
	"math"
	"strings"
)

// keywordSimilarity scores how well keywords cover a node's title and
// description. Exact token hits count 1.0, substring hits 0.7; the result
// blends a Jaccard overlap (0.4) with keyword coverage (0.6) and lies in [0, 1].
func keywordSimilarity(keywords []string, title, description string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(title + " " + description)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(target) {
		targetSet[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		switch {
		case targetSet[kw]:
			matched++
			weighted += 1.0
		case strings.Contains(target, kw):
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// queryKeywords returns the distinct lowercase tokens of a free-text query.
func queryKeywords(query string) []string {
	tokens := tokenize(query)
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// tokenize splits text into lowercase word tokens, dropping single characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}
