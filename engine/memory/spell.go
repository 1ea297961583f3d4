package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/glimte/mmate-search/engine"
)

const maxEditDistance = 2

// SpellCheck implements engine.SpellChecker. Suggestions are vocabulary words
// that extend the query or lie within two edits of it, closest first.
func (ix *Index) SpellCheck(ctx context.Context, text string) ([]string, error) {
	if ix.unavailable.Load() {
		return nil, engine.ErrServiceNotAvailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	word := strings.ToLower(strings.TrimSpace(text))
	if word == "" {
		return []string{}, nil
	}

	type candidate struct {
		word     string
		distance int
	}

	ix.mu.RLock()
	var candidates []candidate
	for v := range ix.vocabulary {
		if v == word {
			continue
		}
		d := levenshtein(word, v)
		if strings.HasPrefix(v, word) || d <= maxEditDistance {
			candidates = append(candidates, candidate{word: v, distance: d})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].word < candidates[j].word
	})

	limit := ix.suggestionLimit
	if len(candidates) < limit {
		limit = len(candidates)
	}
	suggestions := make([]string, 0, limit)
	for _, c := range candidates[:limit] {
		suggestions = append(suggestions, c.word)
	}
	return suggestions, nil
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
