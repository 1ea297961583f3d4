package memory

import (
	"strings"
	"unicode"

	"github.com/glimte/mmate-search/engine"
)

// term is a single query word; prefix terms end in '*' in the query text.
type term struct {
	word   string
	prefix bool
}

func (t term) matches(token string) bool {
	if t.prefix {
		return strings.HasPrefix(token, t.word)
	}
	return token == t.word
}

type query struct {
	terms   []term
	phrases []string
}

func parseQuery(text string) (query, error) {
	var q query
	var current strings.Builder
	inPhrase := false

	flushTerm := func() error {
		word := strings.ToLower(current.String())
		current.Reset()
		if word == "" {
			return nil
		}
		if strings.HasPrefix(word, "*") || strings.HasPrefix(word, "?") {
			return &engine.QueryError{Query: text, Reason: "leading wildcard"}
		}
		t := term{word: strings.TrimSuffix(word, "*")}
		t.prefix = t.word != word
		if strings.ContainsAny(t.word, "*?") {
			return &engine.QueryError{Query: text, Reason: "wildcard inside term"}
		}
		q.terms = append(q.terms, t)
		return nil
	}

	for _, r := range text {
		switch {
		case r == '"':
			if inPhrase {
				phrase := strings.Join(tokenize(strings.ToLower(current.String())), " ")
				current.Reset()
				if phrase != "" {
					q.phrases = append(q.phrases, phrase)
				}
			} else if err := flushTerm(); err != nil {
				return query{}, err
			}
			inPhrase = !inPhrase
		case unicode.IsSpace(r) && !inPhrase:
			if err := flushTerm(); err != nil {
				return query{}, err
			}
		default:
			current.WriteRune(r)
		}
	}

	if inPhrase {
		return query{}, &engine.ParseError{Query: text, Reason: "unbalanced quote"}
	}
	if err := flushTerm(); err != nil {
		return query{}, err
	}
	if len(q.terms) == 0 && len(q.phrases) == 0 {
		return query{}, &engine.ParseError{Query: text, Reason: "empty query"}
	}
	return q, nil
}

// score returns the summed term and phrase frequency, or false when any part
// of the query does not occur.
func (q query) score(entry indexed) (float64, bool) {
	var total int
	for _, t := range q.terms {
		n := 0
		for _, tok := range entry.tokens {
			if t.matches(tok) {
				n++
			}
		}
		if n == 0 {
			return 0, false
		}
		total += n
	}

	if len(q.phrases) > 0 {
		joined := " " + strings.Join(entry.tokens, " ") + " "
		for _, phrase := range q.phrases {
			n := strings.Count(joined, " "+phrase+" ")
			if n == 0 {
				return 0, false
			}
			total += n
		}
	}
	return float64(total), true
}

func (q query) highlight(body string) string {
	words := make([]term, 0, len(q.terms))
	words = append(words, q.terms...)
	for _, phrase := range q.phrases {
		for _, w := range strings.Fields(phrase) {
			words = append(words, term{word: w})
		}
	}

	var out strings.Builder
	var word strings.Builder
	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		word.Reset()
		lower := strings.ToLower(w)
		for _, t := range words {
			if t.matches(lower) {
				out.WriteString("<em>" + w + "</em>")
				return
			}
		}
		out.WriteString(w)
	}

	for _, r := range body {
		if isWordRune(r) {
			word.WriteRune(r)
			continue
		}
		flush()
		out.WriteRune(r)
	}
	flush()
	return out.String()
}

type conditions struct {
	types []string
	ids   []string
}

func parseConditions(text string, raw []string) (conditions, error) {
	var c conditions
	for _, cond := range raw {
		field, value, ok := strings.Cut(cond, ":")
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			return conditions{}, &engine.QueryError{Query: text, Reason: "malformed condition " + cond}
		}
		switch field {
		case "type":
			c.types = append(c.types, strings.ToLower(value))
		case "id":
			c.ids = append(c.ids, value)
		default:
			return conditions{}, &engine.QueryError{Query: text, Reason: "unknown condition field " + field}
		}
	}
	return c, nil
}

// match requires every condition field to be satisfied; values of one field
// are alternatives.
func (c conditions) match(doc Document) bool {
	if len(c.types) > 0 && !contains(c.types, strings.ToLower(doc.Type)) {
		return false
	}
	if len(c.ids) > 0 && !contains(c.ids, doc.ID) {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) })
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
