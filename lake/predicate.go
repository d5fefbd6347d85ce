package lake

import (
	"fmt"
	"regexp"
	"strings"
)

// Pair is one equality term of a merge predicate: target.Target = source.Source.
type Pair struct {
	Target string
	Source string
}

// Predicate is a conjunction of column equalities between target and source rows.
// Null never equals anything, null included.
type Predicate struct {
	Pairs []Pair
}

// On builds a predicate matching equally named columns.
func On(cols ...string) Predicate {
	p := Predicate{Pairs: make([]Pair, len(cols))}
	for i, c := range cols {
		p.Pairs[i] = Pair{Target: c, Source: c}
	}
	return p
}

var (
	andSplit = regexp.MustCompile(`(?i)\s+and\s+`)
	termExpr = regexp.MustCompile(`^\s*(?i:(target|source))\.([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(?i:(target|source))\.([A-Za-z_][A-Za-z0-9_]*)\s*$`)
)

// ParsePredicate parses text such as
// "target.id = source.id AND target.last_updated = source.last_updated".
func ParsePredicate(text string) (Predicate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Predicate{}, fmt.Errorf("%w: empty", ErrInvalidPredicate)
	}
	var p Predicate
	for _, term := range andSplit.Split(text, -1) {
		m := termExpr.FindStringSubmatch(term)
		if m == nil {
			return Predicate{}, fmt.Errorf("%w: %q", ErrInvalidPredicate, strings.TrimSpace(term))
		}
		left, right := strings.ToLower(m[1]), strings.ToLower(m[3])
		switch {
		case left == "target" && right == "source":
			p.Pairs = append(p.Pairs, Pair{Target: m[2], Source: m[4]})
		case left == "source" && right == "target":
			p.Pairs = append(p.Pairs, Pair{Target: m[4], Source: m[2]})
		default:
			return Predicate{}, fmt.Errorf("%w: %q must compare target with source", ErrInvalidPredicate, strings.TrimSpace(term))
		}
	}
	return p, nil
}

// MustParsePredicate is ParsePredicate for static predicates.
func MustParsePredicate(text string) Predicate {
	p, err := ParsePredicate(text)
	if err != nil {
		panic(err)
	}
	return p
}

// TargetColumns returns the target side columns in order.
func (p Predicate) TargetColumns() []string {
	out := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		out[i] = pair.Target
	}
	return out
}

// SourceColumns returns the source side columns in order.
func (p Predicate) SourceColumns() []string {
	out := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		out[i] = pair.Source
	}
	return out
}

// String renders the predicate in its textual form.
func (p Predicate) String() string {
	terms := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		terms[i] = fmt.Sprintf("target.%s = source.%s", pair.Target, pair.Source)
	}
	return strings.Join(terms, " AND ")
}

// SQL renders the predicate with quoted identifiers for the given aliases.
func (p Predicate) SQL(targetAlias, sourceAlias string) string {
	terms := make([]string, len(p.Pairs))
	for i, pair := range p.Pairs {
		terms[i] = fmt.Sprintf("%s.%s = %s.%s", targetAlias, QuoteIdent(pair.Target), sourceAlias, QuoteIdent(pair.Source))
	}
	return strings.Join(terms, " AND ")
}

// QuoteIdent quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
