package participants

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
)

// Counter is what a predicate inspects: how many records an address has per action.
type Counter interface {
	Count(types.ActionKind) int
}

// Predicate is a boolean rule over the presence of actions in an address's history.
type Predicate interface {
	Eval(Counter) bool
	// Kinds lists every action the predicate refers to.
	Kinds() []types.ActionKind
	String() string
}

type has types.ActionKind

// Has is true when the bucket of kind is not empty.
func Has(kind types.ActionKind) Predicate {
	return has(kind)
}

func (h has) Eval(c Counter) bool      { return c.Count(types.ActionKind(h)) > 0 }
func (h has) Kinds() []types.ActionKind { return []types.ActionKind{types.ActionKind(h)} }
func (h has) String() string            { return string(h) }

type allOf []Predicate

// All is the conjunction of ps.
func All(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return allOf(ps)
}

func (a allOf) Eval(c Counter) bool {
	for _, p := range a {
		if !p.Eval(c) {
			return false
		}
	}
	return true
}

func (a allOf) Kinds() []types.ActionKind { return collectKinds(a) }
func (a allOf) String() string            { return join(a, " && ") }

type anyOf []Predicate

// Any is the disjunction of ps.
func Any(ps ...Predicate) Predicate {
	if len(ps) == 1 {
		return ps[0]
	}
	return anyOf(ps)
}

func (a anyOf) Eval(c Counter) bool {
	for _, p := range a {
		if p.Eval(c) {
			return true
		}
	}
	return false
}

func (a anyOf) Kinds() []types.ActionKind { return collectKinds(a) }
func (a anyOf) String() string            { return join(a, " || ") }

func collectKinds(ps []Predicate) []types.ActionKind {
	seen := make(map[types.ActionKind]struct{})
	var out []types.ActionKind
	for _, p := range ps {
		for _, k := range p.Kinds() {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func join(ps []Predicate, op string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		s := p.String()
		if _, nested := p.(has); !nested {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	return strings.Join(parts, op)
}

// Parse reads an eligibility expression such as "enroll && swap" or "(swap || claim) && stake".
// && binds tighter than ||.
func Parse(expr string) (Predicate, error) {
	p := &parser{tokens: tokenize(expr)}
	if len(p.tokens) == 0 {
		return nil, fmt.Errorf("empty eligibility expression")
	}
	pred, err := p.or()
	if err != nil {
		return nil, fmt.Errorf("could not parse eligibility %q: %w", expr, err)
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("could not parse eligibility %q: unexpected %q", expr, p.tokens[p.pos])
	}
	return pred, nil
}

func tokenize(expr string) []string {
	var (
		tokens []string
		word   strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case unicode.IsSpace(ch):
			flush()
		case ch == '(' || ch == ')':
			flush()
			tokens = append(tokens, string(ch))
		case (ch == '&' || ch == '|') && i+1 < len(runes) && runes[i+1] == ch:
			flush()
			tokens = append(tokens, string(runes[i:i+2]))
			i++
		default:
			word.WriteRune(ch)
		}
	}
	flush()
	return tokens
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *parser) or() (Predicate, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.peek() == "||" {
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return Any(terms...), nil
}

func (p *parser) and() (Predicate, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	terms := []Predicate{left}
	for p.peek() == "&&" {
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	return All(terms...), nil
}

func (p *parser) term() (Predicate, error) {
	tok := p.peek()
	switch tok {
	case "":
		return nil, fmt.Errorf("unexpected end of expression")
	case "(":
		p.pos++
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case ")", "&&", "||":
		return nil, fmt.Errorf("unexpected %q", tok)
	}
	for _, ch := range tok {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' {
			return nil, fmt.Errorf("invalid action name %q", tok)
		}
	}
	p.pos++
	return Has(types.ActionKind(strings.ToLower(tok))), nil
}
