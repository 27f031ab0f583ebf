package conversation

import (
	"regexp"
	"strings"
)

// Replacement rewrites a term so the synthesis voice pronounces it correctly.
type Replacement struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// DefaultPronunciations are applied in order; longer terms come first so
// "primeclass" is rewritten before "prime".
func DefaultPronunciations() []Replacement {
	return []Replacement{
		{From: "primeclass", To: "praime class"},
		{From: "priority", To: "praióriti"},
		{From: "diners", To: "dáiners"},
		{From: "altus", To: "altos"},
		{From: "prime", To: "praime"},
	}
}

var lineBreakRe = regexp.MustCompile(`(\\n){1,2}|\n{1,2}`)

type rule struct {
	re *regexp.Regexp
	to string
}

// Normalizer cleans assistant text before it is stored and spoken.
type Normalizer struct {
	rules []rule
}

func NewNormalizer(replacements []Replacement) *Normalizer {
	n := &Normalizer{}
	for _, r := range replacements {
		if strings.TrimSpace(r.From) == "" {
			continue
		}
		n.rules = append(n.rules, rule{
			re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(r.From)),
			to: r.To,
		})
	}
	return n
}

// Chunk normalizes one streamed fragment without trimming it, so spacing
// between fragments survives assembly.
func (n *Normalizer) Chunk(text string) string {
	if text == "" {
		return ""
	}
	text = lineBreakRe.ReplaceAllString(text, " ")
	if n == nil {
		return text
	}
	for _, r := range n.rules {
		text = r.re.ReplaceAllLiteralString(text, r.to)
	}
	return text
}

// Apply normalizes a complete reply.
func (n *Normalizer) Apply(text string) string {
	return strings.TrimSpace(n.Chunk(text))
}
