// Package deid is the de-identification guard: a sanitize pass that
// rewrites residual identifying patterns in place, then a detection pass
// over the sanitized result. Any remaining hit is a hard block on
// persistence and export. Every path into the session store goes through
// this guard; there is no privileged bypass.
package deid

import (
	"regexp"

	"golang.org/x/text/unicode/norm"

	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
)

// Replacement placeholders inserted by the sanitize pass.
const (
	placeholderName  = "[NAME]"
	placeholderRoom  = "[ROOM]"
	placeholderPhone = "[PHONE]"
)

type pattern struct {
	re          *regexp.Regexp
	placeholder string
}

// Guard holds the compiled pattern sets. The residual set is a superset of
// the sanitize set so pass two catches what pass one's rewrite may expose.
type Guard struct {
	sanitize []pattern
	residual []*regexp.Regexp
}

// NewGuard compiles the default clinical pattern set: titled and paired
// capitalized names, room+bed combinations, and phone-like numbers.
func NewGuard() *Guard {
	name := regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Mx|Dr)\.?\s+[A-Z][a-z]+\b|\b[A-Z][a-z]+\s+[A-Z][a-z]+(?:'s)?\b`)
	room := regexp.MustCompile(`(?i)\b(?:room|rm)\s*\d+[a-z]?(?:\s*,?\s*bed\s*\d+)?|\bbed\s*\d+\b`)
	phone := regexp.MustCompile(`\b\d{3}[-.\s]?\d{3,4}[-.\s]?\d{4}\b|\b\d{7,11}\b`)

	return &Guard{
		sanitize: []pattern{
			{re: room, placeholder: placeholderRoom},
			{re: phone, placeholder: placeholderPhone},
			{re: name, placeholder: placeholderName},
		},
		residual: []*regexp.Regexp{room, phone, name},
	}
}

// Sanitize is pass one: it rewrites identifying patterns in place across
// the whole result and returns the number of issues fixed.
func (g *Guard) Sanitize(res *structuring.Result) int {
	issues := 0
	walkStrings(res, func(s *string) {
		t := norm.NFKC.String(*s)
		for _, p := range g.sanitize {
			if p.re.MatchString(t) {
				issues += len(p.re.FindAllString(t, -1))
				t = p.re.ReplaceAllString(t, p.placeholder)
			}
		}
		*s = t
	})
	return issues
}

// Inspect is pass two: it re-scans the sanitized result and returns the
// residual hit count. Anything above zero blocks persistence and export.
func (g *Guard) Inspect(res *structuring.Result) int {
	residuals := 0
	walkStrings(res, func(s *string) {
		t := norm.NFKC.String(*s)
		for _, re := range g.residual {
			residuals += len(re.FindAllString(t, -1))
		}
	})
	return residuals
}

// Apply runs both passes and writes the safety verdict into the result.
// Only a zero-residual result may reach the session store or any export
// destination.
func (g *Guard) Apply(res *structuring.Result) structuring.Safety {
	_ = g.Sanitize(res)
	residuals := g.Inspect(res)
	res.Safety = structuring.Safety{
		PhiSafe:        residuals == 0,
		ResidualCount:  residuals,
		ExportAllowed:  residuals == 0,
		PersistAllowed: residuals == 0,
	}
	return res.Safety
}

// walkStrings visits every free-text field of the result. Aliases are
// visited too: a session alias never matches the identifying patterns, and
// anything else in that position should.
func walkStrings(res *structuring.Result, fn func(*string)) {
	for i := range res.GlobalTop {
		fn(&res.GlobalTop[i].Text)
	}
	for i := range res.WardEvents {
		fn(&res.WardEvents[i].Text)
	}
	for i := range res.Patients {
		p := &res.Patients[i]
		fn(&p.Alias)
		for j := range p.TopItems {
			fn(&p.TopItems[j])
		}
		for j := range p.Todos {
			fn(&p.Todos[j].Text)
		}
		for j := range p.Problems {
			fn(&p.Problems[j])
		}
		for j := range p.Risks {
			fn(&p.Risks[j])
		}
		fn(&p.OneLineConclusion)
	}
	for i := range res.Uncertainties {
		fn(&res.Uncertainties[i].Reason)
	}
}
