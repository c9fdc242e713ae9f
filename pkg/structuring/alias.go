package structuring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	// roomRe matches room/bed mentions: "room 12", "rm 12 bed 3", "bed 4".
	roomRe = regexp.MustCompile(`(?i)\b(?:room|rm)\s*\d+[a-z]?(?:\s*,?\s*bed\s*\d+)?|\bbed\s*\d+\b`)

	// nameRe matches titled or introduced names: "Mr. Alvarez",
	// "patient Jones".
	nameRe = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Mx|Dr)\.?\s+[A-Z][a-z]+|\b[Pp]atient\s+[A-Z][a-z]+`)
)

// aliaser assigns stable session-scoped aliases in order of first
// appearance. The session suffix keeps aliases from ever repeating across
// sessions.
type aliaser struct {
	suffix  string
	order   []string
	byToken AliasMap
}

func newAliaser(sessionID string) *aliaser {
	sum := sha256.Sum256([]byte(sessionID))
	return &aliaser{
		suffix:  hex.EncodeToString(sum[:2]),
		byToken: make(AliasMap),
	}
}

// tokens extracts identifying tokens from a sentence, normalized for
// stable map keys, in their order of appearance.
func (a *aliaser) tokens(text string) []string {
	var out []string
	for _, m := range roomRe.FindAllString(text, -1) {
		out = append(out, normToken(m))
	}
	for _, m := range nameRe.FindAllString(text, -1) {
		out = append(out, normToken(m))
	}
	return out
}

// alias returns the stable alias for a token, minting one on first sight.
func (a *aliaser) alias(token string) string {
	if al, ok := a.byToken[token]; ok {
		return al
	}
	letter := string(rune('A' + len(a.order)%26))
	n := len(a.order) / 26
	if n > 0 {
		letter = fmt.Sprintf("%s%d", letter, n+1)
	}
	al := fmt.Sprintf("Patient %s-%s", letter, a.suffix)
	a.byToken[token] = al
	a.order = append(a.order, token)
	return al
}

// bind resolves a sentence's tokens to one patient alias. If any token is
// already known its alias wins and the remaining tokens are attached to
// it; otherwise a new alias is minted from the first token.
func (a *aliaser) bind(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	for _, t := range tokens {
		if al, ok := a.byToken[t]; ok {
			for _, other := range tokens {
				if _, seen := a.byToken[other]; !seen {
					a.byToken[other] = al
				}
			}
			return al
		}
	}
	al := a.alias(tokens[0])
	for _, t := range tokens[1:] {
		a.byToken[t] = al
	}
	return al
}

// scrub replaces every known identifying token in the text with its alias.
func (a *aliaser) scrub(text string) string {
	out := roomRe.ReplaceAllStringFunc(text, func(m string) string {
		if al, ok := a.byToken[normToken(m)]; ok {
			return al
		}
		return m
	})
	out = nameRe.ReplaceAllStringFunc(out, func(m string) string {
		if al, ok := a.byToken[normToken(m)]; ok {
			return al
		}
		return m
	})
	return out
}

func normToken(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
