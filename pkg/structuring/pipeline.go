package structuring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
)

// Clock abstracts wall-clock access so results can be byte-identical in
// tests. GeneratedAt is the only field tied to the clock.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Pipeline is the deterministic structuring transform. It holds no
// per-session state; running it twice on identical input produces
// identical output apart from GeneratedAt.
type Pipeline struct {
	clock Clock
}

// NewPipeline creates a pipeline. A nil clock uses wall time.
func NewPipeline(clock Clock) *Pipeline {
	if clock == nil {
		clock = wallClock{}
	}
	return &Pipeline{clock: clock}
}

// sentence is a clause with its back-reference into the raw input.
type sentence struct {
	text     string
	evidence segment.EvidenceRef
}

// Run structures the session's raw segments and merges caller-supplied
// manual uncertainties. It is side-effect-free: inputs are never mutated.
// The returned AliasMap is memory-only and must not be persisted.
func (p *Pipeline) Run(sessionID string, duty DutyType, segs []segment.RawSegment, manual []segment.ManualUncertainty) (*Result, AliasMap) {
	ordered := make([]segment.RawSegment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].StartMs != ordered[j].StartMs {
			return ordered[i].StartMs < ordered[j].StartMs
		}
		return ordered[i].SegmentID < ordered[j].SegmentID
	})

	sentences := splitSentences(ordered)
	al := newAliaser(sessionID)

	type card struct {
		alias    string
		todos    []Todo
		problems []string
		risks    []string
		top      []RankedItem
		bps      []string
	}
	var order []string
	cards := make(map[string]*card)
	var ward []WardEvent
	var global []RankedItem
	var detected []Uncertainty

	current := ""
	for _, s := range sentences {
		tokens := al.tokens(s.text)
		if len(tokens) > 0 {
			current = al.bind(tokens)
			if _, ok := cards[current]; !ok {
				cards[current] = &card{alias: current}
				order = append(order, current)
			}
		}

		wardSentence := isWard(s.text) && len(tokens) == 0
		if wardSentence {
			current = ""
			ward = append(ward, WardEvent{Text: al.scrub(s.text), Evidence: s.evidence})
		}

		if hedgeRe.MatchString(s.text) {
			detected = append(detected, Uncertainty{
				Kind:     "ambiguous_statement",
				Reason:   "hedged or uncertain phrasing",
				Evidence: s.evidence,
			})
		}
		if medVerbRe.MatchString(s.text) && !doseRe.MatchString(s.text) {
			detected = append(detected, Uncertainty{
				Kind:     "missing_dose",
				Reason:   "medication instruction without a dose",
				Evidence: s.evidence,
			})
		}
		if actionRe.MatchString(s.text) && vagueTimeRe.MatchString(s.text) && !timedRe.MatchString(s.text) {
			detected = append(detected, Uncertainty{
				Kind:     "unclear_timing",
				Reason:   "action item without a concrete time",
				Evidence: s.evidence,
			})
		}

		if current == "" {
			if !wardSentence {
				if sc := severity(s.text); sc > 0 {
					global = append(global, RankedItem{
						Text: al.scrub(s.text), Score: sc, Badge: badge(sc), Evidence: s.evidence,
					})
				}
			}
			continue
		}

		c := cards[current]
		if bp := vitalsBP.FindStringSubmatch(s.text); bp != nil {
			reading := bp[1] + "/" + bp[2]
			for _, prev := range c.bps {
				if prev != reading {
					detected = append(detected, Uncertainty{
						Kind:     "contradictory_vitals",
						Reason:   "conflicting blood pressure readings for the same patient",
						Evidence: s.evidence,
					})
					break
				}
			}
			c.bps = append(c.bps, reading)
		}
		if isTodo(s.text) {
			c.todos = append(c.todos, Todo{
				Text: al.scrub(s.text), Risk: riskLevel(s.text), Evidence: s.evidence,
			})
		}
		if isProblem(s.text) {
			c.problems = append(c.problems, al.scrub(s.text))
		}
		if isRisk(s.text) {
			c.risks = append(c.risks, al.scrub(s.text))
		}
		if sc := severity(s.text); sc > 0 {
			item := RankedItem{
				Alias: current, Text: al.scrub(s.text), Score: sc, Badge: badge(sc), Evidence: s.evidence,
			}
			c.top = append(c.top, item)
			global = append(global, item)
		}
	}

	res := &Result{
		SessionID:   sessionID,
		DutyType:    duty,
		GeneratedAt: p.clock.Now().UTC(),
		WardEvents:  ward,
	}

	for _, alias := range order {
		c := cards[alias]
		res.Patients = append(res.Patients, Patient{
			Alias:             c.alias,
			TopItems:          topItems(c.top),
			Todos:             c.todos,
			Problems:          c.problems,
			Risks:             c.risks,
			OneLineConclusion: conclude(c.alias, c.problems, c.todos),
		})
	}

	res.GlobalTop = rank(global)
	res.Uncertainties = append(detected, convertManual(manual)...)
	return res, cloneAliasMap(al.byToken)
}

// rank orders candidates by score, then time, then text, and bounds the
// list to the top five.
func rank(items []RankedItem) []RankedItem {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].Evidence.StartMs != items[j].Evidence.StartMs {
			return items[i].Evidence.StartMs < items[j].Evidence.StartMs
		}
		return items[i].Text < items[j].Text
	})
	if len(items) > 5 {
		items = items[:5]
	}
	return items
}

func topItems(items []RankedItem) []string {
	ranked := make([]RankedItem, len(items))
	copy(ranked, items)
	ranked = rank(ranked)
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	out := make([]string, 0, len(ranked))
	for _, it := range ranked {
		out = append(out, it.Text)
	}
	return out
}

func conclude(alias string, problems []string, todos []Todo) string {
	highest := RiskLow
	for _, t := range todos {
		if t.Risk == RiskHigh {
			highest = RiskHigh
			break
		}
		if t.Risk == RiskMedium {
			highest = RiskMedium
		}
	}
	return fmt.Sprintf("%s: %d problems, %d todos, highest risk %s",
		alias, len(problems), len(todos), highest)
}

func convertManual(manual []segment.ManualUncertainty) []Uncertainty {
	out := make([]Uncertainty, 0, len(manual))
	for _, m := range manual {
		out = append(out, Uncertainty{
			Kind:   m.Kind,
			Reason: m.Reason,
			Evidence: segment.EvidenceRef{
				StartMs: m.StartMs,
				EndMs:   m.EndMs,
			},
		})
	}
	return out
}

// splitSentences breaks segments into trimmed clauses, each carrying its
// parent segment's evidence reference.
func splitSentences(segs []segment.RawSegment) []sentence {
	var out []sentence
	for _, sg := range segs {
		ev := segment.EvidenceRef{SegmentID: sg.SegmentID, StartMs: sg.StartMs, EndMs: sg.EndMs}
		for _, part := range strings.FieldsFunc(sg.RawText, func(r rune) bool {
			return r == '.' || r == ';' || r == '\n'
		}) {
			t := strings.TrimSpace(part)
			if t != "" {
				out = append(out, sentence{text: t, evidence: ev})
			}
		}
	}
	return out
}

func cloneAliasMap(m AliasMap) AliasMap {
	out := make(AliasMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
