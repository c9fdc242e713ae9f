package structuring_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
)

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }

func newFixedPipeline() *structuring.Pipeline {
	return structuring.NewPipeline(fixedClock{at: time.Date(2025, 11, 3, 21, 30, 0, 0, time.UTC)})
}

func seg(id string, startMs int64, text string) segment.RawSegment {
	return segment.RawSegment{SegmentID: id, RawText: text, StartMs: startMs, EndMs: startMs + 30_000}
}

// handoverSegments is a small realistic evening-shift transcript.
func handoverSegments() []segment.RawSegment {
	return []segment.RawSegment{
		seg("s1", 0, "Mr. Alvarez in room 12 had chest pain overnight. Check troponin at 6."),
		seg("s2", 30_000, "Room 12 BP 90/60. Give 40 mg furosemide."),
		seg("s3", 60_000, "Mrs. Okafor in bed 4 is a fall risk. Reassess her wound tonight."),
		seg("s4", 90_000, "Pharmacy restock was delayed so supplies are short."),
		seg("s5", 120_000, "Room 12 BP 145/95 on recheck."),
	}
}

// TestRun_PatientCards verifies per-patient grouping, aliasing, and the
// card contents for a realistic transcript.
func TestRun_PatientCards(t *testing.T) {
	p := newFixedPipeline()
	res, aliases := p.Run("sess-1", structuring.DutyEvening, handoverSegments(), nil)

	require.Len(t, res.Patients, 2)
	alvarez := res.Patients[0]
	okafor := res.Patients[1]

	assert.Contains(t, alvarez.Alias, "Patient A-")
	assert.Contains(t, okafor.Alias, "Patient B-")

	// Identifying tokens are replaced by aliases in every card field.
	for _, card := range res.Patients {
		payload, err := json.Marshal(card)
		require.NoError(t, err)
		assert.NotContains(t, string(payload), "Alvarez")
		assert.NotContains(t, string(payload), "Okafor")
		assert.NotContains(t, string(payload), "room 12")
		assert.NotContains(t, string(payload), "bed 4")
	}

	// "room 12" and "Mr. Alvarez" resolve to the same patient.
	assert.Equal(t, aliases["room 12"], aliases["mr. alvarez"])
	assert.NotEqual(t, aliases["room 12"], aliases["bed 4"])

	assert.NotEmpty(t, alvarez.Todos, "troponin check is an actionable item")
	assert.NotEmpty(t, alvarez.Problems)
	assert.NotEmpty(t, okafor.Risks, "fall risk sentence lands in risks")
	assert.Contains(t, alvarez.OneLineConclusion, alvarez.Alias)
}

// TestRun_TodoRiskLevels verifies dose-bearing instructions rank high and
// timed instructions rank medium.
func TestRun_TodoRiskLevels(t *testing.T) {
	p := newFixedPipeline()
	res, _ := p.Run("sess-1", structuring.DutyNight, []segment.RawSegment{
		seg("s1", 0, "Mr. Larsen in room 3 needs care. Give 2 units insulin. Check drain before midnight. Call family"),
	}, nil)

	require.Len(t, res.Patients, 1)
	todos := res.Patients[0].Todos
	require.Len(t, todos, 3)

	byText := map[string]structuring.RiskLevel{}
	for _, td := range todos {
		byText[td.Text] = td.Risk
	}
	assert.Equal(t, structuring.RiskHigh, byText["Give 2 units insulin"])
	assert.Equal(t, structuring.RiskMedium, byText["Check drain before midnight"])
	assert.Equal(t, structuring.RiskLow, byText["Call family"])
}

// TestRun_WardEvents verifies ward-wide sentences leave patient scope and
// are collected separately.
func TestRun_WardEvents(t *testing.T) {
	p := newFixedPipeline()
	res, _ := p.Run("sess-1", structuring.DutyDay, []segment.RawSegment{
		seg("s1", 0, "Ms. Chen in room 7 has a fever. Ward fire drill is at noon. Monitor temperature"),
	}, nil)

	require.Len(t, res.WardEvents, 1)
	assert.Contains(t, res.WardEvents[0].Text, "fire drill")

	// The todo after the ward sentence no longer attaches to the patient.
	require.Len(t, res.Patients, 1)
	for _, td := range res.Patients[0].Todos {
		assert.NotContains(t, td.Text, "Monitor temperature")
	}
}

// TestRun_GlobalTopBounded verifies the cross-patient list holds at most
// five items ordered by descending score.
func TestRun_GlobalTopBounded(t *testing.T) {
	p := newFixedPipeline()
	segs := []segment.RawSegment{
		seg("s1", 0, "Mr. Adams in room 1 is unresponsive"),
		seg("s2", 30_000, "Mr. Brown in room 2 has sepsis"),
		seg("s3", 60_000, "Mr. Clark in room 3 is bleeding"),
		seg("s4", 90_000, "Mr. Davis in room 4 had a fall"),
		seg("s5", 120_000, "Mr. Evans in room 5 has a fever"),
		seg("s6", 150_000, "Mr. Frank in room 6 has nausea"),
		seg("s7", 180_000, "Mr. Grant in room 7 reports pain"),
	}
	res, _ := p.Run("sess-1", structuring.DutyDay, segs, nil)

	require.Len(t, res.GlobalTop, 5)
	for i := 1; i < len(res.GlobalTop); i++ {
		assert.GreaterOrEqual(t, res.GlobalTop[i-1].Score, res.GlobalTop[i].Score)
	}
	assert.Equal(t, "critical", res.GlobalTop[0].Badge)
}

// TestRun_Uncertainties verifies hedges, missing doses, and contradictory
// vitals each surface for review, and manual flags merge in.
func TestRun_Uncertainties(t *testing.T) {
	p := newFixedPipeline()
	manual := []segment.ManualUncertainty{
		{Kind: segment.KindManualReview, Reason: "chunk transcription failed", StartMs: 0, EndMs: 30_000},
	}
	res, _ := p.Run("sess-1", structuring.DutyDay, handoverSegments(), manual)

	kinds := map[string]int{}
	for _, u := range res.Uncertainties {
		kinds[u.Kind]++
	}
	assert.Positive(t, kinds["contradictory_vitals"], "BP 90/60 vs 145/95 must conflict")
	assert.Positive(t, kinds[segment.KindManualReview])

	res2, _ := p.Run("sess-1", structuring.DutyDay, []segment.RawSegment{
		seg("s1", 0, "Mr. Ruiz in room 9 is maybe confused. Give antibiotics"),
	}, nil)
	kinds = map[string]int{}
	for _, u := range res2.Uncertainties {
		kinds[u.Kind]++
	}
	assert.Positive(t, kinds["ambiguous_statement"])
	assert.Positive(t, kinds["missing_dose"])
}

// TestRun_UnclearTiming verifies an action hedged with a vague time word
// surfaces for review while a concretely timed one does not.
func TestRun_UnclearTiming(t *testing.T) {
	p := newFixedPipeline()

	res, _ := p.Run("sess-1", structuring.DutyDay, []segment.RawSegment{
		seg("s1", 0, "Mr. Vance in room 9 has a wound. Check the dressing sometime later"),
	}, nil)
	kinds := map[string]int{}
	for _, u := range res.Uncertainties {
		kinds[u.Kind]++
	}
	assert.Equal(t, 1, kinds["unclear_timing"])

	res2, _ := p.Run("sess-1", structuring.DutyDay, []segment.RawSegment{
		seg("s1", 0, "Mr. Vance in room 9 has a wound. Check the dressing before midnight"),
	}, nil)
	for _, u := range res2.Uncertainties {
		assert.NotEqual(t, "unclear_timing", u.Kind)
	}
}

// TestRun_EvidenceRefsResolve verifies every evidence reference names a
// segment that exists in the raw input.
func TestRun_EvidenceRefsResolve(t *testing.T) {
	p := newFixedPipeline()
	segs := handoverSegments()
	res, _ := p.Run("sess-1", structuring.DutyDay, segs, nil)

	known := map[string]bool{}
	for _, sg := range segs {
		known[sg.SegmentID] = true
	}
	check := func(ev segment.EvidenceRef) {
		assert.True(t, known[ev.SegmentID], "evidence %q must resolve", ev.SegmentID)
	}
	for _, it := range res.GlobalTop {
		check(it.Evidence)
	}
	for _, w := range res.WardEvents {
		check(w.Evidence)
	}
	for _, card := range res.Patients {
		for _, td := range card.Todos {
			check(td.Evidence)
		}
	}
}

// TestRun_Deterministic verifies two runs over identical input are
// byte-identical after canonicalization.
func TestRun_Deterministic(t *testing.T) {
	p := newFixedPipeline()
	segs := handoverSegments()

	res1, _ := p.Run("sess-1", structuring.DutyEvening, segs, nil)
	res2, _ := p.Run("sess-1", structuring.DutyEvening, segs, nil)

	canon := func(r *structuring.Result) []byte {
		raw, err := json.Marshal(r)
		require.NoError(t, err)
		out, err := jcs.Transform(raw)
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, canon(res1), canon(res2))
}

// TestRun_InputOrderIrrelevant verifies the pipeline sorts defensively:
// shuffled input produces the same report.
func TestRun_InputOrderIrrelevant(t *testing.T) {
	p := newFixedPipeline()
	segs := handoverSegments()
	shuffled := []segment.RawSegment{segs[3], segs[0], segs[4], segs[2], segs[1]}

	res1, _ := p.Run("sess-1", structuring.DutyEvening, segs, nil)
	res2, _ := p.Run("sess-1", structuring.DutyEvening, shuffled, nil)

	raw1, _ := json.Marshal(res1)
	raw2, _ := json.Marshal(res2)
	assert.JSONEq(t, string(raw1), string(raw2))
}

// TestRun_AliasesUniqueAcrossSessions verifies the same tokens get
// different aliases under different session ids.
func TestRun_AliasesUniqueAcrossSessions(t *testing.T) {
	p := newFixedPipeline()
	segs := handoverSegments()

	_, aliases1 := p.Run("sess-1", structuring.DutyDay, segs, nil)
	_, aliases2 := p.Run("sess-2", structuring.DutyDay, segs, nil)

	require.Contains(t, aliases1, "room 12")
	require.Contains(t, aliases2, "room 12")
	assert.NotEqual(t, aliases1["room 12"], aliases2["room 12"])
}

// TestRun_EmptyInput verifies an empty session structures to an empty but
// well-formed report.
func TestRun_EmptyInput(t *testing.T) {
	p := newFixedPipeline()
	res, aliases := p.Run("sess-1", structuring.DutyDay, nil, nil)

	assert.Empty(t, res.Patients)
	assert.Empty(t, res.GlobalTop)
	assert.Empty(t, aliases)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.False(t, res.GeneratedAt.IsZero())
}
