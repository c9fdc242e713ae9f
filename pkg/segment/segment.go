// Package segment holds the transcript data model and the ordered,
// budget-checked accumulator that owns a session's raw segments.
package segment

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrBudgetExceeded is returned when an append would push the
	// accumulator past one of its hard limits.
	ErrBudgetExceeded = errors.New("segment budget exceeded")

	ErrDuplicateSegment = errors.New("duplicate segment id")
)

// RawSegment is one contiguous unit of transcript. Immutable once created;
// ordered by (StartMs, SegmentID).
type RawSegment struct {
	SegmentID string `json:"segment_id"`
	RawText   string `json:"raw_text"`
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms"`
}

// ManualUncertainty flags a time range with no reliable transcript,
// injected either by the operator or by a failing provider.
type ManualUncertainty struct {
	Kind    string `json:"kind"` // always "manual_review"
	Reason  string `json:"reason"`
	Text    string `json:"text,omitempty"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// KindManualReview is the only kind a ManualUncertainty carries today.
const KindManualReview = "manual_review"

// EvidenceRef points from a structured claim back to the raw segment
// that produced it.
type EvidenceRef struct {
	SegmentID string `json:"segment_id"`
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms"`
}

// Budget caps how much transcript a single session may accumulate.
type Budget struct {
	MaxSegments   int
	MaxTotalChars int
}

// DefaultBudget mirrors the limits used in production configuration.
func DefaultBudget() Budget {
	return Budget{MaxSegments: 400, MaxTotalChars: 60000}
}

// Accumulator keeps a session's raw segments sorted by (StartMs, SegmentID)
// so evidence lookups are a deterministic binary search. Appends are
// all-or-nothing: a rejected append leaves prior contents untouched.
type Accumulator struct {
	budget     Budget
	segments   []RawSegment
	totalChars int
	ids        map[string]struct{}
}

// NewAccumulator creates an empty accumulator with the given budget.
func NewAccumulator(b Budget) *Accumulator {
	return &Accumulator{
		budget: b,
		ids:    make(map[string]struct{}),
	}
}

// Append inserts a segment at its sorted position. It fails with a
// descriptive, user-facing reason when either budget would be exceeded.
func (a *Accumulator) Append(seg RawSegment) error {
	if _, ok := a.ids[seg.SegmentID]; ok {
		return fmt.Errorf("segment %s: %w", seg.SegmentID, ErrDuplicateSegment)
	}
	if len(a.segments)+1 > a.budget.MaxSegments {
		return fmt.Errorf("%w: session already holds the maximum of %d segments",
			ErrBudgetExceeded, a.budget.MaxSegments)
	}
	if a.totalChars+len(seg.RawText) > a.budget.MaxTotalChars {
		return fmt.Errorf("%w: adding %d characters would pass the %d character limit",
			ErrBudgetExceeded, len(seg.RawText), a.budget.MaxTotalChars)
	}

	i := sort.Search(len(a.segments), func(i int) bool {
		return !less(a.segments[i], seg)
	})
	a.segments = append(a.segments, RawSegment{})
	copy(a.segments[i+1:], a.segments[i:])
	a.segments[i] = seg

	a.totalChars += len(seg.RawText)
	a.ids[seg.SegmentID] = struct{}{}
	return nil
}

// Segments returns a copy of the ordered segment slice.
func (a *Accumulator) Segments() []RawSegment {
	out := make([]RawSegment, len(a.segments))
	copy(out, a.segments)
	return out
}

// Len reports the number of accumulated segments.
func (a *Accumulator) Len() int { return len(a.segments) }

// TotalChars reports the accumulated transcript length.
func (a *Accumulator) TotalChars() int { return a.totalChars }

// Lookup finds a segment by id. The slice is ordered by time, not id, so
// a hit scans linearly; the id set answers misses without a scan.
func (a *Accumulator) Lookup(segmentID string) (RawSegment, bool) {
	if _, ok := a.ids[segmentID]; !ok {
		return RawSegment{}, false
	}
	for _, s := range a.segments {
		if s.SegmentID == segmentID {
			return s, true
		}
	}
	return RawSegment{}, false
}

// Covering returns the first segment whose window contains the given
// instant, using binary search over the start times.
func (a *Accumulator) Covering(ms int64) (RawSegment, bool) {
	i := sort.Search(len(a.segments), func(i int) bool {
		return a.segments[i].StartMs > ms
	})
	for j := i - 1; j >= 0; j-- {
		if a.segments[j].StartMs <= ms && ms <= a.segments[j].EndMs {
			return a.segments[j], true
		}
		if a.segments[j].EndMs < ms && j < i-1 {
			break
		}
	}
	return RawSegment{}, false
}

// Reset drops all accumulated state. The caller owns deciding when a
// session boundary has been crossed.
func (a *Accumulator) Reset() {
	a.segments = nil
	a.totalChars = 0
	a.ids = make(map[string]struct{})
}

func less(x, y RawSegment) bool {
	if x.StartMs != y.StartMs {
		return x.StartMs < y.StartMs
	}
	return x.SegmentID < y.SegmentID
}
