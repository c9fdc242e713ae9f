package segment_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
)

// TestAccumulator_OutOfOrderInsert verifies late arrivals sort into place
// by (StartMs, SegmentID) rather than arrival order.
func TestAccumulator_OutOfOrderInsert(t *testing.T) {
	acc := segment.NewAccumulator(segment.DefaultBudget())

	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "c", StartMs: 60_000, EndMs: 90_000, RawText: "third"}))
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "a", StartMs: 0, EndMs: 30_000, RawText: "first"}))
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "b", StartMs: 30_000, EndMs: 60_000, RawText: "second"}))

	segs := acc.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, "a", segs[0].SegmentID)
	assert.Equal(t, "b", segs[1].SegmentID)
	assert.Equal(t, "c", segs[2].SegmentID)
}

// TestAccumulator_TieBreakBySegmentID verifies segments sharing a start
// time order deterministically by id.
func TestAccumulator_TieBreakBySegmentID(t *testing.T) {
	acc := segment.NewAccumulator(segment.DefaultBudget())

	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "chunk-0001-01", StartMs: 1000, EndMs: 2000}))
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "chunk-0001-00", StartMs: 1000, EndMs: 2000}))

	segs := acc.Segments()
	assert.Equal(t, "chunk-0001-00", segs[0].SegmentID)
	assert.Equal(t, "chunk-0001-01", segs[1].SegmentID)
}

// TestAccumulator_SegmentBudget verifies the append that would exceed the
// segment cap fails with a descriptive reason and leaves state untouched.
func TestAccumulator_SegmentBudget(t *testing.T) {
	acc := segment.NewAccumulator(segment.Budget{MaxSegments: 2, MaxTotalChars: 1000})

	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s1", StartMs: 0, EndMs: 10}))
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s2", StartMs: 10, EndMs: 20}))

	err := acc.Append(segment.RawSegment{SegmentID: "s3", StartMs: 20, EndMs: 30})
	require.ErrorIs(t, err, segment.ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "maximum of 2 segments")

	assert.Equal(t, 2, acc.Len())
	segs := acc.Segments()
	assert.Equal(t, "s1", segs[0].SegmentID)
	assert.Equal(t, "s2", segs[1].SegmentID)
}

// TestAccumulator_CharBudget verifies the character budget is all-or-
// nothing: the rejected segment contributes nothing to the total.
func TestAccumulator_CharBudget(t *testing.T) {
	acc := segment.NewAccumulator(segment.Budget{MaxSegments: 100, MaxTotalChars: 10})

	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s1", RawText: "abcdefgh", StartMs: 0, EndMs: 10}))

	err := acc.Append(segment.RawSegment{SegmentID: "s2", RawText: "xyz", StartMs: 10, EndMs: 20})
	require.ErrorIs(t, err, segment.ErrBudgetExceeded)
	assert.Equal(t, 8, acc.TotalChars())
	assert.Equal(t, 1, acc.Len())

	// A smaller segment still fits afterwards.
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s3", RawText: "xy", StartMs: 10, EndMs: 20}))
	assert.Equal(t, 10, acc.TotalChars())
}

// TestAccumulator_DuplicateID verifies a repeated segment id is rejected
// without disturbing the original.
func TestAccumulator_DuplicateID(t *testing.T) {
	acc := segment.NewAccumulator(segment.DefaultBudget())

	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s1", RawText: "original", StartMs: 0, EndMs: 10}))
	err := acc.Append(segment.RawSegment{SegmentID: "s1", RawText: "replacement", StartMs: 0, EndMs: 10})
	require.ErrorIs(t, err, segment.ErrDuplicateSegment)

	got, ok := acc.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, "original", got.RawText)
}

func TestAccumulator_Covering(t *testing.T) {
	acc := segment.NewAccumulator(segment.DefaultBudget())
	for i := 0; i < 5; i++ {
		require.NoError(t, acc.Append(segment.RawSegment{
			SegmentID: fmt.Sprintf("s%d", i),
			StartMs:   int64(i) * 30_000,
			EndMs:     int64(i)*30_000 + 30_000,
		}))
	}

	got, ok := acc.Covering(65_000)
	require.True(t, ok)
	assert.Equal(t, "s2", got.SegmentID)

	_, ok = acc.Covering(999_000)
	assert.False(t, ok)
}

func TestAccumulator_Reset(t *testing.T) {
	acc := segment.NewAccumulator(segment.DefaultBudget())
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s1", RawText: "text", StartMs: 0, EndMs: 10}))

	acc.Reset()
	assert.Equal(t, 0, acc.Len())
	assert.Equal(t, 0, acc.TotalChars())

	// The id space resets with the contents.
	require.NoError(t, acc.Append(segment.RawSegment{SegmentID: "s1", RawText: "text", StartMs: 0, EndMs: 10}))
}
