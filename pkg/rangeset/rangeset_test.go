package rangeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, s Set, start, end int64) Set {
	t.Helper()
	out, err := s.Add(Range{Start: start, End: end})
	require.NoError(t, err)
	return out
}

func TestNewRange(t *testing.T) {
	r, err := NewRange(100, 200)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 100, End: 299}, r)
	assert.Equal(t, int64(200), r.Len())

	_, err = NewRange(0, 0)
	assert.Error(t, err, "zero-length range must be rejected")

	_, err = NewRange(-1, 10)
	assert.Error(t, err, "negative offset must be rejected")
}

func TestAddDisjoint(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 9)
	s = mustAdd(t, s, 20, 29)

	assert.Equal(t, []Range{{0, 9}, {20, 29}}, s.Ranges())
	assert.Equal(t, int64(20), s.TotalLen())
}

func TestAddOverlapping(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 100, 299)
	s = mustAdd(t, s, 200, 399)

	assert.Equal(t, []Range{{100, 399}}, s.Ranges())
	assert.Equal(t, int64(300), s.TotalLen())
}

func TestAddAdjacentMerges(t *testing.T) {
	// [a,b] and [b+1,c] merge into [a,c].
	var s Set
	s = mustAdd(t, s, 0, 99)
	s = mustAdd(t, s, 100, 199)

	assert.Equal(t, []Range{{0, 199}}, s.Ranges())
}

func TestAddSwallowsMultiple(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 9)
	s = mustAdd(t, s, 20, 29)
	s = mustAdd(t, s, 40, 49)
	s = mustAdd(t, s, 5, 44)

	assert.Equal(t, []Range{{0, 49}}, s.Ranges())
}

func TestAddIdempotent(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 10, 19)
	again := mustAdd(t, s, 10, 19)

	assert.Equal(t, s.Ranges(), again.Ranges())
	assert.Equal(t, s.TotalLen(), again.TotalLen())
}

func TestAddDoesNotMutateReceiver(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 9)

	_ = mustAdd(t, s, 5, 99)
	assert.Equal(t, []Range{{0, 9}}, s.Ranges(), "receiver must be unchanged")
}

func TestFromRanges(t *testing.T) {
	s, err := FromRanges([]Range{{20, 29}, {0, 9}, {10, 19}, {25, 40}})
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 40}}, s.Ranges())

	// Idempotence: merging the merged output changes nothing.
	again, err := FromRanges(s.Ranges())
	require.NoError(t, err)
	assert.Equal(t, s.Ranges(), again.Ranges())

	_, err = FromRanges([]Range{{5, 1}})
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 99)
	s = mustAdd(t, s, 200, 299)

	assert.True(t, s.Contains(Range{0, 99}))
	assert.True(t, s.Contains(Range{10, 20}))
	assert.True(t, s.Contains(Range{200, 200}))
	assert.False(t, s.Contains(Range{50, 150}), "partial overlap is not containment")
	assert.False(t, s.Contains(Range{100, 199}))
	assert.False(t, s.Contains(Range{90, 210}), "spanning two ranges is not containment")
}

func TestOverlapping(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 9)
	s = mustAdd(t, s, 20, 29)
	s = mustAdd(t, s, 40, 49)

	assert.Equal(t, []Range{{0, 9}, {20, 29}}, s.Overlapping(Range{5, 25}))
	assert.Empty(t, s.Overlapping(Range{10, 19}))
	assert.Equal(t, []Range{{0, 9}, {20, 29}, {40, 49}}, s.Overlapping(Range{0, 100}))
}

func TestFirstMissing(t *testing.T) {
	var s Set
	s = mustAdd(t, s, 0, 99)
	s = mustAdd(t, s, 200, 299)

	assert.Equal(t, int64(100), s.FirstMissing(0))
	assert.Equal(t, int64(100), s.FirstMissing(50))
	assert.Equal(t, int64(150), s.FirstMissing(150))
	assert.Equal(t, int64(300), s.FirstMissing(250))

	var empty Set
	assert.Equal(t, int64(42), empty.FirstMissing(42))
}

func TestComplete(t *testing.T) {
	var s Set
	assert.False(t, s.Complete(100))

	s = mustAdd(t, s, 0, 99)
	assert.True(t, s.Complete(100))
	assert.False(t, s.Complete(200))
	assert.False(t, s.Complete(0))

	s = mustAdd(t, s, 150, 199)
	assert.False(t, s.Complete(200), "a gap means not complete")
}

func TestEmptySet(t *testing.T) {
	var s Set
	assert.True(t, s.Empty())
	assert.Equal(t, int64(0), s.TotalLen())
	assert.Equal(t, int64(-1), s.Max())
	assert.False(t, s.Contains(Range{0, 0}))
	assert.Empty(t, s.Overlapping(Range{0, 100}))
}

func TestInvariantsAfterRandomishAdds(t *testing.T) {
	var s Set
	adds := []Range{
		{500, 599}, {0, 49}, {100, 149}, {50, 99}, {560, 700},
		{800, 899}, {701, 799}, {10, 20}, {950, 951},
	}
	for _, r := range adds {
		var err error
		s, err = s.Add(r)
		require.NoError(t, err)

		// Sorted, disjoint, non-touching after every add.
		rs := s.Ranges()
		var total int64
		for i, cur := range rs {
			require.True(t, cur.Valid())
			total += cur.Len()
			if i > 0 {
				require.Greater(t, cur.Start, rs[i-1].End+1,
					"ranges %s and %s must not touch", rs[i-1], cur)
			}
		}
		require.Equal(t, total, s.TotalLen())
	}

	assert.Equal(t, []Range{{0, 149}, {500, 899}, {950, 951}}, s.Ranges())
}
