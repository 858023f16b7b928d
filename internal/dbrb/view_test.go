package dbrb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pid(b byte) ProcessId {
	var id ProcessId
	id[0] = b
	return id
}

func TestViewQuorumSizeBoundary(t *testing.T) {
	cases := []struct {
		n        int
		expected int
	}{
		{1, 1},
		{4, 3},
		{7, 5},
		{10, 7},
		{100, 67},
	}
	for _, c := range cases {
		members := make([]ProcessId, c.n)
		for i := range members {
			members[i] = pid(byte(i + 1))
		}
		v := NewView(members...)
		assert.Equalf(t, c.expected, v.QuorumSize(), "n=%d", c.n)
	}
}

func TestMaxInvalidProcesses(t *testing.T) {
	for k := 0; k < 20; k++ {
		n := 3*k + 1
		assert.Equal(t, k, MaxInvalidProcesses(n))
	}
}

func TestViewSingleMemberQuorum(t *testing.T) {
	v := NewView(pid(1))
	assert.Equal(t, 1, v.QuorumSize())
}

func TestViewMergeIdempotent(t *testing.T) {
	a := NewView(pid(1), pid(2))
	merged := a.Merge(a)
	assert.True(t, merged.Equal(a))
}

func TestViewDifferenceSelf(t *testing.T) {
	a := NewView(pid(1), pid(2))
	assert.Equal(t, 0, len(a.Difference(a).Data))
}

func TestViewMergeThenDifference(t *testing.T) {
	a := NewView(pid(1), pid(2))
	b := NewView(pid(3))
	merged := a.Merge(b)
	result := merged.Difference(b)
	assert.True(t, result.Equal(a))
}

func TestViewOrderingStrictSubset(t *testing.T) {
	small := NewView(pid(1), pid(2))
	big := NewView(pid(1), pid(2), pid(3))
	assert.True(t, small.Less(big))
	assert.True(t, big.Greater(small))
	assert.False(t, big.Less(small))
}

func TestViewOrderingIncomparable(t *testing.T) {
	a := NewView(pid(1), pid(2))
	b := NewView(pid(2), pid(3))
	assert.False(t, a.Less(b))
	assert.False(t, a.Greater(b))
	assert.False(t, Comparable(a, b))
}

func TestViewPackRoundTrip(t *testing.T) {
	v := NewView(pid(1), pid(2), pid(3))
	packed := v.Pack()
	decoded, rest, err := UnpackView(packed)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.ElementsMatch(t, v.Members(), decoded.Members())
}

func TestSequenceTryInsertMaintainsOrder(t *testing.T) {
	v1 := NewView(pid(1))
	v2 := NewView(pid(1), pid(2))
	v3 := NewView(pid(1), pid(2), pid(3))

	original, ok := NewSequence([]View{v1, v2, v3})
	require.True(t, ok)

	// Insert each view of `original` into a fresh sequence, in any order;
	// the result must equal `original`.
	var rebuilt Sequence
	order := []View{v2, v3, v1}
	for _, v := range order {
		var inserted bool
		rebuilt, inserted = rebuilt.TryInsert(v)
		require.True(t, inserted)
	}
	assert.True(t, rebuilt.Equal(original))
}

func TestSequenceCanInsertIncomparable(t *testing.T) {
	v1 := NewView(pid(1), pid(2))
	seq, ok := NewSequence([]View{v1})
	require.True(t, ok)

	incomparable := NewView(pid(2), pid(3))
	_, ok = seq.CanInsert(incomparable)
	assert.False(t, ok)
}

func TestSequenceAppendRequiresStrictlyGreater(t *testing.T) {
	v1 := NewView(pid(1))
	seq, ok := NewSequence([]View{v1})
	require.True(t, ok)

	_, appended := seq.TryAppend(v1)
	assert.False(t, appended, "appending a duplicate view must fail")

	v2 := NewView(pid(1), pid(2))
	next, appended := seq.TryAppend(v2)
	require.True(t, appended)
	assert.Equal(t, 2, next.Len())
}

func TestSequenceOrderByLengthOnly(t *testing.T) {
	short, _ := NewSequence([]View{NewView(pid(1))})
	long, _ := NewSequence([]View{NewView(pid(9)), NewView(pid(9), pid(10))})
	assert.True(t, short.Less(long))
}

func TestSequencePackRoundTrip(t *testing.T) {
	v1 := NewView(pid(1))
	v2 := NewView(pid(1), pid(2))
	seq, ok := NewSequence([]View{v1, v2})
	require.True(t, ok)

	packed := seq.Pack()
	decoded, rest, err := UnpackSequence(packed)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, decoded.Equal(seq))
}
