package dbrb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countIDs(ids []ProcessId) map[ProcessId]int {
	counts := make(map[ProcessId]int, len(ids))
	for _, id := range ids {
		counts[id]++
	}
	return counts
}

func TestCreateDbrbTreeViewNoUnreachableIsFlat(t *testing.T) {
	broadcaster := pid(1)
	reachable := []ProcessId{pid(2), pid(3), pid(4)}

	view, err := CreateDbrbTreeView(reachable, nil, broadcaster, 4)
	require.NoError(t, err)
	require.Len(t, view, 4)
	assert.Equal(t, broadcaster, view[0])
	assert.ElementsMatch(t, reachable, view[1:])
}

func TestCreateDbrbTreeViewRejectsBroadcasterInReachable(t *testing.T) {
	broadcaster := pid(1)
	_, err := CreateDbrbTreeView([]ProcessId{broadcaster}, nil, broadcaster, 4)
	assert.ErrorIs(t, err, ErrBroadcasterInView)
}

func TestCreateDbrbTreeViewRejectsTooManyUnreachable(t *testing.T) {
	broadcaster := pid(1)
	reachable := []ProcessId{pid(2), pid(3)}
	unreachable := []ProcessId{pid(4), pid(5), pid(6), pid(7), pid(8), pid(9)}

	view, err := CreateDbrbTreeView(reachable, unreachable, broadcaster, 4)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestCreateDbrbTreeViewPreservesEveryProcessExactlyOnce(t *testing.T) {
	broadcaster := pid(1)
	var reachable []ProcessId
	for i := byte(2); i <= 30; i++ {
		reachable = append(reachable, pid(i))
	}
	var unreachable []ProcessId
	for i := byte(31); i <= 33; i++ {
		unreachable = append(unreachable, pid(i))
	}

	view, err := CreateDbrbTreeView(reachable, unreachable, broadcaster, 4)
	require.NoError(t, err)
	require.NotNil(t, view)

	all := append([]ProcessId{broadcaster}, append(append([]ProcessId{}, reachable...), unreachable...)...)
	assert.Equal(t, countIDs(all), countIDs(view))
	assert.Equal(t, broadcaster, view[0])
}

func TestCreateDbrbShardRejectsSmallShardSize(t *testing.T) {
	_, err := CreateDbrbShard([]ProcessId{pid(1)}, pid(1), 2)
	assert.Error(t, err)
}

func TestCreateDbrbShardFlatTreeYieldsOneParentNoChildren(t *testing.T) {
	broadcaster := pid(1)
	members := []ProcessId{pid(2), pid(3), pid(4)}
	view, err := CreateDbrbTreeView(members, nil, broadcaster, 4)
	require.NoError(t, err)

	shard, err := CreateDbrbShard(view, pid(2), 4)
	require.NoError(t, err)
	assert.True(t, shard.Initialized)
	assert.Equal(t, broadcaster, shard.Parent)
	assert.Empty(t, shard.Children)
	assert.ElementsMatch(t, []ProcessId{pid(3), pid(4)}, shard.Siblings)
}

func TestCreateDbrbShardBroadcasterHasNoParent(t *testing.T) {
	broadcaster := pid(1)
	members := []ProcessId{pid(2), pid(3), pid(4)}
	view, err := CreateDbrbTreeView(members, nil, broadcaster, 4)
	require.NoError(t, err)

	shard, err := CreateDbrbShard(view, broadcaster, 4)
	require.NoError(t, err)
	assert.True(t, shard.Initialized)
	assert.Equal(t, ProcessId{}, shard.Parent)
	assert.ElementsMatch(t, members, shard.Children)
}

func TestCreateDbrbShardUnknownProcessIsUninitialized(t *testing.T) {
	broadcaster := pid(1)
	members := []ProcessId{pid(2), pid(3), pid(4)}
	view, err := CreateDbrbTreeView(members, nil, broadcaster, 4)
	require.NoError(t, err)

	shard, err := CreateDbrbShard(view, pid(99), 4)
	require.NoError(t, err)
	assert.False(t, shard.Initialized)
}

func TestCreateDbrbShardLargerTreeHasChildShard(t *testing.T) {
	broadcaster := pid(1)
	var members []ProcessId
	for i := byte(2); i <= 16; i++ {
		members = append(members, pid(i))
	}
	view, err := CreateDbrbTreeView(members, nil, broadcaster, 4)
	require.NoError(t, err)

	parentProcess := view[1]
	shard, err := CreateDbrbShard(view, parentProcess, 4)
	require.NoError(t, err)
	assert.True(t, shard.Initialized)
	assert.Equal(t, broadcaster, shard.Parent)
	assert.NotEmpty(t, shard.Children)
}

// TestCreateDbrbTreeViewOneUnreachablePlacesItInExcisedSlot exercises a
// twenty-two process tree (broadcaster plus twenty reachable plus one
// unreachable) at shard size 6. The single unreachable process always
// lands in whichever slot the excision pass frees first; the exact slot
// is implementation-deterministic, but once fixed it determines every
// neighbour relationship downstream, which this test pins down for the
// first reachable process's shard.
func TestCreateDbrbTreeViewOneUnreachablePlacesItInExcisedSlot(t *testing.T) {
	broadcaster := pid(1)
	var reachable []ProcessId
	for i := byte(2); i <= 21; i++ {
		reachable = append(reachable, pid(i))
	}
	unreachable := []ProcessId{pid(22)}

	view, err := CreateDbrbTreeView(reachable, unreachable, broadcaster, 6)
	require.NoError(t, err)
	require.Len(t, view, 22)
	assert.Equal(t, broadcaster, view[0])

	all := append([]ProcessId{broadcaster}, append(append([]ProcessId{}, reachable...), unreachable...)...)
	assert.Equal(t, countIDs(all), countIDs(view))

	p2 := pid(2)
	shard, err := CreateDbrbShard(view, p2, 6)
	require.NoError(t, err)
	require.True(t, shard.Initialized)

	assert.Equal(t, broadcaster, shard.Parent)
	assert.ElementsMatch(t, []ProcessId{pid(3), pid(4), pid(5), pid(22)}, shard.Siblings)
	assert.ElementsMatch(t, []ProcessId{pid(6), pid(7), pid(8), pid(9), pid(10)}, shard.Children)
}
