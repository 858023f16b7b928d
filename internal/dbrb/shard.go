package dbrb

import (
	"errors"
	"fmt"
)

// MinShardSize is the smallest shard size CreateDbrbShard accepts; below
// this a shard could not itself tolerate any Byzantine fault.
const MinShardSize = 4

// DoubleShard is one process's view of its place in the broadcast tree:
// the parent shard it belongs to as a child, and the child shard it
// belongs to as a parent. Vote power differs by role — a sibling carries
// the weight of the subtree it roots, the parent the weight of
// everything outside this process's own subtree.
type DoubleShard struct {
	Initialized bool

	Parent      ProcessId
	Siblings    []ProcessId
	Children    []ProcessId
	Neighbours  []ProcessId

	ParentView   []ProcessId
	SiblingViews map[ProcessId][]ProcessId
	ChildViews   map[ProcessId][]ProcessId
}

// CreateDbrbShard derives thisProcessId's double shard from a flattened
// tree view produced by CreateDbrbTreeView.
func CreateDbrbShard(view []ProcessId, thisProcessID ProcessId, shardSize int) (DoubleShard, error) {
	if shardSize < MinShardSize {
		return DoubleShard{}, fmt.Errorf("dbrb: shard size %d below minimum %d", shardSize, MinShardSize)
	}
	if len(view) == 0 {
		return DoubleShard{}, errors.New("dbrb: tree view is empty")
	}

	var shard DoubleShard
	parentViewSet := make(map[ProcessId]struct{})
	addParentView := func(id ProcessId) {
		if _, ok := parentViewSet[id]; !ok {
			parentViewSet[id] = struct{}{}
			shard.ParentView = append(shard.ParentView, id)
		}
	}
	removeParentView := func(id ProcessId) {
		if _, ok := parentViewSet[id]; !ok {
			return
		}
		delete(parentViewSet, id)
		for i, existing := range shard.ParentView {
			if existing == id {
				shard.ParentView = append(shard.ParentView[:i], shard.ParentView[i+1:]...)
				break
			}
		}
	}
	neighbourSet := make(map[ProcessId]struct{})
	addNeighbour := func(id ProcessId) {
		if _, ok := neighbourSet[id]; !ok {
			neighbourSet[id] = struct{}{}
			shard.Neighbours = append(shard.Neighbours, id)
		}
	}

	nodeCount := len(view)
	childCount := shardSize - 1

	index := 0
	levelIndex := 0
	levelNodeCount := 1
	thisNodeFound := false
	for ; index < nodeCount; index++ {
		id := view[index]
		if id == thisProcessID {
			thisNodeFound = true
			break
		}
		addParentView(id)

		levelIndex++
		if levelIndex >= levelNodeCount {
			levelIndex = 0
			levelNodeCount *= childCount
		}
	}

	if !thisNodeFound {
		treeLogger().Warnw("process not found in tree view", "process", thisProcessID.String())
		return shard, nil
	}

	thisNodeLevelIndex := levelIndex
	childIndex := levelIndex % childCount
	parentLevelIndex := levelIndex / childCount
	parentLevelNodeCount := levelNodeCount / childCount

	siblingOwnerByLevelIndex := make(map[int]ProcessId)
	shard.SiblingViews = make(map[ProcessId][]ProcessId)
	shard.ChildViews = make(map[ProcessId][]ProcessId)

	if levelNodeCount > 1 {
		levelStartIndex := index - levelIndex
		shard.Parent = view[levelStartIndex-(parentLevelNodeCount-parentLevelIndex)]
		addNeighbour(shard.Parent)

		siblingsStartIndex := parentLevelIndex * childCount
		for i := 0; i < childCount; i++ {
			if i == childIndex {
				continue
			}
			siblingLevelIndex := siblingsStartIndex + i
			siblingIndex := levelStartIndex + siblingLevelIndex
			if siblingIndex >= nodeCount {
				break
			}

			id := view[siblingIndex]
			removeParentView(id)
			shard.Siblings = append(shard.Siblings, id)
			addNeighbour(id)
			shard.SiblingViews[id] = append(shard.SiblingViews[id], id)
			siblingOwnerByLevelIndex[siblingLevelIndex] = id
		}

		index += childCount - childIndex
		for ; index < levelStartIndex+levelNodeCount && index < nodeCount; index++ {
			addParentView(view[index])
		}

		levelIndex = levelNodeCount - 1
	} else {
		index++
	}

	siblingsLevelNodeCount := levelNodeCount
	childrenLevelNodeCount := siblingsLevelNodeCount * childCount
	childViews := make(map[int]ProcessId)

	for ; index < nodeCount; index++ {
		levelIndex++
		if levelIndex >= levelNodeCount {
			levelIndex = 0
			levelNodeCount *= childCount
		}

		id := view[index]
		if levelIndex*parentLevelNodeCount/levelNodeCount == parentLevelIndex {
			siblingsLevelIndex := levelIndex * siblingsLevelNodeCount / levelNodeCount
			if siblingsLevelIndex == thisNodeLevelIndex {
				childrenLevelIndex := levelIndex * childrenLevelNodeCount / levelNodeCount
				if owner, ok := childViews[childrenLevelIndex]; !ok {
					shard.Children = append(shard.Children, id)
					addNeighbour(id)
					shard.ChildViews[id] = append(shard.ChildViews[id], id)
					childViews[childrenLevelIndex] = id
				} else {
					shard.ChildViews[owner] = append(shard.ChildViews[owner], id)
				}
			} else if owner, ok := siblingOwnerByLevelIndex[siblingsLevelIndex]; ok {
				shard.SiblingViews[owner] = append(shard.SiblingViews[owner], id)
			}
		} else {
			addParentView(id)
		}
	}

	shard.Initialized = true
	return shard, nil
}
