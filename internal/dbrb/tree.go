package dbrb

import "errors"

// ErrBroadcasterInView is returned when the broadcaster identity also
// appears among the reachable or unreachable node sets passed to
// CreateDbrbTreeView.
var ErrBroadcasterInView = errors.New("dbrb: broadcaster present in reachable or unreachable node set")

// treeNode is one position in the balanced shard tree: Index is this
// node's slot in the flattened TreeView, NodeCount the size of the
// subtree rooted here (including itself), and maxNodesToRemove the
// number of unreachable nodes that can still be excised from this
// subtree without breaching its own Byzantine quorum.
type treeNode struct {
	index            int
	maxNodesToRemove int
	nodeCount        int
	childIndex       int
	parent           *treeNode
	children         []*treeNode
}

// buildDbrbTree lays out nodeCount positions into a tree where every
// internal node has up to (shardSize-1) children, filled breadth-first.
func buildDbrbTree(nodeCount, shardSize int) []treeNode {
	tree := make([]treeNode, nodeCount)
	if nodeCount == 0 {
		return tree
	}

	tree[0] = treeNode{index: 0, nodeCount: 1}
	root := &tree[0]
	parent := root
	childCount := shardSize - 1
	levelIndex := 0
	childIndex := 0
	levelNodeCount := childCount

	for index := 1; index < len(tree); index++ {
		tree[index] = treeNode{index: index, nodeCount: 1, childIndex: childIndex, parent: parent}
		parent.children = append(parent.children, &tree[index])
		for node := parent; node != nil; node = node.parent {
			node.nodeCount++
		}

		childIndex++
		levelIndex++
		switch {
		case levelIndex >= levelNodeCount:
			parent = root
			for len(parent.children) > 0 {
				parent = parent.children[0]
			}
			levelNodeCount *= childCount
			levelIndex = 0
			childIndex = 0
		case childIndex >= childCount:
			currentLevelIndex := levelIndex
			var parentIndexes []int
			for currentLevelIndex >= childCount {
				parent = parent.parent
				currentLevelIndex /= childCount
				parentIndexes = append(parentIndexes, currentLevelIndex%childCount)
			}
			for i := len(parentIndexes) - 1; i >= 0; i-- {
				parent = parent.children[parentIndexes[i]]
			}
			childIndex = 0
		}
	}

	return tree
}

// addProcessesToView fills view at every position in the subtree rooted
// at node, breadth-first, consuming one id from ids per position. When
// addRoot is false the root's own position is left untouched by this
// call (the caller has already placed it, or will).
func addProcessesToView(view []ProcessId, ids *[]ProcessId, node *treeNode, addRoot bool) {
	take := func() ProcessId {
		id := (*ids)[0]
		*ids = (*ids)[1:]
		return id
	}

	if addRoot {
		view[node.index] = take()
	}

	queue := append([]*treeNode{}, node.children...)
	for len(queue) > 0 {
		sub := queue[0]
		queue = queue[1:]
		if sub == nil {
			// Excised subtree: its positions are filled separately, from
			// the unreachable set, by the removedSubtrees pass.
			continue
		}
		view[sub.index] = take()
		queue = append(queue, sub.children...)
	}
}

// CreateDbrbTreeView arranges the broadcaster plus every reachable and
// unreachable process into a single flattened tree, indexed breadth-first
// from the broadcaster at position 0. When the unreachable count exceeds
// what the overall view can tolerate as Byzantine faults, an empty slice
// is returned. With at most shardSize nodes total, or with no unreachable nodes
// at all, the tree degenerates to broadcaster-then-everyone-else with no
// further structure.
func CreateDbrbTreeView(reachable, unreachable []ProcessId, broadcaster ProcessId, shardSize int) ([]ProcessId, error) {
	for _, id := range reachable {
		if id == broadcaster {
			return nil, ErrBroadcasterInView
		}
	}
	for _, id := range unreachable {
		if id == broadcaster {
			return nil, ErrBroadcasterInView
		}
	}

	unreachableCount := len(unreachable)
	nodeCount := len(reachable) + unreachableCount + 1
	if unreachableCount > MaxInvalidProcesses(nodeCount) {
		treeLogger().Warnw("too many unreachable nodes for tree view", "unreachable", unreachableCount, "nodeCount", nodeCount)
		return nil, nil
	}

	view := make([]ProcessId, nodeCount)
	view[0] = broadcaster
	if unreachableCount == 0 || nodeCount <= shardSize {
		index := 0
		for _, id := range reachable {
			index++
			view[index] = id
		}
		for _, id := range unreachable {
			index++
			view[index] = id
		}
		return view, nil
	}

	tree := buildDbrbTree(nodeCount, shardSize)
	root := &tree[0]
	root.maxNodesToRemove = MaxInvalidProcesses(root.nodeCount)

	queue := append([]*treeNode{}, root.children...)
	var removedSubtrees []*treeNode
	remaining := unreachableCount
	for remaining > 0 {
		if len(queue) == 0 {
			return nil, errors.New("dbrb: failed to build tree view, ran out of candidate subtrees")
		}
		sub := queue[0]
		queue = queue[1:]

		if sub.nodeCount <= remaining && sub.nodeCount <= sub.parent.maxNodesToRemove {
			removedSubtrees = append(removedSubtrees, sub)
			remaining -= sub.nodeCount
			sub.parent.children[sub.childIndex] = nil
			for node := sub.parent; node != nil; node = node.parent {
				node.maxNodesToRemove -= sub.nodeCount
			}
		} else {
			sub.maxNodesToRemove = MaxInvalidProcesses(sub.nodeCount)
			for _, child := range sub.children {
				if child != nil {
					queue = append(queue, child)
				}
			}
		}
	}

	reachableIDs := append([]ProcessId{}, reachable...)
	addProcessesToView(view, &reachableIDs, root, false)

	unreachableIDs := append([]ProcessId{}, unreachable...)
	for _, sub := range removedSubtrees {
		addProcessesToView(view, &unreachableIDs, sub, true)
	}

	return view, nil
}
