package dbrb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuorumManagerAcknowledgedExactlyOnce(t *testing.T) {
	qm := NewQuorumManager()
	view := NewView(pid(1), pid(2), pid(3), pid(4)) // quorum = 3
	hash := Hash256{0x42}

	var trueCount int
	for i := byte(1); i <= 4; i++ {
		if qm.UpdateAcknowledged(view, pid(i), hash) {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount, "exactly one update must cross the quorum threshold")
}

func TestQuorumManagerDuplicateSenderIsNoOp(t *testing.T) {
	qm := NewQuorumManager()
	view := NewView(pid(1), pid(2), pid(3))
	hash := Hash256{0x1}

	assert.False(t, qm.UpdateAcknowledged(view, pid(1), hash))
	assert.False(t, qm.UpdateAcknowledged(view, pid(1), hash), "re-adding the same sender must be a no-op")
	assert.False(t, qm.UpdateAcknowledged(view, pid(2), hash))
	assert.True(t, qm.UpdateAcknowledged(view, pid(3), hash))
}

func TestQuorumManagerConcurrentInterleavingTriggersOnce(t *testing.T) {
	qm := NewQuorumManager()
	n := 10
	members := make([]ProcessId, n)
	for i := range members {
		members[i] = pid(byte(i + 1))
	}
	view := NewView(members...)
	hash := Hash256{0x7}

	results := make([]bool, n)
	var wg sync.WaitGroup
	for i, id := range members {
		wg.Add(1)
		go func(i int, id ProcessId) {
			defer wg.Done()
			results[i] = qm.UpdateAcknowledged(view, id, hash)
		}(i, id)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestQuorumManagerAcknowledgedSignersMatchPayload(t *testing.T) {
	qm := NewQuorumManager()
	view := NewView(pid(1), pid(2), pid(3))
	hashA := Hash256{0xA}
	hashB := Hash256{0xB}

	qm.UpdateAcknowledged(view, pid(1), hashA)
	qm.UpdateAcknowledged(view, pid(2), hashA)
	qm.UpdateAcknowledged(view, pid(3), hashB)

	signers := qm.AcknowledgedSigners(view, hashA)
	assert.ElementsMatch(t, []ProcessId{pid(1), pid(2)}, signers)
}

func TestQuorumManagerDeliveredAndConfirmedAreIndependent(t *testing.T) {
	qm := NewQuorumManager()
	view := NewView(pid(1), pid(2), pid(3))

	assert.False(t, qm.UpdateDelivered(view, pid(1)))
	assert.False(t, qm.UpdateDelivered(view, pid(2)))
	assert.True(t, qm.UpdateDelivered(view, pid(3)))

	// A separate counter family (ConfirmedDeliverProcesses) must not have
	// been perturbed by the Delivered updates above.
	assert.False(t, qm.UpdateConfirmedDeliver(view, pid(1)))
}

func TestQuorumManagerReconfigCountersAreKeyedByViewAndSequence(t *testing.T) {
	qm := NewQuorumManager()
	replacedView := NewView(pid(1), pid(2), pid(3))
	seqA, _ := NewSequence([]View{NewView(pid(1), pid(2), pid(3), pid(4))})
	seqB, _ := NewSequence([]View{NewView(pid(1), pid(2), pid(3), pid(5))})

	assert.False(t, qm.UpdateProposed(replacedView, seqA, pid(1), 2))
	// A vote for a different proposed sequence under the same replaced view
	// must be tracked independently.
	assert.False(t, qm.UpdateProposed(replacedView, seqB, pid(2), 2))
	assert.True(t, qm.UpdateProposed(replacedView, seqA, pid(2), 2))
}
