package dbrb

import "sync"

// quorumKey keys a counter either by a bare view, or by a (view, sequence)
// pair for reconfiguration rounds.
type quorumKey struct {
	viewKey     string
	sequenceKey string
}

func newQuorumKeyFromView(v View) quorumKey {
	return quorumKey{viewKey: packKey(v.Pack())}
}

func newQuorumKeyFromViewSequence(v View, s Sequence) quorumKey {
	return quorumKey{viewKey: packKey(v.Pack()), sequenceKey: packKey(s.Pack())}
}

func packKey(b []byte) string {
	return string(b)
}

// QuorumManager tallies votes per view (or per (view,sequence) pair for
// reconfiguration rounds) and signals that a threshold has been reached
// exactly once per tracked key.
type QuorumManager struct {
	mu sync.Mutex

	// acknowledgedPayloads[view] -> set of (ProcessId, PayloadHash) pairs.
	acknowledgedPayloads map[quorumKey]map[ackEntry]struct{}
	acknowledgedCounts   map[ackCountKey]int

	// deliveredProcesses[view] -> set of ProcessId.
	deliveredProcesses map[quorumKey]map[ProcessId]struct{}

	// confirmedDeliverProcesses[view] -> set of ProcessId.
	confirmedDeliverProcesses map[quorumKey]map[ProcessId]struct{}

	// proposedCounters[(view,sequence)] -> set of ProcessId.
	proposedCounters map[quorumKey]map[ProcessId]struct{}

	// convergedSignatures[sequence] -> set of ProcessId.
	convergedSignatures map[quorumKey]map[ProcessId]struct{}
}

type ackEntry struct {
	sender      ProcessId
	payloadHash Hash256
}

type ackCountKey struct {
	view        quorumKey
	payloadHash Hash256
}

// NewQuorumManager returns an empty manager.
func NewQuorumManager() *QuorumManager {
	return &QuorumManager{
		acknowledgedPayloads:      make(map[quorumKey]map[ackEntry]struct{}),
		acknowledgedCounts:        make(map[ackCountKey]int),
		deliveredProcesses:        make(map[quorumKey]map[ProcessId]struct{}),
		confirmedDeliverProcesses: make(map[quorumKey]map[ProcessId]struct{}),
		proposedCounters:          make(map[quorumKey]map[ProcessId]struct{}),
		convergedSignatures:       make(map[quorumKey]map[ProcessId]struct{}),
	}
}

// UpdateAcknowledged records that sender acknowledged payloadHash under
// view, and returns true exactly once: on the update that first makes the
// count of (sender,payloadHash) pairs for this payload-hash equal the
// view's quorum size.
func (q *QuorumManager) UpdateAcknowledged(view View, sender ProcessId, payloadHash Hash256) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := newQuorumKeyFromView(view)
	set, ok := q.acknowledgedPayloads[key]
	if !ok {
		set = make(map[ackEntry]struct{})
		q.acknowledgedPayloads[key] = set
	}
	entry := ackEntry{sender: sender, payloadHash: payloadHash}
	if _, exists := set[entry]; exists {
		quorumLogger().Debugw("acknowledged update: sender already counted", "sender", sender.String())
		return false
	}
	set[entry] = struct{}{}

	ck := ackCountKey{view: key, payloadHash: payloadHash}
	q.acknowledgedCounts[ck]++
	return q.acknowledgedCounts[ck] == view.QuorumSize()
}

// AcknowledgedSigners returns every sender recorded as having acknowledged
// payloadHash under view, used by the broadcast engine to assemble a
// Certificate once quorum is reached.
func (q *QuorumManager) AcknowledgedSigners(view View, payloadHash Hash256) []ProcessId {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := newQuorumKeyFromView(view)
	set, ok := q.acknowledgedPayloads[key]
	if !ok {
		return nil
	}
	out := make([]ProcessId, 0, len(set))
	for entry := range set {
		if entry.payloadHash == payloadHash {
			out = append(out, entry.sender)
		}
	}
	return out
}

// UpdateDelivered records sender's Deliver vote under view, returning true
// exactly once the threshold is first reached.
func (q *QuorumManager) UpdateDelivered(view View, sender ProcessId) bool {
	return q.updateSet(q.deliveredProcesses, newQuorumKeyFromView(view), sender, view.QuorumSize())
}

// UpdateConfirmedDeliver records sender's ConfirmDeliver vote, counted
// against the bootstrap view's quorum size.
func (q *QuorumManager) UpdateConfirmedDeliver(bootstrapView View, sender ProcessId) bool {
	return q.updateSet(q.confirmedDeliverProcesses, newQuorumKeyFromView(bootstrapView), sender, bootstrapView.QuorumSize())
}

// UpdateProposed records sender's Propose vote for the (replacedView,
// proposedSequence) pair.
func (q *QuorumManager) UpdateProposed(replacedView View, proposedSequence Sequence, sender ProcessId, quorumSize int) bool {
	return q.updateSet(q.proposedCounters, newQuorumKeyFromViewSequence(replacedView, proposedSequence), sender, quorumSize)
}

// UpdateConverged records sender's Converged signature for sequence.
func (q *QuorumManager) UpdateConverged(sequence Sequence, sender ProcessId, quorumSize int) bool {
	return q.updateSet(q.convergedSignatures, quorumKey{sequenceKey: packKey(sequence.Pack())}, sender, quorumSize)
}

func (q *QuorumManager) updateSet(buckets map[quorumKey]map[ProcessId]struct{}, key quorumKey, sender ProcessId, quorumSize int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	set, ok := buckets[key]
	if !ok {
		set = make(map[ProcessId]struct{})
		buckets[key] = set
	}
	if _, exists := set[sender]; exists {
		quorumLogger().Debugw("quorum update: sender already counted", "sender", sender.String())
		return false
	}
	set[sender] = struct{}{}
	return len(set) == quorumSize
}
