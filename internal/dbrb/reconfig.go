package dbrb

import "context"

// ReconfigEngine drives the currentView → newView transition cascade
// (Reconfig / Propose / Converged / Install / StateUpdate) for one
// Engine. It is owned by, and only ever invoked from, that engine's
// strand, so it holds no locks of its own.
type ReconfigEngine struct {
	e *Engine

	// pendingChanges accumulates (processId, change) requests not yet
	// folded into a proposed sequence.
	pendingChanges View

	// proposedSequences/convergedSequences/convergedSignatures are keyed
	// by the packed bytes of the replaced view they concern.
	proposedSequences   map[string]Sequence
	convergedSequences  map[string]Sequence
	convergedSignatures map[string]Certificate

	// pendingInstall stashes the unwrapped Install data this process is
	// currently running a StateUpdate round for, keyed the same way.
	pendingInstall map[string]InstallMessageData

	// stateUpdates collects one StateUpdateMessage per sender for the
	// in-flight round, keyed by replaced view.
	stateUpdates     map[string]map[ProcessId]*StateUpdateMessage
	stateUpdateFired map[string]bool
}

func newReconfigEngine(e *Engine) *ReconfigEngine {
	return &ReconfigEngine{
		e:                   e,
		pendingChanges:      NewView(),
		proposedSequences:   make(map[string]Sequence),
		convergedSequences:  make(map[string]Sequence),
		convergedSignatures: make(map[string]Certificate),
		pendingInstall:      make(map[string]InstallMessageData),
		stateUpdates:        make(map[string]map[ProcessId]*StateUpdateMessage),
		stateUpdateFired:    make(map[string]bool),
	}
}

// requestChange disseminates a Reconfig request for (id, change) bound to
// view; this process's own extension of pendingChanges happens when that
// Reconfig arrives back through handleReconfig, same as any other sender.
func (r *ReconfigEngine) requestChange(id ProcessId, change MembershipChange, view View) {
	msg := &ReconfigMessage{
		BaseMessage: r.e.sealed(),
		ProcessId:   id,
		Change:      change,
		View:        view,
	}
	r.e.signAndSend(msg, view.Members())
}

func (r *ReconfigEngine) handleReconfig(m *ReconfigMessage) {
	if !m.View.Equal(r.e.currentView) {
		logDrop(dropf("reconfig", "view is not the current view", nil))
		return
	}
	if r.e.currentView.HasChange(m.ProcessId, m.Change) {
		logDrop(dropf("reconfig", "change already reflected in current view", nil))
		return
	}
	if m.Change == Leave && !r.e.currentView.IsMember(m.ProcessId) {
		logDrop(dropf("reconfig", "matching join absent for leave request", nil))
		return
	}

	r.pendingChanges.Data[m.ProcessId] = m.Change

	confirm := &ReconfigConfirmMessage{BaseMessage: r.e.sealed(), View: r.e.currentView}
	r.e.signAndSend(confirm, []ProcessId{m.Sender})

	if r.e.viewInstalled {
		r.triggerPropose()
	}
}

func (r *ReconfigEngine) handleReconfigConfirm(m *ReconfigConfirmMessage) {
	reconfigLogger().Debugw("reconfig confirmed", "by", m.Sender.String(), "view", m.View.Size())
}

// triggerPropose computes newView = currentView ∪ pendingChanges and
// disseminates Propose(currentView, newView) to the current view.
func (r *ReconfigEngine) triggerPropose() {
	if len(r.pendingChanges.Data) == 0 {
		return
	}
	newView := r.e.currentView.Merge(r.pendingChanges)
	seq, ok := NewSequence([]View{newView})
	if !ok {
		logDrop(dropf("propose", "failed to build singleton sequence for new view", nil))
		return
	}

	key := packKey(r.e.currentView.Pack())
	r.proposedSequences[key] = seq

	propose := &ProposeMessage{
		BaseMessage:      r.e.sealed(),
		ProposedSequence: seq,
		ReplacedView:     r.e.currentView,
	}
	r.e.signAndSend(propose, r.e.currentView.Members())
}

func (r *ReconfigEngine) handlePropose(m *ProposeMessage) {
	if !m.ReplacedView.IsMember(m.Sender) {
		logDrop(dropf("propose", "sender not in replaced view", nil))
		return
	}
	mostRecentProposed, ok := m.ProposedSequence.MaybeMostRecent()
	if !ok || !mostRecentProposed.Greater(m.ReplacedView) {
		logDrop(dropf("propose", "proposed sequence is not strictly more recent than replaced view", nil))
		return
	}

	key := packKey(m.ReplacedView.Pack())
	local, hasLocal := r.proposedSequences[key]

	var resolved Sequence
	if !hasLocal {
		resolved = m.ProposedSequence
	} else if merged, ok := mergeSequences(local, m.ProposedSequence); ok {
		resolved = merged
	} else {
		lastConverged := r.convergedSequences[key]
		localMostRecent, hasLocalMostRecent := local.MaybeMostRecent()
		if !hasLocalMostRecent {
			localMostRecent = m.ReplacedView
		}
		mergedView := localMostRecent.Merge(mostRecentProposed)
		if appended, ok := lastConverged.TryAppend(mergedView); ok {
			resolved = appended
		} else {
			single, _ := NewSequence([]View{mergedView})
			resolved = single
		}
	}
	r.proposedSequences[key] = resolved

	reached := r.e.quorum.UpdateProposed(m.ReplacedView, resolved, m.Sender, m.ReplacedView.QuorumSize())
	if !reached {
		return
	}
	recordQuorum("proposed")
	r.convergedSequences[key] = resolved

	converged := &ConvergedMessage{
		BaseMessage:       r.e.sealed(),
		ConvergedSequence: resolved,
		ReplacedView:      m.ReplacedView,
	}
	r.e.signAndSend(converged, m.ReplacedView.Members())
}

func (r *ReconfigEngine) handleConverged(m *ConvergedMessage) {
	if !m.ReplacedView.IsMember(m.Sender) {
		logDrop(dropf("converged", "sender not in replaced view", nil))
		return
	}

	key := packKey(m.ReplacedView.Pack())
	sigs, ok := r.convergedSignatures[key]
	if !ok {
		sigs = make(Certificate)
		r.convergedSignatures[key] = sigs
	}
	sigs[m.Sender] = m.SenderSig

	reached := r.e.quorum.UpdateConverged(m.ConvergedSequence, m.Sender, m.ReplacedView.QuorumSize())
	if !reached {
		return
	}
	recordQuorum("converged")

	mostRecent, ok := m.ConvergedSequence.MaybeMostRecent()
	if !ok {
		logDrop(dropf("converged", "empty converged sequence at quorum", nil))
		return
	}
	fullSequenceData := append([]View{m.ReplacedView}, m.ConvergedSequence.Data()...)
	fullSequence, ok := NewSequence(fullSequenceData)
	if !ok {
		logDrop(dropf("converged", "replaced view plus converged sequence is not strictly ascending", nil))
		return
	}

	install := &InstallMessage{
		BaseMessage:         r.e.sealed(),
		Sequence:            fullSequence,
		ConvergedSignatures: sigs,
	}

	if r.e.txSender != nil {
		if err := r.e.txSender.SendInstallMessageTransaction(context.Background(), install); err != nil {
			logDrop(dropf("converged", "submit install transaction failed", err))
		}
	}

	recipients := m.ReplacedView.Merge(mostRecent).Members()
	r.e.signAndSend(install, recipients)
}

func (r *ReconfigEngine) handleInstall(m *InstallMessage) {
	data, ok := m.Data()
	if !ok {
		logDrop(dropf("install", "malformed install sequence", nil))
		return
	}
	installHash := MessageHash(concatBytes(data.ReplacedView.Pack(), data.ConvergedSequence.Pack()))
	if len(m.ConvergedSignatures) < data.ReplacedView.QuorumSize() {
		logDrop(dropf("install", "converged certificate below quorum size", nil))
		return
	}
	if !m.ConvergedSignatures.VerifyAgainst(installHash, &data.ReplacedView) {
		logDrop(dropf("install", "converged certificate contains invalid signature", nil))
		return
	}
	if !data.ReplacedView.Equal(r.e.currentView) {
		dbrbLogger().Warnw("install targets a view this process has already moved past", "process", r.e.self.String())
		return
	}

	r.e.limitedMode = true

	key := packKey(data.ReplacedView.Pack())
	r.pendingInstall[key] = data
	r.stateUpdates[key] = make(map[ProcessId]*StateUpdateMessage)
	r.stateUpdateFired[key] = false

	stateUpdate := &StateUpdateMessage{
		BaseMessage:    r.e.sealed(),
		State:          r.e.state,
		View:           data.ReplacedView,
		PendingChanges: r.pendingChanges,
	}
	recipients := data.ReplacedView.Merge(data.MostRecentView).Members()
	r.e.signAndSend(stateUpdate, recipients)
}

func (r *ReconfigEngine) handleStateUpdate(m *StateUpdateMessage) {
	key := packKey(m.View.Pack())
	bucket, ok := r.stateUpdates[key]
	if !ok {
		bucket = make(map[ProcessId]*StateUpdateMessage)
		r.stateUpdates[key] = bucket
	}
	if _, dup := bucket[m.Sender]; dup {
		return
	}
	bucket[m.Sender] = m

	if r.stateUpdateFired[key] {
		return
	}
	if len(bucket) < m.View.QuorumSize() {
		return
	}
	r.stateUpdateFired[key] = true
	recordQuorum("stateUpdate")
	r.finalizeStateUpdate(key, m.View)
}

func (r *ReconfigEngine) finalizeStateUpdate(key string, replacedView View) {
	data, ok := r.pendingInstall[key]
	if !ok {
		dbrbLogger().Warnw("state update quorum reached with no pending install", "process", r.e.self.String())
		return
	}
	bucket := r.stateUpdates[key]

	aggregated := NewView()
	for _, su := range bucket {
		for id, change := range su.PendingChanges.Data {
			aggregated.Data[id] = change
		}
	}
	remaining := NewView()
	for id, change := range aggregated.Data {
		if !data.MostRecentView.HasChange(id, change) {
			remaining.Data[id] = change
		}
	}
	r.pendingChanges = remaining

	r.updateProcessState(bucket)

	delete(r.pendingInstall, key)
	delete(r.stateUpdates, key)
	delete(r.stateUpdateFired, key)
	delete(r.proposedSequences, key)
	delete(r.convergedSequences, key)
	delete(r.convergedSignatures, key)

	if data.MostRecentView.IsMember(r.e.self) {
		r.e.currentView = data.MostRecentView
		newKey := packKey(r.e.currentView.Pack())
		if deeper, exists := r.proposedSequences[newKey]; exists && deeper.Len() > 0 {
			r.e.viewInstalled = true
			r.e.limitedMode = false
			r.triggerPropose()
			return
		}

		r.e.viewInstalled = true
		r.e.limitedMode = false
		viewInstalledTotal.Inc()
		currentViewSize.Set(float64(r.e.currentView.Size()))
		if r.e.onInstall != nil {
			r.e.onInstall(r.e.currentView)
		}
	} else {
		r.completeLeave()
	}
}

// updateProcessState reconciles this process's local ProcessState against
// every StateUpdate collected for the round, keeping whichever Stored
// commit certificate is present and flagging (without failing) a round
// where two senders report commits for different payloads.
func (r *ReconfigEngine) updateProcessState(bucket map[ProcessId]*StateUpdateMessage) {
	var storedHash *Hash256
	for sender, su := range bucket {
		if su.State.Stored == nil {
			continue
		}
		hash := su.State.Stored.PayloadHash
		if storedHash == nil {
			storedHash = &hash
			r.e.state.Stored = su.State.Stored
		} else if *storedHash != hash {
			reconfigLogger().Warnw("state update round observed conflicting stored commits",
				"sender", sender.String())
		}
		if r.e.state.Acknowledgeable == nil && su.State.Acknowledgeable != nil {
			r.e.state.Acknowledgeable = su.State.Acknowledgeable
		}
		if r.e.state.Conflicting == nil && su.State.Conflicting != nil {
			r.e.state.Conflicting = su.State.Conflicting
		}
	}
}

// completeLeave is the leave-completion hook: it clears pending-changes
// and reconfig-round bookkeeping and marks membership Left.
func (r *ReconfigEngine) completeLeave() {
	r.pendingChanges = NewView()
	r.e.membershipState = Left
	reconfigLogger().Infow("leave completed", "process", r.e.self.String())
}

// mergeSequences attempts to fold every view of b into a, in strictly
// ascending position, reporting ok=false the first time a view of b is
// incomparable with the sequence built so far.
func mergeSequences(a, b Sequence) (Sequence, bool) {
	merged := a
	for _, v := range b.Data() {
		already := false
		for _, existing := range merged.Data() {
			if existing.Equal(v) {
				already = true
				break
			}
		}
		if already {
			continue
		}
		next, ok := merged.TryInsert(v)
		if !ok {
			return Sequence{}, false
		}
		merged = next
	}
	return merged, true
}
