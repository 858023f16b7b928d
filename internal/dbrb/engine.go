package dbrb

import (
	"time"
)

// MembershipState is this process's own position in the broadcast
// membership lifecycle.
type MembershipState int

const (
	NotJoined MembershipState = iota
	Joining
	Participating
	Leaving
	Left
)

func (s MembershipState) String() string {
	switch s {
	case NotJoined:
		return "NotJoined"
	case Joining:
		return "Joining"
	case Participating:
		return "Participating"
	case Leaving:
		return "Leaving"
	case Left:
		return "Left"
	default:
		return "Unknown"
	}
}

// BroadcastData is the per-payload state tracked while a broadcast is in
// flight, keyed by its PayloadHash.
type BroadcastData struct {
	Payload       []byte
	Begin         time.Time
	BroadcastView View

	// Signatures holds every Acknowledged signature this process has
	// collected, keyed by (view, signer).
	Signatures map[ackEntry]Signature

	Certificate     Certificate
	CertificateView View

	CommitMessageReceived bool
	LeaveAllowed          bool
}

func newBroadcastData(payload []byte, view View, now time.Time) *BroadcastData {
	return &BroadcastData{
		Payload:       payload,
		Begin:         now,
		BroadcastView: view,
		Signatures:    make(map[ackEntry]Signature),
	}
}

// Engine is the flat-mode DBRB broadcast and membership core for a single
// process. Every exported method posts onto the process's strand and
// returns without waiting for the task to run, except where documented.
type Engine struct {
	self ProcessId
	sig  *SignatureService

	transport MessageTransport
	fetcher   ViewFetcher

	deliver   DeliverCallback
	validate  ValidationCallback
	onInstall func(View)
	txSender  TransactionSender

	strand *strand

	currentView     View
	viewInstalled   bool
	limitedMode     bool
	membershipState MembershipState

	broadcasts map[Hash256]*BroadcastData
	quorum     *QuorumManager
	state      ProcessState

	reconfig *ReconfigEngine
}

// NewEngine constructs a flat-mode engine bound to the given identity,
// transport, and view fetcher. The initial view is the fetcher's bootstrap
// view, not yet marked installed: InstallView installs a view directly,
// and the reconfiguration cascade installs later views itself.
func NewEngine(self ProcessId, sig *SignatureService, transport MessageTransport, fetcher ViewFetcher) *Engine {
	e := &Engine{
		self:            self,
		sig:             sig,
		transport:       transport,
		fetcher:         fetcher,
		strand:          newStrand(256),
		currentView:     fetcher.BootstrapView(),
		membershipState: Participating,
		broadcasts:      make(map[Hash256]*BroadcastData),
		quorum:          NewQuorumManager(),
	}
	e.reconfig = newReconfigEngine(e)
	return e
}

// SetTransactionSender wires the external ledger collaborator the
// reconfiguration engine submits Install notarisations and registration
// transactions through.
func (e *Engine) SetTransactionSender(sender TransactionSender) {
	e.strand.Post(func() { e.txSender = sender })
}

// InstallView bootstraps the engine directly into a given view without
// going through the Reconfig/Propose/Converged/Install cascade, for
// genesis startup and tests. It blocks until the view is installed.
func (e *Engine) InstallView(v View) {
	e.strand.PostAndWait(func() {
		e.currentView = v
		e.viewInstalled = true
		e.limitedMode = false
		viewInstalledTotal.Inc()
		currentViewSize.Set(float64(v.Size()))
	})
}

// SetDeliverCallback installs the application deliver sink.
func (e *Engine) SetDeliverCallback(fn DeliverCallback) {
	e.strand.Post(func() { e.deliver = fn })
}

// SetValidationCallback installs the application's payload validator.
func (e *Engine) SetValidationCallback(fn ValidationCallback) {
	e.strand.Post(func() { e.validate = fn })
}

// SetViewInstalledHook installs a callback fired every time a new view is
// installed (used by the host application to refresh routing tables).
func (e *Engine) SetViewInstalledHook(fn func(View)) {
	e.strand.Post(func() { e.onInstall = fn })
}

// CurrentView returns a snapshot of the installed view. Safe to call from
// any goroutine; blocks until any already-queued strand tasks complete.
func (e *Engine) CurrentView() View {
	var v View
	e.strand.PostAndWait(func() { v = e.currentView })
	return v
}

// Mode reports the engine's current participation mode; it blocks until
// any already-queued strand tasks complete.
func (e *Engine) Mode() DbrbMode {
	var mode DbrbMode
	e.strand.PostAndWait(func() {
		if e.limitedMode {
			mode = ModeLimitedProcessing
		} else {
			mode = ModeRunning
		}
	})
	return mode
}

// GetDbrbModeCallback returns a callback the application can hold onto and
// invoke later to query this process's current participation mode,
// without retaining a reference to the engine itself.
func (e *Engine) GetDbrbModeCallback() DbrbModeCallback {
	return e.Mode
}

// Broadcast is the caller-initiated entry point: it succeeds only if the
// caller's view is installed and the caller is a member, in which case it
// emits a Prepare to every member of the current view, including self.
func (e *Engine) Broadcast(payload []byte) {
	e.strand.Post(func() { e.broadcastOnStrand(payload) })
}

func (e *Engine) broadcastOnStrand(payload []byte) {
	if !e.viewInstalled || !e.currentView.IsMember(e.self) {
		logDrop(dropf("broadcast", "view not installed or caller not a member", nil))
		return
	}

	hash := PayloadHash(payload, e.currentView)
	if _, exists := e.broadcasts[hash]; !exists {
		e.broadcasts[hash] = newBroadcastData(payload, e.currentView, time.Now())
	}

	msg := &PrepareMessage{
		BaseMessage:   e.sealed(),
		Payload:       payload,
		View:          e.currentView,
		BootstrapView: e.fetcher.BootstrapView(),
	}
	e.signAndSend(msg, e.currentView.Members())
}

// Leave requests departure from the current view, valid only while
// Participating.
func (e *Engine) Leave() {
	e.strand.Post(func() {
		if e.membershipState != Participating {
			logDrop(dropf("leave", "not participating", nil))
			return
		}
		e.membershipState = Leaving
		e.reconfig.requestChange(e.self, Leave, e.currentView)
	})
}

// ProcessMessage verifies msg's sender signature and, if it verifies,
// dispatches msg from the strand by its concrete type. A message whose
// SenderSig does not verify under its declared Sender is dropped here and
// never reaches the strand.
func (e *Engine) ProcessMessage(msg Message) {
	if !verifySenderSignature(msg) {
		logDrop(dropf("dispatch", "invalid sender signature", nil))
		return
	}
	e.strand.Post(func() { e.dispatch(msg) })
}

func (e *Engine) dispatch(msg Message) {
	switch m := msg.(type) {
	case *PrepareMessage:
		e.handlePrepare(m)
	case *AcknowledgedMessage:
		e.handleAcknowledged(m)
	case *CommitMessage:
		e.handleCommit(m)
	case *DeliverMessage:
		e.handleDeliver(m)
	case *ConfirmDeliverMessage:
		e.handleConfirmDeliver(m)
	case *ReconfigMessage:
		e.reconfig.handleReconfig(m)
	case *ReconfigConfirmMessage:
		e.reconfig.handleReconfigConfirm(m)
	case *ProposeMessage:
		e.reconfig.handlePropose(m)
	case *ConvergedMessage:
		e.reconfig.handleConverged(m)
	case *InstallMessage:
		e.reconfig.handleInstall(m)
	case *StateUpdateMessage:
		e.reconfig.handleStateUpdate(m)
	default:
		logDrop(dropf("dispatch", "unhandled message type", nil))
	}
}

func (e *Engine) handlePrepare(m *PrepareMessage) {
	if e.membershipState != Participating || e.limitedMode {
		logDrop(dropf("prepare", "not participating or limited-processing", nil))
		return
	}
	if !m.View.IsMember(m.Sender) || !m.View.Equal(e.currentView) {
		logDrop(dropf("prepare", "sender not in claimed view, or stale view", nil))
		return
	}
	if e.validate != nil {
		switch e.validate(m.Payload) {
		case ValidationInvalid, ValidationNeutral:
			logDrop(dropf("prepare", "application rejected payload", nil))
			return
		}
	}

	hash := PayloadHash(m.Payload, m.View)
	bd, exists := e.broadcasts[hash]
	if exists && bd.Payload != nil && m.Sender != e.self {
		logDrop(dropf("prepare", "duplicate payload from resend", nil))
		return
	}
	if !exists {
		bd = newBroadcastData(m.Payload, m.View, time.Now())
		e.broadcasts[hash] = bd
	} else {
		bd.Payload = m.Payload
		bd.Begin = time.Now()
	}

	if e.state.Acknowledgeable == nil {
		e.state.Acknowledgeable = m
	} else if e.state.Acknowledgeable.Sender != m.Sender {
		e.state.Conflicting = m
	}

	payloadSig := e.sig.SignHash(hash)
	ack := &AcknowledgedMessage{
		BaseMessage:      e.sealed(),
		PayloadHash:      hash,
		View:             e.currentView,
		PayloadSignature: payloadSig,
	}
	e.signAndSend(ack, []ProcessId{m.Sender})
}

func (e *Engine) handleAcknowledged(m *AcknowledgedMessage) {
	if !m.View.IsMember(m.Sender) {
		logDrop(dropf("acknowledged", "sender not in claimed view", nil))
		return
	}
	bd, exists := e.broadcasts[m.PayloadHash]
	if !exists || bd.Payload == nil {
		logDrop(dropf("acknowledged", "no local payload for hash", nil))
		return
	}
	if !VerifyHash(m.Sender, m.PayloadHash, m.PayloadSignature) {
		logDrop(dropf("acknowledged", "payload signature verification failed", nil))
		return
	}

	bd.Signatures[ackEntry{sender: m.Sender, payloadHash: m.PayloadHash}] = m.PayloadSignature
	reachedQuorum := e.quorum.UpdateAcknowledged(m.View, m.Sender, m.PayloadHash)
	if !reachedQuorum || bd.Certificate != nil {
		return
	}

	cert := make(Certificate)
	for _, signer := range e.quorum.AcknowledgedSigners(m.View, m.PayloadHash) {
		if sig, ok := bd.Signatures[ackEntry{sender: signer, payloadHash: m.PayloadHash}]; ok {
			cert[signer] = sig
		}
	}
	bd.Certificate = cert
	bd.CertificateView = m.View
	recordQuorum("acknowledged")

	if !e.viewInstalled {
		return
	}
	commit := &CommitMessage{
		BaseMessage:     e.sealed(),
		PayloadHash:     m.PayloadHash,
		Certificate:     cert,
		CertificateView: m.View,
		CurrentView:     e.currentView,
	}
	e.signAndSend(commit, e.currentView.Members())
}

func (e *Engine) handleCommit(m *CommitMessage) {
	if e.limitedMode || !m.CurrentView.Equal(e.currentView) {
		logDrop(dropf("commit", "limited-processing or stale view", nil))
		return
	}
	bd, exists := e.broadcasts[m.PayloadHash]
	if !exists || bd.Payload == nil {
		logDrop(dropf("commit", "no local payload for hash", nil))
		return
	}
	if !m.Certificate.VerifyAgainst(PayloadHash(bd.Payload, m.CertificateView), &m.CertificateView) {
		logDrop(dropf("commit", "certificate contains invalid signature", nil))
		return
	}

	if !bd.CommitMessageReceived {
		bd.CommitMessageReceived = true
		bd.Certificate = m.Certificate
		bd.CertificateView = m.CertificateView
		e.state.Stored = m
		recommit := &CommitMessage{
			BaseMessage:     e.sealed(),
			PayloadHash:     m.PayloadHash,
			Certificate:     m.Certificate,
			CertificateView: m.CertificateView,
			CurrentView:     e.currentView,
		}
		e.signAndSend(recommit, e.currentView.Members())
	}

	deliver := &DeliverMessage{
		BaseMessage: e.sealed(),
		PayloadHash: m.PayloadHash,
		View:        e.currentView,
	}
	e.signAndSend(deliver, []ProcessId{m.Sender})
}

func (e *Engine) handleDeliver(m *DeliverMessage) {
	if !m.View.IsMember(m.Sender) {
		logDrop(dropf("deliver", "sender not in claimed view", nil))
		return
	}
	bd, exists := e.broadcasts[m.PayloadHash]
	if !exists || bd.Payload == nil {
		logDrop(dropf("deliver", "no local payload for hash", nil))
		return
	}
	if !e.quorum.UpdateDelivered(m.View, m.Sender) {
		return
	}
	recordQuorum("delivered")
	bd.LeaveAllowed = true
	if e.deliver != nil {
		e.deliver(bd.Payload)
	}
	deliverLatencySeconds.Observe(time.Since(bd.Begin).Seconds())
	dbrbLogger().Infow("payload delivered", "payloadHash", m.PayloadHash, "elapsed", time.Since(bd.Begin))
}

func (e *Engine) handleConfirmDeliver(m *ConfirmDeliverMessage) {
	if !m.View.IsMember(m.Sender) {
		logDrop(dropf("confirmDeliver", "sender not in claimed view", nil))
		return
	}
	bootstrap := e.fetcher.BootstrapView()
	if !e.quorum.UpdateConfirmedDeliver(bootstrap, m.Sender) {
		return
	}
	recordQuorum("confirmedDeliver")
}

// resendStuckBroadcasts re-disseminates, for every broadcast held here with
// its payload and not yet delivered, its Commit when a commit certificate
// has been received and its Prepare otherwise. It applies no age filter,
// and nothing in this package calls it on a timer.
func (e *Engine) resendStuckBroadcasts() {
	e.strand.Post(func() {
		for hash, bd := range e.broadcasts {
			if bd.LeaveAllowed || bd.Payload == nil {
				continue
			}
			if bd.CommitMessageReceived && bd.Certificate != nil {
				commit := &CommitMessage{
					BaseMessage:     e.sealed(),
					PayloadHash:     hash,
					Certificate:     bd.Certificate,
					CertificateView: bd.CertificateView,
					CurrentView:     e.currentView,
				}
				e.signAndSend(commit, e.currentView.Members())
			} else {
				prepare := &PrepareMessage{
					BaseMessage:   e.sealed(),
					Payload:       bd.Payload,
					View:          bd.BroadcastView,
					BootstrapView: e.fetcher.BootstrapView(),
				}
				e.signAndSend(prepare, e.currentView.Members())
			}
		}
	})
}

// clearBroadcastData reaps a completed broadcast's state. Exposed so the
// host application can bound memory once it no longer needs the
// certificate for auditing.
func (e *Engine) clearBroadcastData(hash Hash256) {
	e.strand.Post(func() { delete(e.broadcasts, hash) })
}

// sealed returns a BaseMessage stamped with this process's identity; the
// signature field is filled in by signAndSend once the full envelope is
// known.
func (e *Engine) sealed() BaseMessage {
	return BaseMessage{Sender: e.self}
}

// signAndSend computes the message-signature discipline over msg's
// non-signature bytes, stamps it into the envelope, and enqueues delivery
// to recipients via the transport.
func (e *Engine) signAndSend(msg Message, recipients []ProcessId) {
	hash := MessageHash(msg.signatureBytes())
	sig := e.sig.SignHash(hash)
	setSenderSig(msg, sig)
	e.transport.Enqueue(msg, recipients)
}

// setSenderSig stamps sig into msg's embedded BaseMessage via the same
// type switch the codec uses to read it back out.
func setSenderSig(msg Message, sig Signature) {
	switch m := msg.(type) {
	case *PrepareMessage:
		m.SenderSig = sig
	case *AcknowledgedMessage:
		m.SenderSig = sig
	case *CommitMessage:
		m.SenderSig = sig
	case *DeliverMessage:
		m.SenderSig = sig
	case *ConfirmDeliverMessage:
		m.SenderSig = sig
	case *ReconfigMessage:
		m.SenderSig = sig
	case *ReconfigConfirmMessage:
		m.SenderSig = sig
	case *ProposeMessage:
		m.SenderSig = sig
	case *ConvergedMessage:
		m.SenderSig = sig
	case *InstallMessage:
		m.SenderSig = sig
	case *StateUpdateMessage:
		m.SenderSig = sig
	case *ShardPrepareMessage:
		m.SenderSig = sig
	case *ShardAcknowledgedMessage:
		m.SenderSig = sig
	case *ShardCommitMessage:
		m.SenderSig = sig
	case *ShardDeliverMessage:
		m.SenderSig = sig
	}
}
