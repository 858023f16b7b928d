package dbrb

import (
	"time"
)

// deliverCertState tracks one neighbour's accumulated Deliver certificate
// and whether that neighbour has already asked for it and whether this
// process's own quorum threshold toward it has been reached.
type deliverCertState struct {
	requested       bool
	quorumCollected bool
	certificate     Certificate
}

// shardBroadcastData is the per-payload state the sharded engine tracks
// while a broadcast propagates down and signatures climb back up the
// tree. Deliver certificates are tracked separately for the parent-shard
// side (this process's own subtree quorum) and the child-shard side
// (everything outside it), since a process sits in both shards at once.
type shardBroadcastData struct {
	payload     []byte
	begin       time.Time
	broadcaster ProcessId

	broadcastView View
	subTreeView   View
	tree          []ProcessId
	shard         DoubleShard

	networkQuorumSize     int
	parentShardQuorumSize int
	childShardQuorumSize  int

	acknowledgeCertificate Certificate
	acknowledged           bool
	commitMessageSent      bool

	parentShardDeliverCertificate           Certificate
	childShardDeliverCertificate            Certificate
	parentShardDeliverCertificateRecipients map[ProcessId]*deliverCertState
	childShardDeliverCertificateRecipients  map[ProcessId]*deliverCertState

	delivered bool
}

// ShardEngine is the sharded-mode DBRB broadcast core for a single
// process: Prepare fans out down a balanced tree instead of to every
// member directly, and Acknowledged/Commit certificates aggregate per
// shard rather than per the whole view, trading one round trip for
// O(shardSize) fan-out at every hop instead of O(n) at the broadcaster.
type ShardEngine struct {
	self      ProcessId
	sig       *SignatureService
	transport MessageTransport
	fetcher   ViewFetcher

	deliver  DeliverCallback
	validate ValidationCallback

	strand *strand

	currentView View
	shardSize   int

	broadcasts map[Hash256]*shardBroadcastData
}

// NewShardEngine constructs a sharded engine bound to the given identity,
// transport, and view fetcher, with shardSize children per tree node.
func NewShardEngine(self ProcessId, sig *SignatureService, transport MessageTransport, fetcher ViewFetcher, shardSize int) *ShardEngine {
	return &ShardEngine{
		self:        self,
		sig:         sig,
		transport:   transport,
		fetcher:     fetcher,
		strand:      newStrand(256),
		currentView: fetcher.BootstrapView(),
		shardSize:   shardSize,
		broadcasts:  make(map[Hash256]*shardBroadcastData),
	}
}

// SetDeliverCallback installs the application deliver sink.
func (e *ShardEngine) SetDeliverCallback(fn DeliverCallback) {
	e.strand.Post(func() { e.deliver = fn })
}

// SetValidationCallback installs the application's payload validator.
func (e *ShardEngine) SetValidationCallback(fn ValidationCallback) {
	e.strand.Post(func() { e.validate = fn })
}

// InstallView updates the view the sharded engine runs against, discarding
// every in-flight sharded broadcast and clearing the transport's queue.
// It blocks until the new view is in place.
func (e *ShardEngine) InstallView(v View) {
	e.strand.PostAndWait(func() {
		e.currentView = v
		e.transport.ClearQueue()
		e.broadcasts = make(map[Hash256]*shardBroadcastData)
	})
}

// CurrentView returns a snapshot of the view the sharded engine runs
// against.
func (e *ShardEngine) CurrentView() View {
	var v View
	e.strand.PostAndWait(func() { v = e.currentView })
	return v
}

// Broadcast initiates a sharded broadcast of payload to recipients, a
// subview of the current view that must include this process. The tree
// is rebuilt fresh for every broadcast so that each one can route around
// whichever peers the caller currently knows to be unreachable.
func (e *ShardEngine) Broadcast(payload []byte, recipients View, unreachable []ProcessId) {
	e.strand.Post(func() { e.broadcastOnStrand(payload, recipients, unreachable) })
}

func (e *ShardEngine) broadcastOnStrand(payload []byte, recipients View, unreachable []ProcessId) {
	if recipients.Size() == 0 {
		logDrop(dropf("shardBroadcast", "broadcast view is empty", nil))
		return
	}
	if recipients.Greater(e.currentView) {
		logDrop(dropf("shardBroadcast", "broadcast view is not a subview of the current view", nil))
		return
	}
	if !recipients.IsMember(e.self) {
		logDrop(dropf("shardBroadcast", "not a member of the broadcast view", nil))
		return
	}

	var reachable []ProcessId
	for _, id := range recipients.Members() {
		if id != e.self {
			reachable = append(reachable, id)
		}
	}

	tree, err := CreateDbrbTreeView(reachable, unreachable, e.self, e.shardSize)
	if err != nil || tree == nil {
		logDrop(dropf("shardBroadcast", "failed to build tree view", err))
		return
	}
	treeView := NewView(tree...)

	shard, err := CreateDbrbShard(tree, e.self, e.shardSize)
	if err != nil || !shard.Initialized {
		logDrop(dropf("shardBroadcast", "failed to create shard", err))
		return
	}

	payloadHash := MessageHash(payload)
	data := &shardBroadcastData{
		payload:               payload,
		begin:                 time.Now(),
		broadcaster:           e.self,
		broadcastView:         recipients,
		subTreeView:           recipients,
		tree:                  tree,
		shard:                 shard,
		parentShardQuorumSize: 1,
		networkQuorumSize:     recipients.QuorumSize(),
	}
	data.childShardQuorumSize = data.networkQuorumSize
	data.acknowledgeCertificate = Certificate{e.self: e.sign(PacketShardAcknowledged, payload, treeView)}
	e.broadcasts[payloadHash] = data

	msg := &ShardPrepareMessage{
		BaseMessage:          e.sealed(),
		Payload:              payload,
		TreeView:             treeView,
		Broadcaster:          e.self,
		BroadcasterSignature: e.sign(PacketShardPrepare, payload, treeView),
	}
	e.disseminate(msg, shard.Children)
}

// ProcessMessage verifies msg's sender signature and, if it verifies,
// dispatches msg from the strand by its concrete type. A message whose
// SenderSig does not verify under its declared Sender is dropped here and
// never reaches the strand.
func (e *ShardEngine) ProcessMessage(msg Message) {
	if !verifySenderSignature(msg) {
		logDrop(dropf("shardDispatch", "invalid sender signature", nil))
		return
	}
	e.strand.Post(func() { e.dispatch(msg) })
}

func (e *ShardEngine) dispatch(msg Message) {
	switch m := msg.(type) {
	case *ShardPrepareMessage:
		e.handlePrepare(m)
	case *ShardAcknowledgedMessage:
		e.handleAcknowledged(m)
	case *ShardCommitMessage:
		e.handleCommit(m)
	case *ShardDeliverMessage:
		e.handleDeliver(m)
	default:
		logDrop(dropf("shardDispatch", "unhandled message type", nil))
	}
}

func (e *ShardEngine) handlePrepare(m *ShardPrepareMessage) {
	if e.validate != nil {
		switch e.validate(m.Payload) {
		case ValidationInvalid, ValidationNeutral:
			logDrop(dropf("shardPrepare", "application rejected payload", nil))
			return
		}
	}

	view := m.TreeView
	if view.Greater(e.currentView) {
		logDrop(dropf("shardPrepare", "supplied tree view is not a subview of the current view", nil))
		return
	}
	if !view.IsMember(e.self) {
		logDrop(dropf("shardPrepare", "not a participant of the tree view", nil))
		return
	}

	payloadHash := MessageHash(m.Payload)
	if data, exists := e.broadcasts[payloadHash]; exists && data.payload != nil {
		logDrop(dropf("shardPrepare", "message already processed", nil))
		return
	}

	tree, err := treeOrderFromView(view, m.Broadcaster, e.shardSize)
	if err != nil || tree == nil {
		logDrop(dropf("shardPrepare", "failed to rebuild tree view", err))
		return
	}
	shard, err := CreateDbrbShard(tree, e.self, e.shardSize)
	if err != nil || !shard.Initialized {
		delete(e.broadcasts, payloadHash)
		logDrop(dropf("shardPrepare", "failed to create shard", err))
		return
	}
	if shard.Parent != m.Sender {
		delete(e.broadcasts, payloadHash)
		logDrop(dropf("shardPrepare", "sender is not this process's parent", nil))
		return
	}

	if !e.verify(PacketShardPrepare, m.Broadcaster, m.Payload, view, m.BroadcasterSignature) {
		logDrop(dropf("shardPrepare", "invalid broadcaster signature", nil))
		return
	}

	subTree := NewView(e.self)
	for _, childView := range shard.ChildViews {
		for _, id := range childView {
			subTree.Data[id] = Join
		}
	}

	data := &shardBroadcastData{
		payload:       m.Payload,
		begin:         time.Now(),
		broadcaster:   m.Broadcaster,
		broadcastView: view,
		subTreeView:   subTree,
		tree:          tree,
		shard:         shard,
	}
	data.networkQuorumSize = QuorumSize(len(tree))
	data.parentShardQuorumSize = QuorumSize(len(tree) - subTree.Size() + 1)
	data.childShardQuorumSize = subTree.QuorumSize()
	data.acknowledgeCertificate = Certificate{e.self: e.sign(PacketShardAcknowledged, m.Payload, view)}
	e.broadcasts[payloadHash] = data

	if !data.acknowledged && len(data.acknowledgeCertificate) >= data.childShardQuorumSize {
		data.acknowledged = true
		e.send(&ShardAcknowledgedMessage{
			BaseMessage: e.sealed(),
			PayloadHash: payloadHash,
			Certificate: cloneCertificate(data.acknowledgeCertificate),
		}, m.Sender)
	}

	if len(shard.Children) > 0 {
		forward := &ShardPrepareMessage{
			BaseMessage:          e.sealed(),
			Payload:              m.Payload,
			TreeView:             view,
			Broadcaster:          m.Broadcaster,
			BroadcasterSignature: m.BroadcasterSignature,
		}
		e.disseminate(forward, shard.Children)
	}
}

func (e *ShardEngine) handleAcknowledged(m *ShardAcknowledgedMessage) {
	data, exists := e.broadcasts[m.PayloadHash]
	if !exists || data.payload == nil {
		logDrop(dropf("shardAcknowledged", "no local payload for hash", nil))
		return
	}

	childView, ok := data.shard.ChildViews[m.Sender]
	if !ok {
		logDrop(dropf("shardAcknowledged", "sender is not a recognised child", nil))
		return
	}

	treeView := NewView(data.tree...)
	for signer, sig := range m.Certificate {
		if !containsProcessId(childView, signer) {
			logDrop(dropf("shardAcknowledged", "signer outside claimed child view", nil))
			return
		}
		if !e.verify(PacketShardAcknowledged, signer, data.payload, treeView, sig) {
			logDrop(dropf("shardAcknowledged", "invalid signature", nil))
			return
		}
		data.acknowledgeCertificate[signer] = sig
	}

	if !data.acknowledged && len(data.acknowledgeCertificate) < data.childShardQuorumSize {
		return
	}
	data.acknowledged = true

	if e.self == data.broadcaster {
		if data.commitMessageSent {
			return
		}
		data.commitMessageSent = true
		selfSig := e.sign(PacketShardDeliver, data.payload, treeView)
		data.parentShardDeliverCertificate = Certificate{e.self: selfSig}
		data.childShardDeliverCertificate = Certificate{e.self: selfSig}
		data.parentShardDeliverCertificateRecipients = make(map[ProcessId]*deliverCertState)
		for _, id := range data.shard.Children {
			data.parentShardDeliverCertificateRecipients[id] = &deliverCertState{certificate: cloneCertificate(data.parentShardDeliverCertificate)}
		}
		recordQuorum("shardAcknowledged")
		e.disseminate(&ShardCommitMessage{
			BaseMessage: e.sealed(),
			PayloadHash: m.PayloadHash,
			Certificate: cloneCertificate(data.acknowledgeCertificate),
		}, data.shard.Children)
	} else {
		e.send(&ShardAcknowledgedMessage{
			BaseMessage: e.sealed(),
			PayloadHash: m.PayloadHash,
			Certificate: cloneCertificate(data.acknowledgeCertificate),
		}, data.shard.Parent)
	}
}

func (e *ShardEngine) handleCommit(m *ShardCommitMessage) {
	data, exists := e.broadcasts[m.PayloadHash]
	if !exists || data.payload == nil {
		logDrop(dropf("shardCommit", "no local payload for hash", nil))
		return
	}
	if !containsProcessId(data.shard.Neighbours, m.Sender) {
		logDrop(dropf("shardCommit", "sender is not a neighbour", nil))
		return
	}
	if len(m.Certificate) < data.networkQuorumSize {
		logDrop(dropf("shardCommit", "certificate below network quorum size", nil))
		return
	}

	treeView := NewView(data.tree...)
	for signer, sig := range m.Certificate {
		if !data.broadcastView.IsMember(signer) {
			logDrop(dropf("shardCommit", "signer outside broadcast view", nil))
			return
		}
		if !e.verify(PacketShardAcknowledged, signer, data.payload, treeView, sig) {
			logDrop(dropf("shardCommit", "invalid signature", nil))
			return
		}
	}

	if !data.commitMessageSent {
		data.commitMessageSent = true
		selfSig := e.sign(PacketShardDeliver, data.payload, treeView)
		data.parentShardDeliverCertificate = Certificate{e.self: selfSig}
		data.childShardDeliverCertificate = Certificate{e.self: selfSig}
		data.childShardDeliverCertificateRecipients = make(map[ProcessId]*deliverCertState)
		data.childShardDeliverCertificateRecipients[data.shard.Parent] = &deliverCertState{certificate: cloneCertificate(data.childShardDeliverCertificate)}
		for _, id := range data.shard.Siblings {
			data.childShardDeliverCertificateRecipients[id] = &deliverCertState{certificate: cloneCertificate(data.childShardDeliverCertificate)}
		}
		data.parentShardDeliverCertificateRecipients = make(map[ProcessId]*deliverCertState)
		for _, id := range data.shard.Children {
			data.parentShardDeliverCertificateRecipients[id] = &deliverCertState{certificate: cloneCertificate(data.parentShardDeliverCertificate)}
		}
		recordQuorum("shardCommit")
		e.disseminate(&ShardCommitMessage{
			BaseMessage: e.sealed(),
			PayloadHash: m.PayloadHash,
			Certificate: m.Certificate,
		}, data.shard.Neighbours)
	}

	var state *deliverCertState
	if m.Sender == data.shard.Parent || containsProcessId(data.shard.Siblings, m.Sender) {
		state = data.childShardDeliverCertificateRecipients[m.Sender]
		if !state.quorumCollected {
			state.quorumCollected = len(data.childShardDeliverCertificate) >= data.childShardQuorumSize
		}
	} else {
		state = data.parentShardDeliverCertificateRecipients[m.Sender]
		if !state.quorumCollected {
			networkQuorumCollected := len(data.parentShardDeliverCertificate)+len(data.childShardDeliverCertificate) >= data.networkQuorumSize+1
			state.quorumCollected = networkQuorumCollected || len(data.parentShardDeliverCertificate) >= data.parentShardQuorumSize
		}
	}

	state.requested = true
	if state.quorumCollected && len(state.certificate) > 0 {
		e.send(&ShardDeliverMessage{
			BaseMessage: e.sealed(),
			PayloadHash: m.PayloadHash,
			Certificate: state.certificate,
		}, m.Sender)
	}
}

func (e *ShardEngine) handleDeliver(m *ShardDeliverMessage) {
	data, exists := e.broadcasts[m.PayloadHash]
	if !exists || data.payload == nil {
		logDrop(dropf("shardDeliver", "no local payload for hash", nil))
		return
	}
	if !containsProcessId(data.shard.Neighbours, m.Sender) {
		logDrop(dropf("shardDeliver", "sender is not a neighbour", nil))
		return
	}

	cert := &data.parentShardDeliverCertificate
	recipients := data.parentShardDeliverCertificateRecipients
	view := data.shard.ParentView
	if m.Sender != data.shard.Parent {
		if containsProcessId(data.shard.Siblings, m.Sender) {
			view = data.shard.SiblingViews[m.Sender]
		} else {
			cert = &data.childShardDeliverCertificate
			recipients = data.childShardDeliverCertificateRecipients
			view = data.shard.ChildViews[m.Sender]
		}
	}

	treeView := NewView(data.tree...)
	added := false
	for signer, sig := range m.Certificate {
		if !containsProcessId(view, signer) {
			logDrop(dropf("shardDeliver", "signer outside claimed view", nil))
			return
		}
		if !e.verify(PacketShardDeliver, signer, data.payload, treeView, sig) {
			logDrop(dropf("shardDeliver", "invalid signature", nil))
			return
		}
		if _, had := (*cert)[signer]; !had {
			added = true
		}
		(*cert)[signer] = sig
		for _, state := range recipients {
			state.certificate[signer] = sig
		}
	}

	networkQuorumCollected := len(data.parentShardDeliverCertificate)+len(data.childShardDeliverCertificate) >= data.networkQuorumSize+1
	for id, state := range data.parentShardDeliverCertificateRecipients {
		wasCollected := state.quorumCollected
		if !state.quorumCollected {
			state.quorumCollected = networkQuorumCollected || len(data.parentShardDeliverCertificate) >= data.parentShardQuorumSize
		}
		if state.requested && state.quorumCollected && len(state.certificate) > 0 && (added || !wasCollected) {
			e.send(&ShardDeliverMessage{BaseMessage: e.sealed(), PayloadHash: m.PayloadHash, Certificate: state.certificate}, id)
		}
	}
	for id, state := range data.childShardDeliverCertificateRecipients {
		wasCollected := state.quorumCollected
		if !state.quorumCollected {
			state.quorumCollected = len(data.childShardDeliverCertificate) >= data.childShardQuorumSize
		}
		if state.requested && state.quorumCollected && len(state.certificate) > 0 && (added || !wasCollected) {
			e.send(&ShardDeliverMessage{BaseMessage: e.sealed(), PayloadHash: m.PayloadHash, Certificate: state.certificate}, id)
		}
	}

	if !data.delivered && networkQuorumCollected {
		data.delivered = true
		if e.deliver != nil {
			e.deliver(data.payload)
		}
		recordQuorum("shardDelivered")
		deliverLatencySeconds.Observe(time.Since(data.begin).Seconds())
		dbrbLogger().Infow("sharded payload delivered", "payloadHash", m.PayloadHash, "elapsed", time.Since(data.begin))
	}
}

// treeOrderFromView recomputes the ordered tree slice a ShardPrepareMessage's
// TreeView set implies, given the broadcaster identity carried alongside
// it. Every process that received the same (broadcaster, treeView) pair
// derives an identical ordering this way: the broadcaster always occupies
// position 0 and the remaining members follow in ascending ProcessId
// order, so no separate wire representation of tree positions is needed.
func treeOrderFromView(treeView View, broadcaster ProcessId, shardSize int) ([]ProcessId, error) {
	var reachable []ProcessId
	for _, id := range treeView.Members() {
		if id != broadcaster {
			reachable = append(reachable, id)
		}
	}
	return CreateDbrbTreeView(reachable, nil, broadcaster, shardSize)
}

func (e *ShardEngine) sign(messageType PacketType, payload []byte, treeView View) Signature {
	hash := ShardedPayloadHash(uint32(messageType), treeView, payload)
	return e.sig.SignHash(hash)
}

func (e *ShardEngine) verify(messageType PacketType, signer ProcessId, payload []byte, treeView View, sig Signature) bool {
	hash := ShardedPayloadHash(uint32(messageType), treeView, payload)
	return VerifyHash(signer, hash, sig)
}

func (e *ShardEngine) sealed() BaseMessage {
	return BaseMessage{Sender: e.self}
}

// disseminate signs and enqueues msg to every recipient, short-circuiting
// a self-addressed entry through the local dispatch instead of the wire.
func (e *ShardEngine) disseminate(msg Message, recipients []ProcessId) {
	hash := MessageHash(msg.signatureBytes())
	sig := e.sig.SignHash(hash)
	setSenderSig(msg, sig)

	var wire []ProcessId
	for _, id := range recipients {
		if id == e.self {
			e.dispatch(msg)
			continue
		}
		wire = append(wire, id)
	}
	if len(wire) > 0 {
		e.transport.Enqueue(msg, wire)
	}
}

func (e *ShardEngine) send(msg Message, recipient ProcessId) {
	e.disseminate(msg, []ProcessId{recipient})
}

func cloneCertificate(c Certificate) Certificate {
	out := make(Certificate, len(c))
	for id, sig := range c {
		out[id] = sig
	}
	return out
}

func containsProcessId(ids []ProcessId, target ProcessId) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
