package dbrb

// PacketType is the closed tagged-union discriminator dispatch is a single
// exhaustive match over.
type PacketType uint16

const (
	PacketPrepare PacketType = iota + 1
	PacketAcknowledged
	PacketCommit
	PacketDeliver
	PacketConfirmDeliver
	PacketReconfig
	PacketReconfigConfirm
	PacketPropose
	PacketConverged
	PacketInstall
	PacketStateUpdate
	PacketShardPrepare
	PacketShardAcknowledged
	PacketShardCommit
	PacketShardDeliver
)

func (t PacketType) String() string {
	switch t {
	case PacketPrepare:
		return "Prepare"
	case PacketAcknowledged:
		return "Acknowledged"
	case PacketCommit:
		return "Commit"
	case PacketDeliver:
		return "Deliver"
	case PacketConfirmDeliver:
		return "ConfirmDeliver"
	case PacketReconfig:
		return "Reconfig"
	case PacketReconfigConfirm:
		return "ReconfigConfirm"
	case PacketPropose:
		return "Propose"
	case PacketConverged:
		return "Converged"
	case PacketInstall:
		return "Install"
	case PacketStateUpdate:
		return "StateUpdate"
	case PacketShardPrepare:
		return "ShardPrepare"
	case PacketShardAcknowledged:
		return "ShardAcknowledged"
	case PacketShardCommit:
		return "ShardCommit"
	case PacketShardDeliver:
		return "ShardDeliver"
	default:
		return "Unknown"
	}
}

// Message is the common interface every wire message satisfies.
type Message interface {
	Type() PacketType
	SenderId() ProcessId
	// signatureBytes returns the bytes the sender signature is computed
	// over: a per-type concatenation of selected payload fields. The
	// envelope's size and type header are not included, and some types
	// leave fields out (Acknowledged omits PayloadSignature, StateUpdate
	// omits State).
	signatureBytes() []byte
	// senderSignature returns the envelope's stamped sender signature, for
	// verification on the inbound path.
	senderSignature() Signature
}

// BaseMessage carries the fields every message shares: the declared sender
// and the sender's signature over the rest of the envelope.
type BaseMessage struct {
	Sender    ProcessId
	SenderSig Signature
}

func (b BaseMessage) SenderId() ProcessId { return b.Sender }

func (b BaseMessage) senderSignature() Signature { return b.SenderSig }

// PrepareMessage asks the recipient to acknowledge Payload under View, with
// BootstrapView carried so a process that has not yet discovered the
// current view can still validate sender membership against the bootstrap
// set.
type PrepareMessage struct {
	BaseMessage
	Payload       []byte
	View          View
	BootstrapView View
}

func (m *PrepareMessage) Type() PacketType { return PacketPrepare }
func (m *PrepareMessage) signatureBytes() []byte {
	return concatBytes(m.Payload, m.View.Pack(), m.BootstrapView.Pack())
}

// AcknowledgedMessage is sent by a recipient back to the broadcast
// initiator once it has adopted a Prepare, carrying its payload signature.
type AcknowledgedMessage struct {
	BaseMessage
	PayloadHash      Hash256
	View             View
	PayloadSignature Signature
}

func (m *AcknowledgedMessage) Type() PacketType { return PacketAcknowledged }
func (m *AcknowledgedMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.View.Pack())
}

// CommitMessage disseminates the quorum Certificate once the Acknowledged
// quorum closes. CertificateView is the view the certificate was sealed
// under; CurrentView is the sender's view at send time — kept as two
// distinct fields since a recipient may have since moved to a newer view
// than the one the certificate was sealed under.
type CommitMessage struct {
	BaseMessage
	PayloadHash     Hash256
	Certificate     Certificate
	CertificateView View
	CurrentView     View
}

func (m *CommitMessage) Type() PacketType { return PacketCommit }
func (m *CommitMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.Certificate.Pack(), m.CertificateView.Pack(), m.CurrentView.Pack())
}

// DeliverMessage is how delivery-quorum accumulates at the broadcast
// initiator: every Commit recipient replies with one.
type DeliverMessage struct {
	BaseMessage
	PayloadHash Hash256
	View        View
}

func (m *DeliverMessage) Type() PacketType { return PacketDeliver }
func (m *DeliverMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.View.Pack())
}

// ConfirmDeliverMessage cross-checks delivery against the bootstrap view.
type ConfirmDeliverMessage struct {
	BaseMessage
	PayloadHash Hash256
	View        View
}

func (m *ConfirmDeliverMessage) Type() PacketType { return PacketConfirmDeliver }
func (m *ConfirmDeliverMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.View.Pack())
}

// ReconfigMessage requests that ProcessId join or leave the membership
// described by View (the view as seen by ProcessId, not yet including this
// change).
type ReconfigMessage struct {
	BaseMessage
	ProcessId ProcessId
	Change    MembershipChange
	View      View
}

func (m *ReconfigMessage) Type() PacketType { return PacketReconfig }
func (m *ReconfigMessage) signatureBytes() []byte {
	return concatBytes(m.ProcessId[:], []byte{byte(m.Change)}, m.View.Pack())
}

// ReconfigConfirmMessage acknowledges a Reconfig request.
type ReconfigConfirmMessage struct {
	BaseMessage
	View View
}

func (m *ReconfigConfirmMessage) Type() PacketType { return PacketReconfigConfirm }
func (m *ReconfigConfirmMessage) signatureBytes() []byte {
	return m.View.Pack()
}

// ProposeMessage proposes ProposedSequence to replace ReplacedView.
type ProposeMessage struct {
	BaseMessage
	ProposedSequence Sequence
	ReplacedView     View
}

func (m *ProposeMessage) Type() PacketType { return PacketPropose }
func (m *ProposeMessage) signatureBytes() []byte {
	return concatBytes(m.ReplacedView.Pack(), m.ProposedSequence.Pack())
}

// ConvergedMessage signals that the sender has converged on
// ConvergedSequence to replace ReplacedView.
type ConvergedMessage struct {
	BaseMessage
	ConvergedSequence Sequence
	ReplacedView      View
}

func (m *ConvergedMessage) Type() PacketType { return PacketConverged }
func (m *ConvergedMessage) signatureBytes() []byte {
	return concatBytes(m.ReplacedView.Pack(), m.ConvergedSequence.Pack())
}

// InstallMessage is the notarised proof of view transition: Sequence's
// first element is the replaced view and the rest is the converged
// sequence (ReplacedView ∷ ConvergedSequence).
type InstallMessage struct {
	BaseMessage
	Sequence            Sequence
	ConvergedSignatures Certificate
}

func (m *InstallMessage) Type() PacketType { return PacketInstall }
func (m *InstallMessage) signatureBytes() []byte {
	return concatBytes(m.Sequence.Pack(), m.ConvergedSignatures.Pack())
}

// Data unwraps the Install message into its semantic InstallMessageData
// form, failing if Sequence has fewer than 2 elements (replaced view plus
// at least one converged view).
func (m *InstallMessage) Data() (InstallMessageData, bool) {
	data := m.Sequence.Data()
	if len(data) < 2 {
		return InstallMessageData{}, false
	}
	converged, ok := NewSequence(data[1:])
	if !ok {
		return InstallMessageData{}, false
	}
	mostRecent, _ := converged.MaybeMostRecent()
	return InstallMessageData{
		ReplacedView:     data[0],
		ConvergedSequence: converged,
		MostRecentView:   mostRecent,
	}, true
}

// InstallMessageData is the unwrapped semantic form of an InstallMessage:
// the replaced view, the sequence converged on to replace it, and that
// sequence's most recent (last) view.
type InstallMessageData struct {
	ReplacedView      View
	ConvergedSequence Sequence
	MostRecentView    View
}

// ProcessState is a process's persistent per-broadcast snapshot: the
// prepare it can still acknowledge, a conflicting prepare it has seen, and
// the commit certificate it has stored, if any.
type ProcessState struct {
	Acknowledgeable *PrepareMessage
	Conflicting     *PrepareMessage
	Stored          *CommitMessage
}

// StateUpdateMessage carries a process's local state across a view
// transition.
type StateUpdateMessage struct {
	BaseMessage
	State          ProcessState
	View           View
	PendingChanges View
}

func (m *StateUpdateMessage) Type() PacketType { return PacketStateUpdate }
func (m *StateUpdateMessage) signatureBytes() []byte {
	return concatBytes(m.View.Pack(), m.PendingChanges.Pack())
}

// ShardPrepareMessage is the sharded-mode Prepare: signed by the
// broadcaster over (type, payload, treeView) rather than by each
// intermediate forwarder.
type ShardPrepareMessage struct {
	BaseMessage
	Payload              []byte
	TreeView             View
	Broadcaster          ProcessId
	BroadcasterSignature Signature
}

func (m *ShardPrepareMessage) Type() PacketType { return PacketShardPrepare }
func (m *ShardPrepareMessage) signatureBytes() []byte {
	return concatBytes(m.Payload, m.TreeView.Pack(), m.Broadcaster[:])
}

// ShardAcknowledgedMessage carries an aggregated child-shard certificate
// upward toward the parent.
type ShardAcknowledgedMessage struct {
	BaseMessage
	PayloadHash Hash256
	Certificate Certificate
}

func (m *ShardAcknowledgedMessage) Type() PacketType { return PacketShardAcknowledged }
func (m *ShardAcknowledgedMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.Certificate.Pack())
}

// ShardCommitMessage carries a network-quorum-sized certificate,
// re-disseminated once to every neighbour.
type ShardCommitMessage struct {
	BaseMessage
	PayloadHash Hash256
	Certificate Certificate
}

func (m *ShardCommitMessage) Type() PacketType { return PacketShardCommit }
func (m *ShardCommitMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.Certificate.Pack())
}

// ShardDeliverMessage is sent on-demand to a requesting neighbour once that
// neighbour's expected certificate threshold is independently reached.
type ShardDeliverMessage struct {
	BaseMessage
	PayloadHash Hash256
	Certificate Certificate
}

func (m *ShardDeliverMessage) Type() PacketType { return PacketShardDeliver }
func (m *ShardDeliverMessage) signatureBytes() []byte {
	return concatBytes(m.PayloadHash[:], m.Certificate.Pack())
}

func concatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
