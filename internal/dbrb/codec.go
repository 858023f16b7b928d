package dbrb

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire layout constants: u32 size ‖ u16 type ‖ Signature senderSig ‖
// ProcessId sender ‖ …payload….
const (
	MaxMessageSize  = 16 * 1024 * 1024
	envelopeHeaderSize = 4 + 2 + len(Signature{}) + len(ProcessId{})
)

// decoderFunc unmarshals a concrete message's payload bytes into a Message.
// decoderRegistry is a single exhaustive map from PacketType to decode
// function, closed over the fixed message set the protocol defines.
type decoderFunc func(base BaseMessage, payload []byte) (Message, error)

var decoderRegistry = map[PacketType]decoderFunc{}

// RegisterDecoder installs the decode function for a PacketType. Called
// from this package's init() for every built-in message type; exported so
// a host application could register an additional sharded-variant type
// without forking the codec.
func RegisterDecoder(t PacketType, fn decoderFunc) {
	decoderRegistry[t] = fn
}

func init() {
	RegisterDecoder(PacketPrepare, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			Payload       []byte
			View          View
			BootstrapView View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &PrepareMessage{BaseMessage: b, Payload: body.Payload, View: body.View, BootstrapView: body.BootstrapView}, nil
	})
	RegisterDecoder(PacketAcknowledged, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash      Hash256
			View             View
			PayloadSignature Signature
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &AcknowledgedMessage{BaseMessage: b, PayloadHash: body.PayloadHash, View: body.View, PayloadSignature: body.PayloadSignature}, nil
	})
	RegisterDecoder(PacketCommit, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash     Hash256
			Certificate     Certificate
			CertificateView View
			CurrentView     View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &CommitMessage{BaseMessage: b, PayloadHash: body.PayloadHash, Certificate: body.Certificate, CertificateView: body.CertificateView, CurrentView: body.CurrentView}, nil
	})
	RegisterDecoder(PacketDeliver, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash Hash256
			View        View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &DeliverMessage{BaseMessage: b, PayloadHash: body.PayloadHash, View: body.View}, nil
	})
	RegisterDecoder(PacketConfirmDeliver, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash Hash256
			View        View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ConfirmDeliverMessage{BaseMessage: b, PayloadHash: body.PayloadHash, View: body.View}, nil
	})
	RegisterDecoder(PacketReconfig, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			ProcessId ProcessId
			Change    MembershipChange
			View      View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ReconfigMessage{BaseMessage: b, ProcessId: body.ProcessId, Change: body.Change, View: body.View}, nil
	})
	RegisterDecoder(PacketReconfigConfirm, func(b BaseMessage, p []byte) (Message, error) {
		var body struct{ View View }
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ReconfigConfirmMessage{BaseMessage: b, View: body.View}, nil
	})
	RegisterDecoder(PacketPropose, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			ProposedSequence Sequence
			ReplacedView     View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ProposeMessage{BaseMessage: b, ProposedSequence: body.ProposedSequence, ReplacedView: body.ReplacedView}, nil
	})
	RegisterDecoder(PacketConverged, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			ConvergedSequence Sequence
			ReplacedView      View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ConvergedMessage{BaseMessage: b, ConvergedSequence: body.ConvergedSequence, ReplacedView: body.ReplacedView}, nil
	})
	RegisterDecoder(PacketInstall, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			Sequence            Sequence
			ConvergedSignatures Certificate
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &InstallMessage{BaseMessage: b, Sequence: body.Sequence, ConvergedSignatures: body.ConvergedSignatures}, nil
	})
	RegisterDecoder(PacketStateUpdate, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			State          ProcessState
			View           View
			PendingChanges View
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &StateUpdateMessage{BaseMessage: b, State: body.State, View: body.View, PendingChanges: body.PendingChanges}, nil
	})
	RegisterDecoder(PacketShardPrepare, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			Payload              []byte
			TreeView             View
			Broadcaster          ProcessId
			BroadcasterSignature Signature
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ShardPrepareMessage{
			BaseMessage:          b,
			Payload:              body.Payload,
			TreeView:             body.TreeView,
			Broadcaster:          body.Broadcaster,
			BroadcasterSignature: body.BroadcasterSignature,
		}, nil
	})
	RegisterDecoder(PacketShardAcknowledged, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash Hash256
			Certificate Certificate
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ShardAcknowledgedMessage{BaseMessage: b, PayloadHash: body.PayloadHash, Certificate: body.Certificate}, nil
	})
	RegisterDecoder(PacketShardCommit, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash Hash256
			Certificate Certificate
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ShardCommitMessage{BaseMessage: b, PayloadHash: body.PayloadHash, Certificate: body.Certificate}, nil
	})
	RegisterDecoder(PacketShardDeliver, func(b BaseMessage, p []byte) (Message, error) {
		var body struct {
			PayloadHash Hash256
			Certificate Certificate
		}
		if err := json.Unmarshal(p, &body); err != nil {
			return nil, err
		}
		return &ShardDeliverMessage{BaseMessage: b, PayloadHash: body.PayloadHash, Certificate: body.Certificate}, nil
	})
}

// payloadOf extracts the JSON body of a message by re-marshaling it minus
// the BaseMessage fields; kept simple (re-marshal whole struct, embedded
// BaseMessage fields are re-sent but ignored on decode since the envelope
// already carries them) rather than reflection-based field stripping.
func payloadOf(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Encoder writes framed DBRB messages to an underlying writer.
type Encoder struct {
	writer *bufio.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Encode writes msg's envelope and payload.
func (e *Encoder) Encode(msg Message) error {
	buf, err := EncodeToBytes(msg)
	if err != nil {
		return err
	}
	if _, err := e.writer.Write(buf); err != nil {
		return fmt.Errorf("dbrb: write message: %w", err)
	}
	return e.writer.Flush()
}

// Decoder reads framed DBRB messages from an underlying reader.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Decode reads one framed message.
func (d *Decoder) Decode() (Message, error) {
	header := make([]byte, envelopeHeaderSize)
	if _, err := io.ReadFull(d.reader, header); err != nil {
		return nil, fmt.Errorf("dbrb: read header: %w", err)
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("dbrb: message too large: %d bytes", size)
	}
	msgType := PacketType(binary.LittleEndian.Uint16(header[4:6]))

	offset := 6
	var sig Signature
	copy(sig[:], header[offset:offset+len(sig)])
	offset += len(sig)
	var sender ProcessId
	copy(sender[:], header[offset:offset+len(sender)])

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, fmt.Errorf("dbrb: read payload: %w", err)
	}

	return decodeMessage(msgType, BaseMessage{Sender: sender, SenderSig: sig}, payload)
}

func decodeMessage(t PacketType, base BaseMessage, payload []byte) (Message, error) {
	decode, ok := decoderRegistry[t]
	if !ok {
		return nil, fmt.Errorf("dbrb: unknown message type %d", t)
	}
	return decode(base, payload)
}

// EncodeToBytes encodes msg into a single framed buffer without requiring a
// writer.
func EncodeToBytes(msg Message) ([]byte, error) {
	payload, err := payloadOf(msg)
	if err != nil {
		return nil, fmt.Errorf("dbrb: marshal payload: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("dbrb: message too large: %d bytes", len(payload))
	}

	buf := make([]byte, envelopeHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(msg.Type()))
	offset := 6
	base := senderEnvelope(msg)
	copy(buf[offset:], base.SenderSig[:])
	offset += len(base.SenderSig)
	copy(buf[offset:], base.Sender[:])
	copy(buf[envelopeHeaderSize:], payload)
	return buf, nil
}

// DecodeFromBytes is the non-streaming counterpart to Decoder.Decode.
func DecodeFromBytes(data []byte) (Message, error) {
	if len(data) < envelopeHeaderSize {
		return nil, fmt.Errorf("dbrb: data too short: %d bytes", len(data))
	}
	size := binary.LittleEndian.Uint32(data[0:4])
	msgType := PacketType(binary.LittleEndian.Uint16(data[4:6]))
	offset := 6
	var sig Signature
	copy(sig[:], data[offset:offset+len(sig)])
	offset += len(sig)
	var sender ProcessId
	copy(sender[:], data[offset:offset+len(sender)])

	if envelopeHeaderSize+int(size) > len(data) {
		return nil, fmt.Errorf("dbrb: invalid message length: %d", size)
	}
	payload := data[envelopeHeaderSize : envelopeHeaderSize+int(size)]
	return decodeMessage(msgType, BaseMessage{Sender: sender, SenderSig: sig}, payload)
}

// senderEnvelope extracts the BaseMessage embedded in any concrete Message
// via a type switch.
func senderEnvelope(msg Message) BaseMessage {
	switch m := msg.(type) {
	case *PrepareMessage:
		return m.BaseMessage
	case *AcknowledgedMessage:
		return m.BaseMessage
	case *CommitMessage:
		return m.BaseMessage
	case *DeliverMessage:
		return m.BaseMessage
	case *ConfirmDeliverMessage:
		return m.BaseMessage
	case *ReconfigMessage:
		return m.BaseMessage
	case *ReconfigConfirmMessage:
		return m.BaseMessage
	case *ProposeMessage:
		return m.BaseMessage
	case *ConvergedMessage:
		return m.BaseMessage
	case *InstallMessage:
		return m.BaseMessage
	case *StateUpdateMessage:
		return m.BaseMessage
	case *ShardPrepareMessage:
		return m.BaseMessage
	case *ShardAcknowledgedMessage:
		return m.BaseMessage
	case *ShardCommitMessage:
		return m.BaseMessage
	case *ShardDeliverMessage:
		return m.BaseMessage
	default:
		return BaseMessage{}
	}
}
