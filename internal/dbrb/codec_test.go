package dbrb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePrepare() *PrepareMessage {
	return &PrepareMessage{
		BaseMessage:   BaseMessage{Sender: pid(1), SenderSig: Signature{0xAB}},
		Payload:       []byte("hello dbrb"),
		View:          NewView(pid(1), pid(2), pid(3)),
		BootstrapView: NewView(pid(1)),
	}
}

func TestCodecRoundTripBytes(t *testing.T) {
	msg := samplePrepare()
	encoded, err := EncodeToBytes(msg)
	require.NoError(t, err)

	decoded, err := DecodeFromBytes(encoded)
	require.NoError(t, err)

	prepare, ok := decoded.(*PrepareMessage)
	require.True(t, ok)
	assert.Equal(t, msg.Sender, prepare.Sender)
	assert.Equal(t, msg.SenderSig, prepare.SenderSig)
	assert.Equal(t, msg.Payload, prepare.Payload)
	assert.ElementsMatch(t, msg.View.Members(), prepare.View.Members())
}

func TestCodecRoundTripStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	msg := &DeliverMessage{
		BaseMessage: BaseMessage{Sender: pid(2)},
		PayloadHash: Hash256{1, 2, 3},
		View:        NewView(pid(1), pid(2)),
	}
	require.NoError(t, enc.Encode(msg))

	dec := NewDecoder(&buf)
	decoded, err := dec.Decode()
	require.NoError(t, err)

	deliver, ok := decoded.(*DeliverMessage)
	require.True(t, ok)
	assert.Equal(t, msg.PayloadHash, deliver.PayloadHash)
}

func TestCodecUnknownTypeRejected(t *testing.T) {
	msg := samplePrepare()
	encoded, err := EncodeToBytes(msg)
	require.NoError(t, err)
	// Corrupt the type field (bytes 4:6) to an unregistered value.
	encoded[4] = 0xFF
	encoded[5] = 0xFF
	_, err = DecodeFromBytes(encoded)
	assert.Error(t, err)
}

func TestCertificatePackRoundTrip(t *testing.T) {
	cert := Certificate{
		pid(1): {0x01},
		pid(2): {0x02},
	}
	packed := cert.Pack()
	decoded, rest, err := UnpackCertificate(packed)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, cert, decoded)
}
