package dbrb

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/sha3"
)

// Hash256 is a SHA3-256 digest, used throughout as the PayloadHash and as
// the keying type for BroadcastData.
type Hash256 [32]byte

// Signature is a deterministic Ed25519 signature over a Hash256.
// Standard-library crypto/ed25519 is used here rather than a third-party
// dependency: none of the available crypto libraries (ECDSA P256,
// BIP32/39 HD-wallet derivation) implement plain deterministic Ed25519
// signing, so crypto/ed25519 is the narrowest substitute.
type Signature [ed25519.SignatureSize]byte

// KeyPair is a process's signing identity. ProcessId is derived from the
// public key so that identity and verification key always coincide.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// ProcessId derives this key pair's process identity from its public key.
func (kp KeyPair) ProcessId() ProcessId {
	var id ProcessId
	copy(id[:], kp.Public)
	return id
}

// SignatureService implements the payload, message, and sharded-payload
// hash disciplines and the sign/verify operations the engines call.
type SignatureService struct {
	keyPair KeyPair
}

// NewSignatureService wraps a process's key pair.
func NewSignatureService(kp KeyPair) *SignatureService {
	return &SignatureService{keyPair: kp}
}

// ProcessId returns the identity this service signs on behalf of.
func (s *SignatureService) ProcessId() ProcessId {
	return s.keyPair.ProcessId()
}

// PayloadHash computes SHA3-256(payload ‖ view.Pack()), the "payload
// signature" hash discipline every broadcast is certified under.
func PayloadHash(payload []byte, view View) Hash256 {
	h := sha3.New256()
	h.Write(payload)
	h.Write(view.Pack())
	var out Hash256
	h.Sum(out[:0])
	return out
}

// ShardedPayloadHash computes SHA3-256(u32 type ‖ treeView.Pack() ‖ payload),
// the sharded payload signature discipline, kept distinct from
// PayloadHash so that sharded and flat certificates can never be conflated.
func ShardedPayloadHash(messageType uint32, treeView View, payload []byte) Hash256 {
	h := sha3.New256()
	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], messageType)
	h.Write(typeBuf[:])
	h.Write(treeView.Pack())
	h.Write(payload)
	var out Hash256
	h.Sum(out[:0])
	return out
}

// MessageHash computes SHA3-256 over a packet's non-signature bytes: the
// "message signature" hash discipline every wire message is signed under.
func MessageHash(nonSignatureBytes []byte) Hash256 {
	h := sha3.New256()
	h.Write(nonSignatureBytes)
	var out Hash256
	h.Sum(out[:0])
	return out
}

// SignHash signs a precomputed hash under this process's key.
func (s *SignatureService) SignHash(hash Hash256) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(s.keyPair.Private, hash[:]))
	return sig
}

// VerifyHash verifies sig over hash under the public key implied by signer.
// A zero-length/garbage ProcessId fails closed.
func VerifyHash(signer ProcessId, hash Hash256, sig Signature) bool {
	pub := ed25519.PublicKey(signer[:])
	return ed25519.Verify(pub, hash[:], sig[:])
}

// verifySenderSignature checks msg's envelope-level SenderSig under the
// public key implied by its declared Sender, the check every inbound
// message must pass before an engine dispatches it: without this, any
// process could forge a message under an arbitrary Sender.
func verifySenderSignature(msg Message) bool {
	return VerifyHash(msg.SenderId(), MessageHash(msg.signatureBytes()), msg.senderSignature())
}

var errVerificationFailed = errors.New("dbrb: signature verification failed")

// VerifyOrError is a convenience wrapper returning an error instead of a
// bool, used where the caller wants to log+drop uniformly.
func VerifyOrError(signer ProcessId, hash Hash256, sig Signature) error {
	if !VerifyHash(signer, hash, sig) {
		return errVerificationFailed
	}
	return nil
}
