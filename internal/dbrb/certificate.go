package dbrb

import (
	"encoding/binary"
	"errors"
	"sort"
)

// Certificate is a quorum-sized map of ProcessId to Signature, attesting
// that a payload (or, in the sharded engine, a sub-tree's worth of
// payloads) was witnessed by a quorum of some view. Keying by ProcessId
// enforces uniqueness of signers.
type Certificate map[ProcessId]Signature

// sortedSigners returns the certificate's ProcessIds in canonical ascending
// order, so that Pack() and any hash computed over the certificate are
// reproducible across implementations.
func (c Certificate) sortedSigners() []ProcessId {
	out := make([]ProcessId, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Pack serialises the certificate:
// u32 count ‖ count×(ProcessId, Signature), canonically ordered.
func (c Certificate) Pack() []byte {
	signers := c.sortedSigners()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(signers)))
	buf := make([]byte, 0, len(header)+len(signers)*(len(ProcessId{})+len(Signature{})))
	buf = append(buf, header...)
	for _, id := range signers {
		sig := c[id]
		buf = append(buf, id[:]...)
		buf = append(buf, sig[:]...)
	}
	return buf
}

// UnpackCertificate is the inverse of Pack.
func UnpackCertificate(buf []byte) (Certificate, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("dbrb: truncated certificate header")
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	cert := make(Certificate, count)
	idLen := len(ProcessId{})
	sigLen := len(Signature{})
	for i := uint32(0); i < count; i++ {
		if len(buf) < idLen+sigLen {
			return nil, nil, errors.New("dbrb: truncated certificate entry")
		}
		var id ProcessId
		copy(id[:], buf[:idLen])
		buf = buf[idLen:]
		var sig Signature
		copy(sig[:], buf[:sigLen])
		buf = buf[sigLen:]
		cert[id] = sig
	}
	return cert, buf, nil
}

// VerifyAgainst verifies every signature in the certificate against hash,
// rejecting (returning false) on the first invalid signature. onlyMembersOf,
// if non-nil, additionally requires every signer to be a member of that
// view.
func (c Certificate) VerifyAgainst(hash Hash256, onlyMembersOf *View) bool {
	for signer, sig := range c {
		if onlyMembersOf != nil && !onlyMembersOf.IsMember(signer) {
			return false
		}
		if !VerifyHash(signer, hash, sig) {
			return false
		}
	}
	return true
}
