// Package dbrb implements the Dynamic Byzantine Reliable Broadcast core: the
// View/Sequence membership algebra, the quorum manager, the signature
// service, the flat and sharded broadcast engines, and the reconfiguration
// protocol that ties them together.
package dbrb

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
)

// ProcessId is the opaque cryptographic identity of a DBRB participant: the
// raw bytes of its public key. Equality, ordering and hashing are all
// defined over the byte string directly.
type ProcessId [32]byte

// String renders the process id as a short hex fingerprint for logs.
func (p ProcessId) String() string {
	return hex.EncodeToString(p[:4]) + "…" + hex.EncodeToString(p[len(p)-4:])
}

// MarshalText renders the full hex encoding, satisfying
// encoding.TextMarshaler so that ProcessId can key a JSON map (Certificate,
// ProcessState's acknowledged-sender sets) — the standard map[K]V JSON
// encoder requires a string, integer, or TextMarshaler key type.
func (p ProcessId) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

// UnmarshalText is the inverse of MarshalText.
func (p *ProcessId) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(decoded) != len(p) {
		return errors.New("dbrb: invalid process id length")
	}
	copy(p[:], decoded)
	return nil
}

// Less gives ProcessId a total order, used to keep certificates and packed
// views canonical (ascending by ProcessId).
func (p ProcessId) Less(other ProcessId) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return false
}

// MembershipChange records whether a ProcessId entered or left a View.
type MembershipChange uint8

const (
	// Join marks the process as joining the membership.
	Join MembershipChange = iota
	// Leave marks the process as leaving the membership.
	Leave
)

func (c MembershipChange) String() string {
	if c == Leave {
		return "-"
	}
	return "+"
}

// View is the membership changelog of the system: a set of (ProcessId,
// MembershipChange) pairs rather than a bare flat set. The changelog is what
// makes Reconfig/Propose meaningful, since a proposed view must record which
// change it layers on top of the previous one, not merely the resulting
// membership. Members() derives the flat set that quorum and ordering
// predicates are defined over.
type View struct {
	Data map[ProcessId]MembershipChange
}

// NewView builds a View directly from a resolved membership set, recording
// every id as joined. Used for bootstrap/genesis views and in tests.
func NewView(members ...ProcessId) View {
	v := View{Data: make(map[ProcessId]MembershipChange, len(members))}
	for _, m := range members {
		v.Data[m] = Join
	}
	return v
}

// Members returns the resolved membership set: every id whose most recent
// (and, since Data is keyed by id, only) recorded change is Join.
func (v View) Members() []ProcessId {
	out := make([]ProcessId, 0, len(v.Data))
	for id, change := range v.Data {
		if change == Join {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Size is the number of currently joined members.
func (v View) Size() int {
	n := 0
	for _, change := range v.Data {
		if change == Join {
			n++
		}
	}
	return n
}

// IsMember reports whether id is currently joined in v.
func (v View) IsMember(id ProcessId) bool {
	change, ok := v.Data[id]
	return ok && change == Join
}

// HasChange reports whether id is recorded with exactly the given change.
func (v View) HasChange(id ProcessId, change MembershipChange) bool {
	got, ok := v.Data[id]
	return ok && got == change
}

// QuorumSize is the Byzantine quorum threshold for this view's membership:
// n - floor((n-1)/3). This differs from the classical PBFT 2f+1 formula
// (the two coincide only when n = 3f+1 exactly; these views are not
// required to have that shape).
func (v View) QuorumSize() int {
	return QuorumSize(v.Size())
}

// QuorumSize computes the Byzantine quorum threshold for a membership of
// size n directly, for callers (tree/shard derivation) that only have a
// count rather than a View in hand.
func QuorumSize(n int) int {
	if n == 0 {
		return 0
	}
	return n - MaxInvalidProcesses(n)
}

// MaxInvalidProcesses is floor((n-1)/3), the largest Byzantine-process count
// a view of size n can tolerate.
func MaxInvalidProcesses(n int) int {
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// Equal reports structural equality of the two views' changelogs.
func (v View) Equal(other View) bool {
	if len(v.Data) != len(other.Data) {
		return false
	}
	for id, change := range v.Data {
		if otherChange, ok := other.Data[id]; !ok || otherChange != change {
			return false
		}
	}
	return true
}

// sortedEntries returns the view's (id, change) pairs ordered canonically by
// ProcessId. Less walks both views in this order to test inclusion.
func (v View) sortedEntries() []viewEntry {
	entries := make([]viewEntry, 0, len(v.Data))
	for id, change := range v.Data {
		entries = append(entries, viewEntry{id, change})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id.Less(entries[j].id) })
	return entries
}

type viewEntry struct {
	id     ProcessId
	change MembershipChange
}

// Less reports whether v is strictly less recent than other: v ⊂ other —
// other must have strictly more entries, and every (id, change) entry of v
// must also appear in other.
func (v View) Less(other View) bool {
	a := v.sortedEntries()
	b := other.sortedEntries()
	if len(b) <= len(a) {
		return false
	}
	j := 0
	for _, entry := range a {
		for j < len(b) && b[j].id.Less(entry.id) {
			j++
		}
		if j == len(b) || b[j] != entry {
			return false
		}
		j++
	}
	return true
}

// Greater is the converse of Less.
func (v View) Greater(other View) bool {
	return other.Less(v)
}

// LessOrEqual implements A ≤ B ⇔ A ⊆ B.
func (v View) LessOrEqual(other View) bool {
	return v.Less(other) || v.Equal(other)
}

// GreaterOrEqual is the converse of LessOrEqual.
func (v View) GreaterOrEqual(other View) bool {
	return v.Greater(other) || v.Equal(other)
}

// Comparable reports whether a and b are related by subset inclusion in
// either direction.
func Comparable(a, b View) bool {
	return a.Equal(b) || a.Less(b) || a.Greater(b)
}

// Merge returns the union of v and other's changelogs; on conflicting
// entries for the same ProcessId, other's change wins (most recently
// observed change takes precedence).
func (v View) Merge(other View) View {
	merged := make(map[ProcessId]MembershipChange, len(v.Data)+len(other.Data))
	for id, change := range v.Data {
		merged[id] = change
	}
	for id, change := range other.Data {
		merged[id] = change
	}
	return View{Data: merged}
}

// Difference removes from v every entry that also appears (with the same
// change) in other.
func (v View) Difference(other View) View {
	diff := make(map[ProcessId]MembershipChange, len(v.Data))
	for id, change := range v.Data {
		if otherChange, ok := other.Data[id]; ok && otherChange == change {
			continue
		}
		diff[id] = change
	}
	return View{Data: diff}
}

// Pack serialises the view's resolved membership: u32 count followed by
// count ProcessIds in canonical ascending order. Only the resolved Join set
// is packed; the changelog representation is an implementation detail that
// does not leak onto the wire.
func (v View) Pack() []byte {
	members := v.Members()
	buf := make([]byte, 4+len(members)*len(ProcessId{}))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(members)))
	offset := 4
	for _, id := range members {
		copy(buf[offset:], id[:])
		offset += len(id)
	}
	return buf
}

// UnpackView is the inverse of Pack; it always reconstructs a View whose
// entries are all Join (the wire form carries no changelog history).
func UnpackView(buf []byte) (View, []byte, error) {
	if len(buf) < 4 {
		return View{}, nil, errors.New("dbrb: truncated view header")
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	v := View{Data: make(map[ProcessId]MembershipChange, count)}
	for i := uint32(0); i < count; i++ {
		if len(buf) < len(ProcessId{}) {
			return View{}, nil, errors.New("dbrb: truncated view body")
		}
		var id ProcessId
		copy(id[:], buf[:len(id)])
		v.Data[id] = Join
		buf = buf[len(id):]
	}
	return v, buf, nil
}

// Sequence is a strictly ascending, mutually comparable list of views. The
// zero Sequence is the empty sequence.
type Sequence struct {
	views []View
}

// NewSequence validates sequenceData with IsValidSequence and, if valid,
// returns the Sequence built from it; otherwise ok is false.
func NewSequence(sequenceData []View) (Sequence, bool) {
	if !IsValidSequence(sequenceData) {
		return Sequence{}, false
	}
	cp := make([]View, len(sequenceData))
	copy(cp, sequenceData)
	return Sequence{views: cp}, true
}

// IsValidSequence reports whether sequenceData is already strictly
// ascending: every consecutive pair satisfies data[i] < data[i+1].
func IsValidSequence(sequenceData []View) bool {
	for i := 0; i+1 < len(sequenceData); i++ {
		if !sequenceData[i].Less(sequenceData[i+1]) {
			return false
		}
	}
	return true
}

// Data returns the underlying strictly-ascending view list.
func (s Sequence) Data() []View {
	return s.views
}

// Len is the number of views in the sequence.
func (s Sequence) Len() int {
	return len(s.views)
}

// MaybeLeastRecent returns the first (oldest) view, if any.
func (s Sequence) MaybeLeastRecent() (View, bool) {
	if len(s.views) == 0 {
		return View{}, false
	}
	return s.views[0], true
}

// MaybeMostRecent returns the last (newest) view, if any.
func (s Sequence) MaybeMostRecent() (View, bool) {
	if len(s.views) == 0 {
		return View{}, false
	}
	return s.views[len(s.views)-1], true
}

// sizeMax signals "not insertable" internally; the public API returns
// (int, bool) instead.
const sizeMax = -1

// CanInsert returns the position at which testedView would be inserted to
// keep the sequence strictly ascending, or ok=false if testedView is not
// comparable with every view already in the sequence, or is a duplicate of
// one of them by size.
func (s Sequence) CanInsert(testedView View) (pos int, ok bool) {
	mostRecent, has := s.MaybeMostRecent()
	if !has {
		return 0, true
	}
	if !Comparable(testedView, mostRecent) {
		return sizeMax, false
	}
	testedSize := len(testedView.Data)
	for i, v := range s.views {
		if testedSize == len(v.Data) {
			return sizeMax, false
		}
		if testedSize < len(v.Data) {
			return i, true
		}
	}
	return len(s.views), true
}

// CanAppend reports whether testedView is strictly more recent than the
// sequence's current most-recent view (or the sequence is empty).
func (s Sequence) CanAppend(testedView View) bool {
	mostRecent, has := s.MaybeMostRecent()
	if !has {
		return true
	}
	return testedView.Greater(mostRecent)
}

// CanAppendSequence reports whether every view in other is more recent than
// every view already in s.
func (s Sequence) CanAppendSequence(other Sequence) bool {
	thisMostRecent, hasThis := s.MaybeMostRecent()
	otherLeastRecent, hasOther := other.MaybeLeastRecent()
	if !hasThis || !hasOther {
		return true
	}
	return thisMostRecent.Less(otherLeastRecent)
}

// TryInsert inserts newView at its unique sorted position if CanInsert
// allows it, returning the resulting Sequence and whether insertion
// succeeded.
func (s Sequence) TryInsert(newView View) (Sequence, bool) {
	pos, ok := s.CanInsert(newView)
	if !ok {
		return s, false
	}
	out := make([]View, 0, len(s.views)+1)
	out = append(out, s.views[:pos]...)
	out = append(out, newView)
	out = append(out, s.views[pos:]...)
	return Sequence{views: out}, true
}

// TryAppend appends newView to the sequence if CanAppend allows it.
func (s Sequence) TryAppend(newView View) (Sequence, bool) {
	if !s.CanAppend(newView) {
		return s, false
	}
	out := make([]View, len(s.views), len(s.views)+1)
	copy(out, s.views)
	out = append(out, newView)
	return Sequence{views: out}, true
}

// TryAppendSequence appends every view of newSequence to s if
// CanAppendSequence allows it.
func (s Sequence) TryAppendSequence(newSequence Sequence) (Sequence, bool) {
	if !s.CanAppendSequence(newSequence) {
		return s, false
	}
	out := make([]View, len(s.views), len(s.views)+len(newSequence.views))
	copy(out, s.views)
	out = append(out, newSequence.views...)
	return Sequence{views: out}, true
}

// TryErase removes the first occurrence of view from the sequence, if
// present, reporting whether it was found.
func (s Sequence) TryErase(view View) (Sequence, bool) {
	for i, v := range s.views {
		if v.Equal(view) {
			out := make([]View, 0, len(s.views)-1)
			out = append(out, s.views[:i]...)
			out = append(out, s.views[i+1:]...)
			return Sequence{views: out}, true
		}
	}
	return s, false
}

// Equal reports whether s and other contain the same views in the same
// order.
func (s Sequence) Equal(other Sequence) bool {
	if len(s.views) != len(other.views) {
		return false
	}
	for i := range s.views {
		if !s.views[i].Equal(other.views[i]) {
			return false
		}
	}
	return true
}

// Less orders sequences totally by length only.
func (s Sequence) Less(other Sequence) bool {
	return len(s.views) < len(other.views)
}

// Pack serialises the sequence: u32 count followed by count packed Views.
func (s Sequence) Pack() []byte {
	var buf []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(s.views)))
	buf = append(buf, header...)
	for _, v := range s.views {
		buf = append(buf, v.Pack()...)
	}
	return buf
}

// UnpackSequence is the inverse of Pack.
func UnpackSequence(buf []byte) (Sequence, []byte, error) {
	if len(buf) < 4 {
		return Sequence{}, nil, errors.New("dbrb: truncated sequence header")
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	views := make([]View, 0, count)
	for i := uint32(0); i < count; i++ {
		v, rest, err := UnpackView(buf)
		if err != nil {
			return Sequence{}, nil, err
		}
		views = append(views, v)
		buf = rest
	}
	return Sequence{views: views}, buf, nil
}
