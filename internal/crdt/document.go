// Package crdt holds the replicated document primitive behind a narrow
// interface. The room engine only ever applies opaque fragments, encodes
// snapshots and computes diffs; it never inspects fragment contents.
package crdt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	snapshotVersion = 1

	// MaxFragmentSize bounds a single update fragment
	MaxFragmentSize = 1024 * 1024
)

var (
	ErrEmptyFragment    = errors.New("crdt: empty fragment")
	ErrFragmentTooLarge = errors.New("crdt: fragment too large")
	ErrBadSnapshot      = errors.New("crdt: malformed snapshot")
	ErrBadStateVector   = errors.New("crdt: malformed state vector")
)

// Document is a replicated document. Fragments are commutative and
// idempotent: applying the same fragment twice is a no-op.
type Document interface {
	// ApplyFragment merges a fragment and reports whether it changed the replica
	ApplyFragment(fragment []byte) (bool, error)

	// Has reports whether the fragment is already merged
	Has(fragment []byte) bool

	// EncodeSnapshot returns a single payload from which a fresh replica
	// can be rebuilt without any history
	EncodeSnapshot() ([]byte, error)

	// StateVector summarises what this replica has seen
	StateVector() ([]byte, error)

	// DiffSince returns the fragments a replica at stateVector is missing,
	// encoded like a snapshot. Unknown vectors get the full snapshot.
	DiffSince(stateVector []byte) ([]byte, error)

	// CompressedSize is the server-side storage footprint of the replica
	CompressedSize() int
}

// Factory builds a Document from a snapshot; nil snapshot means empty
type Factory func(snapshot []byte) (Document, error)

// FragmentLog is an add-only set of opaque fragments kept in arrival
// order. Because the fragments themselves are commutative updates of the
// client-side CRDT, the union of every fragment ever seen is a valid
// replica, and replaying it in any order converges.
type FragmentLog struct {
	fragments  [][]byte
	seen       map[[32]byte]struct{}
	chain      [][32]byte
	compressed int
}

type snapshotWire struct {
	Version   uint8    `cbor:"1,keyasint"`
	Base      uint64   `cbor:"2,keyasint"`
	Fragments [][]byte `cbor:"3,keyasint"`
}

type stateVectorWire struct {
	Count  uint64 `cbor:"1,keyasint"`
	Digest []byte `cbor:"2,keyasint"`
}

func NewFragmentLog() *FragmentLog {
	return &FragmentLog{seen: make(map[[32]byte]struct{})}
}

// LoadFragmentLog is a Factory for FragmentLog
func LoadFragmentLog(snapshot []byte) (Document, error) {
	log := NewFragmentLog()
	if len(snapshot) == 0 {
		return log, nil
	}

	var wire snapshotWire
	if err := Unmarshal(snapshot, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if wire.Version != snapshotVersion || wire.Base != 0 {
		return nil, fmt.Errorf("%w: version %d base %d", ErrBadSnapshot, wire.Version, wire.Base)
	}

	for _, f := range wire.Fragments {
		if _, err := log.ApplyFragment(f); err != nil {
			return nil, err
		}
	}
	return log, nil
}

func (l *FragmentLog) ApplyFragment(fragment []byte) (bool, error) {
	if len(fragment) == 0 {
		return false, ErrEmptyFragment
	}
	if len(fragment) > MaxFragmentSize {
		return false, ErrFragmentTooLarge
	}

	sum := blake3.Sum256(fragment)
	if _, ok := l.seen[sum]; ok {
		return false, nil
	}

	stored := bytes.Clone(fragment)
	l.seen[sum] = struct{}{}
	l.fragments = append(l.fragments, stored)
	l.chain = append(l.chain, l.nextLink(sum))
	l.compressed += CompressedLen(stored)
	return true, nil
}

func (l *FragmentLog) Has(fragment []byte) bool {
	_, ok := l.seen[blake3.Sum256(fragment)]
	return ok
}

// nextLink chains fragment hashes so a state vector pins the exact prefix
func (l *FragmentLog) nextLink(sum [32]byte) [32]byte {
	h := blake3.New()
	if n := len(l.chain); n > 0 {
		h.Write(l.chain[n-1][:])
	}
	h.Write(sum[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (l *FragmentLog) EncodeSnapshot() ([]byte, error) {
	return Marshal(snapshotWire{
		Version:   snapshotVersion,
		Fragments: l.fragments,
	})
}

func (l *FragmentLog) StateVector() ([]byte, error) {
	sv := stateVectorWire{Count: uint64(len(l.fragments))}
	if n := len(l.chain); n > 0 {
		sv.Digest = l.chain[n-1][:]
	}
	return Marshal(sv)
}

func (l *FragmentLog) DiffSince(stateVector []byte) ([]byte, error) {
	if len(stateVector) == 0 {
		return l.EncodeSnapshot()
	}

	var sv stateVectorWire
	if err := Unmarshal(stateVector, &sv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStateVector, err)
	}

	if !l.knowsPrefix(sv) {
		return l.EncodeSnapshot()
	}

	return Marshal(snapshotWire{
		Version:   snapshotVersion,
		Base:      sv.Count,
		Fragments: l.fragments[sv.Count:],
	})
}

func (l *FragmentLog) knowsPrefix(sv stateVectorWire) bool {
	if sv.Count > uint64(len(l.fragments)) {
		return false
	}
	if sv.Count == 0 {
		return len(sv.Digest) == 0
	}
	link := l.chain[sv.Count-1]
	return bytes.Equal(link[:], sv.Digest)
}

func (l *FragmentLog) CompressedSize() int {
	return l.compressed
}

// Len is the number of distinct fragments merged so far
func (l *FragmentLog) Len() int {
	return len(l.fragments)
}

// DecodeFragments unpacks a snapshot or diff payload into its base index
// and fragments. Clients use the same layout.
func DecodeFragments(payload []byte) (uint64, [][]byte, error) {
	var wire snapshotWire
	if err := Unmarshal(payload, &wire); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return wire.Base, wire.Fragments, nil
}
