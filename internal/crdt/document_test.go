package crdt

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func mustSnapshot(t *testing.T, d Document) []byte {
	t.Helper()
	snap, err := d.EncodeSnapshot()
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	return snap
}

func TestApplyFragmentIdempotent(t *testing.T) {
	once := NewFragmentLog()
	twice := NewFragmentLog()

	fragment := []byte{1, 2, 3, 4}

	if changed, err := once.ApplyFragment(fragment); err != nil || !changed {
		t.Fatalf("First apply: changed=%v err=%v", changed, err)
	}

	twice.ApplyFragment(fragment)
	changed, err := twice.ApplyFragment(fragment)
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if changed {
		t.Error("Re-applying a fragment should not change the replica")
	}

	if !bytes.Equal(mustSnapshot(t, once), mustSnapshot(t, twice)) {
		t.Error("Applying once and twice should produce identical snapshots")
	}
	if once.CompressedSize() != twice.CompressedSize() {
		t.Errorf("Size mismatch: %d != %d", once.CompressedSize(), twice.CompressedSize())
	}
}

func TestHas(t *testing.T) {
	log := NewFragmentLog()
	fragment := []byte("insert 'x' at 3")

	if log.Has(fragment) {
		t.Error("Empty log should not have the fragment")
	}
	log.ApplyFragment(fragment)
	if !log.Has(fragment) {
		t.Error("Merged fragment should be reported")
	}
	if log.Has([]byte("insert 'y' at 3")) {
		t.Error("Unrelated fragment should not be reported")
	}
}

func TestApplyFragmentRejectsInvalid(t *testing.T) {
	doc := NewFragmentLog()

	if _, err := doc.ApplyFragment(nil); !errors.Is(err, ErrEmptyFragment) {
		t.Errorf("Expected ErrEmptyFragment, got %v", err)
	}

	big := make([]byte, MaxFragmentSize+1)
	if _, err := doc.ApplyFragment(big); !errors.Is(err, ErrFragmentTooLarge) {
		t.Errorf("Expected ErrFragmentTooLarge, got %v", err)
	}

	if doc.Len() != 0 {
		t.Errorf("Rejected fragments must not be stored, have %d", doc.Len())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	doc := NewFragmentLog()
	for i := 0; i < 20; i++ {
		doc.ApplyFragment([]byte{byte(i), 0xAA})
	}

	restored, err := LoadFragmentLog(mustSnapshot(t, doc))
	if err != nil {
		t.Fatalf("LoadFragmentLog failed: %v", err)
	}

	if !bytes.Equal(mustSnapshot(t, doc), mustSnapshot(t, restored)) {
		t.Error("Restored replica differs from source")
	}
}

func TestLoadEmptySnapshot(t *testing.T) {
	doc, err := LoadFragmentLog(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if doc.(*FragmentLog).Len() != 0 {
		t.Error("Expected empty replica")
	}
}

func TestLoadMalformedSnapshot(t *testing.T) {
	if _, err := LoadFragmentLog([]byte{0xff, 0x00}); !errors.Is(err, ErrBadSnapshot) {
		t.Errorf("Expected ErrBadSnapshot, got %v", err)
	}
}

// A replica that joins mid-session from a snapshot and then receives the
// remaining fragments converges with a replica that saw everything.
func TestLateJoinerConverges(t *testing.T) {
	fragments := make([][]byte, 50)
	for i := range fragments {
		fragments[i] = []byte{byte(i), byte(i * 7), 0x01}
	}

	server := NewFragmentLog()
	early := NewFragmentLog()
	for _, f := range fragments[:30] {
		server.ApplyFragment(f)
		early.ApplyFragment(f)
	}

	_, snapFragments, err := DecodeFragments(mustSnapshot(t, server))
	if err != nil {
		t.Fatalf("DecodeFragments failed: %v", err)
	}
	late := NewFragmentLog()
	for _, f := range snapFragments {
		late.ApplyFragment(f)
	}

	// Some fragments in flight arrive both before and after the snapshot
	rest := fragments[25:]
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for _, f := range rest {
		server.ApplyFragment(f)
		early.ApplyFragment(f)
		late.ApplyFragment(f)
	}

	if early.Len() != 50 || late.Len() != 50 {
		t.Fatalf("Expected 50 fragments each, got early=%d late=%d", early.Len(), late.Len())
	}

	want := map[string]bool{}
	for _, f := range fragments {
		want[string(f)] = true
	}
	for _, f := range late.fragments {
		if !want[string(f)] {
			t.Errorf("Unexpected fragment %v", f)
		}
	}
}

func TestDiffSince(t *testing.T) {
	doc := NewFragmentLog()
	for i := 0; i < 5; i++ {
		doc.ApplyFragment([]byte{byte(i) + 1})
	}

	sv, err := doc.StateVector()
	if err != nil {
		t.Fatalf("StateVector failed: %v", err)
	}

	doc.ApplyFragment([]byte{10})
	doc.ApplyFragment([]byte{11})

	diff, err := doc.DiffSince(sv)
	if err != nil {
		t.Fatalf("DiffSince failed: %v", err)
	}

	base, fragments, err := DecodeFragments(diff)
	if err != nil {
		t.Fatalf("DecodeFragments failed: %v", err)
	}
	if base != 5 {
		t.Errorf("Expected base 5, got %d", base)
	}
	if len(fragments) != 2 || fragments[0][0] != 10 || fragments[1][0] != 11 {
		t.Errorf("Unexpected diff fragments %v", fragments)
	}
}

func TestDiffSinceUnknownVectorReturnsFullSnapshot(t *testing.T) {
	doc := NewFragmentLog()
	other := NewFragmentLog()
	doc.ApplyFragment([]byte{1})
	doc.ApplyFragment([]byte{2})
	other.ApplyFragment([]byte{9})

	sv, _ := other.StateVector()
	diff, err := doc.DiffSince(sv)
	if err != nil {
		t.Fatalf("DiffSince failed: %v", err)
	}

	base, fragments, _ := DecodeFragments(diff)
	if base != 0 || len(fragments) != 2 {
		t.Errorf("Expected full snapshot, got base=%d len=%d", base, len(fragments))
	}
}

func TestDiffSinceMalformedVector(t *testing.T) {
	doc := NewFragmentLog()
	if _, err := doc.DiffSince([]byte{0xff}); !errors.Is(err, ErrBadStateVector) {
		t.Errorf("Expected ErrBadStateVector, got %v", err)
	}
}

func TestCompressedSizeGrows(t *testing.T) {
	doc := NewFragmentLog()
	doc.ApplyFragment(bytes.Repeat([]byte("hello world "), 200))
	size := doc.CompressedSize()
	if size <= 0 || size >= 2400 {
		t.Errorf("Expected compressed size below raw size, got %d", size)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1000)
	out, err := Decompress(Compress(data))
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("Round trip mismatch")
	}
}
