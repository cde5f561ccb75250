package core

import (
	"testing"
)

func TestRegisterDAGAppendRootAndChild(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 0x42

	d := NewRegisterDAG()
	msg := canonicalEntry([]byte("genesis"), nil)
	sig := SignRecord(owner.Secret, KindRegister, addr, 0, msg)
	rootHash, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("genesis"), Signature: sig})
	if err != nil {
		t.Fatalf("append root failed: %v", err)
	}

	heads := d.Heads()
	if len(heads) != 1 || heads[0] != rootHash {
		t.Fatalf("expected single head == root, got %v", heads)
	}

	childMsg := canonicalEntry([]byte("child"), heads)
	childSig := SignRecord(owner.Secret, KindRegister, addr, uint64(len(d.Entries)), childMsg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("child"), Parents: heads, Signature: childSig}); err != nil {
		t.Fatalf("append child failed: %v", err)
	}
	if len(d.Heads()) != 1 {
		t.Fatalf("expected single head after linear append")
	}
}

func TestRegisterDAGConcurrentEditsProduceTwoHeads(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 0x43

	d := NewRegisterDAG()
	rootMsg := canonicalEntry([]byte("root"), nil)
	rootSig := SignRecord(owner.Secret, KindRegister, addr, 0, rootMsg)
	rootHash, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("root"), Signature: rootSig})
	if err != nil {
		t.Fatalf("append root failed: %v", err)
	}
	parents := []Hash{rootHash}

	msgA := canonicalEntry([]byte("branch-a"), parents)
	sigA := SignRecord(owner.Secret, KindRegister, addr, 1, msgA)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("branch-a"), Parents: parents, Signature: sigA}); err != nil {
		t.Fatalf("append branch-a failed: %v", err)
	}

	msgB := canonicalEntry([]byte("branch-b"), parents)
	sigB := SignRecord(owner.Secret, KindRegister, addr, 1, msgB)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("branch-b"), Parents: parents, Signature: sigB}); err != nil {
		t.Fatalf("append branch-b failed: %v", err)
	}

	heads := d.Heads()
	if len(heads) != 2 {
		t.Fatalf("expected 2 heads after concurrent edits from the same parent, got %d", len(heads))
	}

	history := d.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 entries in history, got %d", len(history))
	}
	if string(history[0].Value) != "root" {
		t.Fatalf("expected root first in topological order, got %q", history[0].Value)
	}
}

func TestRegisterDAGAppendRejectsUnknownParent(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 0x44

	d := NewRegisterDAG()
	rootMsg := canonicalEntry([]byte("root"), nil)
	rootSig := SignRecord(owner.Secret, KindRegister, addr, 0, rootMsg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("root"), Signature: rootSig}); err != nil {
		t.Fatalf("append root failed: %v", err)
	}

	var ghost Hash
	ghost[0] = 0xFF
	msg := canonicalEntry([]byte("orphan"), []Hash{ghost})
	sig := SignRecord(owner.Secret, KindRegister, addr, 1, msg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("orphan"), Parents: []Hash{ghost}, Signature: sig}); err == nil {
		t.Fatalf("expected error appending entry with unknown parent")
	}
}

func TestRegisterDAGMergeIsUnion(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 0x45

	a := NewRegisterDAG()
	msgA := canonicalEntry([]byte("a-root"), nil)
	sigA := SignRecord(owner.Secret, KindRegister, addr, 0, msgA)
	if _, err := a.Append(owner.Public, addr, RegisterEntry{Value: []byte("a-root"), Signature: sigA}); err != nil {
		t.Fatalf("append into a failed: %v", err)
	}

	b := NewRegisterDAG()
	msgB := canonicalEntry([]byte("b-root"), nil)
	sigB := SignRecord(owner.Secret, KindRegister, addr, 0, msgB)
	if _, err := b.Append(owner.Public, addr, RegisterEntry{Value: []byte("b-root"), Signature: sigB}); err != nil {
		t.Fatalf("append into b failed: %v", err)
	}

	a.Merge(b)
	if len(a.Entries) != 2 {
		t.Fatalf("expected merged DAG to hold both disjoint roots, got %d entries", len(a.Entries))
	}
}

func TestRegisterDAGEncodeDecodeRoundTrip(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 0x46

	d := NewRegisterDAG()
	msg := canonicalEntry([]byte("value"), nil)
	sig := SignRecord(owner.Secret, KindRegister, addr, 0, msg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: []byte("value"), Signature: sig}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	encoded := encodeRegisterDAG(d)
	decoded, err := decodeRegisterDAG(encoded)
	if err != nil {
		t.Fatalf("decodeRegisterDAG failed: %v", err)
	}
	if len(decoded.Entries) != 1 {
		t.Fatalf("expected 1 entry after round trip, got %d", len(decoded.Entries))
	}
}
