package core

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestApplyScratchpadUpdateAcceptsHigherCounter(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	addr[0] = 1
	payload := []byte("v1")
	sig := SignRecord(owner.Secret, KindScratchpad, addr, 1, payload)

	next, err := ApplyScratchpadUpdate(nil, owner.Public, addr, 1, payload, sig)
	if err != nil {
		t.Fatalf("ApplyScratchpadUpdate failed: %v", err)
	}
	if next.Counter != 1 || string(next.Payload) != "v1" {
		t.Fatalf("unexpected state: %+v", next)
	}

	payload2 := []byte("v2")
	sig2 := SignRecord(owner.Secret, KindScratchpad, addr, 2, payload2)
	next2, err := ApplyScratchpadUpdate(next, owner.Public, addr, 2, payload2, sig2)
	if err != nil {
		t.Fatalf("ApplyScratchpadUpdate failed: %v", err)
	}
	if next2.Counter != 2 || string(next2.Payload) != "v2" {
		t.Fatalf("unexpected state after second update: %+v", next2)
	}
}

func TestApplyScratchpadUpdateRejectsBadSignature(t *testing.T) {
	owner := NewOwnerKeyPair()
	other := NewOwnerKeyPair()
	var addr Address
	payload := []byte("v1")
	sig := SignRecord(other.Secret, KindScratchpad, addr, 1, payload)

	if _, err := ApplyScratchpadUpdate(nil, owner.Public, addr, 1, payload, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestApplyScratchpadUpdateIgnoresStaleCounter(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	current := &ScratchpadState{Counter: 5, Payload: []byte("current")}

	stalePayload := []byte("stale")
	sig := SignRecord(owner.Secret, KindScratchpad, addr, 3, stalePayload)
	got, err := ApplyScratchpadUpdate(current, owner.Public, addr, 3, stalePayload, sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != current {
		t.Fatalf("expected stale update to leave state unchanged")
	}
}

func TestApplyScratchpadUpdateSameCounterDifferentPayloadForks(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	payloadA := []byte("writer-a")
	sigA := SignRecord(owner.Secret, KindScratchpad, addr, 1, payloadA)
	current, err := ApplyScratchpadUpdate(nil, owner.Public, addr, 1, payloadA, sigA)
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	payloadB := []byte("writer-b")
	sigB := SignRecord(owner.Secret, KindScratchpad, addr, 1, payloadB)
	forked, err := ApplyScratchpadUpdate(current, owner.Public, addr, 1, payloadB, sigB)
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if !forked.Forked {
		t.Fatalf("expected fork to be flagged")
	}
}

func TestApplyScratchpadUpdateCounterExhausted(t *testing.T) {
	owner := NewOwnerKeyPair()
	var addr Address
	current := &ScratchpadState{Counter: math.MaxUint64, Payload: []byte("last")}
	payload := []byte("next")
	sig := SignRecord(owner.Secret, KindScratchpad, addr, math.MaxUint64, payload)
	if _, err := ApplyScratchpadUpdate(current, owner.Public, addr, math.MaxUint64, payload, sig); !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected ErrCounterExhausted, got %v", err)
	}
}

func TestGetDetectsScratchpadForkAcrossHolders(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(3, 100)
	var addr Address
	addr[0] = 0x55

	payloadA := encodeScratchpadPayload(1, []byte("writer-a"))
	sigA := SignRecord(owner.Secret, KindScratchpad, addr, 1, payloadA)
	recA := Record{Version: signingVersion, Kind: KindScratchpad, Address: addr, Payload: payloadA, Signature: sigA}

	payloadB := encodeScratchpadPayload(1, []byte("writer-b"))
	sigB := SignRecord(owner.Secret, KindScratchpad, addr, 1, payloadB)
	recB := Record{Version: signingVersion, Kind: KindScratchpad, Address: addr, Payload: payloadB, Signature: sigB}

	if err := overlay.holders[0].store.Save(recA, Receipt{}); err != nil {
		t.Fatalf("seed holder 0 failed: %v", err)
	}
	if err := overlay.holders[1].store.Save(recB, Receipt{}); err != nil {
		t.Fatalf("seed holder 1 failed: %v", err)
	}

	// QuorumAll so the single reply that lands first can't satisfy agreement
	// before the conflicting second reply arrives and trips the fork check.
	_, err := Get(context.Background(), overlay, addr, QuorumAll, nil)
	if !errors.Is(err, ErrForked) {
		t.Fatalf("expected ErrForked from disagreeing replies, got %v", err)
	}
}
