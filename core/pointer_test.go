package core

import (
	"context"
	"errors"
	"testing"
)

func seedRecord(t *testing.T, overlay *fakeOverlay, rec Record) {
	t.Helper()
	for _, h := range overlay.holders {
		if err := h.store.Save(rec, Receipt{}); err != nil {
			t.Fatalf("seed holder %s failed: %v", h.id, err)
		}
	}
}

func TestFollowPointerToScratchpad(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(3, 100)

	var spAddr Address
	spAddr[0] = 0x10
	spPayload := encodeScratchpadPayload(0, []byte("target data"))
	spSig := SignRecord(owner.Secret, KindScratchpad, spAddr, 0, spPayload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindScratchpad, Address: spAddr, Payload: spPayload, Signature: spSig})

	var ptrAddr Address
	ptrAddr[0] = 0x20
	target := PointerPayload{TargetAddress: spAddr, TargetKind: TargetScratchpad}
	ptrPayload := encodePointerPayload(0, target)
	ptrSig := SignRecord(owner.Secret, KindPointer, ptrAddr, 0, ptrPayload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindPointer, Address: ptrAddr, Payload: ptrPayload, Signature: ptrSig})

	data, err := FollowPointer(context.Background(), overlay, owner.Public, ptrAddr, QuorumOne)
	if err != nil {
		t.Fatalf("FollowPointer failed: %v", err)
	}
	if string(data) != "target data" {
		t.Fatalf("expected resolved scratchpad payload, got %q", data)
	}
}

func TestFollowPointerChain(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(3, 100)

	var chunkAddr Address
	chunkAddr[0] = 0x30
	chunkPayload := []byte("leaf chunk bytes")
	seedRecord(t, overlay, Record{Version: 1, Kind: KindChunk, Address: chunkAddr, Payload: chunkPayload})

	var innerAddr Address
	innerAddr[0] = 0x31
	innerTarget := PointerPayload{TargetAddress: chunkAddr, TargetKind: TargetChunk}
	innerPayload := encodePointerPayload(0, innerTarget)
	innerSig := SignRecord(owner.Secret, KindPointer, innerAddr, 0, innerPayload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindPointer, Address: innerAddr, Payload: innerPayload, Signature: innerSig})

	var outerAddr Address
	outerAddr[0] = 0x32
	outerTarget := PointerPayload{TargetAddress: innerAddr, TargetKind: TargetPointer}
	outerPayload := encodePointerPayload(0, outerTarget)
	outerSig := SignRecord(owner.Secret, KindPointer, outerAddr, 0, outerPayload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindPointer, Address: outerAddr, Payload: outerPayload, Signature: outerSig})

	data, err := FollowPointer(context.Background(), overlay, owner.Public, outerAddr, QuorumOne)
	if err != nil {
		t.Fatalf("FollowPointer chain failed: %v", err)
	}
	if string(data) != "leaf chunk bytes" {
		t.Fatalf("expected resolved leaf chunk bytes, got %q", data)
	}
}

func TestFollowPointerRejectsKindMismatch(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(3, 100)

	var chunkAddr Address
	chunkAddr[0] = 0x40
	seedRecord(t, overlay, Record{Version: 1, Kind: KindChunk, Address: chunkAddr, Payload: []byte("chunk")})

	var ptrAddr Address
	ptrAddr[0] = 0x41
	target := PointerPayload{TargetAddress: chunkAddr, TargetKind: TargetScratchpad}
	ptrPayload := encodePointerPayload(0, target)
	ptrSig := SignRecord(owner.Secret, KindPointer, ptrAddr, 0, ptrPayload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindPointer, Address: ptrAddr, Payload: ptrPayload, Signature: ptrSig})

	if _, err := FollowPointer(context.Background(), overlay, owner.Public, ptrAddr, QuorumOne); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestGetPointerWithoutFollowing(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(3, 100)

	var targetAddr, ptrAddr Address
	targetAddr[0] = 0x50
	ptrAddr[0] = 0x51
	target := PointerPayload{TargetAddress: targetAddr, TargetKind: TargetChunk}
	payload := encodePointerPayload(0, target)
	sig := SignRecord(owner.Secret, KindPointer, ptrAddr, 0, payload)
	seedRecord(t, overlay, Record{Version: signingVersion, Kind: KindPointer, Address: ptrAddr, Payload: payload, Signature: sig})

	got, err := GetPointer(context.Background(), overlay, owner.Public, ptrAddr, QuorumOne)
	if err != nil {
		t.Fatalf("GetPointer failed: %v", err)
	}
	if got.TargetAddress != targetAddr || got.TargetKind != TargetChunk {
		t.Fatalf("unexpected pointer payload: %+v", got)
	}
}
