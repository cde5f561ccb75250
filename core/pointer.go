// core/pointer.go – Pointer (C7, §4.7): latest-wins reference record.
package core

import (
	"context"
	"encoding/binary"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

// TargetKind tags what a Pointer's address refers to. Auto means the
// resolver trusts the target record's own declared RecordKind on first
// fetch rather than a kind pinned at pointer-creation time.
type TargetKind uint8

const (
	TargetAuto TargetKind = iota
	TargetGraph
	TargetScratchpad
	TargetPointer
	TargetChunk
)

// PointerPayload is a Pointer record's decoded payload: the address it
// refers to and the declared kind of that target.
type PointerPayload struct {
	TargetAddress Address
	TargetKind    TargetKind
}

// encodePointerPayload lays out [counter: u64 LE | target_address: 32 |
// target_kind: u8], mirroring scratchpad's counter-in-payload convention.
func encodePointerPayload(counter uint64, p PointerPayload) []byte {
	buf := make([]byte, 8+32+1)
	binary.LittleEndian.PutUint64(buf[:8], counter)
	copy(buf[8:40], p.TargetAddress[:])
	buf[40] = byte(p.TargetKind)
	return buf
}

func decodePointerPayload(b []byte) (counter uint64, p PointerPayload, err error) {
	if len(b) != 8+32+1 {
		return 0, PointerPayload{}, ErrDataMapMalformed
	}
	counter = binary.LittleEndian.Uint64(b[:8])
	copy(p.TargetAddress[:], b[8:40])
	p.TargetKind = TargetKind(b[40])
	return counter, p, nil
}

// CreatePointer signs and uploads the initial counter-0 pointer record.
func CreatePointer(ctx context.Context, engine *PutEngine, owner *OwnerKeyPair, name string, target PointerPayload, opts PutOptions) (Address, error) {
	addr := addrOfMutable(owner.Public, KindPointer, name)
	payload := encodePointerPayload(0, target)
	sig := SignRecord(owner.Secret, KindPointer, addr, 0, payload)
	rec := Record{Version: signingVersion, Kind: KindPointer, Address: addr, Payload: payload, Signature: sig}

	res := engine.Put(ctx, []Record{rec}, opts)
	if len(res.Failures) > 0 {
		return Address{}, res.Failures[0].Err
	}
	return addr, nil
}

// GetPointer fetches and decodes a pointer record without following it,
// rejecting it unless its signature verifies under ownerPK.
func GetPointer(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address, q Quorum) (PointerPayload, error) {
	recs, err := Get(ctx, overlay, addr, q, nil)
	if err != nil {
		return PointerPayload{}, err
	}
	rec := recs[0]
	if rec.Kind != KindPointer {
		return PointerPayload{}, ErrKindMismatch
	}
	counter, p, err := decodePointerPayload(rec.Payload)
	if err != nil {
		return PointerPayload{}, err
	}
	if err := verifyFetchedRecord(ownerPK, KindPointer, addr, counter, rec.Payload, rec.Signature); err != nil {
		return PointerPayload{}, err
	}
	return p, nil
}

// FollowPointer resolves a pointer to its target's payload, honoring
// TargetAuto by trusting the fetched record's own declared kind rather than
// the value recorded at pointer-creation time. ownerPK verifies both the
// pointer record itself and, when the target is a scratchpad, the record it
// resolves to: §4.7's share model has the same owner key controlling a
// pointer and whatever mutable record it references.
func FollowPointer(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address, q Quorum) ([]byte, error) {
	p, err := GetPointer(ctx, overlay, ownerPK, addr, q)
	if err != nil {
		return nil, err
	}
	recs, err := Get(ctx, overlay, p.TargetAddress, q, nil)
	if err != nil {
		return nil, err
	}
	target := recs[0]
	if p.TargetKind != TargetAuto && recordKindFor(p.TargetKind) != target.Kind {
		return nil, ErrKindMismatch
	}
	switch target.Kind {
	case KindScratchpad:
		counter, data, err := decodeScratchpadPayload(target.Payload)
		if err != nil {
			return nil, err
		}
		if err := verifyFetchedRecord(ownerPK, KindScratchpad, target.Address, counter, target.Payload, target.Signature); err != nil {
			return nil, err
		}
		return data, nil
	case KindPointer:
		return FollowPointer(ctx, overlay, ownerPK, target.Address, q)
	default:
		return target.Payload, nil
	}
}

func recordKindFor(t TargetKind) RecordKind {
	switch t {
	case TargetGraph:
		return KindGraphEntry
	case TargetScratchpad:
		return KindScratchpad
	case TargetPointer:
		return KindPointer
	case TargetChunk:
		return KindChunk
	default:
		return KindChunk
	}
}

// EditPointer fetches the current counter, signs counter+1 with newTarget,
// and uploads it.
func EditPointer(ctx context.Context, engine *PutEngine, overlay Overlay, owner *OwnerKeyPair, addr Address, newTarget PointerPayload, opts PutOptions) error {
	cur, err := currentPointerCounter(ctx, overlay, owner.Public, addr)
	if err != nil {
		return err
	}
	next := cur + 1
	payload := encodePointerPayload(next, newTarget)
	sig := SignRecord(owner.Secret, KindPointer, addr, next, payload)
	rec := Record{Version: signingVersion, Kind: KindPointer, Address: addr, Payload: payload, Signature: sig}

	res := engine.Put(ctx, []Record{rec}, opts)
	if len(res.Failures) > 0 {
		return res.Failures[0].Err
	}
	return nil
}

func currentPointerCounter(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address) (uint64, error) {
	recs, err := Get(ctx, overlay, addr, QuorumOne, nil)
	if err != nil {
		return 0, err
	}
	rec := recs[0]
	counter, _, err := decodePointerPayload(rec.Payload)
	if err != nil {
		return 0, err
	}
	if err := verifyFetchedRecord(ownerPK, KindPointer, addr, counter, rec.Payload, rec.Signature); err != nil {
		return 0, err
	}
	return counter, nil
}
