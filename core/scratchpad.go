// core/scratchpad.go – Scratchpad (C7, §4.7): latest-wins, counter-versioned
// blob. The payload is signed but stored as the caller passes it; this file
// does not encrypt it (Vault encrypts its index before storing it here).
package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

// encodeScratchpadPayload lays out a scratchpad record's payload as
// [counter: u64 LE | data]; the counter travels inside the record payload
// (rather than the envelope) so EncodeRecord's bytes alone already capture
// the (counter, data) pair for Get's identity comparison.
func encodeScratchpadPayload(counter uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf[:8], counter)
	copy(buf[8:], data)
	return buf
}

func decodeScratchpadPayload(b []byte) (counter uint64, data []byte, err error) {
	if len(b) < 8 {
		return 0, nil, ErrDataMapMalformed
	}
	return binary.LittleEndian.Uint64(b[:8]), b[8:], nil
}

// ScratchpadState is a holder's or caller's local view of one scratchpad.
type ScratchpadState struct {
	Counter   uint64
	Payload   []byte
	Signature []byte
	Forked    bool
}

// ApplyScratchpadUpdate implements the §4.7 acceptance rule for a holder (or
// any party merging two observed versions): a strictly greater counter with
// a valid signature always wins; an equal counter with a different payload
// is a fork, resolved locally by keeping the higher content hash but
// flagging Forked so readers can raise it.
func ApplyScratchpadUpdate(current *ScratchpadState, ownerPK *bls.PublicKey, addr Address, newCounter uint64, newPayload, sig []byte) (*ScratchpadState, error) {
	if len(newPayload) > MaxScratchpad {
		return current, ErrOversizeRecord
	}
	if current != nil && current.Counter == math.MaxUint64 {
		return current, ErrCounterExhausted
	}
	ok, err := VerifyRecord(ownerPK, KindScratchpad, addr, newCounter, newPayload, sig)
	if err != nil {
		return current, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return current, ErrInvalidSignature
	}

	if current == nil || newCounter > current.Counter {
		return &ScratchpadState{Counter: newCounter, Payload: newPayload, Signature: sig}, nil
	}
	if newCounter == current.Counter {
		if bytes.Equal(newPayload, current.Payload) {
			return current, nil // idempotent re-delivery
		}
		winner := current
		challenger := &ScratchpadState{Counter: newCounter, Payload: newPayload, Signature: sig}
		curHash := addrOfContent(current.Payload)
		newHash := addrOfContent(newPayload)
		if bytes.Compare(newHash[:], curHash[:]) > 0 {
			winner = challenger
		}
		return &ScratchpadState{Counter: winner.Counter, Payload: winner.Payload, Signature: winner.Signature, Forked: true}, nil
	}
	// Stale update: silently ignored, current state unchanged.
	return current, nil
}

// CreateScratchpad signs and uploads the initial counter-0 record, returning
// its address.
func CreateScratchpad(ctx context.Context, engine *PutEngine, owner *OwnerKeyPair, name string, initial []byte, opts PutOptions) (Address, error) {
	if len(initial) > MaxScratchpad {
		return Address{}, ErrOversizeRecord
	}
	addr := addrOfMutable(owner.Public, KindScratchpad, name)
	payload := encodeScratchpadPayload(0, initial)
	sig := SignRecord(owner.Secret, KindScratchpad, addr, 0, payload)
	rec := Record{Version: signingVersion, Kind: KindScratchpad, Address: addr, Payload: payload, Signature: sig}

	res := engine.Put(ctx, []Record{rec}, opts)
	if len(res.Failures) > 0 {
		return Address{}, res.Failures[0].Err
	}
	return addr, nil
}

// GetScratchpad fetches and decodes a scratchpad, rejecting it unless its
// signature verifies under ownerPK: a holder can otherwise hand back any
// forged or stale payload and a caller that only checks Get's quorum/fork
// outcome would accept it. The forked return is always false: fetched
// records carry no holder fork flag, so disagreeing replies surface only as
// Get's ErrForked.
func GetScratchpad(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address, q Quorum) (counter uint64, data []byte, forked bool, err error) {
	recs, err := Get(ctx, overlay, addr, q, nil)
	if err != nil {
		return 0, nil, false, err
	}
	rec := recs[0]
	if rec.Kind != KindScratchpad {
		return 0, nil, false, ErrKindMismatch
	}
	counter, data, err = decodeScratchpadPayload(rec.Payload)
	if err != nil {
		return 0, nil, false, err
	}
	if err := verifyFetchedRecord(ownerPK, KindScratchpad, addr, counter, rec.Payload, rec.Signature); err != nil {
		return 0, nil, false, err
	}
	return counter, data, false, nil
}

// verifyFetchedRecord is the shared read-path signature check used by
// GetScratchpad, GetPointer/FollowPointer and GetRegister.
func verifyFetchedRecord(ownerPK *bls.PublicKey, kind RecordKind, addr Address, counter uint64, payload, sig []byte) error {
	ok, err := VerifyRecord(ownerPK, kind, addr, counter, payload, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// EditScratchpad fetches the current counter, signs counter+1 with newData,
// and uploads it.
func EditScratchpad(ctx context.Context, engine *PutEngine, overlay Overlay, owner *OwnerKeyPair, addr Address, newData []byte, opts PutOptions) error {
	if len(newData) > MaxScratchpad {
		return ErrOversizeRecord
	}
	cur, _, _, err := GetScratchpad(ctx, overlay, owner.Public, addr, QuorumOne)
	if err != nil {
		return err
	}
	if cur == math.MaxUint64 {
		return ErrCounterExhausted
	}
	next := cur + 1
	payload := encodeScratchpadPayload(next, newData)
	sig := SignRecord(owner.Secret, KindScratchpad, addr, next, payload)
	rec := Record{Version: signingVersion, Kind: KindScratchpad, Address: addr, Payload: payload, Signature: sig}

	res := engine.Put(ctx, []Record{rec}, opts)
	if len(res.Failures) > 0 {
		return res.Failures[0].Err
	}
	return nil
}

// ShareScratchpad returns the raw secret bytes an external reader/writer
// needs to operate on addr without the owner's own key (§4.7 "share").
func ShareScratchpad(owner *OwnerKeyPair) []byte {
	return owner.Secret.Serialize()
}
