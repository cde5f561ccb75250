// core/register.go – Register (C7, §4.7): append-only, signed DAG of
// entries, one branch per concurrent writer, merged by set union.
package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

// RegisterEntry is one node of the DAG: a value plus the hashes of the
// heads known at the time it was appended.
type RegisterEntry struct {
	Value     []byte
	Parents   []Hash
	Signature []byte
}

// entryHash identifies an entry by the hash of its value+parents (the part
// the signature covers), independent of which copy of the DAG holds it.
func entryHash(e RegisterEntry) Hash {
	return Hash(addrOfContent(canonicalEntry(e.Value, e.Parents)))
}

func canonicalEntry(value []byte, parents []Hash) []byte {
	buf := make([]byte, 0, len(value)+len(parents)*32+4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(parents)))
	sorted := append([]Hash(nil), parents...)
	sort.Slice(sorted, func(i, j int) bool { return lessHash(sorted[i], sorted[j]) })
	for _, p := range sorted {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, value...)
	return buf
}

func lessHash(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// RegisterDAG is a register's full local state: every accepted entry,
// keyed by its hash.
type RegisterDAG struct {
	Entries map[Hash]RegisterEntry
}

// NewRegisterDAG returns an empty DAG.
func NewRegisterDAG() *RegisterDAG {
	return &RegisterDAG{Entries: make(map[Hash]RegisterEntry)}
}

// Heads returns the hashes of entries with no child in the DAG (§4.7:
// "heads are entries with no child").
func (d *RegisterDAG) Heads() []Hash {
	hasChild := make(map[Hash]bool, len(d.Entries))
	for _, e := range d.Entries {
		for _, p := range e.Parents {
			hasChild[p] = true
		}
	}
	var heads []Hash
	for h := range d.Entries {
		if !hasChild[h] {
			heads = append(heads, h)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return lessHash(heads[i], heads[j]) })
	return heads
}

// Append validates and inserts a new entry: its signature must verify under
// ownerPK, and its declared parents must already be present in the DAG
// (§4.7 invariant) unless the DAG is currently empty, in which case a
// single root entry with no parents is accepted. The signature's counter is
// the number of distinct entries the new entry descends from, so concurrent
// edits made against the same parents are each accepted.
func (d *RegisterDAG) Append(ownerPK *bls.PublicKey, addr Address, e RegisterEntry) (Hash, error) {
	if len(d.Entries) > 0 && len(e.Parents) == 0 {
		return Hash{}, fmt.Errorf("%w: non-root entry must declare parents", ErrDataMapMalformed)
	}
	for _, p := range e.Parents {
		if _, ok := d.Entries[p]; !ok {
			return Hash{}, fmt.Errorf("%w: unknown parent %s", ErrDataMapMalformed, p)
		}
	}
	msg := canonicalEntry(e.Value, e.Parents)
	seen := make(map[Hash]bool)
	stack := append([]Hash(nil), e.Parents...)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		seen[h] = true
		stack = append(stack, d.Entries[h].Parents...)
	}
	ok, err := VerifyRecord(ownerPK, KindRegister, addr, uint64(len(seen)), msg, e.Signature)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return Hash{}, ErrInvalidSignature
	}
	h := entryHash(e)
	d.Entries[h] = e
	return h, nil
}

// Merge unions another observed DAG into d; merging two disjoint histories
// is always legal (§4.7).
func (d *RegisterDAG) Merge(other *RegisterDAG) {
	for h, e := range other.Entries {
		if _, ok := d.Entries[h]; !ok {
			d.Entries[h] = e
		}
	}
}

// History returns every entry in topological order (parents before
// children); ties among entries with equally-satisfied dependencies break
// by hash for determinism.
func (d *RegisterDAG) History() []RegisterEntry {
	visited := make(map[Hash]bool, len(d.Entries))
	var order []RegisterEntry

	hashes := make([]Hash, 0, len(d.Entries))
	for h := range d.Entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return lessHash(hashes[i], hashes[j]) })

	var visit func(h Hash)
	visit = func(h Hash) {
		if visited[h] {
			return
		}
		e, ok := d.Entries[h]
		if !ok {
			return
		}
		visited[h] = true
		parents := append([]Hash(nil), e.Parents...)
		sort.Slice(parents, func(i, j int) bool { return lessHash(parents[i], parents[j]) })
		for _, p := range parents {
			visit(p)
		}
		order = append(order, e)
	}
	for _, h := range hashes {
		visit(h)
	}
	return order
}

//---------------------------------------------------------------------
// Wire encoding: a Register record's payload is its full serialized DAG
// (small per spec's "per-entry small" size expectation), since the overlay
// only stores/retrieves whole records, not entry deltas.
//---------------------------------------------------------------------

func encodeRegisterDAG(d *RegisterDAG) []byte {
	hashes := make([]Hash, 0, len(d.Entries))
	for h := range d.Entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return lessHash(hashes[i], hashes[j]) })

	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(hashes)))
	for _, h := range hashes {
		e := d.Entries[h]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
		buf = append(buf, e.Value...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Parents)))
		for _, p := range e.Parents {
			buf = append(buf, p[:]...)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Signature)))
		buf = append(buf, e.Signature...)
	}
	return buf
}

func decodeRegisterDAG(b []byte) (*RegisterDAG, error) {
	d := NewRegisterDAG()
	if len(b) < 4 {
		return nil, ErrDataMapMalformed
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return nil, ErrDataMapMalformed
		}
		vlen := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < vlen {
			return nil, ErrDataMapMalformed
		}
		value := b[:vlen]
		b = b[vlen:]

		if len(b) < 4 {
			return nil, ErrDataMapMalformed
		}
		plen := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		parents := make([]Hash, plen)
		for j := uint32(0); j < plen; j++ {
			if len(b) < 32 {
				return nil, ErrDataMapMalformed
			}
			copy(parents[j][:], b[:32])
			b = b[32:]
		}

		if len(b) < 4 {
			return nil, ErrDataMapMalformed
		}
		slen := binary.LittleEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < slen {
			return nil, ErrDataMapMalformed
		}
		sig := b[:slen]
		b = b[slen:]

		e := RegisterEntry{Value: value, Parents: parents, Signature: sig}
		d.Entries[entryHash(e)] = e
	}
	return d, nil
}

//---------------------------------------------------------------------
// Client-facing operations
//---------------------------------------------------------------------

// CreateRegister uploads a register containing a single root entry holding
// initial.
func CreateRegister(ctx context.Context, engine *PutEngine, owner *OwnerKeyPair, name string, initial []byte, opts PutOptions) (Address, error) {
	addr := addrOfMutable(owner.Public, KindRegister, name)
	d := NewRegisterDAG()
	msg := canonicalEntry(initial, nil)
	sig := SignRecord(owner.Secret, KindRegister, addr, 0, msg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: initial, Signature: sig}); err != nil {
		return Address{}, err
	}
	return addr, uploadRegister(ctx, engine, owner, addr, d, opts)
}

// GetRegister fetches and decodes the stored DAG, rejecting it unless the
// envelope signature over the whole serialized DAG verifies under ownerPK
// (the same check uploadRegister's signature is meant to support; per-entry
// signatures verified at Append time are not re-checked on every read).
func GetRegister(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address, q Quorum) (*RegisterDAG, error) {
	recs, err := Get(ctx, overlay, addr, q, nil)
	if err != nil {
		return nil, err
	}
	rec := recs[0]
	if rec.Kind != KindRegister {
		return nil, ErrKindMismatch
	}
	d, err := decodeRegisterDAG(rec.Payload)
	if err != nil {
		return nil, err
	}
	if err := verifyFetchedRecord(ownerPK, KindRegister, addr, uint64(len(d.Entries)), rec.Payload, rec.Signature); err != nil {
		return nil, err
	}
	return d, nil
}

// EditRegister appends value as a child of every current head and uploads
// the merged DAG; concurrent editors that both branch from the same heads
// produce two heads rather than conflicting (§4.7, §8 scenario 2).
func EditRegister(ctx context.Context, engine *PutEngine, overlay Overlay, owner *OwnerKeyPair, addr Address, value []byte, opts PutOptions) error {
	d, err := GetRegister(ctx, overlay, owner.Public, addr, QuorumOne)
	if err != nil {
		return err
	}
	heads := d.Heads()
	msg := canonicalEntry(value, heads)
	sig := SignRecord(owner.Secret, KindRegister, addr, uint64(len(d.Entries)), msg)
	if _, err := d.Append(owner.Public, addr, RegisterEntry{Value: value, Parents: heads, Signature: sig}); err != nil {
		return err
	}
	return uploadRegister(ctx, engine, owner, addr, d, opts)
}

// HistoryRegister returns the register's entries in topological order
// (§4.7 "history traversal is topological").
func HistoryRegister(ctx context.Context, overlay Overlay, ownerPK *bls.PublicKey, addr Address, q Quorum) ([]RegisterEntry, error) {
	d, err := GetRegister(ctx, overlay, ownerPK, addr, q)
	if err != nil {
		return nil, err
	}
	return d.History(), nil
}

func uploadRegister(ctx context.Context, engine *PutEngine, owner *OwnerKeyPair, addr Address, d *RegisterDAG, opts PutOptions) error {
	payload := encodeRegisterDAG(d)
	// The envelope signature binds the whole serialized DAG to its owner;
	// per-entry signatures (verified in Append) remain the source of truth
	// for individual-entry authenticity.
	sig := SignRecord(owner.Secret, KindRegister, addr, uint64(len(d.Entries)), payload)
	rec := Record{Version: signingVersion, Kind: KindRegister, Address: addr, Payload: payload, Signature: sig}
	res := engine.Put(ctx, []Record{rec}, opts)
	if len(res.Failures) > 0 {
		return res.Failures[0].Err
	}
	return nil
}
