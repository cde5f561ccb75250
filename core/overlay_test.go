package core

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// fakeHolder is one in-process participant in a fakeOverlay: it answers
// get/put/quote exactly like ServeHolder would, without any network I/O.
type fakeHolder struct {
	id     NodeID
	store  *InMemoryHolderStore
	price  *big.Int
	broken bool // simulates a holder that never acks puts
}

// fakeOverlay is a minimal in-process Overlay used across put/get tests: it
// implements the same contract as Node/overlay.go but resolves
// ClosestPeers/SendRequest against a fixed, in-memory holder set instead of
// libp2p, so engine tests don't depend on a running network.
type fakeOverlay struct {
	holders []*fakeHolder
}

func newFakeOverlay(n int, price int64) *fakeOverlay {
	o := &fakeOverlay{}
	for i := 0; i < n; i++ {
		o.holders = append(o.holders, &fakeHolder{
			id:    NodeID(fmt.Sprintf("holder-%02d", i)),
			store: NewInMemoryHolderStore(),
			price: big.NewInt(price + int64(i)), // distinct prices break ties deterministically
		})
	}
	return o
}

func (o *fakeOverlay) holderByID(id NodeID) *fakeHolder {
	for _, h := range o.holders {
		if h.id == id {
			return h
		}
	}
	return nil
}

func (o *fakeOverlay) ClosestPeers(ctx context.Context, addr Address, k int) ([]NodeID, error) {
	ids := make([]NodeID, len(o.holders))
	for i, h := range o.holders {
		ids[i] = h.id
	}
	sort.Slice(ids, func(i, j int) bool { return xorLess(addr, ids[i], ids[j]) })
	if k > len(ids) {
		k = len(ids)
	}
	return ids[:k], nil
}

func (o *fakeOverlay) SendRequest(ctx context.Context, to NodeID, req []byte) ([]byte, error) {
	h := o.holderByID(to)
	if h == nil {
		return nil, ErrNoPeers
	}
	if len(req) < 1 {
		return []byte{statusError}, nil
	}
	switch req[0] {
	case rpcGet:
		if len(req) != 1+32 {
			return []byte{statusError}, nil
		}
		var addr Address
		copy(addr[:], req[1:])
		rec, ok, err := h.store.Load(addr)
		if err != nil {
			return []byte{statusError}, nil
		}
		if !ok {
			return []byte{statusNotFound}, nil
		}
		return append([]byte{statusOK}, EncodeRecord(rec)...), nil
	case rpcPut:
		if h.broken {
			return []byte{statusError}, nil
		}
		recordBytes, rest, err := readLenPrefixed(req[1:])
		if err != nil {
			return []byte{statusError}, nil
		}
		signed := len(recordBytes) > 1 && RecordKind(recordBytes[1]) != KindChunk
		rec, err := DecodeRecord(recordBytes, signed)
		if err != nil {
			rec, err = DecodeRecord(recordBytes, !signed)
			if err != nil {
				return []byte{statusError}, nil
			}
		}
		receipt, err := decodeReceipt(rest)
		if err != nil {
			return []byte{statusError}, nil
		}
		if err := h.store.Save(rec, receipt); err != nil {
			return []byte{statusError}, nil
		}
		return []byte{statusOK}, nil
	case rpcQuote:
		qreq, err := decodeQuoteRequest(req[1:])
		if err != nil {
			return []byte{statusError}, nil
		}
		_ = qreq
		q := Quote{HolderID: h.id, Price: new(big.Int).Set(h.price), Expiry: time.Now().Add(time.Minute)}
		return append([]byte{statusOK}, encodeQuote(q)...), nil
	default:
		return []byte{statusError}, nil
	}
}

func (o *fakeOverlay) GetRecord(ctx context.Context, to NodeID, addr Address) (Record, bool, error) {
	resp, err := o.SendRequest(ctx, to, append([]byte{rpcGet}, addr[:]...))
	if err != nil {
		return Record{}, false, err
	}
	if len(resp) == 0 {
		return Record{}, false, ErrMalformedResponse
	}
	switch resp[0] {
	case statusNotFound:
		return Record{}, false, nil
	case statusOK:
		rec, err := DecodeRecord(resp[1:], true)
		if err != nil {
			rec, err = DecodeRecord(resp[1:], false)
			if err != nil {
				return Record{}, false, ErrMalformedResponse
			}
		}
		return rec, true, nil
	default:
		return Record{}, false, ErrMalformedResponse
	}
}

func (o *fakeOverlay) PutRecord(ctx context.Context, to NodeID, rec Record, receipt Receipt) error {
	payload := []byte{rpcPut}
	payload = appendLenPrefixed(payload, EncodeRecord(rec))
	payload = append(payload, encodeReceipt(receipt)...)
	resp, err := o.SendRequest(ctx, to, payload)
	if err != nil {
		return err
	}
	if len(resp) == 0 || resp[0] != statusOK {
		return ErrMalformedResponse
	}
	return nil
}

var _ Overlay = (*fakeOverlay)(nil)

// fakePayer never touches a chain; it mints a deterministic receipt so Put
// Engine tests exercise the full pipeline without an EVM dependency.
type fakePayer struct{}

func (fakePayer) PayStandard(ctx context.Context, chunkAddr Address, winners []Quote, gas GasBidPolicy) (ReceiptStandard, error) {
	if len(winners) == 0 {
		return ReceiptStandard{}, ErrNoQuote
	}
	return ReceiptStandard{ChunkAddress: chunkAddr, HolderID: winners[0].HolderID, PaidAmount: winners[0].Price}, nil
}

func (fakePayer) PayMerkle(ctx context.Context, commitments []PoolCommitment, depth int, gas GasBidPolicy) (ReceiptMerkle, error) {
	if depth <= 0 {
		return ReceiptMerkle{}, ErrInvalidDepth
	}
	var bitmap uint64
	for i := 0; i < depth && i < 64; i++ {
		bitmap |= 1 << uint(i)
	}
	return ReceiptMerkle{TreeDepth: depth, PaidAmount: big.NewInt(0), HolderIndexBitmap: bitmap}, nil
}

var _ Payer = fakePayer{}
