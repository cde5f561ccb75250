// core/get.go – Get Engine (C6, §4.6): fan-out retrieval, quorum
// resolution, fork detection, and self-encryption integration.
package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

const GetFanout = 8

// reply is one holder's answer to a GetRecord call, kept alongside its
// origin so fork reports can name the disagreeing peers.
type reply struct {
	from NodeID
	rec  Record
}

// Get fans a GetRecord request out to up to GetFanout of the closest peers
// to addr, then resolves the replies against q. A nil cache disables
// chunk-cache population on the way through. Replies are folded into their
// identity groups as they stream in rather than after a full drain: the call
// returns the moment either a single group reaches the required agreement
// count (§4.6 step 5) or a second distinct group appears (an unambiguous
// fork, §4.7), cancelling the still-outstanding requests either way.
func Get(ctx context.Context, overlay Overlay, addr Address, q Quorum, cache *ChunkCache) ([]Record, error) {
	if cache != nil {
		if data, ok := cache.Get(addr); ok {
			return []Record{{Kind: KindChunk, Address: addr, Payload: data}}, nil
		}
	}

	peers, err := overlay.ClosestPeers(ctx, addr, GetFanout)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan reply, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := overlay.GetRecord(fctx, p, addr)
			if err != nil || !ok {
				return
			}
			select {
			case replies <- reply{from: p, rec: rec}:
			case <-fctx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(replies)
	}()

	required := requiredAgreement(q, len(peers))

	var got []reply
	var groups [][]reply
	for r := range replies {
		got = append(got, r)
		groups = placeInGroup(groups, r)

		if len(groups) > 1 {
			cancel()
			return nil, fmt.Errorf("%w: %d distinct versions among %d replies", ErrForked, len(groups), len(got))
		}
		if len(groups[0]) >= required {
			cancel()
			rec := groups[0][0].rec
			if cache != nil && rec.Kind == KindChunk {
				_ = cache.Put(addr, rec.Payload)
			}
			return []Record{rec}, nil
		}
	}

	if len(got) == 0 {
		return nil, ErrNotFound
	}
	if len(groups[0]) < required {
		return nil, ErrGetQuorumFailed
	}
	rec := groups[0][0].rec
	if cache != nil && rec.Kind == KindChunk {
		_ = cache.Put(addr, rec.Payload)
	}
	return []Record{rec}, nil
}

// requiredAgreement converts a Quorum into a minimum number of agreeing
// replies, scaled to the number of peers actually queried (§4.6).
func requiredAgreement(q Quorum, nPeers int) int {
	switch {
	case q.N > 0:
		if q.N > nPeers {
			return nPeers
		}
		return q.N
	case q.Mode == "all":
		return nPeers
	case q.Mode == "majority":
		return nPeers/2 + 1
	default: // "one" or unset
		return 1
	}
}

// placeInGroup folds r into the identity group it matches, or opens a new
// one. For every kind, identity is the full encoded record (address,
// counter/payload and signature all folded in via EncodeRecord), so two
// differently-signed versions at the same address, or two chunk copies
// whose bytes differ, land in different groups and trip the multi-group
// fork check in Get. Chunk bytes are not checked against their address here.
func placeInGroup(groups [][]reply, r reply) [][]reply {
	for i, g := range groups {
		if identityEqual(g[0].rec, r.rec) {
			groups[i] = append(groups[i], r)
			return groups
		}
	}
	return append(groups, []reply{r})
}

func identityEqual(a, b Record) bool {
	return bytes.Equal(EncodeRecord(a), EncodeRecord(b))
}

// GetBytes retrieves the DataMap at addr, then fetches and decrypts its
// chunks into the original plaintext (§4.1/§4.6 combined path: the public
// "download" operation). parallelism <= 0 falls back to
// DefaultDecryptParallelism.
func GetBytes(ctx context.Context, overlay Overlay, cache *ChunkCache, addr Address, q Quorum, parallelism int) ([]byte, error) {
	recs, err := Get(ctx, overlay, addr, q, cache)
	if err != nil {
		return nil, err
	}
	m, err := DecodeDataMap(recs[0].Payload)
	if err != nil {
		return nil, err
	}
	if parallelism <= 0 {
		parallelism = DefaultDecryptParallelism
	}
	fetch := func(fctx context.Context, chunkAddr Address) ([]byte, error) {
		chunkRecs, err := Get(fctx, overlay, chunkAddr, q, cache)
		if err != nil {
			return nil, err
		}
		return chunkRecs[0].Payload, nil
	}
	return DecryptBytes(ctx, m, fetch, parallelism)
}
