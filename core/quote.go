// core/quote.go – quote discovery, pricing and winner selection (C3, §4.3,
// §6.3).
package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// QuoteClosestK is the number of peers asked for a quote per address.
	QuoteClosestK = 5
	// QuoteNRequired is the minimum number of quotes collected before
	// winner selection proceeds in standard mode.
	QuoteNRequired = 3
	// QuoteNPay is the number of holders paid in standard multi-node mode.
	QuoteNPay = 3
	// CandidatesPerPool is the fixed pool size for merkle-batch quoting.
	CandidatesPerPool = 16
	// defaultQuoteTimeout bounds a single GetQuote round-trip.
	defaultQuoteTimeout = 5 * time.Second
)

// Quote is a holder's signed price offer for storing one record (§3.4).
type Quote struct {
	HolderID        NodeID
	Price           *big.Int
	PoolHash        []byte // non-nil only in merkle mode
	Expiry          time.Time
	HolderSignature []byte
}

// QuoteRequest is the GetQuote(record_kind, size, existing_flag) message.
type QuoteRequest struct {
	Kind     RecordKind
	Size     uint64
	Existing bool
}

func encodeQuoteRequest(r QuoteRequest) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, byte(r.Kind))
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], r.Size)
	buf = append(buf, sz[:]...)
	if r.Existing {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeQuoteRequest(b []byte) (QuoteRequest, error) {
	if len(b) != 10 {
		return QuoteRequest{}, ErrMalformedResponse
	}
	return QuoteRequest{
		Kind:     RecordKind(b[0]),
		Size:     binary.LittleEndian.Uint64(b[1:9]),
		Existing: b[9] == 1,
	}, nil
}

func encodeQuote(q Quote) []byte {
	priceBytes := q.Price.Bytes()
	buf := make([]byte, 0, 64+len(priceBytes)+len(q.PoolHash)+len(q.HolderSignature))
	buf = appendLenPrefixed(buf, []byte(q.HolderID))
	buf = appendLenPrefixed(buf, priceBytes)
	buf = appendLenPrefixed(buf, q.PoolHash)
	var exp [8]byte
	binary.LittleEndian.PutUint64(exp[:], uint64(q.Expiry.Unix()))
	buf = append(buf, exp[:]...)
	buf = appendLenPrefixed(buf, q.HolderSignature)
	return buf
}

func decodeQuote(b []byte) (Quote, error) {
	var q Quote
	holderID, rest, err := readLenPrefixed(b)
	if err != nil {
		return Quote{}, err
	}
	priceBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Quote{}, err
	}
	poolHash, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Quote{}, err
	}
	if len(rest) < 8 {
		return Quote{}, ErrMalformedResponse
	}
	expUnix := int64(binary.LittleEndian.Uint64(rest[:8]))
	rest = rest[8:]
	sig, _, err := readLenPrefixed(rest)
	if err != nil {
		return Quote{}, err
	}
	q.HolderID = NodeID(holderID)
	q.Price = new(big.Int).SetBytes(priceBytes)
	if len(poolHash) > 0 {
		q.PoolHash = poolHash
	}
	q.Expiry = time.Unix(expUnix, 0)
	q.HolderSignature = sig
	return q, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrMalformedResponse
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, ErrMalformedResponse
	}
	return b[:n], b[n:], nil
}

// RequestQuotes asks the QuoteClosestK closest peers to addr for a price and
// returns every well-formed, non-expired reply. It does not fail merely
// because fewer than QuoteNRequired peers answered; callers decide whether
// that's acceptable.
func RequestQuotes(ctx context.Context, overlay Overlay, addr Address, req QuoteRequest) ([]Quote, error) {
	peers, err := overlay.ClosestPeers(ctx, addr, QuoteClosestK)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	quotes := make([]Quote, len(peers))
	ok := make([]bool, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, defaultQuoteTimeout)
			defer cancel()
			payload := append([]byte{rpcQuote}, encodeQuoteRequest(req)...)
			resp, err := overlay.SendRequest(rctx, p, payload)
			if err != nil {
				return nil // per-peer failure is not fatal to the round
			}
			if len(resp) < 1 || resp[0] != statusOK {
				return nil
			}
			q, err := decodeQuote(resp[1:])
			if err != nil {
				return nil
			}
			if time.Now().After(q.Expiry) {
				return nil
			}
			quotes[i] = q
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Quote, 0, len(peers))
	for i, v := range ok {
		if v {
			out = append(out, quotes[i])
		}
	}
	return out, nil
}

// SelectStandardWinners implements the deterministic standard-mode winner
// rule: sort by (price asc, holder_id asc), keep nPay winners. Returns
// ErrNoQuote if fewer than QuoteNRequired quotes are available.
func SelectStandardWinners(quotes []Quote, nPay int) ([]Quote, error) {
	if len(quotes) < QuoteNRequired {
		return nil, ErrNoQuote
	}
	sorted := make([]Quote, len(quotes))
	copy(sorted, quotes)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := sorted[i].Price.Cmp(sorted[j].Price)
		if c != 0 {
			return c < 0
		}
		return sorted[i].HolderID < sorted[j].HolderID
	})
	if nPay > len(sorted) {
		nPay = len(sorted)
	}
	return sorted[:nPay], nil
}

// PoolMedianPrice returns the average of the 8th and 9th order statistics
// (0-indexed 7 and 8) of a 16-candidate pool's quoted prices, per §6.3.
func PoolMedianPrice(prices []*big.Int) (*big.Int, error) {
	if len(prices) != CandidatesPerPool {
		return nil, fmt.Errorf("%w: pool must have %d candidates, got %d", ErrInvalidDepth, CandidatesPerPool, len(prices))
	}
	sorted := make([]*big.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	sum := new(big.Int).Add(sorted[7], sorted[8])
	return sum.Div(sum, big.NewInt(2)), nil
}

// ComputeQuotePrice implements the per-node pricing curve from §6.3:
//
//	price = clamp_lo(pMin, (-s/ANT)*(ln|rU-1| - ln|rL-1|) + pMin*(rU-rL) - (rU-rL)/ANT)
//
// rL and rU are the holder's used-capacity ratio before and after taking
// the record; s is a steepness constant and ANT a network-wide scaling
// constant, both supplied by the caller (holder-local configuration, not
// specified further by the protocol).
func ComputeQuotePrice(pMin, s, ant, rL, rU float64) float64 {
	if ant == 0 {
		ant = 1
	}
	term1 := (-s / ant) * (math.Log(math.Abs(rU-1)) - math.Log(math.Abs(rL-1)))
	term2 := pMin * (rU - rL)
	term3 := (rU - rL) / ant
	price := term1 + term2 - term3
	if price < pMin {
		return pMin
	}
	return price
}

var errNoPoolCandidates = errors.New("pool has no candidates")
