// core/payment.go – payment proof construction and holder-side validation
// (C4, §4.4, §6.3).
//
// Holder-side validation is modeled as pure functions over a receipt and
// the chain facts a holder is assumed to already have (tx existence,
// log contents) rather than as a network call, since the spec leaves the
// precise holder-validation protocol unspecified (§9 open question); tests
// exercise these functions directly against a fake chain-facts provider.
package core

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiptStandard is the per-chunk payment proof (§3.4).
type ReceiptStandard struct {
	ChunkAddress Address
	HolderID     NodeID
	TxHash       common.Hash
	PaidAmount   *big.Int
}

// ReceiptMerkle is the batch payment proof (§3.4).
type ReceiptMerkle struct {
	PoolHash           []byte
	TreeDepth          int
	Root               []byte
	TxHash             common.Hash
	PaidAmount         *big.Int
	HolderIndexBitmap  uint64 // bit i set => candidate i of the pool won
}

// Receipt wraps exactly one of the two payment proof kinds so it can travel
// alongside a record in a single put_record call (§6.1: "put_record(peer,
// record, receipt, timeout) -> ack").
type Receipt struct {
	Standard *ReceiptStandard
	Merkle   *ReceiptMerkle
}

func encodeReceipt(r Receipt) []byte {
	if r.Standard != nil {
		buf := []byte{0}
		buf = append(buf, r.Standard.ChunkAddress[:]...)
		buf = appendLenPrefixed(buf, []byte(r.Standard.HolderID))
		buf = append(buf, r.Standard.TxHash.Bytes()...)
		buf = appendLenPrefixed(buf, r.Standard.PaidAmount.Bytes())
		return buf
	}
	if r.Merkle != nil {
		m := r.Merkle
		buf := []byte{1}
		buf = appendLenPrefixed(buf, m.PoolHash)
		buf = appendUint64LE(buf, uint64(m.TreeDepth))
		buf = appendLenPrefixed(buf, m.Root)
		buf = append(buf, m.TxHash.Bytes()...)
		buf = appendLenPrefixed(buf, m.PaidAmount.Bytes())
		buf = appendUint64LE(buf, m.HolderIndexBitmap)
		return buf
	}
	return []byte{2} // no receipt attached
}

func decodeReceipt(b []byte) (Receipt, error) {
	if len(b) < 1 {
		return Receipt{}, ErrMalformedResponse
	}
	switch b[0] {
	case 2:
		return Receipt{}, nil
	case 0:
		rest := b[1:]
		if len(rest) < 32 {
			return Receipt{}, ErrMalformedResponse
		}
		var addr Address
		copy(addr[:], rest[:32])
		rest = rest[32:]
		holderID, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Receipt{}, err
		}
		if len(rest) < 32 {
			return Receipt{}, ErrMalformedResponse
		}
		tx := common.BytesToHash(rest[:32])
		rest = rest[32:]
		amount, _, err := readLenPrefixed(rest)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Standard: &ReceiptStandard{
			ChunkAddress: addr,
			HolderID:     NodeID(holderID),
			TxHash:       tx,
			PaidAmount:   new(big.Int).SetBytes(amount),
		}}, nil
	case 1:
		rest := b[1:]
		poolHash, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Receipt{}, err
		}
		if len(rest) < 8 {
			return Receipt{}, ErrMalformedResponse
		}
		depth := int(leUint64(rest[:8]))
		rest = rest[8:]
		root, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Receipt{}, err
		}
		if len(rest) < 32 {
			return Receipt{}, ErrMalformedResponse
		}
		tx := common.BytesToHash(rest[:32])
		rest = rest[32:]
		amount, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Receipt{}, err
		}
		if len(rest) < 8 {
			return Receipt{}, ErrMalformedResponse
		}
		bitmap := leUint64(rest[:8])
		return Receipt{Merkle: &ReceiptMerkle{
			PoolHash:          poolHash,
			TreeDepth:         depth,
			Root:              root,
			TxHash:            tx,
			PaidAmount:        new(big.Int).SetBytes(amount),
			HolderIndexBitmap: bitmap,
		}}, nil
	default:
		return Receipt{}, ErrMalformedResponse
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// PoolCommitment is one of the 2^ceil(depth/2) commitments submitted to the
// vault contract for merkle-mode payment: hash(pool_id || candidate_list || root).
type PoolCommitment struct {
	PoolID     uint64
	Candidates []NodeID
	Root       []byte
}

// ComputePoolCommitmentHash returns hash(pool_id || candidate_list || root).
func ComputePoolCommitmentHash(c PoolCommitment) Address {
	buf := make([]byte, 0, 8+len(c.Candidates)*32+len(c.Root))
	buf = appendUint64LE(buf, c.PoolID)
	for _, cand := range c.Candidates {
		h := addrOfContent([]byte(cand))
		buf = append(buf, h[:]...)
	}
	buf = append(buf, c.Root...)
	return addrOfContent(buf)
}

// BuildMerkleTree assembles the payment tree for one upload's chunk
// addresses and validates the depth bound (§4.4, §6.3: depth <= 12).
func BuildMerkleTree(chunkAddrs []Address) (root []byte, depth int, err error) {
	if len(chunkAddrs) == 0 {
		return nil, 0, ErrInvalidDepth
	}
	depth = MerkleDepth(len(chunkAddrs))
	if depth > 12 {
		return nil, 0, fmt.Errorf("%w: depth %d exceeds 12", ErrInvalidDepth, depth)
	}
	if depth == 0 {
		// Single leaf: per §8 boundary behavior, 1 pool of 16 produces 0
		// winners under the pool-selection scheme below, which is itself
		// an InvalidDepth condition for merkle-mode payment.
		return nil, 0, ErrInvalidDepth
	}
	leaves := make([][]byte, len(chunkAddrs))
	for i, a := range chunkAddrs {
		leaves[i] = append([]byte(nil), a[:]...)
	}
	root, err = ComputeMerkleRoot(leaves)
	if err != nil {
		return nil, 0, err
	}
	return root, depth, nil
}

// PoolCommitmentsForDepth returns how many pool commitments a merkle-mode
// payment of the given depth must assemble: 2^ceil(depth/2).
func PoolCommitmentsForDepth(depth int) int {
	return 1 << ceilDiv2(depth)
}

func ceilDiv2(d int) int { return (d + 1) / 2 }

//---------------------------------------------------------------------
// Holder-side validation (pure functions; §9 open question resolution)
//---------------------------------------------------------------------

// ChainFacts is the minimal view of chain state a holder needs to validate
// a receipt: whether a tx exists, what it paid, and (for merkle mode)
// whether it appears in the vault contract's log for a given pool hash.
type ChainFacts interface {
	TxExists(hash common.Hash) (exists bool, amount *big.Int, recipients []NodeID, err error)
	TxInPoolLog(hash common.Hash, poolHash []byte) (bool, error)
}

// ValidateStandardReceipt checks the four holder-side conditions from §4.4:
// tx exists, amount >= quoted price, holder is among recipients, and the
// chunk address matches the receipt's bound address.
func ValidateStandardReceipt(facts ChainFacts, r ReceiptStandard, holder NodeID, chunkAddr Address, quotedPrice *big.Int) error {
	if r.ChunkAddress != chunkAddr {
		return fmt.Errorf("%w: receipt bound to different chunk", ErrReceiptInvalid)
	}
	exists, amount, recipients, err := facts.TxExists(r.TxHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
	}
	if !exists {
		return fmt.Errorf("%w: tx does not exist", ErrReceiptInvalid)
	}
	if amount.Cmp(quotedPrice) < 0 {
		return fmt.Errorf("%w: paid %s below quoted %s", ErrReceiptInvalid, amount, quotedPrice)
	}
	found := false
	for _, rec := range recipients {
		if rec == holder {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: holder not among recipients", ErrReceiptInvalid)
	}
	return nil
}

// ValidateMerkleReceipt checks the three holder-side conditions from §4.4:
// the tx appears in the vault log for pool_hash, the chunk's address is a
// leaf under the declared root, and the holder is among the pool's winners
// per the index bitmap.
func ValidateMerkleReceipt(facts ChainFacts, r ReceiptMerkle, candidateIndex int, chunkAddr Address, leafProof [][]byte) error {
	inLog, err := facts.TxInPoolLog(r.TxHash, r.PoolHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
	}
	if !inLog {
		return fmt.Errorf("%w: tx not found in vault log for pool", ErrReceiptInvalid)
	}
	if !verifyMerkleLeaf(r.Root, chunkAddr, leafProof) {
		return fmt.Errorf("%w: chunk not a leaf under declared root", ErrReceiptInvalid)
	}
	if candidateIndex < 0 || candidateIndex >= 64 {
		return fmt.Errorf("%w: candidate index out of range", ErrReceiptInvalid)
	}
	if r.HolderIndexBitmap&(1<<uint(candidateIndex)) == 0 {
		return fmt.Errorf("%w: holder not among selected winners", ErrReceiptInvalid)
	}
	return nil
}

// verifyMerkleLeaf recomputes the double-SHA256 path from chunkAddr through
// proof to check it reproduces root.
func verifyMerkleLeaf(root []byte, leaf Address, proof [][]byte) bool {
	cur := leafHash(leaf[:])
	for _, sib := range proof {
		cur = pairHash(cur, sib)
	}
	return bytes.Equal(cur, root)
}

func leafHash(b []byte) []byte {
	h1 := addrOfContent(b)
	h2 := addrOfContent(h1[:])
	return h2[:]
}

func pairHash(a, b []byte) []byte {
	// Canonical ordering matches ComputeMerkleRoot's per-pair lexicographic order.
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	pair := append(append([]byte{}, a...), b...)
	h1 := addrOfContent(pair)
	h2 := addrOfContent(h1[:])
	return h2[:]
}

// SplitMerklePayout divides a total settlement amount equally among depth
// winners using integer division; the remainder is retained by the
// contract and not modeled here (§8: "exactly d winner nodes are paid;
// each receives total / d").
func SplitMerklePayout(total *big.Int, depth int) (perWinner *big.Int, remainder *big.Int, err error) {
	if depth <= 0 {
		return nil, nil, ErrInvalidDepth
	}
	d := big.NewInt(int64(depth))
	perWinner = new(big.Int).Div(total, d)
	remainder = new(big.Int).Mod(total, d)
	return perWinner, remainder, nil
}
