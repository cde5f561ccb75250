// core/selfencrypt.go – self-encryption pipeline (C2).
//
// Splits a byte sequence into content-addressed, self-encrypted chunks and
// produces a (possibly recursive) DataMap; the inverse streams plaintext
// back out given a chunk-fetch capability supplied by the Get Engine (C6).
//
// Segment encryption is convergent and context-dependent: the key and
// obfuscation keystream for segment i are derived from the plaintext hashes
// of its neighbors (h[i-1], h[i+1]) and itself, so identical plaintext
// windows between unrelated streams still yield different ciphertext unless
// the neighborhood matches (§4.1).
package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MinSegmentSize is the smallest allowed segment (§4.1 step 1).
	MinSegmentSize = 3
	// DefaultSegmentSize is the target segment size absent an override.
	DefaultSegmentSize = 1 << 20 // 1 MiB
	// MaxDataMapRecursionDepth bounds DataMap shrinkage (§3.3, §9 open
	// question — the spec leaves the ceiling unspecified; we pick 4 and
	// document it here).
	MaxDataMapRecursionDepth = 4
	// DefaultDecryptParallelism bounds concurrent chunk fetches during
	// decrypt_stream (§4.1).
	DefaultDecryptParallelism = 8
)

// Chunk is an emitted, content-addressed ciphertext unit.
type Chunk struct {
	Address    Address
	Ciphertext []byte
}

// EncryptOptions configures encrypt_stream.
type EncryptOptions struct {
	SegmentSize int // 0 => DefaultSegmentSize
}

// ChunkFetcher retrieves a chunk's ciphertext by address; supplied by the
// Get Engine (C6) so C2 never depends on the transport directly.
type ChunkFetcher func(ctx context.Context, addr Address) ([]byte, error)

// segmentPlan returns the number of segments and the per-segment target
// size used to partition n bytes (§4.1 step 1). Plaintext that cannot form
// at least 3 segments of MinSegmentSize is signalled by numSegs == 0 and
// must be embedded inline instead.
func segmentPlan(n, target int) (numSegs, segTarget int) {
	if target < MinSegmentSize {
		target = MinSegmentSize
	}
	if n < 3*MinSegmentSize {
		return 0, 0
	}
	numSegs = (n + target - 1) / target
	segTarget = target
	if numSegs < 3 {
		numSegs = 3
		segTarget = (n + 2) / 3
	}
	return numSegs, segTarget
}

func splitSegments(data []byte, numSegs, segTarget int) [][]byte {
	segs := make([][]byte, numSegs)
	pos := 0
	for i := 0; i < numSegs; i++ {
		end := pos + segTarget
		if i == numSegs-1 || end > len(data) {
			end = len(data)
		}
		segs[i] = data[pos:end]
		pos = end
	}
	return segs
}

func hashSegment(seg []byte) Hash { return Hash(sha256.Sum256(seg)) }

// deriveSegmentKeyNonce returns the AEAD key/nonce for segment i, derived
// from the neighborhood (h[i-1], h[i], h[i+1]) with wrap-around (§4.1 step 3).
func deriveSegmentKeyNonce(prev, cur, next Hash) (key [32]byte, nonce [24]byte) {
	key = sha256.Sum256(concat(prev[:], cur[:], next[:]))
	n := sha256.Sum256(concat(cur[:], next[:], prev[:], []byte("aead-nonce")))
	copy(nonce[:], n[:24])
	return
}

// deriveObfuscationKeyNonce returns the keystream key/nonce used to XOR a
// segment's plaintext before encryption (§4.1 step 4).
func deriveObfuscationKeyNonce(prev, next Hash) (key [32]byte, nonce [12]byte) {
	key = sha256.Sum256(concat(prev[:], next[:], []byte("obfuscate")))
	n := sha256.Sum256(concat(next[:], prev[:], []byte("obfuscate-nonce")))
	copy(nonce[:], n[:12])
	return
}

func concat(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}

func obfuscate(key [32]byte, nonce [12]byte, data []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// EncryptBytes runs the self-encryption algorithm over an in-memory buffer
// and returns the outermost DataMap plus every chunk produced at every
// recursion level, in emission order. It is deterministic: identical input
// always yields identical chunks and map (§8 quantified invariant).
func EncryptBytes(data []byte, opts EncryptOptions) (DataMap, []Chunk, error) {
	target := opts.SegmentSize
	if target == 0 {
		target = DefaultSegmentSize
	}
	return encryptLevel(data, target, 0)
}

func encryptLevel(data []byte, target int, depth int) (DataMap, []Chunk, error) {
	numSegs, segTarget := segmentPlan(len(data), target)
	if numSegs == 0 {
		return DataMap{RecursionDepth: depth, Inline: append([]byte(nil), data...)}, nil, nil
	}

	segs := splitSegments(data, numSegs, segTarget)
	hashes := make([]Hash, numSegs)
	for i, s := range segs {
		hashes[i] = hashSegment(s)
	}

	entries := make([]DataMapEntry, numSegs)
	chunks := make([]Chunk, numSegs)
	for i, s := range segs {
		prev := hashes[(i-1+numSegs)%numSegs]
		cur := hashes[i]
		next := hashes[(i+1)%numSegs]

		obfKey, obfNonce := deriveObfuscationKeyNonce(prev, next)
		obfuscated, err := obfuscate(obfKey, obfNonce, s)
		if err != nil {
			return DataMap{}, nil, fmt.Errorf("obfuscate segment %d: %w", i, err)
		}

		key, nonce := deriveSegmentKeyNonce(prev, cur, next)
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return DataMap{}, nil, fmt.Errorf("aead init segment %d: %w", i, err)
		}
		ciphertext := aead.Seal(nil, nonce[:], obfuscated, nil)
		addr := addrOfContent(ciphertext)

		entries[i] = DataMapEntry{Index: uint64(i), ChunkAddr: addr, PlainHash: cur, Size: uint64(len(s))}
		chunks[i] = Chunk{Address: addr, Ciphertext: ciphertext}
	}

	m := DataMap{RecursionDepth: depth, Entries: entries}
	serialized := EncodeDataMap(m)
	if len(serialized) <= MaxChunk {
		return m, chunks, nil
	}

	if depth+1 >= MaxDataMapRecursionDepth {
		return DataMap{}, nil, ErrRecursionLimitExceeded
	}
	outer, innerChunks, err := encryptLevel(serialized, target, depth+1)
	if err != nil {
		return DataMap{}, nil, err
	}
	return outer, append(chunks, innerChunks...), nil
}

// DecryptBytes reassembles plaintext from a DataMap, pipelining up to
// parallelism concurrent fetches while still emitting/assembling segments
// in order (§4.1, §5 "Suspension points"). If a fetched chunk fails
// integrity it is retried once against the same fetcher (standing in for
// the Get Engine's holder-escalation) before failing with ChunkCorrupted.
func DecryptBytes(ctx context.Context, m DataMap, fetch ChunkFetcher, parallelism int) ([]byte, error) {
	if m.Inline != nil {
		return append([]byte(nil), m.Inline...), nil
	}
	if m.RecursionDepth > 0 {
		// The caller handed us the outermost (possibly recursive) map: the
		// entries here index chunks of the *serialized inner DataMap*, not
		// of the original plaintext. Reassemble the inner map bytes first.
		inner, err := decryptLevel(ctx, m, fetch, parallelism)
		if err != nil {
			return nil, err
		}
		innerMap, err := DecodeDataMap(inner)
		if err != nil {
			return nil, ErrDataMapMalformed
		}
		return DecryptBytes(ctx, innerMap, fetch, parallelism)
	}
	return decryptLevel(ctx, m, fetch, parallelism)
}

func decryptLevel(ctx context.Context, m DataMap, fetch ChunkFetcher, parallelism int) ([]byte, error) {
	if parallelism <= 0 {
		parallelism = DefaultDecryptParallelism
	}
	n := len(m.Entries)
	if n == 0 {
		return nil, ErrDataMapMalformed
	}

	type result struct {
		seg []byte
		err error
	}
	results := make([]result, n)
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			seg, err := fetchAndDecryptSegment(ctx, m.Entries, i, fetch)
			results[i] = result{seg: seg, err: err}
		}(i)
	}
	wg.Wait()

	var out bytes.Buffer
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, r.err)
		}
		out.Write(r.seg)
	}
	return out.Bytes(), nil
}

func fetchAndDecryptSegment(ctx context.Context, entries []DataMapEntry, i int, fetch ChunkFetcher) ([]byte, error) {
	n := len(entries)
	prev := entries[(i-1+n)%n].PlainHash
	cur := entries[i].PlainHash
	next := entries[(i+1)%n].PlainHash

	ciphertext, err := fetch(ctx, entries[i].ChunkAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkMissing, err)
	}

	seg, err := decryptSegment(ciphertext, prev, cur, next)
	if err == nil {
		return seg, nil
	}

	// One escalation attempt against an alternative holder via the same
	// fetcher (the Get Engine is responsible for holder rotation).
	ciphertext2, err2 := fetch(ctx, entries[i].ChunkAddr)
	if err2 != nil {
		return nil, ErrChunkCorrupted
	}
	seg2, err3 := decryptSegment(ciphertext2, prev, cur, next)
	if err3 != nil {
		return nil, ErrChunkCorrupted
	}
	return seg2, nil
}

func decryptSegment(ciphertext []byte, prev, cur, next Hash) ([]byte, error) {
	key, nonce := deriveSegmentKeyNonce(prev, cur, next)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	obfuscated, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrChunkCorrupted
	}
	obfKey, obfNonce := deriveObfuscationKeyNonce(prev, next)
	seg, err := obfuscate(obfKey, obfNonce, obfuscated) // XOR is its own inverse
	if err != nil {
		return nil, err
	}
	if hashSegment(seg) != cur {
		return nil, ErrChunkCorrupted
	}
	return seg, nil
}
