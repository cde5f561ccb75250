package core

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
)

func fetcherFor(t *testing.T, chunks []Chunk) ChunkFetcher {
	byAddr := make(map[Address][]byte, len(chunks))
	for _, c := range chunks {
		byAddr[c.Address] = c.Ciphertext
	}
	return func(ctx context.Context, addr Address) ([]byte, error) {
		data, ok := byAddr[addr]
		if !ok {
			t.Fatalf("fetch requested unknown address %s", addr)
		}
		return data, nil
	}
}

func TestEncryptDecryptRoundTrip1MiB(t *testing.T) {
	r := rand.New(rand.NewSource(0xDEADBEEF))
	data := make([]byte, 1<<20)
	if _, err := r.Read(data); err != nil {
		t.Fatalf("generate random data: %v", err)
	}

	m, chunks, err := EncryptBytes(data, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}
	out, err := DecryptBytes(context.Background(), m, fetcherFor(t, chunks), DefaultDecryptParallelism)
	if err != nil {
		t.Fatalf("DecryptBytes failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(out), len(data))
	}
}

func TestEncryptChunkAddressIsContentHash(t *testing.T) {
	data := make([]byte, 5<<20) // forces at least one real chunk, not inline
	for i := range data {
		data[i] = byte(i)
	}
	_, chunks, err := EncryptBytes(data, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for _, c := range chunks {
		if addrOfContent(c.Ciphertext) != c.Address {
			t.Fatalf("chunk address does not match hash of ciphertext")
		}
	}
}

func TestInlineBoundaryThreeBytes(t *testing.T) {
	data := []byte{1, 2, 3}
	m, chunks, err := EncryptBytes(data, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for 3-byte input, got %d", len(chunks))
	}
	if m.Inline == nil {
		t.Fatalf("expected an inline data map")
	}
	out, err := DecryptBytes(context.Background(), m, fetcherFor(t, chunks), DefaultDecryptParallelism)
	if err != nil {
		t.Fatalf("DecryptBytes failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("inline round trip mismatch")
	}
}

func TestBoundaryThreeChunksPlusOneByte(t *testing.T) {
	n := 3*MaxChunk + 1
	data := make([]byte, n)
	if _, err := rand.New(rand.NewSource(1)).Read(data); err != nil {
		t.Fatalf("generate random data: %v", err)
	}
	// Segment target == MAX_CHUNK so the boundary matches §8's "3*MAX_CHUNK+1
	// bytes produces 4 chunks, last has size 1" exactly.
	m, chunks, err := EncryptBytes(data, EncryptOptions{SegmentSize: MaxChunk})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if len(m.Entries) != 4 {
		t.Fatalf("expected 4 data map entries, got %d", len(m.Entries))
	}
	if m.Entries[3].Size != 1 {
		t.Fatalf("expected last chunk size 1, got %d", m.Entries[3].Size)
	}
	out, err := DecryptBytes(context.Background(), m, fetcherFor(t, chunks), DefaultDecryptParallelism)
	if err != nil {
		t.Fatalf("DecryptBytes failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch for boundary input")
	}
}

func TestDecryptDetectsChunkCorruption(t *testing.T) {
	data := make([]byte, 2<<20)
	for i := range data {
		data[i] = byte(i * 7)
	}
	m, chunks, err := EncryptBytes(data, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}
	corrupted := make([]Chunk, len(chunks))
	copy(corrupted, chunks)
	corrupted[0].Ciphertext = append([]byte(nil), corrupted[0].Ciphertext...)
	corrupted[0].Ciphertext[0] ^= 0xFF

	fetch := func(ctx context.Context, addr Address) ([]byte, error) {
		for _, c := range corrupted {
			if c.Address == addr {
				return c.Ciphertext, nil
			}
		}
		return nil, ErrChunkMissing
	}
	if _, err := DecryptBytes(context.Background(), m, fetch, DefaultDecryptParallelism); err == nil {
		t.Fatalf("expected decryption to fail on corrupted chunk")
	}
}
