package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestGetReturnsChunkWhenMajorityAgree(t *testing.T) {
	overlay := newFakeOverlay(5, 100)
	rec := chunkRecordFor([]byte("agreed chunk payload"))
	seedRecord(t, overlay, rec)

	got, err := Get(context.Background(), overlay, rec.Address, QuorumMajority, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].Payload, rec.Payload) {
		t.Fatalf("unexpected get result: %+v", got)
	}
}

func TestGetPopulatesChunkCache(t *testing.T) {
	overlay := newFakeOverlay(5, 100)
	rec := chunkRecordFor([]byte("cache me"))
	seedRecord(t, overlay, rec)

	dir := t.TempDir()
	cache, err := NewChunkCache(dir, 0, nil)
	if err != nil {
		t.Fatalf("NewChunkCache failed: %v", err)
	}
	if _, err := Get(context.Background(), overlay, rec.Address, QuorumOne, cache); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !cache.Has(rec.Address) {
		t.Fatalf("expected chunk to be cached after Get")
	}

	// Second call should short-circuit through the cache without needing
	// any holder online.
	empty := newFakeOverlay(0, 0)
	got, err := Get(context.Background(), empty, rec.Address, QuorumOne, cache)
	if err != nil {
		t.Fatalf("cached Get failed: %v", err)
	}
	if !bytes.Equal(got[0].Payload, rec.Payload) {
		t.Fatalf("cached payload mismatch")
	}
}

func TestGetFailsQuorumWhenTooFewHoldersRespond(t *testing.T) {
	overlay := newFakeOverlay(5, 100)
	rec := chunkRecordFor([]byte("sparse"))
	// Only one of five holders actually has the record.
	if err := overlay.holders[0].store.Save(rec, Receipt{}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := Get(context.Background(), overlay, rec.Address, QuorumAll, nil)
	if !errors.Is(err, ErrGetQuorumFailed) {
		t.Fatalf("expected ErrGetQuorumFailed, got %v", err)
	}
}

func TestGetBytesRoundTripThroughPutEngine(t *testing.T) {
	overlay := newFakeOverlay(6, 100)
	engine := newTestPutEngine(overlay)
	ctx := context.Background()

	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i * 3)
	}
	m, chunks, err := EncryptBytes(data, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptBytes failed: %v", err)
	}

	chunkRecords := make([]Record, len(chunks))
	for i, c := range chunks {
		chunkRecords[i] = Record{Version: 1, Kind: KindChunk, Address: c.Address, Payload: c.Ciphertext}
	}
	res := engine.Put(ctx, chunkRecords, PutOptions{Mode: ModeStandard, NoVerify: true})
	if len(res.Failures) != 0 {
		t.Fatalf("chunk upload failures: %+v", res.Failures)
	}

	dataMapPayload := EncodeDataMap(m)
	dataMapAddr := addrOfContent(dataMapPayload)
	dataMapRec := Record{Version: 1, Kind: KindChunk, Address: dataMapAddr, Payload: dataMapPayload}
	res = engine.Put(ctx, []Record{dataMapRec}, PutOptions{Mode: ModeStandard, NoVerify: true})
	if len(res.Failures) != 0 {
		t.Fatalf("data map upload failed: %+v", res.Failures)
	}

	out, err := GetBytes(ctx, overlay, nil, dataMapAddr, QuorumOne, 0)
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip through put/get engines mismatched original data")
	}
}
