package core

import (
	"bytes"
	"testing"
)

func TestRecordEncodeDecodeRoundTripSigned(t *testing.T) {
	var addr Address
	addr[0] = 0xAB
	rec := Record{
		Version:   signingVersion,
		Kind:      KindScratchpad,
		Address:   addr,
		Payload:   []byte("hello payload"),
		Signature: bytes.Repeat([]byte{0x11}, 96),
	}
	b := EncodeRecord(rec)
	got, err := DecodeRecord(b, true)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if got.Version != rec.Version || got.Kind != rec.Kind || got.Address != rec.Address {
		t.Fatalf("envelope fields mismatch: %+v vs %+v", got, rec)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Fatalf("payload mismatch")
	}
	if !bytes.Equal(got.Signature, rec.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestRecordEncodeDecodeRoundTripUnsigned(t *testing.T) {
	var addr Address
	addr[31] = 0x01
	rec := Record{Version: 1, Kind: KindChunk, Address: addr, Payload: []byte{1, 2, 3, 4}}
	b := EncodeRecord(rec)
	got, err := DecodeRecord(b, false)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if got.Signature != nil {
		t.Fatalf("expected no signature on chunk record")
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDecodeRecordRejectsTruncated(t *testing.T) {
	if _, err := DecodeRecord([]byte{1, 2, 3}, false); err == nil {
		t.Fatalf("expected error decoding truncated record")
	}
}

func TestDataMapEncodeDecodeInline(t *testing.T) {
	m := DataMap{RecursionDepth: 0, Inline: []byte{9, 9, 9}}
	b := EncodeDataMap(m)
	got, err := DecodeDataMap(b)
	if err != nil {
		t.Fatalf("DecodeDataMap failed: %v", err)
	}
	if !bytes.Equal(got.Inline, m.Inline) {
		t.Fatalf("inline mismatch")
	}
	if len(got.Entries) != 0 {
		t.Fatalf("expected no entries for inline map")
	}
}

func TestDataMapEncodeDecodeEntries(t *testing.T) {
	var a1, a2 Address
	var h1, h2 Hash
	a1[0] = 1
	a2[0] = 2
	h1[0] = 3
	h2[0] = 4
	m := DataMap{
		RecursionDepth: 1,
		Entries: []DataMapEntry{
			{Index: 0, ChunkAddr: a1, PlainHash: h1, Size: 1024},
			{Index: 1, ChunkAddr: a2, PlainHash: h2, Size: 512},
		},
	}
	b := EncodeDataMap(m)
	got, err := DecodeDataMap(b)
	if err != nil {
		t.Fatalf("DecodeDataMap failed: %v", err)
	}
	if got.RecursionDepth != 1 || len(got.Entries) != 2 {
		t.Fatalf("unexpected decoded map: %+v", got)
	}
	if got.Entries[1].Size != 512 || got.Entries[1].ChunkAddr != a2 {
		t.Fatalf("entry mismatch: %+v", got.Entries[1])
	}
}

func TestDecodeDataMapRejectsBadVersion(t *testing.T) {
	if _, err := DecodeDataMap([]byte{0xFF, 0, 0}); err == nil {
		t.Fatalf("expected error on bad data map version")
	}
}
