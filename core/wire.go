// core/wire.go – on-disk/on-network layout (§6.2). All multi-byte integers
// are little-endian; serialization is fully deterministic so that identical
// records always produce identical bytes (required by C2's convergent
// chunking and by signature verification).
package core

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Record is the in-memory form of one stored value together with its wire
// envelope metadata.
type Record struct {
	Version   byte
	Kind      RecordKind
	Address   Address
	Payload   []byte
	Signature []byte // nil for Chunk
}

// EncodeRecord serializes a Record per the envelope layout:
// [version:u8 | kind:u8 | address:32 | payload_len:u32 | payload | signature?:96]
func EncodeRecord(r Record) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(r.Version)
	buf.WriteByte(byte(r.Kind))
	buf.Write(r.Address[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.Payload)))
	buf.Write(lenBuf[:])
	buf.Write(r.Payload)
	if r.Signature != nil {
		buf.Write(r.Signature)
	}
	return buf.Bytes()
}

// DecodeRecord parses an envelope produced by EncodeRecord. signed indicates
// whether a trailing 96-byte BLS signature is expected for this kind.
func DecodeRecord(b []byte, signed bool) (Record, error) {
	if len(b) < 1+1+32+4 {
		return Record{}, ErrMalformedResponse
	}
	var r Record
	r.Version = b[0]
	r.Kind = RecordKind(b[1])
	copy(r.Address[:], b[2:34])
	payloadLen := binary.LittleEndian.Uint32(b[34:38])
	rest := b[38:]
	if uint32(len(rest)) < payloadLen {
		return Record{}, ErrMalformedResponse
	}
	r.Payload = rest[:payloadLen]
	rest = rest[payloadLen:]
	if signed {
		if len(rest) < 96 {
			return Record{}, ErrMalformedResponse
		}
		r.Signature = rest[:96]
	}
	return r, nil
}

// DataMapEntry is one indexed segment of a DataMap (§3.3, §6.2).
type DataMapEntry struct {
	Index       uint64
	ChunkAddr   Address
	PlainHash   Hash
	Size        uint64
}

// DataMap is the self-encryption index. Raw maps (plaintext below three
// segments) carry Inline bytes and no Entries; recursive maps are
// serialized DataMaps whose bytes were themselves chunked, tracked via
// RecursionDepth.
type DataMap struct {
	RecursionDepth int
	Entries        []DataMapEntry
	Inline         []byte // non-nil only for the "raw" case (§4.1 step 1)
}

const dataMapWireVersion byte = 1

// EncodeDataMap serializes a DataMap deterministically.
func EncodeDataMap(m DataMap) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(dataMapWireVersion)
	writeVarint(buf, uint64(m.RecursionDepth))
	if m.Inline != nil {
		buf.WriteByte(1) // inline flag
		writeVarint(buf, uint64(len(m.Inline)))
		buf.Write(m.Inline)
		return buf.Bytes()
	}
	buf.WriteByte(0)
	writeVarint(buf, uint64(len(m.Entries)))
	for _, e := range m.Entries {
		writeVarint(buf, e.Index)
		buf.Write(e.ChunkAddr[:])
		buf.Write(e.PlainHash[:])
		writeVarint(buf, e.Size)
	}
	return buf.Bytes()
}

// DecodeDataMap parses bytes produced by EncodeDataMap.
func DecodeDataMap(b []byte) (DataMap, error) {
	r := bytes.NewReader(b)
	ver, err := r.ReadByte()
	if err != nil || ver != dataMapWireVersion {
		return DataMap{}, ErrDataMapMalformed
	}
	depth, err := readVarint(r)
	if err != nil {
		return DataMap{}, ErrDataMapMalformed
	}
	inlineFlag, err := r.ReadByte()
	if err != nil {
		return DataMap{}, ErrDataMapMalformed
	}
	m := DataMap{RecursionDepth: int(depth)}
	if inlineFlag == 1 {
		n, err := readVarint(r)
		if err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		inline := make([]byte, n)
		if _, err := readFull(r, inline); err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		m.Inline = inline
		return m, nil
	}
	count, err := readVarint(r)
	if err != nil {
		return DataMap{}, ErrDataMapMalformed
	}
	m.Entries = make([]DataMapEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, err := readVarint(r)
		if err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		var addr Address
		var ph Hash
		if _, err := readFull(r, addr[:]); err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		if _, err := readFull(r, ph[:]); err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		size, err := readVarint(r)
		if err != nil {
			return DataMap{}, ErrDataMapMalformed
		}
		m.Entries = append(m.Entries, DataMapEntry{Index: idx, ChunkAddr: addr, PlainHash: ph, Size: size})
	}
	return m, nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil {
		return n, err
	}
	if n != len(dst) {
		return n, errors.New("short read")
	}
	return n, nil
}
