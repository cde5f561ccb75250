// core/overlay.go – the §6.1 transport contract (ClosestPeers, SendRequest,
// GetRecord, PutRecord) implemented on top of the libp2p Node built in
// network.go. Point-to-point RPC uses length-prefixed frames over a single
// long-lived protocol stream per request, grounded on the
// host.NewStream/SetStreamHandler pattern used for peer-to-peer messaging.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Overlay is the capability the rest of the library (quote, put, get
// engines) depends on; Node is its only production implementation but the
// interface lets tests substitute an in-process fake.
type Overlay interface {
	ClosestPeers(ctx context.Context, addr Address, k int) ([]NodeID, error)
	SendRequest(ctx context.Context, to NodeID, req []byte) ([]byte, error)
	GetRecord(ctx context.Context, to NodeID, addr Address) (Record, bool, error)
	PutRecord(ctx context.Context, to NodeID, rec Record, receipt Receipt) error
}

const overlayProtocolID = protocol.ID("/autonomi/kad-rpc/1")

const (
	rpcGet byte = iota
	rpcPut
	rpcQuote
)

const (
	statusOK byte = iota
	statusNotFound
	statusError
)

var _ Overlay = (*Node)(nil)

// ClosestPeers returns up to k known peers ordered by XOR distance between
// addr and sha256(peer id). This operates only over the locally-known peer
// set; it does not crawl remote routing tables (no recursive FIND_NODE),
// which keeps the overlay contract satisfiable without a full Kademlia
// implementation.
func (n *Node) ClosestPeers(ctx context.Context, addr Address, k int) ([]NodeID, error) {
	peers := n.Peers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	sort.Slice(peers, func(i, j int) bool {
		return xorLess(addr, peers[i].ID, peers[j].ID)
	})
	if k > len(peers) {
		k = len(peers)
	}
	out := make([]NodeID, k)
	for i := 0; i < k; i++ {
		out[i] = peers[i].ID
	}
	return out, nil
}

func peerKey(id NodeID) [32]byte { return sha256.Sum256([]byte(id)) }

func xorLess(addr Address, a, b NodeID) bool {
	ka, kb := peerKey(a), peerKey(b)
	for i := range addr {
		da := addr[i] ^ ka[i]
		db := addr[i] ^ kb[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// Serve registers h as the handler for proto, accepting one request frame
// per inbound stream and writing back one response frame.
func (n *Node) Serve(proto string, h StreamHandler) {
	n.handlerLock.Lock()
	n.handlers[proto] = h
	n.handlerLock.Unlock()

	n.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		defer s.Close()
		req, err := readFrame(s)
		if err != nil {
			return
		}
		from := NodeID(s.Conn().RemotePeer().String())
		resp, err := h(from, req)
		if err != nil {
			return
		}
		_ = writeFrame(s, resp)
	})
}

// SendRequest opens a stream to peer `to`, writes req, and returns the
// single response frame written back by the peer's handler.
func (n *Node) SendRequest(ctx context.Context, to NodeID, req []byte) ([]byte, error) {
	pid, err := peer.Decode(string(to))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s, err := n.host.NewStream(ctx, pid, overlayProtocolID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPeers, err)
	}
	defer s.Close()

	if err := writeFrame(s, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	resp, err := readFrame(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return resp, nil
}

// GetRecord requests the record at addr from peer `to`. The second return
// value reports whether the peer had it at all (false with nil error means
// a clean "not found", distinct from a transport failure).
func (n *Node) GetRecord(ctx context.Context, to NodeID, addr Address) (Record, bool, error) {
	req := append([]byte{rpcGet}, addr[:]...)
	resp, err := n.SendRequest(ctx, to, req)
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
			// Chunks carry no signature; retry decode unsigned.
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

// PutRecord pushes rec, together with its payment receipt, to peer `to` and
// waits for acknowledgement (§6.1: "put_record(peer, record, receipt,
// timeout) -> ack").
func (n *Node) PutRecord(ctx context.Context, to NodeID, rec Record, receipt Receipt) error {
	recordBytes := EncodeRecord(rec)
	payload := []byte{rpcPut}
	payload = appendLenPrefixed(payload, recordBytes)
	payload = append(payload, encodeReceipt(receipt)...)
	resp, err := n.SendRequest(ctx, to, payload)
	if err != nil {
		return err
	}
	if len(resp) == 0 || resp[0] != statusOK {
		return ErrMalformedResponse
	}
	return nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	const maxFrame = MaxChunk + MaxScratchpad
	if n > maxFrame {
		return nil, ErrMalformedResponse
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// HolderStore is the holder-side capability backing Serve handlers that
// answer rpcGet/rpcPut against local storage; a real node wires a disk- or
// DHT-backed implementation, tests use an in-memory map.
type HolderStore interface {
	Load(addr Address) (Record, bool, error)
	Save(rec Record, receipt Receipt) error
}

// QuoteFunc computes this holder's price for a prospective record; it backs
// the rpcQuote branch of ServeHolder (GetQuote, §4.3 step 2). A nil QuoteFunc
// makes the holder answer every quote request with statusError.
type QuoteFunc func(req QuoteRequest) (Quote, error)

// ServeHolder registers a Serve handler on proto that answers get/put/quote
// requests against store and quoter.
func (n *Node) ServeHolder(proto string, store HolderStore, quoter QuoteFunc) {
	n.Serve(proto, func(from NodeID, req []byte) ([]byte, error) {
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
			rec, ok, err := store.Load(addr)
			if err != nil {
				return []byte{statusError}, nil
			}
			if !ok {
				return []byte{statusNotFound}, nil
			}
			return append([]byte{statusOK}, EncodeRecord(rec)...), nil
		case rpcPut:
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
			if err := store.Save(rec, receipt); err != nil {
				return []byte{statusError}, nil
			}
			return []byte{statusOK}, nil
		case rpcQuote:
			if quoter == nil {
				return []byte{statusError}, nil
			}
			qreq, err := decodeQuoteRequest(req[1:])
			if err != nil {
				return []byte{statusError}, nil
			}
			q, err := quoter(qreq)
			if err != nil {
				return []byte{statusError}, nil
			}
			return append([]byte{statusOK}, encodeQuote(q)...), nil
		default:
			return []byte{statusError}, nil
		}
	})
}

// InMemoryHolderStore is a HolderStore used by tests and local development.
type InMemoryHolderStore struct {
	records map[Address]Record
}

func NewInMemoryHolderStore() *InMemoryHolderStore {
	return &InMemoryHolderStore{records: make(map[Address]Record)}
}

func (s *InMemoryHolderStore) Load(addr Address) (Record, bool, error) {
	rec, ok := s.records[addr]
	return rec, ok, nil
}

func (s *InMemoryHolderStore) Save(rec Record, receipt Receipt) error {
	s.records[rec.Address] = rec
	return nil
}
