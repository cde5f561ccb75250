// core/storage.go – local chunk cache (§4.6 "Caching").
//
// Downloaded chunks may be stored in a caller-supplied directory keyed by
// chunk address; the cache is authoritative iff the stored bytes still hash
// to the key, so a corrupted or tampered entry is evicted rather than ever
// handed back to a caller.
package core

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	logrus "github.com/sirupsen/logrus"
)

// defaultCacheEntries bounds the number of chunks kept on disk absent an
// explicit size from config.
const defaultCacheEntries = 10_000

// ChunkCache is a disk-backed, hash-verified LRU of chunk ciphertext. It
// backs the Get Engine's read-through cache (§4.6), and the CLI's put
// command stores the chunks it uploads in it; PutEngine does not use it.
type ChunkCache struct {
	dir string
	mu  sync.Mutex
	lru *lru.Cache[Address, struct{}]
	log *logrus.Entry
}

// NewChunkCache opens (creating if absent) a chunk cache rooted at dir.
func NewChunkCache(dir string, maxEntries int, log *logrus.Logger) (*ChunkCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunk cache dir: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &ChunkCache{dir: dir, log: log.WithField("component", "chunk_cache")}
	l, err := lru.NewWithEvict[Address, struct{}](maxEntries, func(addr Address, _ struct{}) {
		_ = os.Remove(c.pathFor(addr))
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *ChunkCache) pathFor(addr Address) string {
	return filepath.Join(c.dir, hex.EncodeToString(addr[:]))
}

// Put stores ciphertext under its content address, refusing anything whose
// hash does not match the claimed address.
func (c *ChunkCache) Put(addr Address, ciphertext []byte) error {
	if addrOfContent(ciphertext) != addr {
		return ErrChunkCorrupted
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.WriteFile(c.pathFor(addr), ciphertext, 0o644); err != nil {
		return fmt.Errorf("chunk cache write: %w", err)
	}
	c.lru.Add(addr, struct{}{})
	return nil
}

// Get returns cached ciphertext for addr, re-verifying its hash before
// returning it. A corrupted on-disk entry is evicted and treated as a miss.
func (c *ChunkCache) Get(addr Address) ([]byte, bool) {
	c.mu.Lock()
	_, ok := c.lru.Get(addr)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(c.pathFor(addr))
	if err != nil {
		c.evict(addr)
		return nil, false
	}
	if addrOfContent(data) != addr {
		c.log.WithField("address", addr.String()).Warn("chunk cache entry failed integrity check")
		c.evict(addr)
		return nil, false
	}
	return data, true
}

// Has reports cache membership without reading the file from disk.
func (c *ChunkCache) Has(addr Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(addr)
}

func (c *ChunkCache) evict(addr Address) {
	c.mu.Lock()
	c.lru.Remove(addr)
	c.mu.Unlock()
}

// Len reports the number of entries currently tracked.
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CIDString renders a chunk address as a CIDv1 raw-multihash string, purely
// for human-facing output (CLI, logs); the protocol itself never looks
// values up by CID.
func CIDString(addr Address) (string, error) {
	digest, err := mh.Encode(addr[:], mh.SHA2_256)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, digest).String(), nil
}
