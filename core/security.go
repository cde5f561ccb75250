// core/security.go – shared cryptographic primitives used outside the BLS
// signing path covered by keys.go: at-rest AEAD encryption, Merkle tree
// construction for batch payment, and an append-only operation log.
package core

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

//---------------------------------------------------------------------
// Encryption – XChaCha20-Poly1305, random nonce. Used where the caller
// wants ordinary (non-convergent) authenticated encryption: vault index
// blobs (C8) under the owner's key, as opposed to C2's deterministic,
// neighbor-derived segment encryption. scratchpad.go does not call it.
//---------------------------------------------------------------------

// Encrypt returns nonce || ciphertext || tag using XChaCha20-Poly1305.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

//---------------------------------------------------------------------
// Merkle root (double-SHA256, sorted-leaf, sorted-pair), used by the batch payment
// scheme's pool commitments (§4.4) and for deriving a single witness for
// a set of chunk addresses paid for together.
//---------------------------------------------------------------------

// ComputeMerkleRoot returns the root over leaves, sorted for determinism
// regardless of caller-supplied ordering.
func ComputeMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, errors.New("no leaves")
	}
	sorted := make([][]byte, len(leaves))
	copy(sorted, leaves)
	sort.SliceStable(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	level := make([][]byte, len(sorted))
	for i, l := range sorted {
		h := sha256.Sum256(l)
		hh := sha256.Sum256(h[:])
		level[i] = hh[:]
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			left, right := level[i], level[i+1]
			if bytes.Compare(left, right) > 0 {
				left, right = right, left
			}
			pair := append(append([]byte{}, left...), right...)
			h := sha256.Sum256(pair)
			hh := sha256.Sum256(h[:])
			next = append(next, hh[:])
		}
		level = next
	}
	root := make([]byte, 32)
	copy(root, level[0])
	return root, nil
}

// MerkleDepth returns the tree depth for n leaves, i.e. ceil(log2(n)).
func MerkleDepth(n int) int {
	depth := 0
	for (1 << depth) < n {
		depth++
	}
	return depth
}

//---------------------------------------------------------------------
// Operation log – append-only record of put/get/payment decisions,
// useful for post-hoc debugging of quorum and payment outcomes. Each
// entry is content-hashed so the log is self-verifying (a corrupted
// line's hash won't match and Report skips it).
//---------------------------------------------------------------------

// OpEvent is one append-only operation log entry.
type OpEvent struct {
	Timestamp int64             `json:"ts"`
	Event     string            `json:"evt"`
	Meta      map[string]string `json:"meta,omitempty"`
	Hash      []byte            `json:"hash"`
}

// OpLog is a write-once, append-only log backing operational audit of put,
// get and payment decisions.
type OpLog struct {
	mu   sync.Mutex
	file *os.File
}

// NewOpLog creates or reopens an append-only log file at path.
func NewOpLog(path string) (*OpLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &OpLog{file: f}, nil
}

// Log appends one event with its own content hash.
func (a *OpLog) Log(event string, meta map[string]string) error {
	if a == nil || a.file == nil {
		return errors.New("op log not initialised")
	}
	ev := OpEvent{Timestamp: time.Now().Unix(), Event: event, Meta: meta}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h := sha256.Sum256(raw)
	ev.Hash = h[:]
	blob, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.file.Write(append(blob, '\n'))
	return err
}

// Report reads every entry from the log whose stored hash matches its
// content; corrupted lines are silently skipped.
func (a *OpLog) Report() ([]OpEvent, error) {
	if a == nil || a.file == nil {
		return nil, errors.New("op log not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []OpEvent
	sc := bufio.NewScanner(a.file)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var ev OpEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		claimed := ev.Hash
		ev.Hash = nil
		raw, _ := json.Marshal(ev)
		h := sha256.Sum256(raw)
		if !bytes.Equal(h[:], claimed) {
			continue
		}
		ev.Hash = claimed
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Archive copies the current log contents to dest (a file, or a directory
// in which case a timestamped file is created) and writes a sha256
// manifest alongside it. Returns the archive path and hex checksum.
func (a *OpLog) Archive(dest string) (string, string, error) {
	if a == nil || a.file == nil {
		return "", "", errors.New("op log not initialised")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.file.Sync(); err != nil {
		return "", "", err
	}
	if _, err := a.file.Seek(0, 0); err != nil {
		return "", "", err
	}
	data, err := io.ReadAll(a.file)
	if err != nil {
		return "", "", err
	}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, fmt.Sprintf("ops_%d.log", time.Now().Unix()))
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	checksum := fmt.Sprintf("%x", sum[:])
	manifest := fmt.Sprintf("%s  %s\n", checksum, filepath.Base(dest))
	if err := os.WriteFile(dest+".sha256", []byte(manifest), 0o600); err != nil {
		return "", "", err
	}
	return dest, checksum, nil
}

// Close closes the underlying log file.
func (a *OpLog) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	return a.file.Close()
}
