// core/keys.go – addressing & key management (C1).
//
// Addresses are content hashes (for chunks) or derived from an owner BLS
// public key plus a record kind and name (for mutable records). Signatures
// use BLS12-381 over a versioned canonical serialization of the record,
// exactly as core/security.go signs validator messages in the teacher repo.
package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
}

func hexString(b []byte) string { return hex.EncodeToString(b) }

// OwnerKeyPair is a BLS signing key pair controlling one or more mutable
// records (§3.1).
type OwnerKeyPair struct {
	Secret *bls.SecretKey
	Public *bls.PublicKey
}

// NewOwnerKeyPair generates a fresh BLS key pair.
func NewOwnerKeyPair() *OwnerKeyPair {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey()
	return &OwnerKeyPair{Secret: &sk, Public: pk}
}

// ExternalKey is a secret shared out-of-band granting full read/write
// access to one mutable record without exposing the owner's own key.
type ExternalKey struct {
	Secret *bls.SecretKey
}

// NewExternalKey derives a fresh secret unrelated to the owner key; the
// caller is responsible for binding it to a specific record address via
// Register/Scratchpad/Pointer Share operations.
func NewExternalKey() (*ExternalKey, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &ExternalKey{Secret: &sk}, nil
}

// addrOfContent computes the content address of an immutable chunk:
// addr_of_content(bytes) = H(bytes).
func addrOfContent(data []byte) Address {
	return Address(sha256.Sum256(data))
}

// addrOfMutable computes addr_of_mutable(owner_pk, kind, name) =
// H(owner_pk || kind_tag || name).
func addrOfMutable(ownerPK *bls.PublicKey, kind RecordKind, name string) Address {
	h := sha256.New()
	h.Write(ownerPK.Serialize())
	h.Write([]byte{byte(kind)})
	h.Write([]byte(name))
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// AddrOfContent exposes the content-addressing rule to callers outside
// core, such as the CLI.
func AddrOfContent(data []byte) Address { return addrOfContent(data) }

// AddrOfMutable exposes the mutable-record addressing rule.
func AddrOfMutable(ownerPK *bls.PublicKey, kind RecordKind, name string) Address {
	return addrOfMutable(ownerPK, kind, name)
}

// signingVersion is prepended to every canonical serialization so the wire
// format can evolve without breaking signature verification of old records.
const signingVersion byte = 1

// canonicalForSigning returns the bytes a signature covers: everything in
// the record envelope except the signature field itself (§4.2).
func canonicalForSigning(kind RecordKind, addr Address, counter uint64, payload []byte) []byte {
	buf := make([]byte, 0, 1+1+32+8+len(payload))
	buf = append(buf, signingVersion, byte(kind))
	buf = append(buf, addr[:]...)
	buf = appendUint64LE(buf, counter)
	buf = append(buf, payload...)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

// SignRecord signs the canonical serialization of a mutable record update.
func SignRecord(sk *bls.SecretKey, kind RecordKind, addr Address, counter uint64, payload []byte) []byte {
	msg := canonicalForSigning(kind, addr, counter, payload)
	return sk.SignByte(msg).Serialize()
}

// VerifyRecord checks a record's signature under its declared owner public
// key. Invalid input (malformed signature bytes) is reported as an error
// distinct from a cryptographically-failed verification (false, nil).
func VerifyRecord(pk *bls.PublicKey, kind RecordKind, addr Address, counter uint64, payload, sig []byte) (bool, error) {
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false, errors.New("malformed signature")
	}
	msg := canonicalForSigning(kind, addr, counter, payload)
	return s.VerifyByte(pk, msg), nil
}

// DeserializePublicKey parses a compressed BLS public key.
func DeserializePublicKey(b []byte) (*bls.PublicKey, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(b); err != nil {
		return nil, err
	}
	return &pk, nil
}
