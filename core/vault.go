// core/vault.go – Vault (C8, §4.8): one scratchpad per owner holding an
// encrypted, serialized index of user labels to record addresses.
package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// VaultEntry is one label's metadata in a vault index.
type VaultEntry struct {
	Address Address    `json:"address"`
	Kind    RecordKind `json:"kind"`
	Note    string     `json:"note,omitempty"`
}

// VaultIndex is the plaintext content of a vault before encryption.
type VaultIndex struct {
	Entries map[string]VaultEntry `json:"entries"`
}

const vaultName = "vault"

// vaultKey derives the 32-byte AEAD key protecting a vault's scratchpad
// payload; it never leaves the process and is not itself stored.
func vaultKey(owner *OwnerKeyPair) []byte {
	return owner.Secret.Serialize()[:32]
}

// Vault ties together a local view of the index and the address of the
// scratchpad backing it on the overlay.
type Vault struct {
	Address Address
	Local   VaultIndex
}

// NewVault creates the backing scratchpad (counter 0, empty index) and
// returns a Vault wrapping it.
func NewVault(ctx context.Context, engine *PutEngine, owner *OwnerKeyPair, opts PutOptions) (*Vault, error) {
	idx := VaultIndex{Entries: make(map[string]VaultEntry)}
	plain, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	blob, err := Encrypt(vaultKey(owner), plain, nil)
	if err != nil {
		return nil, err
	}
	addr, err := CreateScratchpad(ctx, engine, owner, vaultName, blob, opts)
	if err != nil {
		return nil, err
	}
	return &Vault{Address: addr, Local: idx}, nil
}

// VaultCost estimates the on-chain/storage cost of syncing idx by its
// serialized, encrypted size (§4.8: "cost estimates based on expected
// serialized size").
func VaultCost(idx VaultIndex) (int, error) {
	plain, err := json.Marshal(idx)
	if err != nil {
		return 0, err
	}
	// ciphertext = nonce(24) + plaintext + tag(16), matching Encrypt's layout.
	return len(plain) + 24 + 16, nil
}

// Sync serializes v.Local, encrypts it under the owner key, and edits the
// backing scratchpad, bumping its counter (§4.8 "sync").
func (v *Vault) Sync(ctx context.Context, engine *PutEngine, overlay Overlay, owner *OwnerKeyPair, opts PutOptions) error {
	plain, err := json.Marshal(v.Local)
	if err != nil {
		return err
	}
	blob, err := Encrypt(vaultKey(owner), plain, nil)
	if err != nil {
		return err
	}
	return EditScratchpad(ctx, engine, overlay, owner, v.Address, blob, opts)
}

// Load fetches the remote scratchpad and decrypts its index. Without force,
// v.Local is replaced by the remote index, so local-only labels are
// dropped. With force, the two are merged: local entries take precedence on
// a shared label, remote-only labels are added, and the next Sync writes
// the merged index over the remote copy.
func (v *Vault) Load(ctx context.Context, overlay Overlay, owner *OwnerKeyPair, force bool) error {
	_, blob, _, err := GetScratchpad(ctx, overlay, owner.Public, v.Address, QuorumOne)
	if err != nil {
		return err
	}
	plain, err := Decrypt(vaultKey(owner), blob, nil)
	if err != nil {
		return fmt.Errorf("%w: vault decrypt failed", ErrInvalidSignature)
	}
	var remote VaultIndex
	if err := json.Unmarshal(plain, &remote); err != nil {
		return fmt.Errorf("%w: vault index malformed", ErrDataMapMalformed)
	}
	if force {
		merged := remote.Entries
		if merged == nil {
			merged = make(map[string]VaultEntry)
		}
		for label, e := range v.Local.Entries {
			merged[label] = e // local entries take precedence on conflict
		}
		v.Local.Entries = merged
		return nil
	}
	v.Local = remote // remote counter already won by virtue of being latest-wins
	return nil
}

// Put records or overwrites a label in the local index; callers must call
// Sync to persist the change.
func (v *Vault) Put(label string, e VaultEntry) {
	if v.Local.Entries == nil {
		v.Local.Entries = make(map[string]VaultEntry)
	}
	v.Local.Entries[label] = e
}

// Get resolves a label against the local index.
func (v *Vault) Get(label string) (VaultEntry, bool) {
	e, ok := v.Local.Entries[label]
	return e, ok
}
