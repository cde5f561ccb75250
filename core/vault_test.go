package core

import (
	"context"
	"testing"
)

func newTestPutEngine(overlay Overlay) *PutEngine {
	cache := NewQuoteCache(0, 0)
	return NewPutEngine(overlay, cache, fakePayer{}, 0)
}

func TestVaultCreateSyncLoadRoundTrip(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(5, 100)
	engine := newTestPutEngine(overlay)
	ctx := context.Background()
	opts := PutOptions{Mode: ModeStandard, NoVerify: true}

	v, err := NewVault(ctx, engine, owner, opts)
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}

	v.Put("photos", VaultEntry{Address: Address{1}, Kind: KindChunk, Note: "vacation"})
	if err := v.Sync(ctx, engine, overlay, owner, opts); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	reloaded := &Vault{Address: v.Address}
	if err := reloaded.Load(ctx, overlay, owner, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	e, ok := reloaded.Get("photos")
	if !ok {
		t.Fatalf("expected synced label to be present after load")
	}
	if e.Note != "vacation" {
		t.Fatalf("unexpected entry after round trip: %+v", e)
	}
}

func TestVaultLoadForceKeepsLocalOnConflict(t *testing.T) {
	owner := NewOwnerKeyPair()
	overlay := newFakeOverlay(5, 100)
	engine := newTestPutEngine(overlay)
	ctx := context.Background()
	opts := PutOptions{Mode: ModeStandard, NoVerify: true}

	v, err := NewVault(ctx, engine, owner, opts)
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	v.Put("label", VaultEntry{Address: Address{9}, Note: "remote"})
	if err := v.Sync(ctx, engine, overlay, owner, opts); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	local := &Vault{Address: v.Address}
	local.Put("label", VaultEntry{Address: Address{7}, Note: "local"})
	if err := local.Load(ctx, overlay, owner, true); err != nil {
		t.Fatalf("forced Load failed: %v", err)
	}
	e, ok := local.Get("label")
	if !ok || e.Note != "local" {
		t.Fatalf("expected forced load to preserve local entry, got %+v", e)
	}
}

func TestVaultCostTracksSerializedSize(t *testing.T) {
	empty := VaultIndex{Entries: map[string]VaultEntry{}}
	costEmpty, err := VaultCost(empty)
	if err != nil {
		t.Fatalf("VaultCost failed: %v", err)
	}
	withEntry := VaultIndex{Entries: map[string]VaultEntry{"a": {Address: Address{1}, Note: "x"}}}
	costWithEntry, err := VaultCost(withEntry)
	if err != nil {
		t.Fatalf("VaultCost failed: %v", err)
	}
	if costWithEntry <= costEmpty {
		t.Fatalf("expected cost to grow with index content: %d vs %d", costWithEntry, costEmpty)
	}
}
