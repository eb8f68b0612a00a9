package storage

import (
	"context"
	"math/big"
	"reflect"
	"testing"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/pricefeed"
)

func testAgent(vault [20]byte, collateralWei int64) *agents.Agent {
	return &agents.Agent{
		Vault:                           vault,
		Status:                          agents.StatusNormal,
		MintingVaultCollateralRatioBIPS: 15_000,
		MintingPoolCollateralRatioBIPS:  21_000,
		UnderlyingBalanceUBA:            big.NewInt(0),
		VaultCollateralWei:              big.NewInt(collateralWei),
		CreatedAt:                       1,
	}
}

func TestOverlayFlushIsScopedToOneVault(t *testing.T) {
	store := openTestStorage(t)
	overlay := NewOverlay(store)
	ctx := context.Background()
	vaultA := [20]byte{0xA1}
	vaultB := [20]byte{0xB2}

	if err := overlay.PutAgent(testAgent(vaultA, 100)); err != nil {
		t.Fatalf("put agent A: %v", err)
	}
	if err := overlay.PutReservation(&agents.CollateralReservation{ID: 7, Vault: vaultA, AmountAMG: 1_000, CreatedAt: 2}); err != nil {
		t.Fatalf("put reservation: %v", err)
	}
	if err := overlay.PutPool(&collateralpool.Pool{
		Agent:                  vaultB,
		TokenSupply:            big.NewInt(500),
		NatBalanceWei:          big.NewInt(500),
		VirtualFeesUBA:         big.NewInt(0),
		FeeBalanceUBA:          big.NewInt(0),
		AgentResponsibilityWei: big.NewInt(0),
	}); err != nil {
		t.Fatalf("put pool: %v", err)
	}

	if err := overlay.FlushAgent(ctx, vaultA); err != nil {
		t.Fatalf("flush A: %v", err)
	}
	if agent, err := store.GetAgent(vaultA); err != nil || agent == nil {
		t.Fatalf("agent A not persisted: %v, %v", agent, err)
	}
	if res, err := store.GetReservation(7); err != nil || res == nil {
		t.Fatalf("reservation not persisted: %v, %v", res, err)
	}
	// Vault B's pool is staged, not durable, until its own flush.
	if pool, err := store.GetPool(vaultB); err != nil || pool != nil {
		t.Fatalf("pool B leaked into base: %v, %v", pool, err)
	}
	if pool, err := overlay.GetPool(vaultB); err != nil || pool == nil {
		t.Fatalf("pool B lost from overlay: %v, %v", pool, err)
	}
	if err := overlay.FlushAgent(ctx, vaultB); err != nil {
		t.Fatalf("flush B: %v", err)
	}
	if pool, err := store.GetPool(vaultB); err != nil || pool == nil {
		t.Fatalf("pool B not persisted: %v, %v", pool, err)
	}
}

func TestOverlayDiscardLeavesBaseUntouched(t *testing.T) {
	store := openTestStorage(t)
	overlay := NewOverlay(store)
	vault := [20]byte{0xC3}

	durable := testAgent(vault, 100)
	if err := store.PutAgent(durable); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	staged, err := overlay.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	staged.VaultCollateralWei = big.NewInt(999)
	if err := overlay.PutAgent(staged); err != nil {
		t.Fatalf("stage agent: %v", err)
	}
	if got, _ := overlay.GetAgent(vault); got.VaultCollateralWei.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("staged write not visible: %+v", got)
	}

	overlay.DiscardAgent(vault)
	got, err := overlay.GetAgent(vault)
	if err != nil {
		t.Fatalf("get after discard: %v", err)
	}
	if !reflect.DeepEqual(durable, got) {
		t.Fatalf("discard did not restore base state:\n  want %+v\n  got %+v", durable, got)
	}
}

func TestOverlayDeleteTombstones(t *testing.T) {
	store := openTestStorage(t)
	overlay := NewOverlay(store)
	ctx := context.Background()
	vault := [20]byte{0xD4}
	holder := [20]byte{0xE5}

	if err := store.PutReservation(&agents.CollateralReservation{ID: 9, Vault: vault, AmountAMG: 2_000, CreatedAt: 3}); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	if err := store.PutAccount(&collateralpool.Account{
		Agent:      vault,
		Holder:     holder,
		Tokens:     big.NewInt(10),
		FeeDebtUBA: big.NewInt(0),
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	if err := overlay.DeleteReservation(9); err != nil {
		t.Fatalf("delete reservation: %v", err)
	}
	if err := overlay.DeleteAccount(vault, holder); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	// Reads through the overlay see the delete; the base still has both.
	if res, _ := overlay.GetReservation(9); res != nil {
		t.Fatalf("tombstoned reservation visible: %+v", res)
	}
	if acct, _ := overlay.GetAccount(vault, holder); acct != nil {
		t.Fatalf("tombstoned account visible: %+v", acct)
	}
	if res, _ := store.GetReservation(9); res == nil {
		t.Fatalf("base reservation gone before flush")
	}

	if err := overlay.FlushAgent(ctx, vault); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res, _ := store.GetReservation(9); res != nil {
		t.Fatalf("reservation not deleted by flush: %+v", res)
	}
	if acct, _ := store.GetAccount(vault, holder); acct != nil {
		t.Fatalf("account not deleted by flush: %+v", acct)
	}
}

func TestOverlayFeedFlushAndDiscard(t *testing.T) {
	store := openTestStorage(t)
	overlay := NewOverlay(store)
	ctx := context.Background()

	feed := &pricefeed.Feed{
		ID:                 "XRP",
		Canonical:          pricefeed.CanonicalPrice{VotingRoundID: 3, Value: 100, Decimals: 2},
		LastSubmittedRound: map[string]uint32{},
	}
	if err := overlay.PutFeed(feed); err != nil {
		t.Fatalf("stage feed: %v", err)
	}
	overlay.DiscardFeeds("XRP")
	if got, err := overlay.GetFeed("XRP"); err != nil || got != nil {
		t.Fatalf("discarded feed visible: %v, %v", got, err)
	}

	if err := overlay.PutFeed(feed); err != nil {
		t.Fatalf("stage feed: %v", err)
	}
	if err := overlay.FlushFeeds(ctx, "XRP"); err != nil {
		t.Fatalf("flush feed: %v", err)
	}
	got, err := store.GetFeed("XRP")
	if err != nil || got == nil {
		t.Fatalf("feed not persisted: %v, %v", got, err)
	}
	if got.Canonical != feed.Canonical {
		t.Fatalf("canonical = %+v", got.Canonical)
	}
}
