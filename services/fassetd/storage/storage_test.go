package storage

import (
	"math/big"
	"path/filepath"
	"reflect"
	"testing"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/pricefeed"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "fassetd.sqlite"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAgentRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	vault := [20]byte{0x11, 0x22}

	if got, err := store.GetAgent(vault); err != nil || got != nil {
		t.Fatalf("missing agent = %v, %v", got, err)
	}
	agent := &agents.Agent{
		Vault:                           vault,
		Status:                          agents.StatusLiquidation,
		MintedAMG:                       5_000,
		ReservedAMG:                     1_000,
		RedeemingAMG:                    2_000,
		PoolRedeemingAMG:                500,
		DustAMG:                         42,
		MintingVaultCollateralRatioBIPS: 15_000,
		MintingPoolCollateralRatioBIPS:  21_000,
		UnderlyingBalanceUBA:            big.NewInt(-1_234),
		VaultCollateralWei:              big.NewInt(1_000_000),
		Withdrawal:                      &agents.Announcement{AmountWei: big.NewInt(777), AllowedAt: 12_345},
		Destroy:                         &agents.Announcement{AllowedAt: 99_999},
		CreatedAt:                       1_000,
	}
	if err := store.PutAgent(agent); err != nil {
		t.Fatalf("put agent: %v", err)
	}
	loaded, err := store.GetAgent(vault)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if !reflect.DeepEqual(agent, loaded) {
		t.Fatalf("round trip mismatch:\n  put %+v\n  got %+v", agent, loaded)
	}

	// Updates overwrite in place.
	agent.Withdrawal = nil
	agent.Status = agents.StatusNormal
	if err := store.PutAgent(agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	loaded, _ = store.GetAgent(vault)
	if loaded.Withdrawal != nil || loaded.Status != agents.StatusNormal {
		t.Fatalf("update not applied: %+v", loaded)
	}
}

func TestReservationAndRedemptionRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	vault := [20]byte{0x33}

	res := &agents.CollateralReservation{ID: 17, Vault: vault, AmountAMG: 2_000, FeeUBA: big.NewInt(99), CreatedAt: 5}
	if err := store.PutReservation(res); err != nil {
		t.Fatalf("put reservation: %v", err)
	}
	loaded, err := store.GetReservation(17)
	if err != nil || !reflect.DeepEqual(res, loaded) {
		t.Fatalf("reservation round trip: %+v, %v", loaded, err)
	}
	if err := store.DeleteReservation(17); err != nil {
		t.Fatalf("delete reservation: %v", err)
	}
	if loaded, _ := store.GetReservation(17); loaded != nil {
		t.Fatalf("reservation not deleted")
	}

	req := &agents.RedemptionRequest{ID: 18, Vault: vault, AmountAMG: 1_000, PoolSelfClose: true, CreatedAt: 6}
	if err := store.PutRedemption(req); err != nil {
		t.Fatalf("put redemption: %v", err)
	}
	got, err := store.GetRedemption(18)
	if err != nil || !reflect.DeepEqual(req, got) {
		t.Fatalf("redemption round trip: %+v, %v", got, err)
	}
	if err := store.DeleteRedemption(18); err != nil {
		t.Fatalf("delete redemption: %v", err)
	}
}

func TestReferenceCounterAdvances(t *testing.T) {
	store := openTestStorage(t)
	first, err := store.NextReferenceID(10)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first != 10 {
		t.Fatalf("first = %d, want 10", first)
	}
	second, err := store.NextReferenceID(7)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second != 17 {
		t.Fatalf("second = %d, want 17", second)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	agent := [20]byte{0x44}
	holder := [20]byte{0x55}

	pool := &collateralpool.Pool{
		Agent:                  agent,
		TokenSupply:            big.NewInt(2_000),
		NatBalanceWei:          big.NewInt(3_000),
		VirtualFeesUBA:         big.NewInt(900),
		FeeBalanceUBA:          big.NewInt(450),
		AgentResponsibilityWei: big.NewInt(12),
	}
	if err := store.PutPool(pool); err != nil {
		t.Fatalf("put pool: %v", err)
	}
	loadedPool, err := store.GetPool(agent)
	if err != nil || !reflect.DeepEqual(pool, loadedPool) {
		t.Fatalf("pool round trip: %+v, %v", loadedPool, err)
	}

	acct := &collateralpool.Account{
		Agent:      agent,
		Holder:     holder,
		Tokens:     big.NewInt(1_000),
		FeeDebtUBA: big.NewInt(-50),
		Locked: []collateralpool.TokenBatch{
			{Amount: big.NewInt(400), UnlockAt: 1_700},
			{Amount: big.NewInt(600), UnlockAt: 1_800},
		},
	}
	if err := store.PutAccount(acct); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loadedAcct, err := store.GetAccount(agent, holder)
	if err != nil || !reflect.DeepEqual(acct, loadedAcct) {
		t.Fatalf("account round trip: %+v, %v", loadedAcct, err)
	}
	if err := store.DeleteAccount(agent, holder); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if loadedAcct, _ := store.GetAccount(agent, holder); loadedAcct != nil {
		t.Fatalf("account not deleted")
	}
}

func TestFeedRoundTripKeepsSubmissionBuffer(t *testing.T) {
	store := openTestStorage(t)

	feed := &pricefeed.Feed{
		ID:              "XRP",
		Canonical:       pricefeed.CanonicalPrice{VotingRoundID: 9, Value: 50_000, Decimals: 5},
		Trusted:         pricefeed.TrustedPrice{VotingRoundID: 8, Value: 49_900, Decimals: 5, NumberOfSubmits: 3},
		SubmissionRound: 9,
		Submissions: []pricefeed.Submission{
			{Provider: "alice", Value: 50_100},
			{Provider: "bob", Value: 49_800},
		},
		LastSubmittedRound: map[string]uint32{"alice": 9, "bob": 9, "carol": 7},
	}
	if err := store.PutFeed(feed); err != nil {
		t.Fatalf("put feed: %v", err)
	}
	loaded, err := store.GetFeed("XRP")
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if loaded.Canonical != feed.Canonical || loaded.Trusted != feed.Trusted || loaded.SubmissionRound != feed.SubmissionRound {
		t.Fatalf("feed fields mismatch: %+v", loaded)
	}
	if !reflect.DeepEqual(loaded.LastSubmittedRound, feed.LastSubmittedRound) {
		t.Fatalf("last submitted rounds = %v", loaded.LastSubmittedRound)
	}
	// Buffer order is not preserved; compare as a set.
	got := make(map[string]uint32, len(loaded.Submissions))
	for _, sub := range loaded.Submissions {
		got[sub.Provider] = sub.Value
	}
	want := map[string]uint32{"alice": 50_100, "bob": 49_800}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("submissions = %v, want %v", got, want)
	}

	if missing, err := store.GetFeed("DOGE"); err != nil || missing != nil {
		t.Fatalf("missing feed = %v, %v", missing, err)
	}
}
