package agents

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"fassetd/native/fasset"
)

type mockState struct {
	agents       map[[20]byte]*Agent
	reservations map[uint64]*CollateralReservation
	redemptions  map[uint64]*RedemptionRequest
	counter      uint64
}

func newMockState() *mockState {
	return &mockState{
		agents:       make(map[[20]byte]*Agent),
		reservations: make(map[uint64]*CollateralReservation),
		redemptions:  make(map[uint64]*RedemptionRequest),
	}
}

func (m *mockState) GetAgent(vault [20]byte) (*Agent, error) {
	agent, ok := m.agents[vault]
	if !ok {
		return nil, nil
	}
	return agent.Clone(), nil
}

func (m *mockState) PutAgent(agent *Agent) error {
	m.agents[agent.Vault] = agent.Clone()
	return nil
}

func (m *mockState) GetReservation(id uint64) (*CollateralReservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return nil, nil
	}
	return res.Clone(), nil
}

func (m *mockState) PutReservation(res *CollateralReservation) error {
	m.reservations[res.ID] = res.Clone()
	return nil
}

func (m *mockState) DeleteReservation(id uint64) error {
	delete(m.reservations, id)
	return nil
}

func (m *mockState) GetRedemption(id uint64) (*RedemptionRequest, error) {
	req, ok := m.redemptions[id]
	if !ok {
		return nil, nil
	}
	return req.Clone(), nil
}

func (m *mockState) PutRedemption(req *RedemptionRequest) error {
	m.redemptions[req.ID] = req.Clone()
	return nil
}

func (m *mockState) DeleteRedemption(id uint64) error {
	delete(m.redemptions, id)
	return nil
}

func (m *mockState) NextReferenceID(skip uint64) (uint64, error) {
	m.counter += skip
	return m.counter, nil
}

type fixedPrice struct {
	price *big.Int
}

func (p *fixedPrice) AmgToTokenWeiPrice() (*big.Int, error) {
	return new(big.Int).Set(p.price), nil
}

func testSettings() fasset.Settings {
	return fasset.Settings{
		AssetMintingGranularityUBA: 10_000,
		LotSizeAMG:                 1_000,
		WithdrawalWaitSeconds:      300,
		DestroyWaitSeconds:         1_000,
	}.Normalise()
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

// amgPrice1000 values one AMG at 1000 collateral wei (scale 1e9).
var amgPrice1000 = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1_000_000_000))

func newTestEngine(t *testing.T) (*Engine, *mockState, *fixedPrice, *int64) {
	t.Helper()
	state := newMockState()
	price := &fixedPrice{price: amgPrice1000}
	engine := NewEngine(testSettings())
	engine.SetState(state)
	engine.SetPriceSource(price)
	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, price, &now
}

func checkInvariants(t *testing.T, agent *Agent) {
	t.Helper()
	if agent.PoolRedeemingAMG > agent.RedeemingAMG {
		t.Fatalf("poolRedeeming %d > redeeming %d", agent.PoolRedeemingAMG, agent.RedeemingAMG)
	}
	if agent.DustAMG > agent.MintedAMG {
		t.Fatalf("dust %d > minted %d", agent.DustAMG, agent.MintedAMG)
	}
}

func registerFundedAgent(t *testing.T, engine *Engine, vault [20]byte, collateralWei int64) {
	t.Helper()
	if _, err := engine.CreateAgent(vault, 15_000, 21_000); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := engine.DepositCollateral(vault, big.NewInt(collateralWei)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	vault := newTestAddress(0x01)
	if _, err := engine.CreateAgent(vault, 13_000, 21_000); !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("low vault CR: got %v", err)
	}
	if _, err := engine.CreateAgent(vault, 15_000, 19_000); !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("low pool CR: got %v", err)
	}
	if _, err := engine.CreateAgent(vault, 15_000, 21_000); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.CreateAgent(vault, 15_000, 21_000); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("duplicate: got %v", err)
	}
}

func TestUpdateAgentSettings(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x0C)
	registerFundedAgent(t, engine, vault, 1_000_000)

	if _, err := engine.UpdateAgentSettings(vault, 13_000, 21_000); !errors.Is(err, ErrCollateralRatioTooLow) {
		t.Fatalf("low vault CR: got %v", err)
	}
	updated, err := engine.UpdateAgentSettings(vault, 16_000, 22_000)
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.MintingVaultCollateralRatioBIPS != 16_000 || updated.MintingPoolCollateralRatioBIPS != 22_000 {
		t.Fatalf("ratios = %d/%d", updated.MintingVaultCollateralRatioBIPS, updated.MintingPoolCollateralRatioBIPS)
	}
	if got := state.agents[vault].MintingVaultCollateralRatioBIPS; got != 16_000 {
		t.Fatalf("persisted vault CR = %d", got)
	}
}

func TestMintingLifecycle(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x02)
	registerFundedAgent(t, engine, vault, 1_000_000_000)

	fee := big.NewInt(20_000)
	reservation, err := engine.ReserveCollateral(vault, 2, fee)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reservation.AmountAMG != 2_000 {
		t.Fatalf("reserved AMG = %d, want 2000", reservation.AmountAMG)
	}
	agent := state.agents[vault]
	if agent.ReservedAMG != 2_000 || agent.MintedAMG != 0 {
		t.Fatalf("after reserve: %+v", agent)
	}
	checkInvariants(t, agent)

	result, err := engine.ExecuteMinting(reservation.ID)
	if err != nil {
		t.Fatalf("execute minting: %v", err)
	}
	agent = state.agents[vault]
	if agent.ReservedAMG != 0 || agent.MintedAMG != 2_000 {
		t.Fatalf("after minting: %+v", agent)
	}
	// 2000 AMG at 10000 UBA granularity plus the 20000 UBA fee.
	wantUnderlying := big.NewInt(20_000_000 + 20_000)
	if agent.UnderlyingBalanceUBA.Cmp(wantUnderlying) != 0 {
		t.Fatalf("underlying = %s, want %s", agent.UnderlyingBalanceUBA, wantUnderlying)
	}
	// Default pool fee share is 3000 BIPS.
	if result.PoolFeeUBA.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("pool fee = %s, want 6000", result.PoolFeeUBA)
	}
	if result.AgentFeeUBA.Cmp(big.NewInt(14_000)) != 0 {
		t.Fatalf("agent fee = %s, want 14000", result.AgentFeeUBA)
	}
	if _, ok := state.reservations[reservation.ID]; ok {
		t.Fatalf("reservation not deleted")
	}
	checkInvariants(t, agent)
}

func TestMintingPaymentDefault(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x03)
	registerFundedAgent(t, engine, vault, 1_000_000_000)

	reservation, err := engine.ReserveCollateral(vault, 1, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := engine.MintingPaymentDefault(reservation.ID); err != nil {
		t.Fatalf("minting default: %v", err)
	}
	agent := state.agents[vault]
	if agent.ReservedAMG != 0 || agent.MintedAMG != 0 {
		t.Fatalf("after default: %+v", agent)
	}
	if err := engine.MintingPaymentDefault(reservation.ID); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("second default: got %v", err)
	}
}

func TestReserveRequiresFreeCollateral(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	vault := newTestAddress(0x04)
	// One lot needs 1.5e6 wei at CR 15000; fund just below.
	registerFundedAgent(t, engine, vault, 1_400_000)
	if _, err := engine.ReserveCollateral(vault, 1, nil); !errors.Is(err, ErrNotEnoughFreeCollateral) {
		t.Fatalf("underfunded reserve: got %v", err)
	}
	if _, err := engine.ReserveCollateral(vault, 0, nil); !errors.Is(err, ErrZeroLots) {
		t.Fatalf("zero lots: got %v", err)
	}
}

func TestReserveRejectsAMGOverflow(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x10)
	registerFundedAgent(t, engine, vault, 1_000_000_000)

	// lots * LotSizeAMG would wrap uint64.
	hugeLots := math.MaxUint64/testSettings().LotSizeAMG + 1
	if _, err := engine.ReserveCollateral(vault, hugeLots, nil); !errors.Is(err, fasset.ErrAMGRange) {
		t.Fatalf("wrapping lots: got %v", err)
	}
	agent := state.agents[vault]
	if agent.ReservedAMG != 0 {
		t.Fatalf("reserved after rejection: %d", agent.ReservedAMG)
	}
	if len(state.reservations) != 0 {
		t.Fatalf("reservation created for rejected request")
	}

	// Backing near the ceiling rejects any further reservation.
	state.agents[vault].MintedAMG = math.MaxUint64 - 500
	if _, err := engine.ReserveCollateral(vault, 1, nil); !errors.Is(err, fasset.ErrAMGRange) {
		t.Fatalf("backing overflow: got %v", err)
	}
}

func mintLots(t *testing.T, engine *Engine, vault [20]byte, lots uint64) {
	t.Helper()
	reservation, err := engine.ReserveCollateral(vault, lots, nil)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.ExecuteMinting(reservation.ID); err != nil {
		t.Fatalf("execute minting: %v", err)
	}
}

func TestRedemptionRoundsToLotsAndBanksDust(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x05)
	registerFundedAgent(t, engine, vault, 1_000_000_000)
	mintLots(t, engine, vault, 2)

	// 1.5 lots worth of UBA: one whole lot redeems, half a lot becomes dust.
	request, err := engine.StartRedemption(vault, big.NewInt(15_000_000), false)
	if err != nil {
		t.Fatalf("start redemption: %v", err)
	}
	if request.AmountAMG != 1_000 {
		t.Fatalf("redeem AMG = %d, want 1000", request.AmountAMG)
	}
	agent := state.agents[vault]
	if agent.MintedAMG != 1_000 || agent.RedeemingAMG != 1_000 || agent.DustAMG != 500 {
		t.Fatalf("after request: %+v", agent)
	}
	checkInvariants(t, agent)

	underlyingBefore := new(big.Int).Set(agent.UnderlyingBalanceUBA)
	if err := engine.ConfirmRedemptionPayment(request.ID); err != nil {
		t.Fatalf("confirm redemption: %v", err)
	}
	agent = state.agents[vault]
	if agent.RedeemingAMG != 0 {
		t.Fatalf("redeeming not released: %+v", agent)
	}
	paid := new(big.Int).Sub(underlyingBefore, agent.UnderlyingBalanceUBA)
	if paid.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("underlying paid = %s, want 10000000", paid)
	}
	checkInvariants(t, agent)
}

func TestRedemptionDefaultKeepsUnderlying(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x06)
	registerFundedAgent(t, engine, vault, 1_000_000_000)
	mintLots(t, engine, vault, 1)

	request, err := engine.StartRedemption(vault, big.NewInt(10_000_000), true)
	if err != nil {
		t.Fatalf("start redemption: %v", err)
	}
	agent := state.agents[vault]
	if agent.PoolRedeemingAMG != 1_000 {
		t.Fatalf("pool redeeming = %d", agent.PoolRedeemingAMG)
	}
	underlyingBefore := new(big.Int).Set(agent.UnderlyingBalanceUBA)
	defaulted, err := engine.RedemptionDefault(request.ID)
	if err != nil {
		t.Fatalf("redemption default: %v", err)
	}
	if defaulted.AmountAMG != 1_000 {
		t.Fatalf("defaulted AMG = %d", defaulted.AmountAMG)
	}
	agent = state.agents[vault]
	if agent.RedeemingAMG != 0 || agent.PoolRedeemingAMG != 0 {
		t.Fatalf("after default: %+v", agent)
	}
	if agent.UnderlyingBalanceUBA.Cmp(underlyingBefore) != 0 {
		t.Fatalf("underlying changed by default")
	}
	checkInvariants(t, agent)
}

func TestStartRedemptionBounds(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	vault := newTestAddress(0x07)
	registerFundedAgent(t, engine, vault, 1_000_000_000)
	mintLots(t, engine, vault, 1)

	if _, err := engine.StartRedemption(vault, big.NewInt(20_000_000), false); !errors.Is(err, ErrInsufficientMinted) {
		t.Fatalf("over-redeem: got %v", err)
	}
	// Below one lot: nothing redeemable.
	if _, err := engine.StartRedemption(vault, big.NewInt(5_000_000), false); !errors.Is(err, ErrZeroLots) {
		t.Fatalf("sub-lot redemption: got %v", err)
	}
}

func TestSelfCloseConsumesDustFirst(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x08)
	registerFundedAgent(t, engine, vault, 1_000_000_000)
	mintLots(t, engine, vault, 2)
	if _, err := engine.StartRedemption(vault, big.NewInt(15_000_000), false); err != nil {
		t.Fatalf("seed dust: %v", err)
	}
	// minted 1000 (500 dust), redeeming 1000.
	closed, err := engine.SelfClose(vault, big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("self close: %v", err)
	}
	if closed != 500 {
		t.Fatalf("closed = %d, want 500", closed)
	}
	agent := state.agents[vault]
	if agent.MintedAMG != 500 || agent.DustAMG != 0 {
		t.Fatalf("after self close: %+v", agent)
	}
	checkInvariants(t, agent)

	// Requesting more than minted closes what remains.
	closed, err = engine.SelfClose(vault, big.NewInt(100_000_000))
	if err != nil {
		t.Fatalf("self close remainder: %v", err)
	}
	if closed != 500 {
		t.Fatalf("closed = %d, want 500", closed)
	}
	if state.agents[vault].MintedAMG != 0 {
		t.Fatalf("minted not drained: %+v", state.agents[vault])
	}
}

func TestWithdrawalAnnouncementFlow(t *testing.T) {
	engine, _, _, now := newTestEngine(t)
	vault := newTestAddress(0x09)
	registerFundedAgent(t, engine, vault, 1_000_000_000)
	mintLots(t, engine, vault, 2)

	// Backing 2000 AMG locks 3e6 wei at CR 15000.
	free := big.NewInt(997_000_000)
	if _, err := engine.AnnounceWithdrawal(vault, new(big.Int).Add(free, big.NewInt(1))); !errors.Is(err, ErrNotEnoughFreeCollateral) {
		t.Fatalf("over-announce: got %v", err)
	}
	if _, err := engine.AnnounceWithdrawal(vault, free); err != nil {
		t.Fatalf("announce: %v", err)
	}
	// The announced amount is excluded from mintable collateral.
	if _, err := engine.ReserveCollateral(vault, 1, nil); !errors.Is(err, ErrNotEnoughFreeCollateral) {
		t.Fatalf("reserve during announcement: got %v", err)
	}
	// The slot is single-use until its own timelock expires.
	if _, err := engine.AnnounceWithdrawal(vault, big.NewInt(1)); !errors.Is(err, ErrAnnouncementActive) {
		t.Fatalf("re-announce: got %v", err)
	}
	if _, err := engine.ExecuteWithdrawal(vault); !errors.Is(err, ErrTimelockNotElapsed) {
		t.Fatalf("early execute: got %v", err)
	}
	*now += 300
	withdrawn, err := engine.ExecuteWithdrawal(vault)
	if err != nil {
		t.Fatalf("execute withdrawal: %v", err)
	}
	if withdrawn.Cmp(free) != 0 {
		t.Fatalf("withdrawn = %s, want %s", withdrawn, free)
	}
	if _, err := engine.ExecuteWithdrawal(vault); !errors.Is(err, ErrNoAnnouncement) {
		t.Fatalf("double execute: got %v", err)
	}
}

func TestWithdrawalOverwriteAfterExpiry(t *testing.T) {
	engine, state, _, now := newTestEngine(t)
	vault := newTestAddress(0x0A)
	registerFundedAgent(t, engine, vault, 1_000_000)

	if _, err := engine.AnnounceWithdrawal(vault, big.NewInt(100)); err != nil {
		t.Fatalf("announce: %v", err)
	}
	*now += 301
	if _, err := engine.AnnounceWithdrawal(vault, big.NewInt(200)); err != nil {
		t.Fatalf("overwrite after expiry: %v", err)
	}
	if state.agents[vault].Withdrawal.AmountWei.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("announcement not overwritten")
	}
}

func TestDestroyLifecycle(t *testing.T) {
	engine, state, _, now := newTestEngine(t)
	vault := newTestAddress(0x0B)
	registerFundedAgent(t, engine, vault, 5_000_000)
	mintLots(t, engine, vault, 1)

	if _, err := engine.AnnounceDestroy(vault); !errors.Is(err, ErrBackingOutstanding) {
		t.Fatalf("destroy with backing: got %v", err)
	}
	if _, err := engine.SelfClose(vault, big.NewInt(10_000_000)); err != nil {
		t.Fatalf("self close: %v", err)
	}
	if _, err := engine.AnnounceDestroy(vault); err != nil {
		t.Fatalf("announce destroy: %v", err)
	}
	if state.agents[vault].Status != StatusDestroying {
		t.Fatalf("status = %v", state.agents[vault].Status)
	}
	if _, err := engine.ExecuteDestroy(vault); !errors.Is(err, ErrTimelockNotElapsed) {
		t.Fatalf("early destroy: got %v", err)
	}
	*now += 1_000
	refund, err := engine.ExecuteDestroy(vault)
	if err != nil {
		t.Fatalf("execute destroy: %v", err)
	}
	if refund.Cmp(big.NewInt(5_000_000)) != 0 {
		t.Fatalf("refund = %s", refund)
	}
	agent := state.agents[vault]
	if agent.Status != StatusDestroyed || agent.VaultCollateralWei.Sign() != 0 {
		t.Fatalf("after destroy: %+v", agent)
	}
	// Terminal: the vault address is never reused.
	if _, err := engine.CreateAgent(vault, 15_000, 21_000); !errors.Is(err, ErrAgentExists) {
		t.Fatalf("recreate destroyed: got %v", err)
	}
	if err := engine.DepositCollateral(vault, big.NewInt(1)); !errors.Is(err, ErrAgentNotLive) {
		t.Fatalf("deposit to destroyed: got %v", err)
	}
	// Historical queries still resolve.
	if _, err := engine.GetAgent(vault); err != nil {
		t.Fatalf("historical query: %v", err)
	}
}

func TestLiquidationTransitions(t *testing.T) {
	engine, state, price, _ := newTestEngine(t)
	vault := newTestAddress(0x0C)
	registerFundedAgent(t, engine, vault, 3_000_000)
	mintLots(t, engine, vault, 2)

	// CR is exactly 15000 at the base price: healthy.
	if err := engine.StartLiquidation(vault); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("healthy liquidation: got %v", err)
	}
	// Asset price doubles; backing value doubles, CR drops to 7500.
	price.price = new(big.Int).Mul(amgPrice1000, big.NewInt(2))
	if err := engine.StartLiquidation(vault); err != nil {
		t.Fatalf("start liquidation: %v", err)
	}
	if state.agents[vault].Status != StatusLiquidation {
		t.Fatalf("status = %v", state.agents[vault].Status)
	}
	if err := engine.EndLiquidation(vault); !errors.Is(err, ErrStillUnhealthy) {
		t.Fatalf("premature end: got %v", err)
	}
	if err := engine.DepositCollateral(vault, big.NewInt(3_000_000)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if err := engine.EndLiquidation(vault); err != nil {
		t.Fatalf("end liquidation: %v", err)
	}
	if state.agents[vault].Status != StatusNormal {
		t.Fatalf("status = %v", state.agents[vault].Status)
	}
}

func TestFullLiquidationBlocksMinting(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	vault := newTestAddress(0x0D)
	registerFundedAgent(t, engine, vault, 1_000_000_000)

	if err := engine.StartFullLiquidation(vault); err != nil {
		t.Fatalf("full liquidation: %v", err)
	}
	if _, err := engine.ReserveCollateral(vault, 1, nil); !errors.Is(err, ErrAgentNotLive) {
		t.Fatalf("reserve in full liquidation: got %v", err)
	}
}

func TestUnderlyingBalanceMayGoNegative(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	vault := newTestAddress(0x0E)
	registerFundedAgent(t, engine, vault, 1_000_000)

	if err := engine.ConfirmUnderlyingWithdrawal(vault, big.NewInt(500)); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if state.agents[vault].UnderlyingBalanceUBA.Cmp(big.NewInt(-500)) != 0 {
		t.Fatalf("underlying = %s, want -500", state.agents[vault].UnderlyingBalanceUBA)
	}
	// A later top-up report corrects the balance.
	if err := engine.ConfirmTopupPayment(vault, big.NewInt(800)); err != nil {
		t.Fatalf("topup: %v", err)
	}
	if state.agents[vault].UnderlyingBalanceUBA.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("underlying = %s, want 300", state.agents[vault].UnderlyingBalanceUBA)
	}
}

func TestAnnounceUnderlyingWithdrawalReference(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	vault := newTestAddress(0x0F)
	registerFundedAgent(t, engine, vault, 1_000_000)

	ref, id, err := engine.AnnounceUnderlyingWithdrawal(vault)
	if err != nil {
		t.Fatalf("announce underlying withdrawal: %v", err)
	}
	if id == 0 {
		t.Fatalf("id not allocated")
	}
	if !fasset.IsValid(ref, fasset.RefAnnouncedWithdrawal) {
		t.Fatalf("reference invalid")
	}
	if fasset.IsValid(ref, fasset.RefMinting) {
		t.Fatalf("reference valid under wrong tag")
	}
}
