package agents

import (
	"encoding/binary"
	"errors"
	"math"
	"math/big"
	"time"

	"fassetd/native/fasset"
)

var (
	errNilState                = errors.New("agents engine: state not configured")
	errNilPriceSource          = errors.New("agents engine: price source not configured")
	ErrAgentExists             = errors.New("agents engine: vault already registered")
	ErrAgentNotFound           = errors.New("agents engine: agent not found")
	ErrAgentNotLive            = errors.New("agents engine: agent status does not permit operation")
	ErrCollateralRatioTooLow   = errors.New("agents engine: collateral ratio below protocol minimum")
	ErrNotEnoughFreeCollateral = errors.New("agents engine: not enough free collateral")
	ErrInvalidAmount           = errors.New("agents engine: amount must be positive")
	ErrZeroLots                = errors.New("agents engine: amount below one lot")
	ErrInsufficientMinted      = errors.New("agents engine: amount exceeds redeemable minted balance")
	ErrAnnouncementActive      = errors.New("agents engine: previous announcement still pending")
	ErrNoAnnouncement          = errors.New("agents engine: no announcement outstanding")
	ErrTimelockNotElapsed      = errors.New("agents engine: timelock not elapsed")
	ErrBackingOutstanding      = errors.New("agents engine: minted, reserved or redeeming balance outstanding")
	ErrReservationNotFound     = errors.New("agents engine: collateral reservation not found")
	ErrRedemptionNotFound      = errors.New("agents engine: redemption request not found")
	ErrNotLiquidatable         = errors.New("agents engine: agent collateral ratio is healthy")
	ErrStillUnhealthy          = errors.New("agents engine: collateral ratio still below minimum")
)

// Collateral ratio reported for an agent with zero backing.
const unlimitedCRBIPS = uint64(1) << 32

type engineState interface {
	GetAgent(vault [20]byte) (*Agent, error)
	PutAgent(agent *Agent) error
	GetReservation(id uint64) (*CollateralReservation, error)
	PutReservation(res *CollateralReservation) error
	DeleteReservation(id uint64) error
	GetRedemption(id uint64) (*RedemptionRequest, error)
	PutRedemption(req *RedemptionRequest) error
	DeleteRedemption(id uint64) error
	// NextReferenceID advances the shared payment reference counter by skip
	// and returns the new value.
	NextReferenceID(skip uint64) (uint64, error)
}

// PriceSource supplies the current AMG to collateral token wei ratio used in
// collateral ratio computations. Readers tolerate a price up to one voting
// round old.
type PriceSource interface {
	AmgToTokenWeiPrice() (*big.Int, error)
}

// Engine drives the per-agent ledger state machine. Every operation stages
// its mutations on clones and commits only when the whole operation succeeds.
type Engine struct {
	state    engineState
	prices   PriceSource
	settings fasset.Settings
	nowFn    func() int64
}

// NewEngine constructs an agent ledger engine with the supplied settings.
func NewEngine(settings fasset.Settings) *Engine {
	return &Engine{
		settings: settings.Normalise(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPriceSource wires the collateral price used in ratio computations.
func (e *Engine) SetPriceSource(ps PriceSource) { e.prices = ps }

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Settings returns the engine's normalised settings snapshot.
func (e *Engine) Settings() fasset.Settings { return e.settings }

// UpdateSettings replaces the protocol settings. The caller serializes this
// with in-flight operations.
func (e *Engine) UpdateSettings(s fasset.Settings) { e.settings = s.Normalise() }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateAgent registers a new vault with the agent's chosen minting
// collateral ratios. Ratios below the protocol minimums are rejected.
func (e *Engine) CreateAgent(vault [20]byte, vaultCRBIPS, poolCRBIPS uint32) (*Agent, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if vaultCRBIPS < e.settings.MinVaultCollateralRatioBIPS || poolCRBIPS < e.settings.MinPoolCollateralRatioBIPS {
		return nil, ErrCollateralRatioTooLow
	}
	existing, err := e.state.GetAgent(vault)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != StatusEmpty {
		return nil, ErrAgentExists
	}
	agent := &Agent{
		Vault:                           vault,
		Status:                          StatusNormal,
		MintingVaultCollateralRatioBIPS: vaultCRBIPS,
		MintingPoolCollateralRatioBIPS:  poolCRBIPS,
		UnderlyingBalanceUBA:            big.NewInt(0),
		VaultCollateralWei:              big.NewInt(0),
		CreatedAt:                       e.now(),
	}
	if err := e.state.PutAgent(agent); err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// UpdateAgentSettings replaces the agent's minting collateral ratios. The
// same protocol minimums apply as at registration.
func (e *Engine) UpdateAgentSettings(vault [20]byte, vaultCRBIPS, poolCRBIPS uint32) (*Agent, error) {
	if vaultCRBIPS < e.settings.MinVaultCollateralRatioBIPS || poolCRBIPS < e.settings.MinPoolCollateralRatioBIPS {
		return nil, ErrCollateralRatioTooLow
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Live() {
		return nil, ErrAgentNotLive
	}
	staged := agent.Clone()
	staged.MintingVaultCollateralRatioBIPS = vaultCRBIPS
	staged.MintingPoolCollateralRatioBIPS = poolCRBIPS
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return staged.Clone(), nil
}

// GetAgent returns a copy of the agent record. Destroyed agents remain
// queryable for historical lookups.
func (e *Engine) GetAgent(vault [20]byte) (*Agent, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	return agent.Clone(), nil
}

// DepositCollateral credits vault collateral. Allowed in any live status so
// an agent can top up its way out of liquidation.
func (e *Engine) DepositCollateral(vault [20]byte, amountWei *big.Int) error {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if !agent.Status.Live() {
		return ErrAgentNotLive
	}
	staged := agent.Clone()
	staged.VaultCollateralWei.Add(staged.VaultCollateralWei, amountWei)
	return e.state.PutAgent(staged)
}

// CollateralRatioBIPS computes the agent's current collateral ratio against
// the live price. Zero backing reports an unlimited ratio.
func (e *Engine) CollateralRatioBIPS(vault [20]byte) (uint64, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return 0, err
	}
	price, err := e.amgPrice()
	if err != nil {
		return 0, err
	}
	return collateralRatioBIPS(agent, price), nil
}

func collateralRatioBIPS(agent *Agent, amgPrice *big.Int) uint64 {
	backing := agent.BackingAMG()
	if backing == 0 {
		return unlimitedCRBIPS
	}
	backingWei := fasset.ConvertAmgToTokenWei(backing, amgPrice)
	if backingWei.Sign() == 0 {
		return unlimitedCRBIPS
	}
	ratio := new(big.Int).Mul(agent.VaultCollateralWei, big.NewInt(fasset.MaxBIPS))
	ratio.Quo(ratio, backingWei)
	if !ratio.IsUint64() || ratio.Uint64() > unlimitedCRBIPS {
		return unlimitedCRBIPS
	}
	return ratio.Uint64()
}

// freeCollateralWei is the collateral available for new minting: the live
// balance minus backing valued at the agent's minting ratio and minus any
// amount under an active withdrawal announcement.
func (e *Engine) freeCollateralWei(agent *Agent, amgPrice *big.Int) *big.Int {
	free := new(big.Int).Set(agent.VaultCollateralWei)
	backingWei := fasset.ConvertAmgToTokenWei(agent.BackingAMG(), amgPrice)
	locked := new(big.Int).Mul(backingWei, new(big.Int).SetUint64(uint64(agent.MintingVaultCollateralRatioBIPS)))
	locked.Quo(locked, big.NewInt(fasset.MaxBIPS))
	free.Sub(free, locked)
	if agent.Withdrawal != nil && agent.Withdrawal.AmountWei != nil {
		free.Sub(free, agent.Withdrawal.AmountWei)
	}
	return free
}

// ReserveCollateral locks free collateral for a minting of the given number
// of lots and returns the reservation carrying its payment reference id.
// Only agents in Normal status may accept new mintings.
func (e *Engine) ReserveCollateral(vault [20]byte, lots uint64, feeUBA *big.Int) (*CollateralReservation, error) {
	if lots == 0 {
		return nil, ErrZeroLots
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusNormal {
		return nil, ErrAgentNotLive
	}
	price, err := e.amgPrice()
	if err != nil {
		return nil, err
	}
	if lots > math.MaxUint64/e.settings.LotSizeAMG {
		return nil, fasset.ErrAMGRange
	}
	amountAMG := lots * e.settings.LotSizeAMG
	if amountAMG > math.MaxUint64-agent.BackingAMG() {
		return nil, fasset.ErrAMGRange
	}
	needed := fasset.ConvertAmgToTokenWei(amountAMG, price)
	needed.Mul(needed, new(big.Int).SetUint64(uint64(agent.MintingVaultCollateralRatioBIPS)))
	needed.Quo(needed, big.NewInt(fasset.MaxBIPS))
	if e.freeCollateralWei(agent, price).Cmp(needed) < 0 {
		return nil, ErrNotEnoughFreeCollateral
	}
	id, err := e.nextReferenceID(vault)
	if err != nil {
		return nil, err
	}
	staged := agent.Clone()
	staged.ReservedAMG += amountAMG
	reservation := &CollateralReservation{
		ID:        id,
		Vault:     vault,
		AmountAMG: amountAMG,
		CreatedAt: e.now(),
	}
	if feeUBA != nil && feeUBA.Sign() > 0 {
		reservation.FeeUBA = new(big.Int).Set(feeUBA)
	}
	if err := e.state.PutReservation(reservation); err != nil {
		return nil, err
	}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return reservation.Clone(), nil
}

// MintingResult reports the balance movements of a confirmed minting. The
// pool fee share must be forwarded to the agent's collateral pool by the
// caller.
type MintingResult struct {
	Vault       [20]byte
	MintedAMG   uint64
	MintedUBA   *big.Int
	PoolFeeUBA  *big.Int
	AgentFeeUBA *big.Int
}

// ExecuteMinting confirms the underlying payment for a reservation, moving
// the reserved AMG into minted and crediting the underlying balance with the
// minted value plus fee.
func (e *Engine) ExecuteMinting(reservationID uint64) (*MintingResult, error) {
	if e.state == nil {
		return nil, errNilState
	}
	reservation, err := e.state.GetReservation(reservationID)
	if err != nil {
		return nil, err
	}
	if reservation == nil {
		return nil, ErrReservationNotFound
	}
	agent, err := e.loadAgent(reservation.Vault)
	if err != nil {
		return nil, err
	}
	if reservation.AmountAMG > math.MaxUint64-agent.MintedAMG {
		return nil, fasset.ErrAMGRange
	}
	staged := agent.Clone()
	staged.ReservedAMG -= reservation.AmountAMG
	staged.MintedAMG += reservation.AmountAMG
	mintedUBA := fasset.ConvertAmgToUBA(e.settings, reservation.AmountAMG)
	staged.UnderlyingBalanceUBA.Add(staged.UnderlyingBalanceUBA, mintedUBA)
	result := &MintingResult{
		Vault:       reservation.Vault,
		MintedAMG:   reservation.AmountAMG,
		MintedUBA:   mintedUBA,
		PoolFeeUBA:  big.NewInt(0),
		AgentFeeUBA: big.NewInt(0),
	}
	if reservation.FeeUBA != nil && reservation.FeeUBA.Sign() > 0 {
		staged.UnderlyingBalanceUBA.Add(staged.UnderlyingBalanceUBA, reservation.FeeUBA)
		poolFee := new(big.Int).Mul(reservation.FeeUBA, new(big.Int).SetUint64(uint64(e.settings.PoolFeeShareBIPS)))
		poolFee.Quo(poolFee, big.NewInt(fasset.MaxBIPS))
		result.PoolFeeUBA = poolFee
		result.AgentFeeUBA = new(big.Int).Sub(reservation.FeeUBA, poolFee)
	}
	if err := e.state.DeleteReservation(reservationID); err != nil {
		return nil, err
	}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return result, nil
}

// GetReservationVault returns the vault a pending reservation belongs to.
func (e *Engine) GetReservationVault(id uint64) ([20]byte, error) {
	var vault [20]byte
	if e.state == nil {
		return vault, errNilState
	}
	reservation, err := e.state.GetReservation(id)
	if err != nil {
		return vault, err
	}
	if reservation == nil {
		return vault, ErrReservationNotFound
	}
	return reservation.Vault, nil
}

// GetRedemptionVault returns the vault a pending redemption belongs to.
func (e *Engine) GetRedemptionVault(id uint64) ([20]byte, error) {
	var vault [20]byte
	if e.state == nil {
		return vault, errNilState
	}
	request, err := e.state.GetRedemption(id)
	if err != nil {
		return vault, err
	}
	if request == nil {
		return vault, ErrRedemptionNotFound
	}
	return request.Vault, nil
}

// MintingPaymentDefault releases a reservation whose underlying payment never
// arrived. Minted balances are untouched.
func (e *Engine) MintingPaymentDefault(reservationID uint64) error {
	if e.state == nil {
		return errNilState
	}
	reservation, err := e.state.GetReservation(reservationID)
	if err != nil {
		return err
	}
	if reservation == nil {
		return ErrReservationNotFound
	}
	agent, err := e.loadAgent(reservation.Vault)
	if err != nil {
		return err
	}
	staged := agent.Clone()
	staged.ReservedAMG -= reservation.AmountAMG
	if err := e.state.DeleteReservation(reservationID); err != nil {
		return err
	}
	return e.state.PutAgent(staged)
}

// StartRedemption moves whole lots from minted to redeeming and banks the
// sub-lot remainder of the request as dust. Pool initiated redemptions are
// additionally tracked in PoolRedeemingAMG.
func (e *Engine) StartRedemption(vault [20]byte, amountUBA *big.Int, poolSelfClose bool) (*RedemptionRequest, error) {
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Live() {
		return nil, ErrAgentNotLive
	}
	requestAMG, err := fasset.ConvertUBAToAmg(e.settings, amountUBA)
	if err != nil {
		return nil, err
	}
	available := agent.MintedAMG - agent.DustAMG
	if requestAMG > available {
		return nil, ErrInsufficientMinted
	}
	lots, remainder := fasset.Lots(e.settings, requestAMG)
	if lots == 0 {
		return nil, ErrZeroLots
	}
	redeemAMG := requestAMG - remainder
	id, err := e.nextReferenceID(vault)
	if err != nil {
		return nil, err
	}
	staged := agent.Clone()
	staged.MintedAMG -= redeemAMG
	staged.RedeemingAMG += redeemAMG
	staged.DustAMG += remainder
	if poolSelfClose {
		staged.PoolRedeemingAMG += redeemAMG
	}
	request := &RedemptionRequest{
		ID:            id,
		Vault:         vault,
		AmountAMG:     redeemAMG,
		PoolSelfClose: poolSelfClose,
		CreatedAt:     e.now(),
	}
	if err := e.state.PutRedemption(request); err != nil {
		return nil, err
	}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return request.Clone(), nil
}

// ConfirmRedemptionPayment settles a redemption whose underlying payment was
// confirmed, releasing the redeeming balance and debiting the underlying
// ledger.
func (e *Engine) ConfirmRedemptionPayment(redemptionID uint64) error {
	return e.settleRedemption(redemptionID, true)
}

// RedemptionDefault settles a redemption whose payment was never made. The
// redeeming balance is released; the caller pays the redeemer from collateral
// and the underlying balance is unchanged.
func (e *Engine) RedemptionDefault(redemptionID uint64) (*RedemptionRequest, error) {
	if e.state == nil {
		return nil, errNilState
	}
	request, err := e.state.GetRedemption(redemptionID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, ErrRedemptionNotFound
	}
	if err := e.settleRedemption(redemptionID, false); err != nil {
		return nil, err
	}
	return request.Clone(), nil
}

func (e *Engine) settleRedemption(redemptionID uint64, paid bool) error {
	if e.state == nil {
		return errNilState
	}
	request, err := e.state.GetRedemption(redemptionID)
	if err != nil {
		return err
	}
	if request == nil {
		return ErrRedemptionNotFound
	}
	agent, err := e.loadAgent(request.Vault)
	if err != nil {
		return err
	}
	staged := agent.Clone()
	staged.RedeemingAMG -= request.AmountAMG
	if request.PoolSelfClose {
		staged.PoolRedeemingAMG -= request.AmountAMG
	}
	if paid {
		paidUBA := fasset.ConvertAmgToUBA(e.settings, request.AmountAMG)
		staged.UnderlyingBalanceUBA.Sub(staged.UnderlyingBalanceUBA, paidUBA)
	}
	if err := e.state.DeleteRedemption(redemptionID); err != nil {
		return err
	}
	return e.state.PutAgent(staged)
}

// MintedAMG returns the agent's current minted balance.
func (e *Engine) MintedAMG(vault [20]byte) (uint64, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return 0, err
	}
	return agent.MintedAMG, nil
}

// SelfClose closes minted f-assets directly against the agent, consuming dust
// first. Returns the AMG amount actually closed, which may be lower than
// requested when the agent's minted balance is smaller.
func (e *Engine) SelfClose(vault [20]byte, amountUBA *big.Int) (uint64, error) {
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return 0, err
	}
	if !agent.Status.Live() {
		return 0, ErrAgentNotLive
	}
	amg, err := fasset.ConvertUBAToAmg(e.settings, amountUBA)
	if err != nil {
		return 0, err
	}
	if amg > agent.MintedAMG {
		amg = agent.MintedAMG
	}
	if amg == 0 {
		return 0, nil
	}
	staged := agent.Clone()
	staged.MintedAMG -= amg
	if staged.DustAMG > amg {
		staged.DustAMG -= amg
	} else {
		staged.DustAMG = 0
	}
	if staged.DustAMG > staged.MintedAMG {
		staged.DustAMG = staged.MintedAMG
	}
	uba := fasset.ConvertAmgToUBA(e.settings, amg)
	staged.UnderlyingBalanceUBA.Sub(staged.UnderlyingBalanceUBA, uba)
	if err := e.state.PutAgent(staged); err != nil {
		return 0, err
	}
	return amg, nil
}

// ConfirmTopupPayment credits the agent's underlying balance for a confirmed
// top-up payment.
func (e *Engine) ConfirmTopupPayment(vault [20]byte, amountUBA *big.Int) error {
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	staged := agent.Clone()
	staged.UnderlyingBalanceUBA.Add(staged.UnderlyingBalanceUBA, amountUBA)
	return e.state.PutAgent(staged)
}

// ConfirmUnderlyingWithdrawal debits the agent's underlying balance for a
// confirmed announced withdrawal. The balance may go negative; a later
// top-up report corrects it, so it is never clamped.
func (e *Engine) ConfirmUnderlyingWithdrawal(vault [20]byte, amountUBA *big.Int) error {
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	staged := agent.Clone()
	staged.UnderlyingBalanceUBA.Sub(staged.UnderlyingBalanceUBA, amountUBA)
	return e.state.PutAgent(staged)
}

// AnnounceWithdrawal opens the single withdrawal announcement slot. A pending
// announcement may only be overwritten once its own timelock has expired
// unexecuted.
func (e *Engine) AnnounceWithdrawal(vault [20]byte, amountWei *big.Int) (*Announcement, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Live() || agent.Status == StatusDestroying {
		return nil, ErrAgentNotLive
	}
	now := e.now()
	if agent.Withdrawal != nil && now < agent.Withdrawal.AllowedAt {
		return nil, ErrAnnouncementActive
	}
	price, err := e.amgPrice()
	if err != nil {
		return nil, err
	}
	staged := agent.Clone()
	staged.Withdrawal = nil
	free := e.freeCollateralWei(staged, price)
	if free.Cmp(amountWei) < 0 {
		return nil, ErrNotEnoughFreeCollateral
	}
	staged.Withdrawal = &Announcement{
		AmountWei: new(big.Int).Set(amountWei),
		AllowedAt: now + int64(e.settings.WithdrawalWaitSeconds),
	}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return staged.Withdrawal.Clone(), nil
}

// ExecuteWithdrawal performs the announced collateral withdrawal after its
// timelock and clears the slot.
func (e *Engine) ExecuteWithdrawal(vault [20]byte) (*big.Int, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Withdrawal == nil {
		return nil, ErrNoAnnouncement
	}
	if e.now() < agent.Withdrawal.AllowedAt {
		return nil, ErrTimelockNotElapsed
	}
	amount := new(big.Int).Set(agent.Withdrawal.AmountWei)
	staged := agent.Clone()
	staged.Withdrawal = nil
	staged.VaultCollateralWei.Sub(staged.VaultCollateralWei, amount)
	if staged.VaultCollateralWei.Sign() < 0 {
		return nil, ErrNotEnoughFreeCollateral
	}
	price, err := e.amgPrice()
	if err != nil {
		return nil, err
	}
	if e.freeCollateralWei(staged, price).Sign() < 0 {
		return nil, ErrNotEnoughFreeCollateral
	}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return amount, nil
}

// AnnounceDestroy moves an agent with no outstanding backing into Destroying
// and starts the destroy timelock.
func (e *Engine) AnnounceDestroy(vault [20]byte) (*Announcement, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Live() {
		return nil, ErrAgentNotLive
	}
	if agent.BackingAMG() != 0 {
		return nil, ErrBackingOutstanding
	}
	now := e.now()
	if agent.Destroy != nil && now < agent.Destroy.AllowedAt {
		return nil, ErrAnnouncementActive
	}
	staged := agent.Clone()
	staged.Status = StatusDestroying
	staged.Destroy = &Announcement{AllowedAt: now + int64(e.settings.DestroyWaitSeconds)}
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return staged.Destroy.Clone(), nil
}

// ExecuteDestroy finalizes a destroy announcement after its timelock. The
// remaining vault collateral is returned for refund to the owner; the record
// stays queryable with terminal status.
func (e *Engine) ExecuteDestroy(vault [20]byte) (*big.Int, error) {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent.Status != StatusDestroying || agent.Destroy == nil {
		return nil, ErrNoAnnouncement
	}
	if e.now() < agent.Destroy.AllowedAt {
		return nil, ErrTimelockNotElapsed
	}
	if agent.BackingAMG() != 0 {
		return nil, ErrBackingOutstanding
	}
	refund := new(big.Int).Set(agent.VaultCollateralWei)
	staged := agent.Clone()
	staged.Status = StatusDestroyed
	staged.Destroy = nil
	staged.Withdrawal = nil
	staged.VaultCollateralWei = big.NewInt(0)
	if err := e.state.PutAgent(staged); err != nil {
		return nil, err
	}
	return refund, nil
}

// StartLiquidation moves an unhealthy agent from Normal into Liquidation.
func (e *Engine) StartLiquidation(vault [20]byte) error {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if agent.Status != StatusNormal {
		return ErrAgentNotLive
	}
	price, err := e.amgPrice()
	if err != nil {
		return err
	}
	if collateralRatioBIPS(agent, price) >= uint64(e.settings.MinVaultCollateralRatioBIPS) {
		return ErrNotLiquidatable
	}
	staged := agent.Clone()
	staged.Status = StatusLiquidation
	return e.state.PutAgent(staged)
}

// EndLiquidation restores Normal status once the collateral ratio is healthy
// again.
func (e *Engine) EndLiquidation(vault [20]byte) error {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	if agent.Status != StatusLiquidation {
		return ErrAgentNotLive
	}
	price, err := e.amgPrice()
	if err != nil {
		return err
	}
	if collateralRatioBIPS(agent, price) < uint64(e.settings.MinVaultCollateralRatioBIPS) {
		return ErrStillUnhealthy
	}
	staged := agent.Clone()
	staged.Status = StatusNormal
	return e.state.PutAgent(staged)
}

// StartFullLiquidation marks the agent terminally for minting after an
// illegal underlying payment was proven. Privileged; the proof is checked by
// the caller's verification subsystem.
func (e *Engine) StartFullLiquidation(vault [20]byte) error {
	agent, err := e.loadAgent(vault)
	if err != nil {
		return err
	}
	switch agent.Status {
	case StatusNormal, StatusLiquidation:
	default:
		return ErrAgentNotLive
	}
	staged := agent.Clone()
	staged.Status = StatusFullLiquidation
	return e.state.PutAgent(staged)
}

// AnnounceUnderlyingWithdrawal allocates the payment reference an agent must
// attach to an announced underlying chain withdrawal.
func (e *Engine) AnnounceUnderlyingWithdrawal(vault [20]byte) (*fasset.PaymentReference, uint64, error) {
	if _, err := e.loadAgent(vault); err != nil {
		return nil, 0, err
	}
	id, err := e.nextReferenceID(vault)
	if err != nil {
		return nil, 0, err
	}
	return fasset.AnnouncedWithdrawal(id), id, nil
}

func (e *Engine) amgPrice() (*big.Int, error) {
	if e.prices == nil {
		return nil, errNilPriceSource
	}
	price, err := e.prices.AmgToTokenWeiPrice()
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fasset.ErrZeroPrice
	}
	return price, nil
}

// nextReferenceID advances the shared id counter by a randomized skip so
// payment references are not guessable in advance.
func (e *Engine) nextReferenceID(vault [20]byte) (uint64, error) {
	if e.state == nil {
		return 0, errNilState
	}
	seed := make([]byte, 0, 28)
	seed = append(seed, vault[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.now()))
	seed = append(seed, ts[:]...)
	skip := fasset.RandomizedIDSkip(seed, 0)
	return e.state.NextReferenceID(skip)
}

func (e *Engine) loadAgent(vault [20]byte) (*Agent, error) {
	if e.state == nil {
		return nil, errNilState
	}
	agent, err := e.state.GetAgent(vault)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if agent.UnderlyingBalanceUBA == nil {
		agent.UnderlyingBalanceUBA = big.NewInt(0)
	}
	if agent.VaultCollateralWei == nil {
		agent.VaultCollateralWei = big.NewInt(0)
	}
	return agent, nil
}
