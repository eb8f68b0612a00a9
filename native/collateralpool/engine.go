package collateralpool

import (
	"errors"
	"math/big"
	"time"

	"fassetd/native/fasset"
)

var (
	errNilState               = errors.New("collateralpool engine: state not configured")
	errNilLedger              = errors.New("collateralpool engine: agent ledger not configured")
	ErrUnknownPool            = errors.New("collateralpool engine: pool not found")
	ErrDepositTooSmall        = errors.New("collateralpool engine: deposit zero or below bootstrap minimum")
	ErrInvalidAmount          = errors.New("collateralpool engine: amount must be positive")
	ErrInsufficientBalance    = errors.New("collateralpool engine: unlocked token balance too low")
	ErrInsufficientFeeBalance = errors.New("collateralpool engine: amount exceeds fee entitlement")
	ErrInsufficientLots       = errors.New("collateralpool engine: exit would close a partial lot")
)

type engineState interface {
	GetPool(agent [20]byte) (*Pool, error)
	PutPool(pool *Pool) error
	GetAccount(agent, holder [20]byte) (*Account, error)
	PutAccount(acct *Account) error
	DeleteAccount(agent, holder [20]byte) error
}

// AgentLedger is the slice of the agent ledger a self-close exit needs.
type AgentLedger interface {
	MintedAMG(vault [20]byte) (uint64, error)
	SelfClose(vault [20]byte, amountUBA *big.Int) (uint64, error)
}

// Engine implements pool share accounting for agent collateral pools. Token
// balances, NAT collateral and f-asset fees are tracked per pool; fee
// entitlements use virtual-fee debt accounting so that entering, exiting and
// withdrawing never shift another holder's share.
type Engine struct {
	state    engineState
	ledger   AgentLedger
	settings fasset.Settings
	nowFn    func() int64
}

// NewEngine constructs a pool accounting engine with the supplied settings.
func NewEngine(settings fasset.Settings) *Engine {
	return &Engine{
		settings: settings.Normalise(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAgentLedger wires the agent ledger used by self-close exits.
func (e *Engine) SetAgentLedger(ledger AgentLedger) { e.ledger = ledger }

// UpdateSettings replaces the protocol settings. The caller serializes this
// with in-flight operations.
func (e *Engine) UpdateSettings(s fasset.Settings) { e.settings = s.Normalise() }

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Enter deposits NAT collateral and mints pool tokens. The first deposit
// bootstraps the pool one token per wei and must meet the bootstrap minimum;
// later deposits mint pro rata against the pool's NAT balance. Minted tokens
// are timelocked and the entrant is charged fee debt equal to its pro-rata
// slice of previously accrued fees.
func (e *Engine) Enter(agent, holder [20]byte, natWei *big.Int) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if natWei == nil || natWei.Sign() <= 0 {
		return nil, ErrDepositTooSmall
	}
	pool, err := e.loadOrInitPool(agent)
	if err != nil {
		return nil, err
	}
	staged := pool.Clone()
	var tokens, gross *big.Int
	if staged.TokenSupply.Sign() == 0 {
		if natWei.Cmp(e.settings.MinBootstrapDepositWei) < 0 {
			return nil, ErrDepositTooSmall
		}
		tokens = new(big.Int).Set(natWei)
		gross = big.NewInt(0)
	} else {
		if staged.NatBalanceWei.Sign() == 0 {
			// A payout can drain NAT while tokens and accrued fees remain;
			// re-enter at the bootstrap rate but still charge fee debt
			// against the live supply.
			tokens = new(big.Int).Set(natWei)
		} else {
			tokens = new(big.Int).Mul(natWei, staged.TokenSupply)
			tokens.Quo(tokens, staged.NatBalanceWei)
			if tokens.Sign() == 0 {
				return nil, ErrDepositTooSmall
			}
		}
		gross = new(big.Int).Mul(staged.VirtualFeesUBA, tokens)
		gross.Quo(gross, staged.TokenSupply)
	}
	staged.TokenSupply.Add(staged.TokenSupply, tokens)
	staged.NatBalanceWei.Add(staged.NatBalanceWei, natWei)
	staged.VirtualFeesUBA.Add(staged.VirtualFeesUBA, gross)

	acct, err := e.loadOrInitAccount(agent, holder)
	if err != nil {
		return nil, err
	}
	stagedAcct := acct.Clone()
	now := e.now()
	stagedAcct.pruneLocked(now)
	stagedAcct.Tokens.Add(stagedAcct.Tokens, tokens)
	stagedAcct.FeeDebtUBA.Add(stagedAcct.FeeDebtUBA, gross)
	if e.settings.PoolTokenTimelockSeconds > 0 {
		stagedAcct.Locked = append(stagedAcct.Locked, TokenBatch{
			Amount:   new(big.Int).Set(tokens),
			UnlockAt: now + int64(e.settings.PoolTokenTimelockSeconds),
		})
	}
	if err := e.state.PutAccount(stagedAcct); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(staged); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Exit burns unlocked pool tokens and pays out the proportional NAT share.
// The holder's fee entitlement is untouched: the exited tokens' virtual fee
// slice is removed from both the pool total and the holder's debt, so the
// entitlement carries over (as negative debt once all tokens are gone).
func (e *Engine) Exit(agent, holder [20]byte, tokens *big.Int) (*big.Int, error) {
	pool, acct, err := e.loadForExit(agent, holder, tokens)
	if err != nil {
		return nil, err
	}
	return e.exit(pool, acct, tokens)
}

// SelfCloseExitResult reports the balance movements of a self-close exit.
type SelfCloseExitResult struct {
	NatWei    *big.Int
	ClosedAMG uint64
}

// SelfCloseExit is Exit plus a self-close of the exited share of the agent's
// minted backing. Sub-lot close amounts are rounded down to whole lots, or
// rejected outright when whole-lot closes are required. Exiting the entire
// supply closes the full minted position regardless of lot alignment.
func (e *Engine) SelfCloseExit(agent, holder [20]byte, tokens *big.Int) (*SelfCloseExitResult, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	pool, acct, err := e.loadForExit(agent, holder, tokens)
	if err != nil {
		return nil, err
	}
	minted, err := e.ledger.MintedAMG(agent)
	if err != nil {
		return nil, err
	}
	closeAMG := proportionalAMG(minted, tokens, pool.TokenSupply)
	if closeAMG != minted {
		remainder := closeAMG % e.settings.LotSizeAMG
		if remainder != 0 {
			if e.settings.RequireWholeLotSelfClose {
				return nil, ErrInsufficientLots
			}
			closeAMG -= remainder
		}
	}
	result := &SelfCloseExitResult{}
	if closeAMG > 0 {
		closed, err := e.ledger.SelfClose(agent, fasset.ConvertAmgToUBA(e.settings, closeAMG))
		if err != nil {
			return nil, err
		}
		result.ClosedAMG = closed
	}
	natWei, err := e.exit(pool, acct, tokens)
	if err != nil {
		return nil, err
	}
	result.NatWei = natWei
	return result, nil
}

// WithdrawFees pays out part of the holder's f-asset fee entitlement. Token
// balances and supply are untouched; only fee debt and the pool's held fee
// balance move.
func (e *Engine) WithdrawFees(agent, holder [20]byte, amountUBA *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool(agent)
	if err != nil {
		return err
	}
	acct, err := e.state.GetAccount(agent, holder)
	if err != nil {
		return err
	}
	if acct == nil {
		return ErrInsufficientFeeBalance
	}
	acct = acct.Clone()
	normalizeAccount(acct)
	if feeShare(pool, acct).Cmp(amountUBA) < 0 {
		return ErrInsufficientFeeBalance
	}
	staged := pool.Clone()
	staged.FeeBalanceUBA.Sub(staged.FeeBalanceUBA, amountUBA)
	if staged.FeeBalanceUBA.Sign() < 0 {
		return ErrInsufficientFeeBalance
	}
	acct.FeeDebtUBA.Add(acct.FeeDebtUBA, amountUBA)
	if err := e.state.PutAccount(acct); err != nil {
		return err
	}
	return e.state.PutPool(staged)
}

// FAssetFeeDeposited credits minting fees to the pool. No tokens move; every
// current holder's entitlement grows pro rata.
func (e *Engine) FAssetFeeDeposited(agent [20]byte, amountUBA *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool(agent)
	if err != nil {
		return err
	}
	staged := pool.Clone()
	staged.VirtualFeesUBA.Add(staged.VirtualFeesUBA, amountUBA)
	staged.FeeBalanceUBA.Add(staged.FeeBalanceUBA, amountUBA)
	return e.state.PutPool(staged)
}

// Payout drains NAT collateral without burning tokens, for redemption
// defaults and liquidation payouts. The agent's responsibility for the drain
// is recorded for reconciliation. State is committed before the caller moves
// any funds.
func (e *Engine) Payout(agent [20]byte, amountWei, agentResponsibilityWei *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.loadPool(agent)
	if err != nil {
		return err
	}
	if pool.NatBalanceWei.Cmp(amountWei) < 0 {
		return ErrInsufficientBalance
	}
	staged := pool.Clone()
	staged.NatBalanceWei.Sub(staged.NatBalanceWei, amountWei)
	if agentResponsibilityWei != nil && agentResponsibilityWei.Sign() > 0 {
		staged.AgentResponsibilityWei.Add(staged.AgentResponsibilityWei, agentResponsibilityWei)
	}
	return e.state.PutPool(staged)
}

// GetPool returns a copy of the pool record.
func (e *Engine) GetPool(agent [20]byte) (*Pool, error) {
	pool, err := e.loadPool(agent)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// GetAccount returns a copy of the holder's account, or nil when the holder
// has no position.
func (e *Engine) GetAccount(agent, holder [20]byte) (*Account, error) {
	if e.state == nil {
		return nil, errNilState
	}
	acct, err := e.state.GetAccount(agent, holder)
	if err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// FeeShareOf returns the holder's current withdrawable f-asset fee
// entitlement.
func (e *Engine) FeeShareOf(agent, holder [20]byte) (*big.Int, error) {
	pool, err := e.loadPool(agent)
	if err != nil {
		return nil, err
	}
	acct, err := e.state.GetAccount(agent, holder)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return big.NewInt(0), nil
	}
	acct = acct.Clone()
	normalizeAccount(acct)
	return feeShare(pool, acct), nil
}

func (e *Engine) loadForExit(agent, holder [20]byte, tokens *big.Int) (*Pool, *Account, error) {
	if e.state == nil {
		return nil, nil, errNilState
	}
	if tokens == nil || tokens.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	pool, err := e.loadPool(agent)
	if err != nil {
		return nil, nil, err
	}
	acct, err := e.state.GetAccount(agent, holder)
	if err != nil {
		return nil, nil, err
	}
	if acct == nil {
		return nil, nil, ErrInsufficientBalance
	}
	acct = acct.Clone()
	normalizeAccount(acct)
	acct.pruneLocked(e.now())
	if acct.UnlockedTokens(e.now()).Cmp(tokens) < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	return pool, acct, nil
}

// exit burns tokens from an already validated position. pool and acct are
// private staged copies owned by the caller.
func (e *Engine) exit(pool *Pool, acct *Account, tokens *big.Int) (*big.Int, error) {
	staged := pool.Clone()
	natShare := new(big.Int).Mul(tokens, staged.NatBalanceWei)
	natShare.Quo(natShare, staged.TokenSupply)
	gross := new(big.Int).Mul(tokens, staged.VirtualFeesUBA)
	gross.Quo(gross, staged.TokenSupply)

	staged.TokenSupply.Sub(staged.TokenSupply, tokens)
	staged.NatBalanceWei.Sub(staged.NatBalanceWei, natShare)
	staged.VirtualFeesUBA.Sub(staged.VirtualFeesUBA, gross)

	acct.Tokens.Sub(acct.Tokens, tokens)
	acct.FeeDebtUBA.Sub(acct.FeeDebtUBA, gross)

	if acct.Tokens.Sign() == 0 && acct.FeeDebtUBA.Sign() == 0 && len(acct.Locked) == 0 {
		if err := e.state.DeleteAccount(acct.Agent, acct.Holder); err != nil {
			return nil, err
		}
	} else if err := e.state.PutAccount(acct); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(staged); err != nil {
		return nil, err
	}
	return natShare, nil
}

// feeShare is tokens/supply of the virtual fee total minus the holder's debt,
// floored at zero.
func feeShare(pool *Pool, acct *Account) *big.Int {
	gross := big.NewInt(0)
	if pool.TokenSupply != nil && pool.TokenSupply.Sign() > 0 {
		gross.Mul(acct.Tokens, pool.VirtualFeesUBA)
		gross.Quo(gross, pool.TokenSupply)
	}
	share := gross.Sub(gross, acct.FeeDebtUBA)
	if share.Sign() < 0 {
		return big.NewInt(0)
	}
	return share
}

// proportionalAMG returns minted * tokens / supply, clamped to minted.
func proportionalAMG(minted uint64, tokens, supply *big.Int) uint64 {
	if supply == nil || supply.Sign() == 0 || minted == 0 {
		return 0
	}
	share := new(big.Int).Mul(new(big.Int).SetUint64(minted), tokens)
	share.Quo(share, supply)
	if !share.IsUint64() || share.Uint64() > minted {
		return minted
	}
	return share.Uint64()
}

func (e *Engine) loadPool(agent [20]byte) (*Pool, error) {
	if e.state == nil {
		return nil, errNilState
	}
	pool, err := e.state.GetPool(agent)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrUnknownPool
	}
	normalizePool(pool)
	return pool, nil
}

func (e *Engine) loadOrInitPool(agent [20]byte) (*Pool, error) {
	pool, err := e.state.GetPool(agent)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		pool = &Pool{Agent: agent}
	}
	normalizePool(pool)
	return pool, nil
}

func (e *Engine) loadOrInitAccount(agent, holder [20]byte) (*Account, error) {
	acct, err := e.state.GetAccount(agent, holder)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{Agent: agent, Holder: holder}
	}
	normalizeAccount(acct)
	return acct, nil
}

func normalizePool(pool *Pool) {
	if pool.TokenSupply == nil {
		pool.TokenSupply = big.NewInt(0)
	}
	if pool.NatBalanceWei == nil {
		pool.NatBalanceWei = big.NewInt(0)
	}
	if pool.VirtualFeesUBA == nil {
		pool.VirtualFeesUBA = big.NewInt(0)
	}
	if pool.FeeBalanceUBA == nil {
		pool.FeeBalanceUBA = big.NewInt(0)
	}
	if pool.AgentResponsibilityWei == nil {
		pool.AgentResponsibilityWei = big.NewInt(0)
	}
}

func normalizeAccount(acct *Account) {
	if acct.Tokens == nil {
		acct.Tokens = big.NewInt(0)
	}
	if acct.FeeDebtUBA == nil {
		acct.FeeDebtUBA = big.NewInt(0)
	}
}
