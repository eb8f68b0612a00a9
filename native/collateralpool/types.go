package collateralpool

import (
	"math/big"
)

// Pool is the per-agent collateral pool ledger. VirtualFeesUBA is the
// token-proportional fee total including already withdrawn shares;
// FeeBalanceUBA is what the pool actually still holds. The identity
// VirtualFeesUBA - sum(holder fee debts) == FeeBalanceUBA is maintained by
// every operation.
type Pool struct {
	Agent [20]byte

	TokenSupply   *big.Int
	NatBalanceWei *big.Int

	VirtualFeesUBA *big.Int
	FeeBalanceUBA  *big.Int

	// Cumulative collateral drained through Payout that the agent owes the
	// pool. Recorded for external reconciliation, never netted here.
	AgentResponsibilityWei *big.Int
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TokenSupply = cloneBig(p.TokenSupply)
	clone.NatBalanceWei = cloneBig(p.NatBalanceWei)
	clone.VirtualFeesUBA = cloneBig(p.VirtualFeesUBA)
	clone.FeeBalanceUBA = cloneBig(p.FeeBalanceUBA)
	clone.AgentResponsibilityWei = cloneBig(p.AgentResponsibilityWei)
	return &clone
}

// TokenBatch is a tranche of pool tokens locked until UnlockAt.
type TokenBatch struct {
	Amount   *big.Int
	UnlockAt int64
}

// Account is a holder's position in one agent's pool. FeeDebtUBA may go
// negative: an exited holder's remaining fee entitlement is carried as
// negative debt so exits never touch it.
type Account struct {
	Agent  [20]byte
	Holder [20]byte

	Tokens     *big.Int
	FeeDebtUBA *big.Int

	Locked []TokenBatch
}

// Clone returns a deep copy of the account record.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Tokens = cloneBig(a.Tokens)
	clone.FeeDebtUBA = cloneBig(a.FeeDebtUBA)
	if len(a.Locked) > 0 {
		clone.Locked = make([]TokenBatch, len(a.Locked))
		for i, batch := range a.Locked {
			clone.Locked[i] = TokenBatch{Amount: cloneBig(batch.Amount), UnlockAt: batch.UnlockAt}
		}
	}
	return &clone
}

// UnlockedTokens returns the token balance free of the entry timelock at the
// given time.
func (a *Account) UnlockedTokens(now int64) *big.Int {
	unlocked := new(big.Int).Set(a.Tokens)
	for _, batch := range a.Locked {
		if batch.UnlockAt > now && batch.Amount != nil {
			unlocked.Sub(unlocked, batch.Amount)
		}
	}
	if unlocked.Sign() < 0 {
		return big.NewInt(0)
	}
	return unlocked
}

// pruneLocked drops batches whose timelock has elapsed.
func (a *Account) pruneLocked(now int64) {
	kept := a.Locked[:0]
	for _, batch := range a.Locked {
		if batch.UnlockAt > now {
			kept = append(kept, batch)
		}
	}
	if len(kept) == 0 {
		a.Locked = nil
		return
	}
	a.Locked = kept
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
