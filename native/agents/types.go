package agents

import (
	"math/big"
)

// Status enumerates the agent vault lifecycle. Empty and Destroyed are not
// live; most operations require a live status.
type Status uint8

const (
	StatusEmpty Status = iota
	StatusNormal
	StatusLiquidation
	StatusFullLiquidation
	StatusDestroying
	StatusDestroyed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusDestroyed
}

// Live reports whether the agent can participate in protocol operations.
func (s Status) Live() bool {
	switch s {
	case StatusNormal, StatusLiquidation, StatusFullLiquidation, StatusDestroying:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusNormal:
		return "normal"
	case StatusLiquidation:
		return "liquidation"
	case StatusFullLiquidation:
		return "full-liquidation"
	case StatusDestroying:
		return "destroying"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Announcement is a single-slot timelocked intent. Executed announcements
// clear the slot; expired unexecuted announcements may be overwritten.
type Announcement struct {
	AmountWei *big.Int
	AllowedAt int64
}

// Clone returns a deep copy of the announcement.
func (a *Announcement) Clone() *Announcement {
	if a == nil {
		return nil
	}
	clone := *a
	if a.AmountWei != nil {
		clone.AmountWei = new(big.Int).Set(a.AmountWei)
	}
	return &clone
}

// Agent is the per-vault ledger record. AMG balances are unsigned; the
// underlying balance is signed and may transiently go negative when
// unreported deposits combine with other operations.
type Agent struct {
	Vault  [20]byte
	Status Status

	MintedAMG        uint64
	ReservedAMG      uint64
	RedeemingAMG     uint64
	PoolRedeemingAMG uint64
	DustAMG          uint64

	MintingVaultCollateralRatioBIPS uint32
	MintingPoolCollateralRatioBIPS  uint32

	UnderlyingBalanceUBA *big.Int
	VaultCollateralWei   *big.Int

	Withdrawal *Announcement
	Destroy    *Announcement

	CreatedAt int64
}

// Clone returns a deep copy so the engine can stage mutations and commit them
// only on success.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.UnderlyingBalanceUBA != nil {
		clone.UnderlyingBalanceUBA = new(big.Int).Set(a.UnderlyingBalanceUBA)
	}
	if a.VaultCollateralWei != nil {
		clone.VaultCollateralWei = new(big.Int).Set(a.VaultCollateralWei)
	}
	clone.Withdrawal = a.Withdrawal.Clone()
	clone.Destroy = a.Destroy.Clone()
	return &clone
}

// BackingAMG returns the AMG total the agent's collateral must cover.
func (a *Agent) BackingAMG() uint64 {
	return a.MintedAMG + a.ReservedAMG + a.RedeemingAMG
}

// CollateralReservation records AMG reserved for a minting that has not been
// paid for on the underlying chain yet.
type CollateralReservation struct {
	ID        uint64
	Vault     [20]byte
	AmountAMG uint64
	FeeUBA    *big.Int
	CreatedAt int64
}

// Clone returns a deep copy of the reservation.
func (r *CollateralReservation) Clone() *CollateralReservation {
	if r == nil {
		return nil
	}
	clone := *r
	if r.FeeUBA != nil {
		clone.FeeUBA = new(big.Int).Set(r.FeeUBA)
	}
	return &clone
}

// RedemptionRequest records AMG moved from minted to redeeming while an
// underlying payment is outstanding.
type RedemptionRequest struct {
	ID        uint64
	Vault     [20]byte
	AmountAMG uint64
	// PoolSelfClose marks redemptions initiated by the collateral pool's
	// self-close exit; their AMG is also tracked in PoolRedeemingAMG.
	PoolSelfClose bool
	CreatedAt     int64
}

// Clone returns a copy of the redemption request.
func (r *RedemptionRequest) Clone() *RedemptionRequest {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
