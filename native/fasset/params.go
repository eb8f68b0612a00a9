package fasset

import (
	"math/big"
)

// Default protocol values applied by Normalise when the corresponding field is
// unset. Amounts are expressed in the unit systems described in types.go.
const (
	defaultMintingGranularityUBA    = 10_000
	defaultLotSizeAMG               = 1_000
	defaultMinVaultCRBIPS           = 14_000
	defaultMinPoolCRBIPS            = 20_000
	defaultWithdrawalWaitSeconds    = 300
	defaultDestroyWaitSeconds       = 86_400
	defaultPoolTokenTimelockSeconds = 3_600
	defaultMaxTrustedPriceAge       = 600
	defaultPoolFeeShareBIPS         = 3_000
	defaultMaxSpreadBIPS            = 200
)

// MaxBIPS is the denominator used for all basis-point arithmetic.
const MaxBIPS = 10_000

// Settings groups the governance controlled parameters shared by the agent
// ledger, the collateral pool and the price aggregation engine. A settings
// value is passed explicitly into each engine constructor; updates replace the
// whole snapshot rather than mutating fields in place.
type Settings struct {
	// AssetMintingGranularityUBA is the number of underlying minimal units
	// represented by one AMG.
	AssetMintingGranularityUBA uint64
	// LotSizeAMG is the minimum mintable quantum expressed in AMG.
	LotSizeAMG uint64
	// AssetDecimals is the decimals count of the underlying asset.
	AssetDecimals uint8
	// MinVaultCollateralRatioBIPS is the lowest vault collateral ratio an
	// agent may configure.
	MinVaultCollateralRatioBIPS uint32
	// MinPoolCollateralRatioBIPS is the lowest pool collateral ratio an agent
	// may configure.
	MinPoolCollateralRatioBIPS uint32
	// WithdrawalWaitSeconds is the timelock between a collateral withdrawal
	// announcement and its execution.
	WithdrawalWaitSeconds uint64
	// DestroyWaitSeconds is the timelock between a destroy announcement and
	// vault destruction.
	DestroyWaitSeconds uint64
	// PoolTokenTimelockSeconds is how long newly minted pool tokens stay
	// debt-locked.
	PoolTokenTimelockSeconds uint64
	// MinBootstrapDepositWei is the smallest NAT deposit accepted while the
	// pool token supply is zero.
	MinBootstrapDepositWei *big.Int
	// RequireWholeLotSelfClose makes selfCloseExit fail instead of rounding a
	// sub-lot closure down to zero.
	RequireWholeLotSelfClose bool
	// MaxTrustedPriceAgeSeconds bounds how stale a trusted median may be
	// before ratio computations fall back to the canonical feed.
	MaxTrustedPriceAgeSeconds uint64
	// PoolFeeShareBIPS is the share of each minting fee routed to the
	// collateral pool.
	PoolFeeShareBIPS uint32
	// MaxSpreadBIPS bounds the accepted spread between middle submissions
	// when finalizing a trusted median.
	MaxSpreadBIPS uint32
}

// Normalise applies protocol defaults to unset fields and returns the
// completed settings value. The receiver is not mutated.
func (s Settings) Normalise() Settings {
	cfg := s
	if cfg.AssetMintingGranularityUBA == 0 {
		cfg.AssetMintingGranularityUBA = defaultMintingGranularityUBA
	}
	if cfg.LotSizeAMG == 0 {
		cfg.LotSizeAMG = defaultLotSizeAMG
	}
	if cfg.MinVaultCollateralRatioBIPS == 0 {
		cfg.MinVaultCollateralRatioBIPS = defaultMinVaultCRBIPS
	}
	if cfg.MinPoolCollateralRatioBIPS == 0 {
		cfg.MinPoolCollateralRatioBIPS = defaultMinPoolCRBIPS
	}
	if cfg.WithdrawalWaitSeconds == 0 {
		cfg.WithdrawalWaitSeconds = defaultWithdrawalWaitSeconds
	}
	if cfg.DestroyWaitSeconds == 0 {
		cfg.DestroyWaitSeconds = defaultDestroyWaitSeconds
	}
	if cfg.PoolTokenTimelockSeconds == 0 {
		cfg.PoolTokenTimelockSeconds = defaultPoolTokenTimelockSeconds
	}
	if cfg.MinBootstrapDepositWei == nil || cfg.MinBootstrapDepositWei.Sign() <= 0 {
		cfg.MinBootstrapDepositWei = new(big.Int).Set(minBootstrapDeposit)
	} else {
		cfg.MinBootstrapDepositWei = new(big.Int).Set(cfg.MinBootstrapDepositWei)
	}
	if cfg.MaxTrustedPriceAgeSeconds == 0 {
		cfg.MaxTrustedPriceAgeSeconds = defaultMaxTrustedPriceAge
	}
	if cfg.PoolFeeShareBIPS == 0 {
		cfg.PoolFeeShareBIPS = defaultPoolFeeShareBIPS
	}
	if cfg.PoolFeeShareBIPS > MaxBIPS {
		cfg.PoolFeeShareBIPS = MaxBIPS
	}
	if cfg.MaxSpreadBIPS == 0 {
		cfg.MaxSpreadBIPS = defaultMaxSpreadBIPS
	}
	return cfg
}

// LotSizeUBA returns the lot size converted to underlying minimal units.
func (s Settings) LotSizeUBA() *big.Int {
	lot := new(big.Int).SetUint64(s.LotSizeAMG)
	return lot.Mul(lot, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
}
