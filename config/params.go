package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"

	"fassetd/native/fasset"
)

// Params is the governance-editable protocol parameter document. Zero values
// fall back to the protocol defaults when folded into settings.
type Params struct {
	MintingGranularityUBA     uint64 `toml:"MintingGranularityUBA"`
	LotSizeAMG                uint64 `toml:"LotSizeAMG"`
	AssetDecimals             uint8  `toml:"AssetDecimals"`
	MinVaultCRBIPS            uint32 `toml:"MinVaultCRBIPS"`
	MinPoolCRBIPS             uint32 `toml:"MinPoolCRBIPS"`
	WithdrawalWaitSeconds     uint64 `toml:"WithdrawalWaitSeconds"`
	DestroyWaitSeconds        uint64 `toml:"DestroyWaitSeconds"`
	PoolTokenTimelockSeconds  uint64 `toml:"PoolTokenTimelockSeconds"`
	MinBootstrapDepositWei    string `toml:"MinBootstrapDepositWei"`
	RequireWholeLotSelfClose  bool   `toml:"RequireWholeLotSelfClose"`
	MaxTrustedPriceAgeSeconds uint64 `toml:"MaxTrustedPriceAgeSeconds"`
	PoolFeeShareBIPS          uint32 `toml:"PoolFeeShareBIPS"`
	MaxSpreadBIPS             uint32 `toml:"MaxSpreadBIPS"`
}

// LoadParams reads a protocol parameter file and returns normalised settings.
// Unknown keys are rejected so a typo cannot silently fall back to a default.
func LoadParams(path string) (fasset.Settings, error) {
	params := Params{}
	meta, err := toml.DecodeFile(path, &params)
	if err != nil {
		return fasset.Settings{}, fmt.Errorf("decode protocol params: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fasset.Settings{}, fmt.Errorf("protocol params %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return params.Settings()
}

// Settings folds the document into protocol settings, applying defaults for
// unset fields.
func (p Params) Settings() (fasset.Settings, error) {
	var minBootstrap *big.Int
	if raw := strings.TrimSpace(p.MinBootstrapDepositWei); raw != "" {
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok || amount.Sign() <= 0 {
			return fasset.Settings{}, fmt.Errorf("invalid MinBootstrapDepositWei %q", raw)
		}
		minBootstrap = amount
	}
	return fasset.Settings{
		AssetMintingGranularityUBA:  p.MintingGranularityUBA,
		LotSizeAMG:                  p.LotSizeAMG,
		AssetDecimals:               p.AssetDecimals,
		MinVaultCollateralRatioBIPS: p.MinVaultCRBIPS,
		MinPoolCollateralRatioBIPS:  p.MinPoolCRBIPS,
		WithdrawalWaitSeconds:       p.WithdrawalWaitSeconds,
		DestroyWaitSeconds:          p.DestroyWaitSeconds,
		PoolTokenTimelockSeconds:    p.PoolTokenTimelockSeconds,
		MinBootstrapDepositWei:      minBootstrap,
		RequireWholeLotSelfClose:    p.RequireWholeLotSelfClose,
		MaxTrustedPriceAgeSeconds:   p.MaxTrustedPriceAgeSeconds,
		PoolFeeShareBIPS:            p.PoolFeeShareBIPS,
		MaxSpreadBIPS:               p.MaxSpreadBIPS,
	}.Normalise(), nil
}
