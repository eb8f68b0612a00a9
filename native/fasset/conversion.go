package fasset

import (
	"errors"
	"math"
	"math/big"
)

var (
	// ErrAMGRange is returned when a converted amount does not fit the
	// uint64 AMG range.
	ErrAMGRange = errors.New("fasset conversion: amount exceeds AMG range")
	// ErrExponentTooLarge is returned when a price ratio would require more
	// than 256-bit precision to represent.
	ErrExponentTooLarge = errors.New("fasset conversion: decimal exponent out of range")
	// ErrZeroPrice is returned when a conversion is attempted against a zero
	// price ratio.
	ErrZeroPrice = errors.New("fasset conversion: price must be positive")
)

// AmgToTokenWeiPriceScale is the fixed-point scale carried by every
// AMG-to-token-wei price ratio. Prices are multiplied by the scale when
// composed and divided out again when amounts are converted, keeping the
// intermediate precision at 1e9 fractional token wei per AMG.
const AmgToTokenWeiPriceScaleExp = 9

var amgToTokenWeiPriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(AmgToTokenWeiPriceScaleExp), nil)

// Largest combined decimal exponent accepted by CalcAmgToTokenWeiPrice. The
// bound keeps every intermediate below 2^256 for realistic price magnitudes.
const maxPriceExponent = 70

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

// minBootstrapDeposit mirrors the pool bootstrap floor: 1 NAT in wei.
var minBootstrapDeposit = mustBigInt("1000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// CalcAmgToTokenWeiPrice composes the collateral token price and the
// underlying asset price into a single scaled ratio usable by
// ConvertAmgToTokenWei. Feed decimals may be negative, meaning the reported
// value is already scaled up by that many digits.
//
// The ratio is assetPrice/tokenPrice re-expressed from whole assets to AMG and
// from whole tokens to wei:
//
//	price = assetPrice * 10^(tokenDecimals + tokenFeedDecimals + scaleExp)
//	        --------------------------------------------------------------
//	        tokenPrice * 10^(assetDecimals + assetFeedDecimals) / amgUBA... (folded below)
func CalcAmgToTokenWeiPrice(s Settings, tokenDecimals uint8, tokenPrice uint64, tokenFeedDecimals int8, assetPrice uint64, assetFeedDecimals int8) (*big.Int, error) {
	if tokenPrice == 0 {
		return nil, ErrZeroPrice
	}
	// Exponent of the numerator minus exponent of the denominator. AMG
	// granularity moves asset decimals from the denominator into the
	// conversion itself.
	expPlus := int64(tokenDecimals) + int64(tokenFeedDecimals) + AmgToTokenWeiPriceScaleExp
	expMinus := int64(assetDecimals(s)) + int64(assetFeedDecimals)
	if expPlus < -maxPriceExponent || expPlus > maxPriceExponent || expMinus < -maxPriceExponent || expMinus > maxPriceExponent {
		return nil, ErrExponentTooLarge
	}
	num := new(big.Int).SetUint64(assetPrice)
	num.Mul(num, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
	den := new(big.Int).SetUint64(tokenPrice)
	applyExponent(num, den, expPlus)
	applyExponent(den, num, expMinus)
	if den.Sign() == 0 {
		return nil, ErrZeroPrice
	}
	return num.Quo(num, den), nil
}

// applyExponent multiplies target by 10^exp when exp is positive and the
// opposite side when it is negative, keeping every intermediate integral.
func applyExponent(target, opposite *big.Int, exp int64) {
	if exp == 0 {
		return
	}
	abs := exp
	if abs < 0 {
		abs = -abs
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(abs), nil)
	if exp > 0 {
		target.Mul(target, factor)
	} else {
		opposite.Mul(opposite, factor)
	}
}

func assetDecimals(s Settings) uint8 {
	if s.AssetDecimals != 0 {
		return s.AssetDecimals
	}
	// Derive from granularity when unset: granularity = 10^(decimals - amgDecimals).
	d := uint8(0)
	g := s.AssetMintingGranularityUBA
	for g >= 10 {
		g /= 10
		d++
	}
	return d
}

// ConvertAmgToTokenWei converts an AMG amount to collateral token wei using a
// ratio produced by CalcAmgToTokenWeiPrice. Truncation is the only rounding
// loss.
func ConvertAmgToTokenWei(amountAMG uint64, amgToTokenWeiPrice *big.Int) *big.Int {
	if amgToTokenWeiPrice == nil || amgToTokenWeiPrice.Sign() <= 0 || amountAMG == 0 {
		return big.NewInt(0)
	}
	wei := new(big.Int).SetUint64(amountAMG)
	wei.Mul(wei, amgToTokenWeiPrice)
	return wei.Quo(wei, amgToTokenWeiPriceScale)
}

// ConvertTokenWeiToAMG converts collateral token wei back to AMG, truncating
// toward zero so that dust always stays on the collateral side.
func ConvertTokenWeiToAMG(amountWei, amgToTokenWeiPrice *big.Int) (uint64, error) {
	if amgToTokenWeiPrice == nil || amgToTokenWeiPrice.Sign() <= 0 {
		return 0, ErrZeroPrice
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return 0, nil
	}
	amg := new(big.Int).Mul(amountWei, amgToTokenWeiPriceScale)
	amg.Quo(amg, amgToTokenWeiPrice)
	if amg.Cmp(maxUint64) > 0 {
		return 0, ErrAMGRange
	}
	return amg.Uint64(), nil
}

// ConvertUBAToAmg converts underlying minimal units to AMG, truncating toward
// zero. Negative amounts convert to zero.
func ConvertUBAToAmg(s Settings, amountUBA *big.Int) (uint64, error) {
	if amountUBA == nil || amountUBA.Sign() <= 0 {
		return 0, nil
	}
	amg := new(big.Int).Quo(amountUBA, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
	if amg.Cmp(maxUint64) > 0 {
		return 0, ErrAMGRange
	}
	return amg.Uint64(), nil
}

// ConvertAmgToUBA converts AMG to underlying minimal units exactly.
func ConvertAmgToUBA(s Settings, amountAMG uint64) *big.Int {
	uba := new(big.Int).SetUint64(amountAMG)
	return uba.Mul(uba, new(big.Int).SetUint64(s.AssetMintingGranularityUBA))
}

// Lots returns the number of whole lots contained in the AMG amount together
// with the sub-lot remainder.
func Lots(s Settings, amountAMG uint64) (lots uint64, remainderAMG uint64) {
	if s.LotSizeAMG == 0 {
		return 0, amountAMG
	}
	return amountAMG / s.LotSizeAMG, amountAMG % s.LotSizeAMG
}
