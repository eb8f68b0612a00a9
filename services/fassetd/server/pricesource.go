package server

import (
	"math/big"

	"fassetd/native/fasset"
	"fassetd/native/pricefeed"
)

// FeedPriceSource derives the AMG to collateral token wei conversion price
// from a pair of price feeds. Each leg prefers the trusted median while it is
// fresh and falls back to the canonical price otherwise.
type FeedPriceSource struct {
	prices        *pricefeed.Engine
	settings      fasset.Settings
	assetFeed     string
	tokenFeed     string
	tokenDecimals uint8
}

// NewFeedPriceSource wires a price source over the given feed pair.
func NewFeedPriceSource(prices *pricefeed.Engine, settings fasset.Settings, assetFeed, tokenFeed string, tokenDecimals uint8) *FeedPriceSource {
	return &FeedPriceSource{
		prices:        prices,
		settings:      settings.Normalise(),
		assetFeed:     assetFeed,
		tokenFeed:     tokenFeed,
		tokenDecimals: tokenDecimals,
	}
}

// UpdateSettings replaces the settings snapshot used for price composition.
// The caller serializes this with in-flight reads.
func (f *FeedPriceSource) UpdateSettings(s fasset.Settings) {
	f.settings = s.Normalise()
}

// AmgToTokenWeiPrice implements the price source consumed by the agent
// ledger.
func (f *FeedPriceSource) AmgToTokenWeiPrice() (*big.Int, error) {
	assetReading, err := f.read(f.assetFeed)
	if err != nil {
		return nil, err
	}
	tokenReading, err := f.read(f.tokenFeed)
	if err != nil {
		return nil, err
	}
	return fasset.CalcAmgToTokenWeiPrice(
		f.settings,
		f.tokenDecimals,
		tokenReading.Value, int8(tokenReading.Decimals),
		assetReading.Value, int8(assetReading.Decimals),
	)
}

func (f *FeedPriceSource) read(feedID string) (pricefeed.PriceReading, error) {
	fresh, err := f.prices.TrustedPriceFresh(feedID)
	if err != nil {
		return pricefeed.PriceReading{}, err
	}
	if fresh {
		return f.prices.ReadTrustedPrice(feedID)
	}
	return f.prices.ReadPrice(feedID)
}
