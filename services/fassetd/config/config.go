package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for fassetd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	DatabasePath  string `yaml:"database"`
	// ProtocolParamsPath points at a governance-managed TOML parameter
	// document. When set it supersedes the inline protocol overrides.
	ProtocolParamsPath string         `yaml:"protocol_params"`
	Auth               AuthConfig     `yaml:"auth"`
	Protocol           ProtocolConfig `yaml:"protocol"`
	PriceFeeds         FeedConfig     `yaml:"price_feeds"`
	Collateral         CollateralPair `yaml:"collateral"`
}

// AuthConfig maps bearer tokens to API roles. Unset tokens disable the role.
type AuthConfig struct {
	GovernanceToken      string   `yaml:"governance_token"`
	AssetManagerToken    string   `yaml:"asset_manager_token"`
	ProviderTokens       []string `yaml:"provider_tokens"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated_reads"`
}

// ProtocolConfig overrides the protocol settings defaults.
type ProtocolConfig struct {
	MintingGranularityUBA uint64   `yaml:"minting_granularity_uba"`
	LotSizeAMG            uint64   `yaml:"lot_size_amg"`
	AssetDecimals         uint8    `yaml:"asset_decimals"`
	MinVaultCRBIPS        uint32   `yaml:"min_vault_cr_bips"`
	MinPoolCRBIPS         uint32   `yaml:"min_pool_cr_bips"`
	WithdrawalWait        Duration `yaml:"withdrawal_wait"`
	DestroyWait           Duration `yaml:"destroy_wait"`
	PoolTokenTimelock     Duration `yaml:"pool_token_timelock"`
	MinBootstrapDeposit   string   `yaml:"min_bootstrap_deposit_wei"`
	WholeLotSelfClose     bool     `yaml:"whole_lot_self_close"`
	MaxTrustedPriceAge    Duration `yaml:"max_trusted_price_age"`
	PoolFeeShareBIPS      uint32   `yaml:"pool_fee_share_bips"`
	MaxSpreadBIPS         uint32   `yaml:"max_spread_bips"`
}

// FeedConfig describes the voting round cadence and feed universe.
type FeedConfig struct {
	FirstRoundStart  int64    `yaml:"first_round_start_unix"`
	RoundSeconds     uint64   `yaml:"round_seconds"`
	TrustedProviders []string `yaml:"trusted_providers"`
	AssetFeed        string   `yaml:"asset_feed"`
	TokenFeed        string   `yaml:"token_feed"`
}

// CollateralPair identifies the vault collateral token.
type CollateralPair struct {
	TokenDecimals uint8 `yaml:"token_decimals"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MinBootstrapDepositWei parses the configured bootstrap minimum, or nil when
// unset so the protocol default applies.
func (p ProtocolConfig) MinBootstrapDepositWei() (*big.Int, error) {
	raw := strings.TrimSpace(p.MinBootstrapDeposit)
	if raw == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid min_bootstrap_deposit_wei %q", raw)
	}
	return amount, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/fassetd.sqlite"
	}
	if cfg.PriceFeeds.RoundSeconds == 0 {
		cfg.PriceFeeds.RoundSeconds = 90
	}
	if cfg.PriceFeeds.AssetFeed == "" {
		cfg.PriceFeeds.AssetFeed = "XRP"
	}
	if cfg.PriceFeeds.TokenFeed == "" {
		cfg.PriceFeeds.TokenFeed = "USDC"
	}
	if cfg.Collateral.TokenDecimals == 0 {
		cfg.Collateral.TokenDecimals = 18
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.GovernanceToken) == "" {
		return fmt.Errorf("auth.governance_token must be configured")
	}
	if strings.TrimSpace(cfg.Auth.AssetManagerToken) == "" {
		return fmt.Errorf("auth.asset_manager_token must be configured")
	}
	if len(cfg.PriceFeeds.TrustedProviders) == 0 {
		return fmt.Errorf("at least one trusted price provider must be configured")
	}
	if len(cfg.Auth.ProviderTokens) != len(cfg.PriceFeeds.TrustedProviders) {
		return fmt.Errorf("provider_tokens must match trusted_providers one to one")
	}
	if cfg.PriceFeeds.AssetFeed == cfg.PriceFeeds.TokenFeed {
		return fmt.Errorf("asset and token feeds must differ")
	}
	return nil
}
