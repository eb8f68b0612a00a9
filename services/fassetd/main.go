package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	protocolcfg "fassetd/config"
	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/fasset"
	"fassetd/native/pricefeed"
	"fassetd/observability/logging"
	telemetry "fassetd/observability/otel"
	"fassetd/services/fassetd/config"
	"fassetd/services/fassetd/server"
	"fassetd/services/fassetd/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fassetd/config.yaml", "path to fassetd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("FASSET_ENV"))
	logger := logging.Setup("fassetd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "fassetd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("fassetd: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("fassetd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("fassetd: open storage: %v", err)
	}
	defer store.Close()

	settings, err := protocolSettings(cfg)
	if err != nil {
		log.Fatalf("fassetd: %v", err)
	}

	if err := store.SaveSettingsSnapshot(context.Background(), settings); err != nil {
		logger.Warn("save settings snapshot", "err", err)
	}

	// Engines stage writes on the overlay; the HTTP layer flushes or discards
	// them per call.
	state := storage.NewOverlay(store)

	agentEngine := agents.NewEngine(settings)
	agentEngine.SetState(state)

	poolEngine := collateralpool.NewEngine(settings)
	poolEngine.SetState(state)
	poolEngine.SetAgentLedger(agentEngine)

	priceEngine := pricefeed.NewEngine(settings, cfg.PriceFeeds.FirstRoundStart, cfg.PriceFeeds.RoundSeconds)
	priceEngine.SetState(state)
	priceEngine.SetTrustedProviders(cfg.PriceFeeds.TrustedProviders)
	verifier := pricefeed.NewMerkleVerifier()
	priceEngine.SetVerifier(verifier)

	priceSource := server.NewFeedPriceSource(
		priceEngine,
		settings,
		cfg.PriceFeeds.AssetFeed,
		cfg.PriceFeeds.TokenFeed,
		cfg.Collateral.TokenDecimals,
	)
	agentEngine.SetPriceSource(priceSource)

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		GovernanceToken:      cfg.Auth.GovernanceToken,
		AssetManagerToken:    cfg.Auth.AssetManagerToken,
		ProviderTokens:       cfg.Auth.ProviderTokens,
		Providers:            cfg.PriceFeeds.TrustedProviders,
		AllowUnauthenticated: cfg.Auth.AllowUnauthenticated,
	})
	if err != nil {
		log.Fatalf("fassetd: configure auth: %v", err)
	}
	logger.Info("auth configured",
		"providers", len(cfg.PriceFeeds.TrustedProviders),
		logging.MaskField("governance_token", cfg.Auth.GovernanceToken),
		logging.MaskField("asset_manager_token", cfg.Auth.AssetManagerToken),
	)

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, store, state, logger, server.Engines{
		Agents:      agentEngine,
		Pools:       poolEngine,
		Prices:      priceEngine,
		Verifier:    verifier,
		PriceSource: priceSource,
	}, authenticator)
	if err != nil {
		log.Fatalf("fassetd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "err", err)
		os.Exit(1)
	}
}

// protocolSettings resolves the effective protocol settings: a parameter
// document wins over the inline YAML overrides.
func protocolSettings(cfg config.Config) (fasset.Settings, error) {
	if path := strings.TrimSpace(cfg.ProtocolParamsPath); path != "" {
		return protocolcfg.LoadParams(path)
	}
	minBootstrap, err := cfg.Protocol.MinBootstrapDepositWei()
	if err != nil {
		return fasset.Settings{}, err
	}
	return fasset.Settings{
		AssetMintingGranularityUBA:  cfg.Protocol.MintingGranularityUBA,
		LotSizeAMG:                  cfg.Protocol.LotSizeAMG,
		AssetDecimals:               cfg.Protocol.AssetDecimals,
		MinVaultCollateralRatioBIPS: cfg.Protocol.MinVaultCRBIPS,
		MinPoolCollateralRatioBIPS:  cfg.Protocol.MinPoolCRBIPS,
		WithdrawalWaitSeconds:       uint64(cfg.Protocol.WithdrawalWait.Duration.Seconds()),
		DestroyWaitSeconds:          uint64(cfg.Protocol.DestroyWait.Duration.Seconds()),
		PoolTokenTimelockSeconds:    uint64(cfg.Protocol.PoolTokenTimelock.Duration.Seconds()),
		MinBootstrapDepositWei:      minBootstrap,
		RequireWholeLotSelfClose:    cfg.Protocol.WholeLotSelfClose,
		MaxTrustedPriceAgeSeconds:   uint64(cfg.Protocol.MaxTrustedPriceAge.Duration.Seconds()),
		PoolFeeShareBIPS:            cfg.Protocol.PoolFeeShareBIPS,
		MaxSpreadBIPS:               cfg.Protocol.MaxSpreadBIPS,
	}.Normalise(), nil
}
