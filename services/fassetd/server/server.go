package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/fasset"
	"fassetd/native/pricefeed"
	"fassetd/services/fassetd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server hosts the fassetd HTTP API. Mutations on one agent (and its pool)
// are serialized by a per-vault lock; price feed mutations by a per-feed
// lock.
type Server struct {
	cfg      Config
	storage  *storage.Storage
	state    *storage.Overlay
	logger   *slog.Logger
	auth     *Authenticator
	agents   *agents.Engine
	pools    *collateralpool.Engine
	prices   *pricefeed.Engine
	verifier *pricefeed.MerkleVerifier
	source   *FeedPriceSource

	agentLocks sync.Map
	feedLocks  sync.Map

	router http.Handler
}

// Engines bundles the wired protocol engines.
type Engines struct {
	Agents      *agents.Engine
	Pools       *collateralpool.Engine
	Prices      *pricefeed.Engine
	Verifier    *pricefeed.MerkleVerifier
	PriceSource *FeedPriceSource
}

// New constructs a configured HTTP server. The engines must share the given
// overlay as their state so mutating handlers can flush or discard per call.
func New(cfg Config, store *storage.Storage, state *storage.Overlay, logger *slog.Logger, engines Engines, auth *Authenticator) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if state == nil {
		return nil, fmt.Errorf("state overlay required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if engines.Agents == nil || engines.Pools == nil || engines.Prices == nil {
		return nil, fmt.Errorf("all engines required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:      cfg,
		storage:  store,
		state:    state,
		logger:   logger,
		auth:     auth,
		agents:   engines.Agents,
		pools:    engines.Pools,
		prices:   engines.Prices,
		verifier: engines.Verifier,
		source:   engines.PriceSource,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	manage := s.auth.RequireRole(RoleAssetManager)
	govern := s.auth.RequireRole(RoleGovernance)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.ReadAccess)
			r.Get("/agents", s.handleListAgents)
			r.Get("/agents/{vault}", s.handleGetAgent)
			r.Get("/agents/{vault}/pool", s.handleGetPool)
			r.Get("/agents/{vault}/pool/holders/{holder}", s.handleGetPoolHolder)
			r.Get("/prices/{feed}", s.handleReadPrice)
			r.Get("/prices/{feed}/trusted", s.handleReadTrustedPrice)
			r.Get("/prices/amg-wei", s.handleAmgPrice)
			r.Get("/settings", s.handleSettings)
		})

		r.Group(func(r chi.Router) {
			r.Use(manage)
			r.Post("/agents", s.handleCreateAgent)
			r.Post("/agents/{vault}/settings", s.handleUpdateAgentSettings)
			r.Post("/agents/{vault}/collateral", s.handleDepositCollateral)
			r.Post("/agents/{vault}/reservations", s.handleReserveCollateral)
			r.Post("/mintings/{id}/execute", s.handleExecuteMinting)
			r.Post("/mintings/{id}/default", s.handleMintingDefault)
			r.Post("/agents/{vault}/redemptions", s.handleStartRedemption)
			r.Post("/redemptions/{id}/confirm", s.handleConfirmRedemption)
			r.Post("/redemptions/{id}/default", s.handleRedemptionDefault)
			r.Post("/agents/{vault}/self-close", s.handleSelfClose)
			r.Post("/agents/{vault}/underlying/topup", s.handleTopup)
			r.Post("/agents/{vault}/underlying/announce", s.handleAnnounceUnderlying)
			r.Post("/agents/{vault}/underlying/confirm-withdrawal", s.handleConfirmUnderlyingWithdrawal)
			r.Post("/agents/{vault}/withdrawal/announce", s.handleAnnounceWithdrawal)
			r.Post("/agents/{vault}/withdrawal/execute", s.handleExecuteWithdrawal)
			r.Post("/agents/{vault}/destroy/announce", s.handleAnnounceDestroy)
			r.Post("/agents/{vault}/destroy/execute", s.handleExecuteDestroy)
			r.Post("/agents/{vault}/liquidation/start", s.handleStartLiquidation)
			r.Post("/agents/{vault}/liquidation/end", s.handleEndLiquidation)
			r.Post("/agents/{vault}/liquidation/full", s.handleFullLiquidation)

			r.Post("/agents/{vault}/pool/enter", s.handlePoolEnter)
			r.Post("/agents/{vault}/pool/exit", s.handlePoolExit)
			r.Post("/agents/{vault}/pool/self-close-exit", s.handlePoolSelfCloseExit)
			r.Post("/agents/{vault}/pool/withdraw-fees", s.handlePoolWithdrawFees)
			r.Post("/agents/{vault}/pool/fee-deposit", s.handlePoolFeeDeposit)
			r.Post("/agents/{vault}/pool/payout", s.handlePoolPayout)

			r.Post("/prices/publish", s.handlePublishPrices)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireRole(RoleProvider))
			r.Post("/prices/{feed}/submissions", s.handleSubmitPrice)
		})

		r.Group(func(r chi.Router) {
			r.Use(govern)
			r.Post("/prices/roots", s.handleSetMerkleRoot)
			r.Post("/settings", s.handleUpdateSettings)
		})
	})

	return otelhttp.NewHandler(r, "fassetd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, settingsPayload(s.agents.Settings()))
}

// handleUpdateSettings replaces the protocol settings across every engine and
// persists the snapshot. Governance only; zero fields fall back to defaults.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MintingGranularityUBA uint64 `json:"minting_granularity_uba"`
		LotSizeAMG            uint64 `json:"lot_size_amg"`
		AssetDecimals         uint8  `json:"asset_decimals"`
		MinVaultCRBIPS        uint32 `json:"min_vault_cr_bips"`
		MinPoolCRBIPS         uint32 `json:"min_pool_cr_bips"`
		WithdrawalWaitSeconds uint64 `json:"withdrawal_wait_seconds"`
		DestroyWaitSeconds    uint64 `json:"destroy_wait_seconds"`
		PoolTokenTimelock     uint64 `json:"pool_token_timelock"`
		MinBootstrapWei       string `json:"min_bootstrap_wei"`
		WholeLotSelfClose     bool   `json:"whole_lot_self_close"`
		MaxTrustedPriceAge    uint64 `json:"max_trusted_price_age"`
		PoolFeeShareBIPS      uint32 `json:"pool_fee_share_bips"`
		MaxSpreadBIPS         uint32 `json:"max_spread_bips"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	minBootstrap, err := optionalBigInt(req.MinBootstrapWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	settings := fasset.Settings{
		AssetMintingGranularityUBA:  req.MintingGranularityUBA,
		LotSizeAMG:                  req.LotSizeAMG,
		AssetDecimals:               req.AssetDecimals,
		MinVaultCollateralRatioBIPS: req.MinVaultCRBIPS,
		MinPoolCollateralRatioBIPS:  req.MinPoolCRBIPS,
		WithdrawalWaitSeconds:       req.WithdrawalWaitSeconds,
		DestroyWaitSeconds:          req.DestroyWaitSeconds,
		PoolTokenTimelockSeconds:    req.PoolTokenTimelock,
		MinBootstrapDepositWei:      minBootstrap,
		RequireWholeLotSelfClose:    req.WholeLotSelfClose,
		MaxTrustedPriceAgeSeconds:   req.MaxTrustedPriceAge,
		PoolFeeShareBIPS:            req.PoolFeeShareBIPS,
		MaxSpreadBIPS:               req.MaxSpreadBIPS,
	}.Normalise()
	if err := s.storage.SaveSettingsSnapshot(r.Context(), settings); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.agents.UpdateSettings(settings)
	s.pools.UpdateSettings(settings)
	s.prices.UpdateSettings(settings)
	if s.source != nil {
		s.source.UpdateSettings(settings)
	}
	s.logger.Info("protocol settings updated",
		"lot_size_amg", settings.LotSizeAMG,
		"min_vault_cr_bips", settings.MinVaultCollateralRatioBIPS,
	)
	writeJSON(w, http.StatusOK, settingsPayload(s.agents.Settings()))
}

func settingsPayload(settings fasset.Settings) map[string]any {
	return map[string]any{
		"minting_granularity_uba": settings.AssetMintingGranularityUBA,
		"lot_size_amg":            settings.LotSizeAMG,
		"asset_decimals":          settings.AssetDecimals,
		"min_vault_cr_bips":       settings.MinVaultCollateralRatioBIPS,
		"min_pool_cr_bips":        settings.MinPoolCollateralRatioBIPS,
		"withdrawal_wait_seconds": settings.WithdrawalWaitSeconds,
		"destroy_wait_seconds":    settings.DestroyWaitSeconds,
		"pool_token_timelock":     settings.PoolTokenTimelockSeconds,
		"min_bootstrap_wei":       settings.MinBootstrapDepositWei.String(),
		"whole_lot_self_close":    settings.RequireWholeLotSelfClose,
		"max_trusted_price_age":   settings.MaxTrustedPriceAgeSeconds,
		"pool_fee_share_bips":     settings.PoolFeeShareBIPS,
		"max_spread_bips":         settings.MaxSpreadBIPS,
	}
}

// commitAgent finalizes a mutation on one vault: staged overlay writes are
// flushed in one transaction on success and discarded when the operation
// failed. Callers hold the vault's lock across the whole call.
func (s *Server) commitAgent(ctx context.Context, vault [20]byte, opErr error) error {
	if opErr != nil {
		s.state.DiscardAgent(vault)
		return opErr
	}
	return s.state.FlushAgent(ctx, vault)
}

// commitFeeds does the same for price feed mutations.
func (s *Server) commitFeeds(ctx context.Context, opErr error, feedIDs ...string) error {
	if opErr != nil {
		s.state.DiscardFeeds(feedIDs...)
		return opErr
	}
	return s.state.FlushFeeds(ctx, feedIDs...)
}

// lockAgent serializes mutations on one vault and its pool.
func (s *Server) lockAgent(vault [20]byte) func() {
	mu, _ := s.agentLocks.LoadOrStore(vault, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func (s *Server) lockFeed(feedID string) func() {
	mu, _ := s.feedLocks.LoadOrStore(feedID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, agents.ErrReservationNotFound),
		errors.Is(err, agents.ErrRedemptionNotFound),
		errors.Is(err, collateralpool.ErrUnknownPool),
		errors.Is(err, pricefeed.ErrUnknownFeed):
		status = http.StatusNotFound
	case errors.Is(err, agents.ErrAgentExists),
		errors.Is(err, agents.ErrAnnouncementActive),
		errors.Is(err, agents.ErrTimelockNotElapsed),
		errors.Is(err, pricefeed.ErrAlreadyPublished),
		errors.Is(err, pricefeed.ErrDuplicateSubmission),
		errors.Is(err, pricefeed.ErrSubmissionWindowOpen):
		status = http.StatusConflict
	case errors.Is(err, pricefeed.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, agents.ErrAgentNotLive),
		errors.Is(err, agents.ErrCollateralRatioTooLow),
		errors.Is(err, agents.ErrNotEnoughFreeCollateral),
		errors.Is(err, agents.ErrInvalidAmount),
		errors.Is(err, agents.ErrZeroLots),
		errors.Is(err, agents.ErrInsufficientMinted),
		errors.Is(err, agents.ErrNoAnnouncement),
		errors.Is(err, agents.ErrBackingOutstanding),
		errors.Is(err, agents.ErrNotLiquidatable),
		errors.Is(err, agents.ErrStillUnhealthy),
		errors.Is(err, collateralpool.ErrDepositTooSmall),
		errors.Is(err, collateralpool.ErrInvalidAmount),
		errors.Is(err, collateralpool.ErrInsufficientBalance),
		errors.Is(err, collateralpool.ErrInsufficientFeeBalance),
		errors.Is(err, collateralpool.ErrInsufficientLots),
		errors.Is(err, pricefeed.ErrStaleSubmission),
		errors.Is(err, pricefeed.ErrVotingRoundMismatch),
		errors.Is(err, pricefeed.ErrProofInvalid),
		errors.Is(err, pricefeed.ErrEmptyBatch),
		errors.Is(err, pricefeed.ErrDecimalsOutOfRange),
		errors.Is(err, fasset.ErrAMGRange),
		errors.Is(err, fasset.ErrExponentTooLarge),
		errors.Is(err, fasset.ErrZeroPrice):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		http.Error(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(addr) {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseBigInt(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func formatReference(ref *fasset.PaymentReference) string {
	if ref == nil {
		return ""
	}
	raw := ref.Bytes32()
	return "0x" + hex.EncodeToString(raw[:])
}
