package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/fasset"
	"fassetd/observability/metrics"
)

func vaultFromRequest(r *http.Request) ([20]byte, error) {
	return parseAddress(chi.URLParam(r, "vault"))
}

func idFromRequest(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func agentPayload(agent *agents.Agent, crBIPS uint64) map[string]any {
	payload := map[string]any{
		"vault":              formatAddress(agent.Vault),
		"status":             agent.Status.String(),
		"minted_amg":         agent.MintedAMG,
		"reserved_amg":       agent.ReservedAMG,
		"redeeming_amg":      agent.RedeemingAMG,
		"pool_redeeming_amg": agent.PoolRedeemingAMG,
		"dust_amg":           agent.DustAMG,
		"vault_cr_bips":      agent.MintingVaultCollateralRatioBIPS,
		"pool_cr_bips":       agent.MintingPoolCollateralRatioBIPS,
		"underlying_uba":     agent.UnderlyingBalanceUBA.String(),
		"collateral_wei":     agent.VaultCollateralWei.String(),
		"created_at":         agent.CreatedAt,
	}
	if crBIPS > 0 {
		payload["collateral_ratio_bips"] = crBIPS
	}
	if agent.Withdrawal != nil {
		payload["withdrawal"] = map[string]any{
			"amount_wei": agent.Withdrawal.AmountWei.String(),
			"allowed_at": agent.Withdrawal.AllowedAt,
		}
	}
	if agent.Destroy != nil {
		payload["destroy_allowed_at"] = agent.Destroy.AllowedAt
	}
	return payload
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.storage.ListAgents(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	encoded := make([]string, 0, len(vaults))
	for _, vault := range vaults {
		encoded = append(encoded, formatAddress(vault))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": encoded})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	agent, err := s.agents.GetAgent(vault)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	// Ratio is informational; price outages must not break reads.
	crBIPS, _ := s.agents.CollateralRatioBIPS(vault)
	writeJSON(w, http.StatusOK, agentPayload(agent, crBIPS))
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vault       string `json:"vault"`
		VaultCRBIPS uint32 `json:"vault_cr_bips"`
		PoolCRBIPS  uint32 `json:"pool_cr_bips"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vault, err := parseAddress(req.Vault)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	agent, err := s.agents.CreateAgent(vault, req.VaultCRBIPS, req.PoolCRBIPS)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("create")
	writeJSON(w, http.StatusCreated, agentPayload(agent, 0))
}

func (s *Server) handleUpdateAgentSettings(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		VaultCRBIPS uint32 `json:"vault_cr_bips"`
		PoolCRBIPS  uint32 `json:"pool_cr_bips"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	agent, err := s.agents.UpdateAgentSettings(vault, req.VaultCRBIPS, req.PoolCRBIPS)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("update-settings")
	writeJSON(w, http.StatusOK, agentPayload(agent, 0))
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountWei string `json:"amount_wei"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBigInt(req.AmountWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	if err := s.commitAgent(r.Context(), vault, s.agents.DepositCollateral(vault, amount)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("deposit")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReserveCollateral(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		Lots   uint64 `json:"lots"`
		FeeUBA string `json:"fee_uba"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	feeAmount, err := optionalBigInt(req.FeeUBA)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	reservation, err := s.agents.ReserveCollateral(vault, req.Lots, feeAmount)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("reserve")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                reservation.ID,
		"vault":             formatAddress(reservation.Vault),
		"amount_amg":        reservation.AmountAMG,
		"payment_reference": formatReference(fasset.Minting(reservation.ID)),
	})
}

func (s *Server) handleExecuteMinting(w http.ResponseWriter, r *http.Request) {
	id, err := idFromRequest(r)
	if err != nil {
		http.Error(w, "invalid reservation id", http.StatusBadRequest)
		return
	}
	vault, err := s.agents.GetReservationVault(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer s.lockAgent(vault)()
	result, err := s.agents.ExecuteMinting(id)
	if err == nil && result.PoolFeeUBA.Sign() > 0 {
		if feeErr := s.pools.FAssetFeeDeposited(result.Vault, result.PoolFeeUBA); feeErr != nil && !errors.Is(feeErr, collateralpool.ErrUnknownPool) {
			err = feeErr
		}
	}
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("mint")
	s.refreshMintedGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"vault":         formatAddress(result.Vault),
		"minted_amg":    result.MintedAMG,
		"minted_uba":    result.MintedUBA.String(),
		"pool_fee_uba":  result.PoolFeeUBA.String(),
		"agent_fee_uba": result.AgentFeeUBA.String(),
	})
}

func (s *Server) handleMintingDefault(w http.ResponseWriter, r *http.Request) {
	id, err := idFromRequest(r)
	if err != nil {
		http.Error(w, "invalid reservation id", http.StatusBadRequest)
		return
	}
	vault, err := s.agents.GetReservationVault(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer s.lockAgent(vault)()
	if err := s.commitAgent(r.Context(), vault, s.agents.MintingPaymentDefault(id)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("minting-default")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRedemption(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountUBA     string `json:"amount_uba"`
		PoolSelfClose bool   `json:"pool_self_close"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBigInt(req.AmountUBA)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	request, err := s.agents.StartRedemption(vault, amount, req.PoolSelfClose)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("redeem")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                request.ID,
		"vault":             formatAddress(request.Vault),
		"amount_amg":        request.AmountAMG,
		"payment_reference": formatReference(fasset.Redemption(request.ID)),
	})
}

func (s *Server) handleConfirmRedemption(w http.ResponseWriter, r *http.Request) {
	id, err := idFromRequest(r)
	if err != nil {
		http.Error(w, "invalid redemption id", http.StatusBadRequest)
		return
	}
	vault, err := s.agents.GetRedemptionVault(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer s.lockAgent(vault)()
	if err := s.commitAgent(r.Context(), vault, s.agents.ConfirmRedemptionPayment(id)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveRedemptionSettled("paid")
	s.refreshMintedGauge(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRedemptionDefault(w http.ResponseWriter, r *http.Request) {
	id, err := idFromRequest(r)
	if err != nil {
		http.Error(w, "invalid redemption id", http.StatusBadRequest)
		return
	}
	vault, err := s.agents.GetRedemptionVault(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer s.lockAgent(vault)()
	request, err := s.agents.RedemptionDefault(id)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveRedemptionSettled("defaulted")
	s.refreshMintedGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         request.ID,
		"vault":      formatAddress(request.Vault),
		"amount_amg": request.AmountAMG,
	})
}

func (s *Server) handleSelfClose(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountUBA string `json:"amount_uba"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBigInt(req.AmountUBA)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	closed, err := s.agents.SelfClose(vault, amount)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("self-close")
	s.refreshMintedGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"closed_amg": closed})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	s.handleUnderlyingAdjustment(w, r, true)
}

func (s *Server) handleConfirmUnderlyingWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.handleUnderlyingAdjustment(w, r, false)
}

func (s *Server) handleUnderlyingAdjustment(w http.ResponseWriter, r *http.Request, credit bool) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountUBA string `json:"amount_uba"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBigInt(req.AmountUBA)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	if credit {
		err = s.agents.ConfirmTopupPayment(vault, amount)
	} else {
		err = s.agents.ConfirmUnderlyingWithdrawal(vault, amount)
	}
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnnounceUnderlying(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	ref, id, err := s.agents.AnnounceUnderlyingWithdrawal(vault)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                id,
		"payment_reference": formatReference(ref),
	})
}

func (s *Server) handleAnnounceWithdrawal(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountWei string `json:"amount_wei"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBigInt(req.AmountWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	announcement, err := s.agents.AnnounceWithdrawal(vault, amount)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("announce-withdrawal")
	writeJSON(w, http.StatusCreated, map[string]any{
		"amount_wei": announcement.AmountWei.String(),
		"allowed_at": announcement.AllowedAt,
	})
}

func (s *Server) handleExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	amount, err := s.agents.ExecuteWithdrawal(vault)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("withdraw")
	writeJSON(w, http.StatusOK, map[string]any{"amount_wei": amount.String()})
}

func (s *Server) handleAnnounceDestroy(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	announcement, err := s.agents.AnnounceDestroy(vault)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("announce-destroy")
	writeJSON(w, http.StatusCreated, map[string]any{"allowed_at": announcement.AllowedAt})
}

func (s *Server) handleExecuteDestroy(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	refund, err := s.agents.ExecuteDestroy(vault)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveAgentOperation("destroy")
	writeJSON(w, http.StatusOK, map[string]any{"refund_wei": refund.String()})
}

func (s *Server) handleStartLiquidation(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidationTransition(w, r, "start")
}

func (s *Server) handleEndLiquidation(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidationTransition(w, r, "end")
}

func (s *Server) handleFullLiquidation(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidationTransition(w, r, "full")
}

func (s *Server) handleLiquidationTransition(w http.ResponseWriter, r *http.Request, kind string) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	switch kind {
	case "start":
		err = s.agents.StartLiquidation(vault)
	case "end":
		err = s.agents.EndLiquidation(vault)
	default:
		err = s.agents.StartFullLiquidation(vault)
	}
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObserveLiquidation(kind)
	w.WriteHeader(http.StatusNoContent)
}

// refreshMintedGauge recomputes the fleet-wide minted total after a
// settlement. The gauge is best effort; storage errors leave it stale.
func (s *Server) refreshMintedGauge(ctx context.Context) {
	vaults, err := s.storage.ListAgents(ctx)
	if err != nil {
		return
	}
	var total uint64
	for _, vault := range vaults {
		agent, err := s.agents.GetAgent(vault)
		if err != nil {
			continue
		}
		total += agent.MintedAMG
	}
	metrics.FAsset().SetMintedAMG(total)
}

func optionalBigInt(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseBigInt(raw)
}
