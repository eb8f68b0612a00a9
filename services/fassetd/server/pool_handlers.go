package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"fassetd/observability/metrics"
)

type poolMemberRequest struct {
	Holder    string `json:"holder"`
	AmountWei string `json:"amount_wei,omitempty"`
	Tokens    string `json:"tokens,omitempty"`
	AmountUBA string `json:"amount_uba,omitempty"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pool, err := s.pools.GetPool(vault)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":                    formatAddress(pool.Agent),
		"token_supply":             pool.TokenSupply.String(),
		"nat_balance_wei":          pool.NatBalanceWei.String(),
		"fee_balance_uba":          pool.FeeBalanceUBA.String(),
		"agent_responsibility_wei": pool.AgentResponsibilityWei.String(),
	})
}

func (s *Server) handleGetPoolHolder(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	holder, err := parseAddress(chi.URLParam(r, "holder"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acct, err := s.pools.GetAccount(vault, holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if acct == nil {
		http.Error(w, "holder has no position", http.StatusNotFound)
		return
	}
	feeShare, err := s.pools.FeeShareOf(vault, holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":         formatAddress(vault),
		"holder":        formatAddress(holder),
		"tokens":        acct.Tokens.String(),
		"fee_share_uba": feeShare.String(),
	})
}

func (s *Server) handlePoolEnter(w http.ResponseWriter, r *http.Request) {
	vault, holder, req, ok := s.decodePoolRequest(w, r)
	if !ok {
		return
	}
	amount, err := parseBigInt(req.AmountWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	tokens, err := s.pools.Enter(vault, holder, amount)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("enter")
	writeJSON(w, http.StatusCreated, map[string]any{"tokens": tokens.String()})
}

func (s *Server) handlePoolExit(w http.ResponseWriter, r *http.Request) {
	vault, holder, req, ok := s.decodePoolRequest(w, r)
	if !ok {
		return
	}
	tokens, err := parseBigInt(req.Tokens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	natWei, err := s.pools.Exit(vault, holder, tokens)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("exit")
	writeJSON(w, http.StatusOK, map[string]any{"nat_wei": natWei.String()})
}

func (s *Server) handlePoolSelfCloseExit(w http.ResponseWriter, r *http.Request) {
	vault, holder, req, ok := s.decodePoolRequest(w, r)
	if !ok {
		return
	}
	tokens, err := parseBigInt(req.Tokens)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	result, err := s.pools.SelfCloseExit(vault, holder, tokens)
	if err = s.commitAgent(r.Context(), vault, err); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("self-close-exit")
	writeJSON(w, http.StatusOK, map[string]any{
		"nat_wei":    result.NatWei.String(),
		"closed_amg": result.ClosedAMG,
	})
}

func (s *Server) handlePoolWithdrawFees(w http.ResponseWriter, r *http.Request) {
	vault, holder, req, ok := s.decodePoolRequest(w, r)
	if !ok {
		return
	}
	amount, err := parseBigInt(req.AmountUBA)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	if err := s.commitAgent(r.Context(), vault, s.pools.WithdrawFees(vault, holder, amount)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("withdraw-fees")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolFeeDeposit(w http.ResponseWriter, r *http.Request) {
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
	if err := s.commitAgent(r.Context(), vault, s.pools.FAssetFeeDeposited(vault, amount)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("fee-deposit")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolPayout(w http.ResponseWriter, r *http.Request) {
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req struct {
		AmountWei              string `json:"amount_wei"`
		AgentResponsibilityWei string `json:"agent_responsibility_wei"`
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
	responsibility, err := optionalBigInt(req.AgentResponsibilityWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockAgent(vault)()
	if err := s.commitAgent(r.Context(), vault, s.pools.Payout(vault, amount, responsibility)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePoolFlow("payout")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodePoolRequest(w http.ResponseWriter, r *http.Request) ([20]byte, [20]byte, poolMemberRequest, bool) {
	var zero [20]byte
	var req poolMemberRequest
	vault, err := vaultFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return zero, zero, req, false
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return zero, zero, req, false
	}
	holder, err := parseAddress(req.Holder)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return zero, zero, req, false
	}
	return vault, holder, req, true
}
