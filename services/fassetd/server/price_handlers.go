package server

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"fassetd/native/pricefeed"
	"fassetd/observability/metrics"
)

func (s *Server) handleSubmitPrice(w http.ResponseWriter, r *http.Request) {
	feedID := strings.TrimSpace(chi.URLParam(r, "feed"))
	if feedID == "" {
		http.Error(w, "feed required", http.StatusBadRequest)
		return
	}
	principal, ok := PrincipalFromContext(r.Context())
	if !ok || principal.Provider == "" {
		http.Error(w, "provider identity required", http.StatusForbidden)
		return
	}
	var req struct {
		VotingRoundID uint32 `json:"voting_round_id"`
		Value         uint32 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.lockFeed(feedID)()
	err := s.prices.SubmitTrustedPrice(principal.Provider, feedID, req.VotingRoundID, req.Value)
	if err = s.commitFeeds(r.Context(), err, feedID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type publishEntryPayload struct {
	FeedID        string   `json:"feed_id"`
	VotingRoundID uint32   `json:"voting_round_id"`
	Value         uint32   `json:"value"`
	Decimals      int8     `json:"decimals"`
	Proof         []string `json:"proof"`
}

func (s *Server) handlePublishPrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []publishEntryPayload `json:"entries"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries := make([]pricefeed.PublishEntry, 0, len(req.Entries))
	feeds := make([]string, 0, len(req.Entries))
	for _, entry := range req.Entries {
		proof, err := decodeProof(entry.Proof)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entries = append(entries, pricefeed.PublishEntry{
			FeedID:        entry.FeedID,
			VotingRoundID: entry.VotingRoundID,
			Value:         entry.Value,
			Decimals:      entry.Decimals,
			Proof:         proof,
		})
		feeds = append(feeds, entry.FeedID)
	}
	// Feed locks are taken in request order; the whole batch commits or
	// fails as one, so partial ordering across concurrent batches is safe.
	locked := make(map[string]struct{}, len(feeds))
	for _, feedID := range feeds {
		if _, ok := locked[feedID]; ok {
			continue
		}
		locked[feedID] = struct{}{}
		defer s.lockFeed(feedID)()
	}
	err := s.prices.PublishPrices(entries)
	if err = s.commitFeeds(r.Context(), err, feeds...); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.FAsset().ObservePricePublish()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSetMerkleRoot(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		http.Error(w, "proof verifier not configured", http.StatusInternalServerError)
		return
	}
	var req struct {
		VotingRoundID uint32 `json:"voting_round_id"`
		Root          string `json:"root"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	root, err := decodeHash(req.Root)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.verifier.SetRoot(req.VotingRoundID, root)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadPrice(w http.ResponseWriter, r *http.Request) {
	s.respondReading(w, r, s.prices.ReadPrice)
}

func (s *Server) handleReadTrustedPrice(w http.ResponseWriter, r *http.Request) {
	feedID := strings.TrimSpace(chi.URLParam(r, "feed"))
	reading, err := s.prices.ReadTrustedPrice(feedID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	fresh, err := s.prices.TrustedPriceFresh(feedID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := readingPayload(feedID, reading)
	payload["fresh"] = fresh
	payload["number_of_submits"] = reading.NumberOfSubmits
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAmgPrice(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, "price source not configured", http.StatusInternalServerError)
		return
	}
	price, err := s.source.AmgToTokenWeiPrice()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amg_to_token_wei_price": price.String()})
}

func (s *Server) respondReading(w http.ResponseWriter, r *http.Request, read func(string) (pricefeed.PriceReading, error)) {
	feedID := strings.TrimSpace(chi.URLParam(r, "feed"))
	reading, err := read(feedID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readingPayload(feedID, reading))
}

func readingPayload(feedID string, reading pricefeed.PriceReading) map[string]any {
	return map[string]any{
		"feed_id":         feedID,
		"voting_round_id": reading.VotingRoundID,
		"value":           reading.Value,
		"decimals":        reading.Decimals,
		"timestamp":       reading.Timestamp,
	}
}

func decodeProof(raw []string) ([][32]byte, error) {
	proof := make([][32]byte, 0, len(raw))
	for _, node := range raw {
		hash, err := decodeHash(node)
		if err != nil {
			return nil, err
		}
		proof = append(proof, hash)
	}
	return proof, nil
}

func decodeHash(raw string) ([32]byte, error) {
	var hash [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(hash) {
		return hash, fmt.Errorf("invalid hash %q", raw)
	}
	copy(hash[:], decoded)
	return hash, nil
}
