package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/fasset"
	"fassetd/native/pricefeed"
	"fassetd/services/fassetd/storage"
)

const (
	govToken  = "gov-secret"
	mgrToken  = "mgr-secret"
	provToken = "prov-secret"
)

type fixedPriceSource struct{ price *big.Int }

func (f *fixedPriceSource) AmgToTokenWeiPrice() (*big.Int, error) {
	return new(big.Int).Set(f.price), nil
}

type testHarness struct {
	srv   *Server
	now   *int64
	store *storage.Storage
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()
	dsn, err := storage.FileDSN(filepath.Join(t.TempDir(), "fassetd.sqlite"))
	require.NoError(t, err)
	store, err := storage.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := fasset.Settings{
		AssetMintingGranularityUBA:  10_000,
		LotSizeAMG:                  1_000,
		MinVaultCollateralRatioBIPS: 15_000,
		MinPoolCollateralRatioBIPS:  21_000,
		MinBootstrapDepositWei:      big.NewInt(1_000),
	}.Normalise()

	now := int64(70)
	nowFn := func() int64 { return now }
	state := storage.NewOverlay(store)

	agentEngine := agents.NewEngine(settings)
	agentEngine.SetState(state)
	agentEngine.SetNowFunc(nowFn)
	agentEngine.SetPriceSource(&fixedPriceSource{price: big.NewInt(1_000 * 1_000_000_000)})

	poolEngine := collateralpool.NewEngine(settings)
	poolEngine.SetState(state)
	poolEngine.SetAgentLedger(agentEngine)
	poolEngine.SetNowFunc(nowFn)

	priceEngine := pricefeed.NewEngine(settings, 0, 60)
	priceEngine.SetState(state)
	priceEngine.SetNowFunc(nowFn)
	priceEngine.SetTrustedProviders([]string{"carol"})
	verifier := pricefeed.NewMerkleVerifier()
	priceEngine.SetVerifier(verifier)

	auth, err := NewAuthenticator(AuthConfig{
		GovernanceToken:   govToken,
		AssetManagerToken: mgrToken,
		ProviderTokens:    []string{provToken},
		Providers:         []string{"carol"},
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(Config{ListenAddress: ":0"}, store, state, logger, Engines{
		Agents:      agentEngine,
		Pools:       poolEngine,
		Prices:      priceEngine,
		Verifier:    verifier,
		PriceSource: NewFeedPriceSource(priceEngine, settings, "XRP", "USDC", 18),
	}, auth)
	require.NoError(t, err)

	return &testHarness{srv: srv, now: &now, store: store}
}

func (h *testHarness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	payload := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestServerAuthGating(t *testing.T) {
	h := newTestServer(t)

	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/v1/agents", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/v1/agents", "", `{}`).Code)

	body := `{"vault":"0x00000000000000000000000000000000000000aa","vault_cr_bips":15000,"pool_cr_bips":21000}`
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/agents", provToken, body).Code)

	// Governance implies asset manager.
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/agents", govToken, body).Code)

	// Provider tokens cannot reach governance endpoints.
	root := `{"voting_round_id":1,"root":"0x` + strings.Repeat("11", 32) + `"}`
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/prices/roots", provToken, root).Code)
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/prices/roots", mgrToken, root).Code)
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/prices/roots", govToken, root).Code)

	// Any valid token may read.
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/agents", provToken, "").Code)
}

func TestServerAgentFlow(t *testing.T) {
	h := newTestServer(t)
	vault := "0x00000000000000000000000000000000000000aa"

	create := `{"vault":"` + vault + `","vault_cr_bips":15000,"pool_cr_bips":21000}`
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/agents", mgrToken, create).Code)

	deposit := `{"amount_wei":"10000000"}`
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/agents/"+vault+"/collateral", mgrToken, deposit).Code)

	reserveResp := h.do(t, http.MethodPost, "/v1/agents/"+vault+"/reservations", mgrToken, `{"lots":2}`)
	require.Equal(t, http.StatusCreated, reserveResp.Code)
	reservation := decodeBody(t, reserveResp)
	require.Equal(t, float64(2_000), reservation["amount_amg"])
	reference, ok := reservation["payment_reference"].(string)
	require.True(t, ok)
	require.Len(t, reference, 66)
	require.True(t, strings.HasPrefix(reference, "0x4642505266410001"))

	reservationID := uint64(reservation["id"].(float64))
	mintResp := h.do(t, http.MethodPost, fmt.Sprintf("/v1/mintings/%d/execute", reservationID), mgrToken, "")
	require.Equal(t, http.StatusOK, mintResp.Code)
	minted := decodeBody(t, mintResp)
	require.Equal(t, "20000000", minted["minted_uba"])

	agentResp := h.do(t, http.MethodGet, "/v1/agents/"+vault, mgrToken, "")
	require.Equal(t, http.StatusOK, agentResp.Code)
	agent := decodeBody(t, agentResp)
	require.Equal(t, float64(2_000), agent["minted_amg"])

	// Redeem everything back and confirm the payment.
	redeemResp := h.do(t, http.MethodPost, "/v1/agents/"+vault+"/redemptions", mgrToken, `{"amount_uba":"20000000"}`)
	require.Equal(t, http.StatusCreated, redeemResp.Code)
	redemption := decodeBody(t, redeemResp)
	redemptionID := uint64(redemption["id"].(float64))
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, fmt.Sprintf("/v1/redemptions/%d/confirm", redemptionID), mgrToken, "").Code)

	agent = decodeBody(t, h.do(t, http.MethodGet, "/v1/agents/"+vault, mgrToken, ""))
	require.Equal(t, float64(0), agent["minted_amg"])
}

func TestServerPoolFlow(t *testing.T) {
	h := newTestServer(t)
	vault := "0x00000000000000000000000000000000000000aa"
	holder := "0x0000000000000000000000000000000000000001"

	create := `{"vault":"` + vault + `","vault_cr_bips":15000,"pool_cr_bips":21000}`
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/v1/agents", mgrToken, create).Code)

	enter := `{"holder":"` + holder + `","amount_wei":"5000"}`
	enterResp := h.do(t, http.MethodPost, "/v1/agents/"+vault+"/pool/enter", mgrToken, enter)
	require.Equal(t, http.StatusCreated, enterResp.Code)
	require.Equal(t, "5000", decodeBody(t, enterResp)["tokens"])

	poolResp := h.do(t, http.MethodGet, "/v1/agents/"+vault+"/pool", mgrToken, "")
	require.Equal(t, http.StatusOK, poolResp.Code)
	pool := decodeBody(t, poolResp)
	require.Equal(t, "5000", pool["token_supply"])
	require.Equal(t, "5000", pool["nat_balance_wei"])

	holderResp := h.do(t, http.MethodGet, "/v1/agents/"+vault+"/pool/holders/"+holder, mgrToken, "")
	require.Equal(t, http.StatusOK, holderResp.Code)
	require.Equal(t, "5000", decodeBody(t, holderResp)["tokens"])

	// A direct fee deposit accrues entirely to the sole holder.
	feeDeposit := `{"amount_uba":"500"}`
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/agents/"+vault+"/pool/fee-deposit", mgrToken, feeDeposit).Code)
	holderState := decodeBody(t, h.do(t, http.MethodGet, "/v1/agents/"+vault+"/pool/holders/"+holder, mgrToken, ""))
	require.Equal(t, "500", holderState["fee_share_uba"])

	// Tokens are timelocked right after entry.
	exit := `{"holder":"` + holder + `","tokens":"2000"}`
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/agents/"+vault+"/pool/exit", mgrToken, exit).Code)

	*h.now += 1_000_000
	exitResp := h.do(t, http.MethodPost, "/v1/agents/"+vault+"/pool/exit", mgrToken, exit)
	require.Equal(t, http.StatusOK, exitResp.Code)
	require.Equal(t, "2000", decodeBody(t, exitResp)["nat_wei"])

	payout := `{"amount_wei":"500"}`
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/agents/"+vault+"/pool/payout", mgrToken, payout).Code)
	pool = decodeBody(t, h.do(t, http.MethodGet, "/v1/agents/"+vault+"/pool", mgrToken, ""))
	require.Equal(t, "2500", pool["nat_balance_wei"])
}

func TestServerSettingsUpdate(t *testing.T) {
	h := newTestServer(t)

	settings := decodeBody(t, h.do(t, http.MethodGet, "/v1/settings", mgrToken, ""))
	require.Equal(t, float64(1_000), settings["lot_size_amg"])

	update := `{"lot_size_amg":2000,"min_vault_cr_bips":16000}`
	require.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/v1/settings", mgrToken, update).Code)

	updateResp := h.do(t, http.MethodPost, "/v1/settings", govToken, update)
	require.Equal(t, http.StatusOK, updateResp.Code)
	require.Equal(t, float64(2_000), decodeBody(t, updateResp)["lot_size_amg"])

	settings = decodeBody(t, h.do(t, http.MethodGet, "/v1/settings", mgrToken, ""))
	require.Equal(t, float64(2_000), settings["lot_size_amg"])
	require.Equal(t, float64(16_000), settings["min_vault_cr_bips"])

	// Registration now enforces the raised minimum.
	create := `{"vault":"0x00000000000000000000000000000000000000bb","vault_cr_bips":15000,"pool_cr_bips":21000}`
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/agents", mgrToken, create).Code)

	create = `{"vault":"0x00000000000000000000000000000000000000bb","vault_cr_bips":16000,"pool_cr_bips":21000}`
	createResp := h.do(t, http.MethodPost, "/v1/agents", mgrToken, create)
	require.Equal(t, http.StatusCreated, createResp.Code)

	// Agent ratio updates apply the same floor.
	vault := "0x00000000000000000000000000000000000000bb"
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/agents/"+vault+"/settings", mgrToken, `{"vault_cr_bips":15000,"pool_cr_bips":21000}`).Code)
	ratioResp := h.do(t, http.MethodPost, "/v1/agents/"+vault+"/settings", mgrToken, `{"vault_cr_bips":17000,"pool_cr_bips":22000}`)
	require.Equal(t, http.StatusOK, ratioResp.Code)
	require.Equal(t, float64(17_000), decodeBody(t, ratioResp)["vault_cr_bips"])
}

func TestServerPriceFlow(t *testing.T) {
	h := newTestServer(t)

	// Unpublished feeds are unknown.
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/prices/XRP", mgrToken, "").Code)

	// now=70 sits in the first half of round 1: submissions for round 0 open.
	submit := `{"voting_round_id":0,"value":250000}`
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/prices/XRP/submissions", provToken, submit).Code)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/prices/XRP/submissions", provToken, submit).Code)

	xrp := pricefeed.PublishEntry{FeedID: "XRP", VotingRoundID: 1, Value: 250_000, Decimals: 5}
	usdc := pricefeed.PublishEntry{FeedID: "USDC", VotingRoundID: 1, Value: 100_000, Decimals: 5}
	xrpLeaf := pricefeed.PublishLeafHash(xrp)
	usdcLeaf := pricefeed.PublishLeafHash(usdc)
	root := hashSortedPair(xrpLeaf, usdcLeaf)

	rootBody := fmt.Sprintf(`{"voting_round_id":1,"root":"0x%s"}`, hex.EncodeToString(root[:]))
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/prices/roots", govToken, rootBody).Code)

	// Advance past round 1's submission window before publishing.
	*h.now = 150
	publish := fmt.Sprintf(`{"entries":[
		{"feed_id":"XRP","voting_round_id":1,"value":250000,"decimals":5,"proof":["0x%s"]},
		{"feed_id":"USDC","voting_round_id":1,"value":100000,"decimals":5,"proof":["0x%s"]}
	]}`, hex.EncodeToString(usdcLeaf[:]), hex.EncodeToString(xrpLeaf[:]))
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/prices/publish", mgrToken, publish).Code)

	priceResp := h.do(t, http.MethodGet, "/v1/prices/XRP", mgrToken, "")
	require.Equal(t, http.StatusOK, priceResp.Code)
	price := decodeBody(t, priceResp)
	require.Equal(t, float64(250_000), price["value"])
	require.Equal(t, float64(1), price["voting_round_id"])

	trusted := decodeBody(t, h.do(t, http.MethodGet, "/v1/prices/XRP/trusted", mgrToken, ""))
	require.Equal(t, float64(250_000), trusted["value"])
	require.Equal(t, float64(1), trusted["number_of_submits"])
	require.Equal(t, true, trusted["fresh"])

	amgResp := h.do(t, http.MethodGet, "/v1/prices/amg-wei", mgrToken, "")
	require.Equal(t, http.StatusOK, amgResp.Code)
	amgPrice, ok := decodeBody(t, amgResp)["amg_to_token_wei_price"].(string)
	require.True(t, ok)
	require.NotEqual(t, "0", amgPrice)

	// A tampered proof is rejected.
	bad := fmt.Sprintf(`{"entries":[{"feed_id":"XRP","voting_round_id":2,"value":1,"decimals":5,"proof":["0x%s"]}]}`, strings.Repeat("22", 32))
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/prices/publish", mgrToken, bad).Code)

	// A governance granularity change reprices the AMG conversion.
	update := `{"minting_granularity_uba":20000}`
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/v1/settings", govToken, update).Code)
	repriced := decodeBody(t, h.do(t, http.MethodGet, "/v1/prices/amg-wei", mgrToken, ""))["amg_to_token_wei_price"].(string)
	require.NotEqual(t, amgPrice, repriced)
}

func hashSortedPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(a[:], b[:]))
	return out
}
