package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"tokensale/internal/app"
	"tokensale/internal/config"
	"tokensale/internal/hmacauth"
	"tokensale/internal/sale"
	"tokensale/internal/token"
)

var (
	owners = []common.Address{
		common.HexToAddress("0x1000000000000000000000000000000000000000"),
		common.HexToAddress("0x1000000000000000000000000000000000000001"),
		common.HexToAddress("0x1000000000000000000000000000000000000002"),
	}
	investor    = common.HexToAddress("0xb0000000000000000000000000000000000000b1")
	distributor = common.HexToAddress("0xd000000000000000000000000000000000000001")
)

func secretOf(addr common.Address) string {
	return "secret-" + strings.ToLower(addr.Hex())
}

type harness struct {
	t   *testing.T
	srv *Server
	d   *app.Deployment
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := app.New(context.Background(), app.Options{
		Owners:          owners,
		Threshold:       2,
		Supply:          token.Units(36_000_000),
		CapPercent:      sale.DefaultCapPercent,
		TokenPriceCents: sale.DefaultTokenPriceCents,
		EndTime:         sale.DefaultEndTime,
		Tiers:           sale.DefaultTiers(),
		Distributor:     distributor,
		EthPriceCents:   30000,
		Bootstrap:       true,
		Clock:           func() time.Time { return time.Unix(1541019600, 0) },
	})
	require.NoError(t, err)
	d.Chain.Fund(investor, ether(100))

	cfg := &config.AppConfig{
		Seed: config.SeedConfig{Secrets: map[string]string{}},
		Service: config.ServiceConfig{
			HTTPPort:      0,
			HMACClockSkew: time.Minute,
			StoreType:     "memory",
		},
	}
	for _, p := range append(append([]common.Address{}, owners...), investor) {
		cfg.Seed.Secrets[p.Hex()] = secretOf(p)
	}
	return &harness{t: t, srv: NewServer(cfg, d), d: d}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

func (h *harness) do(method, path string, principal *common.Address, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if principal != nil {
		require.NoError(h.t, hmacauth.SignRequest(req, *principal, []byte(secretOf(*principal)), time.Now()))
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) post(path string, principal common.Address, body interface{}) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, path, &principal, body)
}

// consent posts the same operation as owners[0] then owners[1].
func (h *harness) consent(path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	first := h.post(path, owners[0], body)
	require.Equal(h.t, http.StatusAccepted, first.Code, first.Body.String())
	return h.post(path, owners[1], body)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestBuyIssuesTokens(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/api/v1/buy", investor, map[string]string{"amount": ether(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[purchaseResponse](t, rec)
	require.Equal(t, token.Units(150).String(), resp.Tokens)
	require.Equal(t, "ACTIVE", resp.State)
	require.NotEmpty(t, rec.Header().Get(headerRequestID))

	rec = h.post("/api/v1/buy", investor, map[string]string{"amount": "abc"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	metrics := h.do(http.MethodGet, "/api/v1/metrics", nil, nil)
	require.Contains(t, metrics.Body.String(), `tokensale_buys_total{status="accepted"} 1`)
	require.Contains(t, metrics.Body.String(), "tokensale_tokens_sold")
}

func TestUnsignedRequestRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/buy", nil, map[string]string{"amount": "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPauseNeedsTwoOwners(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/api/v1/governance/pause", investor, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.consent("/api/v1/governance/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decodeBody[confirmation](t, rec).Executed)

	rec = h.post("/api/v1/buy", investor, map[string]string{"amount": ether(1).String()})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.post("/api/v1/governance/unknown", owners[0], nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	body := map[string]string{
		"paymentId": "card-1",
		"recipient": investor.Hex(),
		"amount":    ether(1).String(),
	}

	rec := h.post("/api/v1/credits", owners[1], body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.post("/api/v1/credits", owners[0], body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, token.Units(150).String(), decodeBody[creditResponse](t, rec).Purchase.Tokens)

	rec = h.post("/api/v1/credits", owners[0], body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[creditResponse](t, rec).Duplicate)

	rec = h.post("/api/v1/minter/owner", owners[0], map[string]string{"owner": owners[2].Hex()})
	require.Equal(t, http.StatusOK, rec.Code)
	body["paymentId"] = "card-2"
	require.Equal(t, http.StatusForbidden, h.post("/api/v1/credits", owners[0], body).Code)
	require.Equal(t, http.StatusCreated, h.post("/api/v1/credits", owners[2], body).Code)
}

func TestHotFixOverHTTP(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.post("/api/v1/buy", investor, map[string]string{"amount": ether(1).String()}).Code)
	source := h.d.Live().Address()

	require.Equal(t, http.StatusForbidden, h.post("/api/v1/sales", investor, nil).Code)
	rec := h.post("/api/v1/sales", owners[0], nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	next := common.HexToAddress(decodeBody[map[string]string](t, rec)["address"])

	require.Equal(t, http.StatusOK, h.consent("/api/v1/governance/pause", nil).Code)
	require.Equal(t, http.StatusOK, h.consent("/api/v1/escrow/setController", map[string]string{"controller": next.Hex()}).Code)
	rec = h.consent("/api/v1/governance/hotfix", map[string]string{"successor": next.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.consent("/api/v1/governance/init?sale="+next.Hex(), map[string]string{"distributor": distributor.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.consent("/api/v1/governance/setNonEtherController?sale="+next.Hex(),
		map[string]string{"controller": h.d.Minter.Address().Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap := decodeBody[snapshotResponse](t, h.do(http.MethodGet, "/api/v1/sale", nil, nil))
	require.Equal(t, next.Hex(), snap.Live)
	require.Len(t, snap.Sales, 2)
	require.Equal(t, "PAUSED", snap.Sales[0].State)
	require.Equal(t, next.Hex(), snap.Sales[0].Successor)
	require.Equal(t, source.Hex(), snap.Sales[1].Predecessor)
	require.Equal(t, "ACTIVE", snap.Sales[1].State)
	require.Equal(t, next.Hex(), snap.Escrow.Controller)
	require.Empty(t, snap.Pending)

	rec = h.post("/api/v1/buy", investor, map[string]string{"amount": ether(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, next.Hex(), decodeBody[purchaseResponse](t, rec).Sale)

	rec = h.post("/api/v1/governance/unpause?sale="+source.Hex(), owners[0], nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestWrongStateOperationGathersNoConfirmation(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/api/v1/sales", owners[0], nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	next := decodeBody[map[string]string](t, rec)["address"]

	rec = h.post("/api/v1/governance/unpause", owners[0], nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	rec = h.post("/api/v1/governance/hotfix", owners[0], map[string]string{"successor": next})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	snap := decodeBody[snapshotResponse](t, h.do(http.MethodGet, "/api/v1/sale", nil, nil))
	require.Empty(t, snap.Pending)
	require.Equal(t, "ACTIVE", snap.Sales[0].State)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]interface{}](t, rec)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "ACTIVE", body["sale"])
}
