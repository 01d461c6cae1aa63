package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"deedvault/core"
	"deedvault/crypto"
	"deedvault/gateway/middleware"
	"deedvault/storage"
)

const testSecret = "gateway-test-secret"

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	testSeller    = newTestAddress(0x01)
	testInspector = newTestAddress(0x02)
	testLender    = newTestAddress(0x03)
	testBuyer     = newTestAddress(0x04)
)

func bech(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.DeedPrefix, addr[:]).String()
}

func newTestGateway(t *testing.T) (http.Handler, *core.Node) {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), core.Parties{
		Seller:    testSeller,
		Inspector: testInspector,
		Lender:    testLender,
	}, []core.GenesisAllocation{
		{Address: crypto.MustNewAddress(crypto.DeedPrefix, testBuyer[:]), Balance: big.NewInt(5)},
		{Address: crypto.MustNewAddress(crypto.DeedPrefix, testLender[:]), Balance: big.NewInt(5)},
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	handler, err := New(Config{
		Node: node,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: testSecret,
			Issuer:     "deedvault",
		}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return handler, node
}

func writeToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "deedvault",
		"scope": ScopeSettleWrite,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func mustDo(t *testing.T, handler http.Handler, method, path, token string, payload interface{}, wantStatus int) *httptest.ResponseRecorder {
	t.Helper()
	recorder := doJSON(t, handler, method, path, token, payload)
	if recorder.Code != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d (%s)", method, path, wantStatus, recorder.Code, recorder.Body.String())
	}
	return recorder
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	handler, _ := newTestGateway(t)
	mustDo(t, handler, http.MethodGet, "/healthz", "", nil, http.StatusOK)
	mustDo(t, handler, http.MethodGet, "/metrics", "", nil, http.StatusOK)
}

func TestMutatingEndpointsRequireToken(t *testing.T) {
	handler, _ := newTestGateway(t)
	recorder := doJSON(t, handler, http.MethodPost, "/v1/registry/mint", "", mintRequest{Caller: bech(testSeller), URI: "ipfs://deed/1"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestReadEndpointsOpen(t *testing.T) {
	handler, _ := newTestGateway(t)
	mustDo(t, handler, http.MethodGet, "/v1/escrow/parties", "", nil, http.StatusOK)
	mustDo(t, handler, http.MethodGet, "/v1/escrow/balance", "", nil, http.StatusOK)
	recorder := doJSON(t, handler, http.MethodGet, "/v1/listings/42", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown listing, got %d", recorder.Code)
	}
}

func TestSettlementLifecycleOverGateway(t *testing.T) {
	handler, node := newTestGateway(t)
	token := writeToken(t)
	vault := bech(node.EscrowVaultAddress())

	mustDo(t, handler, http.MethodPost, "/v1/registry/mint", token,
		mintRequest{Caller: bech(testSeller), URI: "ipfs://deed/1"}, http.StatusCreated)
	mustDo(t, handler, http.MethodPost, "/v1/registry/approve", token,
		approveRequest{Caller: bech(testSeller), Operator: vault, TokenID: 1}, http.StatusOK)
	mustDo(t, handler, http.MethodPost, "/v1/listings", token,
		listRequest{Caller: bech(testSeller), TokenID: 1, Buyer: bech(testBuyer), Price: "10", EscrowAmount: "5"}, http.StatusCreated)
	mustDo(t, handler, http.MethodPost, "/v1/listings/1/deposit", token,
		depositRequest{Caller: bech(testBuyer), Amount: "5"}, http.StatusOK)
	mustDo(t, handler, http.MethodPost, "/v1/listings/1/inspection", token,
		inspectionRequest{Caller: bech(testInspector), Passed: true}, http.StatusOK)
	for _, approver := range [][20]byte{testBuyer, testSeller, testLender} {
		mustDo(t, handler, http.MethodPost, "/v1/listings/1/approve", token,
			actorRequest{Caller: bech(approver)}, http.StatusOK)
	}
	mustDo(t, handler, http.MethodPost, "/v1/escrow/funds", token,
		sendFundsRequest{From: bech(testLender), Amount: "5"}, http.StatusOK)
	mustDo(t, handler, http.MethodPost, "/v1/listings/1/finalize", token,
		actorRequest{Caller: bech(testSeller)}, http.StatusOK)

	recorder := mustDo(t, handler, http.MethodGet, "/v1/registry/tokens/1", "", nil, http.StatusOK)
	var tokenBody struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &tokenBody); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tokenBody.Owner != bech(testBuyer) {
		t.Fatalf("expected buyer ownership, got %s", tokenBody.Owner)
	}

	recorder = mustDo(t, handler, http.MethodGet, "/v1/escrow/balance", "", nil, http.StatusOK)
	var balanceBody struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &balanceBody); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balanceBody.Balance != "0" {
		t.Fatalf("expected drained custody pool, got %s", balanceBody.Balance)
	}

	path := fmt.Sprintf("/v1/accounts/%s/balance", bech(testSeller))
	recorder = mustDo(t, handler, http.MethodGet, path, "", nil, http.StatusOK)
	if err := json.Unmarshal(recorder.Body.Bytes(), &balanceBody); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balanceBody.Balance != "10" {
		t.Fatalf("expected seller paid 10, got %s", balanceBody.Balance)
	}
}

func TestEngineErrorsMapToStatusCodes(t *testing.T) {
	handler, node := newTestGateway(t)
	token := writeToken(t)
	vault := bech(node.EscrowVaultAddress())

	mustDo(t, handler, http.MethodPost, "/v1/registry/mint", token,
		mintRequest{Caller: bech(testSeller), URI: "ipfs://deed/1"}, http.StatusCreated)
	mustDo(t, handler, http.MethodPost, "/v1/registry/approve", token,
		approveRequest{Caller: bech(testSeller), Operator: vault, TokenID: 1}, http.StatusOK)
	mustDo(t, handler, http.MethodPost, "/v1/listings", token,
		listRequest{Caller: bech(testSeller), TokenID: 1, Buyer: bech(testBuyer), Price: "10", EscrowAmount: "5"}, http.StatusCreated)

	// Wrong depositor is forbidden; premature finalize conflicts.
	recorder := doJSON(t, handler, http.MethodPost, "/v1/listings/1/deposit", token,
		depositRequest{Caller: bech(testLender), Amount: "5"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	recorder = doJSON(t, handler, http.MethodPost, "/v1/listings/1/finalize", token,
		actorRequest{Caller: bech(testSeller)})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}
