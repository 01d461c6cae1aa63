package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"deedvault/core"
	"deedvault/crypto"
	"deedvault/gateway/middleware"
	"deedvault/native/escrow"
	"deedvault/native/registry"
)

// ScopeSettleWrite is the JWT scope required by every mutating endpoint.
const ScopeSettleWrite = "settle:write"

// Config assembles the REST facade over a settlement node.
type Config struct {
	Node          *core.Node
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *log.Logger
}

type server struct {
	node   *core.Node
	logger *log.Logger
}

// New builds the gateway handler: CORS, request ids and observability wrap
// every route; rate limits and JWT scopes wrap the mutating group.
func New(cfg Config) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, errors.New("gateway: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &server{node: cfg.Node, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.RequestID)
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware("read"))
		}
		v1.Get("/listings/{tokenID}", s.getListing)
		v1.Get("/escrow/balance", s.getEscrowBalance)
		v1.Get("/escrow/parties", s.getParties)
		v1.Get("/registry/tokens/{tokenID}", s.getToken)
		v1.Get("/registry/supply", s.getSupply)
		v1.Get("/accounts/{address}/balance", s.getAccountBalance)
		v1.Get("/events", s.getEvents)

		v1.Group(func(mut chi.Router) {
			if cfg.RateLimiter != nil {
				mut.Use(cfg.RateLimiter.Middleware("write"))
			}
			if cfg.Authenticator != nil {
				mut.Use(cfg.Authenticator.Middleware(ScopeSettleWrite))
			}
			mut.Post("/registry/mint", s.postMint)
			mut.Post("/registry/approve", s.postApprove)
			mut.Post("/listings", s.postList)
			mut.Post("/listings/{tokenID}/deposit", s.postDeposit)
			mut.Post("/listings/{tokenID}/inspection", s.postInspection)
			mut.Post("/listings/{tokenID}/approve", s.postApproveSale)
			mut.Post("/listings/{tokenID}/finalize", s.postFinalize)
			mut.Post("/escrow/funds", s.postSendFunds)
		})
	})

	return r, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorBody(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func (s *server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrUnknownListing) || errors.Is(err, registry.ErrTokenNotFound):
		writeErrorBody(w, http.StatusNotFound, err.Error())
	case errors.Is(err, escrow.ErrUnauthorized) || errors.Is(err, registry.ErrUnauthorized):
		writeErrorBody(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrInvalidState) || errors.Is(err, escrow.ErrInsufficientFunds):
		writeErrorBody(w, http.StatusConflict, err.Error())
	default:
		s.logger.Printf("gateway: internal error: %v", err)
		writeErrorBody(w, http.StatusInternalServerError, "internal error")
	}
}

func tokenIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "tokenID")
	return strconv.ParseUint(raw, 10, 64)
}

func decodeAddressParam(value string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.DeedPrefix, addr[:]).String()
}

func decodeBody(r *http.Request, dest interface{}) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

type listingResponse struct {
	TokenID          uint64   `json:"tokenId"`
	IsListed         bool     `json:"isListed"`
	Buyer            string   `json:"buyer"`
	PurchasePrice    string   `json:"purchasePrice"`
	EscrowAmount     string   `json:"escrowAmount"`
	InspectionPassed bool     `json:"inspectionPassed"`
	Approvals        []string `json:"approvals,omitempty"`
	CreatedAt        uint64   `json:"createdAt"`
	FinalizedAt      uint64   `json:"finalizedAt,omitempty"`
}

func formatListing(listing *escrow.Listing) listingResponse {
	price := "0"
	if listing.PurchasePrice != nil {
		price = listing.PurchasePrice.String()
	}
	earnest := "0"
	if listing.EscrowAmount != nil {
		earnest = listing.EscrowAmount.String()
	}
	var approvals []string
	for _, addr := range listing.Approvals {
		approvals = append(approvals, formatAddress(addr))
	}
	return listingResponse{
		TokenID:          listing.TokenID,
		IsListed:         listing.IsListed,
		Buyer:            formatAddress(listing.Buyer),
		PurchasePrice:    price,
		EscrowAmount:     earnest,
		InspectionPassed: listing.InspectionPassed,
		Approvals:        approvals,
		CreatedAt:        listing.CreatedAt,
		FinalizedAt:      listing.FinalizedAt,
	}
}

// --- Read handlers ---

func (s *server) getListing(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid token id")
		return
	}
	listing, err := s.node.EscrowGetListing(tokenID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatListing(listing))
}

func (s *server) getEscrowBalance(w http.ResponseWriter, _ *http.Request) {
	balance, err := s.node.EscrowBalance()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *server) getParties(w http.ResponseWriter, _ *http.Request) {
	parties := s.node.Parties()
	writeJSON(w, http.StatusOK, map[string]string{
		"seller":    formatAddress(parties.Seller),
		"inspector": formatAddress(parties.Inspector),
		"lender":    formatAddress(parties.Lender),
		"vault":     formatAddress(s.node.EscrowVaultAddress()),
	})
}

func (s *server) getToken(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid token id")
		return
	}
	owner, err := s.node.RegistryOwnerOf(tokenID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	uri, err := s.node.RegistryTokenURI(tokenID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tokenId": tokenID,
		"owner":   formatAddress(owner),
		"uri":     uri,
	})
}

func (s *server) getSupply(w http.ResponseWriter, _ *http.Request) {
	supply, err := s.node.RegistryTotalSupply()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"totalSupply": supply})
}

func (s *server) getAccountBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := decodeAddressParam(chi.URLParam(r, "address"))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := s.node.AccountBalance(addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address": formatAddress(addr),
		"balance": balance.String(),
	})
}

func (s *server) getEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.node.RecentEvents())
}

// --- Mutating handlers ---

type mintRequest struct {
	Caller string `json:"caller"`
	URI    string `json:"uri"`
}

func (s *server) postMint(w http.ResponseWriter, r *http.Request) {
	var body mintRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	token, err := s.node.RegistryMint(caller, body.URI)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tokenId": token.ID,
		"owner":   formatAddress(token.Owner),
		"uri":     token.URI,
	})
}

type approveRequest struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator"`
	TokenID  uint64 `json:"tokenId"`
}

func (s *server) postApprove(w http.ResponseWriter, r *http.Request) {
	var body approveRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	operator, err := decodeAddressParam(body.Operator)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid operator address")
		return
	}
	if err := s.node.RegistryApprove(caller, operator, body.TokenID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listRequest struct {
	Caller       string `json:"caller"`
	TokenID      uint64 `json:"tokenId"`
	Buyer        string `json:"buyer"`
	Price        string `json:"price"`
	EscrowAmount string `json:"escrowAmount"`
}

func parseAmount(value string, minSign int) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < minSign {
		return nil, false
	}
	return amount, true
}

func (s *server) postList(w http.ResponseWriter, r *http.Request) {
	var body listRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	buyer, err := decodeAddressParam(body.Buyer)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid buyer address")
		return
	}
	price, ok := parseAmount(body.Price, 1)
	if !ok {
		writeErrorBody(w, http.StatusBadRequest, "price must be a positive integer")
		return
	}
	earnest, ok := parseAmount(body.EscrowAmount, 0)
	if !ok {
		writeErrorBody(w, http.StatusBadRequest, "escrowAmount must be a non-negative integer")
		return
	}
	listing, err := s.node.EscrowList(caller, body.TokenID, buyer, price, earnest)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, formatListing(listing))
}

type depositRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *server) postDeposit(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid token id")
		return
	}
	var body depositRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	amount, ok := parseAmount(body.Amount, 1)
	if !ok {
		writeErrorBody(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	if err := s.node.EscrowDepositEarnest(caller, tokenID, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type inspectionRequest struct {
	Caller string `json:"caller"`
	Passed bool   `json:"passed"`
}

func (s *server) postInspection(w http.ResponseWriter, r *http.Request) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid token id")
		return
	}
	var body inspectionRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if err := s.node.EscrowUpdateInspection(caller, tokenID, body.Passed); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorRequest struct {
	Caller string `json:"caller"`
}

func (s *server) postApproveSale(w http.ResponseWriter, r *http.Request) {
	s.settlementTransition(w, r, s.node.EscrowApproveSale)
}

func (s *server) postFinalize(w http.ResponseWriter, r *http.Request) {
	s.settlementTransition(w, r, s.node.EscrowFinalizeSale)
}

func (s *server) settlementTransition(w http.ResponseWriter, r *http.Request, fn func([20]byte, uint64) error) {
	tokenID, err := tokenIDParam(r)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid token id")
		return
	}
	var body actorRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, err := decodeAddressParam(body.Caller)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	if err := fn(caller, tokenID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendFundsRequest struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

func (s *server) postSendFunds(w http.ResponseWriter, r *http.Request) {
	var body sendFundsRequest
	if err := decodeBody(r, &body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := decodeAddressParam(body.From)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid from address")
		return
	}
	amount, ok := parseAmount(body.Amount, 1)
	if !ok {
		writeErrorBody(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	if err := s.node.EscrowReceive(from, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
