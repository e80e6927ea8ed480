package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reserve-bridge/internal/chainwatch"
	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/observability"
	"reserve-bridge/internal/settlement"
)

// apiServer exposes the synchronous order entry points plus
// health/status/metrics.
type apiServer struct {
	coordinator *settlement.Coordinator
	ingestor    *chainwatch.Ingestor
	logger      *log.Logger
	started     time.Time
}

func newAPIServer(coordinator *settlement.Coordinator, ingestor *chainwatch.Ingestor, logger *log.Logger) *apiServer {
	return &apiServer{
		coordinator: coordinator,
		ingestor:    ingestor,
		logger:      logger,
		started:     time.Now(),
	}
}

// start runs the HTTP server; it blocks.
func (s *apiServer) start(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/orders/buy", s.handleOrder(domain.SideBuy))
	mux.HandleFunc("/orders/sell", s.handleOrder(domain.SideSell))

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// orderRequest is the JSON body of the synchronous buy/sell endpoints.
// Amounts are decimal strings, never floats.
type orderRequest struct {
	User        string `json:"user"`
	Token       string `json:"token"`
	Symbol      string `json:"symbol"`
	FiatAmount  string `json:"fiat_amount"`
	AssetAmount string `json:"asset_amount,omitempty"`
	Price       string `json:"price,omitempty"`
}

// orderResponse mirrors domain.SettlementResult for the API.
type orderResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Kind         string `json:"kind,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	FiatAmount   string `json:"fiat_amount,omitempty"`
	AssetAmount  string `json:"asset_amount,omitempty"`
	ReserveAfter string `json:"reserve_after,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
}

// handleOrder settles one synchronous order. Failures come back as a
// structured kind + message, never a bare 500.
func (s *apiServer) handleOrder(side domain.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body orderRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, orderResponse{
				Success: false,
				Kind:    settlement.KindInvalidRequest,
				Message: fmt.Sprintf("decode body: %v", err),
			})
			return
		}

		req, err := buildRequest(&body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, orderResponse{
				Success: false,
				Kind:    settlement.KindInvalidRequest,
				Message: err.Error(),
			})
			return
		}

		var result *domain.SettlementResult
		if side == domain.SideBuy {
			result, err = s.coordinator.SettleBuy(r.Context(), req)
		} else {
			result, err = s.coordinator.SettleSell(r.Context(), req)
		}

		resp := orderResponse{
			Success:      result.Success,
			Message:      result.Message,
			Symbol:       result.Symbol,
			FiatAmount:   result.FiatAmount.String(),
			AssetAmount:  result.AssetAmount.String(),
			ReserveAfter: result.ReserveAfter.String(),
		}
		if result.TxHash != nil {
			resp.TxHash = result.TxHash.Hex()
		}

		status := http.StatusOK
		if err != nil {
			resp.Kind = settlement.Kind(err)
			status = statusForKind(resp.Kind)
		}
		writeJSON(w, status, resp)
	}
}

// buildRequest validates and converts the JSON body.
func buildRequest(body *orderRequest) (*domain.SettlementRequest, error) {
	if !common.IsHexAddress(body.User) {
		return nil, fmt.Errorf("invalid user address %q", body.User)
	}
	if !common.IsHexAddress(body.Token) {
		return nil, fmt.Errorf("invalid token address %q", body.Token)
	}

	fiat, err := decimal.NewFromString(body.FiatAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid fiat amount %q", body.FiatAmount)
	}

	asset := decimal.Zero
	if body.AssetAmount != "" {
		if asset, err = decimal.NewFromString(body.AssetAmount); err != nil {
			return nil, fmt.Errorf("invalid asset amount %q", body.AssetAmount)
		}
	}

	price := decimal.Zero
	if body.Price != "" {
		if price, err = decimal.NewFromString(body.Price); err != nil {
			return nil, fmt.Errorf("invalid price %q", body.Price)
		}
	}

	return domain.NewSettlementRequest(
		common.HexToAddress(body.User),
		common.HexToAddress(body.Token),
		body.Symbol,
		fiat, asset, price,
	)
}

// statusForKind maps failure kinds to HTTP status codes.
func statusForKind(kind string) int {
	switch kind {
	case settlement.KindInvalidRequest:
		return http.StatusBadRequest
	case settlement.KindInsufficientReserve,
		settlement.KindInsufficientBalance,
		settlement.KindIdentityNotVerified:
		return http.StatusUnprocessableEntity
	case settlement.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status          string `json:"status"`
	Uptime          string `json:"uptime"`
	ConnectionState string `json:"connection_state"`
	QueueDepth      int    `json:"queue_depth"`
}

// handleStatus returns daemon status as JSON.
func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:          "running",
		Uptime:          time.Since(s.started).String(),
		ConnectionState: s.ingestor.State().String(),
		QueueDepth:      s.ingestor.QueueDepth(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
