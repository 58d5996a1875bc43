package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"fusymarket/native/market"
	"fusymarket/observability"
	"fusymarket/state"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// Server exposes the market engine over JSON-RPC. Mutating methods run
// serialized: the engine's snapshot discipline keeps each operation atomic
// and the server commits the state overlay to disk only after the operation
// succeeds.
type Server struct {
	mu       sync.RWMutex
	engine   *market.Engine
	st       *state.Manager
	registry *state.CollectionRegistry
	metrics  *observability.Metrics

	authToken string
}

// NewServer wires the engine and its state manager into an RPC server. The
// bearer token for mutating methods comes from FUSY_RPC_TOKEN.
func NewServer(engine *market.Engine, st *state.Manager, metrics *observability.Metrics) *Server {
	token := strings.TrimSpace(os.Getenv("FUSY_RPC_TOKEN"))
	return &Server{
		engine:    engine,
		st:        st,
		metrics:   metrics,
		authToken: token,
	}
}

// Handler returns the http.Handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Start serves the RPC endpoint on addr and blocks.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	outcome := s.dispatch(w, r, req)
	if s.metrics != nil {
		s.metrics.ObserveRequest(req.Method, outcome, time.Since(started))
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
	switch req.Method {
	case "market_list":
		return s.mutating(w, r, req, s.handleList)
	case "market_changePrice":
		return s.mutating(w, r, req, s.handleChangePrice)
	case "market_buy":
		return s.mutating(w, r, req, s.handleBuy)
	case "market_makeOffer":
		return s.mutating(w, r, req, s.handleMakeOffer)
	case "market_cancelOffer":
		return s.mutating(w, r, req, s.handleCancelOffer)
	case "market_takeOffer":
		return s.mutating(w, r, req, s.handleTakeOffer)
	case "market_makeCounteroffer":
		return s.mutating(w, r, req, s.handleMakeCounteroffer)
	case "market_takeCounteroffer":
		return s.mutating(w, r, req, s.handleTakeCounteroffer)
	case "market_withdraw":
		return s.mutating(w, r, req, s.handleWithdraw)
	case "market_setFeePercentage":
		return s.mutating(w, r, req, s.handleSetFeePercentage)
	case "market_setFloorPercentage":
		return s.mutating(w, r, req, s.handleSetFloorPercentage)
	case "registry_mint":
		return s.mutating(w, r, req, s.handleRegistryMint)
	case "registry_approve":
		return s.mutating(w, r, req, s.handleRegistryApprove)
	case "registry_setRoyalty":
		return s.mutating(w, r, req, s.handleRegistrySetRoyalty)
	case "registry_ownerOf":
		return s.reading(w, req, s.handleRegistryOwnerOf)
	case "market_isListed":
		return s.reading(w, req, s.handleIsListed)
	case "market_getListing":
		return s.reading(w, req, s.handleGetListing)
	case "market_totalListed":
		return s.reading(w, req, s.handleTotalListed)
	case "market_getOffer":
		return s.reading(w, req, s.handleGetOffer)
	case "market_countOffers":
		return s.reading(w, req, s.handleCountOffers)
	case "market_getCounteroffer":
		return s.reading(w, req, s.handleGetCounteroffer)
	case "market_getFeeRatio":
		return s.reading(w, req, s.handleGetFeeRatio)
	case "market_getFloorRatio":
		return s.reading(w, req, s.handleGetFloorRatio)
	case "market_getBenefits":
		return s.reading(w, req, s.handleGetBenefits)
	case "market_feeFor":
		return s.reading(w, req, s.handleFeeFor)
	case "market_minOfferPrice":
		return s.reading(w, req, s.handleMinOfferPrice)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
		return "method_not_found"
	}
}

// mutating gates a state-changing handler behind bearer auth, serializes it
// against other writers and commits the state overlay when it succeeds.
func (s *Server) mutating(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(http.ResponseWriter, *RPCRequest) error) string {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return "unauthorized"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(w, req); err != nil {
		return "error"
	}
	if s.st != nil {
		if err := s.st.Commit(); err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "state commit failed", err.Error())
			return "error"
		}
	}
	s.refreshGauges()
	return "ok"
}

// reading holds the read side of the server lock for a query handler. The
// state overlay is a plain map, so queries must not run while a writer is
// mid-operation.
func (s *Server) reading(w http.ResponseWriter, req *RPCRequest, fn func(http.ResponseWriter, *RPCRequest) string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(w, req)
}

func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	if total, err := s.engine.TotalListed(); err == nil {
		s.metrics.SetActiveListings(total)
	}
	if benefits, err := s.engine.BenefitsAccumulated(); err == nil {
		value, _ := new(big.Float).SetInt(benefits).Float64()
		s.metrics.SetBenefits(value)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

// --- shared parsing helpers ---

func parseHexAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if len(trimmed) != 40 {
		return addr, fmt.Errorf("address must be 20 hex-encoded bytes")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address encoding: %w", err)
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
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

func parsePositiveBigInt(raw string) (*big.Int, error) {
	value, err := parseBigInt(raw)
	if err != nil {
		return nil, err
	}
	if value.Sign() == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return value, nil
}

func singleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %w", err)
	}
	return nil
}
