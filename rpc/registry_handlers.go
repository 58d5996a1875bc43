package rpc

import (
	"fmt"
	"net/http"

	"fusymarket/native/market"
	"fusymarket/state"
)

// The registry surface lets an operator drive the token ledger directly:
// mint tokens, manage operator approvals, and configure royalty policies.

type registryMintParams struct {
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Owner      string `json:"owner"`
}

type registryApproveParams struct {
	Collection string `json:"collection"`
	Owner      string `json:"owner"`
	Operator   string `json:"operator"`
	Approved   bool   `json:"approved"`
}

type registryRoyaltyParams struct {
	Collection string `json:"collection"`
	Recipient  string `json:"recipient"`
	Percentage uint64 `json:"percentage"`
}

type ownerResult struct {
	Owner string `json:"owner"`
}

// SetRegistry attaches the collection registry surface to the server.
func (s *Server) SetRegistry(registry *state.CollectionRegistry) {
	s.registry = registry
}

func (s *Server) registryReady(w http.ResponseWriter, req *RPCRequest) bool {
	if s.registry != nil {
		return true
	}
	writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "registry not enabled", nil)
	return false
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, req *RPCRequest) error {
	if !s.registryReady(w, req) {
		return fmt.Errorf("registry not enabled")
	}
	var params registryMintParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	collection, err := parseHexAddress(params.Collection)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	owner, err := parseHexAddress(params.Owner)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.registry.Mint(collection, tokenID, owner); err != nil {
		writeError(w, http.StatusConflict, req.ID, codeMarketConflict, "conflict", err.Error())
		return err
	}
	writeResult(w, req.ID, ownerResult{Owner: formatAddress(owner)})
	return nil
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, req *RPCRequest) error {
	if !s.registryReady(w, req) {
		return fmt.Errorf("registry not enabled")
	}
	var params registryApproveParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	collection, err := parseHexAddress(params.Collection)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	owner, err := parseHexAddress(params.Owner)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	operator, err := parseHexAddress(params.Operator)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.registry.SetApproval(collection, owner, operator, params.Approved); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, "internal_error", err.Error())
		return err
	}
	writeResult(w, req.ID, params.Approved)
	return nil
}

func (s *Server) handleRegistrySetRoyalty(w http.ResponseWriter, req *RPCRequest) error {
	if !s.registryReady(w, req) {
		return fmt.Errorf("registry not enabled")
	}
	var params registryRoyaltyParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	collection, err := parseHexAddress(params.Collection)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	recipient, err := parseHexAddress(params.Recipient)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if params.Percentage > 100 {
		return writeInvalidParams(w, req.ID, fmt.Errorf("percentage must be <= 100"))
	}
	var ratio market.Ratio
	if params.Percentage > 0 {
		ratio = market.RatioFromPercentage(params.Percentage)
	}
	if err := s.registry.SetRoyalty(collection, recipient, ratio); err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeMarketInternal, "internal_error", err.Error())
		return err
	}
	writeResult(w, req.ID, ratioToJSON(ratio))
	return nil
}

func (s *Server) handleRegistryOwnerOf(w http.ResponseWriter, req *RPCRequest) string {
	if !s.registryReady(w, req) {
		return "error"
	}
	var params marketSlotParams
	if err := singleParam(req, &params); err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	collection, err := parseHexAddress(params.Collection)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	owner, err := s.registry.OwnerOf(collection, tokenID)
	if err != nil {
		writeError(w, http.StatusNotFound, req.ID, codeMarketNotFound, "not_found", err.Error())
		return "error"
	}
	writeResult(w, req.ID, ownerResult{Owner: formatAddress(owner)})
	return "ok"
}
