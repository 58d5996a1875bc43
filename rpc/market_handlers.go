package rpc

import (
	"errors"
	"math/big"
	"net/http"

	"fusymarket/native/market"
)

const (
	codeMarketInvalidParams = -32031
	codeMarketNotFound      = -32032
	codeMarketForbidden     = -32033
	codeMarketConflict      = -32034
	codeMarketPayment       = -32035
	codeMarketInternal      = -32036
)

type marketSlotParams struct {
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
}

type marketListParams struct {
	Caller     string `json:"caller"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Price      string `json:"price"`
}

type marketBuyParams struct {
	Caller     string `json:"caller"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Attached   string `json:"attached,omitempty"`
}

type marketMakeOfferParams struct {
	Caller       string `json:"caller"`
	Collection   string `json:"collection"`
	TokenID      string `json:"tokenId"`
	Price        string `json:"price"`
	Attached     string `json:"attached,omitempty"`
	DurationDays uint64 `json:"durationDays"`
}

type marketOfferParams struct {
	Caller     string `json:"caller,omitempty"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Index      uint64 `json:"index"`
}

type marketMakeCounterofferParams struct {
	Caller       string `json:"caller"`
	Collection   string `json:"collection"`
	TokenID      string `json:"tokenId"`
	Index        uint64 `json:"index"`
	Price        string `json:"price"`
	DurationDays uint64 `json:"durationDays,omitempty"`
}

type marketTakeCounterofferParams struct {
	Caller         string `json:"caller"`
	CounterofferID uint64 `json:"counterofferId"`
	Attached       string `json:"attached,omitempty"`
}

type marketCallerParams struct {
	Caller string `json:"caller"`
}

type marketPercentageParams struct {
	Caller     string `json:"caller"`
	Percentage uint64 `json:"percentage"`
}

type marketCounterofferIDParams struct {
	CounterofferID uint64 `json:"counterofferId"`
}

type marketAmountParams struct {
	Amount string `json:"amount"`
}

type listingJSON struct {
	Collection  string `json:"collection"`
	TokenID     string `json:"tokenId"`
	Seller      string `json:"seller"`
	Price       string `json:"price"`
	Listed      bool   `json:"listed"`
	TotalOffers uint64 `json:"totalOffers"`
}

type offerJSON struct {
	Buyer          string `json:"buyer"`
	Price          string `json:"price"`
	Expiration     int64  `json:"expiration"`
	Used           bool   `json:"used"`
	Cancelled      bool   `json:"cancelled"`
	CounterofferID uint64 `json:"counterofferId,omitempty"`
}

type counterofferJSON struct {
	ID         uint64 `json:"id"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	OfferIndex uint64 `json:"offerIndex"`
	Price      string `json:"price"`
	Expiration int64  `json:"expiration"`
	Taken      bool   `json:"taken"`
}

type ratioJSON struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
	Percentage  uint64 `json:"percentage"`
}

type offerIndexResult struct {
	Index uint64 `json:"index"`
}

type counterofferIDResult struct {
	CounterofferID uint64 `json:"counterofferId"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

func listingToJSON(listing *market.Listing) listingJSON {
	return listingJSON{
		Collection:  formatAddress(listing.Collection),
		TokenID:     listing.TokenID.String(),
		Seller:      formatAddress(listing.Seller),
		Price:       listing.Price.String(),
		Listed:      listing.Listed,
		TotalOffers: listing.TotalOffers(),
	}
}

func offerToJSON(offer *market.Offer) offerJSON {
	return offerJSON{
		Buyer:          formatAddress(offer.Buyer),
		Price:          offer.Price.String(),
		Expiration:     offer.Expiration,
		Used:           offer.Used,
		Cancelled:      offer.Cancelled,
		CounterofferID: offer.CounterofferID,
	}
}

func counterofferToJSON(c *market.Counteroffer) counterofferJSON {
	return counterofferJSON{
		ID:         c.ID,
		Collection: formatAddress(c.Collection),
		TokenID:    c.TokenID.String(),
		OfferIndex: c.OfferIndex,
		Price:      c.Price.String(),
		Expiration: c.Expiration,
		Taken:      c.Taken,
	}
}

func ratioToJSON(r market.Ratio) ratioJSON {
	return ratioJSON{Numerator: r.Num(), Denominator: r.Den(), Percentage: r.Percentage()}
}

func writeInvalidParams(w http.ResponseWriter, id interface{}, err error) error {
	writeError(w, http.StatusBadRequest, id, codeMarketInvalidParams, "invalid_params", err.Error())
	return err
}

// writeMarketError maps engine sentinels onto RPC error codes.
func writeMarketError(w http.ResponseWriter, id interface{}, err error) error {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	switch {
	case errors.Is(err, market.ErrNotListed) ||
		errors.Is(err, market.ErrOfferNotFound) ||
		errors.Is(err, market.ErrCounterofferNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, market.ErrNotOwner) ||
		errors.Is(err, market.ErrNotSeller) ||
		errors.Is(err, market.ErrNotBuyer) ||
		errors.Is(err, market.ErrNotApproved):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, market.ErrAlreadyListed) ||
		errors.Is(err, market.ErrAlreadyUsed) ||
		errors.Is(err, market.ErrAlreadyCancelled) ||
		errors.Is(err, market.ErrCounterofferExists) ||
		errors.Is(err, market.ErrSamePrice) ||
		errors.Is(err, market.ErrNoChange) ||
		errors.Is(err, market.ErrNothingToWithdraw) ||
		errors.Is(err, market.ErrOfferExpired) ||
		errors.Is(err, market.ErrCounterofferExpired):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	case errors.Is(err, market.ErrAmountNotEnough) ||
		errors.Is(err, market.ErrInsufficientFunds) ||
		errors.Is(err, market.ErrInsufficientAllowance) ||
		errors.Is(err, market.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
		code = codeMarketPayment
		message = "payment_failed"
	case errors.Is(err, market.ErrInvalidPrice) ||
		errors.Is(err, market.ErrPriceTooLow) ||
		errors.Is(err, market.ErrPriceNotGreaterThanOffer) ||
		errors.Is(err, market.ErrPriceNotLessThanListing) ||
		errors.Is(err, market.ErrPercentageTooHigh):
		status = http.StatusBadRequest
		code = codeMarketInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
	return err
}

// --- mutating handlers ---

func (s *Server) handleList(w http.ResponseWriter, req *RPCRequest) error {
	var params marketListParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.List(caller, collection, tokenID, price); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, listingToJSON(s.engine.ListingOf(collection, tokenID)))
	return nil
}

func (s *Server) handleChangePrice(w http.ResponseWriter, req *RPCRequest) error {
	var params marketListParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.ChangePrice(caller, collection, tokenID, price); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, listingToJSON(s.engine.ListingOf(collection, tokenID)))
	return nil
}

func (s *Server) handleBuy(w http.ResponseWriter, req *RPCRequest) error {
	var params marketBuyParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	attached, err := optionalAmount(params.Attached)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.Buy(caller, collection, tokenID, attached); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, listingToJSON(s.engine.ListingOf(collection, tokenID)))
	return nil
}

func (s *Server) handleMakeOffer(w http.ResponseWriter, req *RPCRequest) error {
	var params marketMakeOfferParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	attached, err := optionalAmount(params.Attached)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	index, err := s.engine.MakeOffer(caller, collection, tokenID, price, attached, params.DurationDays)
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, offerIndexResult{Index: index})
	return nil
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, req *RPCRequest) error {
	var params marketOfferParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	if err := s.engine.CancelOffer(caller, collection, tokenID, params.Index); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	offer, err := s.engine.OfferOf(collection, tokenID, params.Index)
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, offerToJSON(offer))
	return nil
}

func (s *Server) handleTakeOffer(w http.ResponseWriter, req *RPCRequest) error {
	var params marketOfferParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	if err := s.engine.TakeOffer(caller, collection, tokenID, params.Index); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, listingToJSON(s.engine.ListingOf(collection, tokenID)))
	return nil
}

func (s *Server) handleMakeCounteroffer(w http.ResponseWriter, req *RPCRequest) error {
	var params marketMakeCounterofferParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
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
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	id, err := s.engine.MakeCounteroffer(caller, collection, tokenID, params.Index, price, params.DurationDays)
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, counterofferIDResult{CounterofferID: id})
	return nil
}

func (s *Server) handleTakeCounteroffer(w http.ResponseWriter, req *RPCRequest) error {
	var params marketTakeCounterofferParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	attached, err := optionalAmount(params.Attached)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.TakeCounteroffer(caller, params.CounterofferID, attached); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	counteroffer, err := s.engine.CounterofferOf(params.CounterofferID)
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, counterofferToJSON(counteroffer))
	return nil
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) error {
	var params marketCallerParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	amount, err := s.engine.Withdraw(caller)
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, amountResult{Amount: amount.String()})
	return nil
}

func (s *Server) handleSetFeePercentage(w http.ResponseWriter, req *RPCRequest) error {
	var params marketPercentageParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.SetFeeRatioFromPercentage(caller, params.Percentage); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	ratio, err := s.engine.FeeRatio()
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, ratioToJSON(ratio))
	return nil
}

func (s *Server) handleSetFloorPercentage(w http.ResponseWriter, req *RPCRequest) error {
	var params marketPercentageParams
	if err := singleParam(req, &params); err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	caller, err := parseHexAddress(params.Caller)
	if err != nil {
		return writeInvalidParams(w, req.ID, err)
	}
	if err := s.engine.SetFloorRatioFromPercentage(caller, params.Percentage); err != nil {
		return writeMarketError(w, req.ID, err)
	}
	ratio, err := s.engine.FloorRatio()
	if err != nil {
		return writeMarketError(w, req.ID, err)
	}
	writeResult(w, req.ID, ratioToJSON(ratio))
	return nil
}

// --- read-only handlers ---

func (s *Server) slotFromParams(w http.ResponseWriter, req *RPCRequest) ([20]byte, *marketSlotParams, error) {
	var params marketSlotParams
	if err := singleParam(req, &params); err != nil {
		return [20]byte{}, nil, writeInvalidParams(w, req.ID, err)
	}
	collection, err := parseHexAddress(params.Collection)
	if err != nil {
		return [20]byte{}, nil, writeInvalidParams(w, req.ID, err)
	}
	return collection, &params, nil
}

func (s *Server) handleIsListed(w http.ResponseWriter, req *RPCRequest) string {
	collection, params, err := s.slotFromParams(w, req)
	if err != nil {
		return "error"
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, s.engine.IsListed(collection, tokenID))
	return "ok"
}

func (s *Server) handleGetListing(w http.ResponseWriter, req *RPCRequest) string {
	collection, params, err := s.slotFromParams(w, req)
	if err != nil {
		return "error"
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, listingToJSON(s.engine.ListingOf(collection, tokenID)))
	return "ok"
}

func (s *Server) handleTotalListed(w http.ResponseWriter, req *RPCRequest) string {
	total, err := s.engine.TotalListed()
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, total)
	return "ok"
}

func (s *Server) handleGetOffer(w http.ResponseWriter, req *RPCRequest) string {
	var params marketOfferParams
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
	offer, err := s.engine.OfferOf(collection, tokenID, params.Index)
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, offerToJSON(offer))
	return "ok"
}

func (s *Server) handleCountOffers(w http.ResponseWriter, req *RPCRequest) string {
	collection, params, err := s.slotFromParams(w, req)
	if err != nil {
		return "error"
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	count, err := s.engine.OffersOf(collection, tokenID)
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, count)
	return "ok"
}

func (s *Server) handleGetCounteroffer(w http.ResponseWriter, req *RPCRequest) string {
	var params marketCounterofferIDParams
	if err := singleParam(req, &params); err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	counteroffer, err := s.engine.CounterofferOf(params.CounterofferID)
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, counterofferToJSON(counteroffer))
	return "ok"
}

func (s *Server) handleGetFeeRatio(w http.ResponseWriter, req *RPCRequest) string {
	ratio, err := s.engine.FeeRatio()
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ratioToJSON(ratio))
	return "ok"
}

func (s *Server) handleGetFloorRatio(w http.ResponseWriter, req *RPCRequest) string {
	ratio, err := s.engine.FloorRatio()
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, ratioToJSON(ratio))
	return "ok"
}

func (s *Server) handleGetBenefits(w http.ResponseWriter, req *RPCRequest) string {
	benefits, err := s.engine.BenefitsAccumulated()
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, amountResult{Amount: benefits.String()})
	return "ok"
}

func (s *Server) handleFeeFor(w http.ResponseWriter, req *RPCRequest) string {
	var params marketAmountParams
	if err := singleParam(req, &params); err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	amount, err := parseBigInt(params.Amount)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	fee, err := s.engine.FeeFor(amount)
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, amountResult{Amount: fee.String()})
	return "ok"
}

func (s *Server) handleMinOfferPrice(w http.ResponseWriter, req *RPCRequest) string {
	collection, params, err := s.slotFromParams(w, req)
	if err != nil {
		return "error"
	}
	tokenID, err := parseBigInt(params.TokenID)
	if err != nil {
		_ = writeInvalidParams(w, req.ID, err)
		return "error"
	}
	minPrice, err := s.engine.MinOfferPriceFor(collection, tokenID)
	if err != nil {
		_ = writeMarketError(w, req.ID, err)
		return "error"
	}
	writeResult(w, req.ID, amountResult{Amount: minPrice.String()})
	return "ok"
}

// optionalAmount parses an amount that token-medium deployments omit.
func optionalAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	return parseBigInt(raw)
}
