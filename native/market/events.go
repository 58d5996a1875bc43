package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"fusymarket/core/types"
)

const (
	EventTypeListed            = "market.listed"
	EventTypePriceChanged      = "market.price_changed"
	EventTypeSold              = "market.sold"
	EventTypeOfferMade         = "market.offer_made"
	EventTypeOfferCancelled    = "market.offer_cancelled"
	EventTypeCounterofferMade  = "market.counteroffer_made"
	EventTypeCounterofferTaken = "market.counteroffer_taken"
	EventTypeRoyaltyPaid       = "market.royalty_paid"
	EventTypeWithdrawn         = "market.withdrawn"
)

// NewListedEvent returns the canonical payload for a new listing.
func NewListedEvent(l *Listing) *types.Event {
	attrs := listingAttrs(l)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["price"] = bigString(l.Price)
	return &types.Event{Type: EventTypeListed, Attributes: attrs}
}

// NewPriceChangedEvent returns the payload emitted when a seller updates the
// asking price.
func NewPriceChangedEvent(l *Listing, previous *big.Int) *types.Event {
	attrs := listingAttrs(l)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["previousPrice"] = bigString(previous)
	attrs["price"] = bigString(l.Price)
	return &types.Event{Type: EventTypePriceChanged, Attributes: attrs}
}

// NewSoldEvent returns the payload emitted on every completed settlement,
// whether through a direct buy, an accepted offer, or a taken counteroffer.
func NewSoldEvent(l *Listing, buyer [20]byte, saleAmount *big.Int) *types.Event {
	attrs := listingAttrs(l)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["price"] = bigString(saleAmount)
	return &types.Event{Type: EventTypeSold, Attributes: attrs}
}

// NewOfferMadeEvent returns the payload emitted when a buyer escrows an
// offer.
func NewOfferMadeEvent(l *Listing, index uint64, o *Offer) *types.Event {
	attrs := listingAttrs(l)
	attrs["offerIndex"] = strconv.FormatUint(index, 10)
	attrs["buyer"] = hex.EncodeToString(o.Buyer[:])
	attrs["priceOffer"] = bigString(o.Price)
	attrs["expiration"] = strconv.FormatInt(o.Expiration, 10)
	return &types.Event{Type: EventTypeOfferMade, Attributes: attrs}
}

// NewOfferCancelledEvent returns the payload emitted when a buyer reclaims
// an escrowed offer.
func NewOfferCancelledEvent(l *Listing, index uint64, o *Offer) *types.Event {
	attrs := listingAttrs(l)
	attrs["offerIndex"] = strconv.FormatUint(index, 10)
	attrs["buyer"] = hex.EncodeToString(o.Buyer[:])
	attrs["priceOffer"] = bigString(o.Price)
	return &types.Event{Type: EventTypeOfferCancelled, Attributes: attrs}
}

// NewCounterofferMadeEvent returns the payload emitted when a seller records
// a counteroffer.
func NewCounterofferMadeEvent(c *Counteroffer) *types.Event {
	attrs := counterofferAttrs(c)
	return &types.Event{Type: EventTypeCounterofferMade, Attributes: attrs}
}

// NewCounterofferTakenEvent returns the payload emitted when the buyer
// accepts a counteroffer.
func NewCounterofferTakenEvent(c *Counteroffer, seller [20]byte) *types.Event {
	attrs := counterofferAttrs(c)
	attrs["seller"] = hex.EncodeToString(seller[:])
	return &types.Event{Type: EventTypeCounterofferTaken, Attributes: attrs}
}

// NewRoyaltyPaidEvent returns the payload emitted when a settlement pays a
// royalty beneficiary.
func NewRoyaltyPaidEvent(l *Listing, recipient [20]byte, amount *big.Int) *types.Event {
	attrs := listingAttrs(l)
	attrs["recipient"] = hex.EncodeToString(recipient[:])
	attrs["amount"] = bigString(amount)
	return &types.Event{Type: EventTypeRoyaltyPaid, Attributes: attrs}
}

// NewWithdrawnEvent returns the payload emitted when the owner drains the
// fee accumulator.
func NewWithdrawnEvent(owner [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeWithdrawn, Attributes: map[string]string{
		"owner":  hex.EncodeToString(owner[:]),
		"amount": bigString(amount),
	}}
}

func listingAttrs(l *Listing) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["collection"] = hex.EncodeToString(l.Collection[:])
	attrs["tokenId"] = bigString(l.TokenID)
	return attrs
}

func counterofferAttrs(c *Counteroffer) map[string]string {
	attrs := make(map[string]string)
	if c == nil {
		return attrs
	}
	attrs["counterofferId"] = strconv.FormatUint(c.ID, 10)
	attrs["collection"] = hex.EncodeToString(c.Collection[:])
	attrs["tokenId"] = bigString(c.TokenID)
	attrs["offerIndex"] = strconv.FormatUint(c.OfferIndex, 10)
	attrs["price"] = bigString(c.Price)
	attrs["expiration"] = strconv.FormatInt(c.Expiration, 10)
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
