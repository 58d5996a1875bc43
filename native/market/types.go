package market

import (
	"fmt"
	"math/big"
)

// Defaults carried over from the deployed protocol: a 2% fee on every
// settlement, a 20% floor for offers, and three-day counteroffers when the
// seller does not pick a duration.
const (
	DefaultFeePercent   uint64 = 2
	DefaultFloorPercent uint64 = 20

	DefaultCounterofferDays uint64 = 3
	SecondsPerDay           int64  = 86_400
)

// Offer is a buyer's standing bid on a listing. The offered amount is held
// by the engine vault for the life of the offer. Offers are append-only and
// addressed by their stable index within the listing; once Used is set the
// record never mutates again.
type Offer struct {
	Buyer          [20]byte
	Price          *big.Int
	Expiration     int64
	Used           bool
	Cancelled      bool
	CounterofferID uint64
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Listing is the active sale record for one (collection, tokenID) pair. A
// sold or never-listed slot keeps Listed=false; such records stay readable
// for historical queries but accept no further sale operations except offer
// cancellation, which refunds escrowed funds.
type Listing struct {
	Collection [20]byte
	TokenID    *big.Int
	Seller     [20]byte
	Price      *big.Int
	Listed     bool
	Offers     []*Offer
}

// TotalOffers reports how many offers were ever made against the slot.
// Offer indices are 0..TotalOffers-1 and are never reused.
func (l *Listing) TotalOffers() uint64 {
	if l == nil {
		return 0
	}
	return uint64(len(l.Offers))
}

// OfferAt returns the offer at the given index, or nil when out of range.
func (l *Listing) OfferAt(index uint64) *Offer {
	if l == nil || index >= uint64(len(l.Offers)) {
		return nil
	}
	return l.Offers[index]
}

// Clone returns a deep copy of the listing and its offer arena.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.TokenID != nil {
		clone.TokenID = new(big.Int).Set(l.TokenID)
	} else {
		clone.TokenID = big.NewInt(0)
	}
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	clone.Offers = make([]*Offer, len(l.Offers))
	for i, o := range l.Offers {
		clone.Offers[i] = o.Clone()
	}
	return &clone
}

// SanitizeListing validates and normalises a listing record, returning a
// cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	clone := l.Clone()
	if clone.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("market: token id must be non-negative")
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("market: listing price must be non-negative")
	}
	for i, o := range clone.Offers {
		if o == nil {
			return nil, fmt.Errorf("market: nil offer at index %d", i)
		}
		if o.Price.Sign() < 0 {
			return nil, fmt.Errorf("market: offer price must be non-negative")
		}
	}
	return clone, nil
}

// Counteroffer is a seller's time-boxed price revision against one offer.
// Counteroffers live in a second, global arena addressed by a 1-based
// monotonic identifier; 0 is the "not found" sentinel.
type Counteroffer struct {
	ID         uint64
	Collection [20]byte
	TokenID    *big.Int
	OfferIndex uint64
	Price      *big.Int
	Expiration int64
	Taken      bool
}

// Clone returns a deep copy of the counteroffer.
func (c *Counteroffer) Clone() *Counteroffer {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TokenID != nil {
		clone.TokenID = new(big.Int).Set(c.TokenID)
	} else {
		clone.TokenID = big.NewInt(0)
	}
	if c.Price != nil {
		clone.Price = new(big.Int).Set(c.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// SanitizeCounteroffer validates and normalises a counteroffer record.
func SanitizeCounteroffer(c *Counteroffer) (*Counteroffer, error) {
	if c == nil {
		return nil, fmt.Errorf("market: nil counteroffer")
	}
	if c.ID == 0 {
		return nil, fmt.Errorf("market: counteroffer id must be positive")
	}
	clone := c.Clone()
	if clone.Price.Sign() <= 0 {
		return nil, fmt.Errorf("market: counteroffer price must be positive")
	}
	return clone, nil
}
