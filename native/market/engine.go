package market

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"fusymarket/core/events"
	"fusymarket/core/types"
)

var (
	errNilState       = errors.New("market engine: state not configured")
	errNilPayments    = errors.New("market engine: payment strategy not configured")
	errNilCollections = errors.New("market engine: collection adapter not configured")
)

// engineState is the ledger surface the engine runs against. Implementations
// must provide snapshot semantics so every operation is all-or-nothing: the
// engine reverts to the snapshot taken at entry whenever it returns an error.
type engineState interface {
	PaymentState

	ListingGet(collection [20]byte, tokenID *big.Int) (*Listing, bool)
	ListingPut(*Listing) error
	ListedCount() (uint64, error)
	SetListedCount(uint64) error

	CounterofferGet(id uint64) (*Counteroffer, bool)
	CounterofferPut(*Counteroffer) error
	CounterofferCount() (uint64, error)
	SetCounterofferCount(uint64) error

	FeeRatio() (Ratio, bool, error)
	SetFeeRatio(Ratio) error
	FloorRatio() (Ratio, bool, error)
	SetFloorRatio(Ratio) error

	Benefits() (*big.Int, error)
	SetBenefits(*big.Int) error

	Snapshot() int
	RevertToSnapshot(int)
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine is the NFT trading engine: it keeps the listing registry, runs the
// offer/counteroffer negotiation ledger on top of it, and settles completed
// sales by splitting proceeds between seller, royalty beneficiary and the
// protocol fee accumulator. Funds custody goes through the configured
// payment strategy; token ownership goes through the collection adapter.
type Engine struct {
	state       engineState
	payments    Payments
	collections Collections
	emitter     events.Emitter
	owner       [20]byte
	vault       [20]byte
	nowFn       func() int64
}

// NewEngine creates a market engine owned by the given address, settling
// funds through the vault account. The emitter defaults to a no-op.
func NewEngine(owner, vault [20]byte, payments Payments, collections Collections) *Engine {
	return &Engine{
		payments:    payments,
		collections: collections,
		emitter:     events.NoopEmitter{},
		owner:       owner,
		vault:       vault,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for expiration checks.
// Primarily intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Owner returns the engine owner authorised for configuration changes and
// fee withdrawal.
func (e *Engine) Owner() [20]byte { return e.owner }

// Vault returns the address holding escrowed offer funds and accumulated
// fees.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.payments == nil {
		return errNilPayments
	}
	if e.collections == nil {
		return errNilCollections
	}
	return nil
}

// run executes fn inside a state snapshot and reverts every mutation when fn
// fails, so callers never observe a half-applied operation.
func (e *Engine) run(fn func() error) error {
	if err := e.ready(); err != nil {
		return err
	}
	snap := e.state.Snapshot()
	if err := fn(); err != nil {
		e.state.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// --- Listing registry ---

// List registers an NFT for sale at a fixed price. The caller must hold the
// token and must have approved the marketplace to transfer it beforehand.
// Re-listing a slot that was sold keeps its historical offer arena so stale
// escrowed offers stay cancellable.
func (e *Engine) List(caller, collection [20]byte, tokenID, price *big.Int) error {
	return e.run(func() error {
		existing, ok := e.state.ListingGet(collection, tokenID)
		if ok && existing.Listed {
			return ErrAlreadyListed
		}
		holder, err := e.collections.OwnerOf(collection, tokenID)
		if err != nil {
			return err
		}
		if holder != caller {
			return ErrNotOwner
		}
		if price == nil || price.Sign() <= 0 {
			return ErrInvalidPrice
		}
		approved, err := e.collections.IsApproved(collection, caller, e.vault, tokenID)
		if err != nil {
			return err
		}
		if !approved {
			return ErrNotApproved
		}
		listing := &Listing{
			Collection: collection,
			TokenID:    new(big.Int).Set(tokenID),
			Seller:     caller,
			Price:      new(big.Int).Set(price),
			Listed:     true,
		}
		if existing != nil {
			listing.Offers = existing.Offers
		}
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
		count, err := e.state.ListedCount()
		if err != nil {
			return err
		}
		if err := e.state.SetListedCount(count + 1); err != nil {
			return err
		}
		e.emit(NewListedEvent(listing))
		return nil
	})
}

// ChangePrice updates the asking price of an active listing.
func (e *Engine) ChangePrice(caller, collection [20]byte, tokenID, newPrice *big.Int) error {
	return e.run(func() error {
		listing, err := e.activeListing(collection, tokenID)
		if err != nil {
			return err
		}
		if listing.Seller != caller {
			return ErrNotSeller
		}
		if newPrice == nil || newPrice.Sign() <= 0 {
			return ErrInvalidPrice
		}
		if listing.Price.Cmp(newPrice) == 0 {
			return ErrSamePrice
		}
		previous := listing.Price
		listing.Price = new(big.Int).Set(newPrice)
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
		e.emit(NewPriceChangedEvent(listing, previous))
		return nil
	})
}

// IsListed reports whether the (collection, tokenID) slot holds an active
// listing. It never fails; unknown slots are simply not listed.
func (e *Engine) IsListed(collection [20]byte, tokenID *big.Int) bool {
	if e == nil || e.state == nil {
		return false
	}
	listing, ok := e.state.ListingGet(collection, tokenID)
	return ok && listing.Listed
}

// ListingOf returns the sale record for the slot. Missing slots yield a
// default record with Listed=false so callers always branch on the flag.
func (e *Engine) ListingOf(collection [20]byte, tokenID *big.Int) *Listing {
	empty := &Listing{Collection: collection, TokenID: cloneBigInt(tokenID), Price: big.NewInt(0)}
	if e == nil || e.state == nil {
		return empty
	}
	listing, ok := e.state.ListingGet(collection, tokenID)
	if !ok {
		return empty
	}
	return listing.Clone()
}

// TotalListed reports how many listings are currently active: successful
// lists minus completed settlements.
func (e *Engine) TotalListed() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.ListedCount()
}

// --- Negotiation ledger ---

// MakeOffer escrows the offered amount with the vault and appends a
// time-boxed offer to the listing. It returns the new offer's stable index.
func (e *Engine) MakeOffer(caller, collection [20]byte, tokenID, priceOffer, attached *big.Int, durationDays uint64) (uint64, error) {
	var index uint64
	err := e.run(func() error {
		listing, err := e.activeListing(collection, tokenID)
		if err != nil {
			return err
		}
		floor, err := e.floorRatio()
		if err != nil {
			return err
		}
		offered := cloneBigInt(priceOffer)
		if offered.Cmp(floor.Apply(listing.Price)) < 0 {
			return ErrPriceTooLow
		}
		if err := e.payments.Debit(e.state, caller, attached, offered); err != nil {
			return err
		}
		offer := &Offer{
			Buyer:      caller,
			Price:      offered,
			Expiration: e.now() + int64(durationDays)*SecondsPerDay,
		}
		index = listing.TotalOffers()
		listing.Offers = append(listing.Offers, offer)
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
		e.emit(NewOfferMadeEvent(listing, index, offer))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// OfferOf returns the offer at the given index for the slot.
func (e *Engine) OfferOf(collection [20]byte, tokenID *big.Int, index uint64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(collection, tokenID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	offer := listing.OfferAt(index)
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	return offer.Clone(), nil
}

// OffersOf reports how many offers were ever made against the slot.
func (e *Engine) OffersOf(collection [20]byte, tokenID *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	listing, ok := e.state.ListingGet(collection, tokenID)
	if !ok {
		return 0, nil
	}
	return listing.TotalOffers(), nil
}

// CancelOffer refunds an open offer to its buyer and consumes it. Offers
// stay cancellable after the listing settles, so escrowed funds of sibling
// offers are never stranded.
func (e *Engine) CancelOffer(caller, collection [20]byte, tokenID *big.Int, index uint64) error {
	return e.run(func() error {
		listing, ok := e.state.ListingGet(collection, tokenID)
		if !ok {
			return ErrOfferNotFound
		}
		offer := listing.OfferAt(index)
		if offer == nil {
			return ErrOfferNotFound
		}
		if offer.Buyer != caller {
			return ErrNotBuyer
		}
		if offer.Used {
			return ErrAlreadyUsed
		}
		if err := e.payments.Credit(e.state, offer.Buyer, offer.Price); err != nil {
			return err
		}
		offer.Used = true
		offer.Cancelled = true
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
		e.emit(NewOfferCancelledEvent(listing, index, offer))
		return nil
	})
}

// TakeOffer lets the seller accept an open, unexpired offer. The escrowed
// offer amount becomes the sale amount and settles immediately.
func (e *Engine) TakeOffer(caller, collection [20]byte, tokenID *big.Int, index uint64) error {
	return e.run(func() error {
		listing, err := e.activeListing(collection, tokenID)
		if err != nil {
			return err
		}
		offer := listing.OfferAt(index)
		if offer == nil {
			return ErrOfferNotFound
		}
		if listing.Seller != caller {
			return ErrNotSeller
		}
		if e.now() > offer.Expiration {
			return ErrOfferExpired
		}
		if offer.Used {
			if offer.Cancelled {
				return ErrAlreadyCancelled
			}
			return ErrAlreadyUsed
		}
		offer.Used = true
		return e.settle(listing, offer.Buyer, offer.Price)
	})
}

// MakeCounteroffer records the seller's price revision against one open
// offer. At most one counteroffer may ever exist per offer; its identifier
// comes from a global 1-based arena. A zero duration selects the three-day
// default.
func (e *Engine) MakeCounteroffer(caller, collection [20]byte, tokenID *big.Int, offerIndex uint64, price *big.Int, durationDays uint64) (uint64, error) {
	var id uint64
	err := e.run(func() error {
		listing, err := e.activeListing(collection, tokenID)
		if err != nil {
			return err
		}
		offer := listing.OfferAt(offerIndex)
		if offer == nil {
			return ErrOfferNotFound
		}
		if listing.Seller != caller {
			return ErrNotSeller
		}
		if offer.Used {
			if offer.Cancelled {
				return ErrAlreadyCancelled
			}
			return ErrAlreadyUsed
		}
		if e.now() > offer.Expiration {
			return ErrOfferExpired
		}
		if price == nil || price.Cmp(offer.Price) <= 0 {
			return ErrPriceNotGreaterThanOffer
		}
		if price.Cmp(listing.Price) >= 0 {
			return ErrPriceNotLessThanListing
		}
		if offer.CounterofferID != 0 {
			return ErrCounterofferExists
		}
		if durationDays == 0 {
			durationDays = DefaultCounterofferDays
		}
		total, err := e.state.CounterofferCount()
		if err != nil {
			return err
		}
		id = total + 1
		counteroffer := &Counteroffer{
			ID:         id,
			Collection: collection,
			TokenID:    new(big.Int).Set(tokenID),
			OfferIndex: offerIndex,
			Price:      new(big.Int).Set(price),
			Expiration: e.now() + int64(durationDays)*SecondsPerDay,
		}
		if err := e.state.CounterofferPut(counteroffer); err != nil {
			return err
		}
		if err := e.state.SetCounterofferCount(id); err != nil {
			return err
		}
		offer.CounterofferID = id
		if err := e.state.ListingPut(listing); err != nil {
			return err
		}
		e.emit(NewCounterofferMadeEvent(counteroffer))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CounterofferOf returns the counteroffer with the given global identifier.
func (e *Engine) CounterofferOf(id uint64) (*Counteroffer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if id == 0 {
		return nil, ErrCounterofferNotFound
	}
	counteroffer, ok := e.state.CounterofferGet(id)
	if !ok {
		return nil, ErrCounterofferNotFound
	}
	return counteroffer.Clone(), nil
}

// TakeCounteroffer lets the original offer's buyer accept the seller's
// counteroffer. The buyer's escrowed offer amount counts toward the
// counteroffer price; exactly the difference is debited on top, regardless
// of any excess attached value.
func (e *Engine) TakeCounteroffer(caller [20]byte, id uint64, attached *big.Int) error {
	return e.run(func() error {
		if id == 0 {
			return ErrCounterofferNotFound
		}
		counteroffer, ok := e.state.CounterofferGet(id)
		if !ok {
			return ErrCounterofferNotFound
		}
		listing, err := e.activeListing(counteroffer.Collection, counteroffer.TokenID)
		if err != nil {
			return err
		}
		offer := listing.OfferAt(counteroffer.OfferIndex)
		if offer == nil {
			return ErrOfferNotFound
		}
		if offer.Buyer != caller {
			return ErrNotBuyer
		}
		if e.now() > counteroffer.Expiration {
			return ErrCounterofferExpired
		}
		if counteroffer.Taken || offer.Used {
			return ErrAlreadyUsed
		}
		topUp := new(big.Int).Sub(counteroffer.Price, offer.Price)
		available := new(big.Int).Add(cloneBigInt(attached), offer.Price)
		if available.Cmp(counteroffer.Price) < 0 {
			return ErrInsufficientFunds
		}
		if err := e.payments.Debit(e.state, caller, attached, topUp); err != nil {
			return err
		}
		counteroffer.Taken = true
		if err := e.state.CounterofferPut(counteroffer); err != nil {
			return err
		}
		offer.Used = true
		if err := e.settle(listing, offer.Buyer, counteroffer.Price); err != nil {
			return err
		}
		e.emit(NewCounterofferTakenEvent(counteroffer, listing.Seller))
		return nil
	})
}

// --- Escrow & settlement ---

// Buy settles a direct purchase at the listed price.
func (e *Engine) Buy(caller, collection [20]byte, tokenID, attached *big.Int) error {
	return e.run(func() error {
		listing, err := e.activeListing(collection, tokenID)
		if err != nil {
			return err
		}
		if err := e.payments.Debit(e.state, caller, attached, listing.Price); err != nil {
			return err
		}
		return e.settle(listing, caller, listing.Price)
	})
}

// settle distributes the sale amount already held by the vault: royalty to
// the collection's beneficiary when supported, the protocol fee to the
// accumulator, the remainder to the seller. It then moves token ownership
// and unlists the NFT. Fee and royalty use floor division; the remainder
// stays with the seller.
func (e *Engine) settle(listing *Listing, buyer [20]byte, saleAmount *big.Int) error {
	fee, err := e.FeeFor(saleAmount)
	if err != nil {
		return err
	}
	royalty := big.NewInt(0)
	if e.collections.SupportsRoyalties(listing.Collection) {
		recipient, amount, err := e.collections.RoyaltyInfo(listing.Collection, listing.TokenID, saleAmount)
		if err != nil {
			return err
		}
		royalty = cloneBigInt(amount)
		if royalty.Sign() > 0 {
			if new(big.Int).Add(fee, royalty).Cmp(saleAmount) > 0 {
				return fmt.Errorf("market: royalty and fee exceed sale amount")
			}
			if err := e.payments.Credit(e.state, recipient, royalty); err != nil {
				return err
			}
			e.emit(NewRoyaltyPaidEvent(listing, recipient, royalty))
		}
	}
	proceeds := new(big.Int).Sub(saleAmount, fee)
	proceeds.Sub(proceeds, royalty)
	if err := e.payments.Credit(e.state, listing.Seller, proceeds); err != nil {
		return err
	}
	benefits, err := e.state.Benefits()
	if err != nil {
		return err
	}
	if err := e.state.SetBenefits(new(big.Int).Add(benefits, fee)); err != nil {
		return err
	}
	if err := e.collections.Transfer(listing.Collection, listing.Seller, buyer, listing.TokenID); err != nil {
		return err
	}
	listing.Listed = false
	if err := e.state.ListingPut(listing); err != nil {
		return err
	}
	count, err := e.state.ListedCount()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("market: listed counter underflow")
	}
	if err := e.state.SetListedCount(count - 1); err != nil {
		return err
	}
	e.emit(NewSoldEvent(listing, buyer, saleAmount))
	return nil
}

// Withdraw transfers the accumulated protocol fees to the owner and resets
// the accumulator. Only the owner may call it.
func (e *Engine) Withdraw(caller [20]byte) (*big.Int, error) {
	var amount *big.Int
	err := e.run(func() error {
		if caller != e.owner {
			return ErrNotOwner
		}
		benefits, err := e.state.Benefits()
		if err != nil {
			return err
		}
		if benefits.Sign() == 0 {
			return ErrNothingToWithdraw
		}
		if err := e.payments.Credit(e.state, e.owner, benefits); err != nil {
			return err
		}
		if err := e.state.SetBenefits(big.NewInt(0)); err != nil {
			return err
		}
		amount = benefits
		e.emit(NewWithdrawnEvent(e.owner, benefits))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// BenefitsAccumulated reports the protocol fees retained and not yet
// withdrawn.
func (e *Engine) BenefitsAccumulated() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.Benefits()
}

// FeeFor returns the protocol fee retained on a sale of the given amount.
func (e *Engine) FeeFor(saleAmount *big.Int) (*big.Int, error) {
	ratio, err := e.feeRatio()
	if err != nil {
		return nil, err
	}
	return ratio.Apply(saleAmount), nil
}

// MinOfferPriceFor returns the lowest acceptable offer for the listing.
func (e *Engine) MinOfferPriceFor(collection [20]byte, tokenID *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, err := e.activeListing(collection, tokenID)
	if err != nil {
		return nil, err
	}
	floor, err := e.floorRatio()
	if err != nil {
		return nil, err
	}
	return floor.Apply(listing.Price), nil
}

// --- Owner-gated configuration ---

// SetFeeRatioFromPercentage updates the protocol fee taken on settlements.
func (e *Engine) SetFeeRatioFromPercentage(caller [20]byte, pct uint64) error {
	return e.run(func() error {
		if caller != e.owner {
			return ErrNotOwner
		}
		current, err := e.feeRatio()
		if err != nil {
			return err
		}
		if err := validatePercentage(pct, current); err != nil {
			return err
		}
		return e.state.SetFeeRatio(RatioFromPercentage(pct))
	})
}

// SetFloorRatioFromPercentage updates the minimum offer fraction of the
// listing price.
func (e *Engine) SetFloorRatioFromPercentage(caller [20]byte, pct uint64) error {
	return e.run(func() error {
		if caller != e.owner {
			return ErrNotOwner
		}
		current, err := e.floorRatio()
		if err != nil {
			return err
		}
		if err := validatePercentage(pct, current); err != nil {
			return err
		}
		return e.state.SetFloorRatio(RatioFromPercentage(pct))
	})
}

// FeeRatio returns the protocol fee ratio currently in effect.
func (e *Engine) FeeRatio() (Ratio, error) {
	if e == nil || e.state == nil {
		return Ratio{}, errNilState
	}
	return e.feeRatio()
}

// FloorRatio returns the offer floor ratio currently in effect.
func (e *Engine) FloorRatio() (Ratio, error) {
	if e == nil || e.state == nil {
		return Ratio{}, errNilState
	}
	return e.floorRatio()
}

func validatePercentage(pct uint64, current Ratio) error {
	if pct > 100 {
		return ErrPercentageTooHigh
	}
	if pct == current.Percentage() {
		return ErrNoChange
	}
	return nil
}

func (e *Engine) feeRatio() (Ratio, error) {
	ratio, ok, err := e.state.FeeRatio()
	if err != nil {
		return Ratio{}, err
	}
	if !ok {
		return RatioFromPercentage(DefaultFeePercent), nil
	}
	return ratio, nil
}

func (e *Engine) floorRatio() (Ratio, error) {
	ratio, ok, err := e.state.FloorRatio()
	if err != nil {
		return Ratio{}, err
	}
	if !ok {
		return RatioFromPercentage(DefaultFloorPercent), nil
	}
	return ratio, nil
}

func (e *Engine) activeListing(collection [20]byte, tokenID *big.Int) (*Listing, error) {
	listing, ok := e.state.ListingGet(collection, tokenID)
	if !ok || !listing.Listed {
		return nil, ErrNotListed
	}
	return listing, nil
}
