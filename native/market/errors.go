package market

import "errors"

// Sentinel errors returned by engine operations. Every rejected operation
// surfaces exactly one of these, and the enclosing state snapshot guarantees
// no partial mutation is observable alongside an error.
var (
	// State errors.
	ErrNotListed            = errors.New("market: nft not listed")
	ErrAlreadyListed        = errors.New("market: nft already listed")
	ErrOfferNotFound        = errors.New("market: offer not found")
	ErrCounterofferNotFound = errors.New("market: counteroffer not found")
	ErrAlreadyUsed          = errors.New("market: offer already used")
	ErrAlreadyCancelled     = errors.New("market: offer already cancelled")
	ErrCounterofferExists   = errors.New("market: counteroffer already exists for offer")

	// Authorization errors.
	ErrNotOwner    = errors.New("market: caller is not the owner")
	ErrNotApproved = errors.New("market: marketplace not approved to transfer nft")
	ErrNotSeller   = errors.New("market: caller is not the seller")
	ErrNotBuyer    = errors.New("market: caller is not the buyer")

	// Value errors.
	ErrInvalidPrice             = errors.New("market: price must be greater than zero")
	ErrSamePrice                = errors.New("market: new price equals current price")
	ErrPriceTooLow              = errors.New("market: offer price below minimum offer price")
	ErrPriceNotGreaterThanOffer = errors.New("market: counteroffer price must exceed offer price")
	ErrPriceNotLessThanListing  = errors.New("market: counteroffer price must be below listing price")
	ErrPercentageTooHigh        = errors.New("market: percentage must not exceed 100")
	ErrNoChange                 = errors.New("market: percentage equals current value")

	// Funds errors.
	ErrAmountNotEnough       = errors.New("market: attached value below required amount")
	ErrInsufficientFunds     = errors.New("market: insufficient funds to cover counteroffer")
	ErrInsufficientAllowance = errors.New("market: insufficient token allowance")
	ErrInsufficientBalance   = errors.New("market: insufficient token balance")
	ErrNothingToWithdraw     = errors.New("market: nothing to withdraw")

	// Temporal errors. Expiry is boundary-inclusive: an offer at exactly its
	// expiration timestamp is still valid.
	ErrOfferExpired        = errors.New("market: offer expired")
	ErrCounterofferExpired = errors.New("market: counteroffer expired")
)
