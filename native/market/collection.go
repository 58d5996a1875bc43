package market

import "math/big"

// Collections abstracts token ownership transfer and royalty discovery over
// heterogeneous NFT collections. The engine only consumes this interface;
// ownership semantics live entirely with the collaborator behind it.
type Collections interface {
	// OwnerOf reports the current holder of the token.
	OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error)

	// IsApproved reports whether operator may transfer owner's token.
	IsApproved(collection [20]byte, owner, operator [20]byte, tokenID *big.Int) (bool, error)

	// Transfer moves token ownership from one holder to another.
	Transfer(collection [20]byte, from, to [20]byte, tokenID *big.Int) error

	// SupportsRoyalties reports whether the collection exposes royalty
	// information for its tokens.
	SupportsRoyalties(collection [20]byte) bool

	// RoyaltyInfo returns the royalty recipient and amount owed for a sale
	// of the token at the given price. Only consulted when
	// SupportsRoyalties reports true.
	RoyaltyInfo(collection [20]byte, tokenID, salePrice *big.Int) ([20]byte, *big.Int, error)
}
