package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"fusymarket/native/market"
)

var (
	tokenOwnerPrefix = []byte("registry-owner:")
	approvalPrefix   = []byte("registry-approval:")
	royaltyPrefix    = []byte("registry-royalty:")
)

// CollectionRegistry is the persistent token ledger backing the engine's
// collection adapter. It shares the manager's overlay, so token transfers
// revert together with the funds of a failed operation and become durable
// on the same Commit.
type CollectionRegistry struct {
	m *Manager
}

// NewCollectionRegistry wraps the state manager in a collection adapter.
func NewCollectionRegistry(m *Manager) *CollectionRegistry {
	return &CollectionRegistry{m: m}
}

type storedRoyalty struct {
	Recipient [20]byte
	Num       uint64
	Den       uint64
}

func tokenOwnerKey(collection [20]byte, tokenID *big.Int) []byte {
	if tokenID == nil {
		tokenID = big.NewInt(0)
	}
	return ethcrypto.Keccak256(tokenOwnerPrefix, collection[:], tokenID.Bytes())
}

func approvalKey(collection [20]byte, owner, operator [20]byte) []byte {
	return ethcrypto.Keccak256(approvalPrefix, collection[:], owner[:], operator[:])
}

func royaltyKey(collection [20]byte) []byte {
	return ethcrypto.Keccak256(royaltyPrefix, collection[:])
}

// Mint records the first owner of a token. Minting an existing token fails.
func (r *CollectionRegistry) Mint(collection [20]byte, tokenID *big.Int, owner [20]byte) error {
	key := tokenOwnerKey(collection, tokenID)
	if _, ok, err := r.m.read(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("registry: token already minted")
	}
	r.m.write(key, owner[:])
	return nil
}

// OwnerOf returns the current holder of the token.
func (r *CollectionRegistry) OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error) {
	var owner [20]byte
	value, ok, err := r.m.read(tokenOwnerKey(collection, tokenID))
	if err != nil {
		return owner, err
	}
	if !ok {
		return owner, fmt.Errorf("registry: unknown token")
	}
	if len(value) != len(owner) {
		return owner, fmt.Errorf("registry: corrupt owner record")
	}
	copy(owner[:], value)
	return owner, nil
}

// SetApproval grants or revokes the operator's right to transfer any of the
// owner's tokens in the collection.
func (r *CollectionRegistry) SetApproval(collection [20]byte, owner, operator [20]byte, approved bool) error {
	value := []byte{0}
	if approved {
		value = []byte{1}
	}
	r.m.write(approvalKey(collection, owner, operator), value)
	return nil
}

// IsApproved reports whether the operator may transfer the owner's tokens.
func (r *CollectionRegistry) IsApproved(collection [20]byte, owner, operator [20]byte, tokenID *big.Int) (bool, error) {
	value, ok, err := r.m.read(approvalKey(collection, owner, operator))
	if err != nil {
		return false, err
	}
	return ok && len(value) == 1 && value[0] == 1, nil
}

// Transfer moves the token between holders. The from address must be the
// current owner.
func (r *CollectionRegistry) Transfer(collection [20]byte, from, to [20]byte, tokenID *big.Int) error {
	owner, err := r.OwnerOf(collection, tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("registry: transfer from non-owner")
	}
	r.m.write(tokenOwnerKey(collection, tokenID), to[:])
	return nil
}

// SetRoyalty configures the collection's royalty policy. A zero ratio
// removes it.
func (r *CollectionRegistry) SetRoyalty(collection [20]byte, recipient [20]byte, ratio market.Ratio) error {
	key := royaltyKey(collection)
	if ratio.IsZero() {
		r.m.delete(key)
		return nil
	}
	encoded, err := rlp.EncodeToBytes(&storedRoyalty{Recipient: recipient, Num: ratio.Num(), Den: ratio.Den()})
	if err != nil {
		return err
	}
	r.m.write(key, encoded)
	return nil
}

// SupportsRoyalties reports whether the collection has a royalty policy.
func (r *CollectionRegistry) SupportsRoyalties(collection [20]byte) bool {
	_, ok, err := r.m.read(royaltyKey(collection))
	return err == nil && ok
}

// RoyaltyInfo returns the royalty recipient and amount due on a sale.
func (r *CollectionRegistry) RoyaltyInfo(collection [20]byte, tokenID, salePrice *big.Int) ([20]byte, *big.Int, error) {
	var recipient [20]byte
	value, ok, err := r.m.read(royaltyKey(collection))
	if err != nil {
		return recipient, nil, err
	}
	if !ok {
		return recipient, big.NewInt(0), nil
	}
	var stored storedRoyalty
	if err := rlp.DecodeBytes(value, &stored); err != nil {
		return recipient, nil, fmt.Errorf("registry: decode royalty: %w", err)
	}
	ratio, err := market.NewRatio(stored.Num, stored.Den)
	if err != nil {
		return recipient, nil, err
	}
	return stored.Recipient, ratio.Apply(salePrice), nil
}
