// Package state persists the marketplace ledger over a key-value store and
// gives the engine transaction-like semantics: writes buffer in an overlay,
// snapshots capture overlay positions, and Commit flushes the overlay to the
// backing database. An operation that fails reverts to its entry snapshot,
// so the durable state never holds a half-applied transition.
package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"fusymarket/core/types"
	"fusymarket/native/market"
	"fusymarket/storage"
)

var (
	accountPrefix      = []byte("market-account:")
	allowancePrefix    = []byte("market-allowance:")
	listingPrefix      = []byte("market-listing:")
	counterofferPrefix = []byte("market-counteroffer:")

	listedCountKey       = ethcrypto.Keccak256([]byte("market-listed-count"))
	counterofferCountKey = ethcrypto.Keccak256([]byte("market-counteroffer-count"))
	feeRatioKey          = ethcrypto.Keccak256([]byte("market-fee-ratio"))
	floorRatioKey        = ethcrypto.Keccak256([]byte("market-floor-ratio"))
	benefitsKey          = ethcrypto.Keccak256([]byte("market-benefits"))
)

// RLP mirror structs. Domain timestamps are int64; RLP only encodes unsigned
// integers, so the stored forms carry uint64 and the manager converts at the
// boundary.

type storedAccount struct {
	Nonce        uint64
	Balance      *big.Int
	TokenBalance *big.Int
}

type storedOffer struct {
	Buyer          [20]byte
	Price          *big.Int
	Expiration     uint64
	Used           bool
	Cancelled      bool
	CounterofferID uint64
}

type storedListing struct {
	Collection [20]byte
	TokenID    *big.Int
	Seller     [20]byte
	Price      *big.Int
	Listed     bool
	Offers     []storedOffer
}

type storedCounteroffer struct {
	ID         uint64
	Collection [20]byte
	TokenID    *big.Int
	OfferIndex uint64
	Price      *big.Int
	Expiration uint64
	Taken      bool
}

type storedRatio struct {
	Num uint64
	Den uint64
}

type overlayEntry struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    overlayEntry
	existed bool
}

// Manager implements the engine's state interface over a storage.Database.
type Manager struct {
	db      storage.Database
	overlay map[string]overlayEntry
	journal []journalEntry
}

// NewManager wraps the database in a fresh, empty overlay.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string]overlayEntry),
	}
}

// --- overlay primitives ---

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	if entry, ok := m.overlay[string(key)]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return entry.value, true, nil
	}
	value, err := m.db.Get(key)
	if err == storage.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) write(key []byte, value []byte) {
	m.record(string(key))
	m.overlay[string(key)] = overlayEntry{value: value}
}

func (m *Manager) delete(key []byte) {
	m.record(string(key))
	m.overlay[string(key)] = overlayEntry{deleted: true}
}

func (m *Manager) record(key string) {
	prev, existed := m.overlay[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, existed: existed})
}

// Snapshot returns a revision identifier for the current overlay position.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot undoes every overlay write recorded after the snapshot.
func (m *Manager) RevertToSnapshot(revision int) {
	if revision < 0 || revision > len(m.journal) {
		return
	}
	for i := len(m.journal) - 1; i >= revision; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.overlay[entry.key] = entry.prev
		} else {
			delete(m.overlay, entry.key)
		}
	}
	m.journal = m.journal[:revision]
}

// Commit flushes the overlay to the backing database and clears it.
func (m *Manager) Commit() error {
	for key, entry := range m.overlay {
		if entry.deleted {
			if err := m.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := m.db.Put([]byte(key), entry.value); err != nil {
			return err
		}
	}
	m.overlay = make(map[string]overlayEntry)
	m.journal = m.journal[:0]
	return nil
}

// --- accounts and allowances ---

func accountKey(addr [20]byte) []byte {
	return ethcrypto.Keccak256(accountPrefix, addr[:])
}

func allowanceKey(owner, spender [20]byte) []byte {
	return ethcrypto.Keccak256(allowancePrefix, owner[:], spender[:])
}

// GetAccount loads the account stored for the address, or a zeroed account
// when none exists yet.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	data, ok, err := m.read(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).Normalize(), nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	return (&types.Account{
		Nonce:        stored.Nonce,
		Balance:      stored.Balance,
		TokenBalance: stored.TokenBalance,
	}).Normalize(), nil
}

// PutAccount persists the account under the address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	account = account.Normalize()
	data, err := rlp.EncodeToBytes(&storedAccount{
		Nonce:        account.Nonce,
		Balance:      account.Balance,
		TokenBalance: account.TokenBalance,
	})
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	m.write(accountKey(addr), data)
	return nil
}

// Allowance reports the payment-token amount owner has approved spender to
// move on their behalf.
func (m *Manager) Allowance(owner, spender [20]byte) (*big.Int, error) {
	data, ok, err := m.read(allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode allowance: %w", err)
	}
	return amount, nil
}

// SetAllowance records the approved payment-token amount.
func (m *Manager) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: allowance must be non-negative")
	}
	data, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("state: encode allowance: %w", err)
	}
	m.write(allowanceKey(owner, spender), data)
	return nil
}

// --- listings ---

func listingKey(collection [20]byte, tokenID *big.Int) []byte {
	if tokenID == nil {
		tokenID = big.NewInt(0)
	}
	return ethcrypto.Keccak256(listingPrefix, collection[:], tokenID.Bytes())
}

// ListingGet loads the sale record for the slot. The returned listing is a
// private copy the caller may mutate freely.
func (m *Manager) ListingGet(collection [20]byte, tokenID *big.Int) (*market.Listing, bool) {
	data, ok, err := m.read(listingKey(collection, tokenID))
	if err != nil || !ok {
		return nil, false
	}
	var stored storedListing
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	listing := &market.Listing{
		Collection: stored.Collection,
		TokenID:    stored.TokenID,
		Seller:     stored.Seller,
		Price:      stored.Price,
		Listed:     stored.Listed,
		Offers:     make([]*market.Offer, len(stored.Offers)),
	}
	for i, o := range stored.Offers {
		listing.Offers[i] = &market.Offer{
			Buyer:          o.Buyer,
			Price:          o.Price,
			Expiration:     int64(o.Expiration),
			Used:           o.Used,
			Cancelled:      o.Cancelled,
			CounterofferID: o.CounterofferID,
		}
	}
	return listing, true
}

// ListingPut persists the sale record under its (collection, tokenID) key.
func (m *Manager) ListingPut(listing *market.Listing) error {
	sanitized, err := market.SanitizeListing(listing)
	if err != nil {
		return err
	}
	stored := storedListing{
		Collection: sanitized.Collection,
		TokenID:    sanitized.TokenID,
		Seller:     sanitized.Seller,
		Price:      sanitized.Price,
		Listed:     sanitized.Listed,
		Offers:     make([]storedOffer, len(sanitized.Offers)),
	}
	for i, o := range sanitized.Offers {
		if o.Expiration < 0 {
			return fmt.Errorf("state: offer expiration must be non-negative")
		}
		stored.Offers[i] = storedOffer{
			Buyer:          o.Buyer,
			Price:          o.Price,
			Expiration:     uint64(o.Expiration),
			Used:           o.Used,
			Cancelled:      o.Cancelled,
			CounterofferID: o.CounterofferID,
		}
	}
	data, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("state: encode listing: %w", err)
	}
	m.write(listingKey(sanitized.Collection, sanitized.TokenID), data)
	return nil
}

// --- counteroffers ---

func counterofferKey(id uint64) []byte {
	return ethcrypto.Keccak256(counterofferPrefix, new(big.Int).SetUint64(id).Bytes())
}

// CounterofferGet loads a counteroffer by its global identifier.
func (m *Manager) CounterofferGet(id uint64) (*market.Counteroffer, bool) {
	if id == 0 {
		return nil, false
	}
	data, ok, err := m.read(counterofferKey(id))
	if err != nil || !ok {
		return nil, false
	}
	var stored storedCounteroffer
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false
	}
	return &market.Counteroffer{
		ID:         stored.ID,
		Collection: stored.Collection,
		TokenID:    stored.TokenID,
		OfferIndex: stored.OfferIndex,
		Price:      stored.Price,
		Expiration: int64(stored.Expiration),
		Taken:      stored.Taken,
	}, true
}

// CounterofferPut persists a counteroffer under its identifier.
func (m *Manager) CounterofferPut(counteroffer *market.Counteroffer) error {
	sanitized, err := market.SanitizeCounteroffer(counteroffer)
	if err != nil {
		return err
	}
	if sanitized.Expiration < 0 {
		return fmt.Errorf("state: counteroffer expiration must be non-negative")
	}
	data, err := rlp.EncodeToBytes(&storedCounteroffer{
		ID:         sanitized.ID,
		Collection: sanitized.Collection,
		TokenID:    sanitized.TokenID,
		OfferIndex: sanitized.OfferIndex,
		Price:      sanitized.Price,
		Expiration: uint64(sanitized.Expiration),
		Taken:      sanitized.Taken,
	})
	if err != nil {
		return fmt.Errorf("state: encode counteroffer: %w", err)
	}
	m.write(counterofferKey(sanitized.ID), data)
	return nil
}

// --- counters, ratios, accumulator ---

func (m *Manager) getUint(key []byte) (uint64, error) {
	data, ok, err := m.read(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var value uint64
	if err := rlp.DecodeBytes(data, &value); err != nil {
		return 0, fmt.Errorf("state: decode counter: %w", err)
	}
	return value, nil
}

func (m *Manager) setUint(key []byte, value uint64) error {
	data, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode counter: %w", err)
	}
	m.write(key, data)
	return nil
}

// ListedCount reports the number of currently active listings.
func (m *Manager) ListedCount() (uint64, error) {
	return m.getUint(listedCountKey)
}

// SetListedCount stores the active listing counter.
func (m *Manager) SetListedCount(count uint64) error {
	return m.setUint(listedCountKey, count)
}

// CounterofferCount reports how many counteroffers were ever created.
func (m *Manager) CounterofferCount() (uint64, error) {
	return m.getUint(counterofferCountKey)
}

// SetCounterofferCount stores the global counteroffer counter.
func (m *Manager) SetCounterofferCount(count uint64) error {
	return m.setUint(counterofferCountKey, count)
}

func (m *Manager) getRatio(key []byte) (market.Ratio, bool, error) {
	data, ok, err := m.read(key)
	if err != nil {
		return market.Ratio{}, false, err
	}
	if !ok {
		return market.Ratio{}, false, nil
	}
	var stored storedRatio
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return market.Ratio{}, false, fmt.Errorf("state: decode ratio: %w", err)
	}
	ratio, err := market.NewRatio(stored.Num, stored.Den)
	if err != nil {
		return market.Ratio{}, false, err
	}
	return ratio, true, nil
}

func (m *Manager) setRatio(key []byte, ratio market.Ratio) error {
	data, err := rlp.EncodeToBytes(&storedRatio{Num: ratio.Num(), Den: ratio.Den()})
	if err != nil {
		return fmt.Errorf("state: encode ratio: %w", err)
	}
	m.write(key, data)
	return nil
}

// FeeRatio loads the configured protocol fee ratio. ok=false means the
// default applies.
func (m *Manager) FeeRatio() (market.Ratio, bool, error) {
	return m.getRatio(feeRatioKey)
}

// SetFeeRatio stores the protocol fee ratio.
func (m *Manager) SetFeeRatio(ratio market.Ratio) error {
	return m.setRatio(feeRatioKey, ratio)
}

// FloorRatio loads the configured offer floor ratio. ok=false means the
// default applies.
func (m *Manager) FloorRatio() (market.Ratio, bool, error) {
	return m.getRatio(floorRatioKey)
}

// SetFloorRatio stores the offer floor ratio.
func (m *Manager) SetFloorRatio(ratio market.Ratio) error {
	return m.setRatio(floorRatioKey, ratio)
}

// Benefits reports the accumulated protocol fees pending withdrawal.
func (m *Manager) Benefits() (*big.Int, error) {
	data, ok, err := m.read(benefitsKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, fmt.Errorf("state: decode benefits: %w", err)
	}
	return amount, nil
}

// SetBenefits stores the fee accumulator.
func (m *Manager) SetBenefits(amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: benefits must be non-negative")
	}
	data, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return fmt.Errorf("state: encode benefits: %w", err)
	}
	m.write(benefitsKey, data)
	return nil
}
