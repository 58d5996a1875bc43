package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"fusymarket/core/events"
	"fusymarket/core/types"
)

const testNow = int64(1_700_000_000)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	ownerAddr      = newTestAddress(0x01)
	vaultAddr      = newTestAddress(0xFE)
	sellerAddr     = newTestAddress(0x02)
	buyerAddr      = newTestAddress(0x03)
	otherAddr      = newTestAddress(0x04)
	creatorAddr    = newTestAddress(0x05)
	collectionAddr = newTestAddress(0xC0)
)

// mockState keeps the whole ledger in memory. Snapshot takes a deep copy so
// rollback behaviour can be asserted exactly.
type mockState struct {
	accounts          map[[20]byte]*types.Account
	allowances        map[string]*big.Int
	listings          map[string]*Listing
	counteroffers     map[uint64]*Counteroffer
	listedCount       uint64
	counterofferCount uint64
	feeRatio          Ratio
	feeSet            bool
	floorRatio        Ratio
	floorSet          bool
	benefits          *big.Int
	snapshots         []*mockState
}

func newMockState() *mockState {
	return &mockState{
		accounts:      make(map[[20]byte]*types.Account),
		allowances:    make(map[string]*big.Int),
		listings:      make(map[string]*Listing),
		counteroffers: make(map[uint64]*Counteroffer),
		benefits:      big.NewInt(0),
	}
}

func listingMapKey(collection [20]byte, tokenID *big.Int) string {
	if tokenID == nil {
		tokenID = big.NewInt(0)
	}
	return fmt.Sprintf("%x/%s", collection, tokenID.String())
}

func allowanceMapKey(owner, spender [20]byte) string {
	return fmt.Sprintf("%x/%x", owner, spender)
}

func (m *mockState) copy() *mockState {
	clone := newMockState()
	for addr, acc := range m.accounts {
		clone.accounts[addr] = acc.Clone()
	}
	for key, amount := range m.allowances {
		clone.allowances[key] = new(big.Int).Set(amount)
	}
	for key, listing := range m.listings {
		clone.listings[key] = listing.Clone()
	}
	for id, counteroffer := range m.counteroffers {
		clone.counteroffers[id] = counteroffer.Clone()
	}
	clone.listedCount = m.listedCount
	clone.counterofferCount = m.counterofferCount
	clone.feeRatio = m.feeRatio
	clone.feeSet = m.feeSet
	clone.floorRatio = m.floorRatio
	clone.floorSet = m.floorSet
	clone.benefits = new(big.Int).Set(m.benefits)
	return clone
}

func (m *mockState) restore(from *mockState) {
	m.accounts = from.accounts
	m.allowances = from.allowances
	m.listings = from.listings
	m.counteroffers = from.counteroffers
	m.listedCount = from.listedCount
	m.counterofferCount = from.counterofferCount
	m.feeRatio = from.feeRatio
	m.feeSet = from.feeSet
	m.floorRatio = from.floorRatio
	m.floorSet = from.floorSet
	m.benefits = from.benefits
}

func (m *mockState) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copy())
	return len(m.snapshots) - 1
}

func (m *mockState) RevertToSnapshot(revision int) {
	if revision < 0 || revision >= len(m.snapshots) {
		return
	}
	m.restore(m.snapshots[revision])
	m.snapshots = m.snapshots[:revision]
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return (&types.Account{}).Normalize(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func (m *mockState) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if amount, ok := m.allowances[allowanceMapKey(owner, spender)]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetAllowance(owner, spender [20]byte, amount *big.Int) error {
	m.allowances[allowanceMapKey(owner, spender)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) ListingGet(collection [20]byte, tokenID *big.Int) (*Listing, bool) {
	listing, ok := m.listings[listingMapKey(collection, tokenID)]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) ListingPut(listing *Listing) error {
	sanitized, err := SanitizeListing(listing)
	if err != nil {
		return err
	}
	m.listings[listingMapKey(sanitized.Collection, sanitized.TokenID)] = sanitized
	return nil
}

func (m *mockState) ListedCount() (uint64, error)      { return m.listedCount, nil }
func (m *mockState) SetListedCount(count uint64) error { m.listedCount = count; return nil }

func (m *mockState) CounterofferGet(id uint64) (*Counteroffer, bool) {
	counteroffer, ok := m.counteroffers[id]
	if !ok {
		return nil, false
	}
	return counteroffer.Clone(), true
}

func (m *mockState) CounterofferPut(counteroffer *Counteroffer) error {
	sanitized, err := SanitizeCounteroffer(counteroffer)
	if err != nil {
		return err
	}
	m.counteroffers[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) CounterofferCount() (uint64, error)      { return m.counterofferCount, nil }
func (m *mockState) SetCounterofferCount(count uint64) error { m.counterofferCount = count; return nil }

func (m *mockState) FeeRatio() (Ratio, bool, error)   { return m.feeRatio, m.feeSet, nil }
func (m *mockState) SetFeeRatio(r Ratio) error        { m.feeRatio = r; m.feeSet = true; return nil }
func (m *mockState) FloorRatio() (Ratio, bool, error) { return m.floorRatio, m.floorSet, nil }
func (m *mockState) SetFloorRatio(r Ratio) error      { m.floorRatio = r; m.floorSet = true; return nil }

func (m *mockState) Benefits() (*big.Int, error) { return new(big.Int).Set(m.benefits), nil }
func (m *mockState) SetBenefits(amount *big.Int) error {
	m.benefits = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.Balance != nil {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

func (m *mockState) tokenBalance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.TokenBalance != nil {
		return new(big.Int).Set(acc.TokenBalance)
	}
	return big.NewInt(0)
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	acc, _ := m.GetAccount(addr)
	acc.Balance = big.NewInt(amount)
	m.accounts[addr] = acc
}

func (m *mockState) fundToken(addr [20]byte, amount int64) {
	acc, _ := m.GetAccount(addr)
	acc.TokenBalance = big.NewInt(amount)
	m.accounts[addr] = acc
}

// openEscrow sums the price of every offer that is still open, across all
// listings. Used for conservation checks.
func (m *mockState) openEscrow() *big.Int {
	total := big.NewInt(0)
	for _, listing := range m.listings {
		for _, offer := range listing.Offers {
			if !offer.Used {
				total.Add(total, offer.Price)
			}
		}
	}
	return total
}

// mockCollections is an in-memory collection adapter.
type mockCollections struct {
	owners         map[string][20]byte
	approvals      map[string]bool
	royaltySupport map[[20]byte]bool
	royaltyTo      [20]byte
	royaltyRatio   Ratio
	failTransfer   bool
}

func newMockCollections() *mockCollections {
	return &mockCollections{
		owners:         make(map[string][20]byte),
		approvals:      make(map[string]bool),
		royaltySupport: make(map[[20]byte]bool),
	}
}

func (c *mockCollections) mint(collection [20]byte, tokenID *big.Int, owner [20]byte) {
	c.owners[listingMapKey(collection, tokenID)] = owner
}

func (c *mockCollections) approve(collection [20]byte, owner, operator [20]byte) {
	c.approvals[allowanceMapKey(owner, operator)] = true
}

func (c *mockCollections) OwnerOf(collection [20]byte, tokenID *big.Int) ([20]byte, error) {
	owner, ok := c.owners[listingMapKey(collection, tokenID)]
	if !ok {
		return [20]byte{}, fmt.Errorf("mock: token not minted")
	}
	return owner, nil
}

func (c *mockCollections) IsApproved(collection [20]byte, owner, operator [20]byte, tokenID *big.Int) (bool, error) {
	return c.approvals[allowanceMapKey(owner, operator)], nil
}

func (c *mockCollections) Transfer(collection [20]byte, from, to [20]byte, tokenID *big.Int) error {
	if c.failTransfer {
		return fmt.Errorf("mock: transfer rejected")
	}
	key := listingMapKey(collection, tokenID)
	if c.owners[key] != from {
		return fmt.Errorf("mock: transfer from non-owner")
	}
	c.owners[key] = to
	return nil
}

func (c *mockCollections) SupportsRoyalties(collection [20]byte) bool {
	return c.royaltySupport[collection]
}

func (c *mockCollections) RoyaltyInfo(collection [20]byte, tokenID, salePrice *big.Int) ([20]byte, *big.Int, error) {
	return c.royaltyTo, c.royaltyRatio.Apply(salePrice), nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *captureEmitter) typesSeen() []string {
	seen := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		seen = append(seen, evt.EventType())
	}
	return seen
}

func (c *captureEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	carrier, ok := c.events[len(c.events)-1].(interface{ Event() *types.Event })
	if !ok {
		return nil
	}
	return carrier.Event()
}

func newNativeEngine() (*Engine, *mockState, *mockCollections, *captureEmitter) {
	st := newMockState()
	col := newMockCollections()
	emitter := &captureEmitter{}
	engine := NewEngine(ownerAddr, vaultAddr, NewNativePayments(vaultAddr), col)
	engine.SetState(st)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, st, col, emitter
}

func newTokenEngine() (*Engine, *mockState, *mockCollections, *captureEmitter) {
	st := newMockState()
	col := newMockCollections()
	emitter := &captureEmitter{}
	engine := NewEngine(ownerAddr, vaultAddr, NewTokenPayments(vaultAddr), col)
	engine.SetState(st)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, st, col, emitter
}

func mustList(t *testing.T, e *Engine, col *mockCollections, tokenID, price int64) *big.Int {
	t.Helper()
	id := big.NewInt(tokenID)
	col.mint(collectionAddr, id, sellerAddr)
	col.approve(collectionAddr, sellerAddr, vaultAddr)
	if err := e.List(sellerAddr, collectionAddr, id, big.NewInt(price)); err != nil {
		t.Fatalf("list: %v", err)
	}
	return id
}

func checkConservation(t *testing.T, st *mockState) {
	t.Helper()
	expected := new(big.Int).Add(st.openEscrow(), st.benefits)
	if st.balance(vaultAddr).Cmp(expected) != 0 && st.tokenBalance(vaultAddr).Cmp(expected) != 0 {
		t.Fatalf("conservation violated: vault native=%s token=%s, escrow+benefits=%s",
			st.balance(vaultAddr), st.tokenBalance(vaultAddr), expected)
	}
}

// --- listing registry ---

func TestListIncrementsTotalListed(t *testing.T) {
	engine, _, col, emitter := newNativeEngine()

	mustList(t, engine, col, 1, 100)
	mustList(t, engine, col, 2, 100)

	total, err := engine.TotalListed()
	if err != nil {
		t.Fatalf("total listed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 active listings, got %d", total)
	}
	if got := emitter.typesSeen(); len(got) != 2 || got[0] != EventTypeListed {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestListValidation(t *testing.T) {
	engine, _, col, _ := newNativeEngine()
	tokenID := big.NewInt(1)
	col.mint(collectionAddr, tokenID, sellerAddr)

	if err := engine.List(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.List(sellerAddr, collectionAddr, tokenID, big.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if err := engine.List(sellerAddr, collectionAddr, tokenID, big.NewInt(100)); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}

	col.approve(collectionAddr, sellerAddr, vaultAddr)
	if err := engine.List(sellerAddr, collectionAddr, tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := engine.List(sellerAddr, collectionAddr, tokenID, big.NewInt(100)); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestChangePrice(t *testing.T) {
	engine, _, col, emitter := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)

	if err := engine.ChangePrice(buyerAddr, collectionAddr, tokenID, big.NewInt(150)); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := engine.ChangePrice(sellerAddr, collectionAddr, tokenID, big.NewInt(100)); !errors.Is(err, ErrSamePrice) {
		t.Fatalf("expected ErrSamePrice, got %v", err)
	}
	if err := engine.ChangePrice(sellerAddr, collectionAddr, tokenID, big.NewInt(150)); err != nil {
		t.Fatalf("change price: %v", err)
	}
	listing := engine.ListingOf(collectionAddr, tokenID)
	if listing.Price.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("price not updated: %s", listing.Price)
	}
	evt := emitter.last()
	if evt == nil || evt.Type != EventTypePriceChanged {
		t.Fatalf("expected price_changed event, got %+v", evt)
	}
	if evt.Attributes["previousPrice"] != "100" || evt.Attributes["price"] != "150" {
		t.Fatalf("unexpected price attrs: %v", evt.Attributes)
	}

	if err := engine.ChangePrice(sellerAddr, collectionAddr, big.NewInt(9), big.NewInt(10)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestListingOfMissingSlotIsDefault(t *testing.T) {
	engine, _, _, _ := newNativeEngine()
	listing := engine.ListingOf(collectionAddr, big.NewInt(7))
	if listing.Listed {
		t.Fatal("missing slot must not be listed")
	}
	if listing.TotalOffers() != 0 {
		t.Fatal("missing slot must have no offers")
	}
	if engine.IsListed(collectionAddr, big.NewInt(7)) {
		t.Fatal("missing slot reported as listed")
	}
}

// --- direct buy ---

func TestBuySettlesNativePayment(t *testing.T) {
	engine, st, col, emitter := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 500)

	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(99)); !errors.Is(err, ErrAmountNotEnough) {
		t.Fatalf("expected ErrAmountNotEnough, got %v", err)
	}
	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("buyer balance = %s, want 400", got)
	}
	if got := st.balance(sellerAddr); got.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("seller balance = %s, want 98", got)
	}
	if st.benefits.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("benefits = %s, want 2", st.benefits)
	}
	holder, _ := col.OwnerOf(collectionAddr, tokenID)
	if holder != buyerAddr {
		t.Fatal("token ownership did not move to buyer")
	}
	if engine.IsListed(collectionAddr, tokenID) {
		t.Fatal("listing should be closed after sale")
	}
	total, _ := engine.TotalListed()
	if total != 0 {
		t.Fatalf("total listed = %d, want 0", total)
	}
	checkConservation(t, st)

	evt := emitter.last()
	if evt == nil || evt.Type != EventTypeSold {
		t.Fatalf("expected sold event, got %+v", evt)
	}

	// Double spend guard: the slot is no longer purchasable.
	st.fund(otherAddr, 500)
	if err := engine.Buy(otherAddr, collectionAddr, tokenID, big.NewInt(100)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestBuySettlesTokenPayment(t *testing.T) {
	engine, st, col, _ := newTokenEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fundToken(buyerAddr, 500)

	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, nil); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := st.SetAllowance(buyerAddr, vaultAddr, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, nil); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if got := st.tokenBalance(buyerAddr); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("buyer token balance = %s, want 400", got)
	}
	if got := st.tokenBalance(sellerAddr); got.Cmp(big.NewInt(98)) != 0 {
		t.Fatalf("seller token balance = %s, want 98", got)
	}
	if got := st.tokenBalance(vaultAddr); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("vault token balance = %s, want 2", got)
	}
	allowance, _ := st.Allowance(buyerAddr, vaultAddr)
	if allowance.Sign() != 0 {
		t.Fatalf("allowance not consumed: %s", allowance)
	}
}

func TestBuyInsufficientTokenBalance(t *testing.T) {
	engine, st, col, _ := newTokenEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fundToken(buyerAddr, 50)
	if err := st.SetAllowance(buyerAddr, vaultAddr, big.NewInt(100)); err != nil {
		t.Fatal(err)
	}
	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, nil); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !engine.IsListed(collectionAddr, tokenID) {
		t.Fatal("failed buy must leave the listing active")
	}
}

func TestBuyPaysRoyalty(t *testing.T) {
	engine, st, col, emitter := newNativeEngine()
	col.royaltySupport[collectionAddr] = true
	col.royaltyTo = creatorAddr
	col.royaltyRatio = RatioFromPercentage(10)
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 100)

	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got := st.balance(creatorAddr); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("royalty recipient balance = %s, want 10", got)
	}
	if got := st.balance(sellerAddr); got.Cmp(big.NewInt(88)) != 0 {
		t.Fatalf("seller balance = %s, want 88", got)
	}
	if st.benefits.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("benefits = %s, want 2", st.benefits)
	}
	seen := emitter.typesSeen()
	foundRoyalty := false
	for _, evtType := range seen {
		if evtType == EventTypeRoyaltyPaid {
			foundRoyalty = true
		}
	}
	if !foundRoyalty {
		t.Fatalf("royalty event missing: %v", seen)
	}
	checkConservation(t, st)
}

func TestBuyRollsBackOnTransferFailure(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 100)
	col.failTransfer = true

	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); err == nil {
		t.Fatal("expected transfer failure")
	}
	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer funds must be restored, got %s", got)
	}
	if got := st.balance(sellerAddr); got.Sign() != 0 {
		t.Fatalf("seller must receive nothing, got %s", got)
	}
	if st.benefits.Sign() != 0 {
		t.Fatalf("benefits must stay zero, got %s", st.benefits)
	}
	if !engine.IsListed(collectionAddr, tokenID) {
		t.Fatal("listing must stay active after rollback")
	}
}

// --- offers ---

func TestMakeOfferEscrowsFunds(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 200)

	index, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	if index != 0 {
		t.Fatalf("first offer index = %d, want 0", index)
	}
	if got := st.balance(vaultAddr); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("vault balance = %s, want 90", got)
	}
	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("buyer balance = %s, want 110", got)
	}
	offers, _ := engine.OffersOf(collectionAddr, tokenID)
	if offers != 1 {
		t.Fatalf("offers = %d, want 1", offers)
	}
	offer, err := engine.OfferOf(collectionAddr, tokenID, 0)
	if err != nil {
		t.Fatalf("offer of: %v", err)
	}
	if offer.Expiration != testNow+3*SecondsPerDay {
		t.Fatalf("expiration = %d, want %d", offer.Expiration, testNow+3*SecondsPerDay)
	}
	checkConservation(t, st)

	second, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(95), big.NewInt(95), 1)
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if second != 1 {
		t.Fatalf("second offer index = %d, want 1", second)
	}
}

func TestMakeOfferValidation(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	st.fund(buyerAddr, 200)

	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, big.NewInt(1), big.NewInt(90), big.NewInt(90), 3); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}

	tokenID := mustList(t, engine, col, 1, 100)
	// Floor is 20% of 100.
	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(19), big.NewInt(19), 3); !errors.Is(err, ErrPriceTooLow) {
		t.Fatalf("expected ErrPriceTooLow, got %v", err)
	}
	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(20), big.NewInt(10), 3); !errors.Is(err, ErrAmountNotEnough) {
		t.Fatalf("expected ErrAmountNotEnough, got %v", err)
	}
	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(20), big.NewInt(20), 3); err != nil {
		t.Fatalf("offer at floor must succeed: %v", err)
	}
}

func TestCancelOfferRefunds(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 100)

	index, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	if err := engine.CancelOffer(otherAddr, collectionAddr, tokenID, index); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if err := engine.CancelOffer(buyerAddr, collectionAddr, tokenID, 9); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if err := engine.CancelOffer(buyerAddr, collectionAddr, tokenID, index); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer balance = %s, want 100", got)
	}
	if got := st.balance(vaultAddr); got.Sign() != 0 {
		t.Fatalf("vault balance = %s, want 0", got)
	}
	if err := engine.CancelOffer(buyerAddr, collectionAddr, tokenID, index); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed on second cancel, got %v", err)
	}
	checkConservation(t, st)
}

func TestTakeOfferSettles(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)

	index, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}

	if err := engine.TakeOffer(otherAddr, collectionAddr, tokenID, index); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, 5); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, index); err != nil {
		t.Fatalf("take offer: %v", err)
	}

	// Fee is 2% of 90, floored: 1.
	if got := st.balance(sellerAddr); got.Cmp(big.NewInt(89)) != 0 {
		t.Fatalf("seller balance = %s, want 89", got)
	}
	if st.benefits.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("benefits = %s, want 1", st.benefits)
	}
	holder, _ := col.OwnerOf(collectionAddr, tokenID)
	if holder != buyerAddr {
		t.Fatal("token must move to offer buyer")
	}
	if engine.IsListed(collectionAddr, tokenID) {
		t.Fatal("listing must close after settlement")
	}
	checkConservation(t, st)
}

func TestTakeOfferExpiryBoundary(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)

	index, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 1)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	expiration := testNow + SecondsPerDay

	// Exactly at the boundary the offer is still valid.
	engine.SetNowFunc(func() int64 { return expiration })
	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, index); err != nil {
		t.Fatalf("take at boundary must succeed: %v", err)
	}

	// One second past, it is not.
	engine2, st2, col2, _ := newNativeEngine()
	tokenID2 := mustList(t, engine2, col2, 1, 100)
	st2.fund(buyerAddr, 90)
	index2, err := engine2.MakeOffer(buyerAddr, collectionAddr, tokenID2, big.NewInt(90), big.NewInt(90), 1)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	engine2.SetNowFunc(func() int64 { return expiration + 1 })
	if err := engine2.TakeOffer(sellerAddr, collectionAddr, tokenID2, index2); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestTakeCancelledOffer(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)

	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	if err := engine.CancelOffer(buyerAddr, collectionAddr, tokenID, index); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, index); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

// --- counteroffers ---

func TestMakeCounterofferValidation(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)
	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)

	if _, err := engine.MakeCounteroffer(otherAddr, collectionAddr, tokenID, index, big.NewInt(95), 3); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	if _, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, 4, big.NewInt(95), 3); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
	// Strict bounds on both sides.
	if _, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(90), 3); !errors.Is(err, ErrPriceNotGreaterThanOffer) {
		t.Fatalf("expected ErrPriceNotGreaterThanOffer, got %v", err)
	}
	if _, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(100), 3); !errors.Is(err, ErrPriceNotLessThanListing) {
		t.Fatalf("expected ErrPriceNotLessThanListing, got %v", err)
	}

	id, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 3)
	if err != nil {
		t.Fatalf("make counteroffer: %v", err)
	}
	if id != 1 {
		t.Fatalf("first counteroffer id = %d, want 1", id)
	}
	if _, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(96), 3); !errors.Is(err, ErrCounterofferExists) {
		t.Fatalf("expected ErrCounterofferExists, got %v", err)
	}

	counteroffer, err := engine.CounterofferOf(id)
	if err != nil {
		t.Fatalf("counteroffer of: %v", err)
	}
	if counteroffer.Expiration != testNow+3*SecondsPerDay {
		t.Fatalf("expiration = %d", counteroffer.Expiration)
	}
	if _, err := engine.CounterofferOf(0); !errors.Is(err, ErrCounterofferNotFound) {
		t.Fatalf("id 0 must be not found, got %v", err)
	}
	if _, err := engine.CounterofferOf(99); !errors.Is(err, ErrCounterofferNotFound) {
		t.Fatalf("unknown id must be not found, got %v", err)
	}
}

func TestMakeCounterofferDefaultDuration(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)
	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)

	id, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 0)
	if err != nil {
		t.Fatalf("make counteroffer: %v", err)
	}
	counteroffer, _ := engine.CounterofferOf(id)
	if counteroffer.Expiration != testNow+int64(DefaultCounterofferDays)*SecondsPerDay {
		t.Fatalf("default duration not applied: %d", counteroffer.Expiration)
	}
}

func TestTakeCounterofferScenario(t *testing.T) {
	// The canonical flow: list at 100, offer 90, counter at 95, buyer
	// accepts with a 5 top-up. Fee 2% of 95 floors to 1.
	engine, st, col, emitter := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 200)

	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	id, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 3)
	if err != nil {
		t.Fatalf("make counteroffer: %v", err)
	}

	if err := engine.TakeCounteroffer(otherAddr, id, big.NewInt(5)); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(4)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := engine.TakeCounteroffer(buyerAddr, 0, big.NewInt(5)); !errors.Is(err, ErrCounterofferNotFound) {
		t.Fatalf("expected ErrCounterofferNotFound, got %v", err)
	}

	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); err != nil {
		t.Fatalf("take counteroffer: %v", err)
	}

	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("buyer balance = %s, want 105 (paid exactly 95)", got)
	}
	if got := st.balance(sellerAddr); got.Cmp(big.NewInt(94)) != 0 {
		t.Fatalf("seller balance = %s, want 94", got)
	}
	if st.benefits.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("benefits = %s, want 1", st.benefits)
	}
	holder, _ := col.OwnerOf(collectionAddr, tokenID)
	if holder != buyerAddr {
		t.Fatal("token must move to buyer")
	}
	if engine.IsListed(collectionAddr, tokenID) {
		t.Fatal("listing must close")
	}
	checkConservation(t, st)

	evt := emitter.last()
	if evt == nil || evt.Type != EventTypeCounterofferTaken {
		t.Fatalf("expected counteroffer_taken last, got %+v", evt)
	}

	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed on settled listing, got %v", err)
	}
}

func TestTakeCounterofferIgnoresExcess(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 200)

	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	id, _ := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 3)

	// Attach far more than the 5 required; only 5 may leave the buyer.
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(80)); err != nil {
		t.Fatalf("take counteroffer: %v", err)
	}
	if got := st.balance(buyerAddr); got.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("buyer balance = %s, want 105", got)
	}
	checkConservation(t, st)
}

func TestTakeCounterofferExpiryBoundary(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 200)

	index, _ := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 30)
	id, _ := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 3)
	expiration := testNow + 3*SecondsPerDay

	engine.SetNowFunc(func() int64 { return expiration + 1 })
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); !errors.Is(err, ErrCounterofferExpired) {
		t.Fatalf("expected ErrCounterofferExpired, got %v", err)
	}

	engine.SetNowFunc(func() int64 { return expiration })
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); err != nil {
		t.Fatalf("take at boundary must succeed: %v", err)
	}
}

func TestTokenTakeCounterofferConsumesAllowanceExactly(t *testing.T) {
	engine, st, col, _ := newTokenEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fundToken(buyerAddr, 200)
	if err := st.SetAllowance(buyerAddr, vaultAddr, big.NewInt(90)); err != nil {
		t.Fatal(err)
	}

	index, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), nil, 3)
	if err != nil {
		t.Fatalf("make offer: %v", err)
	}
	id, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, tokenID, index, big.NewInt(95), 3)
	if err != nil {
		t.Fatalf("make counteroffer: %v", err)
	}

	// No allowance left for the top-up yet.
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := st.SetAllowance(buyerAddr, vaultAddr, big.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := engine.TakeCounteroffer(buyerAddr, id, big.NewInt(5)); err != nil {
		t.Fatalf("take counteroffer: %v", err)
	}
	if got := st.tokenBalance(buyerAddr); got.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("buyer token balance = %s, want 105", got)
	}
	if got := st.tokenBalance(sellerAddr); got.Cmp(big.NewInt(94)) != 0 {
		t.Fatalf("seller token balance = %s, want 94", got)
	}
}

// --- sibling offers after settlement ---

func TestSiblingOffersStayCancellableAfterSale(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)
	st.fund(otherAddr, 80)

	_, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3)
	if err != nil {
		t.Fatalf("offer 1: %v", err)
	}
	sibling, err := engine.MakeOffer(otherAddr, collectionAddr, tokenID, big.NewInt(80), big.NewInt(80), 3)
	if err != nil {
		t.Fatalf("offer 2: %v", err)
	}

	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, 0); err != nil {
		t.Fatalf("take offer: %v", err)
	}

	// The sibling cannot be accepted any more but its funds stay escrowed
	// and cancellable.
	if err := engine.TakeOffer(sellerAddr, collectionAddr, tokenID, sibling); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed for sibling take, got %v", err)
	}
	if got := st.balance(otherAddr); got.Sign() != 0 {
		t.Fatalf("sibling funds must remain escrowed, got %s", got)
	}
	if err := engine.CancelOffer(otherAddr, collectionAddr, tokenID, sibling); err != nil {
		t.Fatalf("sibling cancel: %v", err)
	}
	if got := st.balance(otherAddr); got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("sibling refund = %s, want 80", got)
	}
	checkConservation(t, st)
}

// --- withdraw and configuration ---

func TestWithdraw(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 100)
	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	if _, err := engine.Withdraw(sellerAddr); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	amount, err := engine.Withdraw(ownerAddr)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("withdrawn = %s, want 2", amount)
	}
	if got := st.balance(ownerAddr); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("owner balance = %s, want 2", got)
	}
	benefits, _ := engine.BenefitsAccumulated()
	if benefits.Sign() != 0 {
		t.Fatalf("benefits must reset to zero, got %s", benefits)
	}
	if _, err := engine.Withdraw(ownerAddr); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
	checkConservation(t, st)
}

func TestWithdrawIgnoresEscrowedOffers(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 90)
	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(90), big.NewInt(90), 3); err != nil {
		t.Fatalf("make offer: %v", err)
	}

	// Vault holds 90 in escrow but no benefits accrued yet.
	if st.balance(vaultAddr).Sign() == 0 {
		t.Fatal("vault must hold escrow")
	}
	if _, err := engine.Withdraw(ownerAddr); !errors.Is(err, ErrNothingToWithdraw) {
		t.Fatalf("expected ErrNothingToWithdraw, got %v", err)
	}
}

func TestSetFeeRatio(t *testing.T) {
	engine, _, _, _ := newNativeEngine()

	if err := engine.SetFeeRatioFromPercentage(otherAddr, 5); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := engine.SetFeeRatioFromPercentage(ownerAddr, 101); !errors.Is(err, ErrPercentageTooHigh) {
		t.Fatalf("expected ErrPercentageTooHigh, got %v", err)
	}
	if err := engine.SetFeeRatioFromPercentage(ownerAddr, DefaultFeePercent); !errors.Is(err, ErrNoChange) {
		t.Fatalf("expected ErrNoChange for default, got %v", err)
	}
	if err := engine.SetFeeRatioFromPercentage(ownerAddr, 5); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	fee, err := engine.FeeFor(big.NewInt(100))
	if err != nil {
		t.Fatalf("fee for: %v", err)
	}
	if fee.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("fee = %s, want 5", fee)
	}
	ratio, _ := engine.FeeRatio()
	if ratio.Percentage() != 5 {
		t.Fatalf("fee percentage = %d, want 5", ratio.Percentage())
	}
}

func TestSetFloorRatio(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 100)

	if err := engine.SetFloorRatioFromPercentage(ownerAddr, DefaultFloorPercent); !errors.Is(err, ErrNoChange) {
		t.Fatalf("expected ErrNoChange for default, got %v", err)
	}
	if err := engine.SetFloorRatioFromPercentage(ownerAddr, 50); err != nil {
		t.Fatalf("set floor: %v", err)
	}
	if _, err := engine.MakeOffer(buyerAddr, collectionAddr, tokenID, big.NewInt(49), big.NewInt(49), 3); !errors.Is(err, ErrPriceTooLow) {
		t.Fatalf("expected ErrPriceTooLow under raised floor, got %v", err)
	}
	minPrice, err := engine.MinOfferPriceFor(collectionAddr, tokenID)
	if err != nil {
		t.Fatalf("min offer price: %v", err)
	}
	if minPrice.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("min offer price = %s, want 50", minPrice)
	}
}

// --- relisting ---

func TestRelistAfterSaleKeepsOfferHistory(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	tokenID := mustList(t, engine, col, 1, 100)
	st.fund(buyerAddr, 200)
	st.fund(otherAddr, 80)

	sibling, err := engine.MakeOffer(otherAddr, collectionAddr, tokenID, big.NewInt(80), big.NewInt(80), 3)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := engine.Buy(buyerAddr, collectionAddr, tokenID, big.NewInt(100)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// The new holder relists; the stale offer must survive so its escrow
	// stays claimable.
	col.approve(collectionAddr, buyerAddr, vaultAddr)
	if err := engine.List(buyerAddr, collectionAddr, tokenID, big.NewInt(120)); err != nil {
		t.Fatalf("relist: %v", err)
	}
	offers, _ := engine.OffersOf(collectionAddr, tokenID)
	if offers != 1 {
		t.Fatalf("offer history lost: %d", offers)
	}
	if err := engine.CancelOffer(otherAddr, collectionAddr, tokenID, sibling); err != nil {
		t.Fatalf("stale offer cancel: %v", err)
	}
	if got := st.balance(otherAddr); got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("stale offer refund = %s, want 80", got)
	}
	checkConservation(t, st)
}

// --- conservation over a mixed sequence ---

func TestConservationAcrossNegotiation(t *testing.T) {
	engine, st, col, _ := newNativeEngine()
	st.fund(buyerAddr, 1_000)
	st.fund(otherAddr, 1_000)

	first := mustList(t, engine, col, 1, 100)
	second := mustList(t, engine, col, 2, 300)

	steps := []func() error{
		func() error {
			_, err := engine.MakeOffer(buyerAddr, collectionAddr, first, big.NewInt(90), big.NewInt(90), 3)
			return err
		},
		func() error {
			_, err := engine.MakeOffer(otherAddr, collectionAddr, second, big.NewInt(200), big.NewInt(200), 3)
			return err
		},
		func() error {
			_, err := engine.MakeCounteroffer(sellerAddr, collectionAddr, first, 0, big.NewInt(95), 3)
			return err
		},
		func() error { return engine.TakeCounteroffer(buyerAddr, 1, big.NewInt(5)) },
		func() error { return engine.TakeOffer(sellerAddr, collectionAddr, second, 0) },
		func() error {
			_, err := engine.Withdraw(ownerAddr)
			return err
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		checkConservation(t, st)
	}
	// Everything settled and withdrawn: the vault is empty.
	if got := st.balance(vaultAddr); got.Sign() != 0 {
		t.Fatalf("vault must be empty, got %s", got)
	}
}
