package market

import (
	"math/big"
	"testing"
)

func TestListingCloneIsDeep(t *testing.T) {
	listing := &Listing{
		Collection: collectionAddr,
		TokenID:    big.NewInt(1),
		Seller:     sellerAddr,
		Price:      big.NewInt(100),
		Listed:     true,
		Offers: []*Offer{
			{Buyer: buyerAddr, Price: big.NewInt(90), Expiration: testNow},
		},
	}
	clone := listing.Clone()
	clone.Price.SetInt64(999)
	clone.Offers[0].Price.SetInt64(999)
	clone.Offers[0].Used = true

	if listing.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("clone shares price: %s", listing.Price)
	}
	if listing.Offers[0].Price.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("clone shares offer price: %s", listing.Offers[0].Price)
	}
	if listing.Offers[0].Used {
		t.Fatal("clone shares offer flags")
	}
}

func TestOfferAtBounds(t *testing.T) {
	listing := &Listing{
		Offers: []*Offer{{Price: big.NewInt(1)}, {Price: big.NewInt(2)}},
	}
	if listing.OfferAt(2) != nil {
		t.Fatal("out of range index must yield nil")
	}
	if got := listing.OfferAt(1); got == nil || got.Price.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("unexpected offer at 1: %+v", got)
	}
	var empty *Listing
	if empty.OfferAt(0) != nil || empty.TotalOffers() != 0 {
		t.Fatal("nil listing must behave as empty")
	}
}

func TestSanitizeListing(t *testing.T) {
	if _, err := SanitizeListing(nil); err == nil {
		t.Fatal("nil listing must fail")
	}
	if _, err := SanitizeListing(&Listing{TokenID: big.NewInt(-1)}); err == nil {
		t.Fatal("negative token id must fail")
	}
	sanitized, err := SanitizeListing(&Listing{})
	if err != nil {
		t.Fatalf("empty listing: %v", err)
	}
	if sanitized.TokenID == nil || sanitized.Price == nil {
		t.Fatal("sanitize must fill nil amounts")
	}
}

func TestSanitizeCounteroffer(t *testing.T) {
	if _, err := SanitizeCounteroffer(&Counteroffer{ID: 0, Price: big.NewInt(1)}); err == nil {
		t.Fatal("zero id must fail")
	}
	if _, err := SanitizeCounteroffer(&Counteroffer{ID: 1}); err == nil {
		t.Fatal("zero price must fail")
	}
	sanitized, err := SanitizeCounteroffer(&Counteroffer{ID: 1, Price: big.NewInt(5)})
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.TokenID == nil {
		t.Fatal("sanitize must fill nil token id")
	}
}
