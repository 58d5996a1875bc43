package types

import "math/big"

// Account tracks the funds the marketplace ledger knows about for one
// address: the native balance spent by value-attached purchases and the
// payment-token balance spent through allowances.
type Account struct {
	Nonce        uint64   `json:"nonce"`
	Balance      *big.Int `json:"balance"`
	TokenBalance *big.Int `json:"tokenBalance"`
}

// Normalize replaces nil balance fields with zero so callers can do
// arithmetic without nil checks. It returns the receiver for chaining.
func (a *Account) Normalize() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0), TokenBalance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	if a.TokenBalance == nil {
		a.TokenBalance = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return (&Account{}).Normalize()
	}
	clone := &Account{Nonce: a.Nonce}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	if a.TokenBalance != nil {
		clone.TokenBalance = new(big.Int).Set(a.TokenBalance)
	}
	return clone.Normalize()
}
