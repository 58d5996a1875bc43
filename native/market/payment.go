package market

import (
	"fmt"
	"math/big"

	"fusymarket/core/types"
)

// PaymentState is the slice of ledger state the payment strategies operate
// on: account balances plus the allowance table used by the token medium.
type PaymentState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	Allowance(owner, spender [20]byte) (*big.Int, error)
	SetAllowance(owner, spender [20]byte, amount *big.Int) error
}

// Payments abstracts "take funds from payer" and "pay funds to payee" over
// the two supported media. A strategy is picked once at engine construction;
// both variants settle into and out of the engine vault account so escrowed
// funds and accumulated fees are always observable in one place.
//
// Debit moves exactly amount from the payer to the vault. For the native
// medium, attached is the value the caller sent along with the operation and
// must cover amount; any excess never leaves the payer. For the token
// medium, attached is ignored and a prior allowance of at least amount for
// the vault is required.
type Payments interface {
	Debit(s PaymentState, payer [20]byte, attached, amount *big.Int) error
	Credit(s PaymentState, payee [20]byte, amount *big.Int) error
}

// NativePayments settles in the ledger's native balance, mirroring a
// value-attached call.
type NativePayments struct {
	vault [20]byte
}

// NewNativePayments returns a native-value payment strategy settling against
// the given vault address.
func NewNativePayments(vault [20]byte) *NativePayments {
	return &NativePayments{vault: vault}
}

func (p *NativePayments) Debit(s PaymentState, payer [20]byte, attached, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("market: payment state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative debit amount")
	}
	if attached == nil || attached.Cmp(amt) < 0 {
		return ErrAmountNotEnough
	}
	if amt.Sign() == 0 {
		return nil
	}
	payerAcc, err := s.GetAccount(payer)
	if err != nil {
		return err
	}
	payerAcc = payerAcc.Normalize()
	if payerAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	vaultAcc, err := s.GetAccount(p.vault)
	if err != nil {
		return err
	}
	vaultAcc = vaultAcc.Normalize()
	payerAcc.Balance = new(big.Int).Sub(payerAcc.Balance, amt)
	vaultAcc.Balance = new(big.Int).Add(vaultAcc.Balance, amt)
	if err := s.PutAccount(payer, payerAcc); err != nil {
		return err
	}
	return s.PutAccount(p.vault, vaultAcc)
}

func (p *NativePayments) Credit(s PaymentState, payee [20]byte, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("market: payment state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative credit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	vaultAcc, err := s.GetAccount(p.vault)
	if err != nil {
		return err
	}
	vaultAcc = vaultAcc.Normalize()
	if vaultAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	payeeAcc, err := s.GetAccount(payee)
	if err != nil {
		return err
	}
	payeeAcc = payeeAcc.Normalize()
	vaultAcc.Balance = new(big.Int).Sub(vaultAcc.Balance, amt)
	payeeAcc.Balance = new(big.Int).Add(payeeAcc.Balance, amt)
	if err := s.PutAccount(p.vault, vaultAcc); err != nil {
		return err
	}
	return s.PutAccount(payee, payeeAcc)
}

// TokenPayments settles in the ledger's payment-token balance through an
// approve/transferFrom flow: the payer must have granted the vault an
// allowance covering the debit beforehand.
type TokenPayments struct {
	vault [20]byte
}

// NewTokenPayments returns a token payment strategy settling against the
// given vault address.
func NewTokenPayments(vault [20]byte) *TokenPayments {
	return &TokenPayments{vault: vault}
}

func (p *TokenPayments) Debit(s PaymentState, payer [20]byte, attached, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("market: payment state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative debit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	allowance, err := s.Allowance(payer, p.vault)
	if err != nil {
		return err
	}
	if allowance == nil || allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	payerAcc, err := s.GetAccount(payer)
	if err != nil {
		return err
	}
	payerAcc = payerAcc.Normalize()
	if payerAcc.TokenBalance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	vaultAcc, err := s.GetAccount(p.vault)
	if err != nil {
		return err
	}
	vaultAcc = vaultAcc.Normalize()
	if err := s.SetAllowance(payer, p.vault, new(big.Int).Sub(allowance, amt)); err != nil {
		return err
	}
	payerAcc.TokenBalance = new(big.Int).Sub(payerAcc.TokenBalance, amt)
	vaultAcc.TokenBalance = new(big.Int).Add(vaultAcc.TokenBalance, amt)
	if err := s.PutAccount(payer, payerAcc); err != nil {
		return err
	}
	return s.PutAccount(p.vault, vaultAcc)
}

func (p *TokenPayments) Credit(s PaymentState, payee [20]byte, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("market: payment state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative credit amount")
	}
	if amt.Sign() == 0 {
		return nil
	}
	vaultAcc, err := s.GetAccount(p.vault)
	if err != nil {
		return err
	}
	vaultAcc = vaultAcc.Normalize()
	if vaultAcc.TokenBalance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	payeeAcc, err := s.GetAccount(payee)
	if err != nil {
		return err
	}
	payeeAcc = payeeAcc.Normalize()
	vaultAcc.TokenBalance = new(big.Int).Sub(vaultAcc.TokenBalance, amt)
	payeeAcc.TokenBalance = new(big.Int).Add(payeeAcc.TokenBalance, amt)
	if err := s.PutAccount(p.vault, vaultAcc); err != nil {
		return err
	}
	return s.PutAccount(payee, payeeAcc)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
