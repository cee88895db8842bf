// Package wallet defines the collaborator interface to the external
// wallet/chain RPC used for balances, supply and message signatures.
package wallet

import (
	"context"
	"errors"
)

// ErrUnavailable marks a wire-level RPC failure (daemon down, timeout).
// Callers treat it as transient and retry; it is never a verdict about the
// request itself.
var ErrUnavailable = errors.New("wallet rpc unavailable")

// UnspentOutput is one spendable output owned by an identity; its address
// is a voting address and its amount the address's weight.
type UnspentOutput struct {
	Address   string
	Amount    int64
	Spendable bool
	Solvable  bool
	Safe      bool
}

// Wallet is the narrow interface to the chain RPC. All amounts are in the
// smallest currency unit.
type Wallet interface {
	AddressBalance(ctx context.Context, address string) (int64, error)
	NetworkMoneySupply(ctx context.Context) (int64, error)
	SignMessage(ctx context.Context, walletName, address string, payload []byte) (string, error)
	VerifyMessage(ctx context.Context, address, signature string, payload []byte) (bool, error)
	ListUnspent(ctx context.Context, walletName string, minConfirmations int) ([]UnspentOutput, error)
}
