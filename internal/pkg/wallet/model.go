package wallet

import (
	"context"
	"errors"
)

const UnitsPerCoin = 100_000_000

var (
	ErrNotConnected      = errors.New("wallet not connected")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrWrongNetwork      = errors.New("key belongs to another network")
	ErrWalletNotFound    = errors.New("no saved wallet with that name")
)

// Wallet is what the game needs from a wallet: an identity, signatures and
// payments. Amounts are in base units.
type Wallet interface {
	Address() (string, error)
	Sign(message string) (string, error)
	Send(ctx context.Context, toAddress string, amount int64) (string, error)
	Balance(ctx context.Context) (int64, error)
}

type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

type Payment struct {
	TxID      string `json:"txid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}
