package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/vreid/janken/internal/pkg/common"
	bolt "go.etcd.io/bbolt"
)

const messageMagic = "Bitcoin Signed Message:\n"

var ErrBucketNotFound = errors.New("bucket doesn't exist")

// KeyWallet holds a secp256k1 key. Balances and outgoing payments are kept in
// a local bbolt ledger; settlement on chain happens out of band.
type KeyWallet struct {
	db     *bolt.DB
	params *chaincfg.Params

	mu       sync.Mutex
	key      *btcec.PrivateKey
	watchers map[*watcher]struct{}
}

type watcher struct {
	cancel context.CancelFunc
}

func Params(network Network) *chaincfg.Params {
	if network == Testnet {
		return &chaincfg.TestNet3Params
	}

	return &chaincfg.MainNetParams
}

func newKeyWallet(db *bolt.DB, key *btcec.PrivateKey, network Network) *KeyWallet {
	return &KeyWallet{
		db:       db,
		params:   Params(network),
		key:      key,
		watchers: map[*watcher]struct{}{},
	}
}

func NewRandom(db *bolt.DB, network Network) (*KeyWallet, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	return newKeyWallet(db, key, network), nil
}

func FromWIF(db *bolt.DB, encoded string, network Network) (*KeyWallet, error) {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode WIF: %w", err)
	}

	if !wif.IsForNet(Params(network)) {
		return nil, fmt.Errorf("%w: %s", ErrWrongNetwork, network)
	}

	return newKeyWallet(db, wif.PrivKey, network), nil
}

// Named loads the wallet saved under name, or creates and saves a new one
// when create is set.
func Named(db *bolt.DB, name string, network Network, create bool) (*KeyWallet, error) {
	storageKey := []byte(name + ":" + string(network))

	var saved string

	err := db.View(func(tx *bolt.Tx) error {
		keys := tx.Bucket([]byte(common.WalletKeysBucket))
		if keys == nil {
			return ErrBucketNotFound
		}

		saved = string(keys.Get(storageKey))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read saved wallet: %w", err)
	}

	if saved != "" {
		return FromWIF(db, saved, network)
	}

	if !create {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, name)
	}

	w, err := NewRandom(db, network)
	if err != nil {
		return nil, err
	}

	return w, w.Save(name)
}

func (w *KeyWallet) Save(name string) error {
	encoded, err := w.ExportWIF()
	if err != nil {
		return err
	}

	network := Mainnet
	if w.params.Net == chaincfg.TestNet3Params.Net {
		network = Testnet
	}

	err = w.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket([]byte(common.WalletKeysBucket))
		if keys == nil {
			return ErrBucketNotFound
		}

		return keys.Put([]byte(name+":"+string(network)), []byte(encoded))
	})
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}

	return nil
}

func (w *KeyWallet) privateKey() (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.key == nil {
		return nil, ErrNotConnected
	}

	return w.key, nil
}

func (w *KeyWallet) ExportWIF() (string, error) {
	key, err := w.privateKey()
	if err != nil {
		return "", err
	}

	wif, err := btcutil.NewWIF(key, w.params, true)
	if err != nil {
		return "", fmt.Errorf("failed to encode WIF: %w", err)
	}

	return wif.String(), nil
}

func (w *KeyWallet) Address() (string, error) {
	key, err := w.privateKey()
	if err != nil {
		return "", err
	}

	return address(key.PubKey().SerializeCompressed(), w.params)
}

func address(serializedPubKey []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(serializedPubKey), params)
	if err != nil {
		return "", fmt.Errorf("failed to derive address: %w", err)
	}

	return addr.EncodeAddress(), nil
}

func messageHash(message string) ([]byte, error) {
	var buf bytes.Buffer

	err := wire.WriteVarString(&buf, 0, messageMagic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	err = wire.WriteVarString(&buf, 0, message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// Sign returns a base64 compact signature from which the address can be recovered.
func (w *KeyWallet) Sign(message string) (string, error) {
	key, err := w.privateKey()
	if err != nil {
		return "", err
	}

	hash, err := messageHash(message)
	if err != nil {
		return "", err
	}

	sig := ecdsa.SignCompact(key, hash, true)

	return base64.StdEncoding.EncodeToString(sig), nil
}

func VerifySignature(message, signature, addr string, network Network) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	hash, err := messageHash(message)
	if err != nil {
		return err
	}

	pub, compressed, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	serialized := pub.SerializeUncompressed()
	if compressed {
		serialized = pub.SerializeCompressed()
	}

	recovered, err := address(serialized, Params(network))
	if err != nil {
		return err
	}

	if recovered != addr {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, recovered)
	}

	return nil
}

func (w *KeyWallet) Balance(_ context.Context) (int64, error) {
	addr, err := w.Address()
	if err != nil {
		return 0, err
	}

	var balance int64

	err = w.db.View(func(tx *bolt.Tx) error {
		ledger := tx.Bucket([]byte(common.WalletLedgerBucket))
		if ledger == nil {
			return ErrBucketNotFound
		}

		balance = common.BytesToInt64(ledger.Get([]byte(addr)), 0)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	return balance, nil
}

// Deposit credits the local ledger, standing in for an incoming payment.
func (w *KeyWallet) Deposit(_ context.Context, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	addr, err := w.Address()
	if err != nil {
		return err
	}

	err = w.db.Update(func(tx *bolt.Tx) error {
		ledger := tx.Bucket([]byte(common.WalletLedgerBucket))
		if ledger == nil {
			return ErrBucketNotFound
		}

		balance := common.BytesToInt64(ledger.Get([]byte(addr)), 0)

		return ledger.Put([]byte(addr), common.Int64ToBytes(balance+amount))
	})
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}

	return nil
}

//nolint:cyclop
func (w *KeyWallet) Send(_ context.Context, toAddress string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	_, err := btcutil.DecodeAddress(toAddress, w.params)
	if err != nil {
		return "", fmt.Errorf("invalid destination %s: %w", toAddress, err)
	}

	from, err := w.Address()
	if err != nil {
		return "", err
	}

	txID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate transaction id: %w", err)
	}

	payment := Payment{
		TxID:      txID.String(),
		From:      from,
		To:        toAddress,
		Amount:    amount,
		Timestamp: time.Now().UnixMilli(),
	}

	err = w.db.Update(func(tx *bolt.Tx) error {
		ledger := tx.Bucket([]byte(common.WalletLedgerBucket))
		if ledger == nil {
			return ErrBucketNotFound
		}

		outbox := tx.Bucket([]byte(common.WalletOutboxBucket))
		if outbox == nil {
			return ErrBucketNotFound
		}

		balance := common.BytesToInt64(ledger.Get([]byte(from)), 0)
		if balance < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, balance, amount)
		}

		err := ledger.Put([]byte(from), common.Int64ToBytes(balance-amount))
		if err != nil {
			return fmt.Errorf("failed to debit: %w", err)
		}

		received := common.BytesToInt64(ledger.Get([]byte(toAddress)), 0)

		err = ledger.Put([]byte(toAddress), common.Int64ToBytes(received+amount))
		if err != nil {
			return fmt.Errorf("failed to credit: %w", err)
		}

		data, err := json.Marshal(payment)
		if err != nil {
			return fmt.Errorf("failed to marshal payment: %w", err)
		}

		return outbox.Put([]byte(payment.TxID), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to send: %w", err)
	}

	return payment.TxID, nil
}

func (w *KeyWallet) Payments() ([]Payment, error) {
	var payments []Payment

	err := w.db.View(func(tx *bolt.Tx) error {
		outbox := tx.Bucket([]byte(common.WalletOutboxBucket))
		if outbox == nil {
			return ErrBucketNotFound
		}

		return outbox.ForEach(func(_, v []byte) error {
			var payment Payment

			err := json.Unmarshal(v, &payment)
			if err != nil {
				return fmt.Errorf("failed to unmarshal payment: %w", err)
			}

			payments = append(payments, payment)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read payments: %w", err)
	}

	return payments, nil
}

// WatchBalance polls the balance and reports every change until cancelled.
func (w *KeyWallet) WatchBalance(ctx context.Context, interval time.Duration, fn func(int64)) (func(), error) {
	last, err := w.Balance(ctx)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	entry := &watcher{cancel: cancel}

	w.mu.Lock()
	w.watchers[entry] = struct{}{}
	w.mu.Unlock()

	stop := func() {
		w.mu.Lock()
		delete(w.watchers, entry)
		w.mu.Unlock()

		cancel()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}

			balance, err := w.Balance(watchCtx)
			if err != nil || balance == last {
				continue
			}

			last = balance
			fn(balance)
		}
	}()

	return stop, nil
}

// Disconnect cancels outstanding watchers and forgets the key.
func (w *KeyWallet) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for entry := range w.watchers {
		entry.cancel()
	}

	w.watchers = map[*watcher]struct{}{}
	w.key = nil
}
