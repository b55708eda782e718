// internal/wallet/wallet.go
package wallet

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	"github.com/chainpay/chainpay-backend/internal/config"
)

// Wallet derives deposit addresses from the configured seed phrase.
// Derivation is deterministic: the path stored on a PaymentAddress row is
// enough to rebuild the private key later for a sweep. Key material never
// leaves this package.
type Wallet struct {
	seed []byte
}

func NewWallet(cfg config.WalletConfig) (*Wallet, error) {
	if cfg.SeedPhrase == "" {
		return nil, errors.New("wallet seed phrase is not configured")
	}
	seed := pbkdf2.Key([]byte(cfg.SeedPhrase), []byte("mnemonic"+cfg.SeedPassphrase), 2048, 64, sha512.New)
	return &Wallet{seed: seed}, nil
}

// NewDepositAddress derives a fresh address under a random child index and
// returns it with its derivation path, "m/0/<index>".
func (w *Wallet) NewDepositAddress() (string, string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", "", fmt.Errorf("failed to draw derivation index: %w", err)
	}
	index := binary.BigEndian.Uint64(buf[:])

	address, err := w.DeriveAddress(index)
	if err != nil {
		return "", "", err
	}
	return address, fmt.Sprintf("m/0/%d", index), nil
}

// DeriveAddress returns the checksummed address for a child index.
func (w *Wallet) DeriveAddress(index uint64) (string, error) {
	key, err := w.keyAt(index)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// KeyForPath rebuilds the private key recorded on a payment address row.
func (w *Wallet) KeyForPath(path string) (*ecdsa.PrivateKey, error) {
	index, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	return w.keyAt(index)
}

// keyAt derives the child private key for one index. Candidate bytes that do
// not form a valid secp256k1 scalar are rehashed; the chance of even one such
// round is negligible but the loop keeps derivation total.
func (w *Wallet) keyAt(index uint64) (*ecdsa.PrivateKey, error) {
	mac := hmac.New(sha512.New, w.seed)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	mac.Write(buf[:])
	child := mac.Sum(nil)

	for attempt := 0; attempt < 4; attempt++ {
		key, err := crypto.ToECDSA(child[:32])
		if err == nil {
			return key, nil
		}
		mac.Reset()
		mac.Write(child)
		child = mac.Sum(nil)
	}
	return nil, fmt.Errorf("no valid key material at index %d", index)
}

func parsePath(path string) (uint64, error) {
	raw, ok := strings.CutPrefix(path, "m/0/")
	if !ok {
		return 0, fmt.Errorf("unrecognized derivation path %q", path)
	}
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized derivation path %q", path)
	}
	return index, nil
}
