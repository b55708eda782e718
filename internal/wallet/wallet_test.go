// internal/wallet/wallet_test.go
package wallet

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpay/chainpay-backend/internal/config"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewWallet(config.WalletConfig{
		SeedPhrase: "ripple urge grace gospel shy spirit inherit kangaroo trial cup kidney unlock",
	})
	require.NoError(t, err)
	return w
}

func TestNewWalletRequiresSeedPhrase(t *testing.T) {
	_, err := NewWallet(config.WalletConfig{})
	assert.Error(t, err)
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	w := testWallet(t)

	first, err := w.DeriveAddress(42)
	require.NoError(t, err)
	second, err := w.DeriveAddress(42)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, common.IsHexAddress(first))
}

func TestDeriveAddressVariesByIndex(t *testing.T) {
	w := testWallet(t)

	a, err := w.DeriveAddress(1)
	require.NoError(t, err)
	b, err := w.DeriveAddress(2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveAddressVariesBySeed(t *testing.T) {
	w1 := testWallet(t)
	w2, err := NewWallet(config.WalletConfig{
		SeedPhrase: "ripple urge grace gospel shy spirit inherit kangaroo trial cup kidney abandon",
	})
	require.NoError(t, err)

	a, err := w1.DeriveAddress(5)
	require.NoError(t, err)
	b, err := w2.DeriveAddress(5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPassphraseChangesDerivation(t *testing.T) {
	seed := "ripple urge grace gospel shy spirit inherit kangaroo trial cup kidney unlock"
	w1, err := NewWallet(config.WalletConfig{SeedPhrase: seed})
	require.NoError(t, err)
	w2, err := NewWallet(config.WalletConfig{SeedPhrase: seed, SeedPassphrase: "hunter2"})
	require.NoError(t, err)

	a, err := w1.DeriveAddress(5)
	require.NoError(t, err)
	b, err := w2.DeriveAddress(5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewDepositAddressRoundTripsThroughPath(t *testing.T) {
	w := testWallet(t)

	address, path, err := w.NewDepositAddress()
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(address))

	key, err := w.KeyForPath(path)
	require.NoError(t, err)
	assert.Equal(t, address, crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"the stored path must rebuild the key behind the address")
}

func TestKeyForPathRejectsGarbage(t *testing.T) {
	w := testWallet(t)

	for _, path := range []string{"", "m/1/5", "m/0/", "m/0/notanumber", "44'/60'/0'/0/1"} {
		_, err := w.KeyForPath(path)
		assert.Error(t, err, "path %q must be rejected", path)
	}
}
