// internal/wallet/treasury.go
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/chainpay/chainpay-backend/internal/config"
)

const erc20TransferABI = `[{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`

// Broadcaster is the node surface needed to send a signed transaction.
// *ethclient.Client satisfies it.
type Broadcaster interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Treasury signs and broadcasts USDT transfers from the hot wallet. Used by
// the settlement sweep to pay merchants out.
type Treasury struct {
	broadcaster Broadcaster
	key         *ecdsa.PrivateKey
	from        common.Address
	token       common.Address
	chainID     *big.Int
	gasLimit    uint64
	decimals    int32
	erc20       abi.ABI

	// One broadcast at a time so concurrent sweeps cannot reuse a nonce.
	mu sync.Mutex
}

func NewTreasury(walletCfg config.WalletConfig, chainCfg config.ChainConfig, broadcaster Broadcaster) (*Treasury, error) {
	if walletCfg.HotWalletKey == "" {
		return nil, errors.New("hot wallet key is not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(walletCfg.HotWalletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hot wallet key: %w", err)
	}
	if !common.IsHexAddress(chainCfg.TokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", chainCfg.TokenContract)
	}

	erc20, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	return &Treasury{
		broadcaster: broadcaster,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		token:       common.HexToAddress(chainCfg.TokenContract),
		chainID:     big.NewInt(chainCfg.ChainID),
		gasLimit:    walletCfg.GasLimit,
		decimals:    int32(chainCfg.TokenDecimals),
		erc20:       erc20,
	}, nil
}

// HotWalletAddress returns the address settlements are paid from.
func (t *Treasury) HotWalletAddress() string {
	return t.from.Hex()
}

// Transfer broadcasts a token transfer and returns the transaction hash.
// Amounts below the token's smallest unit are truncated.
func (t *Treasury) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid settlement address %q", to)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("settlement amount %s is not positive", amount.String())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	value := amount.Shift(t.decimals).BigInt()
	calldata, err := t.erc20.Pack("transfer", common.HexToAddress(to), value)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer call: %w", err)
	}

	nonce, err := t.broadcaster.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch hot wallet nonce: %w", err)
	}
	gasPrice, err := t.broadcaster.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, t.token, big.NewInt(0), t.gasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement transaction: %w", err)
	}

	if err := t.broadcaster.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to broadcast settlement transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}
