// internal/chain/ethereum.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/chainpay/chainpay-backend/internal/config"
)

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthereumClient reads USDT transfers from an EVM node over JSON-RPC.
type EthereumClient struct {
	client   *ethclient.Client
	token    common.Address
	decimals int32
	timeout  time.Duration
}

func NewEthereumClient(cfg config.ChainConfig) (*EthereumClient, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenContract)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", err)
	}

	return &EthereumClient{
		client:   client,
		token:    common.HexToAddress(cfg.TokenContract),
		decimals: int32(cfg.TokenDecimals),
		timeout:  time.Duration(cfg.RPCTimeout) * time.Second,
	}, nil
}

func (c *EthereumClient) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch head block: %w", err)
	}
	return head, nil
}

func (c *EthereumClient) TransfersTo(ctx context.Context, address string, fromBlock, toBlock uint64) ([]Transfer, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid recipient address %q", address)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	recipient := common.HexToAddress(address)
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{addressTopic(recipient)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}

	transfers := make([]Transfer, 0, len(logs))
	for _, entry := range logs {
		transfer, err := parseTransfer(entry, c.decimals)
		if err != nil {
			// Non-standard events on the token contract are skipped, not fatal.
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (c *EthereumClient) TransferStatus(ctx context.Context, txHash string) (TransferState, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return "", 0, fmt.Errorf("failed to fetch receipt for %s: %w", txHash, err)
		}
		// No receipt: the transaction is either waiting in the pool or gone.
		_, _, txErr := c.client.TransactionByHash(ctx, hash)
		if txErr != nil {
			if errors.Is(txErr, ethereum.NotFound) {
				return TransferStateDropped, 0, nil
			}
			return "", 0, fmt.Errorf("failed to look up transaction %s: %w", txHash, txErr)
		}
		return TransferStatePending, 0, nil
	}

	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch head block: %w", err)
	}

	confirmations := int64(head) - receipt.BlockNumber.Int64() + 1
	if confirmations < 0 {
		confirmations = 0
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransferStateReverted, confirmations, nil
	}
	return TransferStateIncluded, confirmations, nil
}

// Broadcaster exposes the underlying node connection so the settlement
// treasury can send signed transactions over the same RPC session.
func (c *EthereumClient) Broadcaster() *ethclient.Client {
	return c.client
}

func (c *EthereumClient) Close() {
	c.client.Close()
}

// addressTopic left-pads an address into the 32-byte topic encoding used for
// indexed event arguments.
func addressTopic(address common.Address) common.Hash {
	return common.BytesToHash(address.Bytes())
}

// parseTransfer decodes one Transfer log. Token amounts are shifted down by
// the token's decimals so the rest of the system works in whole USDT.
func parseTransfer(entry types.Log, decimals int32) (Transfer, error) {
	if len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
		return Transfer{}, fmt.Errorf("log %s is not an indexed Transfer event", entry.TxHash.Hex())
	}
	if len(entry.Data) != 32 {
		return Transfer{}, fmt.Errorf("log %s has malformed transfer data", entry.TxHash.Hex())
	}

	value := new(big.Int).SetBytes(entry.Data)
	return Transfer{
		TxHash:      entry.TxHash.Hex(),
		From:        common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(entry.Topics[2].Bytes()).Hex(),
		Amount:      decimal.NewFromBigInt(value, -decimals),
		BlockNumber: entry.BlockNumber,
		BlockHash:   entry.BlockHash.Hex(),
		LogIndex:    entry.Index,
	}, nil
}
