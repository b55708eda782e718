// internal/chain/client.go
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferState is where a token transfer stands on chain.
type TransferState string

const (
	// TransferStatePending: the node knows the transaction but it is not mined.
	TransferStatePending TransferState = "pending"
	// TransferStateIncluded: mined and executed successfully.
	TransferStateIncluded TransferState = "included"
	// TransferStateReverted: mined but the token transfer itself failed.
	TransferStateReverted TransferState = "reverted"
	// TransferStateDropped: the node no longer knows the transaction.
	TransferStateDropped TransferState = "dropped"
)

// Transfer is one token movement into a watched address.
type Transfer struct {
	TxHash      string
	From        string
	To          string
	Amount      decimal.Decimal
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
}

// Client is the read side of the chain. The monitor and settlement sweep
// depend on this interface; production wires the ethclient implementation.
type Client interface {
	// LatestBlock returns the node's current head block number.
	LatestBlock(ctx context.Context) (uint64, error)

	// TransfersTo returns token transfers credited to one address within an
	// inclusive block range, in log order.
	TransfersTo(ctx context.Context, address string, fromBlock, toBlock uint64) ([]Transfer, error)

	// TransferStatus reports a transaction's state and confirmation depth.
	// The block containing the transaction counts as one confirmation.
	TransferStatus(ctx context.Context, txHash string) (TransferState, int64, error)

	// Close releases the underlying connection.
	Close()
}
