// internal/monitor/monitor.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/chain"
	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/services"
)

const (
	// scanLookback is how many blocks behind the head a fresh address starts
	// scanning from, covering transfers mined before the first tick.
	scanLookback = 240

	// maxScanRange caps one FilterLogs call; a long outage is caught up in
	// successive windows instead of one oversized query.
	maxScanRange = 5000

	// openTransactionBatch bounds the confirmation-tracking pass per tick.
	openTransactionBatch = 500
)

// Monitor polls the chain for transfers into watchable addresses, tracks
// confirmation depth for live transactions, and closes addresses whose
// payment window has passed. Expiry runs on its own fixed clock: an RPC
// outage delays payment detection, never expiry.
type Monitor struct {
	store        *ledger.Store
	chain        chain.Client
	transactions *services.TransactionService
	config       *config.Config

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store *ledger.Store, chainClient chain.Client, transactions *services.TransactionService, cfg *config.Config) *Monitor {
	return &Monitor{
		store:        store,
		chain:        chainClient,
		transactions: transactions,
		config:       cfg,
		stop:         make(chan struct{}),
	}
}

// Start launches the scan and expiry loops.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.scanLoop()
	go m.expiryLoop()
}

// Stop blocks until both loops exit.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// scanLoop runs the chain scan with exponential backoff on RPC trouble. The
// backoff resets to the configured interval on the next clean pass.
func (m *Monitor) scanLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.config.Chain.PollInterval) * time.Second
	maxBackoff := time.Duration(m.config.Chain.MaxBackoff) * time.Second
	delay := interval

	for {
		select {
		case <-m.stop:
			return
		case <-time.After(delay):
		}

		if err := m.scanOnce(context.Background()); err != nil {
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			logrus.WithFields(logrus.Fields{
				"next_attempt_in": delay.String(),
			}).Warnf("Chain scan degraded: %v", err)
			continue
		}
		delay = interval
	}
}

// expiryLoop closes overdue addresses on a fixed schedule, independent of
// chain reachability.
func (m *Monitor) expiryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Duration(m.config.Chain.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expiryPass(context.Background())
		}
	}
}

// scanOnce looks for new transfers into every watchable address and advances
// confirmation depth for transactions already being tracked. One address
// failing does not stop the others; any RPC failure makes the whole pass
// report degraded so the loop backs off.
func (m *Monitor) scanOnce(ctx context.Context) error {
	head, err := m.chain.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch chain head: %w", err)
	}

	addresses, err := m.store.WatchableAddresses(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to list watchable addresses: %w", err)
	}

	var rpcFailures int
	for i := range addresses {
		if err := m.scanAddress(ctx, &addresses[i], head); err != nil {
			rpcFailures++
			logrus.Warnf("Failed to scan address %s: %v", addresses[i].Address, err)
		}
	}

	if err := m.trackOpenTransactions(ctx); err != nil {
		return err
	}

	if rpcFailures > 0 {
		return fmt.Errorf("%d of %d address scans failed", rpcFailures, len(addresses))
	}
	return nil
}

func (m *Monitor) scanAddress(ctx context.Context, address *models.PaymentAddress, head uint64) error {
	from := address.LastScannedBlock + 1
	if address.LastScannedBlock == 0 {
		if head > scanLookback {
			from = head - scanLookback
		} else {
			from = 0
		}
	}
	if from > head {
		return nil
	}

	to := head
	if to-from > maxScanRange {
		to = from + maxScanRange
	}

	transfers, err := m.chain.TransfersTo(ctx, address.Address, from, to)
	if err != nil {
		return err
	}

	for _, transfer := range transfers {
		if !transfer.Amount.IsPositive() {
			continue
		}
		transaction, err := m.transactions.RecordTransfer(ctx, address.ID, transfer)
		if err != nil {
			logrus.Warnf("Failed to record transfer %s: %v", transfer.TxHash, err)
			continue
		}
		if transaction == nil {
			continue
		}
		confirmations := int64(head) - int64(transfer.BlockNumber) + 1
		if confirmations > 0 {
			if err := m.transactions.ApplyConfirmations(ctx, transaction.ID, confirmations); err != nil {
				logrus.Warnf("Failed to apply confirmations for %s: %v", transfer.TxHash, err)
			}
		}
	}

	return m.store.UpdateScanCursor(ctx, address.ID, to)
}

// trackOpenTransactions advances or fails every PENDING/CONFIRMING
// transaction based on where its transfer stands on chain now.
func (m *Monitor) trackOpenTransactions(ctx context.Context) error {
	open, err := m.store.OpenTransactions(ctx, openTransactionBatch)
	if err != nil {
		return fmt.Errorf("failed to list open transactions: %w", err)
	}

	var rpcFailures int
	for i := range open {
		transaction := &open[i]
		state, confirmations, err := m.chain.TransferStatus(ctx, transaction.TxHash)
		if err != nil {
			rpcFailures++
			logrus.Warnf("Failed to check transfer %s: %v", transaction.TxHash, err)
			continue
		}

		switch state {
		case chain.TransferStateDropped:
			err = m.transactions.Fail(ctx, transaction.ID, "transaction dropped from chain")
		case chain.TransferStateReverted:
			err = m.transactions.Fail(ctx, transaction.ID, "token transfer reverted")
		case chain.TransferStateIncluded:
			if confirmations > transaction.Confirmations {
				err = m.transactions.ApplyConfirmations(ctx, transaction.ID, confirmations)
			}
		case chain.TransferStatePending:
			// Still waiting for a block.
		}
		if err != nil {
			logrus.Warnf("Failed to advance transaction %s: %v", transaction.TxHash, err)
		}
	}

	if rpcFailures > 0 {
		return fmt.Errorf("%d of %d transfer status checks failed", rpcFailures, len(open))
	}
	return nil
}

// expiryPass closes every ACTIVE address past its deadline that has no
// qualifying payment. Only the wall clock decides; a short-paid or empty
// address expires on schedule even when the chain RPC is down.
func (m *Monitor) expiryPass(ctx context.Context) {
	expirable, err := m.store.ExpirableAddresses(ctx, time.Now())
	if err != nil {
		logrus.Warnf("Failed to list expirable addresses: %v", err)
		return
	}

	for i := range expirable {
		address := &expirable[i]

		qualifying, err := m.store.CountQualifyingTransactions(ctx, address.ID)
		if err != nil {
			logrus.Warnf("Failed to count transactions for %s: %v", address.Address, err)
			continue
		}
		if qualifying > 0 {
			// A real payment is in flight; confirmation will retire the
			// address as USED instead.
			continue
		}

		if err := m.transactions.ExpireAddress(ctx, address); err != nil {
			logrus.Warnf("Failed to expire address %s: %v", address.Address, err)
		}
	}
}
