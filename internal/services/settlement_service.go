// internal/services/settlement_service.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
)

// settlementBatchLimit bounds how many confirmed transactions one sweep
// considers.
const settlementBatchLimit = 200

// SettlementBroadcaster sends tokens from the hot wallet. *wallet.Treasury is
// the production implementation.
type SettlementBroadcaster interface {
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	HotWalletAddress() string
}

// SettlementService sweeps CONFIRMED payments of auto-settlement merchants
// into one on-chain payout per merchant. A payout that fails to broadcast
// marks nothing; the batch stays CONFIRMED for the next sweep.
type SettlementService struct {
	store        *ledger.Store
	treasury     SettlementBroadcaster
	transactions *TransactionService
	events       EventPublisher
	config       *config.Config

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSettlementService(store *ledger.Store, treasury SettlementBroadcaster, transactions *TransactionService, publisher EventPublisher, cfg *config.Config) *SettlementService {
	return &SettlementService{
		store:        store,
		treasury:     treasury,
		transactions: transactions,
		events:       publisher,
		config:       cfg,
		stop:         make(chan struct{}),
	}
}

// Start launches the sweep loop. Without a configured treasury the service
// stays idle; merchants keep accruing CONFIRMED transactions until an
// operator settles them manually.
func (s *SettlementService) Start() {
	if s.treasury == nil {
		logrus.Warn("Settlement sweep disabled: hot wallet not configured")
		return
	}

	s.wg.Add(1)
	go s.sweepLoop()
}

func (s *SettlementService) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *SettlementService) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.config.Payment.SettlementInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep settles every due batch. One merchant's broadcast failure does not
// stop the others.
func (s *SettlementService) Sweep(ctx context.Context) {
	due, err := s.store.SettleableTransactions(ctx, settlementBatchLimit)
	if err != nil {
		logrus.Warnf("Failed to list settleable transactions: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	batches := make(map[uuid.UUID][]models.Transaction)
	var order []uuid.UUID
	for _, transaction := range due {
		if _, seen := batches[transaction.MerchantID]; !seen {
			order = append(order, transaction.MerchantID)
		}
		batches[transaction.MerchantID] = append(batches[transaction.MerchantID], transaction)
	}

	for _, merchantID := range order {
		if err := s.settleBatch(ctx, batches[merchantID]); err != nil {
			logrus.WithFields(logrus.Fields{
				"merchant_id": merchantID,
				"batch_size":  len(batches[merchantID]),
			}).Warnf("Settlement batch skipped: %v", err)
		}
	}
}

// settleBatch pays one merchant the net of its confirmed transactions and
// marks each one SETTLED under the payout hash. Nothing is marked until the
// broadcast succeeds, so a transient failure just retries next sweep.
func (s *SettlementService) settleBatch(ctx context.Context, batch []models.Transaction) error {
	merchant := batch[0].Merchant

	gross := decimal.Zero
	fees := decimal.Zero
	for _, transaction := range batch {
		gross = gross.Add(transaction.Amount)
		fees = fees.Add(transaction.FeeAmount)
	}
	net := gross.Sub(fees)
	if !net.IsPositive() {
		// Fees ate the whole batch; mark it settled without a payout so the
		// rows do not churn forever.
		logrus.WithFields(logrus.Fields{
			"merchant_id": merchant.ID,
			"gross":       gross.String(),
			"fees":        fees.String(),
		}).Warn("Settlement batch net is not positive, settling without payout")
		return s.finishBatch(ctx, merchant, batch, "", gross, fees, net)
	}

	payoutHash, err := s.treasury.Transfer(ctx, merchant.SettlementAddress, net)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"merchant_id":        merchant.ID,
		"settlement_tx_hash": payoutHash,
		"net":                net.String(),
		"transactions":       len(batch),
	}).Info("Settlement batch broadcast")

	return s.finishBatch(ctx, merchant, batch, payoutHash, gross, fees, net)
}

func (s *SettlementService) finishBatch(ctx context.Context, merchant *models.Merchant, batch []models.Transaction, payoutHash string, gross, fees, net decimal.Decimal) error {
	settledIDs := make([]string, 0, len(batch))
	for i := range batch {
		transaction := batch[i]
		if err := s.transactions.MarkSettled(ctx, &transaction, payoutHash); err != nil {
			logrus.Warnf("Failed to mark transaction %s settled: %v", transaction.ID, err)
			continue
		}
		settledIDs = append(settledIDs, transaction.ID.String())
	}

	if len(settledIDs) == 0 {
		return nil
	}

	s.events.Publish(ctx, events.NewSettlementCompleted(merchant.ID, payoutHash, settledIDs, gross.String(), fees.String(), net.String()))
	return nil
}
