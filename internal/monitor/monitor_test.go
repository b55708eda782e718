// internal/monitor/monitor_test.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chainpay/chainpay-backend/internal/chain"
	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/events"
	"github.com/chainpay/chainpay-backend/internal/ledger"
	"github.com/chainpay/chainpay-backend/internal/models"
	"github.com/chainpay/chainpay-backend/internal/services"
	"github.com/chainpay/chainpay-backend/internal/utils"
)

type transferStanding struct {
	state         chain.TransferState
	confirmations int64
}

// fakeChain stages transfers per address and standings per hash. Range
// filtering is the production client's job, so TransfersTo returns whatever
// is staged.
type fakeChain struct {
	mu           sync.Mutex
	head         uint64
	headErr      error
	transfers    map[string][]chain.Transfer
	transfersErr error
	standings    map[string]transferStanding
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:      head,
		transfers: make(map[string][]chain.Transfer),
		standings: make(map[string]transferStanding),
	}
}

func (c *fakeChain) LatestBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *fakeChain) TransfersTo(ctx context.Context, address string, fromBlock, toBlock uint64) ([]chain.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transfersErr != nil {
		return nil, c.transfersErr
	}
	return c.transfers[address], nil
}

func (c *fakeChain) TransferStatus(ctx context.Context, txHash string) (chain.TransferState, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if standing, ok := c.standings[txHash]; ok {
		return standing.state, standing.confirmations, nil
	}
	return chain.TransferStatePending, 0, nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) stageTransfer(address string, transfer chain.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[address] = append(c.transfers[address], transfer)
}

func (c *fakeChain) clearTransfers(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transfers, address)
}

func (c *fakeChain) setStanding(txHash string, state chain.TransferState, confirmations int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.standings[txHash] = transferStanding{state: state, confirmations: confirmations}
}

func (c *fakeChain) setHead(head uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
	c.headErr = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) countByType(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, event := range p.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

type monitorFixture struct {
	store     *ledger.Store
	chain     *fakeChain
	publisher *recordingPublisher
	monitor   *Monitor
	merchant  *models.Merchant
	seq       int
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "monitor.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Merchant{},
		&models.PaymentAddress{},
		&models.Transaction{},
		&models.WebhookSubscription{},
		&models.WebhookDelivery{},
		&models.IdempotencyKey{},
	))
	store := ledger.NewStore(db, ledger.NewCircuitBreaker(5, 30*time.Second))

	cfg := &config.Config{
		Environment: "test",
		Chain: config.ChainConfig{
			RequiredConfirmations: 12,
			PollInterval:          1,
			MaxBackoff:            300,
			TokenDecimals:         6,
		},
		Payment: config.PaymentConfig{
			UnderpaymentThreshold: 5.0,
			OverpaymentThreshold:  5.0,
			AddressTTL:            3600,
			GraceMode:             config.GraceModeHold,
			GracePeriod:           1800,
		},
	}

	publisher := &recordingPublisher{}
	fc := newFakeChain(1000)
	transactions := services.NewTransactionService(store, publisher, cfg)

	merchant := &models.Merchant{
		BusinessName: "Watcher Inc",
		Email:        "watcher@test.local",
		Status:       models.MerchantStatusActive,
		FeePercent:   decimal.NewFromFloat(1.0),
	}
	merchant.SetAPIKey("cp_monitor_key")
	require.NoError(t, store.CreateMerchant(context.Background(), merchant))

	return &monitorFixture{
		store:     store,
		chain:     fc,
		publisher: publisher,
		monitor:   New(store, fc, transactions, cfg),
		merchant:  merchant,
	}
}

func (f *monitorFixture) createAddress(t *testing.T, expected string, expiresAt time.Time) *models.PaymentAddress {
	t.Helper()
	f.seq++
	address := &models.PaymentAddress{
		MerchantID:        f.merchant.ID,
		Address:           fmt.Sprintf("0x%040d", f.seq),
		Status:            models.AddressStatusActive,
		AddressType:       models.AddressTypeMerchantPayment,
		ExpectedAmount:    decimal.RequireFromString(expected),
		Currency:          "USDT",
		ExpiresAt:         expiresAt,
		MonitoringEnabled: true,
	}
	require.NoError(t, f.store.CreatePaymentAddress(context.Background(), address))
	return address
}

func incomingTransfer(hash, to, amount string, block uint64) chain.Transfer {
	return chain.Transfer{
		TxHash:      hash,
		From:        "0x9000000000000000000000000000000000000009",
		To:          to,
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: block,
	}
}

func TestScanRecordsShallowTransferAsConfirming(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	// Mined 6 blocks ago: real money, but short of the 12 required.
	f.chain.stageTransfer(address.Address, incomingTransfer("0xshallow", address.Address, "96", 995))

	require.NoError(t, f.monitor.scanOnce(ctx))

	transaction, err := f.store.GetTransactionByHash(ctx, "0xshallow")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirming, transaction.Status)
	assert.Equal(t, int64(6), transaction.Confirmations)
	assert.Equal(t, models.DeviationStatusWithinTolerance, transaction.DeviationStatus)

	reloaded, err := f.store.GetPaymentAddress(ctx, address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusActive, reloaded.Status)
	assert.Equal(t, uint64(1000), reloaded.LastScannedBlock)

	assert.Equal(t, 1, f.publisher.countByType(events.TypePaymentReceived))
	assert.Equal(t, 0, f.publisher.countByType(events.TypePaymentConfirmed))
}

func TestScanConfirmsDeepTransferAndRetiresAddress(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.stageTransfer(address.Address, incomingTransfer("0xdeep", address.Address, "100", 989))

	require.NoError(t, f.monitor.scanOnce(ctx))

	transaction, err := f.store.GetTransactionByHash(ctx, "0xdeep")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirmed, transaction.Status)
	assert.Equal(t, int64(12), transaction.Confirmations)

	reloaded, err := f.store.GetPaymentAddress(ctx, address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusUsed, reloaded.Status)

	assert.Equal(t, 1, f.publisher.countByType(events.TypePaymentReceived))
	assert.Equal(t, 1, f.publisher.countByType(events.TypePaymentConfirmed))
}

func TestRescanDoesNotDuplicateTransactions(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.stageTransfer(address.Address, incomingTransfer("0xagain", address.Address, "100", 995))

	require.NoError(t, f.monitor.scanOnce(ctx))
	f.chain.setHead(1001, nil)
	require.NoError(t, f.monitor.scanOnce(ctx))

	transactions, total, err := f.store.ListTransactions(ctx, f.merchant.ID, utils.PaginationParams{Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 1, f.publisher.countByType(events.TypePaymentReceived))
}

func TestExpiryRunsWhileChainIsUnreachable(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(-time.Minute))
	f.chain.setHead(0, errors.New("rpc: connection refused"))

	require.Error(t, f.monitor.scanOnce(ctx), "the scan must report the outage")

	f.monitor.expiryPass(ctx)

	reloaded, err := f.store.GetPaymentAddress(ctx, address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusExpired, reloaded.Status,
		"only the wall clock gates expiry")
	assert.Equal(t, 1, f.publisher.countByType(events.TypeAddressExpired))
}

func TestExpiryLeavesFutureWindowsAlone(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))

	f.monitor.expiryPass(ctx)

	reloaded, err := f.store.GetPaymentAddress(ctx, address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusActive, reloaded.Status)
	assert.Equal(t, 0, f.publisher.countByType(events.TypeAddressExpired))
}

func TestExpirySkipsAddressWithQualifyingPayment(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	// Payment arrives just before the window closes and is still confirming
	// when the deadline passes.
	paying := f.createAddress(t, "100", time.Now().Add(150*time.Millisecond))
	f.chain.stageTransfer(paying.Address, incomingTransfer("0xinflight", paying.Address, "100", 998))
	require.NoError(t, f.monitor.scanOnce(ctx))

	// Short-paid only: the underpaid transfer does not hold the window open.
	shorted := f.createAddress(t, "100", time.Now().Add(150*time.Millisecond))
	f.chain.clearTransfers(paying.Address)
	f.chain.stageTransfer(shorted.Address, incomingTransfer("0xunder", shorted.Address, "50", 999))
	require.NoError(t, f.monitor.scanOnce(ctx))

	time.Sleep(200 * time.Millisecond)
	f.monitor.expiryPass(ctx)

	payingReloaded, err := f.store.GetPaymentAddress(ctx, paying.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusActive, payingReloaded.Status,
		"an in-flight qualifying payment blocks expiry")

	shortedReloaded, err := f.store.GetPaymentAddress(ctx, shorted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusExpired, shortedReloaded.Status)
}

func TestDroppedTransferFailsTransaction(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.stageTransfer(address.Address, incomingTransfer("0xdrop", address.Address, "100", 999))
	require.NoError(t, f.monitor.scanOnce(ctx))

	f.chain.clearTransfers(address.Address)
	f.chain.setStanding("0xdrop", chain.TransferStateDropped, 0)
	require.NoError(t, f.monitor.scanOnce(ctx))

	transaction, err := f.store.GetTransactionByHash(ctx, "0xdrop")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, transaction.Status)
	assert.Equal(t, "transaction dropped from chain", transaction.FailureReason)
	assert.Equal(t, 1, f.publisher.countByType(events.TypePaymentFailed))
}

func TestRevertedTransferFailsTransaction(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.stageTransfer(address.Address, incomingTransfer("0xrevert", address.Address, "100", 999))
	require.NoError(t, f.monitor.scanOnce(ctx))

	f.chain.clearTransfers(address.Address)
	f.chain.setStanding("0xrevert", chain.TransferStateReverted, 3)
	require.NoError(t, f.monitor.scanOnce(ctx))

	transaction, err := f.store.GetTransactionByHash(ctx, "0xrevert")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, transaction.Status)
	assert.Equal(t, "token transfer reverted", transaction.FailureReason)
}

func TestStaleConfirmationReportLeavesTransactionUntouched(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	address := f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.stageTransfer(address.Address, incomingTransfer("0xstale", address.Address, "100", 995))
	require.NoError(t, f.monitor.scanOnce(ctx))

	eventsBefore := f.publisher.countByType(events.TypePaymentReceived) +
		f.publisher.countByType(events.TypePaymentConfirmed)

	// A lagging node answers with a shallower depth than already stored.
	f.chain.clearTransfers(address.Address)
	f.chain.setStanding("0xstale", chain.TransferStateIncluded, 4)
	f.chain.setHead(1001, nil)
	require.NoError(t, f.monitor.scanOnce(ctx))

	transaction, err := f.store.GetTransactionByHash(ctx, "0xstale")
	require.NoError(t, err)
	assert.Equal(t, int64(6), transaction.Confirmations)
	assert.Equal(t, models.TransactionStatusConfirming, transaction.Status)

	eventsAfter := f.publisher.countByType(events.TypePaymentReceived) +
		f.publisher.countByType(events.TypePaymentConfirmed)
	assert.Equal(t, eventsBefore, eventsAfter)
}

func TestScanFailureReportsDegraded(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()

	f.createAddress(t, "100", time.Now().Add(time.Hour))
	f.chain.transfersErr = errors.New("rpc: filter timeout")

	err := f.monitor.scanOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address scans failed")
}
