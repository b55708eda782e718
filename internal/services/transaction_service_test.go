// internal/services/transaction_service_test.go
package services

import (
	"context"
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
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "services.db") + "?_busy_timeout=5000"
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
	return ledger.NewStore(db, ledger.NewCircuitBreaker(5, 30*time.Second))
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Chain: config.ChainConfig{
			RequiredConfirmations: 12,
			TokenDecimals:         6,
		},
		Payment: config.PaymentConfig{
			UnderpaymentThreshold: 5.0,
			OverpaymentThreshold:  5.0,
			AddressTTL:            3600,
			GraceMode:             config.GraceModeHold,
			GracePeriod:           1800,
		},
		Webhook: config.WebhookConfig{
			DeliveryTimeout: 10,
			RetryInterval:   15,
			MaxRetries:      3,
		},
	}
}

type transactionFixture struct {
	store     *ledger.Store
	publisher *recordingPublisher
	service   *TransactionService
	merchant  *models.Merchant
	address   *models.PaymentAddress
}

func newTransactionFixture(t *testing.T, cfg *config.Config) *transactionFixture {
	t.Helper()

	store := newTestStore(t)
	publisher := &recordingPublisher{}
	service := NewTransactionService(store, publisher, cfg)

	merchant := &models.Merchant{
		BusinessName: "Fixture Store",
		Email:        "fixture@test.local",
		Status:       models.MerchantStatusActive,
		FeePercent:   decimal.NewFromFloat(1.0),
	}
	merchant.SetAPIKey("cp_fixture_key")
	require.NoError(t, store.CreateMerchant(context.Background(), merchant))

	address := &models.PaymentAddress{
		MerchantID:        merchant.ID,
		Address:           "0x1000000000000000000000000000000000000001",
		Status:            models.AddressStatusActive,
		AddressType:       models.AddressTypeMerchantPayment,
		ExpectedAmount:    decimal.RequireFromString("100"),
		Currency:          "USDT",
		ExpiresAt:         time.Now().Add(time.Hour),
		MonitoringEnabled: true,
	}
	require.NoError(t, store.CreatePaymentAddress(context.Background(), address))

	return &transactionFixture{
		store:     store,
		publisher: publisher,
		service:   service,
		merchant:  merchant,
		address:   address,
	}
}

func usdtTransfer(hash string, amount string, block uint64) chain.Transfer {
	return chain.Transfer{
		TxHash:      hash,
		From:        "0x9000000000000000000000000000000000000009",
		To:          "0x1000000000000000000000000000000000000001",
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: block,
		BlockHash:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}
}

func TestRecordTransferWithinTolerance(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xt1", "96", 100))
	require.NoError(t, err)
	require.NotNil(t, transaction)

	assert.Equal(t, models.TransactionStatusPending, transaction.Status)
	assert.Equal(t, models.DeviationStatusWithinTolerance, transaction.DeviationStatus)
	assert.True(t, transaction.DeviationPercent.Equal(decimal.RequireFromString("-4")),
		"expected -4, got %s", transaction.DeviationPercent.String())
	assert.True(t, transaction.FeeAmount.Equal(decimal.RequireFromString("0.96")),
		"1%% fee on 96, got %s", transaction.FeeAmount.String())

	received := f.publisher.byType(events.TypePaymentReceived)
	require.Len(t, received, 1)
	assert.Equal(t, f.merchant.ID, received[0].MerchantID)
}

func TestRecordTransferDuplicateHashIsSilent(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	first, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xdup", "100", 100))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xdup", "100", 100))
	require.NoError(t, err)
	assert.Nil(t, second, "a duplicate sighting must be a silent no-op")

	assert.Len(t, f.publisher.byType(events.TypePaymentReceived), 1)
}

func TestRecordTransferSkipsBlacklistedAddress(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	blacklisted, err := f.store.BlacklistAddress(ctx, f.address.ID)
	require.NoError(t, err)
	require.True(t, blacklisted)

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xbad", "100", 100))
	require.NoError(t, err)
	assert.Nil(t, transaction, "blacklisted addresses never produce transactions")
	assert.Empty(t, f.publisher.events)
}

func TestClassifyDeviationBoundaries(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	expected := decimal.RequireFromString("100")

	cases := []struct {
		received string
		status   models.DeviationStatus
	}{
		{"100", models.DeviationStatusWithinTolerance},
		{"96", models.DeviationStatusWithinTolerance},
		{"95", models.DeviationStatusWithinTolerance}, // exactly -5% sits on the threshold
		{"94.99", models.DeviationStatusUnderpaid},
		{"80", models.DeviationStatusUnderpaid},
		{"105", models.DeviationStatusWithinTolerance}, // exactly +5%
		{"105.01", models.DeviationStatusOverpaid},
		{"150", models.DeviationStatusOverpaid},
	}
	for _, tc := range cases {
		_, status := f.service.classifyDeviation(decimal.RequireFromString(tc.received), expected)
		assert.Equal(t, tc.status, status, "received %s", tc.received)
	}
}

func TestApplyConfirmationsPromotesThroughLifecycle(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xlife", "100", 100))
	require.NoError(t, err)

	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 3))
	reloaded, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirming, reloaded.Status)
	assert.Empty(t, f.publisher.byType(events.TypePaymentConfirmed))

	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 12))
	reloaded, err = f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirmed, reloaded.Status)
	assert.NotNil(t, reloaded.ConfirmedAt)
	assert.Len(t, f.publisher.byType(events.TypePaymentConfirmed), 1)

	address, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusUsed, address.Status)
}

func TestApplyConfirmationsLowerReportIsNoOp(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xmono", "100", 100))
	require.NoError(t, err)
	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 6))

	eventsBefore := len(f.publisher.events)

	// A duplicate block notification reports an equal and then a lower depth.
	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 6))
	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 4))

	reloaded, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), reloaded.Confirmations)
	assert.Equal(t, models.TransactionStatusConfirming, reloaded.Status)
	assert.Len(t, f.publisher.events, eventsBefore, "a stale report must not emit anything")
}

func TestConfirmedShortPaymentLeavesAddressActive(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xshort", "80", 100))
	require.NoError(t, err)
	require.Equal(t, models.DeviationStatusUnderpaid, transaction.DeviationStatus)

	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 12))

	reloaded, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirmed, reloaded.Status)

	address, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusActive, address.Status,
		"a short payment leaves the address open for top-ups")
}

func TestTopUpAccumulatesTowardExpected(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	short, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xpart1", "80", 100))
	require.NoError(t, err)
	assert.Equal(t, models.DeviationStatusUnderpaid, short.DeviationStatus)

	topUp, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xpart2", "20", 101))
	require.NoError(t, err)
	assert.Equal(t, models.DeviationStatusWithinTolerance, topUp.DeviationStatus,
		"the cumulative 100 satisfies the invoice")

	require.NoError(t, f.service.ApplyConfirmations(ctx, topUp.ID, 12))
	address, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusUsed, address.Status)
}

func TestGraceModeExpireExtendsOnShortPayment(t *testing.T) {
	cfg := testConfig()
	cfg.Payment.GraceMode = config.GraceModeExpire
	cfg.Payment.GracePeriod = 7200
	f := newTransactionFixture(t, cfg)
	ctx := context.Background()

	before, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)

	_, err = f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xgrace", "80", 100))
	require.NoError(t, err)

	after, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt),
		"the expire grace mode pushes the payment window out")
}

func TestFailEmitsExactlyOnce(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xfail", "100", 100))
	require.NoError(t, err)

	require.NoError(t, f.service.Fail(ctx, transaction.ID, "transaction dropped from chain"))
	require.NoError(t, f.service.Fail(ctx, transaction.ID, "transaction dropped from chain"))

	reloaded, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, reloaded.Status)
	assert.Equal(t, "transaction dropped from chain", reloaded.FailureReason)
	assert.Len(t, f.publisher.byType(events.TypePaymentFailed), 1,
		"the losing writer must not emit a second event")
}

func TestMarkSettledTransitionsAndEmits(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	transaction, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xsettle", "100", 100))
	require.NoError(t, err)
	require.NoError(t, f.service.ApplyConfirmations(ctx, transaction.ID, 12))

	confirmed, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.MarkSettled(ctx, confirmed, "0xsweep1"))
	require.NoError(t, f.service.MarkSettled(ctx, confirmed, "0xsweep1"))

	reloaded, err := f.store.GetTransaction(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusSettled, reloaded.Status)
	assert.Equal(t, "0xsweep1", reloaded.SettlementTxHash)
	assert.NotNil(t, reloaded.SettledAt)
	assert.Len(t, f.publisher.byType(events.TypeTransactionSettled), 1)
}

func TestExpireAddressEmitsOnceAndKillsPending(t *testing.T) {
	f := newTransactionFixture(t, testConfig())
	ctx := context.Background()

	pending, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xpend", "80", 100))
	require.NoError(t, err)

	confirming, err := f.service.RecordTransfer(ctx, f.address.ID, usdtTransfer("0xconf", "15", 101))
	require.NoError(t, err)
	require.NoError(t, f.service.ApplyConfirmations(ctx, confirming.ID, 3))

	require.NoError(t, f.service.ExpireAddress(ctx, f.address))
	require.NoError(t, f.service.ExpireAddress(ctx, f.address))

	address, err := f.store.GetPaymentAddress(ctx, f.address.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AddressStatusExpired, address.Status)

	deadTx, err := f.store.GetTransaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusExpired, deadTx.Status)

	liveTx, err := f.store.GetTransaction(ctx, confirming.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusConfirming, liveTx.Status,
		"money already on chain keeps confirming past address expiry")

	assert.Len(t, f.publisher.byType(events.TypeAddressExpired), 1)
}
