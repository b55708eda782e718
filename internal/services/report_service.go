// internal/services/report_service.go
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/config"
	"github.com/chainpay/chainpay-backend/internal/ledger"
)

// ReportService builds daily settlement CSVs and uploads them to S3. Without
// AWS credentials it still builds the report so the admin endpoint works; the
// file just never leaves the process.
type ReportService struct {
	store    *ledger.Store
	s3Client *s3.S3
	config   *config.Config

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewReportService(store *ledger.Store, cfg *config.Config) (*ReportService, error) {
	service := &ReportService{
		store:  store,
		config: cfg,
		stop:   make(chan struct{}),
	}

	if cfg.AWS.AccessKeyID == "" {
		// Local development runs without S3.
		return service, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID,
			cfg.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	service.s3Client = s3.New(sess)
	return service, nil
}

type SettlementReport struct {
	Date        string `json:"date"`
	Rows        int    `json:"rows"`
	GrossVolume string `json:"gross_volume"`
	FeeVolume   string `json:"fee_volume"`
	NetVolume   string `json:"net_volume"`
	Key         string `json:"key,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Generate builds the settlement report for one UTC day and uploads it when
// S3 is configured. The download URL is presigned and short-lived.
func (s *ReportService) Generate(ctx context.Context, day time.Time) (*SettlementReport, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	transactions, err := s.store.TransactionsSettledBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load settled transactions: %w", err)
	}

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	writer.Write([]string{
		"transaction_id", "merchant_id", "business_name", "tx_hash",
		"amount", "fee_amount", "net_amount", "currency",
		"settlement_tx_hash", "confirmed_at", "settled_at",
	})

	gross := decimal.Zero
	fees := decimal.Zero
	for _, transaction := range transactions {
		businessName := ""
		if transaction.Merchant != nil {
			businessName = transaction.Merchant.BusinessName
		}
		confirmedAt := ""
		if transaction.ConfirmedAt != nil {
			confirmedAt = transaction.ConfirmedAt.UTC().Format(time.RFC3339)
		}
		settledAt := ""
		if transaction.SettledAt != nil {
			settledAt = transaction.SettledAt.UTC().Format(time.RFC3339)
		}

		writer.Write([]string{
			transaction.ID.String(),
			transaction.MerchantID.String(),
			businessName,
			transaction.TxHash,
			transaction.Amount.String(),
			transaction.FeeAmount.String(),
			transaction.NetAmount().String(),
			transaction.Currency,
			transaction.SettlementTxHash,
			confirmedAt,
			settledAt,
		})

		gross = gross.Add(transaction.Amount)
		fees = fees.Add(transaction.FeeAmount)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to write report csv: %w", err)
	}

	report := &SettlementReport{
		Date:        from.Format("2006-01-02"),
		Rows:        len(transactions),
		GrossVolume: gross.String(),
		FeeVolume:   fees.String(),
		NetVolume:   gross.Sub(fees).String(),
	}

	if s.s3Client == nil {
		logrus.WithFields(logrus.Fields{
			"date": report.Date,
			"rows": report.Rows,
		}).Info("Settlement report built (S3 not configured, skipping upload)")
		return report, nil
	}

	key := fmt.Sprintf("reports/settlements/%s.csv", report.Date)
	_, err = s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.AWS.S3Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String("text/csv"),
		ContentLength: aws.Int64(int64(buf.Len())),
		Metadata: map[string]*string{
			"rows": aws.String(strconv.Itoa(report.Rows)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload report to S3: %w", err)
	}

	downloadURL, err := s.presign(key, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	report.Key = key
	report.DownloadURL = downloadURL

	logrus.WithFields(logrus.Fields{
		"date": report.Date,
		"rows": report.Rows,
		"key":  key,
	}).Info("Settlement report exported")

	return report, nil
}

func (s *ReportService) presign(key string, expiration time.Duration) (string, error) {
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.config.AWS.S3Bucket),
		Key:    aws.String(key),
	})

	url, err := req.Presign(expiration)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url, nil
}

// Start launches the nightly export loop.
func (s *ReportService) Start() {
	s.wg.Add(1)
	go s.exportLoop()
}

func (s *ReportService) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *ReportService) exportLoop() {
	defer s.wg.Done()

	for {
		// The export fires a minute past midnight UTC so the day under
		// report is fully closed.
		now := time.Now().UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
		wait := midnight.Sub(now) + time.Minute

		select {
		case <-s.stop:
			return
		case <-time.After(wait):
			closedDay := time.Now().UTC().Add(-24 * time.Hour)
			if _, err := s.Generate(context.Background(), closedDay); err != nil {
				logrus.Warnf("Failed to export settlement report: %v", err)
			}
		}
	}
}
