// internal/ledger/store.go
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateTransaction signals that a chain tx hash is already
	// recorded. Callers treat it as a successful no-op.
	ErrDuplicateTransaction = errors.New("transaction already recorded")

	// ErrDuplicateKey signals that an idempotency key row already exists.
	ErrDuplicateKey = errors.New("idempotency key already exists")

	// ErrStaleTransition signals that a conditional status update matched no
	// row: another writer got there first or the record left the expected
	// state.
	ErrStaleTransition = errors.New("stale status transition")

	// ErrDuplicateMerchant signals a merchant email collision.
	ErrDuplicateMerchant = errors.New("merchant email already registered")
)

// Store is the single choke point for ledger access. Every accessor runs
// through the circuit breaker, so a degraded datastore turns into fast
// ErrCircuitOpen failures instead of piling up slow queries.
type Store struct {
	db      *gorm.DB
	breaker *CircuitBreaker
}

func NewStore(db *gorm.DB, breaker *CircuitBreaker) *Store {
	return &Store{db: db, breaker: breaker}
}

func (s *Store) Breaker() *CircuitBreaker {
	return s.breaker
}

// Ping verifies datastore connectivity through the breaker, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, func(tx *gorm.DB) error {
		sqlDB, err := tx.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
}

// run executes one store operation behind the breaker. Business outcomes
// (not-found, duplicates, stale transitions) and context cancellation are not
// datastore failures and do not move the breaker.
func (s *Store) run(ctx context.Context, op func(tx *gorm.DB) error) error {
	if err := s.breaker.Allow(); err != nil {
		return err
	}

	err := op(s.db.WithContext(ctx))
	if err != nil && isStoreFailure(err) {
		s.breaker.RecordFailure()
		return err
	}

	s.breaker.RecordSuccess()
	return err
}

func isStoreFailure(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrDuplicateTransaction),
		errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrDuplicateMerchant),
		errors.Is(err, ErrStaleTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return !isUniqueViolation(err)
}

// isUniqueViolation matches constraint violations across the drivers in play:
// lib/pq error codes, the postgres server message surfaced through pgx, and
// the sqlite message seen in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}
