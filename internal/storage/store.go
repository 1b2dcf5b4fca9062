package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultBatchSize = 1000
	maxAttempts      = 5
)

// Store is the MySQL-backed repository for geodata and uploads.
type Store struct {
	DB *sql.DB
	SQ sq.StatementBuilderType

	logger    *zap.Logger
	batchSize int
	attempts  int
	backoff   time.Duration
}

// NewStore wraps db. batchSize bounds multi-row inserts and deletes; values
// below one fall back to 1000.
func NewStore(db *sql.DB, logger *zap.Logger, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{
		DB:        db,
		SQ:        sq.StatementBuilder,
		logger:    logger,
		batchSize: batchSize,
		attempts:  maxAttempts,
		backoff:   500 * time.Millisecond,
	}
}

// WithTx runs fn in a single transaction. The whole transaction is retried
// when MySQL reports a deadlock, so fn must not keep state across calls.
func (s *Store) WithTx(ctx context.Context, fn func(Writer) error) error {
	return s.retry(ctx, func() error {
		return withTx(ctx, s.DB, func(tx *sql.Tx) error {
			return fn(&Tx{tx: tx, sq: s.SQ, batchSize: s.batchSize})
		})
	})
}

// retry runs fn up to s.attempts times while it fails with a deadlock.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt*attempt) * s.backoff
			if delay < s.backoff {
				delay = s.backoff
			}
			s.logger.Warn("retrying transaction after deadlock",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", s.attempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsDeadlock(err) {
			return err
		}
	}
	return fmt.Errorf("retry limit exceeded: %w", lastErr)
}

// IsDeadlock reports whether err is a MySQL deadlock (error 1213).
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213
	}
	msg := err.Error()
	return strings.Contains(msg, "Deadlock") || strings.Contains(msg, "deadlock") || strings.Contains(msg, "Error 1213")
}

// batches splits n items into [start, end) ranges of at most size.
func batches(n, size int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}
