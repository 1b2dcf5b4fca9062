package queue

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryHeader counts redeliveries of a task.
const RetryHeader = "x-retry-count"

// MaxRetries bounds how often a task is republished after a transient error.
const MaxRetries = 10

// RetryCount reads the retry header from a delivery.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch count := headers[RetryHeader].(type) {
	case int32:
		return int(count)
	case int64:
		return int(count)
	case int:
		return count
	}
	return 0
}

// WithRetryCount copies headers and sets the retry header to n.
func WithRetryCount(headers amqp.Table, n int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RetryHeader] = int32(n)
	return out
}

// Transient MySQL errors.
var retryableMySQL = map[uint16]bool{
	1213: true, // deadlock
	1205: true, // lock wait timeout
	2013: true, // lost connection
	2006: true, // server has gone away
}

var retryableMessages = []string{
	"Error 1213",
	"Error 1205",
	"Error 2013",
	"Error 2006",
	"connection reset",
	"connection refused",
	"timeout",
	"temporary failure",
}

// IsRetryable reports whether a failed task may succeed when run again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && retryableMySQL[myErr.Number] {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "Deadlock") || strings.Contains(errStr, "deadlock") {
		return true
	}
	for _, s := range retryableMessages {
		if strings.Contains(errStr, s) {
			return true
		}
	}

	// the file may be briefly locked by another process
	return strings.Contains(errStr, "file") &&
		(strings.Contains(errStr, "locked") || strings.Contains(errStr, "busy"))
}
