package source

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ConnectionError wraps a failure to reach or keep talking to the source database.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is worth retrying on a fresh connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 57014: statement timeout or cancel, deterministic for the same query
		if pqErr.Code == "57014" {
			return false
		}
		// class 08: connection exception, 57P01-03: server shutting down
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 3024 {
		// max_execution_time exceeded
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "statement timeout") || strings.Contains(errStr, "canceling statement") {
		return false
	}
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "sql: database is closed") ||
		strings.Contains(errStr, "timeout")
}
