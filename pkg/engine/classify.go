package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
)

// Classify maps err onto an error code. Context deadlines and broken
// connections are recognized first, then the dialect's own driver errors,
// then a message-based fallback.
func Classify(err error, d Dialect) string {
	if err == nil {
		return ""
	}

	var classified *cerrors.Error
	if errors.As(err, &classified) {
		return classified.Code
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cerrors.CodeQueryTimeout
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn), errors.Is(err, net.ErrClosed):
		return cerrors.CodeConnectionFailed
	}

	if d != nil {
		if code := d.Classify(err); code != "" {
			return code
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return cerrors.CodeQueryTimeout
		}
		return cerrors.CodeConnectionFailed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "parser error"),
		strings.Contains(msg, "catalog error"), strings.Contains(msg, "binder error"):
		return cerrors.CodeQuerySyntax
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "canceling statement"):
		return cerrors.CodeQueryTimeout
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "database is closed"):
		return cerrors.CodeConnectionFailed
	}

	return cerrors.CodeQueryFailed
}

// wrapError classifies err and wraps it with a message naming the operation.
// Errors that already carry a code are returned unchanged.
func wrapError(err error, d Dialect, op string) error {
	if err == nil {
		return nil
	}

	var classified *cerrors.Error
	if errors.As(err, &classified) {
		return err
	}

	code := Classify(err, d)
	switch code {
	case cerrors.CodeQuerySyntax:
		return cerrors.Wrapf(err, code, "%s: engine rejected query text", op)
	case cerrors.CodeQueryTimeout:
		return cerrors.Wrapf(err, code, "%s: query timed out", op)
	case cerrors.CodeConnectionFailed:
		return cerrors.Wrapf(err, code, "%s: connection lost", op)
	default:
		return cerrors.Wrapf(err, code, "%s failed", op)
	}
}
