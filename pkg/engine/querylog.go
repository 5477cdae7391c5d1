package engine

import (
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSlowQueryThreshold is the duration above which statements are
// logged at warn level.
const DefaultSlowQueryThreshold = time.Second

// QueryLogger logs statement timings, flagging slow ones.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details.
func (ql *QueryLogger) LogQuery(query string, duration time.Duration, err error) {
	if ql == nil || !ql.enabled {
		return
	}

	logEvent := ql.logger.Debug()
	if ql.threshold > 0 && duration > ql.threshold {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Str("query", truncateQuery(query)).
		Bool("success", err == nil).
		Msg("Query executed")

	if err != nil {
		ql.logger.Debug().
			Err(err).
			Str("query", truncateQuery(query)).
			Msg("Query execution failed")
	}
}

// truncateQuery shortens long statements and flattens newlines for logging.
func truncateQuery(query string) string {
	const maxLen = 100
	query = strings.Join(strings.Fields(query), " ")
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}

// MaskDSN hides passwords and secret parameters in a connection string so it
// can be logged.
func MaskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	u, err := url.Parse(dsn)
	if err == nil && looksLikeURL(u) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}

		q := u.Query()
		for k := range q {
			if isSensitiveKey(k) {
				q.Set(k, "*****")
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	// key=value DSNs, e.g. "host=db user=app password=secret"
	if strings.Contains(dsn, "=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if k, _, ok := strings.Cut(f, "="); ok && isSensitiveKey(k) {
				fields[i] = k + "=*****"
			}
		}
		return strings.Join(fields, " ")
	}

	// Plain file paths carry no credentials.
	return dsn
}

func looksLikeURL(u *url.URL) bool {
	return u.Scheme != "" && (u.Host != "" || u.User != nil || u.RawQuery != "")
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "pwd"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}
