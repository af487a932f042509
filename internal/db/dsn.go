package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect selects the driver a DSN is opened with.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Classify maps a DSN onto its dialect. postgres:// URLs and libpq key/value strings are
// postgres; anything else is a sqlite path (including ":memory:").
func Classify(dsn string) (Dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres, nil
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DialectPostgres, nil
	}
	if strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "file:") {
		return "", fmt.Errorf("unsupported DSN scheme in %q", Redact(dsn))
	}
	return DialectSQLite, nil
}

// Redact hides the password of a URL-style DSN so it can be logged.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
