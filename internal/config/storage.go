package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// The PostgreSQL settings are consumed in two forms: pgx wants a
// key=value DSN, golang-migrate wants a URL. Both are derived from the
// same fields so they can never disagree about which database they point
// at. DATABASE_URL, when set, overrides the individual fields before
// either form is built.

// PostgresConnectionString returns the key=value DSN for pgx.
func (c *Config) PostgresConnectionString() string {
	pairs := [][2]string{
		{"host", c.PostgresHost},
		{"port", strconv.Itoa(c.PostgresPort)},
		{"user", c.PostgresUser},
		{"password", c.PostgresPassword},
		{"dbname", c.PostgresDBName},
		{"sslmode", c.PostgresSSLMode},
	}

	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(dsnValue(kv[1]))
	}
	return b.String()
}

// dsnValue quotes a DSN value when it contains characters the key=value
// format cannot carry bare. Inside single quotes, backslashes and single
// quotes are escaped.
func dsnValue(s string) string {
	if s != "" && !strings.ContainsAny(s, ` '\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// PostgresURL returns the URL form for golang-migrate. url.URL handles
// percent-encoding of credentials.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     c.PostgresHost + ":" + strconv.Itoa(c.PostgresPort),
		Path:     c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// parseDatabaseURL applies the DATABASE_URL environment variable over the
// individual postgres_* fields, the convention most hosting platforms
// use. Unset means the individual fields stand. URL components that are
// present override; absent ones leave the field alone.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL format: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://, got %q", u.Scheme)
	}

	setIf(&c.PostgresHost, u.Hostname())
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in DATABASE_URL: %w", err)
		}
		c.PostgresPort = n
	}
	if u.User != nil {
		setIf(&c.PostgresUser, u.User.Username())
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	setIf(&c.PostgresDBName, strings.TrimPrefix(u.Path, "/"))
	setIf(&c.PostgresSSLMode, u.Query().Get("sslmode"))

	return nil
}

// setIf assigns v to dst unless v is empty.
func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
