package stringsx

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// JoinStrings works as strings.Join, but can receive arbitrary number of strings
// The separator string sep is placed between elements in the resulting string.
func JoinStrings(sep string, elems ...string) string {
	return strings.Join(elems, sep)
}

// RedactedDSN hides password in URL-style DSN.
func RedactedDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse dsn")
	}

	return u.Redacted(), nil
}

// RedactedPassword hides password in key=value and user:pass@ DSNs that
// are not URLs (mysql, libpq keyword form). URL-style DSNs go through
// RedactedDSN.
func RedactedPassword(dsn string) string {
	if strings.Contains(dsn, "://") {
		if redacted, err := RedactedDSN(dsn); err == nil {
			return redacted
		}
	}

	// user:password@tcp(host)/db
	if at := strings.LastIndex(dsn, "@"); at > 0 {
		if colon := strings.Index(dsn[:at], ":"); colon >= 0 {
			return dsn[:colon+1] + "xxxxx" + dsn[at:]
		}
		return dsn
	}

	// host=localhost password=secret
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}

	return strings.Join(fields, " ")
}

func ReverseStringSlice(source []string) []string {
	dest := make([]string, 0, len(source))
	for i := len(source) - 1; i >= 0; i-- {
		dest = append(dest, source[i])
	}
	return dest
}
