package dialect

import (
	"strings"
)

// GeneratePlaceholders returns a comma-separated list of count placeholders
// produced by placeholderFunc.
func GeneratePlaceholders(count int, placeholderFunc func(int) string) string {
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = placeholderFunc(i)
	}
	return strings.Join(placeholders, ", ")
}

// QuoteAll quotes each identifier with quote and joins them with ", ".
func QuoteAll(names []string, quote func(string) string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

// DefaultNormalizeType lowercases the declared type and strips any length
// suffix, so "VARCHAR(200)" and "varchar" normalize alike.
func DefaultNormalizeType(sqlType string) string {
	t := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i > 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}

// DefaultGetSchemaName is the identity fallback for engines without a
// schema-name default.
func DefaultGetSchemaName(input string) string {
	return input
}
