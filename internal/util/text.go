package util

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// CanonicalRow renders raw cell values to strings and pads the row to width.
// The Sheets API drops trailing empty cells, so short rows are normal; a row
// wider than width is not and is reported as an error.
func CanonicalRow(values []any, width int) ([]string, error) {
	if len(values) > width {
		return nil, errors.Newf("row has %d cells, mapping has %d columns", len(values), width)
	}
	out := make([]string, width)
	for i, v := range values {
		out[i] = ToString(v)
	}
	return out, nil
}

func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ToCells converts a record into the []interface{} form the Sheets API takes.
func ToCells(fields []string) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

// ColumnLetter returns the A1 column name for a 1-based column index.
func ColumnLetter(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	var buf []byte
	for n > 0 {
		n--
		buf = append(buf, byte('A'+n%26))
		n /= 26
	}
	for i := len(buf) - 1; i >= 0; i-- {
		b.WriteByte(buf[i])
	}
	return b.String()
}

// ParseA1Row extracts the starting row number from an A1 range such as
// "'Class Data'!A7:F7".
func ParseA1Row(rng string) (int, error) {
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		rng = rng[i+1:]
	}
	if i := strings.Index(rng, ":"); i >= 0 {
		rng = rng[:i]
	}
	digits := strings.TrimLeft(rng, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$")
	digits = strings.TrimPrefix(digits, "$")
	if digits == "" {
		return 0, errors.Newf("no row in range %q", rng)
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, errors.Wrapf(err, "bad row in range %q", rng)
	}
	return n, nil
}
