package rfc7234

import (
	"fmt"
	"net/http"
	"time"
)

// HttpDate parses an HTTP date in any of the three standard formats
// (RFC 1123, RFC 850, ANSI C asctime).
func HttpDate(dateStr string) (time.Time, error) {
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}
	return http.ParseTime(dateStr)
}

// ToHttpDate formats t as it appears on the wire.
func ToHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
