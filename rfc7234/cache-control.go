package rfc7234

import (
	"math"
	"net/http"
	"strconv"
	"strings"
)

// CacheControl holds the parsed cache directives of a single request
// or response. Integer fields are in seconds, -1 meaning the directive
// is absent. A bare max-stale (no argument) means any staleness is
// acceptable and parses as math.MaxInt32.
type CacheControl struct {
	NoCache        bool
	NoStore        bool
	MaxAge         int
	SMaxAge        int
	MinFresh       int
	MaxStale       int
	Public         bool
	Private        bool
	MustRevalidate bool
	OnlyIfCached   bool
	Immutable      bool
}

// ParseCacheControl parses all Cache-Control header lines of a
// message. Directive names are compared case-insensitively and
// arguments may use quoted-string syntax; when a directive repeats,
// the last occurrence wins. Unknown directives are ignored.
func ParseCacheControl(headers []string) CacheControl {
	cc := CacheControl{MaxAge: -1, SMaxAge: -1, MinFresh: -1, MaxStale: -1}
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			name, arg, _ := strings.Cut(directive, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			arg = strings.Trim(strings.TrimSpace(arg), `"`)
			switch name {
			case "no-cache":
				cc.NoCache = true
			case "no-store":
				cc.NoStore = true
			case "max-age":
				cc.MaxAge = deltaSeconds(arg)
			case "s-maxage":
				cc.SMaxAge = deltaSeconds(arg)
			case "min-fresh":
				cc.MinFresh = deltaSeconds(arg)
			case "max-stale":
				if arg == "" {
					cc.MaxStale = math.MaxInt32
				} else {
					cc.MaxStale = deltaSeconds(arg)
				}
			case "public":
				cc.Public = true
			case "private":
				cc.Private = true
			case "must-revalidate":
				cc.MustRevalidate = true
			case "only-if-cached":
				cc.OnlyIfCached = true
			case "immutable":
				cc.Immutable = true
			}
		}
	}
	return cc
}

// ParseHeaderCacheControl parses the Cache-Control directives of the
// given header set.
func ParseHeaderCacheControl(h http.Header) CacheControl {
	return ParseCacheControl(h.Values("Cache-Control"))
}

// deltaSeconds parses a non-negative delta-seconds value, returning -1
// if the value is invalid.
func deltaSeconds(arg string) int {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return -1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return n
}
