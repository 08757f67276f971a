// Package rfc7234 decides how a private client cache satisfies a
// request given a stored response: from the cache, over the network,
// or with a conditional request that lets the origin arbitrate.
//
// Selecting a strategy may add conditions to the request (like the
// If-Modified-Since header for conditional GETs) or warnings to the
// cached response (if the cached data is potentially stale).
package rfc7234

import (
	"net/http"
	"time"
)

const (
	warningStale     = `110 HttpURLConnection "Response is stale"`
	warningHeuristic = `113 HttpURLConnection "Heuristic expiration"`
)

// Strategy is the decision for one request / stored response pair.
//
// When both fields are nil the request demanded only-if-cached and the
// cache could not satisfy it; the caller must synthesize a 504
// (Gateway Timeout) response.
type Strategy struct {
	// NetworkRequest is the request to send on the network, or nil if
	// this call doesn't use the network.
	NetworkRequest *http.Request
	// CacheResponse is the cached response to return or validate, or
	// nil if this call doesn't use a cache.
	CacheResponse *http.Response
}

// Kind names the decision, for logs and cache-status reporting.
func (s Strategy) Kind() string {
	switch {
	case s.NetworkRequest != nil && s.CacheResponse != nil:
		return "conditional"
	case s.NetworkRequest != nil:
		return "network"
	case s.CacheResponse != nil:
		return "cache"
	default:
		return "unsatisfiable"
	}
}

// IsCacheable reports whether the response can be stored to later
// serve another request. Partial content is not supported.
func IsCacheable(response *http.Response, request *http.Request) bool {
	switch response.StatusCode {
	case http.StatusOK,
		http.StatusNonAuthoritativeInfo,
		http.StatusNoContent,
		http.StatusMultipleChoices,
		http.StatusMovedPermanently,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusGone,
		http.StatusRequestURITooLong,
		http.StatusNotImplemented,
		http.StatusPermanentRedirect:
		// These codes can be cached unless headers forbid it.

	case http.StatusFound, http.StatusTemporaryRedirect:
		// These codes can only be cached with explicit freshness
		// information. s-maxage is not checked: this is a private
		// cache and must ignore s-maxage.
		responseCaching := ParseHeaderCacheControl(response.Header)
		if response.Header.Get("Expires") == "" &&
			responseCaching.MaxAge == -1 &&
			!responseCaching.Public &&
			!responseCaching.Private {
			return false
		}

	default:
		// All other codes cannot be cached.
		return false
	}

	// A no-store directive on request or response prevents the
	// response from being cached.
	return !ParseHeaderCacheControl(response.Header).NoStore &&
		!ParseHeaderCacheControl(request.Header).NoStore
}

// Factory computes the strategy for a single request and stored
// response. It is short-lived: construct, call Get, discard.
type Factory struct {
	now           time.Time
	request       *http.Request
	cacheResponse *http.Response

	// When the stored request was first sent and the stored response
	// first received, per the cache's own clock.
	sentRequestAt      time.Time
	receivedResponseAt time.Time

	// The server's time when the cached response was served, if known.
	servedDate       time.Time
	servedDateOK     bool
	servedDateString string

	// The last modified date of the cached response, if known.
	lastModified       time.Time
	lastModifiedOK     bool
	lastModifiedString string

	// The expiration date of the cached response, if known. If both
	// this field and the max age are set, the max age is preferred.
	expires   time.Time
	expiresOK bool

	// Etag of the cached response.
	etag string

	// Age of the cached response in seconds, -1 if absent.
	ageSeconds int
}

// NewFactory prepares a strategy decision for the given request and
// stored response, as of the instant now. sentRequestAt and
// receivedResponseAt are the timestamps recorded when the stored
// response was originally fetched; they are ignored when cacheResponse
// is nil.
func NewFactory(now time.Time, request *http.Request, cacheResponse *http.Response, sentRequestAt, receivedResponseAt time.Time) *Factory {
	f := &Factory{
		now:           now,
		request:       request,
		cacheResponse: cacheResponse,
		ageSeconds:    -1,
	}

	if cacheResponse != nil {
		f.sentRequestAt = sentRequestAt
		f.receivedResponseAt = receivedResponseAt
		headers := cacheResponse.Header
		if value := headers.Get("Date"); value != "" {
			if date, err := HttpDate(value); err == nil {
				f.servedDate = date
				f.servedDateOK = true
				f.servedDateString = value
			}
		}
		if value := headers.Get("Expires"); value != "" {
			if date, err := HttpDate(value); err == nil {
				f.expires = date
				f.expiresOK = true
			}
		}
		if value := headers.Get("Last-Modified"); value != "" {
			if date, err := HttpDate(value); err == nil {
				f.lastModified = date
				f.lastModifiedOK = true
				f.lastModifiedString = value
			}
		}
		f.etag = headers.Get("ETag")
		if value := headers.Get("Age"); value != "" {
			f.ageSeconds = deltaSeconds(value)
		}
	}

	return f
}

// Get returns the strategy to satisfy the request using the stored
// response.
func (f *Factory) Get() Strategy {
	candidate := f.getCandidate()

	if candidate.NetworkRequest != nil && ParseHeaderCacheControl(f.request.Header).OnlyIfCached {
		// We're forbidden from using the network and the cache is
		// insufficient.
		return Strategy{}
	}

	return candidate
}

// getCandidate returns the strategy to use assuming the request can
// use the network.
func (f *Factory) getCandidate() Strategy {
	// No cached response.
	if f.cacheResponse == nil {
		return Strategy{NetworkRequest: f.request}
	}

	// Drop the cached response if it's missing a required handshake.
	if f.request.URL != nil && f.request.URL.Scheme == "https" && f.cacheResponse.TLS == nil {
		return Strategy{NetworkRequest: f.request}
	}

	// If this response shouldn't have been stored, it should never be
	// used as a response source. This check should be redundant as
	// long as the persistence store is well-behaved and the rules are
	// constant.
	if !IsCacheable(f.cacheResponse, f.request) {
		return Strategy{NetworkRequest: f.request}
	}

	requestCaching := ParseHeaderCacheControl(f.request.Header)
	if requestCaching.NoCache || hasConditions(f.request) {
		// Let the origin arbitrate.
		return Strategy{NetworkRequest: f.request}
	}

	responseCaching := ParseHeaderCacheControl(f.cacheResponse.Header)

	ageDuration := f.cacheResponseAge()
	freshDuration := f.computeFreshnessLifetime()

	if requestCaching.MaxAge != -1 {
		freshDuration = minDuration(freshDuration, time.Duration(requestCaching.MaxAge)*time.Second)
	}

	var minFreshDuration time.Duration
	if requestCaching.MinFresh != -1 {
		minFreshDuration = time.Duration(requestCaching.MinFresh) * time.Second
	}

	var maxStaleDuration time.Duration
	if !responseCaching.MustRevalidate && requestCaching.MaxStale != -1 {
		maxStaleDuration = time.Duration(requestCaching.MaxStale) * time.Second
	}

	if !responseCaching.NoCache && ageDuration+minFreshDuration < freshDuration+maxStaleDuration {
		var warnings []string
		if ageDuration+minFreshDuration >= freshDuration {
			warnings = append(warnings, warningStale)
		}
		if ageDuration > 24*time.Hour && f.isFreshnessLifetimeHeuristic() {
			warnings = append(warnings, warningHeuristic)
		}
		return Strategy{CacheResponse: responseWithWarnings(f.cacheResponse, warnings)}
	}

	// Find a condition to add to the request. If the condition is
	// satisfied, the response body will not be transmitted.
	var conditionName, conditionValue string
	switch {
	case f.etag != "":
		conditionName = "If-None-Match"
		conditionValue = f.etag
	case f.lastModifiedOK:
		conditionName = "If-Modified-Since"
		conditionValue = f.lastModifiedString
	case f.servedDateOK:
		conditionName = "If-Modified-Since"
		conditionValue = f.servedDateString
	default:
		return Strategy{NetworkRequest: f.request} // No condition! Make a regular request.
	}

	conditionalRequest := f.request.Clone(f.request.Context())
	conditionalRequest.Header.Set(conditionName, conditionValue)
	return Strategy{NetworkRequest: conditionalRequest, CacheResponse: f.cacheResponse}
}

// computeFreshnessLifetime returns the duration the response was fresh
// for, starting from the served date.
func (f *Factory) computeFreshnessLifetime() time.Duration {
	responseCaching := ParseHeaderCacheControl(f.cacheResponse.Header)
	if responseCaching.MaxAge != -1 {
		return time.Duration(responseCaching.MaxAge) * time.Second
	}
	if f.expiresOK {
		served := f.receivedResponseAt
		if f.servedDateOK {
			served = f.servedDate
		}
		if delta := f.expires.Sub(served); delta > 0 {
			return delta
		}
		return 0
	}
	if f.lastModifiedOK && f.cachedRequestURLQuery() == "" {
		// As recommended by the HTTP RFC and implemented in Firefox,
		// the max age of a document defaults to 10% of the document's
		// age at the time it was served. Default expiration dates
		// aren't used for URIs containing a query.
		served := f.sentRequestAt
		if f.servedDateOK {
			served = f.servedDate
		}
		if delta := served.Sub(f.lastModified); delta > 0 {
			return delta / 10
		}
		return 0
	}
	return 0
}

// cacheResponseAge returns the current age of the response. The
// calculation is specified by RFC 2616, 13.2.3 Age Calculations.
func (f *Factory) cacheResponseAge() time.Duration {
	var apparentReceivedAge time.Duration
	if f.servedDateOK {
		apparentReceivedAge = maxDuration(0, f.receivedResponseAt.Sub(f.servedDate))
	}
	receivedAge := apparentReceivedAge
	if f.ageSeconds != -1 {
		receivedAge = maxDuration(apparentReceivedAge, time.Duration(f.ageSeconds)*time.Second)
	}
	responseDuration := f.receivedResponseAt.Sub(f.sentRequestAt)
	residentDuration := f.now.Sub(f.receivedResponseAt)
	return receivedAge + responseDuration + residentDuration
}

// isFreshnessLifetimeHeuristic reports whether
// computeFreshnessLifetime used a heuristic. If a heuristically fresh
// response older than 24 hours is served, a warning must be attached.
func (f *Factory) isFreshnessLifetimeHeuristic() bool {
	return ParseHeaderCacheControl(f.cacheResponse.Header).MaxAge == -1 && !f.expiresOK &&
		f.lastModifiedOK && f.cachedRequestURLQuery() == ""
}

// cachedRequestURLQuery returns the query string of the URL that
// produced the cached response, falling back to the current request
// when the stored response carries no request.
func (f *Factory) cachedRequestURLQuery() string {
	if f.cacheResponse.Request != nil && f.cacheResponse.Request.URL != nil {
		return f.cacheResponse.Request.URL.RawQuery
	}
	if f.request.URL != nil {
		return f.request.URL.RawQuery
	}
	return ""
}

// hasConditions reports whether the request contains conditions that
// save the server from sending a response the client has locally. When
// a request carries its own conditions, the cache won't be consulted.
func hasConditions(request *http.Request) bool {
	return request.Header.Get("If-Modified-Since") != "" || request.Header.Get("If-None-Match") != ""
}

// responseWithWarnings copies the response with the given Warning
// headers added. The stored response is never mutated.
func responseWithWarnings(res *http.Response, warnings []string) *http.Response {
	if len(warnings) == 0 {
		return res
	}
	copied := *res
	copied.Header = res.Header.Clone()
	for _, warning := range warnings {
		copied.Header.Add("Warning", warning)
	}
	return &copied
}

func minDuration(d1, d2 time.Duration) time.Duration {
	if d1 < d2 {
		return d1
	}
	return d2
}

func maxDuration(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
