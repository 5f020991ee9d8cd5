package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nanogw/nanogw/internal/telemetry"
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware records request duration, status, and active count.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			m.ActiveRequests.Dec()

			pattern := routePattern(r)
			statusStr := statusText[status]

			m.RequestsTotal.WithLabelValues(r.Method, pattern, statusStr).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed)
		})
	}
}

// routePattern returns the chi route pattern for bounded cardinality,
// falling back to a normalized raw path for unmatched routes (404s,
// malformed paths probing for endpoints) where chi never populates a
// pattern.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return normalizePath(r.URL.Path)
}

// dynamicIDPrefixes are id-shaped path segment prefixes collapsed to "{id}"
// before a path is used as a metrics label, so a client guessing resource
// ids can't blow up label cardinality.
var dynamicIDPrefixes = []string{
	"chatcmpl-", "resp_", "file-", "msg_", "run_", "thread_", "asst_",
	"conv_", "sk-", "vsfb_", "vsf_", "vs_", "mcpr_",
}

// normalizePath replaces UUID and dynamic-id-prefixed path segments with
// "{id}" to bound metrics label cardinality.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isUUID(seg) || isDynamicID(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isDynamicID(s string) bool {
	for _, prefix := range dynamicIDPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// isUUID reports whether s matches the 8-4-4-4-12 hex UUID shape.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	groupLens := [5]int{8, 4, 4, 4, 12}
	pos := 0
	for i, n := range groupLens {
		if i > 0 {
			if s[pos] != '-' {
				return false
			}
			pos++
		}
		for j := 0; j < n; j++ {
			if !isHexDigit(s[pos]) {
				return false
			}
			pos++
		}
	}
	return pos == len(s)
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
