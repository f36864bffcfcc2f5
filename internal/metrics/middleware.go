package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type ResponseWriterWithStatus struct {
	http.ResponseWriter
	StatusCode int
}

func (w *ResponseWriterWithStatus) WriteHeader(code int) {
	w.StatusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// UnmatchedEndpoint labels requests that reached no route, keeping arbitrary
// paths out of the label set.
const UnmatchedEndpoint = "unmatched"

// Middleware records request counts and latency per route template, so
// /screenshot/android and /screenshot/ios share one series set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &ResponseWriterWithStatus{ResponseWriter: w, StatusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := UnmatchedEndpoint
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		HTTPRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(wrapped.StatusCode), r.Method).Inc()
		HTTPRequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
	})
}
