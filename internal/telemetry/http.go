package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware opens a server span per inbound request, named after the
// method and path, and continues any W3C trace context the caller sent.
// Health probes are not traced. It uses the global providers unless opts
// say otherwise, so it is a no-op while telemetry is disabled.
func HTTPMiddleware(serviceName string, opts ...otelhttp.Option) func(http.Handler) http.Handler {
	base := []otelhttp.Option{
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	}
	return otelhttp.NewMiddleware(serviceName, append(base, opts...)...)
}
