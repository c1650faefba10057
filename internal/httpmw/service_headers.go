package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ServiceInfo identifies the running instance on every response.
type ServiceInfo struct {
	Name       string
	Version    string
	LaunchMode string
}

// ServiceHeaders sets X-Service-Name, X-Service-Version and X-Launch-Mode
// (empty values are omitted) and mirrors them onto the server span.
func ServiceHeaders(info ServiceInfo) Middleware {
	headers := [][2]string{
		{"X-Service-Name", info.Name},
		{"X-Service-Version", info.Version},
		{"X-Launch-Mode", info.LaunchMode},
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", info.Name),
		attribute.String("service.version", info.Version),
		attribute.String("app.launch_mode", info.LaunchMode),
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, h := range headers {
				if h[1] != "" {
					w.Header().Set(h[0], h[1])
				}
			}
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				span.SetAttributes(attrs...)
			}
			next.ServeHTTP(w, r)
		})
	}
}
