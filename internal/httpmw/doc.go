// Package httpmw holds the HTTP middleware shared by the public and admin
// listeners.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client IP, rate limiting, tracing, trace response
// headers, service headers, metrics, request-scoped logger, then the chi
// router with route annotation and access logging.
//
// Query strings and headers other than the request ID are never logged.
package httpmw
