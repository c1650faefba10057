package httpserver

import (
	"net"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/user-service/internal/health"
	"github.com/keithlinneman/user-service/internal/httpmw"
	"github.com/keithlinneman/user-service/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Listener, when set, is served instead of binding Port.
	Listener net.Listener

	// Liveness and readiness for the load balancer, served at /-/healthy and
	// /-/ready. nil leaves the route unregistered.
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the service routes (GET / and GET /health).
	APIRoutes func(chi.Router)

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    httpmw.Middleware
	RateLimitMW  httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions
	Service      httpmw.ServiceInfo

	// RateLimitExempt lists paths RateLimitMW never sees. The liveness and
	// readiness paths are always exempt.
	RateLimitExempt []string
}
