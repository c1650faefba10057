package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/user-service/internal/health"
)

type Options struct {
	Port int

	// Listener, when set, is served instead of binding Port.
	Listener net.Listener

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	// Report serves the last aggregated datastore report at /-/report.
	Report http.Handler

	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func()
}
