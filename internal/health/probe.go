package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/user-service/internal/xerrors"
)

// Probe backs a liveness or readiness endpoint. nil = pass.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason ("unhealthy" if empty).
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// ShutdownGate fails readiness once closed so traffic drains before the
// listeners stop. The zero value is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Close marks the gate as draining with reason ("draining" if empty).
func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Draining reports whether the gate is closed and why.
func (g *ShutdownGate) Draining() (bool, string) {
	if r := g.reason.Load(); r != nil {
		return true, *r
	}
	return false, ""
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if closed, reason := g.Draining(); closed {
			return xerrors.New(reason)
		}
		return nil
	}
}
