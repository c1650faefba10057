// Package probe defines the contract for a single dependency check and the
// boundary that turns a check into a Result.
//
// A Probe reports failure by returning an error (or by panicking). Run is the
// only place those are observed: it always returns a Result and never lets an
// error or panic escape to the caller.
package probe

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/user-service/internal/probe"

// Probe checks one named dependency. nil = reachable.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// Result is the outcome of one Run.
type Result struct {
	Name     string
	OK       bool
	Err      error
	Duration time.Duration
}

// Run executes p, timing it and recording the outcome on a span and in the
// logger carried by ctx.
func Run(ctx context.Context, p Probe) (res Result) {
	res.Name = p.Name()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "probe "+res.Name,
		trace.WithAttributes(attribute.String("probe.name", res.Name)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.Err = xerrors.Newf("probe %s panicked: %v", res.Name, rec)
		}
		res.Duration = time.Since(start)
		res.OK = res.Err == nil

		L := log.FromContext(ctx)
		span.SetAttributes(attribute.Bool("probe.ok", res.OK))
		if res.OK {
			span.SetStatus(codes.Ok, "")
			L.Debug(ctx, "probe succeeded", "service", res.Name, "duration", res.Duration)
			return
		}
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		L.Error(ctx, res.Err, "probe failed", "service", res.Name, "duration", res.Duration)
	}()

	if err := p.Check(ctx); err != nil {
		res.Err = xerrors.EnsureTrace(fmt.Errorf("%s: %w", res.Name, err))
	}
	return res
}
