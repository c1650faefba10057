package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/user-service/internal/probe"
)

// Report is the aggregated outcome of one health check.
type Report struct {
	// Services has one entry per probe name; true = reachable.
	Services  map[string]bool
	Healthy   bool
	Results   []probe.Result
	CheckedAt time.Time
}

// Failed returns the names of unreachable services, sorted.
func (r Report) Failed() []string {
	var out []string
	for name, ok := range r.Services {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r Report) clone() Report {
	out := r
	out.Services = make(map[string]bool, len(r.Services))
	for k, v := range r.Services {
		out.Services[k] = v
	}
	out.Results = append([]probe.Result(nil), r.Results...)
	return out
}

// Overall is the AND of every value in services. An empty map is healthy.
func Overall(services map[string]bool) bool {
	for _, ok := range services {
		if !ok {
			return false
		}
	}
	return true
}

// Observer is called once per probe result, after the probe returns.
type Observer func(probe.Result)

type Option func(*Aggregator)

// WithParallel runs probes concurrently (true) or one after another in
// registration order (false).
func WithParallel(on bool) Option { return func(a *Aggregator) { a.parallel = on } }

func WithObserver(fn Observer) Option { return func(a *Aggregator) { a.observe = fn } }

// WithCacheTTL reuses a report for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option { return func(a *Aggregator) { a.ttl = ttl } }

func withClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// Aggregator runs a fixed set of probes and folds their results into a Report.
type Aggregator struct {
	probes   []probe.Probe
	parallel bool
	observe  Observer
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cached Report
	sf     singleflight.Group
}

func NewAggregator(probes []probe.Probe, opts ...Option) *Aggregator {
	a := &Aggregator{
		probes:   append([]probe.Probe(nil), probes...),
		parallel: true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Check probes every service. It never fails: unreachable services show up
// as false in the report.
func (a *Aggregator) Check(ctx context.Context) Report {
	if a.ttl <= 0 {
		return a.run(ctx)
	}

	a.mu.Lock()
	if !a.cached.CheckedAt.IsZero() && a.now().Sub(a.cached.CheckedAt) < a.ttl {
		r := a.cached.clone()
		a.mu.Unlock()
		return r
	}
	a.mu.Unlock()

	// the refresh is shared, so one caller going away must not cancel it
	shared := context.WithoutCancel(ctx)
	v, _, _ := a.sf.Do("check", func() (any, error) {
		r := a.run(shared)
		a.mu.Lock()
		a.cached = r
		a.mu.Unlock()
		return r, nil
	})
	return v.(Report).clone()
}

func (a *Aggregator) run(ctx context.Context) Report {
	results := make([]probe.Result, len(a.probes))

	if a.parallel && len(a.probes) > 1 {
		var g errgroup.Group
		for i, p := range a.probes {
			g.Go(func() error {
				results[i] = probe.Run(ctx, p)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, p := range a.probes {
			results[i] = probe.Run(ctx, p)
		}
	}

	services := make(map[string]bool, len(results))
	for _, res := range results {
		if a.observe != nil {
			a.observe(res)
		}
		// a repeated name is only up if every probe with that name is
		if prev, seen := services[res.Name]; seen {
			services[res.Name] = prev && res.OK
			continue
		}
		services[res.Name] = res.OK
	}

	return Report{
		Services:  services,
		Healthy:   Overall(services),
		Results:   results,
		CheckedAt: a.now(),
	}
}
