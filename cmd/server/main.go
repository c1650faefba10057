package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/datastore"
	"github.com/keithlinneman/user-service/internal/health"
	"github.com/keithlinneman/user-service/internal/healthhttp"
	"github.com/keithlinneman/user-service/internal/httpmw"
	"github.com/keithlinneman/user-service/internal/httpserver"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/metrics"
	"github.com/keithlinneman/user-service/internal/opshttp"
	"github.com/keithlinneman/user-service/internal/otelx"
	"github.com/keithlinneman/user-service/internal/prof"
	"github.com/keithlinneman/user-service/internal/ratelimit"
	"github.com/keithlinneman/user-service/internal/secret"
	v "github.com/keithlinneman/user-service/internal/version"
)

const usage = `usage: user-service [--launch-mode MODE] [-V]

  --launch-mode MODE   override LAUNCH_MODE (reported in /health)
  -V                   print version+build information and exit

All other settings come from the environment (PORT, POSTGRES_*, REDIS_*,
ELASTICSEARCH_*, LOG_*, ...).
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	conf, err := cfg.Load(os.Args[1:])
	switch {
	case errors.Is(err, flag.ErrHelp):
		fmt.Print(usage)
		os.Exit(0)
	case err != nil:
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if conf.ShowVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		LaunchMode:        conf.LaunchMode,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"admin_port", conf.AdminPort,
		"postgres", net.JoinHostPort(conf.Postgres.Host, fmt.Sprint(conf.Postgres.Port)),
		"redis", net.JoinHostPort(conf.Redis.Host, fmt.Sprint(conf.Redis.Port)),
		"elasticsearch", datastore.NewElasticsearchProbe(conf.Elasticsearch).URL(),
		"health_parallel", conf.HealthParallel,
		"health_cache_ttl", conf.HealthCacheTTL,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_exporter", conf.TraceExporter,
	)

	m := metrics.New()
	m.SetBuildInfo(vi, conf.LaunchMode)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"version":     vi.Version,
			"commit":      vi.Commit,
			"launch_mode": conf.LaunchMode,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure: the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Exporter:   conf.TraceExporter,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Version:    vi.Version,
		LaunchMode: conf.LaunchMode,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// Resolve ssm:// password references
	if hasSecretRefs(conf) {
		conf, err = conf.WithSecrets(ctx, secret.NewSSMResolver(secret.WithLogger(L)))
		if err != nil {
			L.Error(ctx, err, "failed to resolve datastore secrets")
			os.Exit(1)
		}
	}

	agg := health.NewAggregator(datastore.Probes(conf),
		health.WithParallel(conf.HealthParallel),
		health.WithCacheTTL(conf.HealthCacheTTL),
		health.WithObserver(m.ObserveProbe),
	)
	api := healthhttp.NewAPI(agg, conf.LaunchMode, L, healthhttp.WithResultHook(m.ObserveHealth))

	var gate health.ShutdownGate
	readiness := gate.Probe()

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithTTL(conf.RateLimitTTL),
		ratelimit.WithMaxVisitors(conf.RateLimitMax),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "client.address", ip)
		}),
		ratelimit.WithOnCapacity(func(size int) {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted", "visitors", size)
		}),
	)

	L.Info(ctx, "starting user service", "port", conf.Port, "launch_mode", conf.LaunchMode)

	publicStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.Port,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Service: httpmw.ServiceInfo{
			Name:       v.AppName,
			Version:    vi.Version,
			LaunchMode: conf.LaunchMode,
		},
		RateLimitExempt: healthhttp.Paths(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = publicStop(context.Background()) }()

	// admin listener rejects public peers; the security group is the first line
	opsStop := func(context.Context) error { return nil }
	if conf.AdminListener() {
		opsStop, err = opshttp.Start(ctx, L, opshttp.Options{
			Port:         conf.AdminPort,
			Metrics:      m.Handler(),
			Report:       healthhttp.ReportHandler(agg),
			EnablePprof:  conf.EnablePprof,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			os.Exit(1)
		}
		defer func() { _ = opsStop(context.Background()) }()
	} else {
		L.Warn(ctx, "ADMIN_PORT equals PORT, admin listener disabled", "port", conf.Port)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.WithoutCancel(ctx)
	L.Info(bg, "shutdown signal received")

	gate.Close("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_delay", conf.DrainDelay)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := publicStop(shutdownCtx); err != nil {
		L.Error(bg, err, "public http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func hasSecretRefs(c cfg.App) bool {
	for _, p := range []string{c.Postgres.Password, c.Redis.Password, c.Elasticsearch.Password} {
		if secret.IsRef(p) {
			return true
		}
	}
	return false
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("dial notify socket: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("write notify socket: %w", err)
	}
	return nil
}
