// Package cfg loads the service configuration.
//
// Precedence, lowest first: built-in defaults, environment variables, command
// line. The result is an immutable App snapshot that is handed to every
// component by value.
package cfg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

// Datastore sections are taken as given: a wrong host or port shows up as a
// failing probe in /health, not as a startup error.

type Postgres struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	DB       string `koanf:"db"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
}

type Elasticsearch struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

type App struct {
	// LaunchMode is free-form and may be empty.
	LaunchMode string `koanf:"launch_mode"`
	Port       int    `koanf:"port"`
	AdminPort  int    `koanf:"admin_port" validate:"min=1,max=65535"`

	Postgres      Postgres      `koanf:"postgres"`
	Redis         Redis         `koanf:"redis"`
	Elasticsearch Elasticsearch `koanf:"elasticsearch"`

	LogJSON           bool   `koanf:"log_json"`
	LogLevel          string `koanf:"log_level"`
	StacktraceLevel   string `koanf:"stacktrace_level"`
	IncludeErrorLinks bool   `koanf:"include_error_links"`
	MaxErrorLinks     int    `koanf:"max_error_links"`

	EnablePprof     bool    `koanf:"enable_pprof"`
	EnableTracing   bool    `koanf:"enable_tracing"`
	TraceExporter   string  `koanf:"trace_exporter" validate:"oneof=otlp stdout"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	TraceSample     float64 `koanf:"trace_sample"`
	EnablePyroscope bool    `koanf:"enable_pyroscope"`
	PyroServer      string  `koanf:"pyro_server"`
	PyroTenantID    string  `koanf:"pyro_tenant"`

	HealthParallel   bool          `koanf:"health_parallel"`
	HealthCacheTTL   time.Duration `koanf:"health_cache_ttl" validate:"min=0"`
	RateLimitRPS     float64       `koanf:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst   int           `koanf:"rate_limit_burst" validate:"min=1"`
	RateLimitTTL     time.Duration `koanf:"rate_limit_ttl" validate:"gt=0"`
	RateLimitMax     int           `koanf:"rate_limit_max_visitors" validate:"min=0"`
	TrustedProxyHops int           `koanf:"trusted_proxy_hops" validate:"min=0,max=10"`
	DrainDelay       time.Duration `koanf:"drain_delay" validate:"min=0"`

	// ShowVersion is set by -V; main prints build info and exits.
	ShowVersion bool `koanf:"-"`
}

// envKeys maps every recognised environment variable to its koanf path.
// Anything not listed is ignored.
var envKeys = map[string]string{
	"LAUNCH_MODE": "launch_mode",
	"PORT":        "port",
	"ADMIN_PORT":  "admin_port",

	"POSTGRES_HOST":     "postgres.host",
	"POSTGRES_PORT":     "postgres.port",
	"POSTGRES_DB":       "postgres.db",
	"POSTGRES_USER":     "postgres.user",
	"POSTGRES_PASSWORD": "postgres.password",

	"REDIS_HOST":     "redis.host",
	"REDIS_PORT":     "redis.port",
	"REDIS_PASSWORD": "redis.password",

	"ELASTICSEARCH_HOST":     "elasticsearch.host",
	"ELASTICSEARCH_PORT":     "elasticsearch.port",
	"ELASTICSEARCH_USERNAME": "elasticsearch.username",
	"ELASTICSEARCH_PASSWORD": "elasticsearch.password",

	"LOG_JSON":                "log_json",
	"LOG_LEVEL":               "log_level",
	"STACKTRACE_LEVEL":        "stacktrace_level",
	"INCLUDE_ERROR_LINKS":     "include_error_links",
	"MAX_ERROR_LINKS":         "max_error_links",
	"ENABLE_PPROF":            "enable_pprof",
	"ENABLE_TRACING":          "enable_tracing",
	"TRACE_EXPORTER":          "trace_exporter",
	"OTLP_ENDPOINT":           "otlp_endpoint",
	"TRACE_SAMPLE":            "trace_sample",
	"ENABLE_PYROSCOPE":        "enable_pyroscope",
	"PYRO_SERVER":             "pyro_server",
	"PYRO_TENANT":             "pyro_tenant",
	"HEALTH_PARALLEL":         "health_parallel",
	"HEALTH_CACHE_TTL":        "health_cache_ttl",
	"RATE_LIMIT_RPS":          "rate_limit_rps",
	"RATE_LIMIT_BURST":        "rate_limit_burst",
	"RATE_LIMIT_TTL":          "rate_limit_ttl",
	"RATE_LIMIT_MAX_VISITORS": "rate_limit_max_visitors",
	"TRUSTED_PROXY_HOPS":      "trusted_proxy_hops",
	"DRAIN_DELAY":             "drain_delay",
}

// keyEnv is the reverse of envKeys, used to name fields in errors.
var keyEnv = func() map[string]string {
	out := make(map[string]string, len(envKeys))
	for e, k := range envKeys {
		out[k] = e
	}
	return out
}()

func defaults() map[string]any {
	return map[string]any{
		"launch_mode": "api",
		"port":        8000,
		"admin_port":  9000,

		"postgres.host":     "localhost",
		"postgres.port":     5432,
		"postgres.db":       "user_service_db",
		"postgres.user":     "postgres",
		"postgres.password": "postgres",

		"redis.host":     "redis-shared",
		"redis.port":     6379,
		"redis.password": "",

		"elasticsearch.host":     "elasticsearch",
		"elasticsearch.port":     9200,
		"elasticsearch.username": "elastic",
		"elasticsearch.password": "",

		"log_json":                true,
		"log_level":               "info",
		"stacktrace_level":        "error",
		"include_error_links":     true,
		"max_error_links":         8,
		"enable_pprof":            true,
		"enable_tracing":          false,
		"trace_exporter":          "otlp",
		"otlp_endpoint":           "",
		"trace_sample":            0.0,
		"enable_pyroscope":        false,
		"pyro_server":             "",
		"pyro_tenant":             "",
		"health_parallel":         true,
		"health_cache_ttl":        time.Duration(0),
		"rate_limit_rps":          10.0,
		"rate_limit_burst":        30,
		"rate_limit_ttl":          5 * time.Minute,
		"rate_limit_max_visitors": 10000,
		"trusted_proxy_hops":      0,
		"drain_delay":             5 * time.Second,
	}
}

// Load builds the configuration from defaults, the process environment and
// args (without the program name). Errors are returned, never logged: the
// logger depends on the result.
func Load(args []string) (App, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return App{}, xerrors.Wrap(err, "load defaults")
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return App{}, xerrors.Wrap(err, "load environment")
	}

	var c App
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &c,
		},
	}); err != nil {
		return App{}, xerrors.Wrap(err, "decode configuration")
	}

	if err := parseArgs(&c, args); err != nil {
		return App{}, err
	}
	if c.ShowVersion {
		return c, nil
	}

	if err := Validate(c); err != nil {
		return App{}, err
	}
	return c, nil
}

func parseArgs(c *App, args []string) error {
	fs := flag.NewFlagSet("user-service", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var launchMode string
	fs.StringVar(&launchMode, "launch-mode", "", "override LAUNCH_MODE")
	fs.BoolVar(&c.ShowVersion, "V", false, "print version+build information and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("parse command line: %w", err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if launchMode != "" {
		c.LaunchMode = launchMode
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return xerrors.Wrap(err, "validate configuration")
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("invalid %s %v (%s)", envName(fe.Namespace()), fe.Value(), describeTag(fe)))
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing && c.TraceExporter == "otlp" {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// envName turns a validator namespace such as "App.Postgres.Port" into the
// environment variable that sets it.
func envName(ns string) string {
	_, path, _ := strings.Cut(ns, ".")
	parts := strings.Split(path, ".")
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = fieldKey(p)
	}
	if e, ok := keyEnv[strings.Join(keys, ".")]; ok {
		return e
	}
	return path
}

// fieldKey returns the koanf key for a struct field name of App or its
// nested sections.
func fieldKey(field string) string {
	switch field {
	case "DB":
		return "db"
	case "OTLPEndpoint":
		return "otlp_endpoint"
	case "RateLimitRPS":
		return "rate_limit_rps"
	case "HealthCacheTTL":
		return "health_cache_ttl"
	case "RateLimitTTL":
		return "rate_limit_ttl"
	case "RateLimitMax":
		return "rate_limit_max_visitors"
	case "PyroTenantID":
		return "pyro_tenant"
	}
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "min":
		return "must be >= " + fe.Param()
	case "max":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", "|")
	default:
		return "failed " + fe.Tag()
	}
}

// AdminListener reports whether the admin listener can run. PORT belongs to
// the public listener, so a clash disables the admin side instead of failing.
func (c App) AdminListener() bool { return c.AdminPort != c.Port }

// SecretResolver turns a secret reference into its value. Values that are
// not references are returned unchanged.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// WithSecrets returns a copy of c with every password passed through r.
func (c App) WithSecrets(ctx context.Context, r SecretResolver) (App, error) {
	if r == nil {
		return c, nil
	}
	out := c
	fields := []struct {
		name string
		v    *string
	}{
		{"POSTGRES_PASSWORD", &out.Postgres.Password},
		{"REDIS_PASSWORD", &out.Redis.Password},
		{"ELASTICSEARCH_PASSWORD", &out.Elasticsearch.Password},
	}
	var errs []error
	for _, f := range fields {
		if *f.v == "" {
			continue
		}
		val, err := r.Resolve(ctx, *f.v)
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "resolve %s", f.name))
			continue
		}
		*f.v = val
	}
	if len(errs) > 0 {
		return c, errors.Join(errs...)
	}
	return out, nil
}
