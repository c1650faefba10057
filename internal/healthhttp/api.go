// Package healthhttp serves the public service endpoints: a static index at
// "/" and the aggregated datastore health at "/health".
package healthhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/user-service/internal/health"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/version"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	IndexPath  = "/"
	HealthPath = "/health"
)

// Paths lists the routes RegisterRoutes mounts. Both must always answer with
// their own body, so callers keep them clear of request throttling.
func Paths() []string { return []string{IndexPath, HealthPath} }

// Checker runs one aggregated health check.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// Index is the body of GET /.
type Index struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Detail is the health payload. It is wrapped as {"detail": ...} on both
// success and failure.
type Detail struct {
	ServiceName string          `json:"serviceName"`
	Status      string          `json:"status"`
	LaunchMode  string          `json:"launchMode"`
	Services    map[string]bool `json:"services"`
}

type Response struct {
	Detail Detail `json:"detail"`
}

// API implements the public routes.
type API struct {
	checker    Checker
	launchMode string
	logger     log.Logger
	onResult   func(healthy bool)
}

type Option func(*API)

// WithResultHook is called after every /health evaluation.
func WithResultHook(fn func(healthy bool)) Option {
	return func(a *API) { a.onResult = fn }
}

func NewAPI(checker Checker, launchMode string, logger log.Logger, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	api := &API{
		checker:    checker,
		launchMode: launchMode,
		logger:     logger,
	}
	for _, o := range opts {
		o(api)
	}
	return api
}

// RegisterRoutes attaches / and /health to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get(IndexPath, api.HandleIndex)
	r.Get(HealthPath, api.HandleHealth)
}

var index = Index{
	Service: version.ServiceName,
	Version: version.APIVersion,
	Endpoints: map[string]string{
		"health": "/health - Check the health of the service connections",
	},
}

func (api *API) HandleIndex(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, index)
}

// HandleHealth answers 200 when every service is reachable and 500 otherwise,
// with the same body shape either way.
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithContext(r.Context(), log.FromContextOr(r.Context(), api.logger))
	ctx, L := log.Enrich(ctx, "handler", "health")

	L.Info(ctx, "health check requested")

	rep := api.checker.Check(ctx)

	resp := Response{Detail: Detail{
		ServiceName: version.ServiceName,
		Status:      StatusHealthy,
		LaunchMode:  api.launchMode,
		Services:    rep.Services,
	}}
	code := http.StatusOK
	if rep.Healthy {
		L.Info(ctx, "health check passed", "services", rep.Services)
	} else {
		resp.Detail.Status = StatusUnhealthy
		code = http.StatusInternalServerError
		L.Error(ctx, nil, "health check failed", "services", rep.Services, "failed", rep.Failed())
	}
	if api.onResult != nil {
		api.onResult(rep.Healthy)
	}

	api.writeJSON(ctx, w, code, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContextOr(ctx, api.logger).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
