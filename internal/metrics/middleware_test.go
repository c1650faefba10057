package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":{}}`))
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{}")) })
	return r
}

// Middleware

func TestMiddleware_RoutePatternOutsideRouter(t *testing.T) {
	m := New()
	h := m.Middleware(router())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/health", "500")); got != 1 {
		t.Fatalf("/health 500 = %v", got)
	}
	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", "/", "200")); got != 1 {
		t.Fatalf("/ 200 = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("GET", "/health")); got != 1 {
		t.Fatalf("errors = %v", got)
	}
}

func TestMiddleware_UnmatchedCollapsed(t *testing.T) {
	m := New()
	h := m.Middleware(router())

	for _, p := range []string{"/wp-admin", "/.env", "/a/b/c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.reqTotal.WithLabelValues("GET", unmatchedRoute, "404")); got != 3 {
		t.Fatalf("unmatched = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(m.reqTotal); n != 1 {
		t.Fatalf("series = %d, want 1", n)
	}
}

func TestMiddleware_InflightReturnsToZero(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inflight)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during != 1 {
		t.Fatalf("inflight during = %v", during)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Fatalf("inflight after = %v", got)
	}
}

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	_, _ = sw.Write([]byte("abc"))
	sw.WriteHeader(http.StatusTeapot)
	_, _ = sw.Write([]byte("de"))

	if sw.status != http.StatusOK || sw.n != 5 {
		t.Fatalf("status=%d n=%d", sw.status, sw.n)
	}
}
