package datastore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/probe"
)

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// Probes

func TestProbes_NamesInOrder(t *testing.T) {
	var names []string
	for _, p := range Probes(cfg.App{}) {
		names = append(names, p.Name())
	}
	want := []string{"postgres", "redis", "elasticsearch"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", names, want)
	}
}

// Postgres

type fakeRow struct {
	v   int
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.v
	return nil
}

type fakePGConn struct {
	row     fakeRow
	queries []string
	closed  atomic.Bool
}

func (c *fakePGConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	c.queries = append(c.queries, sql)
	return c.row
}

func (c *fakePGConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func pgConf() cfg.Postgres {
	return cfg.Postgres{Host: "db.local", Port: 5432, DB: "user_service_db", User: "postgres", Password: "p@ss word"}
}

func TestPostgresProbe_OK(t *testing.T) {
	conn := &fakePGConn{row: fakeRow{v: 1}}
	var gotDSN string
	p := NewPostgresProbe(pgConf(), WithPGConnector(func(_ context.Context, dsn string) (PGConn, error) {
		gotDSN = dsn
		return conn, nil
	}))

	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(conn.queries) != 1 || conn.queries[0] != "SELECT 1" {
		t.Fatalf("queries = %v", conn.queries)
	}
	if !conn.closed.Load() {
		t.Fatal("connection not closed")
	}
	if gotDSN != PostgresDSN(pgConf()) {
		t.Fatalf("dsn = %q", gotDSN)
	}
}

func TestPostgresProbe_QueryErrorClosesConn(t *testing.T) {
	conn := &fakePGConn{row: fakeRow{err: errors.New("relation does not exist")}}
	p := NewPostgresProbe(pgConf(), WithPGConnector(func(context.Context, string) (PGConn, error) {
		return conn, nil
	}))

	err := p.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "select 1") {
		t.Fatalf("err = %v", err)
	}
	if !conn.closed.Load() {
		t.Fatal("connection not closed after failure")
	}
}

func TestPostgresProbe_ConnectError(t *testing.T) {
	p := NewPostgresProbe(pgConf(), WithPGConnector(func(context.Context, string) (PGConn, error) {
		return nil, errors.New("password authentication failed")
	}))

	err := p.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect db.local:5432") {
		t.Fatalf("err = %v", err)
	}
}

func TestPostgresProbe_Refused(t *testing.T) {
	c := pgConf()
	c.Host = "127.0.0.1"
	c.Port = closedPort(t)

	res := probe.Run(context.Background(), NewPostgresProbe(c))
	if res.OK {
		t.Fatal("OK = true against a closed port")
	}
}

func TestPostgresDSN_Escapes(t *testing.T) {
	dsn := PostgresDSN(pgConf())
	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse %q: %v", dsn, err)
	}
	pw, _ := u.User.Password()
	if u.User.Username() != "postgres" || pw != "p@ss word" {
		t.Fatalf("user info = %v", u.User)
	}
	if u.Host != "db.local:5432" || u.Path != "/user_service_db" {
		t.Fatalf("dsn = %q", dsn)
	}
}

// Redis

func redisConf(t *testing.T, s *miniredis.Miniredis) cfg.Redis {
	t.Helper()
	port, err := strconv.Atoi(s.Port())
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	return cfg.Redis{Host: s.Host(), Port: port}
}

func TestRedisProbe_OK(t *testing.T) {
	s := miniredis.RunT(t)

	if err := NewRedisProbe(redisConf(t, s)).Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestRedisProbe_Password(t *testing.T) {
	s := miniredis.RunT(t)
	s.RequireAuth("hunter2")

	c := redisConf(t, s)
	if err := NewRedisProbe(c).Check(context.Background()); err == nil {
		t.Fatal("expected auth failure without password")
	}

	c.Password = "hunter2"
	if err := NewRedisProbe(c).Check(context.Background()); err != nil {
		t.Fatalf("Check with password: %v", err)
	}
}

func TestRedisProbe_EmptyPasswordNotSent(t *testing.T) {
	p := NewRedisProbe(cfg.Redis{Host: "redis-shared", Port: 6379})
	o := p.Options()
	if o.Password != "" {
		t.Fatalf("Password = %q", o.Password)
	}
	if o.Addr != "redis-shared:6379" {
		t.Fatalf("Addr = %q", o.Addr)
	}
}

func TestRedisProbe_ServerError(t *testing.T) {
	s := miniredis.RunT(t)
	s.SetError("LOADING dataset in memory")

	err := NewRedisProbe(redisConf(t, s)).Check(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisProbe_Refused(t *testing.T) {
	res := probe.Run(context.Background(), NewRedisProbe(cfg.Redis{Host: "127.0.0.1", Port: closedPort(t)}))
	if res.OK {
		t.Fatal("OK = true against a closed port")
	}
}

type countingRedis struct {
	RedisClient
	closed *atomic.Int32
}

func (c countingRedis) Close() error {
	c.closed.Add(1)
	return c.RedisClient.Close()
}

func TestRedisProbe_FreshClientPerCheck(t *testing.T) {
	s := miniredis.RunT(t)
	var dials, closed atomic.Int32

	p := NewRedisProbe(redisConf(t, s), WithRedisDialer(func(o *redis.Options) RedisClient {
		dials.Add(1)
		return countingRedis{RedisClient: redis.NewClient(o), closed: &closed}
	}))

	for i := 0; i < 3; i++ {
		if err := p.Check(context.Background()); err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
	}
	if dials.Load() != 3 || closed.Load() != 3 {
		t.Fatalf("dials=%d closed=%d, want 3/3", dials.Load(), closed.Load())
	}
}

// Elasticsearch

func newFakeES(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	return newFakeESSplit(t, status, status)
}

// newFakeESSplit answers the HEAD ping with pingStatus and the info GET with
// infoStatus.
func newFakeESSplit(t *testing.T, pingStatus, infoStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(esHandler(&hits, pingStatus, infoStatus))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func esHandler(hits *atomic.Int32, pingStatus, infoStatus int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if u, p, ok := r.BasicAuth(); !ok || u != "elastic" || p != "changeme" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodHead {
			w.WriteHeader(pingStatus)
			return
		}
		w.WriteHeader(infoStatus)
		_, _ = w.Write([]byte(`{"cluster_name":"test","version":{"number":"8.19.0"}}`))
	}
}

func esConf(t *testing.T, srv *httptest.Server) cfg.Elasticsearch {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return cfg.Elasticsearch{Host: host, Port: port, Username: "elastic", Password: "changeme"}
}

func TestElasticsearchProbe_OK(t *testing.T) {
	srv, hits := newFakeES(t, http.StatusOK)

	if err := NewElasticsearchProbe(esConf(t, srv)).Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want ping + info", hits.Load())
	}
}

func TestElasticsearchProbe_ErrorStatus(t *testing.T) {
	srv, _ := newFakeES(t, http.StatusServiceUnavailable)

	if err := NewElasticsearchProbe(esConf(t, srv)).Check(context.Background()); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestElasticsearchProbe_PingFailureOnlyLogged(t *testing.T) {
	srv, hits := newFakeESSplit(t, http.StatusServiceUnavailable, http.StatusOK)

	var buf bytes.Buffer
	L, err := log.New(log.Options{App: "test", JsonFormat: true, Writer: &buf, Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("log.New: %v", err)
	}
	ctx := log.WithContext(context.Background(), L)

	if err := NewElasticsearchProbe(esConf(t, srv)).Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want ping + info", hits.Load())
	}
	out := buf.String()
	for _, want := range []string{`"msg":"elasticsearch ping failed"`, `"cluster_name":"test"`, `"es_version":"8.19.0"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s\n%s", want, out)
		}
	}
}

func TestElasticsearchProbe_InfoFailureAfterPing(t *testing.T) {
	srv, _ := newFakeESSplit(t, http.StatusOK, http.StatusInternalServerError)

	if err := NewElasticsearchProbe(esConf(t, srv)).Check(context.Background()); err == nil {
		t.Fatal("expected error when info fails")
	}
}

func TestElasticsearchProbe_NoConnectionsLeftOpen(t *testing.T) {
	var hits atomic.Int32
	var open atomic.Int32
	srv := httptest.NewUnstartedServer(esHandler(&hits, http.StatusOK, http.StatusOK))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			open.Add(1)
		case http.StateClosed, http.StateHijacked:
			open.Add(-1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	c := esConf(t, srv)
	for i := 0; i < 20; i++ {
		if err := NewElasticsearchProbe(c).Check(context.Background()); err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
	}

	// the server notices closes asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for open.Load() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := open.Load(); n != 0 {
		t.Fatalf("server-side open connections after 20 checks = %d, want 0", n)
	}
}

func TestElasticsearchProbe_BadCredentials(t *testing.T) {
	srv, _ := newFakeES(t, http.StatusOK)
	c := esConf(t, srv)
	c.Password = "wrong"

	if err := NewElasticsearchProbe(c).Check(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestElasticsearchProbe_Refused(t *testing.T) {
	p := NewElasticsearchProbe(cfg.Elasticsearch{Host: "127.0.0.1", Port: closedPort(t), Username: "elastic"})
	if res := probe.Run(context.Background(), p); res.OK {
		t.Fatal("OK = true against a closed port")
	}
}

type recordingRT struct{ urls []string }

func (r *recordingRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r.urls = append(r.urls, req.URL.String())
	return nil, errors.New("no route")
}

func TestElasticsearchProbe_URLAndTransport(t *testing.T) {
	rt := &recordingRT{}
	p := NewElasticsearchProbe(cfg.Elasticsearch{Host: "elasticsearch", Port: 9200}, WithTransport(rt))

	if p.URL() != "http://elasticsearch:9200" {
		t.Fatalf("URL = %q", p.URL())
	}
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
	if len(rt.urls) == 0 || !strings.HasPrefix(rt.urls[0], "http://elasticsearch:9200") {
		t.Fatalf("requests = %v", rt.urls)
	}
}
