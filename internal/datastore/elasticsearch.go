package datastore

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/log"
	"github.com/keithlinneman/user-service/internal/xerrors"
)

// ElasticsearchProbe builds a fresh client, pings the cluster and reads the
// cluster info document.
type ElasticsearchProbe struct {
	conf      cfg.Elasticsearch
	transport http.RoundTripper
}

func NewElasticsearchProbe(c cfg.Elasticsearch, opts ...ElasticsearchOption) *ElasticsearchProbe {
	p := &ElasticsearchProbe{conf: c}
	for _, o := range opts {
		o(p)
	}
	return p
}

type ElasticsearchOption func(*ElasticsearchProbe)

// WithTransport sets the HTTP transport used by the client.
func WithTransport(rt http.RoundTripper) ElasticsearchOption {
	return func(p *ElasticsearchProbe) { p.transport = rt }
}

func (p *ElasticsearchProbe) Name() string { return NameElasticsearch }

// URL is the cluster address the probe connects to.
func (p *ElasticsearchProbe) URL() string {
	return "http://" + net.JoinHostPort(p.conf.Host, strconv.Itoa(p.conf.Port))
}

func (p *ElasticsearchProbe) Check(ctx context.Context) error {
	L := log.FromContext(ctx)
	addr := p.URL()
	L.Debug(ctx, "connecting to elasticsearch", "url", addr)

	rt := p.transport
	if rt == nil {
		// one connection per check, gone when Check returns
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.DisableKeepAlives = true
		defer tr.CloseIdleConnections()
		rt = tr
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{addr},
		Username:     p.conf.Username,
		Password:     p.conf.Password,
		Transport:    rt,
		DisableRetry: true,
	})
	if err != nil {
		return xerrors.Wrap(err, "build elasticsearch client")
	}

	// ping only informs the log; the info call decides
	pong, err := es.Ping(es.Ping.WithContext(ctx))
	if err := checkResponse(pong, err, "ping", nil); err != nil {
		L.Warn(ctx, "elasticsearch ping failed", "url", addr, "error", err)
	} else {
		L.Debug(ctx, "elasticsearch ping succeeded", "url", addr)
	}

	var doc clusterInfo
	res, err := es.Info(es.Info.WithContext(ctx))
	if err := checkResponse(res, err, "info", &doc); err != nil {
		return err
	}
	L.Debug(ctx, "elasticsearch info", "cluster_name", doc.ClusterName, "es_version", doc.Version.Number)
	return nil
}

type clusterInfo struct {
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number string `json:"number"`
	} `json:"version"`
}

// checkResponse closes res and maps a transport error or an error status to
// an error. A successful body is decoded into out when it is non-nil; a body
// that does not decode is not an error.
func checkResponse(res *esapi.Response, err error, op string, out any) error {
	if err != nil {
		return xerrors.Wrap(err, op)
	}
	defer res.Body.Close()
	if res.IsError() {
		_, _ = io.Copy(io.Discard, res.Body)
		return xerrors.Newf("%s: %s", op, res.Status())
	}
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
