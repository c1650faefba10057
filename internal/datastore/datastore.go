// Package datastore holds the connection probes for the service's backing
// stores. Every Check builds its own client and tears it down before
// returning; nothing is pooled between checks.
package datastore

import (
	"github.com/keithlinneman/user-service/internal/cfg"
	"github.com/keithlinneman/user-service/internal/probe"
)

// Service names as reported in the health response.
const (
	NamePostgres      = "postgres"
	NameRedis         = "redis"
	NameElasticsearch = "elasticsearch"
)

// Probes returns the production probe set in reporting order.
func Probes(c cfg.App) []probe.Probe {
	return []probe.Probe{
		NewPostgresProbe(c.Postgres),
		NewRedisProbe(c.Redis),
		NewElasticsearchProbe(c.Elasticsearch),
	}
}
