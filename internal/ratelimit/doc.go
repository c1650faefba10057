// Package ratelimit throttles the public listener per client IP.
//
// State is in memory and per instance. It caps how hard one address can hit
// the datastore probes behind GET /health; distributed floods need upstream
// filtering.
package ratelimit
