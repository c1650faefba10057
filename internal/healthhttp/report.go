package healthhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/keithlinneman/user-service/internal/log"
)

// ProbeDetail is one probe outcome as served on the admin listener. Unlike
// the public body it carries the failure reason.
type ProbeDetail struct {
	Name       string  `json:"name"`
	OK         bool    `json:"ok"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

type ReportBody struct {
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Probes    []ProbeDetail `json:"probes"`
}

// ReportHandler runs a check and serves every probe result including errors.
// It belongs on the admin listener only.
func ReportHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		body := ReportBody{Healthy: rep.Healthy, CheckedAt: rep.CheckedAt.UTC(), Probes: make([]ProbeDetail, 0, len(rep.Results))}
		for _, res := range rep.Results {
			d := ProbeDetail{Name: res.Name, OK: res.OK, DurationMS: float64(res.Duration) / float64(time.Millisecond)}
			if res.Err != nil {
				d.Error = res.Err.Error()
			}
			body.Probes = append(body.Probes, d)
		}

		code := http.StatusOK
		if !rep.Healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.FromContext(r.Context()).Warn(r.Context(), "failed to encode report", "error", err)
		}
	}
}
