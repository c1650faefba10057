package healthhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReportHandler(t *testing.T) {
	h := ReportHandler(aggregator(map[string]bool{"postgres": true, "redis": true}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/report", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body ReportBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Healthy || len(body.Probes) != 3 {
		t.Fatalf("body = %+v", body)
	}
	for _, p := range body.Probes {
		switch p.Name {
		case "elasticsearch":
			if p.OK || p.Error == "" {
				t.Errorf("elasticsearch = %+v", p)
			}
		default:
			if !p.OK || p.Error != "" {
				t.Errorf("%s = %+v", p.Name, p)
			}
		}
	}
	if body.CheckedAt.IsZero() {
		t.Fatal("checked_at missing")
	}
}

func TestReportHandler_Healthy(t *testing.T) {
	h := ReportHandler(aggregator(map[string]bool{"postgres": true, "redis": true, "elasticsearch": true}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
