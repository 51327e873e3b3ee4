package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResponseWriterCapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	rw.WriteHeader(http.StatusCreated)
	rw.Write([]byte("ok"))
	rw.Write([]byte("!!"))

	if rw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusCreated)
	}
	if rw.bytes != 4 {
		t.Errorf("bytes = %d, want 4", rw.bytes)
	}
}

func TestScrapePathDemotion(t *testing.T) {
	for path, want := range map[string]bool{
		"/health":          true,
		"/metrics":         true,
		"/api/status":      false,
		"/api/sources":     false,
		"/healthcheck-ish": false,
	} {
		if got := scrapePath(path); got != want {
			t.Errorf("scrapePath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestLoggerPassesThrough(t *testing.T) {
	h := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}
