package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "campaignd/pkg/logx"
)

func newTestHandler(cfg Config, ready error) http.Handler {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "campaignd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	s := New(cfg, Sources{
		Gatherer: reg,
		Ready:    func(context.Context) error { return ready },
		Status:   func() any { return map[string]int{"running": 2} },
	}, logx.Nop())
	return s.Handler(cfg)
}

func get(t *testing.T, h http.Handler, path string, header ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestHandler(Config{Pprof: true}, nil)

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusOK, "ready"},
		{"/metrics", http.StatusOK, "campaignd_test_total 1"},
		{"/status", http.StatusOK, `"running":2`},
		{"/debug/pprof/", http.StatusOK, "goroutine"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			code, body := get(t, h, tc.path)
			if code != tc.code || !strings.Contains(body, tc.body) {
				t.Fatalf("GET %s = %d %q", tc.path, code, body)
			}
		})
	}
}

func TestPprofDisabled(t *testing.T) {
	t.Parallel()
	h := newTestHandler(Config{}, nil)
	if code, _ := get(t, h, "/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: got %d", code)
	}
}

func TestReadyFailure(t *testing.T) {
	t.Parallel()
	h := newTestHandler(Config{}, errors.New("store closed"))
	code, body := get(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "store closed") {
		t.Fatalf("readyz = %d %q", code, body)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := newTestHandler(Config{Token: "s3cret"}, nil)

	if code, _ := get(t, h, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", code)
	}
	if code, _ := get(t, h, "/metrics"); code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d", code)
	}
	if code, _ := get(t, h, "/metrics?token=wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", code)
	}
	if code, _ := get(t, h, "/metrics?token=s3cret"); code != http.StatusOK {
		t.Fatalf("query token: got %d", code)
	}
	if code, _ := get(t, h, "/status", "Authorization", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token: got %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"bogus":          false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
