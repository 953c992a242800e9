package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "taskpilot/pkg/logx"
)

func serve(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	var sick error
	s := New(Config{Token: "secret"}, Probes{Health: func(context.Context) error { return sick }}, logx.Nop())

	// Liveness stays reachable without the token.
	if rec := serve(t, s.Handler(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	sick = errors.New("registry unreachable")
	if rec := serve(t, s.Handler(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := New(Config{Token: "secret"}, Probes{Metrics: func(context.Context) (any, error) {
		return map[string]int{"pending": 3}, nil
	}}, logx.Nop())
	h := s.Handler()

	cases := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"no token", "/metrics", nil, http.StatusUnauthorized},
		{"wrong token", "/metrics", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"token prefix", "/metrics", map[string]string{"Authorization": "Bearer secre"}, http.StatusUnauthorized},
		{"token with suffix", "/metrics?token=secret2", nil, http.StatusUnauthorized},
		{"bearer", "/metrics", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"query", "/metrics?token=secret", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(t, h, http.MethodGet, tc.target, tc.hdr)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want != http.StatusOK {
				return
			}
			var body map[string]int
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["pending"] != 3 {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestMetricsErrorAndMissingProbe(t *testing.T) {
	t.Parallel()

	failing := New(Config{}, Probes{Metrics: func(context.Context) (any, error) {
		return nil, errors.New("boom")
	}}, logx.Nop())
	if rec := serve(t, failing.Handler(), http.MethodGet, "/metrics", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing probe status = %d", rec.Code)
	}

	bare := New(Config{}, Probes{}, logx.Nop())
	if rec := serve(t, bare.Handler(), http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing probe status = %d", rec.Code)
	}
}

func TestPprofIsOptIn(t *testing.T) {
	t.Parallel()

	off := New(Config{}, Probes{}, logx.Nop())
	if rec := serve(t, off.Handler(), http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without opt-in = %d", rec.Code)
	}
	on := New(Config{Pprof: true}, Probes{}, logx.Nop())
	if rec := serve(t, on.Handler(), http.MethodGet, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof with opt-in = %d", rec.Code)
	}
}

func waitAddr(t *testing.T, s *Service, want bool) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); (a != "") == want {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for addr (want bound=%v)", want)
	return ""
}

func TestReconfigureLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Probes{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitAddr(t, s, true)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	waitAddr(t, s, false)
	if s.Enabled() {
		t.Fatalf("service should report disabled")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Probes{}, logx.Nop())
	if err := s.serveOnce(context.Background()); !errors.Is(err, errInsecureBind) {
		t.Fatalf("err = %v, want errInsecureBind", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"localhost:80": true,
		":80":          false,
		"0.0.0.0:80":   false,
		"10.0.0.5:80":  false,
		"garbage":      false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
