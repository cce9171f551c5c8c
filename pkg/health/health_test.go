package health_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scoutflo/homelab-mcp-server/pkg/health"
)

func TestReadinessHandler_ReflectsSetReady(t *testing.T) {
	hc := health.NewHealthChecker()
	srv := httptest.NewServer(hc.ReadinessHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before SetReady(true), got %d", resp.StatusCode)
	}

	hc.SetReady(true)
	resp2, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after SetReady(true), got %d", resp2.StatusCode)
	}
}

func TestLivenessHandler_AlwaysOK(t *testing.T) {
	hc := health.NewHealthChecker()
	srv := httptest.NewServer(hc.LivenessHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected liveness to always report 200, got %d", resp.StatusCode)
	}
}

func TestAttachHealthEndpoints_RegistersBothPaths(t *testing.T) {
	hc := health.NewHealthChecker()
	mux := http.NewServeMux()
	health.AttachHealthEndpoints(mux, hc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			t.Errorf("expected %s to be registered", path)
		}
	}
}
