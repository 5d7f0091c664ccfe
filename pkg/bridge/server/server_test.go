package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/config"
)

type sink struct{}

func (sink) Write(p []byte) (int, error) { return len(p), nil }

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		EngineAPIKey:       "sk-test",
		EngineSampleRate:   16000,
		MaxConcurrentCalls: 2,
	}
	logger := slog.New(slog.NewTextHandler(sink{}, nil))
	return New(cfg, logger, nil)
}

func TestHealthzOKUntilDraining(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	srv.SetDraining()
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMediaStreamRejectedWhileDraining(t *testing.T) {
	srv := testServer(t)
	srv.SetDraining()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media-stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}

func TestWaitCallsReturnsWhenIdle(t *testing.T) {
	srv := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if !srv.WaitCalls(ctx) {
		t.Fatal("WaitCalls should return true with no active calls")
	}
}
