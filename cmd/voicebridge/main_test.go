package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge/config"
	bridgeserver "github.com/vango-go/voicebridge/pkg/bridge/server"
	"github.com/vango-go/voicebridge/pkg/bridge/tools"
)

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newServer: func(config.Config, *slog.Logger, *tools.Registry) *bridgeserver.Server {
			t.Fatalf("newServer should not be called when config load fails")
			return nil
		},
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if stderr.String() == "" {
		t.Fatalf("expected stderr output for startup error")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestRunBridge_StartsAndStopsOnSignal(t *testing.T) {
	t.Parallel()

	sigCh := make(chan chan<- os.Signal, 1)
	deps := bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				EngineAPIKey:        "sk-test",
				EngineSampleRate:    16000,
				MaxConcurrentCalls:  2,
				ToolDefaultTimeout:  time.Second,
				ReadHeaderTimeout:   time.Second,
				ShutdownGracePeriod: time.Second,
			}, nil
		},
		newServer: bridgeserver.New,
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) {
			sigCh <- c
		},
		signalStop: func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- runBridge(context.Background(), sink{}, deps) }()

	select {
	case c := <-sigCh:
		// Give ListenAndServe a beat before interrupting.
		time.Sleep(20 * time.Millisecond)
		c <- os.Interrupt
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel never registered")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runBridge error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runBridge did not stop after signal")
	}
}

type sink struct{}

func (sink) Write(p []byte) (int, error) { return len(p), nil }
