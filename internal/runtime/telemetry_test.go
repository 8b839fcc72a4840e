package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTelemetryServesNarratorMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Telemetry.LogLevel = "info"

	// a second setup must get its own registry
	for range 2 {
		shutdown, handler, err := setupTelemetry(cfg, logger)
		if err != nil {
			t.Fatalf("setup telemetry: %v", err)
		}
		if handler == nil {
			t.Fatalf("expected metrics handler")
		}

		counter, err := otel.Meter("narrator-test").Int64Counter("chunks_written")
		if err != nil {
			t.Fatalf("counter: %v", err)
		}
		counter.Add(context.Background(), 3)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body := rec.Body.String()
		if !strings.Contains(body, "narrator_chunks_written") {
			t.Fatalf("namespaced counter missing from scrape:\n%s", body)
		}
		if !strings.Contains(body, "go_goroutines") {
			t.Fatalf("go collector missing from scrape")
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

func TestSpanDestination(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{LogLevel: "info"}, "none"},
		{config.TelemetryConfig{LogLevel: "DEBUG"}, "stdout"},
		{config.TelemetryConfig{LogLevel: "debug", OTLPEndpoint: " collector:4317 "}, "otlp"},
	}
	for _, tc := range cases {
		if got := spanDestination(tc.cfg); got != tc.want {
			t.Fatalf("spanDestination(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}
