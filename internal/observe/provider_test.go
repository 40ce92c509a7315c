package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExposesMetrics(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	p, err := InitProvider(context.Background(), ProviderConfig{Registry: reg, ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSessionOpened(context.Background(), "tcp")

	srv := httptest.NewServer(MetricsHandler(p.Registry))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"repemul_sessions_opened",
		"go_goroutines",
		`service_name="repemul"`,
		`service_version="1.2.3"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestProvider_ShutdownIdempotentErrorsJoined(t *testing.T) {
	p := &Provider{shutdownFuncs: []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return io.ErrClosedPipe },
	}}
	if err := p.Shutdown(context.Background()); err == nil {
		t.Fatal("Shutdown returned nil, want joined error")
	}
}
