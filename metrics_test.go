package mcpconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MegaGrindStone/go-mcpconn"
)

func newTestMetrics(t *testing.T) (*mcpconn.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	metrics, err := mcpconn.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return metrics, reader
}

// sumOf adds up the data points of the int64 counter name whose attributes include attrs.
func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has data %T, want an int64 sum", name, m.Data)
			}
		points:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestSessionMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	s := newTestSession(t, echoServerConfig("echo", "echo"), mcpconn.WithSessionMetrics(metrics))
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if got := sumOf(t, reader, "mcpconn.sessions.ready", attribute.String("server", "echo")); got != 1 {
		t.Errorf("got %d ready sessions, want 1", got)
	}

	if _, err := s.CallTool(ctx, mcpconn.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)}); err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	_, err := s.CallTool(ctx, mcpconn.CallToolParams{Name: "nope"})
	var rpcErr *mcpconn.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("got error %v, want a JSON-RPC error", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{
			name:  "mcpconn.session.transitions",
			attrs: []attribute.KeyValue{attribute.String("to", mcpconn.StateReady.String())},
			want:  1,
		},
		{
			name:  "mcpconn.session.transitions",
			attrs: []attribute.KeyValue{attribute.String("to", mcpconn.StateClosed.String())},
			want:  1,
		},
		{
			name:  "mcpconn.sessions.ready",
			attrs: []attribute.KeyValue{attribute.String("server", "echo")},
			want:  0,
		},
		{
			name:  "mcpconn.rpc.calls",
			attrs: []attribute.KeyValue{attribute.String("method", mcpconn.MethodInitialize), attribute.String("outcome", "ok")},
			want:  1,
		},
		{
			name:  "mcpconn.rpc.calls",
			attrs: []attribute.KeyValue{attribute.String("method", mcpconn.MethodToolsCall), attribute.String("outcome", "ok")},
			want:  1,
		},
		{
			name:  "mcpconn.rpc.calls",
			attrs: []attribute.KeyValue{attribute.String("method", mcpconn.MethodToolsCall), attribute.String("outcome", "rpc_error")},
			want:  1,
		},
	}
	for _, tt := range tests {
		if got := sumOf(t, reader, tt.name, tt.attrs...); got != tt.want {
			t.Errorf("%s %v: got %d, want %d", tt.name, tt.attrs, got, tt.want)
		}
	}
}

func TestReconnectMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	m := newTestManager(t, mcpconn.WithMetrics(metrics))

	cfg := httpServerConfig("down", closedServerURL())
	cfg.Retry = fastRetry
	if _, err := m.CreateSession(context.Background(), cfg); err == nil {
		t.Fatal("connecting to a closed server succeeded")
	}

	failures := runSupervisor(t, m, mcpconn.WithInterval(10*time.Millisecond))
	select {
	case <-failures:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor never gave up")
	}

	got := sumOf(t, reader, "mcpconn.reconnect.attempts",
		attribute.String("server", "down"),
		attribute.String("outcome", mcpconn.KindConnectionRefused.String()))
	if got != int64(fastRetry.MaxAttempts) {
		t.Errorf("got %d refused reconnects, want %d", got, fastRetry.MaxAttempts)
	}
	if got := sumOf(t, reader, "mcpconn.session.transitions", attribute.String("to", mcpconn.StateFailed.String())); got != 1 {
		t.Errorf("got %d transitions to failed, want 1", got)
	}
}
