package mcpconn

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/MegaGrindStone/go-mcpconn"

// Metrics holds the connection core's metric instruments.
type Metrics struct {
	SessionsReady     metric.Int64UpDownCounter
	StateTransitions  metric.Int64Counter
	ReconnectAttempts metric.Int64Counter
	RPCCalls          metric.Int64Counter
	RPCDuration       metric.Float64Histogram
	SamplingRequests  metric.Int64Counter
	Elicitations      metric.Int64Counter
	MalformedFrames   metric.Int64Counter
}

// NewMetrics creates all metric instruments from provider. A nil provider means the global
// otel MeterProvider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	var meter metric.Meter
	if provider == nil {
		meter = otel.Meter(meterName)
	} else {
		meter = provider.Meter(meterName)
	}
	m := &Metrics{}
	var err error

	m.SessionsReady, err = meter.Int64UpDownCounter("mcpconn.sessions.ready",
		metric.WithDescription("Number of sessions in the ready state"))
	if err != nil {
		return nil, err
	}

	m.StateTransitions, err = meter.Int64Counter("mcpconn.session.transitions",
		metric.WithDescription("Number of session state transitions"))
	if err != nil {
		return nil, err
	}

	m.ReconnectAttempts, err = meter.Int64Counter("mcpconn.reconnect.attempts",
		metric.WithDescription("Number of supervisor reconnect attempts"))
	if err != nil {
		return nil, err
	}

	m.RPCCalls, err = meter.Int64Counter("mcpconn.rpc.calls",
		metric.WithDescription("Number of outbound JSON-RPC calls"))
	if err != nil {
		return nil, err
	}

	m.RPCDuration, err = meter.Float64Histogram("mcpconn.rpc.duration_seconds",
		metric.WithDescription("Outbound JSON-RPC call duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.SamplingRequests, err = meter.Int64Counter("mcpconn.sampling.requests",
		metric.WithDescription("Number of server-initiated sampling requests"))
	if err != nil {
		return nil, err
	}

	m.Elicitations, err = meter.Int64Counter("mcpconn.elicitation.requests",
		metric.WithDescription("Number of server-initiated elicitation requests"))
	if err != nil {
		return nil, err
	}

	m.MalformedFrames, err = meter.Int64Counter("mcpconn.frames.malformed",
		metric.WithDescription("Number of inbound frames dropped as malformed"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func noopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *Metrics) transition(server string, from, to State) {
	ctx := context.Background()
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	switch {
	case to == StateReady && from != StateReady:
		m.SessionsReady.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
	case from == StateReady && to != StateReady:
		m.SessionsReady.Add(ctx, -1, metric.WithAttributes(attribute.String("server", server)))
	}
}

func (m *Metrics) rpcCall(method string, start time.Time, err error) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome(err)),
	)
	ctx := context.Background()
	m.RPCCalls.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (m *Metrics) reconnect(server string, err error) {
	m.ReconnectAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) sampling(server string, err error) {
	m.SamplingRequests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) elicitation(server string, err error) {
	m.Elicitations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) malformed(server string) {
	m.MalformedFrames.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", server)))
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return "rpc_error"
	}
	return KindOf(err).String()
}
