package metrics

// An OpenTelemetry metrics bridge over the Provider interface. The
// instrument set is fixed and small, so there is no cardinality guard.

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewOTelProvider returns a Provider backed by an OTel MeterProvider under
// the "obsysd" meter name.
func NewOTelProvider() Provider {
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{mp: mp, meter: mp.Meter("obsysd")}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func (p *otelProvider) NewCounter(o CommonOpts) Counter {
	inst, err := p.meter.Float64Counter(fqName(o), metric.WithDescription(o.Help))
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{c: inst, labels: o.Labels}
}

func (p *otelProvider) NewGauge(o CommonOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(fqName(o), metric.WithDescription(o.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labels: o.Labels}
}

func (p *otelProvider) NewHistogram(o HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(fqName(o.CommonOpts), metric.WithDescription(o.Help))
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{h: inst, labels: o.Labels}
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

func attrs(labelKeys, values []string) []attribute.KeyValue {
	n := len(labelKeys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, n)
	for i := 0; i < n; i++ {
		out[i] = attribute.String(labelKeys[i], values[i])
	}
	return out
}

type otelCounter struct {
	c      metric.Float64Counter
	labels []string
}

func (c otelCounter) Inc(delta float64, values ...string) {
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrs(c.labels, values)...))
}

// otelGauge simulates Set semantics over an UpDownCounter by tracking the
// last value and applying the delta; OTel has no native synchronous gauge
// writer.
type otelGauge struct {
	g      metric.Float64UpDownCounter
	labels []string
	last   atomic.Value // float64
	mu     sync.Mutex
}

func (g *otelGauge) Set(v float64, values ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, _ := g.last.Load().(float64)
	g.g.Add(context.Background(), v-prev, metric.WithAttributes(attrs(g.labels, values)...))
	g.last.Store(v)
}

func (g *otelGauge) Add(delta float64, values ...string) {
	g.g.Add(context.Background(), delta, metric.WithAttributes(attrs(g.labels, values)...))
}

type otelHistogram struct {
	h      metric.Float64Histogram
	labels []string
}

func (h otelHistogram) Observe(v float64, values ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrs(h.labels, values)...))
}
