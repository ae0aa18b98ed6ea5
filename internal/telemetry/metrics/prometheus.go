package metrics

import (
	"context"
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider implements Provider over a Prometheus registry:
// fqname building plus lazily-created vecs guarded by one mutex.
type PrometheusProvider struct {
	reg        *prom.Registry
	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
}

// NewPrometheusProvider creates a provider backed by reg, or a fresh
// registry if reg is nil.
func NewPrometheusProvider(reg *prom.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
	}
}

// Registry exposes the underlying registry for an HTTP /metrics handler.
func (p *PrometheusProvider) Registry() *prom.Registry { return p.reg }

func fqName(c CommonOpts) string {
	fq := c.Name
	if c.Subsystem != "" {
		fq = c.Subsystem + "_" + fq
	}
	if c.Namespace != "" {
		fq = c.Namespace + "_" + fq
	}
	return fq
}

func (p *PrometheusProvider) NewCounter(o CommonOpts) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(o)
	v, ok := p.counters[name]
	if !ok {
		v = prom.NewCounterVec(prom.CounterOpts{Name: name, Help: o.Help}, o.Labels)
		p.reg.MustRegister(v)
		p.counters[name] = v
	}
	return promCounter{v}
}

func (p *PrometheusProvider) NewGauge(o CommonOpts) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(o)
	v, ok := p.gauges[name]
	if !ok {
		v = prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: o.Help}, o.Labels)
		p.reg.MustRegister(v)
		p.gauges[name] = v
	}
	return promGauge{v}
}

func (p *PrometheusProvider) NewHistogram(o HistogramOpts) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	name := fqName(o.CommonOpts)
	v, ok := p.histograms[name]
	if !ok {
		buckets := o.Buckets
		if buckets == nil {
			buckets = prom.DefBuckets
		}
		v = prom.NewHistogramVec(prom.HistogramOpts{Name: name, Help: o.Help, Buckets: buckets}, o.Labels)
		p.reg.MustRegister(v)
		p.histograms[name] = v
	}
	return promHistogram{v}
}

func (p *PrometheusProvider) Health(context.Context) error {
	if p.reg == nil {
		return fmt.Errorf("metrics: nil registry")
	}
	return nil
}

type promCounter struct{ v *prom.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) { c.v.WithLabelValues(labels...).Add(delta) }

type promGauge struct{ v *prom.GaugeVec }

func (g promGauge) Set(v float64, labels ...string) { g.v.WithLabelValues(labels...).Set(v) }
func (g promGauge) Add(v float64, labels ...string) { g.v.WithLabelValues(labels...).Add(v) }

type promHistogram struct{ v *prom.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) { h.v.WithLabelValues(labels...).Observe(v) }
