package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics keeps counters for the /metrics endpoint and mirrors every
// increment to an OpenTelemetry counter of the same name.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	meter    metric.Meter
	otelCtrs map[string]metric.Int64Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]*atomic.Int64),
		meter:    otel.GetMeterProvider().Meter("donorgraph"),
		otelCtrs: make(map[string]metric.Int64Counter),
	}
}

func counterKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Inc adds n to the named counter. A nil *Metrics ignores the call.
func (m *Metrics) Inc(ctx context.Context, name string, labels map[string]string, n int64) {
	if m == nil {
		return
	}
	key := counterKey(name, labels)

	m.mu.RLock()
	c := m.counters[key]
	inst := m.otelCtrs[name]
	m.mu.RUnlock()
	if c == nil || inst == nil {
		m.mu.Lock()
		if c = m.counters[key]; c == nil {
			c = new(atomic.Int64)
			m.counters[key] = c
		}
		if inst = m.otelCtrs[name]; inst == nil {
			inst, _ = m.meter.Int64Counter(name)
			m.otelCtrs[name] = inst
		}
		m.mu.Unlock()
	}
	c.Add(n)

	if inst != nil {
		attrs := make([]attribute.KeyValue, 0, len(labels))
		for k, v := range labels {
			attrs = append(attrs, attribute.String(k, v))
		}
		inst.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// Value returns the current value of a counter, zero when unknown.
func (m *Metrics) Value(name string, labels map[string]string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.counters[counterKey(name, labels)]; c != nil {
		return c.Load()
	}
	return 0
}

// SnapshotLines returns "name{labels} value" lines sorted by key.
func (m *Metrics) SnapshotLines() []string {
	snap := m.SnapshotJSON()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s %d", k, snap[k]))
	}
	return lines
}

func (m *Metrics) SnapshotJSON() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.RLock()
	for k, v := range m.counters {
		out[k] = v.Load()
	}
	m.mu.RUnlock()
	return out
}
