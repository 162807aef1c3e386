// Package metrics records engine events through the OpenTelemetry metric API.
// A Collector is built once at startup and injected into every component.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "tablechat"

// Collector receives engine events.
type Collector interface {
	SessionDetected(ctx context.Context, isNew bool)
	UsageIncremented(ctx context.Context)
	DeliveryFinished(ctx context.Context, channel, status string)
	FallbackTriggered(ctx context.Context, reason string)
	DeferredCached(ctx context.Context, coalesced bool)
	DeferredConsumed(ctx context.Context)
	FailOpen(ctx context.Context, op string)
	Duplicate(ctx context.Context)
	RateLimited(ctx context.Context, scope string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) SessionDetected(context.Context, bool) {}
func (Nop) UsageIncremented(context.Context) {}
func (Nop) DeliveryFinished(context.Context, string, string) {}
func (Nop) FallbackTriggered(context.Context, string) {}
func (Nop) DeferredCached(context.Context, bool) {}
func (Nop) DeferredConsumed(context.Context) {}
func (Nop) FailOpen(context.Context, string) {}
func (Nop) Duplicate(context.Context) {}
func (Nop) RateLimited(context.Context, string) {}

// OTel is a Collector backed by OpenTelemetry counters.
type OTel struct {
	sessions   metric.Int64Counter
	usage      metric.Int64Counter
	deliveries metric.Int64Counter
	fallbacks  metric.Int64Counter
	deferred   metric.Int64Counter
	consumed   metric.Int64Counter
	failOpen   metric.Int64Counter
	duplicates metric.Int64Counter
	limited    metric.Int64Counter
}

// NewOTel creates the engine instruments on a meter from provider.
func NewOTel(provider metric.MeterProvider) (*OTel, error) {
	if provider == nil {
		return nil, fmt.Errorf("metrics: meter provider must not be nil")
	}
	meter := provider.Meter(meterName)

	m := &OTel{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.sessions, "tablechat_sessions_detected_total", "Inbound messages by session outcome"},
		{&m.usage, "tablechat_usage_increments_total", "Monthly conversation counter increments"},
		{&m.deliveries, "tablechat_deliveries_total", "Outbound deliveries by channel and terminal status"},
		{&m.fallbacks, "tablechat_channel_fallbacks_total", "Free-form sends rerouted to templates"},
		{&m.deferred, "tablechat_deferred_cached_total", "Messages held for delivery after re-engagement"},
		{&m.consumed, "tablechat_deferred_consumed_total", "Deferred messages released to customers"},
		{&m.failOpen, "tablechat_fail_open_total", "Store outages absorbed by fail-open policy"},
		{&m.duplicates, "tablechat_inbound_duplicates_total", "Inbound events skipped as already processed"},
		{&m.limited, "tablechat_rate_limited_total", "Inbound events denied by rate limiting"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *OTel) SessionDetected(ctx context.Context, isNew bool) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("new", isNew)))
}

func (m *OTel) UsageIncremented(ctx context.Context) {
	if m == nil || m.usage == nil {
		return
	}
	m.usage.Add(ctx, 1)
}

func (m *OTel) DeliveryFinished(ctx context.Context, channel, status string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	))
}

func (m *OTel) FallbackTriggered(ctx context.Context, reason string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *OTel) DeferredCached(ctx context.Context, coalesced bool) {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.Add(ctx, 1, metric.WithAttributes(attribute.Bool("coalesced", coalesced)))
}

func (m *OTel) DeferredConsumed(ctx context.Context) {
	if m == nil || m.consumed == nil {
		return
	}
	m.consumed.Add(ctx, 1)
}

func (m *OTel) FailOpen(ctx context.Context, op string) {
	if m == nil || m.failOpen == nil {
		return
	}
	m.failOpen.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *OTel) Duplicate(ctx context.Context) {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

func (m *OTel) RateLimited(ctx context.Context, scope string) {
	if m == nil || m.limited == nil {
		return
	}
	m.limited.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}

var (
	_ Collector = Nop{}
	_ Collector = (*OTel)(nil)
)
