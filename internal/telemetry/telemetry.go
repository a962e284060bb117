// Package telemetry records overstory metrics through the OpenTelemetry
// API. Instruments are created lazily against the global MeterProvider,
// so everything here is a no-op until an embedding process installs an
// SDK provider. Recording never fails and never blocks the caller.
package telemetry

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/overstory-ai/overstory"

type instruments struct {
	spawnTotal     metric.Int64Counter
	mergeTotal     metric.Int64Counter
	nudgeTotal     metric.Int64Counter
	zombieTotal    metric.Int64Counter
	mailTotal      metric.Int64Counter
	busyRetryTotal metric.Int64Counter
	providerTotal  metric.Int64Counter
	providerHist   metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     instruments
)

func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterName)

		inst.spawnTotal, _ = m.Int64Counter("overstory.sling.spawns.total",
			metric.WithDescription("Agent spawn attempts"),
		)
		inst.mergeTotal, _ = m.Int64Counter("overstory.merge.outcomes.total",
			metric.WithDescription("Merge attempts by resolution tier and outcome"),
		)
		inst.nudgeTotal, _ = m.Int64Counter("overstory.watchdog.nudges.total",
			metric.WithDescription("Nudge markers written for stalled agents"),
		)
		inst.zombieTotal, _ = m.Int64Counter("overstory.watchdog.zombies.total",
			metric.WithDescription("Sessions transitioned to zombie"),
		)
		inst.mailTotal, _ = m.Int64Counter("overstory.mail.messages.total",
			metric.WithDescription("Mail messages delivered"),
		)
		inst.busyRetryTotal, _ = m.Int64Counter("overstory.store.busy_retries.total",
			metric.WithDescription("Store writes retried after writer contention"),
		)
		inst.providerTotal, _ = m.Int64Counter("overstory.provider.calls.total",
			metric.WithDescription("One-shot AI provider invocations"),
		)
		inst.providerHist, _ = m.Float64Histogram("overstory.provider.duration_ms",
			metric.WithDescription("AI provider invocation round trip in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSpawn counts one scheduler admission attempt.
func RecordSpawn(ctx context.Context, capability string, err error) {
	initInstruments()
	inst.spawnTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("status", statusStr(err)),
	))
}

// RecordMerge counts one merge attempt. tier is the resolution tier
// that decided the entry; outcome is the terminal queue status.
func RecordMerge(ctx context.Context, tier, outcome string) {
	initInstruments()
	inst.mergeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
}

// RecordNudge counts one watchdog nudge marker at its escalation level.
func RecordNudge(ctx context.Context, level int) {
	initInstruments()
	inst.nudgeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", strconv.Itoa(level)),
	))
}

// RecordZombie counts one zombie transition with its session_end reason.
func RecordZombie(ctx context.Context, reason string) {
	initInstruments()
	inst.zombieTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordMail counts one delivered message by protocol type.
func RecordMail(ctx context.Context, msgType string, err error) {
	initInstruments()
	inst.mailTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("status", statusStr(err)),
	))
}

// RecordBusyRetry counts one store write retried after contention.
func RecordBusyRetry(ctx context.Context, db string) {
	initInstruments()
	inst.busyRetryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("db", db),
	))
}

// RecordProviderCall counts one AI invocation and its latency.
func RecordProviderCall(ctx context.Context, model string, durationMs float64, err error) {
	initInstruments()
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", statusStr(err)),
	)
	inst.providerTotal.Add(ctx, 1, attrs)
	inst.providerHist.Record(ctx, durationMs, attrs)
}
