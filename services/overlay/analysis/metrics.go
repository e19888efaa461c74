// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("overlaysync.analysis")
	meter  = otel.Meter("overlaysync.analysis")
)

// instruments holds the analysis traffic metrics. They are created on first
// use so a provider installed by telemetry.Init is picked up.
type instruments struct {
	latency       metric.Float64Histogram
	requests      metric.Int64Counter
	overlays      metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
	notifications metric.Int64Counter
	spawns        metric.Int64Counter
}

var loadInstruments = sync.OnceValues(func() (*instruments, error) {
	var (
		in   instruments
		errs [6]error
	)
	in.latency, errs[0] = meter.Float64Histogram("analysis_request_duration_seconds",
		metric.WithDescription("Duration of analysis server requests"), metric.WithUnit("s"))
	in.requests, errs[1] = meter.Int64Counter("analysis_request_total",
		metric.WithDescription("Analysis server requests by method and outcome"))
	in.overlays, errs[2] = meter.Int64Counter("analysis_overlays_total",
		metric.WithDescription("Overlays submitted by kind"))
	in.queueDepth, errs[3] = meter.Int64UpDownCounter("analysis_queue_depth",
		metric.WithDescription("Requests waiting in the ordered submission queue"))
	in.notifications, errs[4] = meter.Int64Counter("analysis_notifications_total",
		metric.WithDescription("Notifications received from the analysis server"))
	in.spawns, errs[5] = meter.Int64Counter("analysis_server_spawns_total",
		metric.WithDescription("Analysis server process starts"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &in, nil
})

// startRequestSpan creates a span for one queued request.
func startRequestSpan(ctx context.Context, method string, seq uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Client."+method,
		trace.WithAttributes(
			attribute.String("analysis.method", method),
			attribute.Int64("analysis.seq", int64(seq)),
		),
	)
}

func recordRequest(ctx context.Context, method string, duration time.Duration, success bool) {
	in, err := loadInstruments()
	if err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	in.latency.Record(ctx, duration.Seconds(), attrs)
	in.requests.Add(ctx, 1, attrs)
}

func recordOverlays(ctx context.Context, files map[string]Overlay) {
	in, err := loadInstruments()
	if err != nil {
		return
	}
	for _, o := range files {
		in.overlays.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(o.Kind))))
	}
}

func recordQueueDelta(ctx context.Context, delta int64) {
	if in, err := loadInstruments(); err == nil {
		in.queueDepth.Add(ctx, delta)
	}
}

func recordNotification(ctx context.Context, method string) {
	if in, err := loadInstruments(); err == nil {
		in.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	}
}

func recordServerSpawn(ctx context.Context, success bool) {
	if in, err := loadInstruments(); err == nil {
		in.spawns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	}
}
