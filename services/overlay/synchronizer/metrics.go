// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synchronizer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	eventOpen   = "open"
	eventChange = "change"
	eventClose  = "close"

	outcomeAdd      = "add"
	outcomeChange   = "change"
	outcomeRemove   = "remove"
	outcomeFallback = "full_resend"
	outcomeEmpty    = "empty"
	outcomeFiltered = "filtered"
	outcomeDropped  = "dropped"
)

var meter = otel.Meter("overlaysync.synchronizer")

var (
	eventTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		eventTotal, metricsErr = meter.Int64Counter(
			"synchronizer_events_total",
			metric.WithDescription("Editor events handled by outcome"),
		)
	})
	return metricsErr
}

func recordEvent(event, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	eventTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}
