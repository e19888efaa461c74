// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	tierHot  = "hot"
	tierWarm = "warm"
	tierMiss = "miss"
)

var meter = otel.Meter("overlaysync.artifact")

var (
	lookupTotal  metric.Int64Counter
	updatesTotal metric.Int64Counter
	trackedFiles metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		lookupTotal, err = meter.Int64Counter(
			"artifact_lookups_total",
			metric.WithDescription("Artifact cache lookups by serving tier"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		updatesTotal, err = meter.Int64Counter(
			"artifact_updates_total",
			metric.WithDescription("Folding notifications stored, by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		trackedFiles, err = meter.Int64UpDownCounter(
			"artifact_tracked_files",
			metric.WithDescription("Files with an active folding subscription"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLookup(ctx context.Context, tier string) {
	if err := initMetrics(); err != nil {
		return
	}
	lookupTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func recordUpdate(result string) {
	if err := initMetrics(); err != nil {
		return
	}
	updatesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func recordTracked(delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	trackedFiles.Add(context.Background(), delta)
}
