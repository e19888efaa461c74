// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK       = "ok"
	resultInvalid  = "invalid"
	resultRejected = "rejected"
	resultError    = "error"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "overlaysync",
		Subsystem: "bridge",
		Name:      "messages_total",
		Help:      "Editor messages handled, by type and result.",
	}, []string{"type", "result"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "overlaysync",
		Subsystem: "bridge",
		Name:      "active_sessions",
		Help:      "Connected editor sessions.",
	})
)

func recordMessage(msgType, result string) {
	switch msgType {
	case TypeOpen, TypeChange, TypeClose, TypeFolding:
	default:
		msgType = "unknown"
	}
	messagesTotal.WithLabelValues(msgType, result).Inc()
}
