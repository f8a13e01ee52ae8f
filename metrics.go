// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package simctl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_frames_received_total",
		Help: "Inbound frames by type discriminator.",
	}, []string{"type"})

	framesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simctl_binary_frames_skipped_total",
		Help: "Unexpected binary frames skipped by the receive loop.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_requests_total",
		Help: "Commands issued, by outcome.",
	}, []string{"outcome"})

	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_events_dispatched_total",
		Help: "Server-push events delivered to listeners, by kind.",
	}, []string{"event"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simctl_active_serial_streams",
		Help: "Background serial streams currently running.",
	})
)
