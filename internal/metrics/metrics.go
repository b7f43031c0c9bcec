//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics turns reader events into Prometheus metrics.
package metrics

import (
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sampleguard"

// Collector is an event.Sink that counts and times what readers do.
type Collector struct {
	events        *prometheus.CounterVec
	injected      *prometheus.CounterVec
	roundTrip     *prometheus.HistogramVec
	inventorySize prometheus.Histogram
	collisions    *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "events_total",
				Help:      "Reader events, by kind and vendor.",
			},
			[]string{"kind", "vendor"},
		),
		injected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "injected_failures_total",
				Help:      "Failures injected by the tag simulator, by operation.",
			},
			[]string{"operation"},
		),
		roundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "protocol",
				Name:      "round_trip_seconds",
				Help:      "Command round trip time, by vendor and command.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
			},
			[]string{"vendor", "command"},
		),
		inventorySize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "inventory_tags",
				Help:      "Tags reported per inventory.",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
			},
		),
		collisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reader",
				Name:      "inventory_collisions_total",
				Help:      "Inventories that left tags unresolved, by reader.",
			},
			[]string{"reader"},
		),
	}

	for _, m := range []prometheus.Collector{c.events, c.injected, c.roundTrip, c.inventorySize, c.collisions} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "failed to register metrics")
		}
	}
	return c, nil
}

func (c *Collector) Emit(e event.Event) {
	c.events.WithLabelValues(string(e.Kind), e.Vendor).Inc()

	switch e.Kind {
	case event.Error:
		if e.Injected {
			c.injected.WithLabelValues(e.Operation).Inc()
		}
	case event.ProtocolMessage:
		c.roundTrip.WithLabelValues(e.Vendor, e.Command).Observe(e.Duration.Seconds())
	case event.InventoryCompleted:
		c.inventorySize.Observe(float64(e.TagsFound))
		if e.Collision {
			c.collisions.WithLabelValues(e.Reader).Inc()
		}
	}
}
