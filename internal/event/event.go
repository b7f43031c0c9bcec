//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package event defines the structured records the emulator emits
// for every protocol transition and injected failure.
// The emulator only produces them; storing and querying them belongs to sinks.
package event

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	ReaderInitialized    = Kind("reader-initialized")
	TagDetected          = Kind("tag-detected")
	TagRead              = Kind("tag-read")
	TagWritten           = Kind("tag-written")
	InventoryStarted     = Kind("inventory-started")
	InventoryCompleted   = Kind("inventory-completed")
	Error                = Kind("error")
	ConfigurationChanged = Kind("configuration-changed")
	NetworkDelay         = Kind("network-delay")
	ProtocolMessage      = Kind("protocol-message")
)

// Kinds lists every Kind.
var Kinds = []Kind{
	ReaderInitialized, TagDetected, TagRead, TagWritten,
	InventoryStarted, InventoryCompleted, Error,
	ConfigurationChanged, NetworkDelay, ProtocolMessage,
}

// Event is a flat record; fields that don't apply to a Kind are left zero.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	Reader string `json:"reader,omitempty"`
	Vendor string `json:"vendor,omitempty"`

	EPC     string  `json:"epc,omitempty"`
	TagID   string  `json:"tag_id,omitempty"`
	Antenna uint16  `json:"antenna,omitempty"`
	RSSI    float64 `json:"rssi,omitempty"`
	Bytes   int     `json:"bytes,omitempty"`

	Operation string        `json:"operation,omitempty"`
	Command   string        `json:"command,omitempty"`
	Seq       uint32        `json:"seq,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Setting   string        `json:"setting,omitempty"`
	TagsFound int           `json:"tags_found,omitempty"`
	Collision bool          `json:"collision,omitempty"`

	Err      string `json:"error,omitempty"`
	Injected bool   `json:"injected,omitempty"`
}

// New returns an Event of the given Kind with a fresh ID.
func New(kind Kind, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Time: at}
}

// Sink receives events. Emit must not block for long,
// as it is called inline with reader operations.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks, in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Tagged wraps a Sink, filling in Reader and Vendor on events that lack them.
func Tagged(s Sink, reader, vendor string) Sink {
	return SinkFunc(func(e Event) {
		if e.Reader == "" {
			e.Reader = reader
		}
		if e.Vendor == "" {
			e.Vendor = vendor
		}
		s.Emit(e)
	})
}
