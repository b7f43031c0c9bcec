//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
)

// LogSink writes events to a LoggingClient.
// Failures are logged at Error, injected failures and chatty
// wire-level events at Debug or Trace, everything else at Info.
type LogSink struct {
	lc logger.LoggingClient
}

func NewLogSink(lc logger.LoggingClient) *LogSink {
	return &LogSink{lc: lc}
}

func (s *LogSink) Emit(e Event) {
	kv := []interface{}{"kind", string(e.Kind), "id", e.ID}
	add := func(k string, v interface{}, ok bool) {
		if ok {
			kv = append(kv, k, v)
		}
	}
	add("reader", e.Reader, e.Reader != "")
	add("vendor", e.Vendor, e.Vendor != "")
	add("epc", e.EPC, e.EPC != "")
	add("tagID", e.TagID, e.TagID != "")
	add("antenna", e.Antenna, e.Antenna != 0)
	add("rssi", e.RSSI, e.RSSI != 0)
	add("operation", e.Operation, e.Operation != "")
	add("command", e.Command, e.Command != "")
	add("seq", e.Seq, e.Seq != 0)
	add("duration", e.Duration.String(), e.Duration != 0)
	add("setting", e.Setting, e.Setting != "")
	add("tagsFound", e.TagsFound, e.Kind == InventoryCompleted)
	add("collision", e.Collision, e.Collision)
	add("error", e.Err, e.Err != "")
	add("injected", e.Injected, e.Injected)

	switch {
	case e.Kind == Error && e.Injected:
		s.lc.Debug("Injected failure.", kv...)
	case e.Kind == Error:
		s.lc.Error("Reader error.", kv...)
	case e.Kind == NetworkDelay || e.Kind == ProtocolMessage:
		s.lc.Trace("Reader event.", kv...)
	case e.Kind == TagDetected:
		s.lc.Debug("Reader event.", kv...)
	default:
		s.lc.Info("Reader event.", kv...)
	}
}
