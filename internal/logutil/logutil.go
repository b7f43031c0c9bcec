//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package logutil has helpers for the startup path,
// where most problems are logged and end the process.
package logutil

import (
	"os"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
)

const redacted = "<redacted>"

// LogWrap adds conditional logging to a LoggingClient.
type LogWrap struct {
	logger.LoggingClient
	exit func(code int)
}

func New(lc logger.LoggingClient) LogWrap {
	return LogWrap{LoggingClient: lc, exit: os.Exit}
}

type KeyValue struct {
	Key string
	Val interface{}
}

func KV(key string, val interface{}) KeyValue {
	return KeyValue{Key: key, Val: val}
}

// Secret logs that key has a value without logging the value.
func Secret(key string) KeyValue {
	return KeyValue{Key: key, Val: redacted}
}

func flatten(params []KeyValue) []interface{} {
	parts := make([]interface{}, 0, len(params)*2)
	for _, p := range params {
		parts = append(parts, p.Key, p.Val)
	}
	return parts
}

// ErrIf logs msg at Error if cond is true, and returns cond.
func (lgr LogWrap) ErrIf(cond bool, msg string, params ...KeyValue) bool {
	if cond {
		lgr.Error(msg, flatten(params)...)
	}
	return cond
}

// WarnIf logs msg at Warn if cond is true, and returns cond.
func (lgr LogWrap) WarnIf(cond bool, msg string, params ...KeyValue) bool {
	if cond {
		lgr.Warn(msg, flatten(params)...)
	}
	return cond
}

// ExitIf logs msg and exits with status 1 if cond is true.
func (lgr LogWrap) ExitIf(cond bool, msg string, params ...KeyValue) {
	if lgr.ErrIf(cond, msg, params...) {
		exit := lgr.exit
		if exit == nil {
			exit = os.Exit
		}
		exit(1)
	}
}

func (lgr LogWrap) ExitIfErr(err error, msg string, params ...KeyValue) {
	lgr.ExitIf(err != nil, msg, append(params, KV("error", err))...)
}
