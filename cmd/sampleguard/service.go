//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/app"
	"edgexfoundry-holding/sampleguard-rfid/internal/audit"
	"edgexfoundry-holding/sampleguard-rfid/internal/config"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/integrity"
	"edgexfoundry-holding/sampleguard-rfid/internal/metrics"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/reader"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"edgexfoundry-holding/sampleguard-rfid/internal/tagcrypt"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// defaultReaders stand in when the configuration names none.
var defaultReaders = []config.ReaderConfig{
	{Name: "impinj-1", Vendor: protocol.VendorImpinj},
	{Name: "zebra-1", Vendor: protocol.VendorZebra},
}

// service is everything main wires together.
type service struct {
	lc       logger.LoggingClient
	codec    *tag.Codec
	sim      *simulator.Simulator
	readers  *reader.Group
	history  *event.Recorder
	store    *audit.Store
	registry *prometheus.Registry
	app      *sampleguardapp.App
}

// newService builds the simulator, readers, and event sinks described by cfg,
// and adds extra tags to the population after the configured ones.
func newService(cfg *config.ServiceConfig, lc logger.LoggingClient, masterKey []byte, extra ...config.TagConfig) (*service, error) {
	svc := &service{lc: lc, history: event.NewRecorder(cfg.Service.EventHistory)}

	hashAlg, err := cfg.Service.Hash()
	if err != nil {
		return nil, err
	}
	key, err := tagcrypt.NewContext(masterKey, cfg.Service.KeyLabel, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive payload key")
	}
	lc.Info("Derived payload key.", "label", key.Label(), "fingerprint", key.Fingerprint())
	svc.codec = tag.NewCodec(key, tag.WithHashAlg(hashAlg))

	sinks := event.Multi{event.NewLogSink(lc), svc.history}
	if cfg.Audit.Enabled {
		if svc.store, err = audit.Open(cfg.Audit.Path, lc); err != nil {
			return nil, err
		}
		sinks = append(sinks, svc.store)
	}
	if cfg.Metrics.Enabled {
		svc.registry = prometheus.NewRegistry()
		svc.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		c, err := metrics.New(svc.registry)
		if err != nil {
			svc.Close()
			return nil, err
		}
		sinks = append(sinks, c)
	}

	seed := cfg.Service.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	lc.Info("Starting tag simulator.", "seed", seed)
	svc.sim = simulator.New(cfg.Simulator, simulator.WithSeed(seed), simulator.WithSink(sinks))

	for _, tc := range append(append([]config.TagConfig(nil), cfg.Tags...), extra...) {
		spec, err := tc.Spec(svc.codec)
		if err == nil {
			err = svc.sim.AddTag(spec)
		}
		if err != nil {
			svc.Close()
			return nil, errors.WithMessagef(err, "failed to add tag %q", tc.TagID)
		}
	}

	readerCfgs := cfg.Readers
	if len(readerCfgs) == 0 {
		lc.Info("No readers configured; using one of each vendor.")
		readerCfgs = defaultReaders
	}
	svc.readers = reader.NewGroup()
	policy := cfg.Integrity.Policy()
	for _, rc := range readerCfgs {
		r, err := newReader(rc, svc.sim, svc.codec, sinks, policy)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.readers.Add(r)
	}

	opts := []sampleguardapp.Option{
		sampleguardapp.WithSimulator(svc.sim),
		sampleguardapp.WithHistory(svc.history),
		sampleguardapp.WithRequestTimeout(cfg.Service.RequestTimeout),
	}
	if svc.store != nil {
		opts = append(opts, sampleguardapp.WithAuditStore(svc.store))
	}
	if svc.registry != nil {
		opts = append(opts, sampleguardapp.WithMetrics(svc.registry))
	}
	if svc.app, err = sampleguardapp.New(lc, svc.readers, opts...); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func newReader(rc config.ReaderConfig, sim *simulator.Simulator, codec *tag.Codec,
	sink event.Sink, policy integrity.Policy) (*reader.Reader, error) {
	d, err := reader.DialectFor(rc.Vendor)
	if err != nil {
		return nil, errors.WithMessagef(err, "reader %q", rc.Name)
	}

	params, err := reader.ValidateParams(rc.Name, d.Profile(), rc.Params(d.Profile().DefaultParams()))
	if err != nil {
		return nil, err
	}

	r := reader.New(rc.Name, d, sim.For(rc.Name), codec,
		reader.WithSink(sink),
		reader.WithPolicy(policy),
		reader.WithParams(params))
	if rc.Version != "" {
		r.Device().SetVersion(rc.Version)
	}
	return r, nil
}

// Close releases the audit store, if there is one.
func (svc *service) Close() {
	if svc.store == nil {
		return
	}
	if err := svc.store.Close(); err != nil {
		svc.lc.Error("Failed to close audit store.", "error", err)
	}
}
