//
// Copyright (C) 2020, 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package sampleguardapp is the HTTP control surface over a group of emulated readers.
package sampleguardapp

import (
	"context"
	"net/http"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/audit"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/reader"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// App routes requests to the readers of a Group.
type App struct {
	lc       logger.LoggingClient
	readers  *reader.Group
	sim      *simulator.Simulator
	history  *event.Recorder
	store    *audit.Store
	gatherer prometheus.Gatherer
	timeout  time.Duration
	router   *mux.Router
}

type Option func(*App)

// WithSimulator exposes the simulated tag population.
func WithSimulator(sim *simulator.Simulator) Option {
	return func(app *App) { app.sim = sim }
}

// WithHistory serves recent events from rec
// when there's no audit store to query.
func WithHistory(rec *event.Recorder) Option {
	return func(app *App) { app.history = rec }
}

// WithAuditStore serves events from s.
func WithAuditStore(s *audit.Store) Option {
	return func(app *App) { app.store = s }
}

// WithMetrics serves g on the metrics route.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(app *App) { app.gatherer = g }
}

// WithRequestTimeout bounds each reader operation.
// A reader whose operation overruns it must be initialized again.
func WithRequestTimeout(d time.Duration) Option {
	return func(app *App) { app.timeout = d }
}

func New(lc logger.LoggingClient, readers *reader.Group, opts ...Option) (*App, error) {
	app := &App{
		lc:      lc,
		readers: readers,
		timeout: defaultTimeout,
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.addRoutes(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *App) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	app.router.ServeHTTP(w, req)
}

// RunUntilCancelled serves HTTP on addr until ctx is cancelled,
// then waits for in-flight requests to finish.
func (app *App) RunUntilCancelled(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		app.lc.Info("Listening.", "address", addr)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.Wrapf(err, "failed to serve on %s", addr)
	case <-ctx.Done():
	}

	app.lc.Info("Shutting down HTTP server.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	if err := <-errs; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "HTTP server failed")
	}
	return nil
}
