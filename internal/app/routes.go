//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package sampleguardapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/audit"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/integrity"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/reader"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes = 100 * 1024
	apiBase      = "/api/v1"

	readersRoute      = apiBase + "/readers"
	readerRoute       = readersRoute + "/{name}"
	capabilitiesRoute = readerRoute + "/capabilities"
	initializeRoute   = readerRoute + "/initialize"
	inventoryRoute    = readerRoute + "/inventory"
	readerTagRoute    = readerRoute + "/tags/{tag}"
	readerConfigRoute = readerRoute + "/config"
	initializeAll     = readersRoute + "/initialize"
	inventoryAll      = readersRoute + "/inventory"
	configAll         = readersRoute + "/config"
	tagsRoute         = apiBase + "/tags"
	eventsRoute       = apiBase + "/events"
	metricsRoute      = "/metrics"
)

var errEmptyBody = errors.New("request body is empty")

func (app *App) addRoutes() error {
	routes := []struct {
		path, method string
		f            http.HandlerFunc
	}{
		{readersRoute, http.MethodGet, app.getReaders},
		{initializeAll, http.MethodPost, app.initializeAll},
		{inventoryAll, http.MethodPost, app.scanAll},
		{configAll, http.MethodPut, app.configureAll},
		{capabilitiesRoute, http.MethodGet, app.getCapabilities},
		{initializeRoute, http.MethodPost, app.initialize},
		{inventoryRoute, http.MethodPost, app.scan},
		{readerTagRoute, http.MethodGet, app.readTag},
		{readerTagRoute, http.MethodPut, app.writeTag},
		{readerConfigRoute, http.MethodPut, app.configure},
		{tagsRoute, http.MethodGet, app.getTags},
		{eventsRoute, http.MethodGet, app.getEvents},
	}
	for _, r := range routes {
		if err := app.addRoute(r.path, r.method, r.f); err != nil {
			return err
		}
	}

	if app.gatherer != nil {
		h := promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{})
		if err := app.addRoute(metricsRoute, http.MethodGet, h.ServeHTTP); err != nil {
			return err
		}
	}
	return nil
}

func (app *App) addRoute(path, method string, f http.HandlerFunc) error {
	if err := app.router.HandleFunc(path, f).Methods(method).GetError(); err != nil {
		return errors.Wrapf(err, "failed to add route, path=%s, method=%s", path, method)
	}
	return nil
}

// statusOf maps a reader error to the status code that best describes it.
func statusOf(err error) int {
	switch {
	case errors.Is(err, reader.ErrUnsupportedConfiguration),
		errors.Is(err, protocol.ErrRejected),
		errors.Is(err, errEmptyBody):
		return http.StatusBadRequest
	case errors.Is(err, simulator.ErrTagNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, tag.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, reader.ErrContaminated):
		return http.StatusGatewayTimeout
	case simulator.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (app *App) fail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if status >= http.StatusInternalServerError {
		app.lc.Error(msg)
	} else {
		app.lc.Debug(msg)
	}
	http.Error(w, msg, status)
}

func (app *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		app.fail(w, http.StatusInternalServerError, "Failed to marshal response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		app.lc.Error("Error writing response.", "error", err)
	}
}

// readJSON decodes the request body into v.
// An empty body is only an error if required is set.
func readJSON(req *http.Request, v interface{}, required bool) error {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "failed to read request body")
	}
	if len(data) == 0 {
		if required {
			return errEmptyBody
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "invalid request body")
	}
	return nil
}

func (app *App) lookup(w http.ResponseWriter, req *http.Request) (*reader.Reader, bool) {
	name := mux.Vars(req)["name"]
	r, ok := app.readers.Get(name)
	if !ok {
		app.fail(w, http.StatusNotFound, "Unknown reader %q.", name)
	}
	return r, ok
}

// bounded runs op against r within the request timeout.
func (app *App) bounded(req *http.Request, r *reader.Reader, op func(*reader.Reader) error) error {
	ctx, cancel := app.deadline(req)
	defer cancel()
	return reader.Bounded(ctx, r, op)
}

// deadline bounds each reader in a group fan-out by the request timeout.
func (app *App) deadline(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), app.timeout)
}

type readerInfo struct {
	Name    string           `json:"name"`
	Vendor  protocol.Vendor  `json:"vendor"`
	Session protocol.Session `json:"session"`
}

func (app *App) getReaders(w http.ResponseWriter, _ *http.Request) {
	infos := []readerInfo{}
	for _, name := range app.readers.Names() {
		r, ok := app.readers.Get(name)
		if !ok {
			continue
		}
		infos = append(infos, readerInfo{Name: name, Vendor: r.Vendor(), Session: r.Session()})
	}
	app.writeJSON(w, http.StatusOK, infos)
}

func (app *App) getCapabilities(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	app.writeJSON(w, http.StatusOK, r.Capabilities())
}

func (app *App) initialize(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	if err := app.bounded(req, r, (*reader.Reader).Initialize); err != nil {
		app.fail(w, statusOf(err), "Failed to initialize %s: %v", r.Name(), err)
		return
	}
	app.lc.Info("Initialized reader.", "reader", r.Name())
	app.writeJSON(w, http.StatusOK, r.Session())
}

func (app *App) scan(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	var f protocol.Filter
	if err := readJSON(req, &f, false); err != nil {
		app.fail(w, http.StatusBadRequest, "Bad inventory filter: %v", err)
		return
	}

	var inv protocol.Inventory
	err := app.bounded(req, r, func(r *reader.Reader) (err error) {
		inv, err = r.ScanInventory(f)
		return err
	})
	if err != nil {
		app.fail(w, statusOf(err), "Inventory on %s failed: %v", r.Name(), err)
		return
	}
	app.writeJSON(w, http.StatusOK, inv)
}

type tagReadResponse struct {
	TagID     string            `json:"tag_id"`
	Digest    string            `json:"digest,omitempty"`
	ReadCount uint64            `json:"read_count"`
	Sample    *tag.SampleRecord `json:"sample,omitempty"`
	Valid     bool              `json:"valid"`
	Report    integrity.Report  `json:"report"`
	DecodeErr string            `json:"decode_error,omitempty"`
}

func (app *App) readTag(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	tagID := mux.Vars(req)["tag"]

	var tr reader.TagRead
	err := app.bounded(req, r, func(r *reader.Reader) (err error) {
		tr, err = r.ReadTag(tagID)
		// A tag that reads back but doesn't decode is still a result.
		if tr.DecodeErr != nil {
			return nil
		}
		return err
	})
	if err != nil {
		app.fail(w, statusOf(err), "Failed to read %s on %s: %v", tagID, r.Name(), err)
		return
	}

	resp := tagReadResponse{
		TagID:     tagID,
		ReadCount: tr.Report.ReadCount,
		Valid:     tr.Report.Valid(),
		Report:    tr.Report,
	}
	if tr.DecodeErr != nil {
		resp.DecodeErr = tr.DecodeErr.Error()
	} else {
		resp.Digest = tr.Digest.String()
		resp.Sample = &tr.Sample
	}
	app.writeJSON(w, http.StatusOK, resp)
}

type tagWriteResponse struct {
	TagID  string    `json:"tag_id"`
	Digest string    `json:"digest"`
	Bytes  int       `json:"bytes"`
	At     time.Time `json:"written_at"`
}

func (app *App) writeTag(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	tagID := mux.Vars(req)["tag"]

	var rec tag.SampleRecord
	if err := readJSON(req, &rec, true); err != nil {
		app.fail(w, http.StatusBadRequest, "Bad sample record: %v", err)
		return
	}
	if rec.SampleID == "" {
		app.fail(w, http.StatusBadRequest, "Sample record has no sample_id.")
		return
	}

	var l tag.Layout
	err := app.bounded(req, r, func(r *reader.Reader) (err error) {
		l, err = r.WriteTag(tagID, rec)
		return err
	})
	if err != nil {
		app.fail(w, statusOf(err), "Failed to write %s on %s: %v", tagID, r.Name(), err)
		return
	}

	app.lc.Info("Wrote sample to tag.", "reader", r.Name(), "tagID", tagID, "sampleID", rec.SampleID)
	app.writeJSON(w, http.StatusOK, tagWriteResponse{
		TagID:  tagID,
		Digest: l.Hash.String(),
		Bytes:  l.Size(),
		At:     l.WrittenAt(),
	})
}

func (app *App) configure(w http.ResponseWriter, req *http.Request) {
	r, ok := app.lookup(w, req)
	if !ok {
		return
	}
	var p protocol.Params
	if err := readJSON(req, &p, true); err != nil {
		app.fail(w, http.StatusBadRequest, "Bad reader parameters: %v", err)
		return
	}

	err := app.bounded(req, r, func(r *reader.Reader) error {
		return r.Configure(p)
	})
	if err != nil {
		app.fail(w, statusOf(err), "Failed to configure %s: %v", r.Name(), err)
		return
	}
	app.lc.Info("Configured reader.", "reader", r.Name())
	app.writeJSON(w, http.StatusOK, r.Session())
}

func (app *App) initializeAll(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := app.deadline(req)
	defer cancel()
	if err := app.readers.InitializeAll(ctx); err != nil {
		app.fail(w, statusOf(err), "Failed to initialize readers: %v", err)
		return
	}
	app.getReaders(w, nil)
}

func (app *App) scanAll(w http.ResponseWriter, req *http.Request) {
	var f protocol.Filter
	if err := readJSON(req, &f, false); err != nil {
		app.fail(w, http.StatusBadRequest, "Bad inventory filter: %v", err)
		return
	}
	ctx, cancel := app.deadline(req)
	defer cancel()
	invs, err := app.readers.ScanAll(ctx, f)
	if err != nil {
		// Partial results are still useful; the failures go in the log.
		app.lc.Warn("Some readers failed to scan.", "error", err)
	}
	app.writeJSON(w, http.StatusOK, invs)
}

func (app *App) configureAll(w http.ResponseWriter, req *http.Request) {
	var p protocol.Params
	if err := readJSON(req, &p, true); err != nil {
		app.fail(w, http.StatusBadRequest, "Bad reader parameters: %v", err)
		return
	}
	ctx, cancel := app.deadline(req)
	defer cancel()
	if err := app.readers.ConfigureAll(ctx, p); err != nil {
		app.fail(w, statusOf(err), "Failed to configure readers: %v", err)
		return
	}
	app.getReaders(w, nil)
}

func (app *App) getTags(w http.ResponseWriter, _ *http.Request) {
	if app.sim == nil {
		app.fail(w, http.StatusNotFound, "No tag population is attached.")
		return
	}
	app.writeJSON(w, http.StatusOK, app.sim.Tags())
}

func (app *App) getEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	f := audit.Filter{
		Kind:   event.Kind(q.Get("kind")),
		EPC:    q.Get("epc"),
		Reader: q.Get("reader"),
	}
	if f.Kind != "" && !knownKind(f.Kind) {
		app.fail(w, http.StatusBadRequest, "Unknown event kind %q.", f.Kind)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			app.fail(w, http.StatusBadRequest, "Bad limit %q.", s)
			return
		}
		f.Limit = n
	}

	switch {
	case app.store != nil:
		events, err := app.store.Query(f)
		if err != nil {
			app.fail(w, http.StatusInternalServerError, "Failed to query events: %v", err)
			return
		}
		app.writeJSON(w, http.StatusOK, events)
	case app.history != nil:
		app.writeJSON(w, http.StatusOK, recent(app.history, f))
	default:
		app.fail(w, http.StatusNotFound, "No event history is kept.")
	}
}

func knownKind(k event.Kind) bool {
	for _, known := range event.Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// recent applies f to the in-memory history.
func recent(rec *event.Recorder, f audit.Filter) []event.Event {
	events := rec.Filter(func(e event.Event) bool {
		return (f.Kind == "" || e.Kind == f.Kind) &&
			(f.EPC == "" || strings.EqualFold(e.EPC, f.EPC)) &&
			(f.Reader == "" || e.Reader == f.Reader)
	})
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[len(events)-f.Limit:]
	}
	if events == nil {
		events = []event.Event{}
	}
	return events
}
