//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package simulator models the air interface between readers and a tag population:
// which tags answer an inventory round, how strongly, whether a read or write
// goes through, and how long it all takes.
//
// It is not RF physics. Detection probability rises linearly from zero
// at the reader's sensitivity floor to a configured ceiling at a "strong" signal,
// and every random decision draws from one injectable source,
// so a fixed seed reproduces a scenario exactly.
package simulator

import (
	"encoding/hex"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"github.com/pkg/errors"
)

var (
	ErrTagNotFound  = errors.New("tag not found")
	ErrDuplicateTag = errors.New("tag already present")
	ErrReadFailure  = errors.New("read failure")
	ErrWriteFailure = errors.New("write failure")
	ErrCollision    = errors.New("collision occurred")
)

// IsTransient is true for failures a caller may simply retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrReadFailure) || errors.Is(err, ErrWriteFailure) ||
		errors.Is(err, ErrCollision)
}

// Latency is a delay of Base plus a uniformly distributed [0, Jitter).
type Latency struct {
	Base   time.Duration
	Jitter time.Duration
}

// Config holds the population-wide model parameters.
type Config struct {
	// BaseDetection is the probability a tag with a strong signal answers a round.
	BaseDetection float64
	// ReferencePower is the transmit power, in dBm, at which a tag's BaseRSSI is measured.
	ReferencePower float64
	// Sensitivity is the RSSI, in dBm, below which tags are never detected.
	Sensitivity float64
	// StrongSignal is the RSSI, in dBm, at or above which detection reaches BaseDetection.
	StrongSignal float64
	// RSSIJitter is the maximum deviation, in dB, added to each reported RSSI.
	RSSIJitter float64
	// AntiCollisionSlots is the number of slots in one inventory round.
	// Zero means every visible tag is singulated.
	AntiCollisionSlots int
	// RSSIWindow is the number of reported RSSI values averaged per tag.
	RSSIWindow int

	ScanDelay  Latency
	ReadDelay  Latency
	WriteDelay Latency
}

// DefaultConfig returns parameters that make a tag at the default -60 dBm
// reliably visible at 30 dBm, with a few milliseconds of air time per operation.
func DefaultConfig() Config {
	return Config{
		BaseDetection:  0.98,
		ReferencePower: 30,
		Sensitivity:    -85,
		StrongSignal:   -60,
		RSSIJitter:     2,
		RSSIWindow:     8,
		ScanDelay:      Latency{Base: 5 * time.Millisecond, Jitter: 5 * time.Millisecond},
		ReadDelay:      Latency{Base: 10 * time.Millisecond, Jitter: 5 * time.Millisecond},
		WriteDelay:     Latency{Base: 50 * time.Millisecond, Jitter: 20 * time.Millisecond},
	}
}

// DefaultRSSI is the base RSSI of a TagSpec that doesn't set one.
const DefaultRSSI = -60.0

// TagSpec describes a tag to add to the population.
type TagSpec struct {
	TagID    string  `json:"tag_id"`
	EPC      string  `json:"epc"`
	Memory   []byte  `json:"memory,omitempty"`
	Antenna  uint16  `json:"antenna"`
	BaseRSSI float64 `json:"base_rssi"`

	ReadFailureRate  float64 `json:"read_failure_rate,omitempty"`
	WriteFailureRate float64 `json:"write_failure_rate,omitempty"`
}

// TagState is a snapshot of a tag's simulated state.
type TagState struct {
	TagSpec
	Visible   bool    `json:"visible"`
	MeanRSSI  float64 `json:"mean_rssi"`
	ReadCount uint64  `json:"read_count"`
	Reads     uint64  `json:"reads"`
	Writes    uint64  `json:"writes"`
}

// entry is one tag in the arena. Its mutex serializes memory access,
// so concurrent readers never lose a read count update
// or observe a half-written image.
type entry struct {
	mu      sync.Mutex
	spec    TagSpec
	visible bool
	rssi    *rssiWindow
	reads   uint64
	writes  uint64
}

// Sighting is one tag singulated during an inventory round.
type Sighting struct {
	TagID    string    `json:"tag_id"`
	EPC      string    `json:"epc"`
	Antenna  uint16    `json:"antenna"`
	RSSI     float64   `json:"rssi"`
	MeanRSSI float64   `json:"mean_rssi"`
	SeenAt   time.Time `json:"seen_at"`
}

// ScanResult is the outcome of one inventory round.
type ScanResult struct {
	Sightings []Sighting `json:"sightings"`
	// Visible is the number of tags that answered, singulated or not.
	Visible int `json:"visible"`
	// Collision is set when more tags answered than there were slots;
	// Unresolved of them collided and are missing from Sightings.
	Collision  bool `json:"collision"`
	Unresolved int  `json:"unresolved"`
}

// Err returns an ErrCollision describing the round, or nil.
func (sr ScanResult) Err() error {
	if !sr.Collision {
		return nil
	}
	return errors.Wrapf(ErrCollision, "%d of %d tags unresolved", sr.Unresolved, sr.Visible)
}

// Air is what a reader sees of the simulated population.
type Air interface {
	Scan(antennas []uint16, powerDBm float64) (ScanResult, error)
	ReadMemory(tagID string) ([]byte, error)
	WriteMemory(tagID string, raw []byte) error
	// Identify returns the EPC of a tag, without any air time.
	Identify(tagID string) (epc string, err error)
}

// Simulator owns a tag population. It is safe for concurrent use.
type Simulator struct {
	cfg   Config
	clock clock.Clock
	sink  event.Sink

	rngMu sync.Mutex
	rng   *rand.Rand

	mu   sync.RWMutex
	tags map[string]*entry
}

type Option func(*Simulator)

// WithSeed makes every random decision reproducible.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithRand supplies the random source directly.
// The Simulator serializes access to it.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

func WithClock(c clock.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithSink sets where network-delay and injected-failure events go.
func WithSink(sink event.Sink) Option {
	return func(s *Simulator) { s.sink = sink }
}

func New(cfg Config, opts ...Option) *Simulator {
	if cfg.RSSIWindow <= 0 {
		cfg.RSSIWindow = 1
	}
	if cfg.StrongSignal <= cfg.Sensitivity {
		cfg.StrongSignal = cfg.Sensitivity + 1
	}

	s := &Simulator{
		cfg:   cfg,
		clock: clock.Real(),
		sink:  event.Discard,
		tags:  map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

func (s *Simulator) Config() Config {
	return s.cfg
}

// AddTag adds a tag to the population.
func (s *Simulator) AddTag(spec TagSpec) error {
	if spec.TagID == "" {
		return errors.New("tag id is required")
	}
	if _, err := hex.DecodeString(spec.EPC); err != nil || spec.EPC == "" {
		return errors.Errorf("tag %q: EPC must be an even-length hex string, got %q",
			spec.TagID, spec.EPC)
	}
	if spec.BaseRSSI == 0 {
		spec.BaseRSSI = DefaultRSSI
	}
	spec.Memory = append([]byte(nil), spec.Memory...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[spec.TagID]; ok {
		return errors.Wrapf(ErrDuplicateTag, "tag %q", spec.TagID)
	}
	s.tags[spec.TagID] = &entry{spec: spec, rssi: newRSSIWindow(s.cfg.RSSIWindow)}
	return nil
}

// Identify returns the EPC of a tag.
func (s *Simulator) Identify(tagID string) (string, error) {
	e, err := s.lookup(tagID)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec.EPC, nil
}

// RemoveTag removes a tag, if present.
func (s *Simulator) RemoveTag(tagID string) {
	s.mu.Lock()
	delete(s.tags, tagID)
	s.mu.Unlock()
}

func (s *Simulator) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

func (s *Simulator) lookup(tagID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tags[tagID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrTagNotFound, "tag %q", tagID)
	}
	return e, nil
}

// sorted returns the entries ordered by tag id,
// which keeps random draws reproducible for a given seed.
func (s *Simulator) sorted() []*entry {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tags))
	for id := range s.tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = s.tags[id]
	}
	s.mu.RUnlock()
	return entries
}

// Tag returns a snapshot of a tag's state.
func (s *Simulator) Tag(tagID string) (TagState, error) {
	e, err := s.lookup(tagID)
	if err != nil {
		return TagState{}, err
	}
	return e.snapshot(), nil
}

// Tags returns snapshots of every tag, ordered by id.
func (s *Simulator) Tags() []TagState {
	entries := s.sorted()
	states := make([]TagState, len(entries))
	for i, e := range entries {
		states[i] = e.snapshot()
	}
	return states
}

func (e *entry) snapshot() TagState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := TagState{
		TagSpec:  e.spec,
		Visible:  e.visible,
		MeanRSSI: e.rssi.mean(),
		Reads:    e.reads,
		Writes:   e.writes,
	}
	st.Memory = append([]byte(nil), e.spec.Memory...)
	if n, err := tag.ReadCountOf(e.spec.Memory); err == nil {
		st.ReadCount = n
	}
	return st
}

// SetFailureRates changes a tag's injected read and write failure rates.
func (s *Simulator) SetFailureRates(tagID string, read, write float64) error {
	e, err := s.lookup(tagID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.spec.ReadFailureRate = read
	e.spec.WriteFailureRate = write
	e.mu.Unlock()
	return nil
}

// SetMemory overwrites a tag's memory directly, bypassing latency
// and failure injection. It's meant for staging tampered tags.
func (s *Simulator) SetMemory(tagID string, raw []byte) error {
	e, err := s.lookup(tagID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.spec.Memory = append([]byte(nil), raw...)
	e.mu.Unlock()
	return nil
}

// Move reassigns a tag to another antenna and base RSSI.
func (s *Simulator) Move(tagID string, antenna uint16, baseRSSI float64) error {
	e, err := s.lookup(tagID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.spec.Antenna = antenna
	e.spec.BaseRSSI = baseRSSI
	e.rssi.reset()
	e.mu.Unlock()
	return nil
}

func (s *Simulator) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) randIntn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Simulator) randInt63n(n int64) int64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int63n(n)
}

// roll returns true with probability rate.
func (s *Simulator) roll(rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return s.randFloat() < rate
}

// DetectionProbability is the chance a tag with the given RSSI answers a round.
func (s *Simulator) DetectionProbability(rssi float64) float64 {
	frac := (rssi - s.cfg.Sensitivity) / (s.cfg.StrongSignal - s.cfg.Sensitivity)
	return s.cfg.BaseDetection * math.Max(0, math.Min(1, frac))
}

// delay sleeps for a sample of l and reports it.
// Callers must not hold any arena or entry lock,
// so a slow operation on one tag never stalls another.
func (s *Simulator) delay(reader, op, tagID string, l Latency) {
	d := l.Base
	if l.Jitter > 0 {
		d += time.Duration(s.randInt63n(int64(l.Jitter)))
	}
	if d <= 0 {
		return
	}

	s.clock.Sleep(d)

	e := event.New(event.NetworkDelay, s.clock.Now())
	e.Reader = reader
	e.Operation = op
	e.TagID = tagID
	e.Duration = d
	s.sink.Emit(e)
}

func (s *Simulator) injected(reader, op string, en *entry, err error) {
	e := event.New(event.Error, s.clock.Now())
	e.Reader = reader
	e.Operation = op
	e.TagID = en.spec.TagID
	e.EPC = en.spec.EPC
	e.Err = err.Error()
	e.Injected = true
	s.sink.Emit(e)
}

func inSet(antennas []uint16, a uint16) bool {
	if len(antennas) == 0 {
		return true
	}
	for _, x := range antennas {
		if x == a {
			return true
		}
	}
	return false
}

// Scan runs one inventory round on the given antennas (all, if empty)
// at the given transmit power.
//
// Each tag on a listed antenna independently decides whether to answer.
// If more tags answer than there are anti-collision slots,
// each picks a slot at random and only tags alone in their slot are singulated;
// the result then reports the collision and how many tags went unresolved.
func (s *Simulator) Scan(antennas []uint16, powerDBm float64) (ScanResult, error) {
	return s.scan("", antennas, powerDBm)
}

type answer struct {
	e    *entry
	rssi float64
}

func (s *Simulator) scan(reader string, antennas []uint16, powerDBm float64) (ScanResult, error) {
	s.delay(reader, "scan", "", s.cfg.ScanDelay)

	var answered []answer
	for _, e := range s.sorted() {
		e.mu.Lock()
		if !inSet(antennas, e.spec.Antenna) {
			e.mu.Unlock()
			continue
		}

		eff := e.spec.BaseRSSI + (powerDBm - s.cfg.ReferencePower)
		e.visible = s.randFloat() < s.DetectionProbability(eff)
		if e.visible {
			jitter := (s.randFloat()*2 - 1) * s.cfg.RSSIJitter
			answered = append(answered, answer{e: e, rssi: math.Round((eff+jitter)*100) / 100})
		}
		e.mu.Unlock()
	}

	result := ScanResult{Visible: len(answered)}
	singulated := answered
	if slots := s.cfg.AntiCollisionSlots; slots > 0 && len(answered) > slots {
		picks := make([]int, len(answered))
		occupancy := make([]int, slots)
		for i := range answered {
			picks[i] = s.randIntn(slots)
			occupancy[picks[i]]++
		}

		singulated = nil
		for i, a := range answered {
			if occupancy[picks[i]] == 1 {
				singulated = append(singulated, a)
			}
		}
		result.Collision = true
		result.Unresolved = len(answered) - len(singulated)
	}

	now := s.clock.Now()
	result.Sightings = make([]Sighting, 0, len(singulated))
	for _, a := range singulated {
		a.e.mu.Lock()
		a.e.rssi.add(a.rssi)
		result.Sightings = append(result.Sightings, Sighting{
			TagID:    a.e.spec.TagID,
			EPC:      a.e.spec.EPC,
			Antenna:  a.e.spec.Antenna,
			RSSI:     a.rssi,
			MeanRSSI: math.Round(a.e.rssi.mean()*100) / 100,
			SeenAt:   now,
		})
		a.e.mu.Unlock()
	}

	return result, nil
}

// ReadMemory returns a copy of a tag's memory and increments its read count.
// An injected failure returns ErrReadFailure and leaves the tag untouched.
func (s *Simulator) ReadMemory(tagID string) ([]byte, error) {
	return s.readMemory("", tagID)
}

func (s *Simulator) readMemory(reader, tagID string) ([]byte, error) {
	e, err := s.lookup(tagID)
	if err != nil {
		return nil, err
	}

	s.delay(reader, "read", tagID, s.cfg.ReadDelay)

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.roll(e.spec.ReadFailureRate) {
		err := errors.Wrapf(ErrReadFailure, "tag %q did not respond", tagID)
		s.injected(reader, "read", e, err)
		return nil, err
	}

	// Memory that isn't a tag image at all has no read count to bump.
	_, _ = tag.IncrementReadCount(e.spec.Memory)
	e.reads++
	return append([]byte(nil), e.spec.Memory...), nil
}

// WriteMemory replaces a tag's memory.
// An injected failure returns ErrWriteFailure before memory is touched.
func (s *Simulator) WriteMemory(tagID string, raw []byte) error {
	return s.writeMemory("", tagID, raw)
}

func (s *Simulator) writeMemory(reader, tagID string, raw []byte) error {
	e, err := s.lookup(tagID)
	if err != nil {
		return err
	}

	s.delay(reader, "write", tagID, s.cfg.WriteDelay)

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.roll(e.spec.WriteFailureRate) {
		err := errors.Wrapf(ErrWriteFailure, "tag %q write not acknowledged", tagID)
		s.injected(reader, "write", e, err)
		return err
	}

	e.spec.Memory = append([]byte(nil), raw...)
	e.writes++
	return nil
}

// For returns a view of the population whose events are attributed to reader.
func (s *Simulator) For(reader string) Air {
	return &view{s: s, reader: reader}
}

type view struct {
	s      *Simulator
	reader string
}

func (v *view) Scan(antennas []uint16, powerDBm float64) (ScanResult, error) {
	return v.s.scan(v.reader, antennas, powerDBm)
}

func (v *view) ReadMemory(tagID string) ([]byte, error) {
	return v.s.readMemory(v.reader, tagID)
}

func (v *view) WriteMemory(tagID string, raw []byte) error {
	return v.s.writeMemory(v.reader, tagID, raw)
}

func (v *view) Identify(tagID string) (string, error) {
	return v.s.Identify(tagID)
}
