//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package reader is the vendor-neutral face of an emulated RFID reader.
//
// A Reader owns one protocol session and the emulated firmware at the other end of it.
// Reads come back decoded and validated;
// writes are encoded and sealed before they go on the air.
package reader

import (
	"fmt"
	"sync"
	"sync/atomic"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/integrity"
	"edgexfoundry-holding/sampleguard-rfid/internal/llrp"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"edgexfoundry-holding/sampleguard-rfid/internal/zebra"
	"github.com/pkg/errors"
)

var (
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrContaminated is the reason recorded on a session
	// whose operation outlived its caller's deadline.
	ErrContaminated = errors.New("operation outlived its deadline")
)

// DialectFor returns the wire dialect of a vendor's readers.
func DialectFor(v protocol.Vendor) (protocol.Dialect, error) {
	switch v {
	case protocol.VendorImpinj:
		return llrp.NewDialect(), nil
	case protocol.VendorZebra:
		return zebra.NewDialect(), nil
	}
	return nil, errors.Errorf("no dialect for vendor %d", int(v))
}

// Capabilities describe what a reader can be asked to do.
type Capabilities struct {
	Vendor          protocol.Vendor       `json:"vendor"`
	Model           string                `json:"model"`
	FirmwareVersion string                `json:"firmware_version"`
	ProtocolName    string                `json:"protocol_name"`
	ProtocolVersion string                `json:"protocol_version"`
	FrequencyBand   string                `json:"frequency_band"`
	MemoryBanks     []protocol.MemoryBank `json:"memory_banks"`
	AntennaCount    uint16                `json:"antenna_count"`
	ReadRange       string                `json:"read_range"`
	MaxUserMemory   int                   `json:"max_user_memory"`
	PowerTable      []float64             `json:"power_table"`
}

// TagRead is everything learned from reading one tag.
type TagRead struct {
	TagID  string
	Layout tag.Layout
	// Sample is only meaningful when DecodeErr is nil.
	Sample tag.SampleRecord
	Digest tag.Digest
	Report integrity.Report
	// DecodeErr is why the payload could not be decoded, if it couldn't.
	DecodeErr error
}

// Reader serializes access to one emulated reader.
// It is safe for concurrent use.
type Reader struct {
	name      string
	dialect   protocol.Dialect
	device    *protocol.Device
	codec     *tag.Codec
	validator *integrity.Validator
	policy    integrity.Policy
	sink      event.Sink
	clock     clock.Clock

	// tainted is set when a bounded operation overruns,
	// and is cleared by the next holder of mu, which fails the session.
	tainted atomic.Bool

	mu     sync.Mutex
	engine *protocol.Engine
}

type Option func(*options)

type options struct {
	clock     clock.Clock
	sink      event.Sink
	params    *protocol.Params
	validator *integrity.Validator
	policy    integrity.Policy
	transport func(*protocol.Device) protocol.Transport
}

// WithClock sets the clock used by the session and the default validator.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSink sends the reader's events to s.
func WithSink(s event.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithParams sets the parameters pushed during Initialize.
func WithParams(p protocol.Params) Option {
	return func(o *options) { o.params = &p }
}

func WithValidator(v *integrity.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithPolicy sets the policy ReadTag validates with.
func WithPolicy(p integrity.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithTransport wraps the path between session and firmware,
// which by default is a direct call.
func WithTransport(wrap func(*protocol.Device) protocol.Transport) Option {
	return func(o *options) { o.transport = wrap }
}

// New returns a Disconnected Reader speaking d
// to emulated firmware that sees the population through air.
func New(name string, d protocol.Dialect, air simulator.Air, codec *tag.Codec, opts ...Option) *Reader {
	o := options{
		clock:  clock.Real(),
		sink:   event.Discard,
		policy: integrity.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.validator == nil {
		o.validator = integrity.NewValidator(o.clock)
	}

	dev := protocol.NewDevice(d, air)
	var t protocol.Transport = dev
	if o.transport != nil {
		t = o.transport(dev)
	}

	engOpts := []protocol.EngineOption{
		protocol.WithEngineClock(o.clock),
		protocol.WithEngineSink(o.sink),
	}
	if o.params != nil {
		engOpts = append(engOpts, protocol.WithParams(*o.params))
	}

	return &Reader{
		name:      name,
		dialect:   d,
		device:    dev,
		codec:     codec,
		validator: o.validator,
		policy:    o.policy,
		sink:      o.sink,
		clock:     o.clock,
		engine:    protocol.NewEngine(name, d, t, engOpts...),
	}
}

// NewForVendor is New with the vendor's dialect,
// on a view of sim attributed to this reader.
func NewForVendor(name string, v protocol.Vendor, sim *simulator.Simulator, codec *tag.Codec, opts ...Option) (*Reader, error) {
	d, err := DialectFor(v)
	if err != nil {
		return nil, err
	}
	return New(name, d, sim.For(name), codec, opts...), nil
}

// lock acquires the reader, first failing the session if an overrun left it tainted.
func (r *Reader) lock() {
	r.mu.Lock()
	if r.tainted.CompareAndSwap(true, false) {
		r.engine.Fail(ErrContaminated)
	}
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) Vendor() protocol.Vendor { return r.dialect.Vendor() }

// Device is the emulated firmware behind the session.
func (r *Reader) Device() *protocol.Device { return r.device }

func (r *Reader) State() protocol.State {
	r.lock()
	defer r.mu.Unlock()
	return r.engine.State()
}

// Session returns a copy of the protocol session.
func (r *Reader) Session() protocol.Session {
	r.lock()
	defer r.mu.Unlock()
	return r.engine.Session()
}

func (r *Reader) Capabilities() Capabilities {
	r.lock()
	version := r.engine.Session().Version
	r.mu.Unlock()

	p := r.dialect.Profile()
	if version == "" && len(p.ProtocolVersions) > 0 {
		version = p.ProtocolVersions[0]
	}
	return Capabilities{
		Vendor:          p.Vendor,
		Model:           p.Model,
		FirmwareVersion: p.FirmwareVersion,
		ProtocolName:    p.ProtocolName,
		ProtocolVersion: version,
		FrequencyBand:   p.FrequencyBand,
		MemoryBanks:     append([]protocol.MemoryBank(nil), p.MemoryBanks...),
		AntennaCount:    p.AntennaCount,
		ReadRange:       p.ReadRangeClass(),
		MaxUserMemory:   p.MaxUserMemory,
		PowerTable:      append([]float64(nil), p.PowerTable...),
	}
}

// Initialize (re)establishes the session.
// It is the only way out of the Error state.
func (r *Reader) Initialize() error {
	r.lock()
	defer r.mu.Unlock()
	return r.engine.Initialize()
}

// ReadTag reads and validates a tag's User memory with the reader's policy.
func (r *Reader) ReadTag(tagID string) (TagRead, error) {
	return r.ReadTagWithPolicy(tagID, r.policy)
}

// ReadTagWithPolicy reads and validates a tag's User memory.
//
// Integrity findings are reported in TagRead.Report, not as errors.
// An image that isn't a tag layout returns tag.ErrMalformedTag;
// a payload that can't be decrypted or decoded returns that failure,
// and in both cases the TagRead still carries its integrity report.
func (r *Reader) ReadTagWithPolicy(tagID string, p integrity.Policy) (TagRead, error) {
	r.lock()
	raw, err := r.engine.ReadMemory(tagID, protocol.BankUser)
	r.mu.Unlock()

	tr := TagRead{TagID: tagID}
	if err != nil {
		return tr, err
	}

	key := r.codec.Crypto()
	l, err := tag.Parse(raw)
	if err != nil {
		tr.Report = r.validator.ValidateRaw(raw, key, p)
		tr.DecodeErr = err
		r.reportFindings(tagID, tr.Report)
		return tr, err
	}

	tr.Layout = l
	tr.Digest = l.Hash
	tr.Report = r.validator.Validate(l, key, p)
	tr.Sample, _, tr.DecodeErr = r.codec.Decode(l)
	r.reportFindings(tagID, tr.Report)
	return tr, tr.DecodeErr
}

// reportFindings emits an error event for a report with violations.
func (r *Reader) reportFindings(tagID string, rep integrity.Report) {
	if rep.Valid() {
		return
	}
	ev := event.New(event.Error, r.clock.Now())
	ev.Reader = r.name
	ev.Vendor = r.Vendor().String()
	ev.TagID = tagID
	ev.Operation = "integrity"
	ev.Err = fmt.Sprintf("%v", rep.Rules())
	r.sink.Emit(ev)
}

// ReadBank returns the raw contents of any bank the reader supports.
func (r *Reader) ReadBank(tagID string, bank protocol.MemoryBank) ([]byte, error) {
	if !r.dialect.Profile().SupportsBank(bank) {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "%s does not support the %s bank",
			r.name, bank)
	}

	r.lock()
	defer r.mu.Unlock()
	return r.engine.ReadMemory(tagID, bank)
}

// WriteTag encodes and seals rec, then writes it to the tag's User memory.
// The written image starts with a read count of zero.
func (r *Reader) WriteTag(tagID string, rec tag.SampleRecord) (tag.Layout, error) {
	l, err := r.codec.Encode(rec)
	if err != nil {
		return tag.Layout{}, err
	}
	raw := l.Bytes()
	if limit := r.dialect.Profile().MaxUserMemory; limit > 0 && len(raw) > limit {
		return tag.Layout{}, errors.Wrapf(tag.ErrPayloadTooLarge,
			"%d byte image exceeds %d bytes of user memory", len(raw), limit)
	}

	r.lock()
	defer r.mu.Unlock()
	if err := r.engine.WriteMemory(tagID, protocol.BankUser, raw); err != nil {
		return tag.Layout{}, err
	}
	return l, nil
}

// ScanInventory runs one inventory.
// An incomplete inventory is still returned; check its Collision field or Err.
func (r *Reader) ScanInventory(f protocol.Filter) (protocol.Inventory, error) {
	if f.Antenna != 0 && f.Antenna > r.dialect.Profile().AntennaCount {
		return protocol.Inventory{}, errors.Wrapf(ErrUnsupportedConfiguration,
			"%s has no antenna %d", r.name, f.Antenna)
	}

	r.lock()
	defer r.mu.Unlock()
	return r.engine.Inventory(f)
}

// Validate checks p against the reader's capabilities
// and returns it with its power snapped to a supported level.
func (r *Reader) Validate(p protocol.Params) (protocol.Params, error) {
	return ValidateParams(r.name, r.dialect.Profile(), p)
}

// ValidateParams is Validate for a reader named name that isn't built yet.
func ValidateParams(name string, prof protocol.Profile, p protocol.Params) (protocol.Params, error) {
	p = p.Clone()
	if len(p.Antennas) == 0 {
		return p, errors.Wrapf(ErrUnsupportedConfiguration, "%s: no antennas enabled", name)
	}
	for _, a := range p.Antennas {
		if a == 0 || a > prof.AntennaCount {
			return p, errors.Wrapf(ErrUnsupportedConfiguration, "%s: antenna %d not in 1-%d",
				name, a, prof.AntennaCount)
		}
	}

	tbl := prof.PowerTable
	if len(tbl) == 0 || p.PowerDBm < tbl[0] || p.PowerDBm > tbl[len(tbl)-1] {
		return p, errors.Wrapf(ErrUnsupportedConfiguration, "%s: power %.2f dBm outside %v",
			name, p.PowerDBm, powerRange(tbl))
	}
	_, p.PowerDBm = prof.FindPower(p.PowerDBm)

	if p.Session > 3 {
		return p, errors.Wrapf(ErrUnsupportedConfiguration, "%s: session S%d", name, p.Session)
	}
	if _, err := p.ScanType.MarshalText(); err != nil {
		return p, errors.Wrapf(ErrUnsupportedConfiguration, "%s: %v", name, err)
	}
	return p, nil
}

func powerRange(tbl []float64) string {
	if len(tbl) == 0 {
		return "an empty power table"
	}
	return fmt.Sprintf("[%.2f, %.2f]", tbl[0], tbl[len(tbl)-1])
}

// Configure validates p and pushes it to the reader.
// Unsupported parameters are rejected before anything changes.
func (r *Reader) Configure(p protocol.Params) error {
	p, err := r.Validate(p)
	if err != nil {
		return err
	}

	r.lock()
	defer r.mu.Unlock()
	return r.engine.Configure(p)
}

// Disconnect drops the session.
func (r *Reader) Disconnect() {
	r.lock()
	r.engine.Disconnect()
	r.mu.Unlock()
}
