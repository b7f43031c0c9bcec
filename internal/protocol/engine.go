//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"github.com/pkg/errors"
)

// Session is the host's view of its conversation with one reader.
type Session struct {
	State   State  `json:"state"`
	Seq     uint32 `json:"seq"`
	Version string `json:"version,omitempty"`
	Params  Params `json:"params"`
	// LastError describes what sent the session to Error.
	LastError string `json:"last_error,omitempty"`
}

// Filter narrows an inventory's observations.
// The zero Filter matches everything.
type Filter struct {
	EPCPrefix string   `json:"epc_prefix,omitempty"`
	MinRSSI   *float64 `json:"min_rssi,omitempty"`
	Antenna   uint16   `json:"antenna,omitempty"`
}

func (f Filter) matches(o Observation) bool {
	if f.EPCPrefix != "" && !strings.HasPrefix(strings.ToUpper(o.EPC), strings.ToUpper(f.EPCPrefix)) {
		return false
	}
	if f.MinRSSI != nil && o.RSSI < *f.MinRSSI {
		return false
	}
	return f.Antenna == 0 || f.Antenna == o.Antenna
}

// Inventory is the result of a scan.
type Inventory struct {
	Observations []Observation `json:"observations"`
	// Visible is the most tags that answered any one round.
	Visible int `json:"visible"`
	// Unresolved tags answered but were never singulated.
	Unresolved int  `json:"unresolved"`
	Collision  bool `json:"collision"`
}

// Err returns a simulator.ErrCollision if the inventory was incomplete.
func (inv Inventory) Err() error {
	if !inv.Collision {
		return nil
	}
	return errors.Wrapf(simulator.ErrCollision, "%d of %d tags unresolved",
		inv.Unresolved, inv.Visible)
}

// Engine drives one session through the protocol state machine:
//
//	Disconnected -> Initializing -> Ready <-> {Scanning, ReadingTag, WritingTag, Configuring}
//
// Anything that means host and reader no longer agree on the conversation
// moves the session to Error, from which only Initialize recovers.
// Failures the reader reports cleanly, such as a tag not answering,
// leave the session Ready.
//
// An Engine is not safe for concurrent use; callers serialize access to it.
type Engine struct {
	name      string
	dialect   Dialect
	transport Transport
	clock     clock.Clock
	sink      event.Sink

	session Session
}

type EngineOption func(*Engine)

func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithEngineSink(s event.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithParams sets the parameters pushed to the reader during Initialize,
// which otherwise are the profile's defaults.
func WithParams(p Params) EngineOption {
	return func(e *Engine) { e.session.Params = p.Clone() }
}

func NewEngine(name string, d Dialect, t Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		name:      name,
		dialect:   d,
		transport: t,
		clock:     clock.Real(),
		sink:      event.Discard,
		session:   Session{Params: d.Profile().DefaultParams()},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Dialect() Dialect { return e.dialect }

// Session returns a copy of the session.
func (e *Engine) Session() Session {
	s := e.session
	s.Params = s.Params.Clone()
	return s
}

func (e *Engine) State() State { return e.session.State }

func (e *Engine) newEvent(kind event.Kind) event.Event {
	ev := event.New(kind, e.clock.Now())
	ev.Reader = e.name
	ev.Vendor = e.dialect.Vendor().String()
	return ev
}

func (e *Engine) emitError(op string, err error) {
	ev := e.newEvent(event.Error)
	ev.Operation = op
	ev.Err = err.Error()
	e.sink.Emit(ev)
}

// Fail moves the session to Error.
func (e *Engine) Fail(reason error) {
	e.session.State = Error
	e.session.LastError = reason.Error()
	e.emitError("session", reason)
}

// Disconnect drops the session.
func (e *Engine) Disconnect() {
	e.session.State = Disconnected
	e.session.Version = ""
}

// exchange sends one command and returns the reader's response.
// Every failure it returns wraps ErrProtocolDesync.
func (e *Engine) exchange(cmd Command) (Response, error) {
	e.session.Seq++
	cmd.Seq = e.session.Seq

	frame, err := e.dialect.EncodeCommand(cmd)
	if err != nil {
		return Response{}, errors.Wrapf(ErrProtocolDesync, "failed to encode %s: %v", cmd.Op, err)
	}

	start := e.clock.Now()
	if delay := e.dialect.Profile().NetworkDelay; delay > 0 {
		e.clock.Sleep(delay)
		ev := e.newEvent(event.NetworkDelay)
		ev.Operation = cmd.Op.String()
		ev.Duration = delay
		e.sink.Emit(ev)
	}

	raw, err := e.transport.RoundTrip(frame)
	rtt := e.clock.Now().Sub(start)
	if err != nil {
		return Response{}, errors.Wrapf(ErrProtocolDesync, "%s seq %d: %v", cmd.Op, cmd.Seq, err)
	}

	ev := e.newEvent(event.ProtocolMessage)
	ev.Command = cmd.Op.String()
	ev.Seq = cmd.Seq
	ev.Duration = rtt
	ev.Bytes = len(frame) + len(raw)
	e.sink.Emit(ev)

	resp, err := e.dialect.DecodeResponse(raw, cmd)
	switch {
	case err != nil:
		return Response{}, errors.Wrapf(ErrProtocolDesync, "%s seq %d: %v", cmd.Op, cmd.Seq, err)
	case resp.Seq != cmd.Seq:
		return Response{}, errors.Wrapf(ErrProtocolDesync, "sent seq %d, got response to %d",
			cmd.Seq, resp.Seq)
	case resp.Op != cmd.Op:
		return Response{}, errors.Wrapf(ErrProtocolDesync, "sent %s, got response to %s",
			cmd.Op, resp.Op)
	case resp.Status == StatusOutOfSequence || resp.Status == StatusDeviceError:
		return Response{}, errors.Wrapf(ErrProtocolDesync, "%s seq %d: %s: %s",
			cmd.Op, cmd.Seq, resp.Status, resp.Message)
	}

	return resp, nil
}

// statusErr converts a clean failure status to the matching error.
func statusErr(resp Response) error {
	msg := resp.Message
	if msg == "" {
		msg = resp.Status.String()
	}

	switch resp.Status {
	case StatusOK:
		return nil
	case StatusRejected:
		return errors.WithMessage(ErrRejected, msg)
	case StatusTagNotFound:
		return errors.WithMessage(simulator.ErrTagNotFound, msg)
	case StatusReadFailure:
		return errors.WithMessage(simulator.ErrReadFailure, msg)
	case StatusWriteFailure:
		return errors.WithMessage(simulator.ErrWriteFailure, msg)
	case StatusUnsupportedVersion:
		return errors.WithMessage(ErrInitialization, msg)
	}
	return errors.Wrapf(ErrProtocolDesync, "unexpected status %d", resp.Status)
}

// begin moves a Ready session into the busy state for an operation.
func (e *Engine) begin(busy State) error {
	if e.session.State != Ready {
		return errors.Wrapf(ErrSessionNotReady, "%s: session is %s", e.name, e.session.State)
	}
	e.session.State = busy
	return nil
}

// end returns the session to Ready, or to Error if err is a desync.
func (e *Engine) end(op string, err error) error {
	switch {
	case err == nil:
		e.session.State = Ready
	case errors.Is(err, ErrProtocolDesync):
		e.session.State = Error
		e.session.LastError = err.Error()
		e.emitError(op, err)
	default:
		e.session.State = Ready
		// Injected air failures are reported by the simulator itself.
		if !simulator.IsTransient(err) {
			e.emitError(op, err)
		}
	}
	return err
}

// Initialize negotiates a protocol version and pushes the session parameters.
// It may be called from any idle state, and is the only way out of Error.
// On failure, the session is left Disconnected.
func (e *Engine) Initialize() error {
	switch e.session.State {
	case Disconnected, Ready, Error:
	default:
		return errors.Wrapf(ErrSessionNotReady, "%s: cannot initialize while %s",
			e.name, e.session.State)
	}

	e.session.State = Initializing
	e.session.Version = ""

	if err := e.initialize(); err != nil {
		e.session.State = Disconnected
		e.session.LastError = err.Error()
		e.emitError("initialize", err)
		return err
	}

	e.session.State = Ready
	e.session.LastError = ""

	ev := e.newEvent(event.ReaderInitialized)
	ev.Setting = "version=" + e.session.Version
	e.sink.Emit(ev)
	return nil
}

func (e *Engine) initialize() error {
	resp, err := e.exchange(Command{Op: OpGetVersion})
	if err != nil {
		return errors.Wrapf(ErrInitialization, "version exchange failed: %v", err)
	}
	if resp.Status != StatusOK {
		return errors.Wrapf(ErrInitialization, "version request refused: %s", resp.Status)
	}

	profile := e.dialect.Profile()
	if !profile.SupportsVersion(resp.Version) {
		return errors.Wrapf(ErrInitialization, "incompatible protocol version %q, want one of %v",
			resp.Version, profile.ProtocolVersions)
	}
	e.session.Version = resp.Version

	resp, err = e.exchange(Command{Op: OpConfigure, Params: e.session.Params.Clone()})
	if err != nil {
		return errors.Wrapf(ErrInitialization, "configuration failed: %v", err)
	}
	if err := statusErr(resp); err != nil {
		return errors.Wrapf(ErrInitialization, "configuration failed: %v", err)
	}
	return nil
}

// Inventory runs a scan and returns the observations matching f.
// Finding nothing is not an error.
func (e *Engine) Inventory(f Filter) (Inventory, error) {
	if err := e.begin(Scanning); err != nil {
		return Inventory{}, err
	}

	e.sink.Emit(e.newEvent(event.InventoryStarted))

	cmd := Command{Op: OpInventory}
	if f.Antenna != 0 {
		cmd.Antennas = []uint16{f.Antenna}
	}

	resp, err := e.exchange(cmd)
	if err == nil {
		err = statusErr(resp)
	}
	if err != nil {
		return Inventory{}, e.end("inventory", err)
	}

	inv := Inventory{
		Observations: []Observation{},
		Visible:      resp.Visible,
		Unresolved:   resp.Unresolved,
		Collision:    resp.Collision,
	}
	for _, o := range resp.Observations {
		if !f.matches(o) {
			continue
		}
		inv.Observations = append(inv.Observations, o)

		ev := e.newEvent(event.TagDetected)
		ev.TagID = o.TagID
		ev.EPC = o.EPC
		ev.Antenna = o.Antenna
		ev.RSSI = o.RSSI
		e.sink.Emit(ev)
	}

	ev := e.newEvent(event.InventoryCompleted)
	ev.TagsFound = len(inv.Observations)
	ev.Collision = inv.Collision
	e.sink.Emit(ev)

	return inv, e.end("inventory", nil)
}

// ReadMemory reads one memory bank of a tag.
func (e *Engine) ReadMemory(tagID string, bank MemoryBank) ([]byte, error) {
	if err := e.begin(ReadingTag); err != nil {
		return nil, err
	}

	resp, err := e.exchange(Command{Op: OpRead, TagID: tagID, Bank: bank})
	if err == nil {
		err = statusErr(resp)
	}
	if err != nil {
		return nil, e.end("read", errors.WithMessagef(err, "read %s", tagID))
	}

	ev := e.newEvent(event.TagRead)
	ev.TagID = tagID
	ev.Bytes = len(resp.Data)
	e.sink.Emit(ev)

	return resp.Data, e.end("read", nil)
}

// WriteMemory replaces the contents of one memory bank of a tag.
func (e *Engine) WriteMemory(tagID string, bank MemoryBank, data []byte) error {
	if err := e.begin(WritingTag); err != nil {
		return err
	}

	resp, err := e.exchange(Command{Op: OpWrite, TagID: tagID, Bank: bank, Data: data})
	if err == nil {
		err = statusErr(resp)
	}
	if err != nil {
		return e.end("write", errors.WithMessagef(err, "write %s", tagID))
	}

	ev := e.newEvent(event.TagWritten)
	ev.TagID = tagID
	ev.Bytes = len(data)
	e.sink.Emit(ev)

	return e.end("write", nil)
}

// Configure pushes new parameters to the reader.
// The session keeps its old parameters unless the reader accepts them.
func (e *Engine) Configure(p Params) error {
	if err := e.begin(Configuring); err != nil {
		return err
	}

	resp, err := e.exchange(Command{Op: OpConfigure, Params: p.Clone()})
	if err == nil {
		err = statusErr(resp)
	}
	if err != nil {
		return e.end("configure", err)
	}

	e.session.Params = p.Clone()

	ev := e.newEvent(event.ConfigurationChanged)
	ev.Setting = describe(p)
	e.sink.Emit(ev)

	return e.end("configure", nil)
}

func describe(p Params) string {
	scan, _ := p.ScanType.MarshalText()
	return fmt.Sprintf("power=%.2fdBm antennas=%v session=S%d scan=%s",
		p.PowerDBm, p.Antennas, p.Session, scan)
}
