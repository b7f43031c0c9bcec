//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/hex"
	"sync"

	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"github.com/pkg/errors"
)

// Fault is a one-shot misbehavior a Device can be told to commit
// on its next response, for exercising the host's desync handling.
type Fault int

const (
	FaultNone = Fault(iota)
	// FaultSkewSeq answers with the wrong sequence number.
	FaultSkewSeq
	// FaultCorruptFrame truncates the encoded response.
	FaultCorruptFrame
	// FaultWrongOp answers as if a different command had been sent.
	FaultWrongOp
)

// maxSession is the highest Gen2 session flag.
const maxSession = 3

// Device is the emulated reader firmware.
// It decodes commands with its dialect, carries them out against the simulated air,
// and encodes the answer with the same dialect.
//
// A Device is a Transport, and it is safe for concurrent use,
// though a real reader only ever has one host.
type Device struct {
	dialect Dialect
	profile Profile
	air     simulator.Air

	mu      sync.Mutex
	version string
	params  Params
	lastSeq uint32
	seen    bool
	fault   Fault
}

// NewDevice returns a Device speaking the dialect's first protocol version.
func NewDevice(d Dialect, air simulator.Air) *Device {
	p := d.Profile()
	dev := &Device{
		dialect: d,
		profile: p,
		air:     air,
		params:  p.DefaultParams(),
	}
	if len(p.ProtocolVersions) > 0 {
		dev.version = p.ProtocolVersions[0]
	}
	return dev
}

// SetVersion changes the protocol version the firmware reports.
func (d *Device) SetVersion(v string) {
	d.mu.Lock()
	d.version = v
	d.mu.Unlock()
}

// InjectFault arms a fault for the next response.
func (d *Device) InjectFault(f Fault) {
	d.mu.Lock()
	d.fault = f
	d.mu.Unlock()
}

// Params returns the parameters the firmware is currently running with.
func (d *Device) Params() Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params.Clone()
}

// Reset forgets the host's sequence numbers, as a reboot would.
func (d *Device) Reset() {
	d.mu.Lock()
	d.seen = false
	d.lastSeq = 0
	d.mu.Unlock()
}

func (d *Device) RoundTrip(frame []byte) ([]byte, error) {
	cmd, err := d.dialect.DecodeCommand(frame)
	if err != nil {
		return nil, errors.Wrap(err, "device could not decode command")
	}

	d.mu.Lock()
	fault, version := d.fault, d.version
	d.fault = FaultNone
	inOrder := !d.seen || cmd.Seq > d.lastSeq
	if inOrder {
		d.seen = true
		d.lastSeq = cmd.Seq
	}
	d.mu.Unlock()

	var resp Response
	if inOrder {
		resp = d.execute(cmd)
	} else {
		resp = Response{Op: cmd.Op, Status: StatusOutOfSequence,
			Message: "sequence number did not advance"}
	}
	resp.Seq = cmd.Seq

	switch fault {
	case FaultSkewSeq:
		resp.Seq += 7
	case FaultWrongOp:
		resp = Response{Op: OpGetVersion, Seq: resp.Seq, Version: version}
		if cmd.Op == OpGetVersion {
			resp = Response{Op: OpConfigure, Seq: resp.Seq}
		}
	}

	out, err := d.dialect.EncodeResponse(resp)
	if err != nil {
		return nil, errors.Wrap(err, "device could not encode response")
	}
	if fault == FaultCorruptFrame && len(out) > 1 {
		out = out[:len(out)/2]
	}
	return out, nil
}

func (d *Device) execute(cmd Command) Response {
	resp := Response{Op: cmd.Op}

	switch cmd.Op {
	case OpGetVersion:
		d.mu.Lock()
		resp.Version = d.version
		d.mu.Unlock()

	case OpConfigure:
		if msg := d.checkParams(cmd.Params); msg != "" {
			resp.Status, resp.Message = StatusRejected, msg
			break
		}
		d.mu.Lock()
		d.params = cmd.Params.Clone()
		d.mu.Unlock()

	case OpInventory:
		d.inventory(cmd, &resp)

	case OpRead:
		d.read(cmd, &resp)

	case OpWrite:
		if cmd.Bank != BankUser {
			resp.Status, resp.Message = StatusRejected, "only the User bank is writable"
			break
		}
		if len(cmd.Data) > d.profile.MaxUserMemory {
			resp.Status, resp.Message = StatusRejected, "data exceeds user memory"
			break
		}
		resp.Status, resp.Message = statusOf(d.air.WriteMemory(cmd.TagID, cmd.Data))

	default:
		resp.Status, resp.Message = StatusDeviceError, "unknown command"
	}

	return resp
}

func (d *Device) checkParams(p Params) string {
	if len(p.Antennas) == 0 {
		return "no antennas enabled"
	}
	for _, a := range p.Antennas {
		if a == 0 || a > d.profile.AntennaCount {
			return "no such antenna"
		}
	}
	if p.Session > maxSession {
		return "invalid session"
	}
	if _, err := p.ScanType.MarshalText(); err != nil {
		return "invalid scan type"
	}
	tbl := d.profile.PowerTable
	if len(tbl) == 0 || p.PowerDBm < tbl[0] || p.PowerDBm > tbl[len(tbl)-1] {
		return "power out of range"
	}
	return ""
}

func (d *Device) inventory(cmd Command, resp *Response) {
	d.mu.Lock()
	params := d.params.Clone()
	d.mu.Unlock()

	antennas := params.Antennas
	if len(cmd.Antennas) > 0 {
		for _, a := range cmd.Antennas {
			if a == 0 || a > d.profile.AntennaCount {
				resp.Status, resp.Message = StatusRejected, "no such antenna"
				return
			}
		}
		antennas = cmd.Antennas
	}

	seen := map[string]int{}
	collided := false
	for r := 0; r < params.ScanType.Rounds(); r++ {
		res, err := d.air.Scan(antennas, params.PowerDBm)
		if err != nil {
			resp.Status, resp.Message = StatusDeviceError, err.Error()
			return
		}

		collided = collided || res.Collision
		if res.Visible > resp.Visible {
			resp.Visible = res.Visible
		}

		for _, s := range res.Sightings {
			if i, ok := seen[s.TagID]; ok {
				if s.RSSI > resp.Observations[i].RSSI {
					resp.Observations[i].RSSI = s.RSSI
				}
				continue
			}
			seen[s.TagID] = len(resp.Observations)
			resp.Observations = append(resp.Observations, Observation{
				TagID:   s.TagID,
				EPC:     s.EPC,
				Antenna: s.Antenna,
				RSSI:    s.RSSI,
				SeenAt:  s.SeenAt,
			})
		}
	}

	if n := resp.Visible - len(resp.Observations); n > 0 {
		resp.Unresolved = n
		resp.Collision = collided
	}
}

func (d *Device) read(cmd Command, resp *Response) {
	resp.Bank = cmd.Bank
	switch cmd.Bank {
	case BankUser:
		data, err := d.air.ReadMemory(cmd.TagID)
		resp.Status, resp.Message = statusOf(err)
		resp.Data = data

	case BankEPC:
		epc, err := d.air.Identify(cmd.TagID)
		resp.Status, resp.Message = statusOf(err)
		if err == nil {
			b, _ := hex.DecodeString(epc)
			resp.Data = wordAlign(b)
		}

	case BankTID:
		if _, err := d.air.Identify(cmd.TagID); err != nil {
			resp.Status, resp.Message = statusOf(err)
			return
		}
		resp.Data = wordAlign([]byte(cmd.TagID))

	default:
		resp.Status, resp.Message = StatusRejected, "bank is not readable"
	}
}

// wordAlign pads b with a zero byte if it isn't a whole number of 16-bit words.
func wordAlign(b []byte) []byte {
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func statusOf(err error) (Status, string) {
	switch {
	case err == nil:
		return StatusOK, ""
	case errors.Is(err, simulator.ErrTagNotFound):
		return StatusTagNotFound, err.Error()
	case errors.Is(err, simulator.ErrReadFailure):
		return StatusReadFailure, err.Error()
	case errors.Is(err, simulator.ErrWriteFailure):
		return StatusWriteFailure, err.Error()
	}
	return StatusDeviceError, err.Error()
}
