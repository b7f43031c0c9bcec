//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package zebra speaks the binary protocol of the emulator's Zebra FX9600 readers.
//
// Every command and response is a Frame whose payload is a list of fields,
// except that an inventory report too large for one frame continues in more.
// Unlike LLRP, memory is byte addressed,
// and read responses lead with the bank they were read from.
package zebra

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

// DefaultProfile describes an FX9600.
func DefaultProfile() protocol.Profile {
	return protocol.Profile{
		Vendor:           protocol.VendorZebra,
		Model:            "FX9600",
		FirmwareVersion:  "3.10.30",
		ProtocolName:     "Zebra",
		ProtocolVersions: []string{"Zebra-2.0", "Zebra-2.1"},
		AntennaCount:     8,
		MemoryBanks:      []protocol.MemoryBank{protocol.BankEPC, protocol.BankTID, protocol.BankUser},
		PowerTable:       protocol.PowerSteps(10, 31.5, 0.5),
		FrequencyBand:    "ETSI 865-868 MHz",
		MaxReadRangeCM:   600,
		MaxUserMemory:    512,
		DefaultPowerDBm:  27,
		NetworkDelay:     6 * time.Millisecond,
	}
}

// StatusCode is the wire form of protocol.Status.
type StatusCode uint8

const (
	StatusOK                 = StatusCode(0x00)
	StatusRejected           = StatusCode(0x01)
	StatusUnsupportedVersion = StatusCode(0x02)
	StatusTagNotFound        = StatusCode(0x10)
	StatusReadFailure        = StatusCode(0x11)
	StatusWriteFailure       = StatusCode(0x12)
	StatusOutOfSequence      = StatusCode(0x20)
	StatusDeviceError        = StatusCode(0x21)
)

var statusCodes = map[protocol.Status]StatusCode{
	protocol.StatusOK:                 StatusOK,
	protocol.StatusRejected:           StatusRejected,
	protocol.StatusUnsupportedVersion: StatusUnsupportedVersion,
	protocol.StatusTagNotFound:        StatusTagNotFound,
	protocol.StatusReadFailure:        StatusReadFailure,
	protocol.StatusWriteFailure:       StatusWriteFailure,
	protocol.StatusOutOfSequence:      StatusOutOfSequence,
	protocol.StatusDeviceError:        StatusDeviceError,
}

var opcodes = map[protocol.Op]Opcode{
	protocol.OpGetVersion: OpGetVersion,
	protocol.OpConfigure:  OpSetConfig,
	protocol.OpInventory:  OpInventory,
	protocol.OpRead:       OpRead,
	protocol.OpWrite:      OpWrite,
}

func opFor(code Opcode) (protocol.Op, bool) {
	for op, c := range opcodes {
		if c == code {
			return op, true
		}
	}
	return 0, false
}

// Dialect implements protocol.Dialect for Zebra readers.
type Dialect struct {
	profile protocol.Profile
}

func NewDialect() *Dialect {
	return &Dialect{profile: DefaultProfile()}
}

func (d *Dialect) Vendor() protocol.Vendor   { return protocol.VendorZebra }
func (d *Dialect) Profile() protocol.Profile { return d.profile }

func (d *Dialect) EncodeCommand(cmd protocol.Command) ([]byte, error) {
	code, ok := opcodes[cmd.Op]
	if !ok {
		return nil, errors.Errorf("no Zebra opcode for %s", cmd.Op)
	}

	w := &fieldWriter{}
	switch cmd.Op {
	case protocol.OpConfigure:
		p := cmd.Params
		w.centi(FieldPower, p.PowerDBm)
		for _, a := range p.Antennas {
			w.u16(FieldAntenna, a)
		}
		w.u8(FieldSession, p.Session)
		w.u8(FieldScanType, uint8(p.ScanType))

	case protocol.OpInventory:
		for _, a := range cmd.Antennas {
			w.u16(FieldAntenna, a)
		}

	case protocol.OpRead, protocol.OpWrite:
		w.str(FieldTagID, cmd.TagID)
		w.u8(FieldBank, uint8(cmd.Bank))
		if cmd.Op == protocol.OpWrite {
			w.bytes(FieldData, cmd.Data)
		}
	}
	if w.err != nil {
		return nil, w.err
	}

	return EncodeFrame(Frame{Opcode: code, Seq: cmd.Seq, Payload: w.buf})
}

func (d *Dialect) DecodeCommand(frame []byte) (protocol.Command, error) {
	f, err := DecodeFrame(frame)
	if err != nil {
		return protocol.Command{}, err
	}
	if f.Opcode.IsResponse() {
		return protocol.Command{}, errors.Wrapf(protocol.ErrFraming,
			"zebra: opcode %#02x is a response", uint8(f.Opcode))
	}

	cmd := protocol.Command{Seq: f.Seq}
	var ok bool
	if cmd.Op, ok = opFor(f.Opcode); !ok {
		return cmd, errors.Wrapf(protocol.ErrFraming, "zebra: unknown opcode %#02x", uint8(f.Opcode))
	}

	fs, err := decodeFields(f.Payload)
	if err != nil {
		return cmd, err
	}

	switch cmd.Op {
	case protocol.OpConfigure:
		p := protocol.Params{}
		if p.PowerDBm, err = fs.centi(FieldPower); err != nil {
			return cmd, err
		}
		if p.Antennas, err = antennas(fs); err != nil {
			return cmd, err
		}
		if p.Session, err = fs.u8(FieldSession); err != nil {
			return cmd, err
		}
		scan, err := fs.u8(FieldScanType)
		if err != nil {
			return cmd, err
		}
		p.ScanType = protocol.ScanType(scan)
		cmd.Params = p

	case protocol.OpInventory:
		if cmd.Antennas, err = antennas(fs); err != nil {
			return cmd, err
		}

	case protocol.OpRead, protocol.OpWrite:
		tagID, err := fs.require(FieldTagID, -1)
		if err != nil {
			return cmd, err
		}
		cmd.TagID = string(tagID)
		bank, err := fs.u8(FieldBank)
		if err != nil {
			return cmd, err
		}
		cmd.Bank = protocol.MemoryBank(bank)
		if cmd.Op == protocol.OpWrite {
			data, err := fs.require(FieldData, -1)
			if err != nil {
				return cmd, err
			}
			cmd.Data = append([]byte{}, data...)
		}
	}

	return cmd, nil
}

func antennas(fs fieldSet) ([]uint16, error) {
	var out []uint16
	for _, f := range fs.all(FieldAntenna) {
		if len(f.Value) != 2 {
			return nil, errors.WithMessagef(ErrFieldSize, "antenna field has %d bytes", len(f.Value))
		}
		out = append(out, binary.BigEndian.Uint16(f.Value))
	}
	return out, nil
}

func (d *Dialect) EncodeResponse(resp protocol.Response) ([]byte, error) {
	code, ok := opcodes[resp.Op]
	if !ok {
		return nil, errors.Errorf("no Zebra opcode for %s", resp.Op)
	}
	status, ok := statusCodes[resp.Status]
	if !ok {
		return nil, errors.Errorf("no Zebra status for %s", resp.Status)
	}

	w := &fieldWriter{}
	w.u8(FieldStatus, uint8(status))
	if resp.Message != "" {
		w.str(FieldMessage, resp.Message)
	}

	if resp.Status == protocol.StatusOK {
		switch resp.Op {
		case protocol.OpGetVersion:
			w.str(FieldVersion, resp.Version)

		case protocol.OpRead:
			w.bytes(FieldData, append([]byte{uint8(resp.Bank)}, resp.Data...))
		}
	}
	if w.err != nil {
		return nil, w.err
	}

	if resp.Status == protocol.StatusOK && resp.Op == protocol.OpInventory {
		return encodeInventory(code.Response(), w.buf, resp)
	}
	return EncodeFrame(Frame{Opcode: code.Response(), Seq: resp.Seq, Payload: w.buf})
}

// encodeInventory writes one frame per MaxPayload of tag records.
// The status leads the first frame and the summary ends the last.
func encodeInventory(code Opcode, head []byte, resp protocol.Response) ([]byte, error) {
	var out []byte
	payload := head
	flush := func() error {
		f, err := EncodeFrame(Frame{Opcode: code, Seq: resp.Seq, Payload: payload})
		if err != nil {
			return err
		}
		out = append(out, f...)
		payload = nil
		return nil
	}
	add := func(field []byte) error {
		if len(payload)+len(field) > MaxPayload {
			if err := flush(); err != nil {
				return err
			}
		}
		payload = append(payload, field...)
		return nil
	}

	for _, o := range resp.Observations {
		epc, err := hex.DecodeString(o.EPC)
		if err != nil {
			return nil, errors.Wrapf(err, "tag %q has a bad EPC", o.TagID)
		}
		rec := &fieldWriter{}
		rec.bytes(recEPC, epc)
		rec.str(recTagID, o.TagID)
		rec.u16(recAntenna, o.Antenna)
		rec.centi(recRSSI, o.RSSI)
		rec.u64(recSeen, uint64(o.SeenAt.UnixMicro()))

		w := &fieldWriter{}
		w.bytes(FieldTagRecord, rec.buf)
		if err := firstErr(rec.err, w.err); err != nil {
			return nil, err
		}
		if err := add(w.buf); err != nil {
			return nil, err
		}
	}

	collision := uint8(0)
	if resp.Collision {
		collision = 1
	}
	summary := binary.BigEndian.AppendUint16(nil, saturate16(resp.Visible))
	summary = binary.BigEndian.AppendUint16(summary, saturate16(resp.Unresolved))
	w := &fieldWriter{}
	w.bytes(FieldSummary, append(summary, collision))
	if err := add(w.buf); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// saturate16 clamps a count to what the summary field can hold.
func saturate16(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}

// decodeFrames decodes the frames of one response,
// which must share an opcode and sequence number,
// and returns the first along with the fields of them all.
func decodeFrames(b []byte) (Frame, fieldSet, error) {
	raw, err := SplitFrames(b)
	if err != nil {
		return Frame{}, nil, err
	}

	var (
		first Frame
		all   fieldSet
	)
	for i, r := range raw {
		f, err := DecodeFrame(r)
		if err != nil {
			return Frame{}, nil, err
		}
		switch {
		case i == 0:
			first = f
		case first.Opcode != OpInventory.Response():
			return Frame{}, nil, errors.Wrapf(protocol.ErrFraming,
				"zebra: only inventory reports span frames, got opcode %#02x", uint8(first.Opcode))
		case f.Opcode != first.Opcode || f.Seq != first.Seq:
			return Frame{}, nil, errors.Wrapf(protocol.ErrFraming,
				"zebra: frame %d is opcode %#02x seq %d, continuing opcode %#02x seq %d",
				i, uint8(f.Opcode), f.Seq, uint8(first.Opcode), first.Seq)
		}

		fs, err := decodeFields(f.Payload)
		if err != nil {
			return Frame{}, nil, err
		}
		all = append(all, fs...)
	}
	return first, all, nil
}

// DecodeResponse decodes the answer to cmd.
// A read answer for a bank other than the one cmd asked for is a framing error.
func (d *Dialect) DecodeResponse(frame []byte, cmd protocol.Command) (protocol.Response, error) {
	f, fs, err := decodeFrames(frame)
	if err != nil {
		return protocol.Response{}, err
	}
	if !f.Opcode.IsResponse() {
		return protocol.Response{}, errors.Wrapf(protocol.ErrFraming,
			"zebra: opcode %#02x is not a response", uint8(f.Opcode))
	}

	resp := protocol.Response{Seq: f.Seq}
	var ok bool
	if resp.Op, ok = opFor(f.Opcode.Command()); !ok {
		return resp, errors.Wrapf(protocol.ErrFraming, "zebra: unknown opcode %#02x", uint8(f.Opcode))
	}

	code, err := fs.u8(FieldStatus)
	if err != nil {
		return resp, err
	}
	resp.Status = protocol.StatusDeviceError
	for s, c := range statusCodes {
		if c == StatusCode(code) {
			resp.Status = s
		}
	}
	resp.Message = fs.str(FieldMessage)
	if resp.Status != protocol.StatusOK {
		return resp, nil
	}

	switch resp.Op {
	case protocol.OpGetVersion:
		v, err := fs.require(FieldVersion, -1)
		if err != nil {
			return resp, err
		}
		resp.Version = string(v)

	case protocol.OpInventory:
		if err := decodeInventory(fs, &resp); err != nil {
			return resp, err
		}

	case protocol.OpRead:
		data, err := fs.require(FieldData, -1)
		if err != nil {
			return resp, err
		}
		if len(data) == 0 {
			return resp, errors.WithMessage(ErrFieldSize, "read data has no bank byte")
		}
		resp.Bank = protocol.MemoryBank(data[0])
		if cmd.Op == protocol.OpRead && resp.Bank != cmd.Bank {
			return resp, errors.Wrapf(protocol.ErrFraming,
				"zebra: read answered for bank %s, asked for %s", resp.Bank, cmd.Bank)
		}
		resp.Data = append([]byte{}, data[1:]...)
	}

	return resp, nil
}

func decodeInventory(fs fieldSet, resp *protocol.Response) error {
	for _, f := range fs.all(FieldTagRecord) {
		rec, err := decodeFields(f.Value)
		if err != nil {
			return err
		}

		epc, err := rec.require(recEPC, -1)
		if err != nil {
			return err
		}
		o := protocol.Observation{
			TagID: rec.str(recTagID),
			EPC:   strings.ToUpper(hex.EncodeToString(epc)),
		}
		if o.Antenna, err = rec.u16(recAntenna); err != nil {
			return err
		}
		if o.RSSI, err = rec.centi(recRSSI); err != nil {
			return err
		}
		seen, err := rec.u64(recSeen)
		if err != nil {
			return err
		}
		o.SeenAt = time.UnixMicro(int64(seen)).UTC()
		resp.Observations = append(resp.Observations, o)
	}

	resp.Visible = len(resp.Observations)
	summary, ok, err := fs.optional(FieldSummary, 5)
	if err != nil {
		return err
	}
	if ok {
		// Saturated counts are no smaller than what arrived.
		if v := int(binary.BigEndian.Uint16(summary)); v > resp.Visible {
			resp.Visible = v
		}
		resp.Unresolved = int(binary.BigEndian.Uint16(summary[2:]))
		resp.Collision = summary[4] != 0
	}
	return nil
}
