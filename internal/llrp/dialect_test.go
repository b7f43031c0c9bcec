//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

func TestReadHeader(t *testing.T) {
	valid := []byte{0x04, 0x2E, 0, 0, 0, 10, 0, 0, 0, 9}

	h, err := ReadHeader(valid)
	require.NoError(t, err)
	assert.Equal(t, Header{Version: Version1_0_1, Type: MsgGetSupportedVersion, Length: 10, ID: 9}, h)

	tests := []struct {
		name string
		b    []byte
	}{
		{"short", valid[:6]},
		{"reserved bits", []byte{0x24, 0x2E, 0, 0, 0, 10, 0, 0, 0, 9}},
		{"version zero", []byte{0x00, 0x2E, 0, 0, 0, 10, 0, 0, 0, 9}},
		{"length below header", []byte{0x04, 0x2E, 0, 0, 0, 4, 0, 0, 0, 9}},
		{"length too large", []byte{0x04, 0x2E, 0x10, 0, 0, 0, 0, 0, 0, 9}},
		{"length exceeds data", []byte{0x04, 0x2E, 0, 0, 0, 12, 0, 0, 0, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadHeader(tt.b)
			assert.True(t, errors.Is(err, protocol.ErrFraming), "got %v", err)
		})
	}
}

func TestGetSupportedVersionBytes(t *testing.T) {
	d := NewDialect()
	b, err := d.EncodeCommand(protocol.Command{Op: protocol.OpGetVersion, Seq: 0x01020304})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x2E, 0, 0, 0, 10, 1, 2, 3, 4}, b)
}

func TestCommandRoundTrip(t *testing.T) {
	d := NewDialect()
	defaults := d.Profile().DefaultParams()
	deep := protocol.Params{PowerDBm: 21.75, Antennas: []uint16{2, 4}, Session: 2, ScanType: protocol.ScanDeep}

	tests := []struct {
		name string
		cmd  protocol.Command
		want protocol.Command
	}{
		{
			name: "get-version",
			cmd:  protocol.Command{Op: protocol.OpGetVersion, Seq: 1},
		},
		{
			name: "configure defaults",
			cmd:  protocol.Command{Op: protocol.OpConfigure, Seq: 2, Params: defaults},
		},
		{
			name: "configure deep",
			cmd:  protocol.Command{Op: protocol.OpConfigure, Seq: 3, Params: deep},
		},
		{
			name: "inventory all",
			cmd:  protocol.Command{Op: protocol.OpInventory, Seq: 4},
		},
		{
			name: "inventory antenna",
			cmd:  protocol.Command{Op: protocol.OpInventory, Seq: 5, Antennas: []uint16{3}},
		},
		{
			name: "read",
			cmd:  protocol.Command{Op: protocol.OpRead, Seq: 6, TagID: "T01", Bank: protocol.BankEPC},
		},
		{
			name: "write",
			cmd: protocol.Command{Op: protocol.OpWrite, Seq: 7, TagID: "T01", Bank: protocol.BankUser,
				Data: []byte{0xCA, 0xFE}},
		},
		{
			name: "write odd length",
			cmd: protocol.Command{Op: protocol.OpWrite, Seq: 8, TagID: "T01", Bank: protocol.BankUser,
				Data: []byte{1, 2, 3}},
			want: protocol.Command{Op: protocol.OpWrite, Seq: 8, TagID: "T01", Bank: protocol.BankUser,
				Data: []byte{1, 2, 3, 0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := d.EncodeCommand(tt.cmd)
			require.NoError(t, err)

			got, err := d.DecodeCommand(frame)
			require.NoError(t, err)

			want := tt.want
			if want.Op == 0 {
				want = tt.cmd
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestEncodeCommandErrors(t *testing.T) {
	d := NewDialect()
	_, err := d.EncodeCommand(protocol.Command{Op: protocol.OpInventory, Antennas: []uint16{1, 2}})
	assert.Error(t, err)
	_, err = d.EncodeCommand(protocol.Command{Op: protocol.Op(99)})
	assert.Error(t, err)
}

func TestDecodeCommandErrors(t *testing.T) {
	d := NewDialect()

	ok, err := d.EncodeCommand(protocol.Command{Op: protocol.OpGetVersion, Seq: 1})
	require.NoError(t, err)

	startZero := newMessage(MsgStartROSpec, 2)
	startZero.u32(0)

	noOp := newMessage(MsgAddAccessSpec, 3)
	AccessSpec{AccessSpecID: 3, Target: tidTarget("T00")}.encode(noOp)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"two messages", append(append([]byte{}, ok...), ok...)},
		{"unsupported type", newMessage(MsgROAccessReport, 1).finish()},
		{"reserved ROSpec", startZero.finish()},
		{"access spec without op", noOp.finish()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.DecodeCommand(tt.frame)
			assert.True(t, errors.Is(err, protocol.ErrFraming), "got %v", err)
		})
	}
}

func TestNewConfig(t *testing.T) {
	d := NewDialect()

	tests := []struct {
		scan protocol.ScanType
		mode impinjSearchMode
		pop  uint16
	}{
		{protocol.ScanFast, impSearchQueryAtoB, 500},
		{protocol.ScanNormal, impSearchQueryAtoBtoA, 1000},
		{protocol.ScanDeep, impSearchSelToAQueryAtoB, 3000},
	}
	for _, tt := range tests {
		t.Run(tt.scan.String(), func(t *testing.T) {
			p := protocol.Params{PowerDBm: 25, Antennas: []uint16{1, 3}, Session: 2, ScanType: tt.scan}
			conf := d.NewConfig(p)

			require.Len(t, conf.AntennaConfigurations, 2)
			ac := conf.AntennaConfigurations[1]
			assert.Equal(t, uint16(3), ac.AntennaID)
			require.NotNil(t, ac.RFTransmitter)
			assert.Equal(t, uint16(61), ac.RFTransmitter.TransmitPower, "25 dBm is step 61 from 10 dBm")

			ic := ac.C1G2InventoryCommand
			require.NotNil(t, ic)
			assert.Equal(t, uint8(2), ic.SingulationControl.Session)
			assert.Equal(t, tt.pop, ic.SingulationControl.TagPopulation)
			require.Len(t, ic.Custom, 1)
			assert.True(t, ic.Custom[0].Is(PENImpinj, ImpinjSearchMode))
			assert.Equal(t, tt.mode, binary.BigEndian.Uint16(ic.Custom[0].Data))

			require.Len(t, conf.Custom, 1)
			assert.True(t, conf.Custom[0].Is(PENImpinj, ImpinjTagReportContentSelector))

			assert.Equal(t, p, d.Params(conf))
		})
	}
}

func TestParamsUnknownSearchMode(t *testing.T) {
	d := NewDialect()
	conf := d.NewConfig(d.Profile().DefaultParams())
	conf.AntennaConfigurations[0].C1G2InventoryCommand.Custom[0].Data = []byte{0, 42}

	p := d.Params(conf)
	_, err := p.ScanType.MarshalText()
	assert.Error(t, err, "the firmware must be able to reject it")
}

func TestResponseRoundTrip(t *testing.T) {
	d := NewDialect()

	inv := protocol.Response{
		Op: protocol.OpInventory, Seq: 10,
		Observations: []protocol.Observation{
			{TagID: "T01", EPC: "300800000000000000000001", Antenna: 2, RSSI: -55.25, SeenAt: t0},
			{TagID: "T0002", EPC: "E2AB", Antenna: 4, RSSI: -71.5, SeenAt: t0.Add(1500 * time.Microsecond)},
		},
		Visible: 3, Unresolved: 1, Collision: true,
	}

	tests := []struct {
		name string
		cmd  protocol.Command
		resp protocol.Response
	}{
		{
			name: "version",
			cmd:  protocol.Command{Op: protocol.OpGetVersion, Seq: 1},
			resp: protocol.Response{Op: protocol.OpGetVersion, Seq: 1, Version: "1.1"},
		},
		{
			name: "configure",
			cmd:  protocol.Command{Op: protocol.OpConfigure, Seq: 2},
			resp: protocol.Response{Op: protocol.OpConfigure, Seq: 2},
		},
		{
			name: "configure rejected",
			cmd:  protocol.Command{Op: protocol.OpConfigure, Seq: 3},
			resp: protocol.Response{Op: protocol.OpConfigure, Seq: 3,
				Status: protocol.StatusRejected, Message: "power out of range"},
		},
		{
			name: "inventory",
			cmd:  protocol.Command{Op: protocol.OpInventory, Seq: 10},
			resp: inv,
		},
		{
			name: "read",
			cmd:  protocol.Command{Op: protocol.OpRead, Seq: 11},
			resp: protocol.Response{Op: protocol.OpRead, Seq: 11, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		},
		{
			name: "write",
			cmd:  protocol.Command{Op: protocol.OpWrite, Seq: 12},
			resp: protocol.Response{Op: protocol.OpWrite, Seq: 12},
		},
		{
			name: "device error",
			cmd:  protocol.Command{Op: protocol.OpRead, Seq: 13},
			resp: protocol.Response{Op: protocol.OpRead, Seq: 13,
				Status: protocol.StatusDeviceError, Message: "antenna fault"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := d.EncodeResponse(tt.resp)
			require.NoError(t, err)

			got, err := d.DecodeResponse(frame, tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.resp, got)
		})
	}
}

func TestResponseStatusMapping(t *testing.T) {
	d := NewDialect()

	tests := []struct {
		name string
		cmd  protocol.Command
		in   protocol.Status
		want protocol.Status
	}{
		{"tag not found", protocol.Command{Op: protocol.OpRead, Seq: 1}, protocol.StatusTagNotFound, protocol.StatusTagNotFound},
		{"read failure", protocol.Command{Op: protocol.OpRead, Seq: 1}, protocol.StatusReadFailure, protocol.StatusReadFailure},
		{"write failure", protocol.Command{Op: protocol.OpWrite, Seq: 1}, protocol.StatusWriteFailure, protocol.StatusWriteFailure},
		{"write not found", protocol.Command{Op: protocol.OpWrite, Seq: 1}, protocol.StatusTagNotFound, protocol.StatusTagNotFound},
		{"unsupported version", protocol.Command{Op: protocol.OpConfigure, Seq: 1}, protocol.StatusUnsupportedVersion, protocol.StatusUnsupportedVersion},
		{"out of sequence", protocol.Command{Op: protocol.OpInventory, Seq: 1}, protocol.StatusOutOfSequence, protocol.StatusDeviceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := d.EncodeResponse(protocol.Response{Op: tt.cmd.Op, Seq: 1, Status: tt.in, Message: "x"})
			require.NoError(t, err)

			got, err := d.DecodeResponse(frame, tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.cmd.Op, got.Op)
		})
	}
}

func TestDecodeResponseFraming(t *testing.T) {
	d := NewDialect()
	cmd := protocol.Command{Op: protocol.OpInventory, Seq: 5}
	frame, err := d.EncodeResponse(protocol.Response{Op: protocol.OpInventory, Seq: 5,
		Observations: []protocol.Observation{{TagID: "T00", EPC: "AA", Antenna: 1, SeenAt: t0}}, Visible: 1})
	require.NoError(t, err)

	h, err := ReadHeader(frame)
	require.NoError(t, err)
	first := frame[:h.Length]

	wrongID := append([]byte{}, frame...)
	binary.BigEndian.PutUint32(wrongID[h.Length+6:], 6)

	extra := append(append([]byte{}, first...), first...)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"missing report", first},
		{"report ID mismatch", wrongID},
		{"truncated", frame[:len(frame)/2]},
		{"command instead", newMessage(MsgGetSupportedVersion, 5).finish()},
		{"no status", newMessage(MsgStartROSpecResponse, 5).finish()},
		{"two responses", extra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.DecodeResponse(tt.frame, cmd)
			assert.True(t, errors.Is(err, protocol.ErrFraming), "got %v", err)
		})
	}

	_, err = d.EncodeResponse(protocol.Response{Op: protocol.OpGetVersion, Version: "2.0"})
	assert.Error(t, err, "2.0 has no LLRP version number")
}

type llrpFixture struct {
	sim    *simulator.Simulator
	dev    *protocol.Device
	eng    *protocol.Engine
	events *event.Recorder
}

func newLLRPFixture(t *testing.T, nTags int) *llrpFixture {
	t.Helper()
	cfg := simulator.DefaultConfig()
	cfg.BaseDetection = 1
	cfg.RSSIJitter = 0

	clk := clock.Fake(t0)
	f := &llrpFixture{events: event.NewRecorder(1024)}
	f.sim = simulator.New(cfg, simulator.WithSeed(3),
		simulator.WithClock(clk), simulator.WithSink(f.events))
	for i := 0; i < nTags; i++ {
		require.NoError(t, f.sim.AddTag(simulator.TagSpec{
			TagID:   fmt.Sprintf("T%02d", i),
			EPC:     fmt.Sprintf("3008000000000000000000%02X", i),
			Antenna: uint16(1 + i%2),
			Memory:  []byte{0xDE, 0xAD, 0xBE, byte(i)},
		}))
	}

	d := NewDialect()
	f.dev = protocol.NewDevice(d, f.sim.For("speedway"))
	f.eng = protocol.NewEngine("speedway", d, f.dev,
		protocol.WithEngineClock(clk), protocol.WithEngineSink(f.events))
	return f
}

func TestEngineOverLLRP(t *testing.T) {
	f := newLLRPFixture(t, 4)
	require.NoError(t, f.eng.Initialize())
	assert.Equal(t, "1.0.1", f.eng.Session().Version)

	inv, err := f.eng.Inventory(protocol.Filter{})
	require.NoError(t, err)
	require.Len(t, inv.Observations, 4)
	assert.Equal(t, 4, inv.Visible)
	assert.False(t, inv.Collision)

	byTag := map[string]protocol.Observation{}
	for _, o := range inv.Observations {
		byTag[o.TagID] = o
	}
	for i := 0; i < 4; i++ {
		o, ok := byTag[fmt.Sprintf("T%02d", i)]
		require.True(t, ok, "T%02d missing from %+v", i, inv.Observations)
		assert.Equal(t, fmt.Sprintf("3008000000000000000000%02X", i), o.EPC)
		assert.Equal(t, uint16(1+i%2), o.Antenna)
		assert.InDelta(t, -60, o.RSSI, 0.01)
	}

	inv, err = f.eng.Inventory(protocol.Filter{Antenna: 2})
	require.NoError(t, err)
	assert.Len(t, inv.Observations, 2)

	data, err := f.eng.ReadMemory("T01", protocol.BankUser)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0x01}, data)

	data, err = f.eng.ReadMemory("T01", protocol.BankTID)
	require.NoError(t, err)
	assert.Equal(t, []byte("T01\x00"), data)

	data, err = f.eng.ReadMemory("T01", protocol.BankEPC)
	require.NoError(t, err)
	assert.Equal(t, byte(0x30), data[0])
	assert.Len(t, data, 12)

	require.NoError(t, f.eng.WriteMemory("T02", protocol.BankUser, []byte{1, 2, 3}))
	data, err = f.eng.ReadMemory("T02", protocol.BankUser)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0}, data, "LLRP writes whole words")

	_, err = f.eng.ReadMemory("nope", protocol.BankUser)
	assert.True(t, errors.Is(err, simulator.ErrTagNotFound), "got %v", err)
	assert.Equal(t, protocol.Ready, f.eng.State())

	p := protocol.Params{PowerDBm: 20, Antennas: []uint16{2}, Session: 0, ScanType: protocol.ScanFast}
	require.NoError(t, f.eng.Configure(p))
	assert.Equal(t, p, f.dev.Params())

	err = f.eng.Configure(protocol.Params{PowerDBm: 20, Antennas: []uint16{5}, ScanType: protocol.ScanFast})
	assert.True(t, errors.Is(err, protocol.ErrRejected), "got %v", err)
	assert.Equal(t, p, f.dev.Params())
	assert.Equal(t, protocol.Ready, f.eng.State())
}

func TestLLRPIncompatibleVersion(t *testing.T) {
	f := newLLRPFixture(t, 1)
	f.dev.SetVersion(VersionNum(3).String())

	err := f.eng.Initialize()
	assert.True(t, errors.Is(err, protocol.ErrInitialization), "got %v", err)
	assert.Equal(t, protocol.Disconnected, f.eng.State())

	f.dev.SetVersion(Version1_1.String())
	require.NoError(t, f.eng.Initialize())
	assert.Equal(t, "1.1", f.eng.Session().Version)
}

func TestLLRPDesync(t *testing.T) {
	faults := []struct {
		name  string
		fault protocol.Fault
	}{
		{"skewed sequence", protocol.FaultSkewSeq},
		{"corrupt frame", protocol.FaultCorruptFrame},
		{"wrong message", protocol.FaultWrongOp},
	}
	for _, tt := range faults {
		t.Run(tt.name, func(t *testing.T) {
			f := newLLRPFixture(t, 2)
			require.NoError(t, f.eng.Initialize())

			f.dev.InjectFault(tt.fault)
			_, err := f.eng.Inventory(protocol.Filter{})
			assert.True(t, errors.Is(err, protocol.ErrProtocolDesync), "got %v", err)
			assert.Equal(t, protocol.Error, f.eng.State())

			_, err = f.eng.ReadMemory("T00", protocol.BankUser)
			assert.True(t, errors.Is(err, protocol.ErrSessionNotReady))

			require.NoError(t, f.eng.Initialize())
			_, err = f.eng.Inventory(protocol.Filter{})
			assert.NoError(t, err)
		})
	}
}

func TestLLRPLargePopulation(t *testing.T) {
	f := newLLRPFixture(t, 0)
	for i := 0; i < 1500; i++ {
		require.NoError(t, f.sim.AddTag(simulator.TagSpec{
			TagID:   fmt.Sprintf("L%04d", i),
			EPC:     fmt.Sprintf("30080000000000000000%04X", i),
			Antenna: uint16(1 + i%2),
		}))
	}
	require.NoError(t, f.eng.Initialize())

	inv, err := f.eng.Inventory(protocol.Filter{})
	require.NoError(t, err)
	assert.Len(t, inv.Observations, 1500)
	assert.Equal(t, 1500, inv.Visible)
	assert.Equal(t, protocol.Ready, f.eng.State())
}

func TestCountU16(t *testing.T) {
	assert.Equal(t, uint16(0), countU16(-1))
	assert.Equal(t, uint16(1500), countU16(1500))
	assert.Equal(t, uint16(65535), countU16(70000))
}
