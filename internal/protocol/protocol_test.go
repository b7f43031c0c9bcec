//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

var testProfile = Profile{
	Vendor:           VendorImpinj,
	Model:            "Bench",
	ProtocolName:     "json",
	ProtocolVersions: []string{"1.0", "1.1"},
	AntennaCount:     2,
	MemoryBanks:      []MemoryBank{BankEPC, BankTID, BankUser},
	PowerTable:       PowerSteps(10, 30, 0.25),
	MaxUserMemory:    512,
	DefaultPowerDBm:  30,
	NetworkDelay:     5 * time.Millisecond,
}

// jsonDialect is the simplest possible wire format.
type jsonDialect struct{}

func (jsonDialect) Vendor() Vendor   { return testProfile.Vendor }
func (jsonDialect) Profile() Profile { return testProfile }

func (jsonDialect) EncodeCommand(cmd Command) ([]byte, error) { return json.Marshal(cmd) }

func (jsonDialect) DecodeCommand(frame []byte) (cmd Command, err error) {
	err = json.Unmarshal(frame, &cmd)
	return
}

func (jsonDialect) EncodeResponse(resp Response) ([]byte, error) { return json.Marshal(resp) }

func (jsonDialect) DecodeResponse(frame []byte, _ Command) (resp Response, err error) {
	err = json.Unmarshal(frame, &resp)
	return
}

type fixture struct {
	sim    *simulator.Simulator
	dev    *Device
	eng    *Engine
	clock  *clock.FakeClock
	events *event.Recorder
}

func newFixture(t *testing.T, cfg simulator.Config, nTags int) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(t0), events: event.NewRecorder(1024)}
	f.sim = simulator.New(cfg, simulator.WithSeed(7),
		simulator.WithClock(f.clock), simulator.WithSink(f.events))
	for i := 0; i < nTags; i++ {
		require.NoError(t, f.sim.AddTag(simulator.TagSpec{
			TagID:   fmt.Sprintf("T%02d", i),
			EPC:     fmt.Sprintf("30080000000000000000%04X", i),
			Antenna: uint16(1 + i%2),
			Memory:  []byte{0xDE, 0xAD, byte(i)},
		}))
	}
	f.dev = NewDevice(jsonDialect{}, f.sim.For("bench"))
	f.eng = NewEngine("bench", jsonDialect{}, f.dev,
		WithEngineClock(f.clock), WithEngineSink(f.events))
	return f
}

func certain() simulator.Config {
	cfg := simulator.DefaultConfig()
	cfg.BaseDetection = 1
	cfg.RSSIJitter = 0
	return cfg
}

func TestOperationsBeforeInitialize(t *testing.T) {
	f := newFixture(t, certain(), 1)

	_, err := f.eng.ReadMemory("T00", BankUser)
	assert.True(t, errors.Is(err, ErrSessionNotReady), "got %v", err)
	_, err = f.eng.Inventory(Filter{})
	assert.True(t, errors.Is(err, ErrSessionNotReady))
	assert.True(t, errors.Is(f.eng.WriteMemory("T00", BankUser, nil), ErrSessionNotReady))
	assert.True(t, errors.Is(f.eng.Configure(testProfile.DefaultParams()), ErrSessionNotReady))

	assert.Equal(t, Disconnected, f.eng.State())
	assert.Zero(t, f.eng.Session().Seq, "nothing should have been sent")
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())

	s := f.eng.Session()
	assert.Equal(t, Ready, s.State)
	assert.Equal(t, "1.0", s.Version)
	assert.Equal(t, uint32(2), s.Seq)
	assert.Equal(t, testProfile.DefaultParams(), f.dev.Params())

	assert.Equal(t, 1, f.events.Count(event.ReaderInitialized))
	msgs := f.events.ByKind(event.ProtocolMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "get-version", msgs[0].Command)
	assert.Equal(t, uint32(1), msgs[0].Seq)
	assert.Equal(t, 5*time.Millisecond, msgs[0].Duration)
	assert.Equal(t, "bench", msgs[0].Reader)
	assert.Equal(t, "Impinj", msgs[0].Vendor)

	// re-initializing a Ready session is allowed
	require.NoError(t, f.eng.Initialize())
	assert.Equal(t, Ready, f.eng.State())
}

func TestIncompatibleVersion(t *testing.T) {
	f := newFixture(t, certain(), 1)
	f.dev.SetVersion("2.0")

	err := f.eng.Initialize()
	assert.True(t, errors.Is(err, ErrInitialization), "got %v", err)
	assert.Contains(t, err.Error(), `"2.0"`)
	assert.Equal(t, Disconnected, f.eng.State())
	assert.Empty(t, f.eng.Session().Version)

	f.dev.SetVersion("1.1")
	require.NoError(t, f.eng.Initialize())
	assert.Equal(t, "1.1", f.eng.Session().Version)
}

func TestDesyncMovesToError(t *testing.T) {
	faults := []struct {
		name  string
		fault Fault
	}{
		{"skewed seq", FaultSkewSeq},
		{"corrupt frame", FaultCorruptFrame},
		{"wrong op", FaultWrongOp},
	}

	for _, tc := range faults {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, certain(), 2)
			require.NoError(t, f.eng.Initialize())

			f.dev.InjectFault(tc.fault)
			_, err := f.eng.ReadMemory("T00", BankUser)
			assert.True(t, errors.Is(err, ErrProtocolDesync), "got %v", err)
			assert.Equal(t, Error, f.eng.State())
			assert.NotEmpty(t, f.eng.Session().LastError)
			assert.Equal(t, 1, f.events.Count(event.Error))

			_, err = f.eng.Inventory(Filter{})
			assert.True(t, errors.Is(err, ErrSessionNotReady))
			assert.Equal(t, Error, f.eng.State())

			require.NoError(t, f.eng.Initialize())
			assert.Equal(t, Ready, f.eng.State())
			_, err = f.eng.ReadMemory("T00", BankUser)
			assert.NoError(t, err)
		})
	}
}

func TestOutOfSequence(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())

	// A second host on the same device starts its count over.
	other := NewEngine("other", jsonDialect{}, f.dev, WithEngineClock(f.clock))
	err := other.Initialize()
	assert.True(t, errors.Is(err, ErrInitialization), "got %v", err)
	assert.Contains(t, err.Error(), "out of sequence")

	f.dev.Reset()
	assert.NoError(t, other.Initialize())
}

func TestTransientFailuresStayReady(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())
	require.NoError(t, f.sim.SetFailureRates("T00", 1, 1))

	_, err := f.eng.ReadMemory("T00", BankUser)
	assert.True(t, errors.Is(err, simulator.ErrReadFailure), "got %v", err)
	assert.Equal(t, Ready, f.eng.State())

	err = f.eng.WriteMemory("T00", BankUser, []byte{1, 2})
	assert.True(t, errors.Is(err, simulator.ErrWriteFailure), "got %v", err)
	assert.Equal(t, Ready, f.eng.State())

	st, err := f.sim.Tag("T00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0}, st.Memory)

	// one injected event each, from the simulator
	errs := f.events.ByKind(event.Error)
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.True(t, e.Injected)
		assert.Equal(t, "bench", e.Reader)
	}

	_, err = f.eng.ReadMemory("nope", BankUser)
	assert.True(t, errors.Is(err, simulator.ErrTagNotFound), "got %v", err)
	assert.Equal(t, Ready, f.eng.State())
}

func TestReadBanks(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())

	tests := []struct {
		bank MemoryBank
		want []byte
	}{
		{BankUser, []byte{0xDE, 0xAD, 0}},
		{BankEPC, []byte{0x30, 0x08, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{BankTID, []byte{'T', '0', '0', 0}},
	}
	for _, tc := range tests {
		t.Run(tc.bank.String(), func(t *testing.T) {
			data, err := f.eng.ReadMemory("T00", tc.bank)
			require.NoError(t, err)
			assert.Equal(t, tc.want, data)
		})
	}

	_, err := f.eng.ReadMemory("T00", BankReserved)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.True(t, errors.Is(f.eng.WriteMemory("T00", BankEPC, []byte{1, 2}), ErrRejected))
	assert.Equal(t, Ready, f.eng.State())
}

func TestInventory(t *testing.T) {
	f := newFixture(t, certain(), 4)
	require.NoError(t, f.eng.Initialize())

	inv, err := f.eng.Inventory(Filter{})
	require.NoError(t, err)
	assert.Len(t, inv.Observations, 4)
	assert.False(t, inv.Collision)
	assert.NoError(t, inv.Err())
	assert.Equal(t, 4, f.events.Count(event.TagDetected))

	done := f.events.ByKind(event.InventoryCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 4, done[0].TagsFound)
	assert.Equal(t, 1, f.events.Count(event.InventoryStarted))

	// the default Normal scan runs two rounds
	scans := f.events.Filter(func(e event.Event) bool {
		return e.Kind == event.NetworkDelay && e.Operation == "scan"
	})
	assert.Len(t, scans, 2)
}

func TestInventoryFilter(t *testing.T) {
	f := newFixture(t, certain(), 4)
	require.NoError(t, f.eng.Initialize())

	strong := -59.0
	weak := -61.0
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"everything", Filter{}, 4},
		{"antenna", Filter{Antenna: 2}, 2},
		{"epc prefix", Filter{EPCPrefix: "3008"}, 4},
		{"long prefix", Filter{EPCPrefix: "30080000000000000000000"}, 4},
		{"one epc", Filter{EPCPrefix: "300800000000000000000003"}, 1},
		{"no epc", Filter{EPCPrefix: "E2"}, 0},
		{"rssi below", Filter{MinRSSI: &weak}, 4},
		{"rssi above", Filter{MinRSSI: &strong}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv, err := f.eng.Inventory(tc.filter)
			require.NoError(t, err)
			assert.Len(t, inv.Observations, tc.want)
			assert.NotNil(t, inv.Observations)
		})
	}

	_, err := f.eng.Inventory(Filter{Antenna: 3})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, Ready, f.eng.State())
}

func TestInventoryCollision(t *testing.T) {
	cfg := certain()
	cfg.AntiCollisionSlots = 2
	f := newFixture(t, cfg, 5)
	require.NoError(t, f.eng.Initialize())

	inv, err := f.eng.Inventory(Filter{})
	require.NoError(t, err)
	assert.True(t, inv.Collision)
	assert.Less(t, len(inv.Observations), 5)
	assert.Equal(t, 5, inv.Visible)
	assert.Equal(t, 5-len(inv.Observations), inv.Unresolved)
	assert.True(t, errors.Is(inv.Err(), simulator.ErrCollision))
	assert.Equal(t, Ready, f.eng.State())
}

func TestConfigure(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())

	p := Params{PowerDBm: 20, Antennas: []uint16{2}, Session: 2, ScanType: ScanDeep}
	require.NoError(t, f.eng.Configure(p))
	assert.Equal(t, p, f.eng.Session().Params)
	assert.Equal(t, p, f.dev.Params())

	changed := f.events.ByKind(event.ConfigurationChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "power=20.00dBm antennas=[2] session=S2 scan=Deep", changed[0].Setting)

	bad := []Params{
		{PowerDBm: 40, Antennas: []uint16{1}},
		{PowerDBm: 20, Antennas: []uint16{3}},
		{PowerDBm: 20},
		{PowerDBm: 20, Antennas: []uint16{1}, Session: 4},
		{PowerDBm: 5, Antennas: []uint16{1}},
	}
	for _, b := range bad {
		err := f.eng.Configure(b)
		assert.True(t, errors.Is(err, ErrRejected), "%+v: got %v", b, err)
		assert.Equal(t, Ready, f.eng.State())
		assert.Equal(t, p, f.eng.Session().Params)
		assert.Equal(t, p, f.dev.Params())
	}
}

func TestSessionIsACopy(t *testing.T) {
	f := newFixture(t, certain(), 1)
	s := f.eng.Session()
	s.Params.Antennas[0] = 99
	assert.Equal(t, uint16(1), f.eng.Session().Params.Antennas[0])
}

func TestFail(t *testing.T) {
	f := newFixture(t, certain(), 1)
	require.NoError(t, f.eng.Initialize())

	f.eng.Fail(errors.New("timed out"))
	assert.Equal(t, Error, f.eng.State())
	assert.Equal(t, "timed out", f.eng.Session().LastError)

	f.eng.Disconnect()
	assert.Equal(t, Disconnected, f.eng.State())
}

func TestFindPower(t *testing.T) {
	p := Profile{PowerTable: []float64{10, 15, 20, 25.5}}
	tests := []struct {
		target float64
		idx    uint16
		value  float64
	}{
		{5, 1, 10},
		{10, 1, 10},
		{12, 1, 10},
		{15, 2, 15},
		{25, 3, 20},
		{25.5, 4, 25.5},
		{40, 4, 25.5},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.target), func(t *testing.T) {
			idx, v := p.FindPower(tc.target)
			assert.Equal(t, tc.idx, idx)
			assert.Equal(t, tc.value, v)

			got, ok := p.PowerAt(idx)
			assert.True(t, ok)
			assert.Equal(t, v, got)
		})
	}

	_, ok := p.PowerAt(0)
	assert.False(t, ok)
	_, ok = p.PowerAt(5)
	assert.False(t, ok)
}

func TestPowerSteps(t *testing.T) {
	tbl := PowerSteps(10, 30, 0.25)
	assert.Len(t, tbl, 81)
	assert.Equal(t, 10.0, tbl[0])
	assert.Equal(t, 10.25, tbl[1])
	assert.Equal(t, 30.0, tbl[80])
}

func TestTextEnums(t *testing.T) {
	var st ScanType
	require.NoError(t, st.UnmarshalText([]byte("Deep")))
	assert.Equal(t, ScanDeep, st)
	assert.Error(t, st.UnmarshalText([]byte("Thorough")))
	_, err := ScanType(5).MarshalText()
	assert.Error(t, err)

	var v Vendor
	require.NoError(t, v.UnmarshalText([]byte("zebra")))
	assert.Equal(t, VendorZebra, v)
	assert.Equal(t, "Zebra", v.String())
	assert.Error(t, v.UnmarshalText([]byte("Alien")))

	var b MemoryBank
	require.NoError(t, b.UnmarshalText([]byte("user")))
	assert.Equal(t, BankUser, b)

	assert.Equal(t, "ReadingTag", ReadingTag.String())
	assert.Equal(t, 1, ScanFast.Rounds())
	assert.Equal(t, 4, ScanDeep.Rounds())
}

func TestProfile(t *testing.T) {
	p := testProfile
	assert.True(t, p.SupportsVersion("1.1"))
	assert.False(t, p.SupportsVersion("1.0.1"))
	assert.True(t, p.SupportsBank(BankUser))
	assert.False(t, p.SupportsBank(BankReserved))

	d := p.DefaultParams()
	assert.Equal(t, []uint16{1, 2}, d.Antennas)
	assert.Equal(t, 30.0, d.PowerDBm)

	for cm, class := range map[int]string{100: "short", 600: "medium", 900: "long"} {
		p.MaxReadRangeCM = cm
		assert.Equal(t, class, p.ReadRangeClass())
	}
}
