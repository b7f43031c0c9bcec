//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/event"
	"edgexfoundry-holding/sampleguard-rfid/internal/integrity"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"edgexfoundry-holding/sampleguard-rfid/internal/tagcrypt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

type fixture struct {
	sim    *simulator.Simulator
	clock  *clock.FakeClock
	events *event.Recorder
	key    *tagcrypt.Context
	codec  *tag.Codec
}

func certain() simulator.Config {
	cfg := simulator.DefaultConfig()
	cfg.BaseDetection = 1
	cfg.RSSIJitter = 0
	return cfg
}

func testKey(t *testing.T, master string) *tagcrypt.Context {
	t.Helper()
	k, err := tagcrypt.NewContext([]byte(master), "payload", nil)
	require.NoError(t, err)
	return k
}

func newFixture(t *testing.T, cfg simulator.Config, nTags int) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(t0), events: event.NewRecorder(4096)}
	f.key = testKey(t, "reader-test-master-key-000000001")
	f.codec = tag.NewCodec(f.key, tag.WithClock(f.clock))
	f.sim = simulator.New(cfg, simulator.WithSeed(5),
		simulator.WithClock(f.clock), simulator.WithSink(f.events))

	for i := 0; i < nTags; i++ {
		l, err := f.codec.Encode(sample(i))
		require.NoError(t, err)
		require.NoError(t, f.sim.AddTag(simulator.TagSpec{
			TagID:    tagID(i),
			EPC:      fmt.Sprintf("E280116060000209%08X", i),
			Antenna:  uint16(1 + i%2),
			BaseRSSI: -50,
			Memory:   l.Bytes(),
		}))
	}
	return f
}

func tagID(i int) string { return fmt.Sprintf("SG-%03d", i) }

func sample(i int) tag.SampleRecord {
	return tag.SampleRecord{
		SampleID:          fmt.Sprintf("SMP-%04d", i),
		BatchNumber:       "BATCH-2025-06",
		ProducedAt:        t0.Add(-48 * time.Hour),
		ExpiresAt:         t0.Add(180 * 24 * time.Hour),
		Temperature:       &tag.TemperatureRange{MinC: 2, MaxC: 8},
		StorageConditions: "refrigerated",
		Manufacturer:      "Acme Bio",
	}
}

func (f *fixture) reader(t *testing.T, name string, v protocol.Vendor, opts ...Option) *Reader {
	t.Helper()
	opts = append([]Option{WithClock(f.clock), WithSink(f.events)}, opts...)
	r, err := NewForVendor(name, v, f.sim, f.codec, opts...)
	require.NoError(t, err)
	return r
}

func (f *fixture) ready(t *testing.T, name string, v protocol.Vendor, opts ...Option) *Reader {
	t.Helper()
	r := f.reader(t, name, v, opts...)
	require.NoError(t, r.Initialize())
	require.Equal(t, protocol.Ready, r.State())
	return r
}

var vendors = []protocol.Vendor{protocol.VendorImpinj, protocol.VendorZebra}

func TestDialectFor(t *testing.T) {
	for _, v := range vendors {
		d, err := DialectFor(v)
		require.NoError(t, err)
		assert.Equal(t, v, d.Vendor())
	}
	_, err := DialectFor(protocol.Vendor(9))
	assert.Error(t, err)
}

func TestReadBeforeInitialize(t *testing.T) {
	f := newFixture(t, certain(), 1)
	for _, v := range vendors {
		r := f.reader(t, "early-"+v.String(), v)
		_, err := r.ReadTag(tagID(0))
		assert.True(t, errors.Is(err, protocol.ErrSessionNotReady), "got %v", err)
		assert.Equal(t, protocol.Disconnected, r.State())
	}
}

func TestWriteThenRead(t *testing.T) {
	for _, v := range vendors {
		v := v
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, certain(), 2)
			r := f.ready(t, "dock", v)

			rec := sample(77)
			rec.ProductLine = "vaccines"
			written, err := r.WriteTag(tagID(1), rec)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), written.ReadCount())

			tr, err := r.ReadTag(tagID(1))
			require.NoError(t, err)
			assert.NoError(t, tr.DecodeErr)
			assert.Equal(t, rec.Normalize(), tr.Sample)
			assert.Equal(t, written.Hash, tr.Digest)
			assert.True(t, tr.Report.Valid(), "%+v", tr.Report.Violations)
			assert.Equal(t, uint64(1), tr.Report.ReadCount)
			assert.Equal(t, uint64(1), tr.Layout.ReadCount())

			assert.Equal(t, 1, f.events.Count(event.TagWritten))
			assert.Equal(t, 1, f.events.Count(event.TagRead))
		})
	}
}

func TestVendorsDecodeIdenticalContent(t *testing.T) {
	f := newFixture(t, certain(), 3)
	impinj := f.ready(t, "impinj", protocol.VendorImpinj)
	zebra := f.ready(t, "zebra", protocol.VendorZebra)

	for i := 0; i < 3; i++ {
		a, err := impinj.ReadTag(tagID(i))
		require.NoError(t, err)
		b, err := zebra.ReadTag(tagID(i))
		require.NoError(t, err)

		assert.Equal(t, sample(i).Normalize(), a.Sample)
		assert.Equal(t, a.Sample, b.Sample)
		assert.Equal(t, a.Digest, b.Digest)
		assert.Equal(t, a.Layout.Payload, b.Layout.Payload)
		assert.Equal(t, a.Layout.ReadCount()+1, b.Layout.ReadCount())
	}
}

func TestReadCountIncrements(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "counter", protocol.VendorImpinj)

	var last uint64
	for i := 1; i <= 5; i++ {
		tr, err := r.ReadTagWithPolicy(tagID(0), integrity.DefaultPolicy().WithPrevious(last))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), tr.Report.ReadCount)
		assert.False(t, tr.Report.Has(integrity.AnomalousReadCount))
		last = tr.Report.ReadCount
	}

	// Someone else read the tag in between.
	_, err := f.sim.ReadMemory(tagID(0))
	require.NoError(t, err)
	tr, err := r.ReadTagWithPolicy(tagID(0), integrity.DefaultPolicy().WithPrevious(last))
	require.NoError(t, err)
	assert.True(t, tr.Report.Has(integrity.AnomalousReadCount))
}

func TestTamperedHash(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "audit", protocol.VendorZebra)

	st, err := f.sim.Tag(tagID(0))
	require.NoError(t, err)
	l, err := tag.Parse(st.Memory)
	require.NoError(t, err)
	l.Hash[0] ^= 0x01
	require.NoError(t, f.sim.SetMemory(tagID(0), l.Bytes()))

	tr, err := r.ReadTag(tagID(0))
	require.NoError(t, err, "a bad hash doesn't stop decoding")
	assert.Equal(t, sample(0).Normalize(), tr.Sample)
	assert.Equal(t, []integrity.Rule{integrity.ChecksumViolation}, tr.Report.Rules())

	errs := f.events.Filter(func(e event.Event) bool {
		return e.Kind == event.Error && e.Operation == "integrity"
	})
	require.Len(t, errs, 1)
	assert.Equal(t, tagID(0), errs[0].TagID)
}

func TestMalformedMemory(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "audit", protocol.VendorImpinj)
	require.NoError(t, f.sim.SetMemory(tagID(0), []byte("definitely not a tag image")))

	tr, err := r.ReadTag(tagID(0))
	assert.True(t, errors.Is(err, tag.ErrMalformedTag), "got %v", err)
	assert.True(t, errors.Is(tr.DecodeErr, tag.ErrMalformedTag))
	assert.True(t, tr.Report.Has(integrity.MalformedHeader))
	assert.Equal(t, protocol.Ready, r.State())
}

func TestWrongKey(t *testing.T) {
	f := newFixture(t, certain(), 1)
	other := tag.NewCodec(testKey(t, "some-other-master-key-0000000002"))
	r, err := NewForVendor("stranger", protocol.VendorZebra, f.sim, other, WithClock(f.clock))
	require.NoError(t, err)
	require.NoError(t, r.Initialize())

	tr, err := r.ReadTag(tagID(0))
	require.Error(t, err)
	assert.Equal(t, err, tr.DecodeErr)
	assert.True(t, tr.Report.Has(integrity.PayloadCorruption))
	assert.False(t, tr.Report.Has(integrity.ChecksumViolation), "the payload itself is intact")
}

func TestExpiredSample(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "cold-room", protocol.VendorImpinj)

	rec := sample(3)
	rec.ExpiresAt = t0.Add(-time.Hour)
	_, err := r.WriteTag(tagID(0), rec)
	require.NoError(t, err)

	tr, err := r.ReadTag(tagID(0))
	require.NoError(t, err)
	assert.Equal(t, []integrity.Rule{integrity.ExpiredSample}, tr.Report.Rules())
}

func TestWriteFailureLeavesMemory(t *testing.T) {
	for _, v := range vendors {
		f := newFixture(t, certain(), 1)
		r := f.ready(t, "writer", v)
		before, err := f.sim.Tag(tagID(0))
		require.NoError(t, err)
		require.NoError(t, f.sim.SetFailureRates(tagID(0), 0, 1))

		_, err = r.WriteTag(tagID(0), sample(9))
		assert.True(t, errors.Is(err, simulator.ErrWriteFailure), "%s: got %v", v, err)
		assert.Equal(t, protocol.Ready, r.State())

		after, err := f.sim.Tag(tagID(0))
		require.NoError(t, err)
		assert.Equal(t, before.Memory, after.Memory)
	}
}

func TestReadFailureStaysReady(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "reader", protocol.VendorZebra)
	require.NoError(t, f.sim.SetFailureRates(tagID(0), 1, 0))

	_, err := r.ReadTag(tagID(0))
	assert.True(t, errors.Is(err, simulator.ErrReadFailure), "got %v", err)
	assert.Equal(t, protocol.Ready, r.State())

	_, err = r.ReadTag("SG-missing")
	assert.True(t, errors.Is(err, simulator.ErrTagNotFound), "got %v", err)
	assert.Equal(t, protocol.Ready, r.State())
}

func TestDesyncRequiresInitialize(t *testing.T) {
	faults := []protocol.Fault{protocol.FaultSkewSeq, protocol.FaultCorruptFrame, protocol.FaultWrongOp}
	for _, v := range vendors {
		for _, fault := range faults {
			f := newFixture(t, certain(), 1)
			r := f.ready(t, "flaky", v)

			r.Device().InjectFault(fault)
			_, err := r.ReadTag(tagID(0))
			assert.True(t, errors.Is(err, protocol.ErrProtocolDesync), "%s/%d: got %v", v, fault, err)
			assert.Equal(t, protocol.Error, r.State())
			assert.NotEmpty(t, r.Session().LastError)

			_, err = r.ScanInventory(protocol.Filter{})
			assert.True(t, errors.Is(err, protocol.ErrSessionNotReady))

			require.NoError(t, r.Initialize())
			_, err = r.ReadTag(tagID(0))
			assert.NoError(t, err)
		}
	}
}

func TestIncompatibleVersion(t *testing.T) {
	f := newFixture(t, certain(), 0)
	r := f.reader(t, "legacy", protocol.VendorZebra)
	r.Device().SetVersion("Zebra-1.0")

	err := r.Initialize()
	assert.True(t, errors.Is(err, protocol.ErrInitialization), "got %v", err)
	assert.Equal(t, protocol.Disconnected, r.State())
}

func TestCapabilities(t *testing.T) {
	f := newFixture(t, certain(), 0)

	c := f.reader(t, "i", protocol.VendorImpinj).Capabilities()
	assert.Equal(t, "LLRP", c.ProtocolName)
	assert.Equal(t, uint16(4), c.AntennaCount)
	assert.Equal(t, "long", c.ReadRange)
	assert.Len(t, c.MemoryBanks, 4)

	z := f.ready(t, "z", protocol.VendorZebra)
	c = z.Capabilities()
	assert.Equal(t, protocol.VendorZebra, c.Vendor)
	assert.Equal(t, "Zebra", c.ProtocolName)
	assert.Equal(t, z.Session().Version, c.ProtocolVersion)
	assert.Equal(t, uint16(8), c.AntennaCount)
	assert.Equal(t, "medium", c.ReadRange)
	assert.NotContains(t, c.MemoryBanks, protocol.BankReserved)
	assert.Equal(t, 31.5, c.PowerTable[len(c.PowerTable)-1])

	c.PowerTable[0] = -1
	assert.Equal(t, 10.0, z.Capabilities().PowerTable[0], "capabilities are a copy")
}

func TestReadBank(t *testing.T) {
	f := newFixture(t, certain(), 1)
	z := f.ready(t, "z", protocol.VendorZebra)

	_, err := z.ReadBank(tagID(0), protocol.BankReserved)
	assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)

	user, err := z.ReadBank(tagID(0), protocol.BankUser)
	require.NoError(t, err)
	_, err = tag.Parse(user)
	assert.NoError(t, err)

	// Impinj readers have the bank, but the firmware won't read passwords.
	i := f.ready(t, "i", protocol.VendorImpinj)
	_, err = i.ReadBank(tagID(0), protocol.BankReserved)
	assert.True(t, errors.Is(err, protocol.ErrRejected), "got %v", err)
	assert.Equal(t, protocol.Ready, i.State())
}

func TestValidate(t *testing.T) {
	f := newFixture(t, certain(), 0)
	r := f.reader(t, "i", protocol.VendorImpinj)

	base := protocol.Params{PowerDBm: 20, Antennas: []uint16{1, 2}, Session: 2, ScanType: protocol.ScanDeep}
	tests := []struct {
		name   string
		modify func(p *protocol.Params)
		ok     bool
	}{
		{"valid", func(p *protocol.Params) {}, true},
		{"no antennas", func(p *protocol.Params) { p.Antennas = nil }, false},
		{"antenna zero", func(p *protocol.Params) { p.Antennas = []uint16{0} }, false},
		{"antenna past count", func(p *protocol.Params) { p.Antennas = []uint16{1, 5} }, false},
		{"power too low", func(p *protocol.Params) { p.PowerDBm = 9.99 }, false},
		{"power too high", func(p *protocol.Params) { p.PowerDBm = 30.01 }, false},
		{"power at max", func(p *protocol.Params) { p.PowerDBm = 30 }, true},
		{"session S4", func(p *protocol.Params) { p.Session = 4 }, false},
		{"unknown scan type", func(p *protocol.Params) { p.ScanType = protocol.ScanType(7) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base.Clone()
			tt.modify(&p)
			_, err := r.Validate(p)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)
			}
		})
	}
}

func TestConfigureSnapsPower(t *testing.T) {
	tests := []struct {
		vendor protocol.Vendor
		target float64
		want   float64
	}{
		{protocol.VendorImpinj, 27.3, 27.25},
		{protocol.VendorImpinj, 10, 10},
		{protocol.VendorZebra, 27.3, 27},
		{protocol.VendorZebra, 31.5, 31.5},
	}
	for _, tt := range tests {
		f := newFixture(t, certain(), 0)
		r := f.ready(t, "r", tt.vendor)
		p := protocol.Params{PowerDBm: tt.target, Antennas: []uint16{1}, Session: 0, ScanType: protocol.ScanFast}
		require.NoError(t, r.Configure(p))
		assert.Equal(t, tt.want, r.Session().Params.PowerDBm, "%s %.2f", tt.vendor, tt.target)
		assert.Equal(t, tt.want, r.Device().Params().PowerDBm)
	}
}

func TestConfigureRejectionLeavesParams(t *testing.T) {
	for _, v := range vendors {
		f := newFixture(t, certain(), 0)
		r := f.ready(t, "r", v)
		before := r.Session().Params
		onDevice := r.Device().Params()
		changes := f.events.Count(event.ConfigurationChanged)

		err := r.Configure(protocol.Params{PowerDBm: 20, Antennas: []uint16{9}})
		assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)
		assert.Equal(t, before, r.Session().Params)
		assert.Equal(t, onDevice, r.Device().Params())
		assert.Equal(t, changes, f.events.Count(event.ConfigurationChanged))
		assert.Equal(t, protocol.Ready, r.State())
	}
}

func TestScanInventory(t *testing.T) {
	f := newFixture(t, certain(), 6)
	for _, v := range vendors {
		r := f.ready(t, "scan-"+v.String(), v)

		inv, err := r.ScanInventory(protocol.Filter{})
		require.NoError(t, err)
		assert.Len(t, inv.Observations, 6)
		assert.False(t, inv.Collision)

		inv, err = r.ScanInventory(protocol.Filter{Antenna: 2})
		require.NoError(t, err)
		assert.Len(t, inv.Observations, 3)
		for _, o := range inv.Observations {
			assert.Equal(t, uint16(2), o.Antenna)
		}

		_, err = r.ScanInventory(protocol.Filter{Antenna: 99})
		assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)
	}
}

func TestScanCollision(t *testing.T) {
	cfg := certain()
	cfg.AntiCollisionSlots = 2
	f := newFixture(t, cfg, 5)
	r := f.ready(t, "crowded", protocol.VendorImpinj)
	require.NoError(t, r.Configure(protocol.Params{
		PowerDBm: 30, Antennas: []uint16{1, 2}, Session: 1, ScanType: protocol.ScanFast,
	}))

	inv, err := r.ScanInventory(protocol.Filter{})
	require.NoError(t, err)
	assert.True(t, inv.Collision)
	assert.Less(t, len(inv.Observations), 5)
	assert.Equal(t, 5, inv.Visible)
	assert.True(t, errors.Is(inv.Err(), simulator.ErrCollision))
	assert.Equal(t, protocol.Ready, r.State())
}

func TestConcurrentReadsAreGapless(t *testing.T) {
	f := newFixture(t, certain(), 1)
	readers := []*Reader{
		f.ready(t, "east", protocol.VendorImpinj),
		f.ready(t, "west", protocol.VendorZebra),
		f.ready(t, "north", protocol.VendorZebra),
	}

	const perWorker = 10
	const workersPerReader = 3
	var mu sync.Mutex
	var counts []uint64
	wg := sync.WaitGroup{}
	for _, r := range readers {
		for w := 0; w < workersPerReader; w++ {
			wg.Add(1)
			go func(r *Reader) {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					tr, err := r.ReadTag(tagID(0))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					counts = append(counts, tr.Report.ReadCount)
					mu.Unlock()
				}
			}(r)
		}
	}
	wg.Wait()

	total := len(readers) * workersPerReader * perWorker
	require.Len(t, counts, total)
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	for i, n := range counts {
		assert.Equal(t, uint64(i+1), n)
	}
}

// gate blocks round trips while armed, until released.
type gate struct {
	armed   atomic.Bool
	release chan struct{}
}

func (g *gate) wrap(dev *protocol.Device) protocol.Transport {
	return protocol.TransportFunc(func(frame []byte) ([]byte, error) {
		if g.armed.Load() {
			<-g.release
		}
		return dev.RoundTrip(frame)
	})
}

func TestBoundedOverrunContaminates(t *testing.T) {
	f := newFixture(t, certain(), 1)
	g := &gate{release: make(chan struct{})}
	r := f.ready(t, "slow", protocol.VendorZebra, WithTransport(g.wrap))

	g.armed.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Bounded(ctx, r, func(r *Reader) error {
		_, err := r.ScanInventory(protocol.Filter{})
		return err
	})
	assert.True(t, errors.Is(err, ErrContaminated), "got %v", err)

	g.armed.Store(false)
	close(g.release)
	assert.Equal(t, protocol.Error, r.State())
	assert.Contains(t, r.Session().LastError, ErrContaminated.Error())

	require.NoError(t, r.Initialize())
	_, err = r.ReadTag(tagID(0))
	assert.NoError(t, err)
}

func TestBoundedInTime(t *testing.T) {
	f := newFixture(t, certain(), 1)
	r := f.ready(t, "quick", protocol.VendorImpinj)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var tr TagRead
	err := Bounded(ctx, r, func(r *Reader) (err error) {
		tr, err = r.ReadTag(tagID(0))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, sample(0).Normalize(), tr.Sample)
	assert.Equal(t, protocol.Ready, r.State())

	_, err = r.ReadTag("SG-missing")
	require.Error(t, err)
	err = Bounded(ctx, r, func(r *Reader) error {
		_, err := r.ReadTag("SG-missing")
		return err
	})
	assert.True(t, errors.Is(err, simulator.ErrTagNotFound), "got %v", err)
	assert.Equal(t, protocol.Ready, r.State())
}
