//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package protocol holds what every reader dialect shares:
// the command and response model, the session state machine,
// and the emulated reader firmware that answers commands from the simulator.
//
// A Dialect only translates Commands and Responses to and from its wire format;
// the Engine and the Device never look inside a frame themselves.
package protocol

import (
	"bytes"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSessionNotReady = errors.New("session not ready")
	ErrProtocolDesync  = errors.New("protocol desynchronized")
	ErrInitialization  = errors.New("initialization failed")
	ErrRejected        = errors.New("command rejected by device")
	// ErrFraming is returned by dialects for frames they can't decode.
	ErrFraming = errors.New("malformed frame")
)

// Vendor is the closed set of reader families the emulator speaks for.
type Vendor int

const (
	VendorImpinj = Vendor(iota)
	VendorZebra
)

var vendorStrs = [...][]byte{
	VendorImpinj: []byte("Impinj"),
	VendorZebra:  []byte("Zebra"),
}

func (v Vendor) MarshalText() ([]byte, error) {
	if !(0 <= int(v) && int(v) < len(vendorStrs)) {
		return nil, errors.Errorf("unknown Vendor: %d", int(v))
	}
	return vendorStrs[v], nil
}

func (v *Vendor) UnmarshalText(text []byte) error {
	for i := range vendorStrs {
		if bytes.EqualFold(vendorStrs[i], text) {
			*v = Vendor(i)
			return nil
		}
	}
	return errors.Errorf("unknown Vendor: %q", string(text))
}

func (v Vendor) String() string {
	b, err := v.MarshalText()
	if err != nil {
		return "Vendor(?)"
	}
	return string(b)
}

// State is a session's position in the protocol state machine.
type State int

const (
	Disconnected = State(iota)
	Initializing
	Ready
	Scanning
	ReadingTag
	WritingTag
	Configuring
	Error
)

var stateStrs = [...]string{
	Disconnected: "Disconnected",
	Initializing: "Initializing",
	Ready:        "Ready",
	Scanning:     "Scanning",
	ReadingTag:   "ReadingTag",
	WritingTag:   "WritingTag",
	Configuring:  "Configuring",
	Error:        "Error",
}

func (s State) String() string {
	if 0 <= int(s) && int(s) < len(stateStrs) {
		return stateStrs[s]
	}
	return "State(?)"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Op identifies a command, independent of dialect.
type Op uint8

const (
	OpGetVersion = Op(iota + 1)
	OpConfigure
	OpInventory
	OpRead
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpGetVersion:
		return "get-version"
	case OpConfigure:
		return "configure"
	case OpInventory:
		return "inventory"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	}
	return "op(?)"
}

// MemoryBank is a Gen2 tag memory bank.
type MemoryBank uint8

const (
	BankReserved = MemoryBank(0)
	BankEPC      = MemoryBank(1)
	BankTID      = MemoryBank(2)
	BankUser     = MemoryBank(3)
)

var bankStrs = [...][]byte{
	BankReserved: []byte("Reserved"),
	BankEPC:      []byte("EPC"),
	BankTID:      []byte("TID"),
	BankUser:     []byte("User"),
}

func (b MemoryBank) MarshalText() ([]byte, error) {
	if int(b) >= len(bankStrs) {
		return nil, errors.Errorf("unknown MemoryBank: %d", b)
	}
	return bankStrs[b], nil
}

func (b *MemoryBank) UnmarshalText(text []byte) error {
	for i := range bankStrs {
		if bytes.EqualFold(bankStrs[i], text) {
			*b = MemoryBank(i)
			return nil
		}
	}
	return errors.Errorf("unknown MemoryBank: %q", string(text))
}

func (b MemoryBank) String() string {
	s, err := b.MarshalText()
	if err != nil {
		return "MemoryBank(?)"
	}
	return string(s)
}

// ScanType trades inventory time for completeness.
type ScanType int

const (
	ScanFast = ScanType(iota)
	ScanNormal
	ScanDeep
)

var scanStrs = [...][]byte{
	ScanFast:   []byte("Fast"),
	ScanNormal: []byte("Normal"),
	ScanDeep:   []byte("Deep"),
}

func (s ScanType) MarshalText() ([]byte, error) {
	if !(0 <= int(s) && int(s) < len(scanStrs)) {
		return nil, errors.Errorf("unknown ScanType: %v", int(s))
	}
	return scanStrs[s], nil
}

func (s *ScanType) UnmarshalText(text []byte) error {
	for i := range scanStrs {
		if bytes.Equal(scanStrs[i], text) {
			*s = ScanType(i)
			return nil
		}
	}
	return errors.Errorf("unknown ScanType: %q", string(text))
}

func (s ScanType) String() string {
	b, err := s.MarshalText()
	if err != nil {
		return "ScanType(?)"
	}
	return string(b)
}

// Rounds is the number of inventory rounds a scan of this type runs.
// Later rounds give tags that collided another chance to be singulated.
func (s ScanType) Rounds() int {
	switch s {
	case ScanNormal:
		return 2
	case ScanDeep:
		return 4
	}
	return 1
}

// Params are the configurable parameters of a session.
type Params struct {
	PowerDBm float64  `json:"power_dbm"`
	Antennas []uint16 `json:"antennas"`
	// Session is the Gen2 inventory session flag, S0 to S3.
	Session  uint8    `json:"session"`
	ScanType ScanType `json:"scan_type"`
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	p.Antennas = append([]uint16(nil), p.Antennas...)
	return p
}

// Observation is one tag seen during an inventory.
type Observation struct {
	TagID   string    `json:"tag_id"`
	EPC     string    `json:"epc"`
	Antenna uint16    `json:"antenna"`
	RSSI    float64   `json:"rssi"`
	SeenAt  time.Time `json:"seen_at"`
}

// Command is a request from the host to the reader.
// Only the fields relevant to Op are meaningful.
type Command struct {
	Op  Op
	Seq uint32

	Params   Params     // OpConfigure
	Antennas []uint16   // OpInventory; empty means the configured set
	TagID    string     // OpRead, OpWrite
	Bank     MemoryBank // OpRead, OpWrite
	Data     []byte     // OpWrite
}

// Status is a device's verdict on a command.
type Status uint8

const (
	StatusOK = Status(iota)
	StatusRejected
	StatusUnsupportedVersion
	StatusTagNotFound
	StatusReadFailure
	StatusWriteFailure
	StatusOutOfSequence
	StatusDeviceError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusUnsupportedVersion:
		return "unsupported version"
	case StatusTagNotFound:
		return "tag not found"
	case StatusReadFailure:
		return "read failure"
	case StatusWriteFailure:
		return "write failure"
	case StatusOutOfSequence:
		return "out of sequence"
	case StatusDeviceError:
		return "device error"
	}
	return "status(?)"
}

// Response is the reader's answer to a Command with the same Seq.
type Response struct {
	Op      Op
	Seq     uint32
	Status  Status
	Message string

	Version      string        // OpGetVersion
	Observations []Observation // OpInventory
	Visible      int           // OpInventory
	Unresolved   int           // OpInventory
	Collision    bool          // OpInventory
	Bank         MemoryBank    // OpRead
	Data         []byte        // OpRead
}

// Profile describes a reader model: the limits a configuration is checked against
// and the defaults a fresh session starts with.
type Profile struct {
	Vendor           Vendor
	Model            string
	FirmwareVersion  string
	ProtocolName     string
	ProtocolVersions []string
	AntennaCount     uint16
	MemoryBanks      []MemoryBank
	// PowerTable lists the supported transmit power levels, in dBm, ascending.
	PowerTable      []float64
	FrequencyBand   string
	MaxReadRangeCM  int
	MaxUserMemory   int
	DefaultPowerDBm float64
	NetworkDelay    time.Duration
}

// ReadRangeClass buckets MaxReadRangeCM.
func (p Profile) ReadRangeClass() string {
	switch {
	case p.MaxReadRangeCM >= 800:
		return "long"
	case p.MaxReadRangeCM >= 300:
		return "medium"
	}
	return "short"
}

// SupportsVersion is true if v is one of ProtocolVersions.
func (p Profile) SupportsVersion(v string) bool {
	for _, pv := range p.ProtocolVersions {
		if pv == v {
			return true
		}
	}
	return false
}

// SupportsBank is true if the profile lists the bank.
func (p Profile) SupportsBank(b MemoryBank) bool {
	for _, pb := range p.MemoryBanks {
		if pb == b {
			return true
		}
	}
	return false
}

// DefaultParams returns the parameters a fresh session is configured with.
func (p Profile) DefaultParams() Params {
	ants := make([]uint16, p.AntennaCount)
	for i := range ants {
		ants[i] = uint16(i + 1)
	}
	_, pwr := p.FindPower(p.DefaultPowerDBm)
	return Params{PowerDBm: pwr, Antennas: ants, Session: 1, ScanType: ScanNormal}
}

// FindPower returns the profile's best match to a target power level
// and its 1-based index in the power table.
//
// The match is the highest supported level less than or equal to the target;
// if the target is below even the lowest level,
// this returns the lowest level, so check the value if that matters.
//
// This panics if the power table is empty.
func (p Profile) FindPower(target float64) (tableIdx uint16, value float64) {
	// sort.Search returns the smallest index i at which f(i) is true,
	// or the list len if the result is always false.
	// This requires the table is sorted in ascending order.
	i := sort.Search(len(p.PowerTable), func(i int) bool {
		return p.PowerTable[i] >= target
	})

	switch {
	case i == 0:
	case i < len(p.PowerTable) && p.PowerTable[i] == target:
	default:
		// The index represents a power greater than our target,
		// or len(list) if the target exceeds every level.
		i--
	}
	return uint16(i + 1), p.PowerTable[i]
}

// PowerAt returns the level at a 1-based table index.
func (p Profile) PowerAt(tableIdx uint16) (float64, bool) {
	if tableIdx == 0 || int(tableIdx) > len(p.PowerTable) {
		return 0, false
	}
	return p.PowerTable[tableIdx-1], true
}

// PowerSteps builds an ascending power table from min to max, inclusive.
func PowerSteps(min, max, step float64) []float64 {
	n := int(math.Round((max-min)/step)) + 1
	table := make([]float64, n)
	for i := range table {
		table[i] = math.Round((min+float64(i)*step)*100) / 100
	}
	return table
}

// Dialect is a vendor's wire format.
type Dialect interface {
	Vendor() Vendor
	Profile() Profile

	EncodeCommand(cmd Command) ([]byte, error)
	DecodeCommand(frame []byte) (Command, error)
	EncodeResponse(resp Response) ([]byte, error)
	// DecodeResponse decodes the answer to cmd.
	// Some dialects need the command to interpret the frame.
	DecodeResponse(frame []byte, cmd Command) (Response, error)
}

// Transport carries one encoded command to a reader and returns its answer.
type Transport interface {
	RoundTrip(frame []byte) ([]byte, error)
}

// TransportFunc adapts a function to a Transport.
type TransportFunc func(frame []byte) ([]byte, error)

func (f TransportFunc) RoundTrip(frame []byte) ([]byte, error) { return f(frame) }
