//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the service configuration from a TOML file.
//
// Every section has defaults, so a file only needs the keys it changes.
// Durations are written as strings ("8ms", "720h"),
// and float values need a decimal point ("30.0", not "30").
package config

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/integrity"
	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"edgexfoundry-holding/sampleguard-rfid/internal/simulator"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"edgexfoundry-holding/sampleguard-rfid/internal/tagcrypt"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// MasterKeyEnv names the environment variable that overrides Service.MasterKeyHex.
const MasterKeyEnv = "SAMPLEGUARD_MASTER_KEY"

const (
	defaultListenAddr   = ":59711"
	defaultLogLevel     = "INFO"
	defaultKeyLabel     = "payload"
	defaultEventHistory = 1024
	defaultAuditPath    = "./data/audit.db"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoMasterKey   = errors.New("no master key configured")
)

var logLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// ServiceInfo configures the process itself.
type ServiceInfo struct {
	ListenAddr string
	LogLevel   string
	// MasterKeyHex is used only if the MasterKeyEnv variable is unset.
	MasterKeyHex string
	// KeyLabel separates the payload key from any other key derived from the master.
	KeyLabel string
	// HashAlg is the integrity digest for new tags: "SHA256" or "BLAKE3".
	HashAlg string
	// Seed makes the simulator reproducible. Zero seeds from the clock.
	Seed int64
	// EventHistory is the number of events kept in memory.
	EventHistory int
	// RequestTimeout bounds each reader operation started over HTTP.
	RequestTimeout time.Duration
}

// IntegrityConfig sets the default validation policy.
type IntegrityConfig struct {
	ExpiryWarning time.Duration
	MaxReadCount  uint64
}

// AuditConfig enables the SQLite event history.
type AuditConfig struct {
	Enabled bool
	// Path is the database file; ":memory:" keeps it in memory.
	Path string
}

// MetricsConfig enables the Prometheus collector and its route.
type MetricsConfig struct {
	Enabled bool
}

// ReaderConfig describes one emulated reader.
// Parameters left unset fall back to the vendor's defaults.
type ReaderConfig struct {
	Name   string
	Vendor protocol.Vendor
	// Version overrides the protocol version the emulated firmware speaks.
	Version string

	PowerDBm float64
	Antennas []uint16
	Session  *uint8
	ScanType *protocol.ScanType
}

// SampleConfig is the sample record encoded onto a tag at startup.
type SampleConfig struct {
	SampleID          string
	BatchNumber       string
	ProducedAt        time.Time
	ExpiresAt         time.Time
	Temperature       *tag.TemperatureRange
	StorageConditions string
	Manufacturer      string
	ProductLine       string
}

// TagConfig describes one tag of the simulated population.
type TagConfig struct {
	TagID            string
	EPC              string
	Antenna          uint16
	BaseRSSI         float64
	ReadFailureRate  float64
	WriteFailureRate float64
	// Sample is optional; a tag without one starts with blank user memory.
	Sample *SampleConfig
}

// ServiceConfig is the complete configuration file.
type ServiceConfig struct {
	Service   ServiceInfo
	Simulator simulator.Config
	Integrity IntegrityConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Readers   []ReaderConfig
	Tags      []TagConfig
}

// NewServiceConfig returns the defaults every file is applied on top of.
func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Service: ServiceInfo{
			ListenAddr:     defaultListenAddr,
			LogLevel:       defaultLogLevel,
			KeyLabel:       defaultKeyLabel,
			HashAlg:        tag.SHA256.String(),
			EventHistory:   defaultEventHistory,
			RequestTimeout: 5 * time.Second,
		},
		Simulator: simulator.DefaultConfig(),
		Integrity: IntegrityConfig{
			ExpiryWarning: integrity.DefaultExpiryWarning,
			MaxReadCount:  integrity.DefaultMaxReadCount,
		},
		Audit:   AuditConfig{Enabled: true, Path: defaultAuditPath},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads and validates the TOML file at path.
func Load(path string) (*ServiceConfig, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load configuration from %q", path)
	}
	return decode(tree)
}

// Parse decodes and validates TOML text.
func Parse(data []byte) (*ServiceConfig, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	return decode(tree)
}

func decode(tree *toml.Tree) (*ServiceConfig, error) {
	cfg := NewServiceConfig()
	if err := tree.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks the configuration for values that can't work.
func (c *ServiceConfig) Validate() error {
	if err := c.Service.validate(); err != nil {
		return err
	}
	if err := validateSimulator(c.Simulator); err != nil {
		return err
	}
	if c.Integrity.ExpiryWarning < 0 {
		return invalid("Integrity.ExpiryWarning must not be negative")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return invalid("Audit.Path is required when the audit store is enabled")
	}

	names := map[string]bool{}
	for i, rc := range c.Readers {
		if rc.Name == "" {
			return invalid("Readers[%d] has no Name", i)
		}
		if names[rc.Name] {
			return invalid("reader %q is configured more than once", rc.Name)
		}
		names[rc.Name] = true
		if err := rc.validate(); err != nil {
			return err
		}
	}

	ids := map[string]bool{}
	for i, tc := range c.Tags {
		if tc.TagID == "" {
			return invalid("Tags[%d] has no TagID", i)
		}
		if ids[tc.TagID] {
			return invalid("tag %q is configured more than once", tc.TagID)
		}
		ids[tc.TagID] = true
		if err := tc.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s ServiceInfo) validate() error {
	if s.ListenAddr == "" {
		return invalid("Service.ListenAddr is required")
	}
	if !validLogLevel(s.LogLevel) {
		return invalid("Service.LogLevel %q is not one of %s", s.LogLevel, strings.Join(logLevels, ", "))
	}
	if s.KeyLabel == "" {
		return invalid("Service.KeyLabel is required")
	}
	if _, err := s.Hash(); err != nil {
		return err
	}
	if s.EventHistory <= 0 {
		return invalid("Service.EventHistory must be positive, got %d", s.EventHistory)
	}
	if s.RequestTimeout <= 0 {
		return invalid("Service.RequestTimeout must be positive, got %v", s.RequestTimeout)
	}
	return nil
}

func validLogLevel(level string) bool {
	for _, l := range logLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Hash returns the configured integrity digest.
func (s ServiceInfo) Hash() (tag.HashAlg, error) {
	switch strings.ToUpper(s.HashAlg) {
	case tag.SHA256.String():
		return tag.SHA256, nil
	case tag.BLAKE3.String():
		return tag.BLAKE3, nil
	}
	return 0, invalid("Service.HashAlg %q is not SHA256 or BLAKE3", s.HashAlg)
}

// MasterKey returns the master key from the environment,
// or from MasterKeyHex if the environment doesn't set one.
// The key itself never appears in an error.
func (s ServiceInfo) MasterKey() ([]byte, error) {
	src, text := MasterKeyEnv, os.Getenv(MasterKeyEnv)
	if text == "" {
		src, text = "Service.MasterKeyHex", s.MasterKeyHex
	}
	if text == "" {
		return nil, errors.Wrapf(ErrNoMasterKey, "set %s or Service.MasterKeyHex", MasterKeyEnv)
	}

	key, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, invalid("%s is not a hex string", src)
	}
	if len(key) < tagcrypt.MinMasterKeySize {
		return nil, invalid("%s must decode to at least %d bytes, got %d",
			src, tagcrypt.MinMasterKeySize, len(key))
	}
	return key, nil
}

// Policy returns the default integrity policy.
func (ic IntegrityConfig) Policy() integrity.Policy {
	p := integrity.DefaultPolicy()
	p.ExpiryWarning = ic.ExpiryWarning
	p.MaxReadCount = ic.MaxReadCount
	return p
}

func validateSimulator(sc simulator.Config) error {
	if sc.BaseDetection < 0 || sc.BaseDetection > 1 {
		return invalid("Simulator.BaseDetection must be within [0, 1], got %v", sc.BaseDetection)
	}
	if sc.Sensitivity >= sc.StrongSignal {
		return invalid("Simulator.Sensitivity (%v) must be below StrongSignal (%v)",
			sc.Sensitivity, sc.StrongSignal)
	}
	if sc.RSSIJitter < 0 {
		return invalid("Simulator.RSSIJitter must not be negative")
	}
	if sc.AntiCollisionSlots < 0 {
		return invalid("Simulator.AntiCollisionSlots must not be negative")
	}
	if sc.RSSIWindow <= 0 {
		return invalid("Simulator.RSSIWindow must be positive, got %d", sc.RSSIWindow)
	}
	for name, l := range map[string]simulator.Latency{
		"ScanDelay":  sc.ScanDelay,
		"ReadDelay":  sc.ReadDelay,
		"WriteDelay": sc.WriteDelay,
	} {
		if l.Base < 0 || l.Jitter < 0 {
			return invalid("Simulator.%s must not be negative", name)
		}
	}
	return nil
}

func (rc ReaderConfig) validate() error {
	if _, err := rc.Vendor.MarshalText(); err != nil {
		return invalid("reader %q: %v", rc.Name, err)
	}
	if rc.ScanType != nil {
		if _, err := rc.ScanType.MarshalText(); err != nil {
			return invalid("reader %q: %v", rc.Name, err)
		}
	}
	if rc.PowerDBm < 0 {
		return invalid("reader %q: PowerDBm must not be negative", rc.Name)
	}
	for _, a := range rc.Antennas {
		if a == 0 {
			return invalid("reader %q: antenna IDs start at 1", rc.Name)
		}
	}
	if rc.Session != nil && *rc.Session > 3 {
		return invalid("reader %q: Session must be 0 to 3, got %d", rc.Name, *rc.Session)
	}
	return nil
}

// Params returns the reader's session parameters,
// taking anything left unset from def.
func (rc ReaderConfig) Params(def protocol.Params) protocol.Params {
	p := def.Clone()
	if rc.PowerDBm != 0 {
		p.PowerDBm = rc.PowerDBm
	}
	if len(rc.Antennas) != 0 {
		p.Antennas = append([]uint16(nil), rc.Antennas...)
	}
	if rc.Session != nil {
		p.Session = *rc.Session
	}
	if rc.ScanType != nil {
		p.ScanType = *rc.ScanType
	}
	return p
}

func (tc TagConfig) validate() error {
	if _, err := hex.DecodeString(tc.EPC); err != nil || tc.EPC == "" {
		return invalid("tag %q: EPC must be an even-length hex string", tc.TagID)
	}
	if tc.Antenna == 0 {
		return invalid("tag %q: Antenna is required", tc.TagID)
	}
	for name, rate := range map[string]float64{
		"ReadFailureRate":  tc.ReadFailureRate,
		"WriteFailureRate": tc.WriteFailureRate,
	} {
		if rate < 0 || rate > 1 {
			return invalid("tag %q: %s must be within [0, 1], got %v", tc.TagID, name, rate)
		}
	}
	if s := tc.Sample; s != nil {
		if s.SampleID == "" {
			return invalid("tag %q: Sample.SampleID is required", tc.TagID)
		}
		if s.Temperature != nil && !s.Temperature.Valid() {
			return invalid("tag %q: Sample.Temperature minimum must be below its maximum", tc.TagID)
		}
		if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(s.ProducedAt) {
			return invalid("tag %q: Sample.ExpiresAt must be after ProducedAt", tc.TagID)
		}
	}
	return nil
}

// Record returns the configured sample record.
func (sc SampleConfig) Record() tag.SampleRecord {
	r := tag.SampleRecord{
		SampleID:          sc.SampleID,
		BatchNumber:       sc.BatchNumber,
		ProducedAt:        sc.ProducedAt,
		ExpiresAt:         sc.ExpiresAt,
		StorageConditions: sc.StorageConditions,
		Manufacturer:      sc.Manufacturer,
		ProductLine:       sc.ProductLine,
	}
	if sc.Temperature != nil {
		t := *sc.Temperature
		r.Temperature = &t
	}
	return r
}

// Spec returns the simulator entry for the tag,
// with its sample, if any, encoded by codec.
func (tc TagConfig) Spec(codec *tag.Codec) (simulator.TagSpec, error) {
	spec := simulator.TagSpec{
		TagID:            tc.TagID,
		EPC:              tc.EPC,
		Antenna:          tc.Antenna,
		BaseRSSI:         tc.BaseRSSI,
		ReadFailureRate:  tc.ReadFailureRate,
		WriteFailureRate: tc.WriteFailureRate,
	}
	if tc.Sample != nil {
		l, err := codec.Encode(tc.Sample.Record())
		if err != nil {
			return simulator.TagSpec{}, errors.WithMessagef(err, "tag %q", tc.TagID)
		}
		spec.Memory = l.Bytes()
	}
	return spec, nil
}
