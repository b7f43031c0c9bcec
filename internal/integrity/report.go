//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"bytes"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"github.com/pkg/errors"
)

// Rule names a single integrity check.
type Rule string

const (
	ChecksumViolation       = Rule("ChecksumViolation")
	PayloadCorruption       = Rule("PayloadCorruption")
	MalformedHeader         = Rule("MalformedHeader")
	ExpiredSample           = Rule("ExpiredSample")
	AnomalousReadCount      = Rule("AnomalousReadCount")
	InvalidTemperatureRange = Rule("InvalidTemperatureRange")

	// Warnings never make a report invalid.
	ApproachingExpiry = Rule("ApproachingExpiry")
	HighReadCount     = Rule("HighReadCount")
)

// Severity ranks findings; higher is worse.
type Severity int

const (
	SeverityNone = Severity(iota)
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityStrs = [...][]byte{
	SeverityNone:     []byte("None"),
	SeverityLow:      []byte("Low"),
	SeverityMedium:   []byte("Medium"),
	SeverityHigh:     []byte("High"),
	SeverityCritical: []byte("Critical"),
}

func (s Severity) String() string {
	b, err := s.MarshalText()
	if err != nil {
		return "Unknown"
	}
	return string(b)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !(0 <= int(s) && int(s) < len(severityStrs)) {
		return nil, errors.Errorf("unknown Severity: %d", int(s))
	}
	return severityStrs[s], nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	for i := range severityStrs {
		if bytes.Equal(severityStrs[i], text) {
			*s = Severity(i)
			return nil
		}
	}
	return errors.Errorf("unknown Severity: %q", string(text))
}

var ruleSeverity = map[Rule]Severity{
	ChecksumViolation:       SeverityCritical,
	PayloadCorruption:       SeverityCritical,
	MalformedHeader:         SeverityCritical,
	AnomalousReadCount:      SeverityHigh,
	ExpiredSample:           SeverityMedium,
	InvalidTemperatureRange: SeverityMedium,
	ApproachingExpiry:       SeverityLow,
	HighReadCount:           SeverityLow,
}

// SeverityOf returns the severity assigned to a rule.
func SeverityOf(r Rule) Severity {
	return ruleSeverity[r]
}

// Finding is one failed check.
type Finding struct {
	Rule     Rule     `json:"rule"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report is the outcome of validating one tag.
// It is data, not an error: a report full of violations
// still describes a tag the caller may want to log or inspect.
type Report struct {
	Violations []Finding `json:"violations"`
	Warnings   []Finding `json:"warnings,omitempty"`

	// Sample is the decoded payload, if decoding succeeded.
	// It must not be trusted unless the report is Valid.
	Sample    *tag.SampleRecord `json:"sample,omitempty"`
	ReadCount uint64            `json:"read_count"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Valid is true when there are no violations.
func (r *Report) Valid() bool {
	return len(r.Violations) == 0
}

// Has reports whether rule appears as a violation or a warning.
func (r *Report) Has(rule Rule) bool {
	for _, fs := range [][]Finding{r.Violations, r.Warnings} {
		for _, f := range fs {
			if f.Rule == rule {
				return true
			}
		}
	}
	return false
}

// Rules lists the violated rules in the order they were found.
func (r *Report) Rules() []Rule {
	rules := make([]Rule, len(r.Violations))
	for i, f := range r.Violations {
		rules[i] = f.Rule
	}
	return rules
}

// MaxSeverity is the most severe violation, or SeverityNone.
func (r *Report) MaxSeverity() Severity {
	max := SeverityNone
	for _, f := range r.Violations {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

func (r *Report) violate(rule Rule, detail string) {
	r.Violations = append(r.Violations, Finding{Rule: rule, Severity: SeverityOf(rule), Detail: detail})
}

func (r *Report) warn(rule Rule, detail string) {
	r.Warnings = append(r.Warnings, Finding{Rule: rule, Severity: SeverityOf(rule), Detail: detail})
}
