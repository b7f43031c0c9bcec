//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package integrity decides whether a tag's contents can be trusted.
package integrity

import (
	"fmt"
	"time"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/tag"
	"edgexfoundry-holding/sampleguard-rfid/internal/tagcrypt"
	"github.com/pkg/errors"
)

var errNoKey = errors.New("no payload key")

const (
	DefaultExpiryWarning = 30 * 24 * time.Hour
	DefaultMaxReadCount  = 1000
)

// Policy tunes a single validation.
type Policy struct {
	// PreviousReadCount is the last read count the caller observed for this tag.
	// When nil, read count continuity is not checked.
	PreviousReadCount *uint64

	// ExpiryWarning is how close to expiry a sample must be to draw a warning.
	ExpiryWarning time.Duration

	// MaxReadCount is the most reads a genuine tag should ever see;
	// counts above half of it draw a warning. Zero disables the check.
	MaxReadCount uint64
}

func DefaultPolicy() Policy {
	return Policy{
		ExpiryWarning: DefaultExpiryWarning,
		MaxReadCount:  DefaultMaxReadCount,
	}
}

// WithPrevious returns a copy of p expecting continuity from n.
func (p Policy) WithPrevious(n uint64) Policy {
	p.PreviousReadCount = &n
	return p
}

// Validator runs the integrity checks against a clock.
type Validator struct {
	clock clock.Clock
}

func NewValidator(clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{clock: clk}
}

// ValidateRaw parses a tag image and validates it.
// An image that cannot be parsed yields a single MalformedHeader violation.
func (v *Validator) ValidateRaw(raw []byte, key *tagcrypt.Context, p Policy) Report {
	l, err := tag.Parse(raw)
	if err != nil {
		r := Report{CheckedAt: v.clock.Now()}
		if n, cErr := tag.ReadCountOf(raw); cErr == nil {
			r.ReadCount = n
		}
		r.violate(MalformedHeader, err.Error())
		return r
	}
	return v.Validate(l, key, p)
}

// Validate checks a tag layout, accumulating every violation it finds:
// the stored hash against the payload, the payload's decryptability and structure,
// the sample's expiry, and the read count against the caller's last observation.
func (v *Validator) Validate(l tag.Layout, key *tagcrypt.Context, p Policy) Report {
	now := v.clock.Now()
	r := Report{CheckedAt: now, ReadCount: l.ReadCount()}

	if err := l.Check(); err != nil {
		r.violate(MalformedHeader, err.Error())
		v.checkReadCount(&r, p)
		return r
	}

	if got := l.ComputeDigest(); got != l.Hash {
		r.violate(ChecksumViolation, fmt.Sprintf("stored %s hash %s, payload hashes to %s",
			l.HashAlg(), l.Hash, got))
	}

	var (
		rec tag.SampleRecord
		err = errNoKey
	)
	if key != nil {
		rec, _, err = tag.NewCodec(key).Decode(l)
	}
	if err != nil {
		r.violate(PayloadCorruption, err.Error())
	} else {
		r.Sample = &rec
		v.checkExpiry(&r, rec, now, p)
		if rec.Temperature != nil && !rec.Temperature.Valid() {
			r.violate(InvalidTemperatureRange, fmt.Sprintf("min %.2fC is not below max %.2fC",
				rec.Temperature.MinC, rec.Temperature.MaxC))
		}
	}

	v.checkReadCount(&r, p)
	return r
}

func (v *Validator) checkExpiry(r *Report, rec tag.SampleRecord, now time.Time, p Policy) {
	if rec.ExpiresAt.IsZero() {
		return
	}

	if rec.Expired(now) {
		r.violate(ExpiredSample, fmt.Sprintf("expired %s", rec.ExpiresAt.Format(time.RFC3339)))
		return
	}

	if left := rec.ExpiresAt.Sub(now); p.ExpiryWarning > 0 && left <= p.ExpiryWarning {
		r.warn(ApproachingExpiry, fmt.Sprintf("expires in %s", left.Round(time.Second)))
	}
}

func (v *Validator) checkReadCount(r *Report, p Policy) {
	n := r.ReadCount
	if p.PreviousReadCount != nil {
		prev := *p.PreviousReadCount
		switch {
		case n < prev:
			r.violate(AnomalousReadCount, fmt.Sprintf("read count fell from %d to %d", prev, n))
		case n > prev+1:
			r.violate(AnomalousReadCount, fmt.Sprintf("read count jumped from %d to %d", prev, n))
		}
	}

	if p.MaxReadCount == 0 {
		return
	}
	switch {
	case n > p.MaxReadCount:
		r.violate(AnomalousReadCount, fmt.Sprintf("read count %d exceeds limit %d", n, p.MaxReadCount))
	case n > p.MaxReadCount/2:
		r.warn(HighReadCount, fmt.Sprintf("read count %d over half the limit %d", n, p.MaxReadCount))
	}
}
