//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package tag

import (
	"bytes"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// ErrInvalidText means a text field of a record is not valid UTF-8,
// which the canonical encoding can't carry.
var ErrInvalidText = errors.New("sample record text is not valid UTF-8")

// TemperatureRange is the permitted storage range in degrees Celsius.
type TemperatureRange struct {
	MinC float32 `json:"min_c"`
	MaxC float32 `json:"max_c"`
}

// Valid is true if the range is not empty or inverted.
func (tr TemperatureRange) Valid() bool {
	return tr.MinC < tr.MaxC
}

// SampleRecord is the sample identity carried by a tag.
//
// Times are stored with one second resolution;
// a zero ExpiresAt means the sample does not expire.
type SampleRecord struct {
	SampleID          string            `json:"sample_id"`
	BatchNumber       string            `json:"batch_number"`
	ProducedAt        time.Time         `json:"produced_at"`
	ExpiresAt         time.Time         `json:"expires_at,omitempty"`
	Temperature       *TemperatureRange `json:"temperature,omitempty"`
	StorageConditions string            `json:"storage_conditions,omitempty"`
	Manufacturer      string            `json:"manufacturer,omitempty"`
	ProductLine       string            `json:"product_line,omitempty"`
}

// Normalize returns the record in the form it takes after a trip through a tag:
// times truncated to the second and in UTC.
func (r SampleRecord) Normalize() SampleRecord {
	r.ProducedAt = normTime(r.ProducedAt)
	r.ExpiresAt = normTime(r.ExpiresAt)
	if r.Temperature != nil {
		t := *r.Temperature
		r.Temperature = &t
	}
	return r
}

// Expired reports whether the sample has an expiry at or before now.
func (r SampleRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func normTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.Unix(t.Unix(), 0).UTC()
}

// wireRecord is the canonical serialized form,
// kept small because it has to fit on the tag.
type wireRecord struct {
	SampleID     string    `cbor:"1,keyasint,omitempty"`
	BatchNumber  string    `cbor:"2,keyasint,omitempty"`
	ProducedAt   *int64    `cbor:"3,keyasint,omitempty"`
	ExpiresAt    *int64    `cbor:"4,keyasint,omitempty"`
	Temperature  *wireTemp `cbor:"5,keyasint,omitempty"`
	Storage      string    `cbor:"6,keyasint,omitempty"`
	Manufacturer string    `cbor:"7,keyasint,omitempty"`
	ProductLine  string    `cbor:"8,keyasint,omitempty"`
}

type wireTemp struct {
	_    struct{} `cbor:",toarray"`
	MinC float32
	MaxC float32
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tag: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("tag: CBOR decoder initialization failed: " + err.Error())
	}
}

// unixOrNil keeps "no time" apart from the epoch itself.
func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	s := t.Unix()
	return &s
}

func timeOrZero(s *int64) time.Time {
	if s == nil {
		return time.Time{}
	}
	return time.Unix(*s, 0).UTC()
}

func (r SampleRecord) checkText() error {
	for name, v := range map[string]string{
		"SampleID":          r.SampleID,
		"BatchNumber":       r.BatchNumber,
		"StorageConditions": r.StorageConditions,
		"Manufacturer":      r.Manufacturer,
		"ProductLine":       r.ProductLine,
	} {
		if !utf8.ValidString(v) {
			return errors.Wrapf(ErrInvalidText, "%s %q", name, v)
		}
	}
	return nil
}

// MarshalBinary returns the canonical serialization of the record.
// Text fields must be valid UTF-8.
func (r SampleRecord) MarshalBinary() ([]byte, error) {
	if err := r.checkText(); err != nil {
		return nil, err
	}
	w := wireRecord{
		SampleID:     r.SampleID,
		BatchNumber:  r.BatchNumber,
		ProducedAt:   unixOrNil(r.ProducedAt),
		ExpiresAt:    unixOrNil(r.ExpiresAt),
		Storage:      r.StorageConditions,
		Manufacturer: r.Manufacturer,
		ProductLine:  r.ProductLine,
	}
	if r.Temperature != nil {
		w.Temperature = &wireTemp{MinC: r.Temperature.MinC, MaxC: r.Temperature.MaxC}
	}
	return encMode.Marshal(w)
}

// UnmarshalBinary parses a canonical serialization.
// Trailing zero bytes are allowed, since the codec zero-fills short records;
// anything else after the record is an error.
func (r *SampleRecord) UnmarshalBinary(data []byte) error {
	var w wireRecord
	rest, err := decMode.UnmarshalFirst(data, &w)
	if err != nil {
		return errors.Wrap(err, "invalid sample record")
	}
	if len(bytes.Trim(rest, "\x00")) != 0 {
		return errors.Errorf("invalid sample record: %d trailing bytes", len(rest))
	}

	*r = SampleRecord{
		SampleID:          w.SampleID,
		BatchNumber:       w.BatchNumber,
		ProducedAt:        timeOrZero(w.ProducedAt),
		ExpiresAt:         timeOrZero(w.ExpiresAt),
		StorageConditions: w.Storage,
		Manufacturer:      w.Manufacturer,
		ProductLine:       w.ProductLine,
	}
	if w.Temperature != nil {
		r.Temperature = &TemperatureRange{MinC: w.Temperature.MinC, MaxC: w.Temperature.MaxC}
	}
	return nil
}
