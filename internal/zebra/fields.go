//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package zebra

import (
	"encoding/binary"
	"math"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

// fieldHeaderLen is an 8 bit ID followed by a 16 bit value length.
const fieldHeaderLen = 3

var (
	ErrShortFieldHeader = errors.Wrap(protocol.ErrFraming, "zebra: short field header")
	ErrShortFieldValue  = errors.Wrap(protocol.ErrFraming, "zebra: short field value")
	ErrFieldSize        = errors.Wrap(protocol.ErrFraming, "zebra: wrong field size")
	ErrMissingField     = errors.Wrap(protocol.ErrFraming, "zebra: missing field")
)

// FieldID identifies a payload field.
type FieldID uint8

const (
	FieldStatus    = FieldID(0x01)
	FieldMessage   = FieldID(0x02)
	FieldVersion   = FieldID(0x03)
	FieldPower     = FieldID(0x04) // centi-dBm, i16
	FieldAntenna   = FieldID(0x05) // u16, repeated
	FieldSession   = FieldID(0x06)
	FieldScanType  = FieldID(0x07)
	FieldTagID     = FieldID(0x08)
	FieldBank      = FieldID(0x09)
	FieldData      = FieldID(0x0A)
	FieldTagRecord = FieldID(0x0B) // nested, repeated
	FieldSummary   = FieldID(0x0C) // visible u16, unresolved u16, collision u8
)

// Fields nested in a FieldTagRecord.
const (
	recEPC     = FieldID(0x01)
	recTagID   = FieldID(0x02)
	recAntenna = FieldID(0x03)
	recRSSI    = FieldID(0x04) // centi-dBm, i16
	recSeen    = FieldID(0x05) // microseconds since the epoch, u64
)

// Field is one decoded TLV field.
type Field struct {
	ID    FieldID
	Value []byte
}

// fieldWriter builds a payload.
type fieldWriter struct {
	buf []byte
	err error
}

func (w *fieldWriter) bytes(id FieldID, v []byte) {
	if len(v) > math.MaxUint16 {
		w.err = errors.Errorf("zebra: field %d value is %d bytes", id, len(v))
		return
	}
	w.buf = append(w.buf, uint8(id))
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *fieldWriter) str(id FieldID, s string) { w.bytes(id, []byte(s)) }
func (w *fieldWriter) u8(id FieldID, v uint8)   { w.bytes(id, []byte{v}) }

func (w *fieldWriter) u16(id FieldID, v uint16) {
	w.bytes(id, binary.BigEndian.AppendUint16(nil, v))
}

func (w *fieldWriter) u64(id FieldID, v uint64) {
	w.bytes(id, binary.BigEndian.AppendUint64(nil, v))
}

// centi writes dBm as a saturating i16 of hundredths.
func (w *fieldWriter) centi(id FieldID, dbm float64) {
	v := math.Round(dbm * 100)
	switch {
	case v > math.MaxInt16:
		v = math.MaxInt16
	case v < math.MinInt16:
		v = math.MinInt16
	}
	w.u16(id, uint16(int16(v)))
}

// decodeFields splits a payload into fields.
func decodeFields(payload []byte) (fieldSet, error) {
	var fs fieldSet
	for i := 0; i < len(payload); {
		if len(payload)-i < fieldHeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := FieldID(payload[i])
		n := int(binary.BigEndian.Uint16(payload[i+1:]))
		i += fieldHeaderLen
		if len(payload)-i < n {
			return nil, errors.WithMessagef(ErrShortFieldValue, "field %d wants %d bytes, %d remain",
				id, n, len(payload)-i)
		}
		fs = append(fs, Field{ID: id, Value: payload[i : i+n]})
		i += n
	}
	return fs, nil
}

type fieldSet []Field

func (fs fieldSet) get(id FieldID) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (fs fieldSet) all(id FieldID) []Field {
	var out []Field
	for _, f := range fs {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func (fs fieldSet) require(id FieldID, size int) ([]byte, error) {
	f, ok := fs.get(id)
	if !ok {
		return nil, errors.WithMessagef(ErrMissingField, "field %d", id)
	}
	if size >= 0 && len(f.Value) != size {
		return nil, errors.WithMessagef(ErrFieldSize, "field %d has %d bytes, want %d",
			id, len(f.Value), size)
	}
	return f.Value, nil
}

// optional is like require, but a missing field is not an error.
func (fs fieldSet) optional(id FieldID, size int) ([]byte, bool, error) {
	if _, ok := fs.get(id); !ok {
		return nil, false, nil
	}
	v, err := fs.require(id, size)
	return v, err == nil, err
}

func (fs fieldSet) u8(id FieldID) (uint8, error) {
	v, err := fs.require(id, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (fs fieldSet) u16(id FieldID) (uint16, error) {
	v, err := fs.require(id, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

func (fs fieldSet) u64(id FieldID) (uint64, error) {
	v, err := fs.require(id, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (fs fieldSet) centi(id FieldID) (float64, error) {
	v, err := fs.u16(id)
	if err != nil {
		return 0, err
	}
	return float64(int16(v)) / 100, nil
}

func (fs fieldSet) str(id FieldID) string {
	f, _ := fs.get(id)
	return string(f.Value)
}
