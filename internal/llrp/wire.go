//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"encoding/binary"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

// HeaderSz is the size of an LLRP message header:
// 3 reserved bits, a 3 bit version, a 10 bit message type,
// a 32 bit message length (header included), and a 32 bit message ID.
const HeaderSz = 10

// maxMsgSz bounds the frames this package will produce or accept.
const maxMsgSz = 1 << 20

type MessageType uint16

const (
	MsgGetSupportedVersion         = MessageType(46)
	MsgGetSupportedVersionResponse = MessageType(56)
	MsgSetReaderConfig             = MessageType(3)
	MsgSetReaderConfigResponse     = MessageType(13)
	MsgStartROSpec                 = MessageType(22)
	MsgStartROSpecResponse         = MessageType(32)
	MsgAddAccessSpec               = MessageType(40)
	MsgAddAccessSpecResponse       = MessageType(50)
	MsgROAccessReport              = MessageType(61)
)

type ParamType uint16

// TV parameters have types below 128 and a fixed size.
const (
	ParamAntennaID             = ParamType(1)
	ParamFirstSeenUTC          = ParamType(2)
	ParamPeakRSSI              = ParamType(6)
	ParamEPC96                 = ParamType(13)
	ParamC1G2ReadOpSpecResult  = ParamType(349)
	ParamC1G2WriteOpSpecResult = ParamType(350)
	ParamAccessSpec            = ParamType(207)
	ParamAccessCommand         = ParamType(209)
	ParamAntennaConfiguration  = ParamType(222)
	ParamRFTransmitter         = ParamType(224)
	ParamTagReportData         = ParamType(240)
	ParamEPCData               = ParamType(241)
	ParamLLRPStatus            = ParamType(287)
	ParamC1G2InventoryCommand  = ParamType(330)
	ParamC1G2SingulationCtrl   = ParamType(336)
	ParamC1G2TagSpec           = ParamType(338)
	ParamC1G2TargetTag         = ParamType(339)
	ParamC1G2Read              = ParamType(341)
	ParamC1G2Write             = ParamType(342)
	ParamCustom                = ParamType(1023)
)

// tvSizes maps TV parameter types to their body size.
var tvSizes = map[ParamType]int{
	ParamAntennaID:    2,
	ParamFirstSeenUTC: 8,
	ParamPeakRSSI:     1,
	ParamEPC96:        12,
}

// Header is the fixed part of every LLRP message.
type Header struct {
	Version VersionNum
	Type    MessageType
	Length  uint32
	ID      uint32
}

func errFraming(format string, args ...interface{}) error {
	return errors.Wrapf(protocol.ErrFraming, format, args...)
}

// ReadHeader parses the header at the start of b.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSz {
		return Header{}, errFraming("LLRP header needs %d bytes, got %d", HeaderSz, len(b))
	}

	vt := binary.BigEndian.Uint16(b)
	h := Header{
		Version: VersionNum((vt >> 10) & 0b111),
		Type:    MessageType(vt & 0x3FF),
		Length:  binary.BigEndian.Uint32(b[2:]),
		ID:      binary.BigEndian.Uint32(b[6:]),
	}

	switch {
	case vt>>13 != 0:
		return Header{}, errFraming("reserved header bits are set")
	case h.Version < Version1_0_1 || h.Version > versionMax:
		return Header{}, errFraming("unknown LLRP version %d", h.Version)
	case h.Length < HeaderSz || h.Length > maxMsgSz:
		return Header{}, errFraming("message length %d out of range", h.Length)
	case int(h.Length) > len(b):
		return Header{}, errFraming("message length %d exceeds %d available bytes", h.Length, len(b))
	}
	return h, nil
}

// splitMessages breaks a frame into its messages.
func splitMessages(frame []byte) ([]Header, [][]byte, error) {
	var hdrs []Header
	var bodies [][]byte
	for len(frame) > 0 {
		h, err := ReadHeader(frame)
		if err != nil {
			return nil, nil, err
		}
		hdrs = append(hdrs, h)
		bodies = append(bodies, frame[HeaderSz:h.Length])
		frame = frame[h.Length:]
	}
	if len(hdrs) == 0 {
		return nil, nil, errFraming("empty frame")
	}
	return hdrs, bodies, nil
}

// msgBuilder appends big-endian values and parameters to a message.
type msgBuilder struct {
	buf []byte
}

// newMessage starts a message; finish fills in its length.
func newMessage(typ MessageType, id uint32) *msgBuilder {
	m := &msgBuilder{buf: make([]byte, HeaderSz, 64)}
	binary.BigEndian.PutUint16(m.buf, uint16(Version1_0_1)<<10|uint16(typ))
	binary.BigEndian.PutUint32(m.buf[6:], id)
	return m
}

func (m *msgBuilder) finish() []byte {
	binary.BigEndian.PutUint32(m.buf[2:], uint32(len(m.buf)))
	return m.buf
}

func (m *msgBuilder) u8(v uint8)   { m.buf = append(m.buf, v) }
func (m *msgBuilder) u16(v uint16) { m.buf = binary.BigEndian.AppendUint16(m.buf, v) }
func (m *msgBuilder) u32(v uint32) { m.buf = binary.BigEndian.AppendUint32(m.buf, v) }
func (m *msgBuilder) u64(v uint64) { m.buf = binary.BigEndian.AppendUint64(m.buf, v) }
func (m *msgBuilder) raw(b []byte) { m.buf = append(m.buf, b...) }

func (m *msgBuilder) words(w []uint16) {
	for _, x := range w {
		m.u16(x)
	}
}

// str writes a length-prefixed UTF-8 string.
func (m *msgBuilder) str(s string) {
	m.u16(uint16(len(s)))
	m.buf = append(m.buf, s...)
}

// bits writes a bit-length-prefixed bit array.
func (m *msgBuilder) bits(b []byte) {
	m.u16(uint16(len(b) * 8))
	m.buf = append(m.buf, b...)
}

// tv writes a TV parameter header.
func (m *msgBuilder) tv(t ParamType) {
	m.u8(0x80 | uint8(t))
}

// tlv writes a TLV parameter whose body is produced by fill.
func (m *msgBuilder) tlv(t ParamType, fill func()) {
	start := len(m.buf)
	m.u16(uint16(t) & 0x3FF)
	m.u16(0)
	fill()
	binary.BigEndian.PutUint16(m.buf[start+2:], uint16(len(m.buf)-start))
}

// fieldReader consumes big-endian values from a parameter or message body.
// The first short read sets err, after which every read returns zero.
type fieldReader struct {
	b   []byte
	err error
}

func (r *fieldReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = errFraming("need %d more bytes, have %d", n, len(r.b))
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *fieldReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *fieldReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *fieldReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *fieldReader) words() []uint16 {
	n := int(r.u16())
	b := r.take(2 * n)
	if b == nil {
		return nil
	}
	w := make([]uint16, n)
	for i := range w {
		w[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return w
}

func (r *fieldReader) str() string {
	return string(r.take(int(r.u16())))
}

func (r *fieldReader) bits() []byte {
	n := int(r.u16())
	return append([]byte(nil), r.take((n+7)/8)...)
}

// param is one parameter split from a body.
type param struct {
	typ  ParamType
	body []byte
}

// params splits what remains of r into parameters.
func (r *fieldReader) params() []param {
	var ps []param
	for r.err == nil && len(r.b) > 0 {
		if r.b[0]&0x80 != 0 {
			t := ParamType(r.b[0] & 0x7F)
			sz, ok := tvSizes[t]
			if !ok {
				r.err = errFraming("unknown TV parameter %d", t)
				return nil
			}
			r.take(1)
			ps = append(ps, param{typ: t, body: r.take(sz)})
			continue
		}

		t := ParamType(r.u16() & 0x3FF)
		n := int(r.u16())
		if n < 4 {
			r.err = errFraming("parameter %d has length %d", t, n)
			return nil
		}
		ps = append(ps, param{typ: t, body: r.take(n - 4)})
	}
	if r.err != nil {
		return nil
	}
	return ps
}
