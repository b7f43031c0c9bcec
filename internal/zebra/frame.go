//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package zebra

import (
	"encoding/binary"
	"hash/crc32"

	"edgexfoundry-holding/sampleguard-rfid/internal/protocol"
	"github.com/pkg/errors"
)

const (
	// Magic opens every frame.
	Magic = "ZB"
	// FrameVersion is the only frame layout this package speaks.
	FrameVersion = uint8(2)

	// HeaderLen covers the magic, version, opcode, sequence number, and payload length.
	HeaderLen = 10
	crcLen    = 4

	// MaxPayload is the most a frame's 16 bit length can describe.
	MaxPayload = 0xFFFF
)

var (
	ErrShortFrame      = errors.Wrap(protocol.ErrFraming, "zebra: short frame")
	ErrBadMagic        = errors.Wrap(protocol.ErrFraming, "zebra: bad magic")
	ErrBadVersion      = errors.Wrap(protocol.ErrFraming, "zebra: unsupported frame version")
	ErrLengthMismatch  = errors.Wrap(protocol.ErrFraming, "zebra: payload length mismatch")
	ErrChecksum        = errors.Wrap(protocol.ErrFraming, "zebra: checksum mismatch")
	ErrPayloadTooLarge = errors.New("zebra: payload too large")
)

// Opcode names a command. Responses set the high bit.
type Opcode uint8

const (
	OpGetVersion = Opcode(0x01)
	OpSetConfig  = Opcode(0x02)
	OpInventory  = Opcode(0x03)
	OpRead       = Opcode(0x04)
	OpWrite      = Opcode(0x05)

	responseBit = Opcode(0x80)
)

func (o Opcode) IsResponse() bool { return o&responseBit != 0 }
func (o Opcode) Response() Opcode { return o | responseBit }
func (o Opcode) Command() Opcode  { return o &^ responseBit }

// Frame is one message on the wire:
//
//	"ZB" | version u8 | opcode u8 | seq u32 | length u16 | payload | crc32
//
// The CRC-32 (IEEE) covers everything before it.
type Frame struct {
	Version uint8
	Opcode  Opcode
	Seq     uint32
	Payload []byte
}

// EncodeFrame serializes f. A zero Version is written as FrameVersion.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(f.Payload))
	}
	if f.Version == 0 {
		f.Version = FrameVersion
	}

	buf := make([]byte, 0, HeaderLen+len(f.Payload)+crcLen)
	buf = append(buf, Magic...)
	buf = append(buf, f.Version, uint8(f.Opcode))
	buf = binary.BigEndian.AppendUint32(buf, f.Seq)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// SplitFrames cuts b into the frames it holds back to back,
// trusting each header's length. Frames are not otherwise checked.
func SplitFrames(b []byte) ([][]byte, error) {
	if len(b) == 0 {
		return nil, errors.WithMessage(ErrShortFrame, "0 bytes")
	}
	var frames [][]byte
	for len(b) > 0 {
		if len(b) < HeaderLen+crcLen {
			return nil, errors.WithMessagef(ErrShortFrame, "%d bytes", len(b))
		}
		n := HeaderLen + int(binary.BigEndian.Uint16(b[8:])) + crcLen
		if len(b) < n {
			return nil, errors.WithMessagef(ErrLengthMismatch,
				"frame wants %d bytes, %d remain", n, len(b))
		}
		frames = append(frames, b[:n])
		b = b[n:]
	}
	return frames, nil
}

// DecodeFrame parses exactly one frame from b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < HeaderLen+crcLen {
		return Frame{}, errors.WithMessagef(ErrShortFrame, "%d bytes", len(b))
	}
	if string(b[:2]) != Magic {
		return Frame{}, errors.WithMessagef(ErrBadMagic, "%q", b[:2])
	}
	f := Frame{
		Version: b[2],
		Opcode:  Opcode(b[3]),
		Seq:     binary.BigEndian.Uint32(b[4:]),
	}
	if f.Version != FrameVersion {
		return Frame{}, errors.WithMessagef(ErrBadVersion, "%d", f.Version)
	}

	n := int(binary.BigEndian.Uint16(b[8:]))
	if len(b) != HeaderLen+n+crcLen {
		return Frame{}, errors.WithMessagef(ErrLengthMismatch,
			"header says %d payload bytes, frame has %d", n, len(b)-HeaderLen-crcLen)
	}

	body := b[:HeaderLen+n]
	if got, want := binary.BigEndian.Uint32(b[HeaderLen+n:]), crc32.ChecksumIEEE(body); got != want {
		return Frame{}, errors.WithMessagef(ErrChecksum, "got %08x, computed %08x", got, want)
	}

	f.Payload = append([]byte(nil), b[HeaderLen:HeaderLen+n]...)
	return f, nil
}
