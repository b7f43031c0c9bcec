//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package tag defines the binary memory layout of a sample-tracking tag
// and the codec that moves sample records in and out of it.
//
// A tag image is four consecutive regions:
//
//	Header           16 bytes   type, version, flags, declared payload length
//	EncryptedPayload 64-128     16 byte IV followed by AES-256-CBC ciphertext
//	IntegrityHash    32 bytes   digest of EncryptedPayload
//	Metadata         16 bytes   write time (unix seconds), read count
//
// All multi-byte integers are big endian.
package tag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

const (
	HeaderSize     = 16
	HashSize       = 32
	MetadataSize   = 16
	MinPayloadSize = 64
	MaxPayloadSize = 128

	MinSize = HeaderSize + MinPayloadSize + HashSize + MetadataSize
	MaxSize = HeaderSize + MaxPayloadSize + HashSize + MetadataSize

	TypeSampleTracking = 0x01
	LayoutVersion      = 0x01

	// FlagEncrypted marks the payload as IV || ciphertext.
	FlagEncrypted = 1 << 0
	// FlagBLAKE3 selects BLAKE3-256 for the integrity hash instead of SHA-256.
	FlagBLAKE3 = 1 << 1

	knownFlags = FlagEncrypted | FlagBLAKE3

	hdrType       = 0
	hdrVersion    = 1
	hdrFlags      = 2
	hdrPayloadLen = 4

	metaWrittenAt = 0
	metaReadCount = 8
)

var ErrMalformedTag = errors.New("malformed tag")

// Digest is a fixed-width integrity hash.
type Digest [HashSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// HashAlg selects the digest used for the integrity region.
type HashAlg int

const (
	SHA256 = HashAlg(iota)
	BLAKE3
)

func (h HashAlg) String() string {
	if h == BLAKE3 {
		return "BLAKE3"
	}
	return "SHA256"
}

func (h HashAlg) sum(b []byte) Digest {
	if h == BLAKE3 {
		return blake3.Sum256(b)
	}
	return sha256.Sum256(b)
}

// Layout is a tag memory image split into its regions.
type Layout struct {
	Header   [HeaderSize]byte
	Payload  []byte
	Hash     Digest
	Metadata [MetadataSize]byte
}

func (l *Layout) Type() byte    { return l.Header[hdrType] }
func (l *Layout) Version() byte { return l.Header[hdrVersion] }
func (l *Layout) Flags() byte   { return l.Header[hdrFlags] }

// DeclaredPayloadLen is the payload length recorded in the header,
// which may disagree with len(Payload) on a damaged tag.
func (l *Layout) DeclaredPayloadLen() int {
	return int(binary.BigEndian.Uint16(l.Header[hdrPayloadLen:]))
}

// HashAlg reports which digest the header selects.
func (l *Layout) HashAlg() HashAlg {
	if l.Flags()&FlagBLAKE3 != 0 {
		return BLAKE3
	}
	return SHA256
}

// ComputeDigest hashes the payload as it is now.
func (l *Layout) ComputeDigest() Digest {
	return l.HashAlg().sum(l.Payload)
}

// WrittenAt is the time recorded when the tag was last written.
func (l *Layout) WrittenAt() time.Time {
	// #nosec G115
	return time.Unix(int64(binary.BigEndian.Uint64(l.Metadata[metaWrittenAt:])), 0).UTC()
}

func (l *Layout) ReadCount() uint64 {
	return binary.BigEndian.Uint64(l.Metadata[metaReadCount:])
}

func (l *Layout) SetReadCount(n uint64) {
	binary.BigEndian.PutUint64(l.Metadata[metaReadCount:], n)
}

func (l *Layout) setWrittenAt(t time.Time) {
	// #nosec G115
	binary.BigEndian.PutUint64(l.Metadata[metaWrittenAt:], uint64(t.Unix()))
}

// Check validates the header against the payload.
func (l *Layout) Check() error {
	if l.Type() != TypeSampleTracking {
		return errors.Wrapf(ErrMalformedTag, "unknown tag type 0x%02x", l.Type())
	}
	if l.Version() != LayoutVersion {
		return errors.Wrapf(ErrMalformedTag, "unknown layout version 0x%02x", l.Version())
	}
	if f := l.Flags(); f&^knownFlags != 0 {
		return errors.Wrapf(ErrMalformedTag, "unknown flags 0x%02x", f)
	}
	if n := len(l.Payload); n < MinPayloadSize || n > MaxPayloadSize {
		return errors.Wrapf(ErrMalformedTag, "payload length %d outside [%d, %d]",
			n, MinPayloadSize, MaxPayloadSize)
	}
	if d := l.DeclaredPayloadLen(); d != len(l.Payload) {
		return errors.Wrapf(ErrMalformedTag, "header declares %d payload bytes, found %d",
			d, len(l.Payload))
	}
	return nil
}

// Size is the length of the encoded image.
func (l *Layout) Size() int {
	return HeaderSize + len(l.Payload) + HashSize + MetadataSize
}

// Bytes returns the tag image.
func (l *Layout) Bytes() []byte {
	b := make([]byte, 0, l.Size())
	b = append(b, l.Header[:]...)
	b = append(b, l.Payload...)
	b = append(b, l.Hash[:]...)
	return append(b, l.Metadata[:]...)
}

// Clone returns a deep copy.
func (l Layout) Clone() Layout {
	l.Payload = append([]byte(nil), l.Payload...)
	return l
}

// Parse splits a tag image into its regions.
//
// The payload length is implied by the image length,
// and it must agree with the length declared in the header.
func Parse(raw []byte) (Layout, error) {
	var l Layout
	if len(raw) < MinSize || len(raw) > MaxSize {
		return l, errors.Wrapf(ErrMalformedTag, "image length %d outside [%d, %d]",
			len(raw), MinSize, MaxSize)
	}

	n := len(raw) - HeaderSize - HashSize - MetadataSize
	copy(l.Header[:], raw[:HeaderSize])
	l.Payload = append([]byte(nil), raw[HeaderSize:HeaderSize+n]...)
	copy(l.Hash[:], raw[HeaderSize+n:HeaderSize+n+HashSize])
	copy(l.Metadata[:], raw[HeaderSize+n+HashSize:])

	if err := l.Check(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// ReadCountOf extracts the read count from a tag image
// without validating the rest of it.
func ReadCountOf(raw []byte) (uint64, error) {
	if len(raw) < MinSize {
		return 0, errors.Wrapf(ErrMalformedTag, "image length %d too short", len(raw))
	}
	return binary.BigEndian.Uint64(raw[len(raw)-MetadataSize+metaReadCount:]), nil
}

// IncrementReadCount adds one to the read count of a tag image in place
// and returns the new count.
// Only the metadata region is touched, so a damaged tag still counts reads.
func IncrementReadCount(raw []byte) (uint64, error) {
	n, err := ReadCountOf(raw)
	if err != nil {
		return 0, err
	}
	n++
	binary.BigEndian.PutUint64(raw[len(raw)-MetadataSize+metaReadCount:], n)
	return n, nil
}
