//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package tag

import (
	"encoding/binary"

	"edgexfoundry-holding/sampleguard-rfid/internal/clock"
	"edgexfoundry-holding/sampleguard-rfid/internal/tagcrypt"
	"github.com/pkg/errors"
)

const (
	// minPlaintext pads to a 48 byte ciphertext, the smallest legal payload.
	minPlaintext = MinPayloadSize - tagcrypt.IVSize - tagcrypt.IVSize
	// maxPlaintext pads to a 112 byte ciphertext, the largest legal payload.
	maxPlaintext = MaxPayloadSize - tagcrypt.IVSize - 1
)

var (
	ErrPayloadTooLarge = errors.New("sample record too large for tag")
	ErrPayloadCorrupt  = errors.New("payload corrupt")
)

// Codec encodes sample records into tag layouts and back.
type Codec struct {
	crypto *tagcrypt.Context
	alg    HashAlg
	clock  clock.Clock
}

type CodecOption func(*Codec)

// WithHashAlg selects the integrity digest for newly encoded tags.
// Decoding always honours whatever the tag's header says.
func WithHashAlg(a HashAlg) CodecOption {
	return func(c *Codec) { c.alg = a }
}

// WithClock sets the clock used to stamp the write time.
func WithClock(clk clock.Clock) CodecOption {
	return func(c *Codec) { c.clock = clk }
}

func NewCodec(crypto *tagcrypt.Context, opts ...CodecOption) *Codec {
	c := &Codec{crypto: crypto, alg: SHA256, clock: clock.Real()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode serializes, encrypts, and hashes r into a fresh Layout
// with a read count of zero.
func (c *Codec) Encode(r SampleRecord) (Layout, error) {
	plain, err := r.MarshalBinary()
	if err != nil {
		return Layout{}, errors.Wrap(err, "failed to serialize sample record")
	}
	if len(plain) > maxPlaintext {
		return Layout{}, errors.Wrapf(ErrPayloadTooLarge,
			"serialized record is %d bytes, limit %d", len(plain), maxPlaintext)
	}
	if len(plain) < minPlaintext {
		plain = append(plain, make([]byte, minPlaintext-len(plain))...)
	}

	ct, iv, err := c.crypto.Encrypt(plain)
	if err != nil {
		return Layout{}, err
	}

	var l Layout
	l.Payload = append(iv, ct...)
	l.Header[hdrType] = TypeSampleTracking
	l.Header[hdrVersion] = LayoutVersion
	l.Header[hdrFlags] = FlagEncrypted
	if c.alg == BLAKE3 {
		l.Header[hdrFlags] |= FlagBLAKE3
	}
	// #nosec G115 -- bounded by maxPlaintext
	binary.BigEndian.PutUint16(l.Header[hdrPayloadLen:], uint16(len(l.Payload)))
	l.Hash = l.ComputeDigest()
	l.setWrittenAt(c.clock.Now())
	return l, nil
}

// Decode decrypts and parses the payload, returning the record
// along with the hash stored on the tag.
//
// Decode does not compare the stored hash with the payload,
// so a tampered tag can still be inspected;
// callers decide whether to trust the result.
func (c *Codec) Decode(l Layout) (SampleRecord, Digest, error) {
	if err := l.Check(); err != nil {
		return SampleRecord{}, l.Hash, err
	}
	if l.Flags()&FlagEncrypted == 0 {
		return SampleRecord{}, l.Hash, errors.Wrap(ErrMalformedTag, "payload is not encrypted")
	}

	plain, err := c.crypto.Decrypt(l.Payload[tagcrypt.IVSize:], l.Payload[:tagcrypt.IVSize])
	if err != nil {
		return SampleRecord{}, l.Hash, err
	}

	var r SampleRecord
	if err := r.UnmarshalBinary(plain); err != nil {
		return SampleRecord{}, l.Hash, errors.Wrap(ErrPayloadCorrupt, err.Error())
	}
	return r, l.Hash, nil
}

// DecodeBytes parses a tag image and decodes it.
func (c *Codec) DecodeBytes(raw []byte) (SampleRecord, Layout, error) {
	l, err := Parse(raw)
	if err != nil {
		return SampleRecord{}, l, err
	}
	r, _, err := c.Decode(l)
	return r, l, err
}

func (c *Codec) HashAlg() HashAlg {
	return c.alg
}

func (c *Codec) Crypto() *tagcrypt.Context {
	return c.crypto
}
