//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package tagcrypt encrypts tag payloads with AES-256-CBC
// and derives the payload keys from an operator-supplied master key.
//
// Every call to Encrypt draws a fresh IV from a cryptographically secure source.
// CBC confidentiality depends on never reusing an IV under the same key,
// so the Engine also remembers the IVs it has issued for each key
// and draws again on the (astronomically unlikely) event of a repeat.
package tagcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived AES-256 key.
	KeySize = 32
	// IVSize is the size of a CBC initialization vector.
	IVSize = aes.BlockSize
	// MinMasterKeySize is the smallest master key DeriveKey accepts.
	MinMasterKeySize = 16

	// DefaultIVHistory is the number of IVs remembered per key.
	DefaultIVHistory = 1 << 14

	maxIVDraws = 8
	infoPrefix = "sampleguard.tag.v1/"
)

var (
	ErrDecryption = errors.New("decryption failed")
	// ErrInvalidPadding is a kind of ErrDecryption.
	ErrInvalidPadding = errors.WithMessage(ErrDecryption, "invalid padding")
	ErrKeySize        = errors.New("invalid key size")
	ErrIVReuse        = errors.New("unable to draw a unique IV")
)

// DeriveKey derives a KeySize-byte key from the master key using HKDF-SHA256.
// The context string separates keys used for different purposes;
// identical inputs always produce the identical key.
func DeriveKey(masterKey []byte, context string) ([]byte, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, errors.Wrapf(ErrKeySize, "master key must be at least %d bytes, got %d",
			MinMasterKeySize, len(masterKey))
	}

	r := hkdf.New(sha256.New, masterKey, nil, []byte(infoPrefix+context))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}
	return key, nil
}

// Pad applies PKCS#7 padding.
// A full block of padding is added when len(b) is already block aligned.
func Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad removes PKCS#7 padding, returning ErrInvalidPadding
// unless every padding byte agrees with the final byte.
func Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.Wrapf(ErrInvalidPadding, "length %d is not a multiple of %d",
			len(b), blockSize)
	}

	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, errors.Wrapf(ErrInvalidPadding, "pad byte %d out of range", n)
	}

	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.Wrapf(ErrInvalidPadding, "inconsistent pad bytes")
		}
	}

	return b[:len(b)-n], nil
}

type fingerprint [8]byte

func fingerprintOf(key []byte) (f fingerprint) {
	sum := sha256.Sum256(key)
	copy(f[:], sum[:])
	return
}

// ivHistory is a bounded set of issued IVs.
// Once full, the oldest IV is forgotten to make room.
type ivHistory struct {
	seen  map[[IVSize]byte]struct{}
	order [][IVSize]byte
	next  int
}

func (h *ivHistory) add(iv [IVSize]byte, limit int) bool {
	if _, ok := h.seen[iv]; ok {
		return false
	}

	if len(h.order) < limit {
		h.order = append(h.order, iv)
	} else {
		delete(h.seen, h.order[h.next])
		h.order[h.next] = iv
		h.next = (h.next + 1) % limit
	}
	h.seen[iv] = struct{}{}
	return true
}

// Engine performs AES-256-CBC encryption with PKCS#7 padding.
// It is safe for concurrent use.
type Engine struct {
	rand  io.Reader
	limit int

	mu      sync.Mutex
	history map[fingerprint]*ivHistory
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandom replaces the IV source, which defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithIVHistory sets the number of IVs remembered per key.
func WithIVHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rand:    rand.Reader,
		limit:   DefaultIVHistory,
		history: map[fingerprint]*ivHistory{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) newIV(key []byte) ([]byte, error) {
	fp := fingerprintOf(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.history[fp]
	if !ok {
		h = &ivHistory{seen: map[[IVSize]byte]struct{}{}}
		e.history[fp] = h
	}

	var iv [IVSize]byte
	for i := 0; i < maxIVDraws; i++ {
		if _, err := io.ReadFull(e.rand, iv[:]); err != nil {
			return nil, errors.Wrap(err, "failed to read IV")
		}
		if h.add(iv, e.limit) {
			return iv[:], nil
		}
	}

	return nil, errors.Wrapf(ErrIVReuse, "%d draws repeated an issued IV", maxIVDraws)
}

// Encrypt pads and encrypts plaintext under key with a fresh IV.
func (e *Engine) Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil || len(key) != KeySize {
		return nil, nil, errors.Wrapf(ErrKeySize, "need %d byte key, got %d", KeySize, len(key))
	}

	iv, err = e.newIV(key)
	if err != nil {
		return nil, nil, err
	}

	padded := Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// Decrypt reverses Encrypt.
// It fails with ErrDecryption if the inputs are the wrong shape
// and with ErrInvalidPadding if the recovered padding is not self-consistent,
// which is also what a wrong key usually looks like.
func (e *Engine) Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrDecryption, "need %d byte key, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, errors.Wrapf(ErrDecryption, "need %d byte IV, got %d", IVSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrDecryption,
			"ciphertext length %d is not a positive multiple of %d",
			len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(ErrDecryption, err.Error())
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return Unpad(plain, aes.BlockSize)
}

// Context binds an Engine to one derived payload key.
// The master key is discarded after derivation
// and neither key is ever printed.
type Context struct {
	engine *Engine
	key    []byte
	label  string
}

// NewContext derives the key for label from masterKey.
// A nil engine gets a fresh default Engine.
func NewContext(masterKey []byte, label string, engine *Engine) (*Context, error) {
	key, err := DeriveKey(masterKey, label)
	if err != nil {
		return nil, err
	}
	if engine == nil {
		engine = NewEngine()
	}
	return &Context{engine: engine, key: key, label: label}, nil
}

func (c *Context) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	return c.engine.Encrypt(plaintext, c.key)
}

func (c *Context) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	return c.engine.Decrypt(ciphertext, iv, c.key)
}

// Key returns a copy of the derived key.
func (c *Context) Key() []byte {
	k := make([]byte, len(c.key))
	copy(k, c.key)
	return k
}

// Label returns the context label used during derivation.
func (c *Context) Label() string {
	return c.label
}

// Fingerprint is a short, non-secret identifier for the derived key,
// suitable for logs.
func (c *Context) Fingerprint() string {
	fp := fingerprintOf(c.key)
	return hex.EncodeToString(fp[:4])
}

func (c *Context) String() string {
	return "tagcrypt.Context{label:" + c.label + ", key:<redacted>}"
}
