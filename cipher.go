// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fspak

import (
	"crypto/cipher"
	"io"
)

// DefaultKey is the initial key of the pak archives shipped with the game.
// It depends on the pack file name, so other archives need WithKey.
const DefaultKey uint32 = 0xA2A2A2A2

const (
	cipherMultiplier uint32 = 0x1D
	cipherIncrement  uint32 = 0x1B
	cipherModulus    uint32 = 0x72EBCAFE
)

var _ cipher.Stream = (*Cipher)(nil)

// Cipher is the keyed byte stream that covers every metadata record of a pak
// archive. Its whole state is a single 32-bit counter, advanced once per byte.
// The transform is symmetric: encrypting and decrypting are the same operation.
//
// A Cipher is not safe for concurrent use.
type Cipher struct {
	state uint32
}

// NewCipher returns a cipher seeded with key.
func NewCipher(key uint32) *Cipher {
	return &Cipher{state: key}
}

// State returns the current counter value.
func (c *Cipher) State() uint32 { return c.state }

// next advances the counter by one step. The multiplication wraps at 32 bits
// before the modulus is applied, as the archive encoder does.
func (c *Cipher) next() uint32 {
	c.state = (cipherMultiplier*c.state + cipherIncrement) % cipherModulus
	return c.state
}

// Skip advances the counter n steps without producing output.
func (c *Cipher) Skip(n uint64) {
	for ; n > 0; n-- {
		c.next()
	}
}

// XORKeyStream XORs each byte of src with the key stream and stores the result
// in dst. dst and src may overlap entirely.
func (c *Cipher) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("fspak: output smaller than input")
	}
	for i, b := range src {
		s := c.next()
		dst[i] = b ^ byte(s) ^ byte(s>>8) ^ byte(s>>16) ^ byte(s>>24)
	}
}

// Decrypt deciphers buf in place.
func (c *Cipher) Decrypt(buf []byte) { c.XORKeyStream(buf, buf) }

// Encrypt enciphers buf in place.
func (c *Cipher) Encrypt(buf []byte) { c.XORKeyStream(buf, buf) }

// KeyAt returns the counter value reached after n steps from key.
func KeyAt(key uint32, n uint64) uint32 {
	c := NewCipher(key)
	c.Skip(n)
	return c.state
}

// cipherReader deciphers everything read through it with a continuously
// advancing cipher.
type cipherReader struct {
	source *io.SectionReader
	cipher *Cipher
}

func (r *cipherReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.cipher.Decrypt(p[:n])
	}
	return n, err
}

// Discard moves past n bytes of the source, advancing the cipher as if they
// had been read but leaving them untouched.
func (r *cipherReader) Discard(n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := r.source.Seek(n, io.SeekCurrent); err != nil {
		return err
	}
	r.cipher.Skip(uint64(n))
	return nil
}
