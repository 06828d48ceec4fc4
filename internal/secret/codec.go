// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package secret encrypts provider API keys before they are persisted.
//
// The codec uses AES-256-CBC with PKCS#7 padding and a random 16-byte IV per
// encryption. Stored records use the "<hex ciphertext>:<hex iv>" encoding
// produced by Pack.
//
// The mode carries no authentication tag and keys are not versioned, so a
// tampered record decrypts to garbage or fails padding checks rather than
// being detected explicitly. Rotation requires re-encrypting every record.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// KeySize is the size of the AES-256 key (32 bytes / 256 bits).
const KeySize = 32

// IVSize is the CBC initialization vector size (one AES block).
const IVSize = aes.BlockSize

// Separator joins ciphertext and IV in the storage encoding.
const Separator = ":"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidKey indicates the configured key is missing or not 32 bytes.
	ErrInvalidKey = errors.New("encryption key must be 64 hex characters (32 bytes)")
	// ErrInvalidCiphertext indicates malformed ciphertext, IV or storage encoding.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates bad padding, usually a wrong key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// ZeroBytes overwrites key material in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// CODEC
// =============================================================================

// Codec encrypts and decrypts short secrets with a fixed key. It is safe for
// concurrent use.
type Codec struct {
	block cipher.Block
	rand  io.Reader
}

// NewCodec builds a codec from a hex-encoded 32-byte key.
func NewCodec(hexKey string) (*Codec, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != KeySize {
		ZeroBytes(key)
		return nil, ErrInvalidKey
	}
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Codec{block: block, rand: rand.Reader}, nil
}

// GenerateKey returns a new random key in the hex form NewCodec accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	defer ZeroBytes(key)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt returns the ciphertext and the random IV used to produce it.
func (c *Codec) Encrypt(plaintext string) (ciphertext, iv []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), aes.BlockSize)
	defer ZeroBytes(padded)

	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, iv, nil
}

// Decrypt reverses Encrypt.
func (c *Codec) Decrypt(ciphertext, iv []byte) (string, error) {
	if len(iv) != IVSize {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrInvalidCiphertext, IVSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrInvalidCiphertext)
	}

	plain := make([]byte, len(ciphertext))
	defer ZeroBytes(plain)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// Seal encrypts plaintext and returns the storage encoding.
func (c *Codec) Seal(plaintext string) (string, error) {
	ct, iv, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return Pack(ct, iv), nil
}

// Open decodes a storage record and decrypts it.
func (c *Codec) Open(record string) (string, error) {
	ct, iv, err := Unpack(record)
	if err != nil {
		return "", err
	}
	return c.Decrypt(ct, iv)
}

// =============================================================================
// STORAGE ENCODING
// =============================================================================

// Pack encodes a ciphertext/IV pair as "<hex ciphertext>:<hex iv>".
func Pack(ciphertext, iv []byte) string {
	return hex.EncodeToString(ciphertext) + Separator + hex.EncodeToString(iv)
}

// Unpack splits and hex-decodes a record produced by Pack.
func Unpack(record string) (ciphertext, iv []byte, err error) {
	ctHex, ivHex, ok := strings.Cut(record, Separator)
	if !ok || ctHex == "" || ivHex == "" || strings.Contains(ivHex, Separator) {
		return nil, nil, fmt.Errorf("%w: expected <ciphertext>:<iv>", ErrInvalidCiphertext)
	}
	if ciphertext, err = hex.DecodeString(ctHex); err != nil {
		return nil, nil, fmt.Errorf("%w: ciphertext is not hex", ErrInvalidCiphertext)
	}
	if iv, err = hex.DecodeString(ivHex); err != nil {
		return nil, nil, fmt.Errorf("%w: iv is not hex", ErrInvalidCiphertext)
	}
	return ciphertext, iv, nil
}

// =============================================================================
// PKCS#7
// =============================================================================

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	copy(out[len(b):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrDecryptionFailed
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrDecryptionFailed
		}
	}
	return b[:len(b)-n], nil
}
