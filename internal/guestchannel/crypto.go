// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guestchannel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/originull/vfioctl/pkg/model"
)

// cipher seals and opens frame payloads under the transport key agreed
// during the handshake. Sequence numbers are threaded in by the caller so
// nonces are never reused and monotonicity can be checked independently
// of the cipher in use.
type cipher interface {
	seal(seq uint64, plaintext []byte) []byte
	open(seq uint64, ciphertext []byte) ([]byte, error)
}

// boxCipher is the default: an ephemeral X25519 keypair generated for
// each handshake, precomputed into a shared key with the guest's
// ephemeral public key exchanged during the handshake.
type boxCipher struct {
	shared [32]byte
}

func newBoxCipher(ourPriv, theirPub *[32]byte) *boxCipher {
	var shared [32]byte
	box.Precompute(&shared, theirPub, ourPriv)
	return &boxCipher{shared: shared}
}

func (c *boxCipher) nonce(seq uint64) [24]byte {
	var n [24]byte
	binary.BigEndian.PutUint64(n[16:], seq)
	return n
}

func (c *boxCipher) seal(seq uint64, plaintext []byte) []byte {
	nonce := c.nonce(seq)
	return box.SealAfterPrecomputation(nil, plaintext, &nonce, &c.shared)
}

func (c *boxCipher) open(seq uint64, ciphertext []byte) ([]byte, error) {
	nonce := c.nonce(seq)
	out, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &c.shared)
	if !ok {
		return nil, model.New(model.KindAuthFailed, "guestchannel.boxCipher.open", fmt.Errorf("decryption/authentication failed"))
	}
	return out, nil
}

// pskCipher is the pre-shared-key fallback using ChaCha20-Poly1305.
type pskCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func newPSKCipher(psk []byte) (*pskCipher, error) {
	aead, err := chacha20poly1305.New(psk)
	if err != nil {
		return nil, model.New(model.KindAuthFailed, "guestchannel.newPSKCipher", err)
	}
	return &pskCipher{aead: aead}, nil
}

func (c *pskCipher) nonce(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], seq)
	return n
}

func (c *pskCipher) seal(seq uint64, plaintext []byte) []byte {
	return c.aead.Seal(nil, c.nonce(seq), plaintext, nil)
}

func (c *pskCipher) open(seq uint64, ciphertext []byte) ([]byte, error) {
	out, err := c.aead.Open(nil, c.nonce(seq), ciphertext, nil)
	if err != nil {
		return nil, model.New(model.KindAuthFailed, "guestchannel.pskCipher.open", err)
	}
	return out, nil
}

// generateEphemeralKeypair produces a fresh X25519 keypair; the keypair
// handshake mode calls it once per handshake.
func generateEphemeralKeypair() (pub, priv *[32]byte, err error) {
	pub, priv, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, model.New(model.KindAuthFailed, "guestchannel.generateEphemeralKeypair", err)
	}
	return pub, priv, nil
}
