// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guestchannel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxCipherRoundTrip(t *testing.T) {
	hostPub, hostPriv, err := generateEphemeralKeypair()
	require.NoError(t, err)
	guestPub, guestPriv, err := generateEphemeralKeypair()
	require.NoError(t, err)

	hostSide := newBoxCipher(hostPriv, guestPub)
	guestSide := newBoxCipher(guestPriv, hostPub)

	plaintext := []byte(`{"id":1,"command":"ping"}`)
	ciphertext := hostSide.seal(1, plaintext)

	got, err := guestSide.open(1, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestBoxCipherRejectsWrongSequence(t *testing.T) {
	hostPub, hostPriv, err := generateEphemeralKeypair()
	require.NoError(t, err)
	guestPub, guestPriv, err := generateEphemeralKeypair()
	require.NoError(t, err)

	hostSide := newBoxCipher(hostPriv, guestPub)
	guestSide := newBoxCipher(guestPriv, hostPub)

	ciphertext := hostSide.seal(1, []byte("payload"))
	_, err = guestSide.open(2, ciphertext)
	assert.Error(t, err)
}

func TestPSKCipherRoundTrip(t *testing.T) {
	psk := make([]byte, 32)
	for i := range psk {
		psk[i] = byte(i)
	}

	sender, err := newPSKCipher(psk)
	require.NoError(t, err)
	receiver, err := newPSKCipher(psk)
	require.NoError(t, err)

	plaintext := []byte("psk message")
	ciphertext := sender.seal(7, plaintext)

	got, err := receiver.open(7, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestPSKCipherWrongKeyFails(t *testing.T) {
	psk1 := make([]byte, 32)
	psk2 := make([]byte, 32)
	psk2[0] = 1

	sender, err := newPSKCipher(psk1)
	require.NoError(t, err)
	receiver, err := newPSKCipher(psk2)
	require.NoError(t, err)

	ciphertext := sender.seal(1, []byte("payload"))
	_, err = receiver.open(1, ciphertext)
	assert.Error(t, err)
}
