package mac_test

import (
	"bytes"
	"testing"

	"github.com/openthread-go/meshcore/internal/mac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i)
	}

	var srcExt [8]byte
	for i := range srcExt {
		srcExt[i] = byte(0xa0 + i)
	}

	nonce := mac.BuildNonce(srcExt, 5, mac.SecurityEncMIC32)
	aad := []byte{0x41, 0x88, 0x01}
	plaintext := []byte("thread mesh payload")

	sealed, err := mac.Encrypt(key, nonce, aad, plaintext)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plaintext)+mac.MICLen)

	got, err := mac.Decrypt(key, nonce, aad, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	var key [16]byte
	nonce := mac.BuildNonce([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1, mac.SecurityEncMIC32)
	aad := []byte{0x01}
	plaintext := []byte("hello")

	sealed, err := mac.Encrypt(key, nonce, aad, plaintext)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0xff

	_, err = mac.Decrypt(key, nonce, aad, tampered)
	assert.Error(t, err)
}

func TestDecrypt_RejectsWrongAAD(t *testing.T) {
	var key [16]byte
	nonce := mac.BuildNonce([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1, mac.SecurityEncMIC32)
	plaintext := []byte("hello")

	sealed, err := mac.Encrypt(key, nonce, []byte{0x01}, plaintext)
	require.NoError(t, err)

	_, err = mac.Decrypt(key, nonce, []byte{0x02}, sealed)
	assert.Error(t, err)
}

func TestEncrypt_DifferentNoncesProduceDifferentCiphertext(t *testing.T) {
	var key [16]byte
	plaintext := []byte("same plaintext")

	n1 := mac.BuildNonce([8]byte{1}, 1, mac.SecurityEncMIC32)
	n2 := mac.BuildNonce([8]byte{1}, 2, mac.SecurityEncMIC32)

	s1, err := mac.Encrypt(key, n1, nil, plaintext)
	require.NoError(t, err)
	s2, err := mac.Encrypt(key, n2, nil, plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(s1, s2))
}
