// AES-128-CCM* encryption/authentication for 802.15.4 security level 5
// (spec.md §6): AES-128 CCM with a 32-bit MIC. No repository in the
// reference pack vendors an 802.15.4 CCM* implementation (SPEC_FULL.md
// §13), so this is built directly on crypto/aes + crypto/cipher: CCM is
// CTR-mode encryption plus a CBC-MAC authentication tag computed with the
// same block cipher, which is a short primitive once crypto/aes is
// available.
package mac

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// MICLen is the length, in bytes, of the CCM* MIC at security level 5.
const MICLen = 4

// nonceLen is the CCM* nonce length: 8-byte source extended address + 4-byte
// frame counter + 1-byte security level.
const nonceLen = 13

// BuildNonce constructs the 13-byte CCM* nonce from the source extended
// address, the frame counter, and the security level.
func BuildNonce(srcExt [8]byte, frameCounter uint32, level SecurityLevel) (nonce [nonceLen]byte) {
	copy(nonce[0:8], srcExt[:])
	nonce[8] = byte(frameCounter >> 24)
	nonce[9] = byte(frameCounter >> 16)
	nonce[10] = byte(frameCounter >> 8)
	nonce[11] = byte(frameCounter)
	nonce[12] = byte(level)

	return nonce
}

// Encrypt encrypts plaintext into a new slice (returning ciphertext||mic) using key
// and nonce, authenticating aad (the MAC header) alongside it. aad may be
// empty.
func Encrypt(key [16]byte, nonce [nonceLen]byte, aad, plaintext []byte) (sealed []byte, err error) {
	aead, err := newCCM(key)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Decrypt authenticates and decrypts sealed (ciphertext||mic) using key,
// nonce, and aad. It returns an error if the MIC does not verify.
func Decrypt(key [16]byte, nonce [nonceLen]byte, aad, sealed []byte) (plaintext []byte, err error) {
	aead, err := newCCM(key)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, nonce[:], sealed, aad)
}

// newCCM builds an AEAD over AES-128 in CCM mode with a 4-byte tag, matching
// 802.15.4 security level 5. crypto/cipher has no CCM mode, so we build
// the primitive manually.
func newCCM(key [16]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("mac: building AES cipher: %w", err)
	}

	return &ccmAEAD{block: block}, nil
}

// ccmAEAD implements cipher.AEAD as CCM* with a fixed 4-byte tag and a
// 13-byte nonce, per IEEE 802.15.4's security level 5.
type ccmAEAD struct {
	block cipher.Block
}

func (c *ccmAEAD) NonceSize() int { return nonceLen }
func (c *ccmAEAD) Overhead() int  { return MICLen }

func (c *ccmAEAD) Seal(dst, nonce, plaintext, aad []byte) []byte {
	if len(nonce) != nonceLen {
		panic("mac: ccm: bad nonce length")
	}

	tag := c.cbcMAC(nonce, aad, plaintext)

	ciphertext := make([]byte, len(plaintext))
	c.ctrXOR(nonce, 1, plaintext, ciphertext)

	encTag := make([]byte, MICLen)
	c.ctrXOR(nonce, 0, tag[:MICLen], encTag)

	dst = append(dst, ciphertext...)
	dst = append(dst, encTag...)

	return dst
}

func (c *ccmAEAD) Open(dst, nonce, sealed, aad []byte) ([]byte, error) {
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("mac: ccm: bad nonce length")
	}
	if len(sealed) < MICLen {
		return nil, fmt.Errorf("mac: ccm: sealed input shorter than tag")
	}

	ciphertext := sealed[:len(sealed)-MICLen]
	encTag := sealed[len(sealed)-MICLen:]

	tagBlock := make([]byte, MICLen)
	c.ctrXOR(nonce, 0, encTag, tagBlock)

	plaintext := make([]byte, len(ciphertext))
	c.ctrXOR(nonce, 1, ciphertext, plaintext)

	expected := c.cbcMAC(nonce, aad, plaintext)
	if !constantTimeEqual(tagBlock, expected[:MICLen]) {
		return nil, fmt.Errorf("mac: ccm: authentication failed")
	}

	return append(dst, plaintext...), nil
}

// counterBlock builds the CTR-mode counter block: flags byte 0x01, nonce,
// then a 2-byte big-endian block counter.
func (c *ccmAEAD) counterBlock(nonce []byte, counter uint16) (block [16]byte) {
	block[0] = 1 // L' = 1 (2-byte counter), matches the 13-byte nonce
	copy(block[1:1+nonceLen], nonce)
	block[14] = byte(counter >> 8)
	block[15] = byte(counter)

	return block
}

// ctrXOR XORs src into dst using AES-CTR keystream blocks starting at
// startCounter.
func (c *ccmAEAD) ctrXOR(nonce []byte, startCounter uint16, src, dst []byte) {
	var keystream [16]byte

	for off := 0; off < len(src); off += 16 {
		block := c.counterBlock(nonce, startCounter)
		startCounter++

		c.block.Encrypt(keystream[:], block[:])

		n := len(src) - off
		if n > 16 {
			n = 16
		}

		for i := 0; i < n; i++ {
			dst[off+i] = src[off+i] ^ keystream[i]
		}
	}
}

// cbcMAC computes the CBC-MAC authentication tag over aad and plaintext,
// per the CCM construction (RFC 3610 §2.2), using block 0 derived from
// nonce and the lengths of aad/plaintext.
func (c *ccmAEAD) cbcMAC(nonce []byte, aad, plaintext []byte) (tag [16]byte) {
	var b0 [16]byte
	flags := byte(0x01) | byte((MICLen-2)/2)<<3 // L'=1, M'=(M-2)/2
	if len(aad) > 0 {
		flags |= 1 << 6
	}
	b0[0] = flags
	copy(b0[1:1+nonceLen], nonce)
	b0[14] = byte(len(plaintext) >> 8)
	b0[15] = byte(len(plaintext))

	var mac [16]byte
	c.block.Encrypt(mac[:], b0[:])

	if len(aad) > 0 {
		mac = cbcMACUpdate(c.block, mac, encodeAADLength(aad))
	}

	mac = cbcMACUpdate(c.block, mac, plaintext)

	return mac
}

// encodeAADLength prepends the RFC 3610 length encoding to aad and returns
// a byte slice ready to be CBC-MAC'd (the caller pads to 16 bytes per
// block via cbcMACUpdate).
func encodeAADLength(aad []byte) []byte {
	var lenPrefix []byte
	switch {
	case len(aad) < 0xff00:
		lenPrefix = []byte{byte(len(aad) >> 8), byte(len(aad))}
	default:
		lenPrefix = []byte{0xff, 0xfe, byte(len(aad) >> 24), byte(len(aad) >> 16), byte(len(aad) >> 8), byte(len(aad))}
	}

	return append(lenPrefix, aad...)
}

// cbcMACUpdate CBC-MACs data (zero-padded to a block boundary) into mac,
// returning the new running MAC value.
func cbcMACUpdate(block cipher.Block, mac [16]byte, data []byte) [16]byte {
	for off := 0; off < len(data); off += 16 {
		var chunk [16]byte
		n := copy(chunk[:], data[off:])
		_ = n

		for i := range chunk {
			chunk[i] ^= mac[i]
		}

		block.Encrypt(mac[:], chunk[:])
	}

	return mac
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}

	return v == 0
}
