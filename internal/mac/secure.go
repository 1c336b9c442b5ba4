package mac

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// broadcastShortAddr is the 802.15.4 short-address broadcast destination
// (0xffff), used for MLE multicast frames, which have no single destination
// extended address.
var broadcastShortAddr = []byte{0xff, 0xff}

// BuildSecureFrame serializes a complete AES-CCM*-secured 802.15.4 data
// frame: an MHR addressed to dstExt (or the short broadcast address if
// dstExt is nil) followed by the CCM*-sealed payload, per spec.md §6. key
// is the active MAC key; keyIndex identifies it for the receiver (the
// low byte of the key-sequence counter, since this module doesn't
// implement the full Key Index Mode 1 key-table lookup, only a single
// current/previous/next key per keymanager.Manager).
func BuildSecureFrame(
	seq uint8,
	panID uint16,
	srcExt threadtype.ExtAddr,
	dstExt *threadtype.ExtAddr,
	key keymanager.Key,
	frameCounter uint32,
	keyIndex uint8,
	ackRequest bool,
	payload []byte,
) (frame []byte, err error) {
	hdr := &Header{
		FrameType:       FrameTypeData,
		SecurityEnabled: true,
		AckRequest:      ackRequest,
		PANIDCompress:   true,
		Seq:             seq,
		DstPAN:          panID,
		SrcPAN:          panID,
		SrcAddrMode:     AddrModeExtended,
		SrcAddr:         append([]byte(nil), srcExt[:]...),
		Security: &AuxSecHeader{
			Level:        SecurityEncMIC32,
			KeyIndex:     keyIndex,
			FrameCounter: frameCounter,
		},
	}

	if dstExt != nil {
		hdr.DstAddrMode = AddrModeExtended
		hdr.DstAddr = append([]byte(nil), dstExt[:]...)
	} else {
		hdr.DstAddrMode = AddrModeShort
		hdr.DstAddr = broadcastShortAddr
	}

	buf := gopacket.NewSerializeBuffer()
	if err = hdr.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		return nil, fmt.Errorf("mac: serializing header: %w", err)
	}

	aad := append([]byte(nil), buf.Bytes()...)
	nonce := BuildNonce(srcExt, frameCounter, SecurityEncMIC32)

	sealed, err := Encrypt(key, nonce, aad, payload)
	if err != nil {
		return nil, fmt.Errorf("mac: sealing payload: %w", err)
	}

	return append(aad, sealed...), nil
}

// OpenSecureFrame parses the MHR at the start of frame and, if the frame is
// secured, authenticates and decrypts its payload with key. Unsecured
// frames (security disabled in the FCF) are returned with their payload
// unchanged.
func OpenSecureFrame(frame []byte, key keymanager.Key) (hdr *Header, payload []byte, err error) {
	hdr, rest, err := ParseHeader(frame)
	if err != nil {
		return nil, nil, fmt.Errorf("mac: parsing header: %w", err)
	}

	if !hdr.SecurityEnabled || hdr.Security == nil {
		return hdr, rest, nil
	}

	if len(hdr.SrcAddr) != 8 {
		return nil, nil, fmt.Errorf("mac: secured frame without an extended source address")
	}

	var srcExt threadtype.ExtAddr
	copy(srcExt[:], hdr.SrcAddr)

	nonce := BuildNonce(srcExt, hdr.Security.FrameCounter, hdr.Security.Level)

	payload, err = Decrypt(key, nonce, hdr.raw, rest)
	if err != nil {
		return nil, nil, fmt.Errorf("mac: decrypting payload: %w", err)
	}

	return hdr, payload, nil
}
