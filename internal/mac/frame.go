// Package mac implements the 802.15.4 MAC layer described in spec.md §4.3:
// frame (de)serialization, CSMA/CA backoff, ACK timeout/retry, AES-CCM*
// frame security, and active/energy scanning.
//
// Frame (de)serialization is grounded on internal/dhcpd/sendEthernet.go's
// use of gopacket: that file composes layers.Ethernet/IPv4/UDP/DHCPv4 via
// gopacket.SerializeLayers. gopacket itself carries no 802.15.4 codec, so
// this package defines its own gopacket.SerializableLayer for the MAC
// header. BuildSecureFrame serializes that header and appends the
// already-encrypted body after it; decoding hands the body back as a
// gopacket.Payload (a stock gopacket type).
package mac

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
)

// LayerTypeDot15d4 is the custom gopacket layer type for the 802.15.4 MAC
// header (registered above gopacket's reserved range).
var LayerTypeDot15d4 = gopacket.RegisterLayerType(
	12154,
	gopacket.LayerTypeMetadata{Name: "Dot15d4", Decoder: gopacket.DecodeFunc(decodeDot15d4)},
)

// FrameType is the 3-bit 802.15.4 frame type field.
type FrameType uint8

// FrameType values.
const (
	FrameTypeBeacon FrameType = 0
	FrameTypeData   FrameType = 1
	FrameTypeAck    FrameType = 2
	FrameTypeMACCmd FrameType = 3
)

// SecurityLevel is the 3-bit security-level field of the aux security
// header. spec.md §6 mandates level 5 (AES-128 CCM, 32-bit MIC) for
// secured Thread traffic.
type SecurityLevel uint8

// SecurityLevel values actually used.
const (
	SecurityNone     SecurityLevel = 0
	SecurityEncMIC32 SecurityLevel = 5
)

// AddrMode is the 2-bit addressing-mode field (none / reserved / short /
// extended).
type AddrMode uint8

// AddrMode values.
const (
	AddrModeNone      AddrMode = 0
	AddrModeShort     AddrMode = 2
	AddrModeExtended  AddrMode = 3
)

// AuxSecHeader is the 802.15.4 auxiliary security header: a 1-byte security
// control field, a 4-byte frame counter, and (key-id-mode 1) a 1-byte key
// index — 6 bytes total, matching spec.md §6's "4-byte aux header +
// 4-byte frame-counter" note once the 1-byte control and 1-byte key index
// are accounted for.
type AuxSecHeader struct {
	Level        SecurityLevel
	KeyIndex     uint8
	FrameCounter uint32
}

// Header is the decoded 802.15.4 MAC header (MHR), excluding the payload
// and MIC which travel as a separate gopacket.Payload layer.
type Header struct {
	FrameType       FrameType
	SecurityEnabled bool
	FramePending    bool
	AckRequest      bool
	PANIDCompress   bool
	Seq             uint8

	DstPAN     uint16
	DstAddr    []byte // 0, 2, or 8 bytes depending on DstAddrMode
	DstAddrMode AddrMode

	SrcPAN     uint16
	SrcAddr    []byte
	SrcAddrMode AddrMode

	Security *AuxSecHeader // nil unless SecurityEnabled

	raw []byte // cached serialized bytes, for LayerContents
}

// type check
var (
	_ gopacket.Layer             = (*Header)(nil)
	_ gopacket.SerializableLayer = (*Header)(nil)
)

// LayerType implements gopacket.Layer.
func (h *Header) LayerType() gopacket.LayerType { return LayerTypeDot15d4 }

// LayerContents implements gopacket.Layer.
func (h *Header) LayerContents() []byte { return h.raw }

// LayerPayload implements gopacket.Layer.
func (h *Header) LayerPayload() []byte { return nil }

// SerializeTo implements gopacket.SerializableLayer. It writes the FCF,
// sequence number, PAN/address fields (honoring PANIDCompress), and the
// aux security header if SecurityEnabled.
func (h *Header) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if h.SecurityEnabled && h.Security == nil {
		return fmt.Errorf("mac: SecurityEnabled set without an AuxSecHeader")
	}

	size := 3 // FCF + seq
	size += 2 + len(h.DstAddr)
	if !h.PANIDCompress {
		size += 2
	}
	size += len(h.SrcAddr)
	if h.SecurityEnabled {
		size += 6
	}

	buf, err := b.PrependBytes(size)
	if err != nil {
		return err
	}

	fcf := uint16(h.FrameType) & 0x7
	if h.SecurityEnabled {
		fcf |= 1 << 3
	}
	if h.FramePending {
		fcf |= 1 << 4
	}
	if h.AckRequest {
		fcf |= 1 << 5
	}
	if h.PANIDCompress {
		fcf |= 1 << 6
	}
	fcf |= uint16(h.DstAddrMode) << 10
	fcf |= uint16(h.SrcAddrMode) << 14

	off := 0
	binary.LittleEndian.PutUint16(buf[off:], fcf)
	off += 2
	buf[off] = h.Seq
	off++

	binary.LittleEndian.PutUint16(buf[off:], h.DstPAN)
	off += 2
	off += copy(buf[off:], h.DstAddr)

	if !h.PANIDCompress {
		binary.LittleEndian.PutUint16(buf[off:], h.SrcPAN)
		off += 2
	}
	off += copy(buf[off:], h.SrcAddr)

	if h.SecurityEnabled {
		buf[off] = byte(h.Security.Level)&0x07 | 1<<3 // key id mode 1
		off++
		binary.LittleEndian.PutUint32(buf[off:], h.Security.FrameCounter)
		off += 4
		buf[off] = h.Security.KeyIndex
		off++
	}

	h.raw = append([]byte(nil), buf...)

	return nil
}

func decodeDot15d4(data []byte, p gopacket.PacketBuilder) error {
	hdr, payload, err := ParseHeader(data)
	if err != nil {
		return err
	}

	p.AddLayer(hdr)

	return p.SetApplicationLayer(gopacket.Payload(payload))
}

// addrLen returns the byte length of addressing mode m.
func addrLen(m AddrMode) int {
	switch m {
	case AddrModeShort:
		return 2
	case AddrModeExtended:
		return 8
	default:
		return 0
	}
}

// ParseHeader decodes the 802.15.4 MHR at the start of data and returns the
// remaining bytes (payload + MIC, if any).
func ParseHeader(data []byte) (h *Header, rest []byte, err error) {
	if len(data) < 3 {
		return nil, nil, fmt.Errorf("mac: frame shorter than FCF+seq")
	}

	fcf := binary.LittleEndian.Uint16(data[0:2])
	seq := data[2]
	off := 3

	h = &Header{
		FrameType:       FrameType(fcf & 0x7),
		SecurityEnabled: fcf&(1<<3) != 0,
		FramePending:    fcf&(1<<4) != 0,
		AckRequest:      fcf&(1<<5) != 0,
		PANIDCompress:   fcf&(1<<6) != 0,
		Seq:             seq,
		DstAddrMode:     AddrMode((fcf >> 10) & 0x3),
		SrcAddrMode:     AddrMode((fcf >> 14) & 0x3),
	}

	need := func(n int) error {
		if off+n > len(data) {
			return fmt.Errorf("mac: frame truncated at offset %d", off)
		}

		return nil
	}

	if h.DstAddrMode != AddrModeNone {
		if err = need(2); err != nil {
			return nil, nil, err
		}
		h.DstPAN = binary.LittleEndian.Uint16(data[off:])
		off += 2

		n := addrLen(h.DstAddrMode)
		if err = need(n); err != nil {
			return nil, nil, err
		}
		h.DstAddr = append([]byte(nil), data[off:off+n]...)
		off += n
	}

	if h.SrcAddrMode != AddrModeNone {
		if !h.PANIDCompress {
			if err = need(2); err != nil {
				return nil, nil, err
			}
			h.SrcPAN = binary.LittleEndian.Uint16(data[off:])
			off += 2
		} else {
			h.SrcPAN = h.DstPAN
		}

		n := addrLen(h.SrcAddrMode)
		if err = need(n); err != nil {
			return nil, nil, err
		}
		h.SrcAddr = append([]byte(nil), data[off:off+n]...)
		off += n
	}

	if h.SecurityEnabled {
		if err = need(6); err != nil {
			return nil, nil, err
		}

		level := SecurityLevel(data[off] & 0x07)
		off++
		counter := binary.LittleEndian.Uint32(data[off:])
		off += 4
		keyIndex := data[off]
		off++

		h.Security = &AuxSecHeader{Level: level, FrameCounter: counter, KeyIndex: keyIndex}
	}

	h.raw = append([]byte(nil), data[:off]...)

	return h, data[off:], nil
}
