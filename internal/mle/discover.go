package mle

import "github.com/openthread-go/meshcore/internal/threadtype"

// DiscoverResult is one network observed by a directed MLE Discover
// (spec.md §4.6 "discover").
type DiscoverResult struct {
	NetworkName string
	ExtPANID    [8]byte
	PANID       uint16
	ExtAddr     threadtype.ExtAddr
	Channel     uint8
	RSSI        int8
	IsJoinable  bool
}

// Scanner abstracts the MAC active-scan surface Discover drives (spec.md
// §4.3 "active_scan"), so this package does not depend on internal/mac
// directly.
type Scanner interface {
	StartActiveScan(channels []uint8, dwellMs uint32, onBeacon func(panID uint16, ext threadtype.ExtAddr, channel uint8, rssi int8, joinable bool), onDone func()) error
}

// Discover performs a directed MLE Beacon Request across channelMask,
// reporting every discovered network through cb and calling done once
// every channel has been visited (spec.md §4.6 "discover").
func (m *Machine) Discover(scanner Scanner, channelMask []uint8, dwellMs uint32, cb func(DiscoverResult), done func()) error {
	return scanner.StartActiveScan(channelMask, dwellMs, func(panID uint16, ext threadtype.ExtAddr, channel uint8, rssi int8, joinable bool) {
		cb(DiscoverResult{
			PANID:      panID,
			ExtAddr:    ext,
			Channel:    channel,
			RSSI:       rssi,
			IsJoinable: joinable,
		})
	}, done)
}
