// Package platform provides the Radio HAL shim for running against a real
// network interface instead of a simulated radio. spec.md §7 treats
// otPlatRadio* as an external collaborator implemented by the platform
// layer; LinuxRadio is that collaborator for Linux, framing 802.15.4-style
// frames over an AF_PACKET raw socket bound to one interface, the way
// internal/dhcpd's sendEthernet opens and binds its own raw socket.
//
// There is no real 802.15.4 transceiver behind this: CCA always reports the
// channel idle, and the Set* calls only record the requested radio
// configuration since there are no hardware registers to program. It exists
// so the mesh core can be exercised against loopback or a tap interface
// without a hardware transceiver.
//go:build linux

package platform

import (
	"errors"
	"fmt"

	"github.com/openthread-go/meshcore/internal/threadtype"
	"golang.org/x/sys/unix"
)

// rxQueueDepth bounds the number of frames buffered between the recvLoop
// goroutine and a caller's Poll. A full queue drops the oldest-pending
// frame rather than blocking the socket read, since the 802.15.4 MAC above
// Poll has no notion of backpressure either.
const rxQueueDepth = 64

// LinuxRadio sends and receives raw frames over an AF_PACKET socket bound
// to one network interface.
//
// Receiving happens on a dedicated goroutine (recvLoop) that only ever
// touches the socket fd and an rxCh channel; every other field is read or
// written exclusively by the single-threaded caller driving CCA/Transmit/
// Poll, matching the no-mutex, single-owner model the rest of this stack
// assumes (internal/tasklet's scheduler is not safe for concurrent use, so
// received frames are handed to Poll for the caller's own Run loop to feed
// to Instance.HandleFrame, rather than dispatched directly from recvLoop).
type LinuxRadio struct {
	fd      int
	ifIndex int
	rxCh    chan []byte

	panID   uint16
	short   uint16
	extAddr threadtype.ExtAddr
	channel uint8
}

// NewLinuxRadio opens an AF_PACKET/SOCK_RAW socket, binds it to the
// interface at ifIndex, and starts the background frame-receive loop.
func NewLinuxRadio(ifIndex int) (*LinuxRadio, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: opening raw socket: %w", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: 0,
		Ifindex:  ifIndex,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("platform: binding raw socket to interface %d: %w", ifIndex, err)
	}

	r := &LinuxRadio{fd: fd, ifIndex: ifIndex, rxCh: make(chan []byte, rxQueueDepth)}
	go r.recvLoop()

	return r, nil
}

// recvLoop blocks on the raw socket until a frame arrives, a signal
// interrupts the read, or the socket is closed. It exits once Recvfrom
// reports the fd is gone (EBADF once Close has run).
func (r *LinuxRadio) recvLoop() {
	buf := make([]byte, 128)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			// EBADF/EINVAL: the socket was closed out from under us.
			return
		}

		frame := append([]byte(nil), buf[:n]...)

		select {
		case r.rxCh <- frame:
		default:
			// Queue full: drop the oldest buffered frame to make room
			// rather than block the read and stall the radio.
			select {
			case <-r.rxCh:
			default:
			}

			r.rxCh <- frame
		}
	}
}

// Poll returns the next buffered received frame, if any, without blocking.
// The caller's own Run loop (the same one driving Instance.Run) should
// call Poll once per iteration and hand any returned frame to
// Instance.HandleFrame.
func (r *LinuxRadio) Poll() (frame []byte, ok bool) {
	select {
	case frame = <-r.rxCh:
		return frame, true
	default:
		return nil, false
	}
}

// Close releases the underlying socket, which in turn unblocks and stops
// recvLoop.
func (r *LinuxRadio) Close() error {
	return unix.Close(r.fd)
}

// CCA reports the channel idle; there is no hardware energy detector
// behind a raw socket.
func (r *LinuxRadio) CCA() (idle bool, err error) { return true, nil }

// Transmit writes frame to the bound interface as a single link-layer
// packet addressed to the interface's own broadcast link address.
func (r *LinuxRadio) Transmit(frame []byte) error {
	addr := unix.SockaddrLinklayer{
		Ifindex: r.ifIndex,
		Halen:   6,
	}
	copy(addr.Addr[:6], r.extAddr[2:8])

	if err := unix.Sendto(r.fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("platform: sendto: %w", err)
	}

	return nil
}

// SetPanID records the PAN ID; there is no hardware address filter to
// program.
func (r *LinuxRadio) SetPanID(panID uint16) error {
	r.panID = panID

	return nil
}

// SetShortAddress records the short address.
func (r *LinuxRadio) SetShortAddress(short uint16) error {
	r.short = short

	return nil
}

// SetExtendedAddress records the extended address used as the source link
// address on Transmit.
func (r *LinuxRadio) SetExtendedAddress(ext threadtype.ExtAddr) error {
	r.extAddr = ext

	return nil
}

// SetChannel records the operating channel.
func (r *LinuxRadio) SetChannel(channel uint8) error {
	r.channel = channel

	return nil
}
