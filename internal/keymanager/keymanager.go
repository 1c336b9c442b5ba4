// Package keymanager implements the Key Manager described in spec.md §4.2:
// thrKey derivation from the network master key, per-key-sequence MAC/MLE
// frame counters, and the replay-window/guard-time driven rotation logic.
//
// The derivation function itself is grounded the way dittofs's
// internal/adapter/smb/kdf package derives SMB3 session keys — a
// deterministic KDF over a label — adapted to the Thread thrKey scheme
// (HKDF-SHA256 over the master key, salted by the key-sequence counter,
// with the literal string "Thread" as the info parameter, expanded to a
// MAC key and an MLE key).
package keymanager

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the length, in bytes, of both the master key and each derived
// key (AES-128).
const KeyLen = 16

// threadLabel is the HKDF info parameter mixed into the thrKey derivation,
// per spec.md §3 ("Key Sequence Counter and derived material").
const threadLabel = "Thread"

// Key is a derived 128-bit key.
type Key [KeyLen]byte

// Derive computes the (macKey, mleKey) pair for the given key sequence and
// master key. It is a pure function: the same (masterKey, seq) always
// yields the same output, per spec.md §4.2.
func Derive(masterKey Key, seq uint32) (macKey, mleKey Key) {
	salt := make([]byte, 4)
	binary.LittleEndian.PutUint32(salt, seq)

	r := hkdf.New(sha256.New, masterKey[:], salt, []byte(threadLabel))

	var out [2 * KeyLen]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf.New's Reader only fails past its 255*HashSize output limit,
		// unreachable for a fixed 32-byte expansion.
		panic("keymanager: hkdf expand: " + err.Error())
	}

	copy(mleKey[:], out[:KeyLen])
	copy(macKey[:], out[KeyLen:])

	return macKey, mleKey
}

// AuthResult is the outcome of AuthenticateIncoming.
type AuthResult uint8

// AuthResult values.
const (
	AuthOK AuthResult = iota
	AuthReplay
	AuthUnknownKey
)

// watermark tracks the highest-accepted frame counter for one neighbor
// under one key sequence.
type watermark struct {
	seq     uint32
	counter uint32
	valid   bool
}

// Manager holds the network master key, the current key-sequence counter,
// the per-sequence MAC/MLE frame counters, and per-neighbor replay
// watermarks. It is single-owner, mutated only from the cooperative task
// loop (spec.md §5); no internal locking.
type Manager struct {
	logger *slog.Logger

	masterKey Key
	seq       uint32

	macCounter uint32
	mleCounter uint32

	macKey, mleKey Key

	// guardTimeMs is the minimum interval between an unsolicited rotation
	// triggered by a higher-sequence frame and the prior rotation.
	guardTimeMs      uint32
	lastRotationMs   uint32
	rotationArmed    bool

	// watermarks maps neighbor-identity (opaque key supplied by the
	// caller, typically an extended address) + seq to the last-accepted
	// counter.
	watermarks map[neighborSeqKey]watermark
}

type neighborSeqKey struct {
	neighbor uint64
	seq      uint32
}

// New returns a Manager seeded with masterKey at sequence 0.
func New(logger *slog.Logger, masterKey Key, guardTimeMs uint32) *Manager {
	m := &Manager{
		logger:      logger,
		masterKey:   masterKey,
		guardTimeMs: guardTimeMs,
		watermarks:  make(map[neighborSeqKey]watermark),
	}
	m.macKey, m.mleKey = Derive(masterKey, 0)

	return m
}

// CurrentSequence returns the active key-sequence counter.
func (m *Manager) CurrentSequence() uint32 { return m.seq }

// CurrentKeys returns the MAC and MLE keys for the active sequence.
func (m *Manager) CurrentKeys() (macKey, mleKey Key) {
	return m.macKey, m.mleKey
}

// MACFrameCounter returns this device's own outgoing MAC frame counter.
func (m *Manager) MACFrameCounter() uint32 { return m.macCounter }

// MLEFrameCounter returns this device's own outgoing MLE frame counter.
func (m *Manager) MLEFrameCounter() uint32 { return m.mleCounter }

// NextMACFrameCounter increments and returns this device's outgoing MAC
// frame counter. At the 2^32 wraparound boundary it forces a key-sequence
// rotation instead of silently reusing counter 0 (spec.md §8).
func (m *Manager) NextMACFrameCounter(nowMs uint32) (counter uint32) {
	counter = m.macCounter
	if m.macCounter == ^uint32(0) {
		m.RotateUp(nowMs)
		m.macCounter = 0

		return m.NextMACFrameCounter(nowMs)
	}
	m.macCounter++

	return counter
}

// SetMasterKey replaces the master key and re-derives keys for the current
// sequence. Used by RotateUp/SetSequence's caller during a full key
// refresh (e.g. operational dataset update).
func (m *Manager) SetMasterKey(masterKey Key) {
	m.masterKey = masterKey
	m.macKey, m.mleKey = Derive(masterKey, m.seq)
}

// RotateUp advances the key sequence by one, re-deriving keys and
// refreshing the guard timestamp.
func (m *Manager) RotateUp(nowMs uint32) {
	m.SetSequence(m.seq+1, nowMs)
}

// SetSequence sets the active sequence to n, re-deriving keys. If n moves
// forward by more than one, the per-sequence frame counters reset to zero,
// per spec.md §4.2.
func (m *Manager) SetSequence(n uint32, nowMs uint32) {
	if int32(n-m.seq) > 1 {
		m.macCounter = 0
		m.mleCounter = 0
	}

	m.seq = n
	m.macKey, m.mleKey = Derive(m.masterKey, n)
	m.lastRotationMs = nowMs
	m.rotationArmed = true
}

// guardElapsed reports whether the guard time has elapsed since the last
// rotation, using signed-delta arithmetic to tolerate ms-clock wraparound.
func (m *Manager) guardElapsed(nowMs uint32) bool {
	if !m.rotationArmed {
		return true
	}

	return int32(nowMs-m.lastRotationMs) >= int32(m.guardTimeMs)
}

// AuthenticateIncoming validates a received frame's (seq, counter) pair for
// the given neighbor identity (an opaque uint64, typically the extended
// address). It accepts seq in {current-1, current, current+1}: a seq one
// ahead triggers a deferred rotation once the guard time has elapsed,
// otherwise the frame is admitted without rotating (spec.md §4.2). Per
// (neighbor, seq), the counter must strictly exceed the stored watermark.
func (m *Manager) AuthenticateIncoming(
	neighbor uint64,
	seq uint32,
	counter uint32,
	nowMs uint32,
) (result AuthResult, err error) {
	switch {
	case seq == m.seq, seq == m.seq-1:
		// accepted as-is
	case seq == m.seq+1:
		if m.guardElapsed(nowMs) {
			m.RotateUp(nowMs)
		}
		// else: admit without rotating yet.
	default:
		return AuthUnknownKey, errors.Annotate(
			errors.Error("key sequence out of window"),
			"authenticating incoming frame: %w",
		)
	}

	key := neighborSeqKey{neighbor: neighbor, seq: seq}
	wm := m.watermarks[key]
	if wm.valid && counter <= wm.counter {
		if m.logger != nil {
			m.logger.Debug(
				"rejecting replayed frame",
				"neighbor", neighbor, "seq", seq, "counter", counter,
				slogutil.KeyError, "counter did not exceed watermark",
			)
		}

		return AuthReplay, nil
	}

	m.watermarks[key] = watermark{seq: seq, counter: counter, valid: true}

	return AuthOK, nil
}

// Watermark returns the stored high-watermark counter for (neighbor, seq),
// for diagnostics and tests.
func (m *Manager) Watermark(neighbor uint64, seq uint32) (counter uint32, ok bool) {
	wm, ok := m.watermarks[neighborSeqKey{neighbor: neighbor, seq: seq}]

	return wm.counter, ok && wm.valid
}
