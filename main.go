package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/openthread-go/meshcore/internal/keymanager"
	"github.com/openthread-go/meshcore/internal/thread"
	"github.com/openthread-go/meshcore/internal/threadtype"
)

// noopRadio is a placeholder Radio HAL: spec.md §1 treats otPlatRadio* as an
// external collaborator, so this binary has nothing real to program until
// it's linked against a platform driver. It exists so `go build ./...`
// produces a runnable entry point that demonstrates Instance wiring.
type noopRadio struct {
	logger *slog.Logger
}

func (r noopRadio) CCA() (idle bool, err error) { return true, nil }

func (r noopRadio) Transmit(frame []byte) error {
	r.logger.Debug("radio: transmit", "bytes", len(frame))

	return nil
}

func (r noopRadio) SetPanID(panID uint16) error                     { return nil }
func (r noopRadio) SetShortAddress(short uint16) error              { return nil }
func (r noopRadio) SetExtendedAddress(ext threadtype.ExtAddr) error { return nil }
func (r noopRadio) SetChannel(channel uint8) error                  { return nil }

func main() {
	logger := slogutil.New(&slogutil.Config{Format: slogutil.FormatDefault, Level: slog.LevelInfo, AddTimestamp: true})

	start := time.Now()
	nowFunc := func() uint32 { return uint32(time.Since(start).Milliseconds()) }

	inst := thread.New(logger, noopRadio{logger: logger}, nowFunc, thread.Config{
		ExtAddr:                  threadtype.ExtAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		Mode:                     threadtype.DeviceMode{FullThreadDevice: true, RxOnWhenIdle: true, SecureDataReqs: true, FullNetworkData: true},
		MasterKey:                keymanager.Key{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f},
		NetworkName:              "OpenThread",
		PANID:                    0x1234,
		Channel:                  15,
		ChildTimeoutSec:          240,
		RouterUpgradeThreshold:   16,
		RouterDowngradeThreshold: 23,
		RouterSelectionJitterSec: 60,
		BackboneEnabled:          false,
	})

	if err := inst.Start(); err != nil {
		logger.Error("thread: failed to start", slogutil.KeyError, err)
		os.Exit(1)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		pumpReceivedFrames(inst, logger)
		inst.Run()
	}
}

// framePoller is implemented by radio HALs that buffer received frames for
// the single-threaded Run loop to drain, such as internal/platform's
// LinuxRadio. noopRadio doesn't implement it, since it has no underlying
// socket to read from.
type framePoller interface {
	Poll() (frame []byte, ok bool)
}

// pumpReceivedFrames drains every frame the radio HAL has buffered since
// the last tick and hands each to Instance.HandleFrame, keeping frame
// receipt on the same single-threaded loop that drives inst.Run.
func pumpReceivedFrames(inst *thread.Instance, logger *slog.Logger) {
	poller, ok := inst.Radio().(framePoller)
	if !ok {
		return
	}

	for {
		frame, ok := poller.Poll()
		if !ok {
			return
		}

		if err := inst.HandleFrame(frame); err != nil {
			logger.Warn("thread: dropping received frame", slogutil.KeyError, err)
		}
	}
}
