// Package chaos implements the failure injector (C8): a toggleable
// background timer that hard-exits the process after a randomized
// delay, to exercise the scheduler's crash-detection and reassignment
// path without waiting for a real machine failure.
package chaos

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/oriys/pressline/internal/logging"
)

// Config bounds the randomized crash delay.
type Config struct {
	Enabled bool
	MinS    int
	MaxS    int
}

// ExitFunc is invoked to terminate the process when the timer fires.
// Overridable so tests can exercise the scheduling logic without
// actually killing the test binary.
var ExitFunc = os.Exit

// Injector schedules a hard os.Exit after a random delay in
// [MinS, MaxS] seconds. It bypasses graceful shutdown deliberately: no
// terminal heartbeat is emitted, simulating a real crash.
type Injector struct {
	cfg      Config
	deviceID string

	stopOnce sync.Once
	timer    *time.Timer
}

// New creates an Injector for deviceID. If cfg.Enabled is false, Start
// is a no-op.
func New(deviceID string, cfg Config) *Injector {
	if cfg.MaxS < cfg.MinS {
		cfg.MaxS = cfg.MinS
	}
	return &Injector{cfg: cfg, deviceID: deviceID}
}

// Start arms the timer, if enabled.
func (inj *Injector) Start() {
	if !inj.cfg.Enabled {
		return
	}
	delay := inj.nextDelay()
	logging.Op().Warn("chaos: failure injector armed", "device_id", inj.deviceID, "delay", delay)
	inj.timer = time.AfterFunc(delay, func() {
		logging.Op().Error("chaos: injecting crash now", "device_id", inj.deviceID)
		ExitFunc(1)
	})
}

func (inj *Injector) nextDelay() time.Duration {
	if inj.cfg.MaxS <= inj.cfg.MinS {
		return time.Duration(inj.cfg.MinS) * time.Second
	}
	spread := inj.cfg.MaxS - inj.cfg.MinS
	return time.Duration(inj.cfg.MinS+rand.Intn(spread+1)) * time.Second
}

// Stop disarms the timer without crashing. Used for graceful shutdown
// paths where the process is exiting on its own terms.
func (inj *Injector) Stop() {
	inj.stopOnce.Do(func() {
		if inj.timer != nil {
			inj.timer.Stop()
		}
	})
}
