// Package gpioinput watches the panel's hard-wired switches: a latching E-Stop button and a
// dead-man foot pedal.
package gpioinput

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

var ErrNoPin = errors.New("no such GPIO pin")

type Config struct {
	// Pin names as gpioreg knows them, e.g. "GPIO17".  Empty leaves the input unwired.
	EstopPin string `yaml:"estop_pin"`
	HoldPin  string `yaml:"hold_pin"`
	// ActiveLow is for switches wired to ground with the internal pull-up.
	ActiveLow bool          `yaml:"active_low"`
	Debounce  time.Duration `yaml:"debounce"`
	// Poll bounds each wait for an edge so that shutdown is noticed.
	Poll time.Duration `yaml:"poll"`
}

func DefaultConfig() Config {
	return Config{
		ActiveLow: true,
		Debounce:  5 * time.Millisecond,
		Poll:      100 * time.Millisecond,
	}
}

func (c Config) Enabled() bool {
	return c.EstopPin != "" || c.HoldPin != ""
}

// Controls is what the switches drive.  *panel.Panel implements it.
type Controls interface {
	SetHold(pressed bool)
	EngageEstop(ctx context.Context) (bool, error)
}

type Inputs struct {
	cfg      Config
	estop    gpio.PinIn
	hold     gpio.PinIn
	controls Controls
	log      hclog.Logger

	estopHeld atomic.Bool
}

// Open initialises the host drivers and looks up the configured pins.
func Open(cfg Config, controls Controls, log hclog.Logger) (*Inputs, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	lookup := func(name string) (gpio.PinIn, error) {
		if name == "" {
			return nil, nil
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoPin, name)
		}
		return p, nil
	}
	estop, err := lookup(cfg.EstopPin)
	if err != nil {
		return nil, err
	}
	hold, err := lookup(cfg.HoldPin)
	if err != nil {
		return nil, err
	}
	return New(cfg, estop, hold, controls, log), nil
}

// New uses the given pins; either may be nil.
func New(cfg Config, estop, hold gpio.PinIn, controls Controls, log hclog.Logger) *Inputs {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	return &Inputs{cfg: cfg, estop: estop, hold: hold, controls: controls, log: log.Named("gpio")}
}

// Run watches the pins until ctx is done or a pin fails.  The hold is released on the way out.
func (in *Inputs) Run(ctx context.Context) error {
	defer in.controls.SetHold(false)

	g, ctx := errgroup.WithContext(ctx)
	if in.estop != nil {
		g.Go(func() error {
			// Only ever engages: clearing a stop is a deliberate act at the console.
			return in.watch(ctx, in.estop, func(active bool) {
				in.estopHeld.Store(active)
				if !active {
					return
				}
				if changed, err := in.controls.EngageEstop(ctx); err != nil {
					in.log.Error("E-Stop publish failed", "error", err)
				} else if changed {
					in.log.Warn("E-Stop button pressed")
				}
			})
		})
	}
	if in.hold != nil {
		g.Go(func() error {
			return in.watch(ctx, in.hold, in.controls.SetHold)
		})
	}
	err := g.Wait()
	// Unwatched, the button can't be trusted to hold the stop.
	in.estopHeld.Store(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// EstopHeld reports whether the stop button is pressed right now.  The panel uses it to refuse
// clearing the E-Stop until the button is released.
func (in *Inputs) EstopHeld() bool {
	return in.estopHeld.Load()
}

func (in *Inputs) watch(ctx context.Context, pin gpio.PinIn, onChange func(active bool)) error {
	pull := gpio.PullDown
	if in.cfg.ActiveLow {
		pull = gpio.PullUp
	}
	if err := pin.In(pull, gpio.BothEdges); err != nil {
		return fmt.Errorf("configure %s: %w", pin, err)
	}
	last := in.active(pin.Read())
	in.log.Info("watching input", "pin", pin, "active", last)
	onChange(last)

	for ctx.Err() == nil {
		if !pin.WaitForEdge(in.cfg.Poll) {
			continue
		}
		if in.cfg.Debounce > 0 {
			time.Sleep(in.cfg.Debounce)
		}
		now := in.active(pin.Read())
		if now == last {
			continue
		}
		last = now
		in.log.Debug("input changed", "pin", pin, "active", now)
		onChange(now)
	}
	return ctx.Err()
}

func (in *Inputs) active(l gpio.Level) bool {
	if in.cfg.ActiveLow {
		return l == gpio.Low
	}
	return l == gpio.High
}
