package joystick

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Controls is what the gamepad can drive.  *panel.Panel implements it.
type Controls interface {
	SetHold(pressed bool)
	ToggleEstop(ctx context.Context) (bool, error)
	ToggleTurn(ctx context.Context) error
	NudgeDifficulty(ctx context.Context, steps int) (int, error)
	RequestStart(ctx context.Context) error
}

type Bindings struct {
	Hold           uint8 `yaml:"hold"`
	Estop          uint8 `yaml:"estop"`
	Turn           uint8 `yaml:"turn"`
	Start          uint8 `yaml:"start"`
	DifficultyAxis uint8 `yaml:"difficulty_axis"`
}

// DefaultBindings: hold L1 for the dead-man, Cross for E-Stop, Triangle to hand over the turn,
// D-pad up/down for difficulty and Options to start.
func DefaultBindings() Bindings {
	return Bindings{
		Hold:           ButtonL1,
		Estop:          ButtonCross,
		Turn:           ButtonTriangle,
		Start:          ButtonOptions,
		DifficultyAxis: AxisDPadY,
	}
}

// axisThreshold is how far the D-pad axis must move to count as pressed.
const axisThreshold = 16384

// Dispatcher turns gamepad events into calls on Controls.
//
// Hold and E-Stop are handled on the event goroutine so they are never queued behind anything.
// Turn and difficulty changes go through a single worker, which keeps their publishes in press
// order.  A start request can take seconds so it gets a goroutine of its own.
type Dispatcher struct {
	bindings Bindings
	controls Controls
	log      hclog.Logger

	axisDir int
	work    chan func(ctx context.Context)
	wg      sync.WaitGroup
}

func NewDispatcher(b Bindings, controls Controls, log hclog.Logger) *Dispatcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dispatcher{
		bindings: b,
		controls: controls,
		log:      log.Named("joystick"),
		work:     make(chan func(ctx context.Context), 16),
	}
}

// Run dispatches events until the channel closes or ctx is done, then waits for queued actions
// to finish.  On the way out the hold is released, so a lost gamepad can never leave the robot
// enabled.  A Dispatcher is run once.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *Event) {
	defer d.wg.Wait()
	defer d.controls.SetHold(false)
	defer close(d.work)

	d.wg.Add(1)
	go d.loopDoingWork(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				d.log.Warn("gamepad event stream ended")
				return
			}
			d.handle(ctx, event)
		}
	}
}

func (d *Dispatcher) loopDoingWork(ctx context.Context) {
	defer d.wg.Done()
	for f := range d.work {
		f(ctx)
	}
}

// handle acts on one event.  Init events only ever update the hold: an E-Stop must come from a
// real press.
func (d *Dispatcher) handle(ctx context.Context, event *Event) {
	d.log.Trace("event", "event", event)
	switch event.Type {
	case EventTypeButton:
		pressed := event.Value != 0
		if event.Number == d.bindings.Hold {
			d.controls.SetHold(pressed)
			return
		}
		if !pressed || event.Init {
			return
		}
		switch event.Number {
		case d.bindings.Estop:
			active, err := d.controls.ToggleEstop(ctx)
			if err != nil {
				d.log.Error("E-Stop toggle failed", "active", active, "error", err)
			}
		case d.bindings.Turn:
			d.queue(func(ctx context.Context) {
				if err := d.controls.ToggleTurn(ctx); err != nil {
					d.log.Info("turn toggle", "error", err)
				}
			})
		case d.bindings.Start:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.controls.RequestStart(ctx); err != nil {
					d.log.Info("start", "error", err)
				}
			}()
		}
	case EventTypeAxis:
		if event.Number != d.bindings.DifficultyAxis {
			return
		}
		dir := 0
		if event.Value <= -axisThreshold {
			dir = 1 // Up is negative.
		} else if event.Value >= axisThreshold {
			dir = -1
		}
		prev := d.axisDir
		d.axisDir = dir
		if dir == 0 || dir == prev || event.Init {
			return
		}
		d.queue(func(ctx context.Context) {
			v, err := d.controls.NudgeDifficulty(ctx, dir)
			if err != nil {
				d.log.Warn("difficulty publish failed", "difficulty", v, "error", err)
			}
		})
	}
}

func (d *Dispatcher) queue(f func(ctx context.Context)) {
	select {
	case d.work <- f:
	default:
		d.log.Warn("gamepad action dropped, worker busy")
	}
}
