// joytests prints gamepad events and the panel action each one maps to, for checking a pad and
// its bindings on the bench.  Nothing is sent to the robot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	flag "github.com/spf13/pflag"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/joystick"
)

// printingControls stands in for the panel and says what would have happened.
type printingControls struct {
	estop bool
	level int
}

func (p *printingControls) SetHold(pressed bool) {
	fmt.Printf("  -> hold=%v\n", pressed)
}

func (p *printingControls) ToggleEstop(ctx context.Context) (bool, error) {
	p.estop = !p.estop
	fmt.Printf("  -> E-Stop active=%v\n", p.estop)
	return p.estop, nil
}

func (p *printingControls) ToggleTurn(ctx context.Context) error {
	fmt.Println("  -> turn handed to robot")
	return nil
}

func (p *printingControls) NudgeDifficulty(ctx context.Context, steps int) (int, error) {
	p.level += steps
	fmt.Printf("  -> difficulty %+d = %d\n", steps, p.level)
	return p.level, nil
}

func (p *printingControls) RequestStart(ctx context.Context) error {
	fmt.Println("  -> start requested")
	return nil
}

func main() {
	device := flag.String("device", os.Getenv("JOYSTICK_DEVICE"), "joystick device (default /dev/input/js0)")
	raw := flag.Bool("raw", false, "print events only, without the bindings")
	flag.Parse()
	if *device == "" {
		*device = "/dev/input/js0"
	}

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	j := waitForJoystick(ctx, *device)
	if j == nil {
		return
	}

	events := make(chan *joystick.Event)
	go func() {
		err := j.Loop(ctx, events)
		fmt.Printf("Joystick stopped: %v\n", err)
	}()

	if *raw {
		for event := range events {
			fmt.Printf("Event from joystick: %s\n", event)
		}
		return
	}

	printed := make(chan *joystick.Event)
	go func() {
		defer close(printed)
		for event := range events {
			fmt.Printf("Event from joystick: %s\n", event)
			printed <- event
		}
	}()
	log := hclog.New(&hclog.LoggerOptions{Name: "joytests", Level: hclog.Debug})
	joystick.NewDispatcher(joystick.DefaultBindings(), &printingControls{}, log).Run(ctx, printed)
}

func waitForJoystick(ctx context.Context, device string) *joystick.Joystick {
	firstLog := true
	for {
		j, err := joystick.Open(device)
		if err == nil {
			fmt.Printf("Opened joystick %s\n", device)
			return j
		}
		if firstLog {
			fmt.Printf("Waiting for joystick: %v.\n", err)
			firstLog = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
