package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/config"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway/rosbridge"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gpioinput"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/heartbeat"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/joystick"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/reconciler"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/screen"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/sound"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/tui"
)

type options struct {
	configPath string
	logLevel   string
	logFile    string
	url        string
	dummy      bool
	console    bool
	noJoystick bool
	noInUse    bool
}

func parseFlags() options {
	var o options
	flag.StringVarP(&o.configPath, "config", "c", config.DefaultPath, "YAML config file; missing means defaults")
	flag.StringVar(&o.logLevel, "log-level", "", "override the configured log level")
	flag.StringVar(&o.logFile, "log-file", "", "log here instead of stderr (the console needs the terminal)")
	flag.StringVar(&o.url, "url", "", "override the rosbridge websocket URL")
	flag.BoolVar(&o.dummy, "dummy", false, "use an in-memory gateway instead of connecting to the robot")
	flag.BoolVarP(&o.console, "console", "t", false, "run the keyboard console on this terminal")
	flag.BoolVar(&o.noJoystick, "no-joystick", false, "don't wait for a gamepad")
	flag.BoolVar(&o.noInUse, "no-write-in-use", false, "don't write the effective config back beside the config file")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.url != "" {
		cfg.Gateway.URL = o.url
	}
	if o.console {
		cfg.TUI.Enabled = true
	}
	if o.noJoystick {
		cfg.Joystick.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid config:", err)
		os.Exit(2)
	}

	log, closeLog, err := newLogger(cfg, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to open log:", err)
		os.Exit(2)
	}
	defer closeLog()
	log.Info("---- operator panel ----", "gomaxprocs", runtime.GOMAXPROCS(0))

	if !o.noInUse {
		if err := cfg.WriteInUse(o.configPath); err != nil {
			log.Warn("failed to write in-use config", "error", err)
		}
	}

	// Our global context, we cancel it to trigger shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registerSignalHandlers(log, cancel)

	if err := run(ctx, cfg, o, log); err != nil {
		log.Error("panel failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func newLogger(cfg config.Config, o options) (hclog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeLog := func() {}
	path := o.logFile
	if path == "" && cfg.TUI.Enabled {
		path = "opspanel.log"
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeLog = func() { _ = f.Close() }
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "panel",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: out,
	}), closeLog, nil
}

func registerSignalHandlers(log hclog.Logger, cancel context.CancelFunc) {
	// Hook Ctrl-C to cause shut down.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		s := <-signals
		log.Info("signal, shutting down", "signal", s)
		cancel()
		// A second signal means the clean shutdown is stuck.
		s = <-signals
		log.Warn("second signal, exiting", "signal", s)
		os.Exit(1)
	}()
}

func connect(ctx context.Context, cfg config.Config, o options, log hclog.Logger) (gateway.Interface, error) {
	if o.dummy {
		log.Warn("using the in-memory gateway, nothing reaches the robot")
		return gateway.NewDummy(log), nil
	}
	c, err := rosbridge.Dial(ctx, cfg.Gateway, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// run wires the panel together and blocks until ctx is done or the console quits.  Shutdown
// happens in a fixed order: inputs stop (releasing the hold), the heartbeat sends a final
// not-alive tick and stops, the turn subscription goes, any E-Stop publish in flight finishes
// and only then does the connection close.
func run(ctx context.Context, cfg config.Config, o options, log hclog.Logger) error {
	gw, err := connect(ctx, cfg, o, log)
	if err != nil {
		return fmt.Errorf("connect to robot: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn("error closing gateway", "error", err)
		}
	}()

	// Outputs outlive the inputs so the last state is still shown and heard.
	outCtx, stopOutputs := context.WithCancel(context.Background())
	var outputs errgroup.Group
	defer func() {
		stopOutputs()
		_ = outputs.Wait()
	}()

	store := safety.NewStore(cfg.Difficulty)
	player := sound.New(cfg.Sound, log)
	outputs.Go(func() error { player.Run(outCtx); return nil })

	p := panel.New(cfg.Panel, store, gw, player, log)
	defer p.Close()

	rec := reconciler.New(store, gw, cfg.Topics.Turn, player, log)
	if err := rec.Start(); err != nil {
		return err
	}
	defer func() {
		if err := rec.Stop(); err != nil {
			log.Warn("error unsubscribing", "error", err)
		}
	}()

	hb := heartbeat.New(cfg.Heartbeat, store, gw, clock.New(), log)
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		hb.Run(hbCtx)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
		final := hb.Tick(context.Background())
		st := hb.Stats()
		log.Info("final heartbeat sent", "alive", final.Alive, "ticks", st.Ticks,
			"failures", st.Failures, "overruns", st.Overruns)
	}()

	scr := screen.New(cfg.Screen, p, clock.New(), log)
	outputs.Go(func() error { scr.Run(outCtx); return nil })

	inputs, inputsCtx := errgroup.WithContext(ctx)
	if cfg.Joystick.Enabled {
		inputs.Go(func() error { return runJoystick(inputsCtx, cfg.Joystick, p, log) })
	}
	if cfg.GPIO.Enabled() {
		in, err := gpioinput.Open(cfg.GPIO, p, log)
		if err != nil {
			return err
		}
		p.AddEstopGuard(in)
		inputs.Go(func() error { return in.Run(inputsCtx) })
	}
	if cfg.TUI.Enabled {
		inputs.Go(func() error {
			if err := tui.Run(inputsCtx, cfg.TUI, p, log); err != nil {
				return err
			}
			// Quitting the console quits the panel.
			return errQuit
		})
	}
	if !cfg.Joystick.Enabled && !cfg.GPIO.Enabled() && !cfg.TUI.Enabled {
		log.Warn("no input sources enabled, the robot will only ever see not-alive")
	}

	// Inputs run until shutdown; wait for it even with none configured.
	inputs.Go(func() error {
		<-inputsCtx.Done()
		return nil
	})
	err = inputs.Wait()
	p.SetHold(false)
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errQuit = errors.New("console quit")

// runJoystick waits for the gamepad and re-opens it if it goes away.
func runJoystick(ctx context.Context, cfg config.Joystick, controls joystick.Controls, log hclog.Logger) error {
	jlog := log.Named("joystick")
	firstLog := true
	for ctx.Err() == nil {
		j, err := joystick.Open(cfg.Device)
		if err != nil {
			if firstLog {
				jlog.Info("waiting for joystick", "device", cfg.Device, "error", err)
				firstLog = false
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		jlog.Info("opened joystick", "device", cfg.Device)
		firstLog = true

		events := make(chan *joystick.Event)
		d := joystick.NewDispatcher(cfg.Bindings, controls, log)
		done := make(chan struct{})
		go func() {
			defer close(done)
			d.Run(ctx, events)
		}()
		err = j.Loop(ctx, events)
		<-done
		if ctx.Err() == nil {
			jlog.Warn("joystick failed, hold released", "error", err)
		}
	}
	return nil
}
