// Package panel turns operator intents into safety-state changes and outgoing commands.
//
// Every intent does its read-modify-write through the safety.Store and only then talks to the
// gateway, so the store lock is never held across network I/O and the heartbeat never waits
// behind an operator action.
package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

type Config struct {
	Topics gateway.Topics `yaml:"-"`

	// EstopTimeout bounds the out-of-band E-Stop publish.  It is not cut short by shutdown.
	EstopTimeout   time.Duration `yaml:"estop_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	DifficultyStep int           `yaml:"difficulty_step"`
}

func DefaultConfig() Config {
	return Config{
		Topics:         gateway.DefaultTopics(),
		EstopTimeout:   500 * time.Millisecond,
		PublishTimeout: 250 * time.Millisecond,
		StartTimeout:   5 * time.Second,
		DifficultyStep: 1,
	}
}

// Cues are optional reactions to safety transitions, such as an alarm sound.  They must not
// block.
type Cues interface {
	EstopEngaged()
}

// StartCue is implemented by Cues that also mark a successful start.
type StartCue interface {
	Started()
}

// EstopGuard is a physical stop that must be released before the E-Stop can be cleared.
type EstopGuard interface {
	EstopHeld() bool
}

type Panel struct {
	cfg   Config
	store *safety.Store
	gw    gateway.Interface
	cues  Cues
	log   hclog.Logger

	// estopLock serialises E-Stop transitions together with their publish, so the robot sees
	// them in the order they happened.  It is never the store lock.
	estopLock sync.Mutex
	guards    []EstopGuard // Guarded by estopLock
	startLock sync.Mutex
}

func New(cfg Config, store *safety.Store, gw gateway.Interface, cues Cues, log hclog.Logger) *Panel {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.DifficultyStep <= 0 {
		cfg.DifficultyStep = 1
	}
	return &Panel{
		cfg:   cfg,
		store: store,
		gw:    gw,
		cues:  cues,
		log:   log.Named("panel"),
	}
}

func (p *Panel) Snapshot() safety.State {
	return p.store.Snapshot()
}

func (p *Panel) Limits() safety.Limits {
	return p.store.Limits()
}

// Watch signals after any state change; see safety.Store.Watch.
func (p *Panel) Watch() (<-chan struct{}, func()) {
	return p.store.Watch()
}

// ToggleEstop flips the E-Stop latch and publishes the new value before returning.  It returns
// the new E-Stop state.  If the publish fails the local state is still changed; an engaged
// E-Stop also stops the heartbeat reporting alive, so the robot stops either way.
func (p *Panel) ToggleEstop(ctx context.Context) (bool, error) {
	active, _, err := p.setEstop(ctx, func(active bool) bool { return !active })
	return active, err
}

// EngageEstop latches the E-Stop if it isn't already.  Physical stop buttons use this so that a
// press can never clear the stop.  It reports whether the state changed.
func (p *Panel) EngageEstop(ctx context.Context) (bool, error) {
	_, changed, err := p.setEstop(ctx, func(bool) bool { return true })
	return changed, err
}

// AddEstopGuard stops the E-Stop being cleared while g reports its stop held.
func (p *Panel) AddEstopGuard(g EstopGuard) {
	p.estopLock.Lock()
	defer p.estopLock.Unlock()
	p.guards = append(p.guards, g)
}

func (p *Panel) estopHeld() bool {
	for _, g := range p.guards {
		if g.EstopHeld() {
			return true
		}
	}
	return false
}

func (p *Panel) setEstop(ctx context.Context, update func(active bool) bool) (active, changed bool, err error) {
	p.estopLock.Lock()
	defer p.estopLock.Unlock()

	// A stop pressed after this check engages again as soon as the lock is free.
	held := p.estopHeld()
	refused := false
	before, after := p.store.Mutate(func(s safety.State) safety.State {
		next := update(s.EstopActive)
		if s.EstopActive && !next && held {
			refused = true
			return s
		}
		s.EstopActive = next
		return s
	})
	if refused {
		p.log.Warn("E-Stop clear refused, a stop button is still pressed")
		return true, false, &RejectedError{Action: "E-Stop", Reason: ErrEstopHeld}
	}
	if before.EstopActive == after.EstopActive {
		return after.EstopActive, false, nil
	}
	if after.EstopActive {
		p.log.Warn("E-Stop engaged")
		if p.cues != nil {
			p.cues.EstopEngaged()
		}
	} else {
		p.log.Info("E-Stop cleared")
	}

	// Detach from the caller's cancellation: shutting down must not swallow a stop.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.EstopTimeout)
	defer cancel()
	if err := p.gw.Publish(pubCtx, p.cfg.Topics.Estop, after.EstopActive); err != nil {
		p.log.Error("failed to publish E-Stop", "active", after.EstopActive, "error", err)
		return after.EstopActive, true, fmt.Errorf("publish estop=%v: %w", after.EstopActive, err)
	}
	return after.EstopActive, true, nil
}

// SetHold records the dead-man hold input.  Nothing is published here; the next heartbeat
// tick carries the change.
func (p *Panel) SetHold(pressed bool) {
	before, _ := p.store.Mutate(func(s safety.State) safety.State {
		s.DeadManArmed = pressed
		return s
	})
	if before.DeadManArmed != pressed {
		p.log.Debug("hold input changed", "pressed", pressed)
	}
}

// ToggleTurn hands the turn to the robot.  A turn the robot holds can only be released by the
// robot, so toggling then is rejected without changing anything.
func (p *Panel) ToggleTurn(ctx context.Context) error {
	before, after := p.store.Mutate(func(s safety.State) safety.State {
		if s.Turn == safety.TurnOperator {
			s.Turn = safety.TurnRemote
		}
		return s
	})
	if before.Turn != safety.TurnOperator {
		p.log.Info("turn toggle rejected, robot holds the turn")
		return &RejectedError{Action: "turn", Reason: ErrTurnHeldRemotely}
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.gw.Publish(pubCtx, p.cfg.Topics.Turn, after.Turn == safety.TurnRemote); err != nil {
		// The robot never heard about it, so give the turn back unless the robot has spoken
		// since.  Changes to the other fields don't matter here.
		p.store.Mutate(func(s safety.State) safety.State {
			if s.Turn == safety.TurnRemote && s.TurnSync == after.TurnSync {
				s.Turn = safety.TurnOperator
			}
			return s
		})
		p.log.Warn("failed to publish turn hand-over", "error", err)
		return fmt.Errorf("publish turn: %w", err)
	}
	p.log.Info("turn handed to robot")
	return nil
}

// SetDifficulty clamps, stores and publishes the difficulty, returning the stored value.
func (p *Panel) SetDifficulty(ctx context.Context, value int) (int, error) {
	return p.updateDifficulty(ctx, func(int) int { return value })
}

// NudgeDifficulty moves the difficulty by steps times the configured step.
func (p *Panel) NudgeDifficulty(ctx context.Context, steps int) (int, error) {
	return p.updateDifficulty(ctx, func(cur int) int { return cur + steps*p.cfg.DifficultyStep })
}

func (p *Panel) updateDifficulty(ctx context.Context, update func(cur int) int) (int, error) {
	_, after := p.store.Mutate(func(s safety.State) safety.State {
		s.Difficulty = update(s.Difficulty)
		return s
	})

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.gw.Publish(pubCtx, p.cfg.Topics.Difficulty, []float64{float64(after.Difficulty)}); err != nil {
		p.log.Warn("failed to publish difficulty", "difficulty", after.Difficulty, "error", err)
		return after.Difficulty, fmt.Errorf("publish difficulty: %w", err)
	}
	return after.Difficulty, nil
}

// RequestStart asks the robot to start.  Started only latches on an explicit success reply; a
// refusal, an error or a late reply all leave it false.
func (p *Panel) RequestStart(ctx context.Context) error {
	if !p.startLock.TryLock() {
		return &RejectedError{Action: "start", Reason: ErrStartPending}
	}
	defer p.startLock.Unlock()

	if p.store.Snapshot().Started {
		return &RejectedError{Action: "start", Reason: ErrAlreadyStarted}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.StartTimeout)
	defer cancel()
	p.log.Info("requesting start", "service", p.cfg.Topics.Start)
	resp, err := p.gw.Call(callCtx, p.cfg.Topics.Start, nil)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		p.log.Warn("start request timed out", "timeout", p.cfg.StartTimeout)
		return ErrStartTimeout
	}
	if err != nil {
		p.log.Warn("start request failed", "error", err)
		return fmt.Errorf("start request: %w", err)
	}
	if !resp.Success {
		p.log.Warn("start refused", "message", resp.Message)
		return &RejectedError{Action: "start", Reason: ErrStartRefused, Detail: resp.Message}
	}

	p.store.Mutate(func(s safety.State) safety.State {
		s.Started = true
		return s
	})
	p.log.Info("started", "message", resp.Message)
	if c, ok := p.cues.(StartCue); ok {
		c.Started()
	}
	return nil
}

// Close waits for an E-Stop publish that is in flight.  Call it before closing the gateway.
func (p *Panel) Close() {
	p.estopLock.Lock()
	p.log.Debug("panel closed")
	p.estopLock.Unlock()
}
