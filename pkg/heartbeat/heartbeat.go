// Package heartbeat publishes the dead-man liveness signal.
//
// The robot treats the absence of a heartbeat as "operator not in control", so the publisher
// sends one value every period whether or not it changed, and reports (but never waits out) a
// late or failed tick.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

type Config struct {
	Topic  string        `yaml:"-"` // Filled from the shared topic table
	Period time.Duration `yaml:"period"`
	// Jitter is how late a tick may be before it counts as an overrun.
	Jitter time.Duration `yaml:"jitter"`
	// PublishTimeout bounds a single send.  It should be shorter than Period.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Topic:          gateway.DefaultTopics().Heartbeat,
		Period:         100 * time.Millisecond,
		Jitter:         25 * time.Millisecond,
		PublishTimeout: 50 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Topic == "" {
		return errors.New("heartbeat topic must be set")
	}
	if c.Period <= 0 {
		return errors.New("heartbeat period must be positive")
	}
	if c.PublishTimeout <= 0 || c.PublishTimeout >= c.Period {
		return errors.New("heartbeat publish timeout must be positive and shorter than the period")
	}
	if c.Jitter < 0 {
		return errors.New("heartbeat jitter must not be negative")
	}
	return nil
}

// Source is where the publisher reads state from; *safety.Store satisfies it.
type Source interface {
	Snapshot() safety.State
}

// Tick is one heartbeat as it was sent.
type Tick struct {
	Seq   uint64
	At    time.Time
	Alive bool
	Err   error
}

type Stats struct {
	Ticks     uint64
	Failures  uint64
	Overruns  uint64
	LastAlive bool
	// MaxLateness is the worst observed delay past the scheduled tick.
	MaxLateness time.Duration
}

type Publisher struct {
	cfg    Config
	source Source
	gw     gateway.Publisher
	clock  clock.Clock
	log    hclog.Logger

	lock     sync.Mutex // Guards the fields below
	lastTick time.Time
	stats    Stats
}

func New(cfg Config, source Source, gw gateway.Publisher, clk clock.Clock, log hclog.Logger) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Publisher{
		cfg:    cfg,
		source: source,
		gw:     gw,
		clock:  clk,
		log:    log.Named("heartbeat"),
	}
}

// Run publishes a heartbeat immediately and then once per period until ctx is done.  A tick
// that is in flight when ctx is cancelled may be dropped.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info("heartbeat started", "topic", p.cfg.Topic, "period", p.cfg.Period)
	defer p.log.Info("heartbeat stopped")

	ticker := p.clock.Ticker(p.cfg.Period)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.Tick(ctx)
		}
	}
}

// Tick samples the state and sends one heartbeat.  Failures are logged and counted; they never
// touch the safety state.
func (p *Publisher) Tick(ctx context.Context) Tick {
	now := p.clock.Now()
	alive := p.source.Snapshot().Alive()

	p.lock.Lock()
	last := p.lastTick
	p.lastTick = now
	p.stats.Ticks++
	p.stats.LastAlive = alive
	seq := p.stats.Ticks
	var lateness time.Duration
	if !last.IsZero() {
		lateness = now.Sub(last) - p.cfg.Period
		if lateness > p.stats.MaxLateness {
			p.stats.MaxLateness = lateness
		}
		if lateness > p.cfg.Jitter {
			p.stats.Overruns++
		}
	}
	p.lock.Unlock()

	if lateness > p.cfg.Jitter {
		// The robot may already have seen this as a dropout.
		p.log.Warn("heartbeat overran its period", "seq", seq, "late_by", lateness, "period", p.cfg.Period)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	err := p.gw.Publish(pubCtx, p.cfg.Topic, alive)
	cancel()
	if err != nil {
		p.lock.Lock()
		p.stats.Failures++
		p.lock.Unlock()
		p.log.Warn("heartbeat publish failed, skipping tick", "seq", seq, "alive", alive, "error", err)
	} else {
		p.log.Trace("heartbeat", "seq", seq, "alive", alive)
	}
	return Tick{Seq: seq, At: now, Alive: alive, Err: err}
}

func (p *Publisher) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stats
}
