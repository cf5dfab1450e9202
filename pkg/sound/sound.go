// Package sound plays the panel's audible cues through the speaker.
package sound

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"github.com/hashicorp/go-hclog"
)

type Config struct {
	Enabled      bool   `yaml:"enabled"`
	Estop        string `yaml:"estop"`
	TurnReturned string `yaml:"turn_returned"`
	Started      string `yaml:"started"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Estop:        "/sounds/estop.wav",
		TurnReturned: "/sounds/yourturn.wav",
		Started:      "/sounds/start.wav",
	}
}

// Player queues cues for a background goroutine.  The cue methods never block; if the speaker is
// behind, the cue is dropped.
type Player struct {
	cfg  Config
	log  hclog.Logger
	cues chan string

	init func() error
	play func(path string) (stop func(), err error)
}

func New(cfg Config, log hclog.Logger) *Player {
	return newPlayer(cfg, log, initSpeaker, playWAV)
}

func newPlayer(cfg Config, log hclog.Logger, init func() error, play func(string) (func(), error)) *Player {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Player{
		cfg:  cfg,
		log:  log.Named("sound"),
		cues: make(chan string, 4),
		init: init,
		play: play,
	}
}

func (p *Player) EstopEngaged() { p.queue(p.cfg.Estop) }

func (p *Player) TurnReturned() { p.queue(p.cfg.TurnReturned) }

func (p *Player) Started() { p.queue(p.cfg.Started) }

func (p *Player) queue(path string) {
	if !p.cfg.Enabled || path == "" {
		return
	}
	select {
	case p.cues <- path:
	default:
		p.log.Debug("speaker busy, dropping cue", "sound", path)
	}
}

// Run plays queued cues until ctx is done.  A new cue cuts off the one playing.  If the speaker
// can't be opened the cues are logged and discarded.
func (p *Player) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}
	speakerOK := true
	if err := p.init(); err != nil {
		p.log.Warn("failed to open speaker, cues will be silent", "error", err)
		speakerOK = false
	}

	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-p.cues:
			if !speakerOK {
				p.log.Info("unable to play", "sound", path)
				continue
			}
			if stop != nil {
				stop()
				stop = nil
			}
			s, err := p.play(path)
			if err != nil {
				p.log.Warn("failed to play sound", "sound", path, "error", err)
				continue
			}
			stop = s
		}
	}
}

var sampleRate = beep.SampleRate(44100)

func initSpeaker() error {
	return speaker.Init(sampleRate, sampleRate.N(time.Second/5))
}

func playWAV(path string) (func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s, _, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ctrl := &beep.Ctrl{Streamer: s}
	speaker.Play(ctrl)
	return func() {
		speaker.Lock()
		ctrl.Paused = true
		ctrl.Streamer = nil
		speaker.Unlock()
		_ = s.Close()
	}, nil
}
