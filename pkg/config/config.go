// Package config loads the panel's YAML configuration.
//
// Values start from the built-in defaults and the file overrides whatever it mentions.  The
// effective configuration is written back next to the file as <name>-in-use.yaml so that there
// is always a record of what the panel actually ran with.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway/rosbridge"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gpioinput"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/heartbeat"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/joystick"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/screen"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/sound"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/tui"
)

const DefaultPath = "/cfg/panel.yaml"

type Joystick struct {
	Enabled  bool              `yaml:"enabled"`
	Device   string            `yaml:"device"`
	Bindings joystick.Bindings `yaml:"bindings"`
}

type Config struct {
	LogLevel string `yaml:"log_level"`

	Gateway    rosbridge.Config `yaml:"gateway"`
	Topics     gateway.Topics   `yaml:"topics"`
	Heartbeat  heartbeat.Config `yaml:"heartbeat"`
	Panel      panel.Config     `yaml:"panel"`
	Difficulty safety.Limits    `yaml:"difficulty"`

	Joystick Joystick         `yaml:"joystick"`
	GPIO     gpioinput.Config `yaml:"gpio"`
	Sound    sound.Config     `yaml:"sound"`
	Screen   screen.Config    `yaml:"screen"`
	TUI      tui.Config       `yaml:"tui"`
}

func Default() Config {
	c := Config{
		LogLevel:   "info",
		Gateway:    rosbridge.DefaultConfig(),
		Topics:     gateway.DefaultTopics(),
		Heartbeat:  heartbeat.DefaultConfig(),
		Panel:      panel.DefaultConfig(),
		Difficulty: safety.Limits{Min: 0, Max: 20},
		Joystick: Joystick{
			Enabled:  true,
			Device:   "/dev/input/js0",
			Bindings: joystick.DefaultBindings(),
		},
		GPIO:   gpioinput.DefaultConfig(),
		Sound:  sound.DefaultConfig(),
		Screen: screen.DefaultConfig(),
		TUI:    tui.DefaultConfig(),
	}
	c.resolve()
	return c
}

// Load reads the file at path over the defaults.  A missing file is not an error: the panel
// runs on defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.resolve()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// resolve spreads the shared topic table into the components that need it.
func (c *Config) resolve() {
	c.Heartbeat.Topic = c.Topics.Heartbeat
	c.Panel.Topics = c.Topics
	types := rosbridge.DefaultTypes(c.Topics)
	if c.Gateway.Types == nil {
		c.Gateway.Types = map[string]string{}
	}
	for topic, typ := range types {
		if _, ok := c.Gateway.Types[topic]; !ok {
			c.Gateway.Types[topic] = typ
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway url must be set"))
	}
	for name, topic := range map[string]string{
		"estop":      c.Topics.Estop,
		"heartbeat":  c.Topics.Heartbeat,
		"turn":       c.Topics.Turn,
		"difficulty": c.Topics.Difficulty,
		"start":      c.Topics.Start,
	} {
		if topic == "" {
			errs = append(errs, fmt.Errorf("topic %s must be set", name))
		}
	}
	if err := c.Heartbeat.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Panel.EstopTimeout <= 0 || c.Panel.PublishTimeout <= 0 || c.Panel.StartTimeout <= 0 {
		errs = append(errs, errors.New("panel timeouts must be positive"))
	}
	if c.Panel.DifficultyStep <= 0 {
		errs = append(errs, errors.New("difficulty step must be positive"))
	}
	if c.Difficulty.Min > c.Difficulty.Max {
		errs = append(errs, fmt.Errorf("difficulty min %d is above max %d", c.Difficulty.Min, c.Difficulty.Max))
	}
	if c.TUI.Enabled && c.TUI.HoldRelease <= 0 {
		errs = append(errs, errors.New("tui hold release must be positive"))
	}
	return errors.Join(errs...)
}

// InUsePath maps /cfg/panel.yaml to /cfg/panel-in-use.yaml.
func InUsePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-in-use" + ext
}

// WriteInUse records the effective configuration beside the file it was loaded from.
func (c Config) WriteInUse(path string) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(InUsePath(path), data, 0666)
}
