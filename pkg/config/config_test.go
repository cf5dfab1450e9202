package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway/rosbridge"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, "/dms", c.Heartbeat.Topic)
	assert.Equal(t, c.Topics, c.Panel.Topics)
	assert.Equal(t, rosbridge.TypeFloat64MultiArray, c.Gateway.Types["/difficulty"])
	assert.Equal(t, 100*time.Millisecond, c.Heartbeat.Period)
}

func TestParseOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(`
log_level: debug
gateway:
  url: ws://robot.local:9090
topics:
  estop: /panel/estop
  heartbeat: /panel/dms
heartbeat:
  period: 200ms
  publish_timeout: 80ms
difficulty:
  min: 1
  max: 10
joystick:
  enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, "ws://robot.local:9090", c.Gateway.URL)
	assert.Equal(t, "/panel/dms", c.Heartbeat.Topic)
	assert.Equal(t, "/panel/estop", c.Panel.Topics.Estop)
	assert.Equal(t, "/turn", c.Panel.Topics.Turn, "unmentioned topics keep their defaults")
	assert.Equal(t, rosbridge.TypeBool, c.Gateway.Types["/panel/estop"])
	assert.Equal(t, 200*time.Millisecond, c.Heartbeat.Period)
	assert.Equal(t, 25*time.Millisecond, c.Heartbeat.Jitter)
	assert.Equal(t, 1, c.Difficulty.Min)
	assert.False(t, c.Joystick.Enabled)
	assert.Equal(t, "/dev/input/js0", c.Joystick.Device)
}

func TestParseRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		msg  string
	}{
		{"unknown field", "heartbeat:\n  perod: 1s\n", "perod"},
		{"publish timeout too long", "heartbeat:\n  period: 100ms\n  publish_timeout: 150ms\n", "shorter than the period"},
		{"reversed limits", "difficulty:\n  min: 5\n  max: 1\n", "above max"},
		{"empty topic", "topics:\n  turn: \"\"\n", "topic turn"},
		{"bad log level", "log_level: chatty\n", "log level"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestWriteInUseRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("panel:\n  start_timeout: 2s\n"), 0666))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.Panel.StartTimeout)
	require.NoError(t, c.WriteInUse(path))

	inUse := filepath.Join(dir, "panel-in-use.yaml")
	assert.Equal(t, inUse, InUsePath(path))
	reloaded, err := Load(inUse)
	require.NoError(t, err)
	assert.Equal(t, c, reloaded)
}
