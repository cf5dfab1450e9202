package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

func newTestModel(t *testing.T) (Model, *panel.Panel, *gateway.Dummy) {
	t.Helper()
	store := safety.NewStore(safety.Limits{Min: 0, Max: 20})
	gw := gateway.NewDummy(nil)
	p := panel.New(panel.DefaultConfig(), store, gw, nil, nil)
	m, stop := New(context.Background(), DefaultConfig(), p, nil)
	t.Cleanup(stop)
	return m, p, gw
}

func key(k string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func apply(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	got, ok := next.(Model)
	require.True(t, ok, "Update returned %T, want Model", next)
	return got, cmd
}

// press applies a key and runs the command it returns, if any, feeding the result back in.
func press(t *testing.T, m Model, msg tea.KeyMsg) Model {
	t.Helper()
	m, cmd := apply(t, m, msg)
	if cmd != nil {
		m, _ = apply(t, m, cmd())
	}
	return m
}

func TestHoldKeyRepeatKeepsHold(t *testing.T) {
	m, p, _ := newTestModel(t)
	space := tea.KeyMsg{Type: tea.KeySpace}

	m, _ = apply(t, m, space)
	assert.True(t, p.Snapshot().DeadManArmed)
	firstGen := m.holdGen

	// A repeat arrives before the first release timer fires.
	m, _ = apply(t, m, space)
	m, _ = apply(t, m, holdExpiredMsg{gen: firstGen})
	assert.True(t, p.Snapshot().DeadManArmed, "stale release timer must not drop the hold")

	m, _ = apply(t, m, holdExpiredMsg{gen: m.holdGen})
	assert.False(t, p.Snapshot().DeadManArmed)
	assert.False(t, m.holding)
	assert.Contains(t, m.View(), panel.TextMasterHold)
}

func TestHelpStatesHoldRelease(t *testing.T) {
	m, _, _ := newTestModel(t)
	assert.Contains(t, m.View(), "drops 600ms after release")
}

func TestEstopKey(t *testing.T) {
	m, p, gw := newTestModel(t)
	m, cmd := apply(t, m, key("e"))
	assert.Nil(t, cmd, "the stop is published before Update returns")
	assert.True(t, p.Snapshot().EstopActive)
	assert.Equal(t, []interface{}{true}, gw.PublishedOn(gateway.DefaultTopics().Estop))
	assert.Contains(t, m.View(), panel.TextEstopActive)
	assert.False(t, m.statusErr)
}

func TestTurnKeyRejectedWhileRobotHoldsTurn(t *testing.T) {
	m, p, _ := newTestModel(t)
	m = press(t, m, key("t"))
	assert.Equal(t, safety.TurnRemote, p.Snapshot().Turn)
	assert.Contains(t, m.View(), panel.TextTurnRobot)

	m = press(t, m, key("t"))
	assert.True(t, m.statusErr)
	assert.Contains(t, m.status, "turn")
}

func TestDifficultyKeys(t *testing.T) {
	m, p, _ := newTestModel(t)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyRight})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, 2, p.Snapshot().Difficulty)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyLeft})
	assert.Equal(t, 1, p.Snapshot().Difficulty)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyLeft})
	m = press(t, m, tea.KeyMsg{Type: tea.KeyLeft})
	assert.Equal(t, 0, p.Snapshot().Difficulty)
	assert.Contains(t, m.View(), "DIFFICULTY  0")
}

func TestStartKey(t *testing.T) {
	m, p, gw := newTestModel(t)
	gw.SetService(gateway.DefaultTopics().Start, func(ctx context.Context, request interface{}) (gateway.Response, error) {
		return gateway.Response{Success: true}, nil
	})
	m = press(t, m, key("s"))
	assert.True(t, p.Snapshot().Started)
	assert.Contains(t, m.View(), panel.TextStarted)

	m = press(t, m, key("s"))
	assert.True(t, m.statusErr)
}

func TestQuitReleasesHold(t *testing.T) {
	m, p, _ := newTestModel(t)
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeySpace})
	require.True(t, p.Snapshot().DeadManArmed)

	_, cmd := apply(t, m, key("q"))
	assert.False(t, p.Snapshot().DeadManArmed)
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestStateChangesFromElsewhereAreShown(t *testing.T) {
	m, p, _ := newTestModel(t)
	cmd := m.Init()

	_, err := p.ToggleEstop(context.Background())
	require.NoError(t, err)

	m, next := apply(t, m, cmd())
	assert.True(t, m.state.EstopActive)
	assert.NotNil(t, next, "model keeps listening")
}

func TestCloseWaitsForRunningActions(t *testing.T) {
	store := safety.NewStore(safety.Limits{Min: 0, Max: 20})
	gw := gateway.NewDummy(nil)
	p := panel.New(panel.DefaultConfig(), store, gw, nil, nil)
	m, stop := New(context.Background(), DefaultConfig(), p, nil)
	t.Cleanup(stop)

	turnTopic := gateway.DefaultTopics().Turn
	inPublish := make(chan struct{})
	release := make(chan struct{})
	gw.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error {
		if topic == turnTopic {
			close(inPublish)
			<-release
		}
		return nil
	})

	_, cmd := apply(t, m, key("t"))
	require.NotNil(t, cmd)
	go cmd()
	<-inPublish

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("closed with a turn hand-over still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}
	assert.Equal(t, []interface{}{true}, gw.PublishedOn(turnTopic))

	// Commands that only start after close are refused.
	_, cmd = apply(t, m, tea.KeyMsg{Type: tea.KeyRight})
	require.NotNil(t, cmd)
	assert.Equal(t, actionDoneMsg{action: "difficulty", err: errConsoleClosed}, cmd())
	assert.Equal(t, 0, store.Snapshot().Difficulty)
}

func TestWatchEndsWhenClosed(t *testing.T) {
	store := safety.NewStore(safety.Limits{Min: 0, Max: 20})
	p := panel.New(panel.DefaultConfig(), store, gateway.NewDummy(nil), nil, nil)
	m, stop := New(context.Background(), DefaultConfig(), p, nil)
	cmd := m.Init()

	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	stop()
	select {
	case msg := <-done:
		assert.Nil(t, msg)
	case <-time.After(time.Second):
		t.Fatal("change listener outlived the console")
	}
}
