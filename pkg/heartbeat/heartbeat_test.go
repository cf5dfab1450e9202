package heartbeat

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

func newTestPublisher(t *testing.T) (*Publisher, *safety.Store, *gateway.Dummy, *clock.Mock) {
	t.Helper()
	store := safety.NewStore(safety.Limits{Min: 0, Max: 20})
	gw := gateway.NewDummy(nil)
	clk := clock.NewMock()
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	return New(cfg, store, gw, clk, nil), store, gw, clk
}

func setHold(s *safety.Store, pressed bool) {
	s.Mutate(func(st safety.State) safety.State { st.DeadManArmed = pressed; return st })
}

func toggleEstop(s *safety.Store) {
	s.Mutate(func(st safety.State) safety.State { st.EstopActive = !st.EstopActive; return st })
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Period = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.PublishTimeout = cfg.Period
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Topic = ""
	assert.Error(t, bad.Validate())
}

func TestTickPublishesEveryTimeEvenIfUnchanged(t *testing.T) {
	p, _, gw, clk := newTestPublisher(t)
	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
		clk.Add(p.cfg.Period)
	}
	assert.Equal(t, []interface{}{false, false, false, false, false}, gw.PublishedOn(p.cfg.Topic))
	assert.EqualValues(t, 5, p.Stats().Ticks)
}

func TestTickMatchesStateForRandomInputSequences(t *testing.T) {
	p, store, gw, clk := newTestPublisher(t)
	rng := rand.New(rand.NewSource(42))

	var expected []interface{}
	for i := 0; i < 500; i++ {
		if rng.Intn(2) == 0 {
			setHold(store, rng.Intn(2) == 0)
		} else {
			toggleEstop(store)
		}
		want := store.Snapshot()
		tick := p.Tick(context.Background())
		clk.Add(p.cfg.Period)

		require.Equal(t, want.DeadManArmed && !want.EstopActive, tick.Alive, "step %d: %v", i, want)
		expected = append(expected, tick.Alive)
	}
	assert.Equal(t, expected, gw.PublishedOn(p.cfg.Topic))
}

func TestLatchedEstopNeverReportsAlive(t *testing.T) {
	p, store, _, _ := newTestPublisher(t)
	setHold(store, true)
	assert.True(t, p.Tick(context.Background()).Alive)

	toggleEstop(store)
	for i := 0; i < 10; i++ {
		setHold(store, i%2 == 0)
		assert.False(t, p.Tick(context.Background()).Alive)
	}

	// Only an explicit clear brings it back.
	setHold(store, true)
	toggleEstop(store)
	assert.True(t, p.Tick(context.Background()).Alive)
}

func TestReleasingHoldDropsNextTick(t *testing.T) {
	p, store, _, _ := newTestPublisher(t)
	setHold(store, true)
	assert.True(t, p.Tick(context.Background()).Alive)
	setHold(store, false)
	assert.False(t, p.Tick(context.Background()).Alive)
}

func TestFailedPublishIsCountedAndLeavesStateAlone(t *testing.T) {
	p, store, gw, _ := newTestPublisher(t)
	setHold(store, true)
	before := store.Snapshot()

	boom := errors.New("link down")
	gw.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error { return boom })

	tick := p.Tick(context.Background())
	assert.ErrorIs(t, tick.Err, boom)
	assert.EqualValues(t, 1, p.Stats().Failures)
	assert.Equal(t, before, store.Snapshot())

	gw.SetPublishHook(nil)
	assert.NoError(t, p.Tick(context.Background()).Err)
	assert.EqualValues(t, 1, p.Stats().Failures)
}

func TestSlowPublishIsBoundedByTimeout(t *testing.T) {
	p, _, gw, _ := newTestPublisher(t)
	gw.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	tick := p.Tick(context.Background())
	assert.ErrorIs(t, tick.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), p.cfg.Period)
}

func TestOverrunIsDetected(t *testing.T) {
	p, _, _, clk := newTestPublisher(t)

	p.Tick(context.Background())
	clk.Add(p.cfg.Period + p.cfg.Jitter/2)
	p.Tick(context.Background())
	assert.Zero(t, p.Stats().Overruns)

	clk.Add(3 * p.cfg.Period)
	p.Tick(context.Background())
	stats := p.Stats()
	assert.EqualValues(t, 1, stats.Overruns)
	assert.Equal(t, 2*p.cfg.Period, stats.MaxLateness)
}

func TestRunTicksOnThePeriodAndStops(t *testing.T) {
	p, store, gw, clk := newTestPublisher(t)
	setHold(store, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	// The first heartbeat goes out without waiting for the ticker.
	require.Eventually(t, func() bool { return len(gw.PublishedOn(p.cfg.Topic)) == 1 }, time.Second, time.Millisecond)

	for i := 2; i <= 4; i++ {
		clk.Add(p.cfg.Period)
		n := i
		require.Eventually(t, func() bool { return len(gw.PublishedOn(p.cfg.Topic)) == n }, time.Second, time.Millisecond)
	}
	assert.Equal(t, []interface{}{true, true, true, true}, gw.PublishedOn(p.cfg.Topic))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
