package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

type countingCues struct {
	returned int32
}

func (c *countingCues) TurnReturned() {
	atomic.AddInt32(&c.returned, 1)
}

const turnTopic = "/turn"

func newTestReconciler(t *testing.T) (*Reconciler, *safety.Store, *gateway.Dummy, *countingCues) {
	t.Helper()
	store := safety.NewStore(safety.Limits{Max: 20})
	gw := gateway.NewDummy(nil)
	cues := &countingCues{}
	r := New(store, gw, turnTopic, cues, nil)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })
	return r, store, gw, cues
}

func TestRemoteUpdatesAreApplied(t *testing.T) {
	r, store, gw, cues := newTestReconciler(t)

	gw.Inject(turnTopic, true)
	assert.Equal(t, safety.TurnRemote, store.Snapshot().Turn)

	gw.Inject(turnTopic, false)
	assert.Equal(t, safety.TurnOperator, store.Snapshot().Turn)
	assert.EqualValues(t, 1, atomic.LoadInt32(&cues.returned))

	// Repeats are applied but are not a transition.
	gw.Inject(turnTopic, false)
	assert.EqualValues(t, 1, atomic.LoadInt32(&cues.returned))
	assert.EqualValues(t, 3, r.Stats().Applied)
}

func TestStartTwiceFails(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	assert.Error(t, r.Start())
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	r, store, gw, _ := newTestReconciler(t)
	gw.Inject(turnTopic, true)
	before := store.Snapshot()

	gw.Inject(turnTopic, "false")
	gw.Inject(turnTopic, nil)
	gw.Inject(turnTopic, []float64{0})

	assert.Equal(t, before, store.Snapshot())
	assert.EqualValues(t, 3, r.Stats().Dropped)
}

func TestOutOfOrderMessagesAreDropped(t *testing.T) {
	r, store, gw, _ := newTestReconciler(t)

	gw.InjectSeq(turnTopic, true, 5)
	gw.InjectSeq(turnTopic, false, 3)
	gw.InjectSeq(turnTopic, false, 5)
	assert.Equal(t, safety.TurnRemote, store.Snapshot().Turn)
	assert.EqualValues(t, 2, r.Stats().Dropped)

	gw.InjectSeq(turnTopic, false, 6)
	assert.Equal(t, safety.TurnOperator, store.Snapshot().Turn)

	// Transports without ordering information are never treated as stale.
	gw.InjectSeq(turnTopic, true, 0)
	assert.Equal(t, safety.TurnRemote, store.Snapshot().Turn)
}

func TestUpdatesSignalWatchers(t *testing.T) {
	_, store, gw, _ := newTestReconciler(t)
	c, stop := store.Watch()
	defer stop()

	gw.Inject(turnTopic, true)
	select {
	case <-c:
	default:
		t.Fatal("render side was not signalled")
	}
}

func TestRemoteOverridesInFlightLocalToggle(t *testing.T) {
	_, store, gw, _ := newTestReconciler(t)
	p := panel.New(panel.DefaultConfig(), store, gw, nil, nil)

	inPublish := make(chan struct{})
	release := make(chan struct{})
	gw.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error {
		if topic == turnTopic {
			close(inPublish)
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- p.ToggleTurn(context.Background()) }()
	<-inPublish
	assert.Equal(t, safety.TurnRemote, store.Snapshot().Turn)

	// The robot says it's the operator's turn while our hand-over is still on the wire.
	gw.Inject(turnTopic, false)
	assert.Equal(t, safety.TurnOperator, store.Snapshot().Turn)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, safety.TurnOperator, store.Snapshot().Turn, "last store write wins")
}

func TestFailedHandOverKeepsTheRobotsWord(t *testing.T) {
	_, store, gw, _ := newTestReconciler(t)
	p := panel.New(panel.DefaultConfig(), store, gw, nil, nil)

	gw.SetPublishHook(func(ctx context.Context, topic string, value interface{}) error {
		if topic == turnTopic {
			// The robot takes the turn on its own while our publish fails.
			gw.Inject(turnTopic, true)
			return errors.New("link down")
		}
		return nil
	})
	assert.Error(t, p.ToggleTurn(context.Background()))
	assert.Equal(t, safety.TurnRemote, store.Snapshot().Turn)
}

func TestConcurrentLocalAndRemoteTurnChanges(t *testing.T) {
	_, store, gw, _ := newTestReconciler(t)
	p := panel.New(panel.DefaultConfig(), store, gw, nil, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			_ = p.ToggleTurn(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			gw.Inject(turnTopic, i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			turn := store.Snapshot().Turn
			if !assert.Contains(t, []safety.TurnOwner{safety.TurnOperator, safety.TurnRemote}, turn) {
				return
			}
		}
	}()
	wg.Wait()

	gw.Inject(turnTopic, false)
	assert.Equal(t, safety.TurnOperator, store.Snapshot().Turn)
}

func TestStopUnsubscribes(t *testing.T) {
	r, _, gw, _ := newTestReconciler(t)
	require.NoError(t, r.Stop())
	assert.Equal(t, 0, gw.Inject(turnTopic, true))
	require.NoError(t, r.Stop())
}
