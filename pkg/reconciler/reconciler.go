// Package reconciler folds robot-originated turn updates into the safety state.
package reconciler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

// Cues get told when the robot gives the turn back.  They must not block.
type Cues interface {
	TurnReturned()
}

type Stats struct {
	Applied uint64
	Dropped uint64
}

// Reconciler mirrors the robot's turn flag into the store.  The robot's word is final: an
// update simply overwrites whatever the store holds, including a local hand-over that is still
// in flight.
type Reconciler struct {
	store *safety.Store
	gw    gateway.Subscriber
	topic string
	cues  Cues
	log   hclog.Logger

	lock    sync.Mutex // Guards the fields below and orders apply() calls
	lastSeq uint64
	sub     gateway.Subscription
	stats   Stats
}

func New(store *safety.Store, gw gateway.Subscriber, topic string, cues Cues, log hclog.Logger) *Reconciler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Reconciler{
		store: store,
		gw:    gw,
		topic: topic,
		cues:  cues,
		log:   log.Named("reconciler"),
	}
}

func (r *Reconciler) Start() error {
	r.lock.Lock()
	started := r.sub != nil
	r.lock.Unlock()
	if started {
		return errors.New("reconciler already started")
	}
	// Subscribe without holding the lock: a transport may deliver straight away.
	sub, err := r.gw.Subscribe(r.topic, r.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.lock.Lock()
	r.sub = sub
	r.lock.Unlock()
	r.log.Info("following remote turn state", "topic", r.topic)
	return nil
}

// Stop tears down the subscription.  A callback that is already running is allowed to finish.
func (r *Reconciler) Stop() error {
	r.lock.Lock()
	sub := r.sub
	r.sub = nil
	r.lock.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Handle applies one turn message.  Non-boolean payloads and messages that arrive behind one
// already applied are logged and dropped.
func (r *Reconciler) Handle(msg gateway.Message) {
	robotsTurn, ok := msg.Value.(bool)
	if !ok {
		r.drop("malformed turn message", "value", msg.Value, "seq", msg.Seq)
		return
	}

	r.lock.Lock()
	if msg.Seq != 0 && msg.Seq <= r.lastSeq {
		last := r.lastSeq
		r.lock.Unlock()
		r.drop("out-of-order turn message", "seq", msg.Seq, "last_seq", last)
		return
	}
	if msg.Seq != 0 {
		r.lastSeq = msg.Seq
	}
	owner := safety.TurnOperator
	if robotsTurn {
		owner = safety.TurnRemote
	}
	// Still under r.lock so that the sequence check and the write can't be reordered.
	before, after := r.store.Mutate(func(s safety.State) safety.State {
		s.Turn = owner
		s.TurnSync++
		return s
	})
	r.stats.Applied++
	r.lock.Unlock()

	if before.Turn == after.Turn {
		r.log.Trace("remote turn unchanged", "turn", after.Turn)
		return
	}
	r.log.Info("remote turn update", "from", before.Turn, "to", after.Turn)
	if after.Turn == safety.TurnOperator && r.cues != nil {
		r.cues.TurnReturned()
	}
}

func (r *Reconciler) drop(msg string, args ...interface{}) {
	r.lock.Lock()
	r.stats.Dropped++
	r.lock.Unlock()
	r.log.Warn(msg, args...)
}

func (r *Reconciler) Stats() Stats {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stats
}
