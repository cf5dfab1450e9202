package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ServiceFunc answers a service call on a Dummy.
type ServiceFunc func(ctx context.Context, request interface{}) (Response, error)

// PublishHook lets a test delay or fail publishes on a Dummy.  Returning an error drops the
// publish.
type PublishHook func(ctx context.Context, topic string, value interface{}) error

// Dummy is an in-memory gateway.  Publishes are recorded, subscribers are fed with Inject and
// services are answered by registered ServiceFuncs.
type Dummy struct {
	log hclog.Logger

	lock      sync.Mutex
	published []Message
	handlers  map[string]map[int]Handler
	nextID    int
	seq       map[string]uint64
	services  map[string]ServiceFunc
	hook      PublishHook
	closed    bool
}

func NewDummy(log hclog.Logger) *Dummy {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Dummy{
		log:      log.Named("dummy-gateway"),
		handlers: map[string]map[int]Handler{},
		seq:      map[string]uint64{},
		services: map[string]ServiceFunc{},
	}
}

var _ Interface = (*Dummy)(nil)

func (d *Dummy) SetPublishHook(h PublishHook) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.hook = h
}

func (d *Dummy) SetService(name string, f ServiceFunc) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.services[name] = f
}

func (d *Dummy) Publish(ctx context.Context, topic string, value interface{}) error {
	d.lock.Lock()
	closed, hook := d.closed, d.hook
	d.lock.Unlock()
	if closed {
		return ErrClosed
	}
	if hook != nil {
		if err := hook(ctx, topic, value); err != nil {
			d.log.Debug("publish dropped by hook", "topic", topic, "error", err)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.published = append(d.published, Message{Topic: topic, Value: value, Received: time.Now()})
	d.log.Trace("publish", "topic", topic, "value", value)
	return nil
}

// Published returns a copy of everything published so far, in order.
func (d *Dummy) Published() []Message {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]Message, len(d.published))
	copy(out, d.published)
	return out
}

// PublishedOn returns the values published on one topic, in order.
func (d *Dummy) PublishedOn(topic string) []interface{} {
	d.lock.Lock()
	defer d.lock.Unlock()
	var out []interface{}
	for _, m := range d.published {
		if m.Topic == topic {
			out = append(out, m.Value)
		}
	}
	return out
}

func (d *Dummy) Subscribe(topic string, handler Handler) (Subscription, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.handlers[topic] == nil {
		d.handlers[topic] = map[int]Handler{}
	}
	id := d.nextID
	d.nextID++
	d.handlers[topic][id] = handler
	d.log.Debug("subscribe", "topic", topic)
	return &dummySubscription{d: d, topic: topic, id: id}, nil
}

// Inject delivers value to the topic's subscribers synchronously, stamping the next sequence
// number.  It returns the number of handlers called.
func (d *Dummy) Inject(topic string, value interface{}) int {
	d.lock.Lock()
	d.seq[topic]++
	seq := d.seq[topic]
	d.lock.Unlock()
	return d.InjectSeq(topic, value, seq)
}

// InjectSeq is Inject with an explicit sequence number, for simulating reordered delivery.
func (d *Dummy) InjectSeq(topic string, value interface{}, seq uint64) int {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return 0
	}
	hs := make([]Handler, 0, len(d.handlers[topic]))
	for _, h := range d.handlers[topic] {
		hs = append(hs, h)
	}
	d.lock.Unlock()

	msg := Message{Topic: topic, Value: value, Seq: seq, Received: time.Now()}
	for _, h := range hs {
		h(msg)
	}
	return len(hs)
}

func (d *Dummy) Call(ctx context.Context, service string, request interface{}) (Response, error) {
	d.lock.Lock()
	closed, f := d.closed, d.services[service]
	d.lock.Unlock()
	if closed {
		return Response{}, ErrClosed
	}
	if f == nil {
		return Response{}, fmt.Errorf("%w: %s", ErrNoService, service)
	}
	d.log.Debug("call", "service", service)
	return f(ctx, request)
}

func (d *Dummy) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
	d.handlers = map[string]map[int]Handler{}
	return nil
}

type dummySubscription struct {
	d     *Dummy
	topic string
	id    int
}

func (s *dummySubscription) Unsubscribe() error {
	s.d.lock.Lock()
	defer s.d.lock.Unlock()
	delete(s.d.handlers[s.topic], s.id)
	return nil
}
