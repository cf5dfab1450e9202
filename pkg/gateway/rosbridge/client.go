// Package rosbridge implements gateway.Interface over a rosbridge websocket, which is how the
// panel reaches the ROS 2 control stack on the robot.
package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
)

type Config struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Types maps topic name to ROS message type, used when advertising and subscribing.
	Types map[string]string `yaml:"types"`

	// Service calls fail fast for BreakerCooldown after BreakerFailures consecutive failures.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultConfig points at a rosbridge server on the local machine.  Types is left for the caller
// to fill, usually from DefaultTypes.
func DefaultConfig() Config {
	return Config{URL: "ws://localhost:9090"}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 250 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.Types == nil {
		c.Types = map[string]string{}
	}
	return c
}

type Client struct {
	cfg     Config
	log     hclog.Logger
	conn    *websocket.Conn
	breaker *gobreaker.CircuitBreaker

	// The websocket allows one writer at a time.  This is a channel rather than a mutex so
	// that waiting for it is bounded by the writer's context.
	writeSem chan struct{}

	lock       sync.Mutex // Guards the fields below
	handlers   map[string]map[int]gateway.Handler
	nextID     int
	seq        map[string]uint64
	advertised map[string]bool
	pending    map[string]chan envelope
	closed     bool
	readErr    error

	readDone chan struct{}
}

var _ gateway.Interface = (*Client)(nil)

// Dial connects to the rosbridge server at cfg.URL and starts the receive loop.
func Dial(ctx context.Context, cfg Config, log hclog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial rosbridge %s: %w", cfg.URL, err)
	}
	return newClient(conn, cfg, log), nil
}

func newClient(conn *websocket.Conn, cfg Config, log hclog.Logger) *Client {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("rosbridge")
	c := &Client{
		cfg:        cfg,
		log:        log,
		conn:       conn,
		handlers:   map[string]map[int]gateway.Handler{},
		seq:        map[string]uint64{},
		advertised: map[string]bool{},
		pending:    map[string]chan envelope{},
		writeSem:   make(chan struct{}, 1),
		readDone:   make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rosbridge-services",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("service circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	go c.readLoop()
	return c
}

func (c *Client) usable() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return gateway.ErrClosed
	}
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", gateway.ErrNotConnected, c.readErr)
	}
	return nil
}

func (c *Client) write(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Op, err)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Publish(ctx context.Context, topic string, value interface{}) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.advertise(ctx, topic); err != nil {
		return fmt.Errorf("advertise %s: %w", topic, err)
	}
	msg, err := json.Marshal(dataMsg{Data: value})
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if err := c.write(ctx, envelope{Op: opPublish, Topic: topic, Msg: msg}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) advertise(ctx context.Context, topic string) error {
	c.lock.Lock()
	done := c.advertised[topic]
	c.lock.Unlock()
	if done {
		return nil
	}
	// Two racing first publishes may both advertise; rosbridge tolerates that.
	err := c.write(ctx, envelope{Op: opAdvertise, Topic: topic, Type: c.cfg.Types[topic]})
	if err != nil {
		return err
	}
	c.lock.Lock()
	c.advertised[topic] = true
	c.lock.Unlock()
	return nil
}

func (c *Client) Subscribe(topic string, handler gateway.Handler) (gateway.Subscription, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.lock.Lock()
	first := len(c.handlers[topic]) == 0
	if c.handlers[topic] == nil {
		c.handlers[topic] = map[int]gateway.Handler{}
	}
	id := c.nextID
	c.nextID++
	c.handlers[topic][id] = handler
	c.lock.Unlock()

	sub := &subscription{c: c, topic: topic, id: id}
	if first {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
		defer cancel()
		err := c.write(ctx, envelope{Op: opSubscribe, Topic: topic, Type: c.cfg.Types[topic]})
		if err != nil {
			c.removeHandler(topic, id)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	c.log.Debug("subscribed", "topic", topic)
	return sub, nil
}

// removeHandler drops a handler and reports whether it was the topic's last one.
func (c *Client) removeHandler(topic string, id int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	hs, ok := c.handlers[topic]
	if !ok {
		return false
	}
	if _, ok := hs[id]; !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(c.handlers, topic)
		return true
	}
	return false
}

type subscription struct {
	c     *Client
	topic string
	id    int
}

func (s *subscription) Unsubscribe() error {
	if !s.c.removeHandler(s.topic, s.id) {
		return nil
	}
	if err := s.c.usable(); err != nil {
		// Nothing to tell the server; the subscription died with the connection.
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.c.cfg.WriteTimeout)
	defer cancel()
	return s.c.write(ctx, envelope{Op: opUnsubscribe, Topic: s.topic})
}

// Call invokes a trigger-style service.  Calls go through a circuit breaker so that a dead
// robot-side service makes the panel fail fast instead of waiting out every deadline.
func (c *Client) Call(ctx context.Context, service string, request interface{}) (gateway.Response, error) {
	if err := c.usable(); err != nil {
		return gateway.Response{}, err
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, service, request)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return gateway.Response{}, fmt.Errorf("call %s: %w", service, err)
		}
		return gateway.Response{}, err
	}
	return out.(gateway.Response), nil
}

func (c *Client) call(ctx context.Context, service string, request interface{}) (gateway.Response, error) {
	id := "call:" + uuid.NewString()
	reply := make(chan envelope, 1)
	c.lock.Lock()
	c.pending[id] = reply
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}()

	args := json.RawMessage("{}")
	if request != nil {
		var err error
		if args, err = json.Marshal(request); err != nil {
			return gateway.Response{}, fmt.Errorf("encode %s request: %w", service, err)
		}
	}
	err := c.write(ctx, envelope{Op: opCallService, ID: id, Service: service, Type: TypeTrigger, Args: args})
	if err != nil {
		return gateway.Response{}, fmt.Errorf("call %s: %w", service, err)
	}

	select {
	case env, ok := <-reply:
		if !ok {
			return gateway.Response{}, fmt.Errorf("call %s: %w", service, gateway.ErrNotConnected)
		}
		if env.Result != nil && !*env.Result {
			return gateway.Response{}, fmt.Errorf("call %s: rosbridge reported failure: %s", service, string(env.Values))
		}
		var resp triggerResponse
		if err := json.Unmarshal(env.Values, &resp); err != nil {
			return gateway.Response{}, fmt.Errorf("call %s: bad response: %w", service, err)
		}
		return gateway.Response{Success: resp.Success, Message: resp.Message}, nil
	case <-ctx.Done():
		return gateway.Response{}, fmt.Errorf("call %s: %w", service, ctx.Err())
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}
		switch env.Op {
		case opPublish:
			c.deliver(env)
		case opServiceResponse:
			c.resolve(env)
		case opStatus:
			c.log.Info("rosbridge status", "level", env.Level, "msg", string(env.Msg))
		default:
			c.log.Debug("ignoring frame", "op", env.Op)
		}
	}
}

func (c *Client) deliver(env envelope) {
	c.lock.Lock()
	c.seq[env.Topic]++
	msg := gateway.Message{
		Topic:    env.Topic,
		Value:    decodeData(env.Msg),
		Seq:      c.seq[env.Topic],
		Received: time.Now(),
	}
	hs := make([]gateway.Handler, 0, len(c.handlers[env.Topic]))
	for _, h := range c.handlers[env.Topic] {
		hs = append(hs, h)
	}
	c.lock.Unlock()

	for _, h := range hs {
		h(msg)
	}
}

func (c *Client) resolve(env envelope) {
	c.lock.Lock()
	reply := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.lock.Unlock()
	if reply == nil {
		c.log.Debug("response for unknown call", "id", env.ID)
		return
	}
	reply <- env
}

func (c *Client) fail(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.log.Error("rosbridge connection lost", "error", err)
	}
	c.readErr = err
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *Client) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.lock.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	err := c.conn.Close()
	<-c.readDone
	return err
}
