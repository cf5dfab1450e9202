// Package gateway is the panel's view of the robot-side messaging system: publish, subscribe
// and request/response service calls.  The rosbridge sub-package talks to a real robot; Dummy
// is an in-memory stand-in for tests and bench use.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("gateway closed")
	ErrNotConnected = errors.New("gateway not connected")
	ErrNoService    = errors.New("no such service")
)

// Topics names the channels the panel uses.
type Topics struct {
	Estop      string `yaml:"estop"`
	Heartbeat  string `yaml:"heartbeat"`
	Turn       string `yaml:"turn"`
	Difficulty string `yaml:"difficulty"`
	Start      string `yaml:"start"`
}

func DefaultTopics() Topics {
	return Topics{
		Estop:      "/estop",
		Heartbeat:  "/dms",
		Turn:       "/turn",
		Difficulty: "/difficulty",
		Start:      "/start_game",
	}
}

// Message is one value delivered on a subscribed topic.
type Message struct {
	Topic string
	// Value is the decoded payload: bool for flag topics, []float64 for vectors.  Anything
	// else is treated as malformed by consumers.
	Value interface{}
	// Seq is a per-topic delivery counter assigned by the transport.  Zero means the transport
	// gives no ordering information.
	Seq      uint64
	Received time.Time
}

type Handler func(msg Message)

type Subscription interface {
	Unsubscribe() error
}

// Response is the reply to a trigger-style service call.
type Response struct {
	Success bool
	Message string
}

type Publisher interface {
	Publish(ctx context.Context, topic string, value interface{}) error
}

type Subscriber interface {
	Subscribe(topic string, handler Handler) (Subscription, error)
}

type Caller interface {
	Call(ctx context.Context, service string, request interface{}) (Response, error)
}

type Interface interface {
	Publisher
	Subscriber
	Caller
	Close() error
}
