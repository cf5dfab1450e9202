package rosbridge

import (
	"encoding/json"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/gateway"
)

// rosbridge v2 protocol operations used by the panel.
const (
	opAdvertise       = "advertise"
	opPublish         = "publish"
	opSubscribe       = "subscribe"
	opUnsubscribe     = "unsubscribe"
	opCallService     = "call_service"
	opServiceResponse = "service_response"
	opStatus          = "status"
)

const (
	TypeBool              = "std_msgs/msg/Bool"
	TypeFloat64MultiArray = "std_msgs/msg/Float64MultiArray"
	TypeTrigger           = "std_srvs/srv/Trigger"
)

// DefaultTypes returns the ROS message type of each panel topic.
func DefaultTypes(t gateway.Topics) map[string]string {
	return map[string]string{
		t.Estop:      TypeBool,
		t.Heartbeat:  TypeBool,
		t.Turn:       TypeBool,
		t.Difficulty: TypeFloat64MultiArray,
	}
}

// envelope is the union of every frame we send or receive.
type envelope struct {
	Op      string          `json:"op"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Service string          `json:"service,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Values  json.RawMessage `json:"values,omitempty"`
	Result  *bool           `json:"result,omitempty"`
	Level   string          `json:"level,omitempty"`
}

// Both std_msgs/Bool and std_msgs/Float64MultiArray carry their payload in "data"; rosbridge
// fills in the multi-array layout.
type dataMsg struct {
	Data interface{} `json:"data"`
}

type triggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// decodeData extracts the "data" field of an incoming message.  Booleans come back as bool and
// numeric arrays as []float64; a missing or unrecognised payload is returned as nil or as the
// raw decoded value so that consumers can reject it.
func decodeData(raw json.RawMessage) interface{} {
	var m struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &m); err != nil || len(m.Data) == 0 {
		return nil
	}
	var b bool
	if err := json.Unmarshal(m.Data, &b); err == nil {
		return b
	}
	var fs []float64
	if err := json.Unmarshal(m.Data, &fs); err == nil {
		return fs
	}
	var v interface{}
	if err := json.Unmarshal(m.Data, &v); err == nil {
		return v
	}
	return nil
}
