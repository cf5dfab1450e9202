package safety

import "fmt"

// TurnOwner says which side currently holds control authority.
type TurnOwner uint8

const (
	TurnOperator TurnOwner = iota
	TurnRemote
)

func (t TurnOwner) String() string {
	switch t {
	case TurnOperator:
		return "operator"
	case TurnRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Limits bounds the difficulty scalar.
type Limits struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (l Limits) Clamp(v int) int {
	if v < l.Min {
		return l.Min
	}
	if v > l.Max {
		return l.Max
	}
	return v
}

// State is the full set of safety variables.  It is a plain value; the Store hands out copies.
type State struct {
	EstopActive  bool
	DeadManArmed bool
	Turn         TurnOwner
	Difficulty   int
	Started      bool

	// TurnSync counts turn updates applied from the robot, whether or not they changed Turn.
	TurnSync uint64

	// Revision is bumped by every mutation that changed one of the fields above.
	Revision uint64
}

// Alive is the value of the dead-man heartbeat for this state.  A latched E-Stop always wins
// over the hold input.
func (s State) Alive() bool {
	return s.DeadManArmed && !s.EstopActive
}

func (s State) String() string {
	return fmt.Sprintf("estop=%v armed=%v turn=%v difficulty=%d started=%v rev=%d",
		s.EstopActive, s.DeadManArmed, s.Turn, s.Difficulty, s.Started, s.Revision)
}
