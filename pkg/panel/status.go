package panel

import (
	"fmt"
	"strings"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

// Indicator texts shared by the display and terminal front ends.
const (
	TextEstopActive   = "E-STOP ACTIVE"
	TextEstopClear    = "E-STOP CLEAR"
	TextMasterActive  = "MASTER CONTROL ACTIVE"
	TextMasterHold    = "HOLD TO ENABLE"
	TextTurnOperator  = "YOUR TURN"
	TextTurnRobot     = "ROBOT'S TURN"
	TextStarted       = "RUNNING"
	TextNotStarted    = "NOT STARTED"
	textStatusDivider = " | "
)

func EstopText(s safety.State) string {
	if s.EstopActive {
		return TextEstopActive
	}
	return TextEstopClear
}

// MasterText describes the dead-man indicator.  It follows the heartbeat value, so an engaged
// E-Stop shows as not active even while the hold input is down.
func MasterText(s safety.State) string {
	if s.Alive() {
		return TextMasterActive
	}
	return TextMasterHold
}

func TurnText(s safety.State) string {
	if s.Turn == safety.TurnRemote {
		return TextTurnRobot
	}
	return TextTurnOperator
}

func StartedText(s safety.State) string {
	if s.Started {
		return TextStarted
	}
	return TextNotStarted
}

// StatusText is the one-line summary of every indicator.
func StatusText(s safety.State) string {
	return strings.Join([]string{
		EstopText(s),
		MasterText(s),
		TurnText(s),
		fmt.Sprintf("DIFFICULTY %d", s.Difficulty),
		StartedText(s),
	}, textStatusDivider)
}
