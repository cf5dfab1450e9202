// Package tui is the keyboard console for the panel, for use at a terminal when there is no
// gamepad or hardware panel to hand.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-hclog"

	"github.com/tigerbot-team/tigerbot/opspanel/pkg/panel"
	"github.com/tigerbot-team/tigerbot/opspanel/pkg/safety"
)

type Config struct {
	Enabled bool `yaml:"enabled"`
	// Terminals have no key-up event, so the hold key counts as held while it auto-repeats.
	// HoldRelease must be longer than the keyboard's initial repeat delay.
	HoldRelease time.Duration `yaml:"hold_release"`
}

func DefaultConfig() Config {
	return Config{HoldRelease: 600 * time.Millisecond}
}

// Controls is the console's view of the panel.  *panel.Panel implements it.
type Controls interface {
	Snapshot() safety.State
	Limits() safety.Limits
	Watch() (<-chan struct{}, func())
	SetHold(pressed bool)
	ToggleEstop(ctx context.Context) (bool, error)
	ToggleTurn(ctx context.Context) error
	NudgeDifficulty(ctx context.Context, steps int) (int, error)
	RequestStart(ctx context.Context) error
}

const (
	keyHold      = " "
	keyEstop     = "e"
	keyTurn      = "t"
	keyStart     = "s"
	keyHarder    = "right"
	keyEasier    = "left"
	keyQuit      = "q"
	keyInterrupt = "ctrl+c"
)

var errConsoleClosed = errors.New("console closed")

type stateChangedMsg struct{}

type holdExpiredMsg struct{ gen int }

type actionDoneMsg struct {
	action string
	err    error
}

type Model struct {
	ctx      context.Context
	cfg      Config
	controls Controls
	log      hclog.Logger

	changes <-chan struct{}
	running *actions
	state   safety.State
	limits  safety.Limits

	holding   bool
	holdGen   int
	status    string
	statusErr bool
}

// actions tracks the console actions running as commands.  The program doesn't wait for its
// commands when it quits, so the console does.
type actions struct {
	lock    sync.Mutex
	closed  bool
	running sync.WaitGroup
}

func (a *actions) begin() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.closed {
		return false
	}
	a.running.Add(1)
	return true
}

func (a *actions) end() {
	a.running.Done()
}

func (a *actions) close() {
	a.lock.Lock()
	a.closed = true
	a.lock.Unlock()
	a.running.Wait()
}

// New subscribes to state changes.  Call the returned func when the model is finished with: it
// refuses further actions and waits for those still running.
func New(ctx context.Context, cfg Config, controls Controls, log hclog.Logger) (Model, func()) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.HoldRelease <= 0 {
		cfg.HoldRelease = DefaultConfig().HoldRelease
	}
	changes, stopWatching := controls.Watch()
	running := &actions{}
	m := Model{
		ctx:      ctx,
		cfg:      cfg,
		controls: controls,
		log:      log.Named("tui"),
		changes:  changes,
		running:  running,
		state:    controls.Snapshot(),
		limits:   controls.Limits(),
	}
	return m, func() {
		running.close()
		stopWatching()
	}
}

func (m Model) Init() tea.Cmd {
	return m.waitForChange()
}

func (m Model) waitForChange() tea.Cmd {
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return stateChangedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateChangedMsg:
		m.state = m.controls.Snapshot()
		return m, m.waitForChange()
	case holdExpiredMsg:
		if msg.gen != m.holdGen || !m.holding {
			return m, nil
		}
		m.holding = false
		m.controls.SetHold(false)
		m.state = m.controls.Snapshot()
		return m, nil
	case actionDoneMsg:
		return m.finished(msg.action, msg.err), nil
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case keyHold:
		// Every repeat pushes the release back.
		m.holdGen++
		if !m.holding {
			m.holding = true
			m.controls.SetHold(true)
			m.state = m.controls.Snapshot()
		}
		gen := m.holdGen
		return m, tea.Tick(m.cfg.HoldRelease, func(time.Time) tea.Msg { return holdExpiredMsg{gen: gen} })
	case keyEstop:
		// Inline, like the gamepad: a stop must be on the wire before the console can quit.
		_, err := m.controls.ToggleEstop(m.ctx)
		logFailure(m.log, "E-Stop", err)
		return m.finished("E-Stop", err), nil
	case keyTurn:
		return m, m.action("turn", m.controls.ToggleTurn)
	case keyHarder, keyEasier:
		steps := 1
		if msg.String() == keyEasier {
			steps = -1
		}
		return m, m.action("difficulty", func(ctx context.Context) error {
			_, err := m.controls.NudgeDifficulty(ctx, steps)
			return err
		})
	case keyStart:
		m.status = "starting..."
		m.statusErr = false
		return m, m.action("start", m.controls.RequestStart)
	case keyQuit, keyInterrupt:
		m.holding = false
		m.controls.SetHold(false)
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) finished(action string, err error) Model {
	m.state = m.controls.Snapshot()
	if err != nil {
		m.status = fmt.Sprintf("%s: %v", action, err)
		m.statusErr = true
		return m
	}
	m.status = action + " ok"
	m.statusErr = false
	return m
}

func logFailure(log hclog.Logger, action string, err error) {
	if err != nil && !panel.IsRejected(err) {
		log.Warn("action failed", "action", action, "error", err)
	}
}

func (m Model) action(name string, f func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	log := m.log
	running := m.running
	return func() tea.Msg {
		if !running.begin() {
			return actionDoneMsg{action: name, err: errConsoleClosed}
		}
		defer running.end()
		err := f(ctx)
		logFailure(log, name, err)
		return actionDoneMsg{action: name, err: err}
	}
}

var (
	colorRed    = lipgloss.Color("#f38ba8")
	colorGreen  = lipgloss.Color("#a6e3a1")
	colorYellow = lipgloss.Color("#f9e2af")
	colorGrey   = lipgloss.Color("#6c7086")
	colorText   = lipgloss.Color("#cdd6f4")
	colorBase   = lipgloss.Color("#1e1e2e")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(colorYellow)
	indicatorStyle = lipgloss.NewStyle().Bold(true).Padding(0, 2).Foreground(colorBase)
	labelStyle     = lipgloss.NewStyle().Foreground(colorText)
	helpStyle      = lipgloss.NewStyle().Foreground(colorGrey)
	errStyle       = lipgloss.NewStyle().Foreground(colorRed)
)

func indicator(on bool, onColor, offColor lipgloss.Color, text string) string {
	c := offColor
	if on {
		c = onColor
	}
	return indicatorStyle.Background(c).Render(text)
}

func (m Model) View() string {
	st := m.state
	var b strings.Builder
	b.WriteString(titleStyle.Render("OPERATOR PANEL"))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		indicator(st.EstopActive, colorRed, colorGreen, panel.EstopText(st)),
		" ",
		indicator(st.Alive(), colorGreen, colorGrey, panel.MasterText(st)),
	))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render(panel.TurnText(st)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(difficultyBar(st.Difficulty, m.limits)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(panel.StartedText(st)))
	b.WriteString("\n\n")
	if m.status != "" {
		if m.statusErr {
			b.WriteString(errStyle.Render(m.status))
		} else {
			b.WriteString(labelStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(fmt.Sprintf(
		"hold space: enable (drops %v after release)  e: E-Stop  t: give turn  ←/→: difficulty  s: start  q: quit",
		m.cfg.HoldRelease)))
	b.WriteString("\n")
	return b.String()
}

func difficultyBar(d int, limits safety.Limits) string {
	const width = 20
	filled := width
	if span := limits.Max - limits.Min; span > 0 {
		filled = (d - limits.Min) * width / span
	}
	return fmt.Sprintf("DIFFICULTY %2d [%s%s]", d, strings.Repeat("#", filled), strings.Repeat(".", width-filled))
}

// Run runs the console on the terminal until the operator quits or ctx is done.
func Run(ctx context.Context, cfg Config, controls Controls, log hclog.Logger) error {
	m, stop := New(ctx, cfg, controls, log)
	defer stop()
	_, err := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	// The hold key has no release event, so make sure it doesn't outlive the console.
	controls.SetHold(false)
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
