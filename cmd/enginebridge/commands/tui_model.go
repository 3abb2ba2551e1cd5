package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/enginebridge/pkg/bridge/client"
	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/host"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	inputEchoStyle = lipgloss.NewStyle().
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type eventTone int

const (
	toneEvent eventTone = iota
	toneOutput
	toneMuted
	toneError
	toneInput
)

func (t eventTone) render(s string) string {
	switch t {
	case toneOutput:
		return outputStyle.Render(s)
	case toneMuted:
		return helpStyle.Render(s)
	case toneError:
		return errorStyle.Render(s)
	case toneInput:
		return inputEchoStyle.Render(s)
	default:
		return eventStyle.Render(s)
	}
}

const maxLogLines = 2000

type bridgeEventMsg struct {
	msg protocol.Message
}

type startedMsg struct {
	ctl *controller
	err error
}

type actionDoneMsg struct {
	kind string
	res  *client.RunResult
	err  error
}

// tuiModel is the interactive controller. Requests run as tea.Cmds; events
// arrive on a channel fed by the client's OnMessage hook.
type tuiModel struct {
	ctx      context.Context
	start    func() (*controller, error)
	events   <-chan protocol.Message
	precache []host.ManifestResource
	dataPath string

	ctl    *controller
	status string
	busy   bool

	lines    []string
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	width    int
}

func newTUIModel(ctx context.Context, start func() (*controller, error), events <-chan protocol.Message, precache []host.ManifestResource, dataPath string) *tuiModel {
	ti := textinput.New()
	ti.Placeholder = `commands separated by ";" or :help`
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()

	return &tuiModel{
		ctx:      ctx,
		start:    start,
		events:   events,
		precache: precache,
		dataPath: dataPath,
		status:   "starting",
		busy:     true,
		input:    ti,
		viewport: viewport.New(80, 20),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(m.startBridge, m.waitForEvent, m.spinner.Tick, textinput.Blink)
}

func (m *tuiModel) startBridge() tea.Msg {
	ctl, err := m.start()
	if err != nil {
		return startedMsg{err: err}
	}
	resources := mergeResources(ctl.engine.Precache, m.precache)
	if err := ctl.precache(m.ctx, resources); err != nil {
		return startedMsg{ctl: ctl, err: err}
	}
	return startedMsg{ctl: ctl}
}

func (m *tuiModel) waitForEvent() tea.Msg {
	select {
	case msg := <-m.events:
		return bridgeEventMsg{msg: msg}
	case <-m.ctx.Done():
		return nil
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.SetValue("")
			return m, m.submit(line)
		}

	case bridgeEventMsg:
		text, tone := eventLine(msg.msg)
		m.appendLine(tone, text)
		switch msg.msg.Type {
		case protocol.MessageTypeInitComplete:
			m.status = "initialized"
		case protocol.MessageTypeDestroyed:
			m.status = "destroyed"
		}
		return m, m.waitForEvent

	case startedMsg:
		m.busy = false
		m.ctl = msg.ctl
		if msg.err != nil {
			if m.ctl == nil {
				m.status = "failed"
			} else {
				m.status = "ready"
			}
			m.showError(msg.err)
			return m, nil
		}
		m.status = "ready"
		return m, nil

	case actionDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.showError(msg.err)
		}
		switch msg.kind {
		case actionRun:
			if m.status == "running" {
				m.status = "initialized"
			}
			if msg.res != nil && msg.err == nil {
				note := fmt.Sprintf("session %s: %d executed", shortID(msg.res.SessionID), msg.res.Executed)
				if msg.res.Stopped {
					note += ", stopped"
				}
				m.appendLine(toneMuted, note)
			}
		case actionDestroy:
			if msg.err == nil {
				m.status = "destroyed"
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit parses an input line and starts the matching request.
func (m *tuiModel) submit(line string) tea.Cmd {
	if strings.TrimSpace(line) == ":help" {
		m.appendLine(toneMuted, `commands: "a; b; c" | :precache name=url | :init [path] | :stop | :destroy | :clear | :quit`)
		return nil
	}

	action, err := parseTUIInput(line)
	if err != nil {
		m.showError(err)
		return nil
	}

	switch action.kind {
	case actionQuit:
		return tea.Quit
	case actionClear:
		m.lines = nil
		m.refresh()
		return nil
	}

	if m.ctl == nil {
		m.showError(errors.New("bridge is not running"))
		return nil
	}
	c := m.ctl.client

	switch action.kind {
	case actionStop:
		return m.do(actionStop, func(ctx context.Context) (*client.RunResult, error) {
			return nil, c.Stop(ctx)
		})
	case actionDestroy:
		return m.do(actionDestroy, func(ctx context.Context) (*client.RunResult, error) {
			return nil, c.Destroy(ctx)
		})
	}

	if m.busy {
		m.showError(errors.New("a request is in progress; use :stop or :destroy"))
		return nil
	}

	switch action.kind {
	case actionPrecache:
		resources, err := parseResources([]string{action.arg})
		if err != nil {
			m.showError(err)
			return nil
		}
		m.busy = true
		res := resources[0]
		return m.do(actionPrecache, func(ctx context.Context) (*client.RunResult, error) {
			_, err := c.Precache(ctx, res.Name, res.URL)
			return nil, err
		})

	case actionInit:
		path := action.arg
		if path == "" {
			path = m.dataPath
		}
		if path == "" {
			path = m.ctl.engine.DataPath
		}
		m.busy = true
		return m.do(actionInit, func(ctx context.Context) (*client.RunResult, error) {
			return nil, c.Init(ctx, path)
		})

	case actionRun:
		m.appendLine(toneInput, "> "+strings.Join(action.commands, "; "))
		m.busy = true
		m.status = "running"
		return m.do(actionRun, func(ctx context.Context) (*client.RunResult, error) {
			return c.Run(ctx, action.commands)
		})
	}
	return nil
}

func (m *tuiModel) do(kind string, fn func(context.Context) (*client.RunResult, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		res, err := fn(ctx)
		return actionDoneMsg{kind: kind, res: res, err: err}
	}
}

// showError logs errors that did not already arrive as bridge error events.
func (m *tuiModel) showError(err error) {
	var rerr *client.RemoteError
	if errors.As(err, &rerr) {
		return
	}
	m.appendLine(toneError, "error: "+err.Error())
}

func (m *tuiModel) appendLine(tone eventTone, text string) {
	for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		m.lines = append(m.lines, tone.render(l))
	}
	if over := len(m.lines) - maxLogLines; over > 0 {
		m.lines = m.lines[over:]
	}
	m.refresh()
}

func (m *tuiModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *tuiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("enginebridge"))
	b.WriteString(" ")
	if m.ctl != nil {
		b.WriteString(m.ctl.engine.Name)
		b.WriteString(" ")
	}
	b.WriteString(statusStyle.Render(m.status))
	if m.busy {
		b.WriteString(" ")
		b.WriteString(m.spinner.View())
	}
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send • pgup/pgdn scroll • :help • ctrl+c quit"))

	return b.String()
}

// shutdown releases the bridge after the program exits.
func (m *tuiModel) shutdown() {
	if m.ctl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.ctl.close(ctx)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
