package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/lifecycle"
)

// consoleHistory is the number of transcript lines kept on screen.
const consoleHistory = 200

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	requestStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	responseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	logStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type consoleModel struct {
	err     error
	ctx     context.Context
	bridge  *bridge
	inst    *lifecycle.Instance
	send    func(tea.Msg)
	input   textinput.Model
	lines   []string
	chain   uint32
	height  int
	started bool
}

type startedMsg struct {
	err  error
	inst *lifecycle.Instance
	done <-chan error
}

type responseMsg struct {
	response string
	chain    uint32
}

type guestLogMsg struct {
	target  string
	message string
	level   capability.LogLevel
}

type sentMsg struct {
	err error
}

type stoppedMsg struct {
	err error
}

func newConsoleModel(ctx context.Context, b *bridge, chain uint32) *consoleModel {
	ti := textinput.New()
	ti.Placeholder = `{"jsonrpc":"2.0","id":1,"method":"system_health","params":[]}`
	ti.Width = 80
	ti.CharLimit = maxRequestLine
	ti.Focus()
	return &consoleModel{ctx: ctx, bridge: b, chain: chain, input: ti}
}

func (m *consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.start)
}

// start boots the guest with its output routed into the program.
func (m *consoleModel) start() tea.Msg {
	caps := m.bridge.cfg.Capabilities(zap.NewNop(), m.bridge.metrics)
	caps.OnJSONRPCResponse = func(chain uint32, response string) {
		m.send(responseMsg{chain: chain, response: response})
	}
	caps.OnLog = func(level capability.LogLevel, target, message string) {
		m.send(guestLogMsg{level: level, target: target, message: message})
	}
	caps.OnPanic = func(message string) {
		m.send(guestLogMsg{level: capability.LevelError, target: "panic", message: message})
	}

	inst, done, err := m.bridge.start(m.ctx, caps, zap.NewNop())
	return startedMsg{inst: inst, done: done, err: err}
}

func waitStopped(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return stoppedMsg{err: runResult(<-done)}
	}
}

func (m *consoleModel) request(line string) tea.Cmd {
	inst, ctx, chain := m.inst, m.ctx, m.chain
	return func() tea.Msg {
		return sentMsg{err: inst.JSONRPCSend(ctx, chain, line)}
	}
}

func (m *consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.inst != nil {
				_ = m.inst.Close(context.Background())
			}
			return m, tea.Quit

		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" || m.inst == nil {
				return m, nil
			}
			if rest, ok := strings.CutPrefix(line, ":chain "); ok {
				n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
				if err != nil {
					m.appendLine(errorStyle.Render("bad chain id: " + rest))
					return m, nil
				}
				m.chain = uint32(n)
				return m, nil
			}
			m.appendLine(requestStyle.Render(fmt.Sprintf("%d> %s", m.chain, line)))
			return m, m.request(line)
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.input.Width = msg.Width - 4

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.inst = msg.inst
		m.started = true
		return m, waitStopped(msg.done)

	case responseMsg:
		m.appendLine(responseStyle.Render(fmt.Sprintf("%d< %s", msg.chain, msg.response)))

	case guestLogMsg:
		style := logStyle
		if msg.level <= capability.LevelWarn {
			style = errorStyle
		}
		m.appendLine(style.Render(fmt.Sprintf("[%s] %s: %s", msg.level, msg.target, msg.message)))

	case sentMsg:
		if msg.err != nil {
			m.appendLine(errorStyle.Render("error: " + msg.err.Error()))
		}

	case stoppedMsg:
		m.err = msg.err
		if m.err == nil {
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *consoleModel) appendLine(s string) {
	m.lines = append(m.lines, s)
	if len(m.lines) > consoleHistory {
		m.lines = m.lines[len(m.lines)-consoleHistory:]
	}
}

func (m *consoleModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}
	if !m.started {
		return "Starting guest..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("wasmbridge"))
	b.WriteString(fmt.Sprintf(" chain %d, %s\n\n", m.chain, m.inst.State()))

	lines := m.lines
	if room := m.height - 6; room > 0 && len(lines) > room {
		lines = lines[len(lines)-room:]
	}
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter send • :chain N switch chain • esc quit"))
	return b.String()
}

func runConsole(ctx context.Context, b *bridge, chain uint32) error {
	m := newConsoleModel(ctx, b, chain)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	m.send = p.Send
	final, err := p.Run()
	if err != nil && !stderrors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if cm, ok := final.(*consoleModel); ok && cm.err != nil {
		return cm.err
	}
	return nil
}
