package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hostbridge/vm-bridge/engine"
	"github.com/hostbridge/vm-bridge/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// interactiveModel drives a dedicated-mode session: every call typed at
// the prompt is submitted to the guest's thread and the result shown
// along with queue and collector stats.
type interactiveModel struct {
	err      error
	eng      *engine.Engine
	sess     *session.Session
	filename string
	entry    string
	input    textinput.Model
	history  []string
	loaded   bool
}

type loadedMsg struct {
	err  error
	eng  *engine.Engine
	sess *session.Session
}

type callResultMsg struct {
	err    error
	spec   string
	result string
}

func newInteractiveModel(filename, entry string) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "Class.method arg1 arg2"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()
	return &interactiveModel{filename: filename, entry: entry, input: ti}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadGuest
}

func (m *interactiveModel) loadGuest() tea.Msg {
	ctx := context.Background()

	data, err := os.ReadFile(m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}

	eng, err := engine.New(ctx)
	if err != nil {
		return loadedMsg{err: err}
	}

	rt, err := eng.NewRuntime(ctx, &engine.Config{EntryExport: m.entry})
	if err != nil {
		eng.Close(ctx)
		return loadedMsg{err: err}
	}

	s, err := session.New(rt, session.Config{Name: m.filename, Mode: session.ModeDedicated})
	if err != nil {
		eng.Close(ctx)
		return loadedMsg{err: err}
	}
	if err := s.Init(nil); err != nil {
		s.Destroy(ctx)
		eng.Close(ctx)
		return loadedMsg{err: err}
	}
	if err := s.LoadModule(ctx, data); err != nil {
		s.Destroy(ctx)
		eng.Close(ctx)
		return loadedMsg{err: err}
	}
	if err := s.Start(ctx); err != nil {
		s.Destroy(ctx)
		eng.Close(ctx)
		return loadedMsg{err: err}
	}

	return loadedMsg{eng: eng, sess: s}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			ctx := context.Background()
			if m.sess != nil {
				m.sess.Destroy(ctx)
			}
			if m.eng != nil {
				m.eng.Close(ctx)
			}
			return m, tea.Quit

		case "enter":
			if !m.loaded {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			return m, m.submit(line)
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.eng = msg.eng
		m.sess = msg.sess
		m.loaded = true

	case callResultMsg:
		if msg.err != nil {
			m.history = append(m.history, errorStyle.Render(fmt.Sprintf("%s: %v", msg.spec, msg.err)))
		} else {
			m.history = append(m.history, resultStyle.Render(msg.spec+": "+msg.result))
		}
		if len(m.history) > 12 {
			m.history = m.history[len(m.history)-12:]
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit parses "Class.method arg1 arg2" and routes the call through the
// session's message queue.
func (m *interactiveModel) submit(line string) tea.Cmd {
	return func() tea.Msg {
		fields := strings.Fields(line)
		spec := fields[0]
		args := strings.Join(fields[1:], ",")

		var result string
		err := m.sess.SubmitSync(context.Background(), func(ctx context.Context, s *session.Session) error {
			class, method, ok := strings.Cut(spec, ".")
			if !ok {
				return fmt.Errorf("want Class.method, got %q", spec)
			}
			handles, err := boxArgList(ctx, s, args)
			if err != nil {
				return err
			}
			res, err := s.StaticCall(ctx, class, method, handles...)
			if err != nil {
				return err
			}
			if res == nil {
				result = "(void)"
				return nil
			}
			defer s.Release(res)
			result, err = formatResult(ctx, s, res)
			return err
		})
		return callResultMsg{spec: spec, result: result, err: err}
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("VM Bridge"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc quit"))
		return b.String()
	}
	if !m.loaded {
		return b.String() + "Loading guest..."
	}

	stats := m.sess.GCStats()
	b.WriteString(labelStyle.Render("state"))
	b.WriteString(" " + m.sess.State().String())
	b.WriteString("  " + labelStyle.Render("queue"))
	b.WriteString(fmt.Sprintf(" %d", m.sess.QueueDepth()))
	b.WriteString("  " + labelStyle.Render("live"))
	b.WriteString(fmt.Sprintf(" %d", stats.LiveObjects))
	b.WriteString("  " + labelStyle.Render("roots"))
	b.WriteString(fmt.Sprintf(" %d", stats.Roots))
	b.WriteString("\n\n")

	for _, line := range m.history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter call • esc quit"))
	return b.String()
}

func runInteractive(filename, entry string) error {
	p := tea.NewProgram(newInteractiveModel(filename, entry), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
