// Package tui is the terminal front end: a live feed of group
// notifications, a toast line and a command prompt.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/habittribe/tribe/app"
	"github.com/habittribe/tribe/model"
)

const maxFeedLines = 500

// Model is the bubbletea model of the client.
type Model struct {
	ctx    context.Context
	app    *app.App
	bridge *bridge
	now    func() time.Time

	viewport  viewport.Model
	textInput textinput.Model
	lines     []string
	toast     *model.Toast
	toastSeq  int
	connected bool
	ready     bool
	width     int
}

// New creates the model. Commands run with ctx.
func New(ctx context.Context, a *app.App) Model {
	ti := textinput.New()
	ti.Placeholder = "/help for commands"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 20

	return Model{
		ctx:       ctx,
		app:       a,
		bridge:    newBridge(a),
		now:       time.Now,
		textInput: ti,
		lines:     []string{dimStyle.Render("Welcome to HabitTribe. Type /help to get started.")},
	}
}

// Run starts the program on the alternate screen and blocks until quit.
func Run(ctx context.Context, a *app.App) error {
	m := New(ctx, a)
	defer m.bridge.close()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.bridge.waitForEvent)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			input := strings.TrimSpace(m.textInput.Value())
			if input == "" {
				return m, nil
			}
			m.textInput.SetValue("")
			return m, m.execute(input)
		}

	case tea.WindowSizeMsg:
		// status line, separator, toast line and prompt
		footerHeight := 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - footerHeight
		}
		m.width = msg.Width
		m.textInput.Width = msg.Width - 3
		m.refresh()

	case connectionMsg:
		m.connected = msg.connected
		return m, m.bridge.waitForEvent

	case postMsg:
		n := model.PostNotification(msg)
		m.appendLines(feedLine(m.now(), groupLabel(n.GroupID, n.GroupTitle), postText(n), m.width))
		return m, m.bridge.waitForEvent

	case commentMsg:
		n := model.CommentNotification(msg)
		m.appendLines(feedLine(m.now(), groupLabel(n.GroupID, ""), commentText(n), m.width))
		return m, m.bridge.waitForEvent

	case postUpdatedMsg:
		n := model.PostUpdatedNotification(msg)
		m.appendLines(feedLine(m.now(), groupLabel(n.GroupID, ""), updatedText(n), m.width))
		return m, m.bridge.waitForEvent

	case postDeletedMsg:
		n := model.PostDeletedNotification(msg)
		m.appendLines(feedLine(m.now(), groupLabel(n.GroupID, ""), deletedText(n), m.width))
		return m, m.bridge.waitForEvent

	case toastMsg:
		t := model.Toast(msg)
		m.toast = &t
		m.toastSeq++
		seq := m.toastSeq
		expire := tea.Tick(t.Life, func(time.Time) tea.Msg { return toastExpiredMsg{seq} })
		return m, tea.Batch(m.bridge.waitForEvent, expire)

	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toast = nil
		}
		return m, nil

	case outputMsg:
		m.appendLines(msg.lines...)
		return m, nil

	case errMsg:
		m.appendLines(toastLine(model.Toast{Severity: model.SeverityError, Summary: "Error", Detail: msg.err.Error()}))
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m *Model) appendLines(lines ...string) {
	m.lines = append(m.lines, lines...)
	if over := len(m.lines) - maxFeedLines; over > 0 {
		m.lines = m.lines[over:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	toast := ""
	if m.toast != nil {
		toast = toastLine(*m.toast)
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		m.viewport.View(),
		statusLine(m.app.Session.Username(), m.connected, m.width),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		toast,
		m.textInput.View(),
	)
}
