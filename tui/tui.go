// Package tui is a terminal status view for the dictation controller.
package tui

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"voxkey/controller"
)

const (
	frameInterval = 60 * time.Millisecond
	eyeWidth      = 45
)

type Actions struct {
	Toggle func()
	Quit   func()
}

// UI renders controller status in the terminal. OnStatus never blocks:
// the latest status is picked up on the next animation frame.
type UI struct {
	p      *tea.Program
	latest atomic.Pointer[controller.Status]
}

func New(hotkey, version string, a Actions, opts ...tea.ProgramOption) *UI {
	u := &UI{}
	m := model{hotkey: hotkey, version: version, actions: a, source: &u.latest, now: time.Now}
	u.p = tea.NewProgram(m, append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)...)
	return u
}

func (u *UI) OnStatus(st controller.Status) { u.latest.Store(&st) }

// Run blocks until the user quits or Quit is called.
func (u *UI) Run() error {
	_, err := u.p.Run()
	return err
}

func (u *UI) Quit() { u.p.Quit() }

type tickMsg time.Time

type model struct {
	hotkey  string
	version string
	actions Actions
	source  *atomic.Pointer[controller.Status]
	now     func() time.Time

	st            controller.Status
	frame         int
	level         float64
	recStart      time.Time
	width, height int
}

func tick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd { return tick() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.actions.Quit != nil {
				m.actions.Quit()
			}
			return m, tea.Quit
		case " ", "r":
			if m.actions.Toggle != nil {
				m.actions.Toggle()
			}
		}

	case tickMsg:
		m.frame++
		m.level *= 0.8
		if p := m.source.Load(); p != nil {
			m = m.observe(*p)
		}
		return m, tick()

	case controller.Status:
		m = m.observe(msg)
	}
	return m, nil
}

// observe folds a new status into the model. A changed interim counts as
// voice activity for the eye animation.
func (m model) observe(st controller.Status) model {
	if st.State == controller.Active && m.st.State != controller.Active {
		m.recStart = m.now()
	}
	if st.Interim != "" && st.Interim != m.st.Interim {
		m.level = min(m.level+0.02, 0.05)
	}
	if st.Finals > m.st.Finals {
		m.level = 0.05
	}
	m.st = st
	return m
}

var (
	styleRec     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleMode    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	styleHelp    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	styleHelpKey = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	styleTitle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	styleText    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	styleInterim = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
)

func (m model) statusLines() []string {
	st := m.st
	var lines []string
	switch st.State {
	case controller.Active:
		lines = append(lines, styleRec.Render(fmt.Sprintf("● REC %.1fs", m.now().Sub(m.recStart).Seconds())))
		if st.Reconnecting {
			lines = append(lines, styleWarn.Render("  ⚠ reconnecting"))
		}
	case controller.Starting:
		lines = append(lines, styleBusy.Render("◌ CONNECTING"))
	case controller.Stopping:
		lines = append(lines, styleBusy.Render("◌ FINISHING"))
	default:
		lines = append(lines, styleDim.Render("○ STANDBY"))
	}
	if st.Device != "" {
		lines = append(lines, styleMode.Render(st.Device))
	}
	lines = append(lines, styleDim.Render(fmt.Sprintf("sessions %d  finals %d  reconnects %d", st.Sessions, st.Finals, st.Reconnects)))
	if st.Overruns > 0 || st.Anomalies > 0 {
		lines = append(lines, styleWarn.Render(fmt.Sprintf("overruns %d  anomalies %d", st.Overruns, st.Anomalies)))
	}
	if st.LastWarning != "" {
		lines = append(lines, styleWarn.Render(st.LastWarning))
	}
	if st.LastError != "" {
		lines = append(lines, styleWarn.Render("⚠ "+st.LastError))
	}
	lines = append(lines, "",
		styleHelpKey.Render(m.hotkey)+styleHelp.Render(" to dictate"),
		styleHelp.Render("voxkey "+m.version))
	return lines
}

func (m model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	pal := paletteIdle
	switch m.st.State {
	case controller.Active:
		pal = paletteRec
	case controller.Starting, controller.Stopping:
		pal = paletteBusy
	}
	left := renderEye(m.frame, m.level, m.st.State == controller.Active, pal) +
		strings.Join(m.statusLines(), "\n")

	textWidth := max(m.width-eyeWidth-1, 20)
	wrapWidth := max(textWidth-2, 10)

	var right strings.Builder
	if m.st.LastText == "" && m.st.Interim == "" {
		right.WriteString(styleDim.Render("No transcriptions yet"))
	}
	if m.st.LastText != "" {
		right.WriteString(styleTitle.Render(fmt.Sprintf("Last text (#%d)", m.st.Finals)) + "\n\n")
		for _, line := range wrapText(m.st.LastText, wrapWidth) {
			right.WriteString(styleText.Render(line) + "\n")
		}
	}
	if m.st.Interim != "" {
		right.WriteString("\n")
		for _, line := range wrapText(m.st.Interim, wrapWidth) {
			right.WriteString(styleInterim.Render(line) + "\n")
		}
	}

	leftPanel := lipgloss.NewStyle().Width(eyeWidth - 1).Height(m.height).Render(left)
	rightPanel := lipgloss.NewStyle().Width(textWidth).Height(m.height).PaddingLeft(1).Render(right.String())
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}
