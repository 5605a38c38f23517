package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	bprogress "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RefreshInterval is how often the TUI polls its view.
const RefreshInterval = 250 * time.Millisecond

// maxRows caps the file list; the rest is summarized.
const maxRows = 20

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			MarginTop(1)
)

var quitKey = key.NewBinding(
	key.WithKeys("q", "ctrl+c"),
	key.WithHelp("q", "quit"),
)

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	viewFn func() View
	onQuit func()
	view   View
	bar    bprogress.Model
	width  int
}

func newModel(viewFn func() View, onQuit func()) model {
	return model{
		viewFn: viewFn,
		onQuit: onQuit,
		view:   viewFn(),
		bar:    bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(30)),
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(40, msg.Width/3))
		return m, nil
	case tea.KeyMsg:
		if key.Matches(msg, quitKey) {
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	case tickMsg:
		m.view = m.viewFn()
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	v := m.view
	var b strings.Builder
	b.WriteString(titleStyle.Render("collectd"))
	if len(v.Listening) > 0 {
		b.WriteString(labelStyle.Render("  " + strings.Join(v.Listening, "  ")))
	}
	b.WriteString("\n")

	stats := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("recv"), valueStyle.Render(formatBytes(v.Stats.BytesDone)),
		labelStyle.Render("rate"), valueStyle.Render(formatRate(v.Stats.RateBps)),
		labelStyle.Render("peak"), valueStyle.Render(formatRate(v.Stats.PeakBps)),
		labelStyle.Render("up"), valueStyle.Render(formatElapsed(v.Stats.Elapsed)),
	)
	counts := fmt.Sprintf("%s %d  %s %d  %s %d",
		labelStyle.Render("in flight"), len(v.Files),
		labelStyle.Render("completed"), v.Completed,
		labelStyle.Render("stored"), v.Stored,
	)
	if v.Failed > 0 {
		counts += "  " + failStyle.Render(fmt.Sprintf("failed %d", v.Failed))
	}
	b.WriteString(boxStyle.Render(stats + "\n" + counts))
	b.WriteString("\n")

	for i, f := range v.Files {
		if i == maxRows {
			b.WriteString(labelStyle.Render(fmt.Sprintf("  ... %d more", len(v.Files)-maxRows)))
			b.WriteString("\n")
			break
		}
		fmt.Fprintf(&b, "%s %s %s %s\n",
			valueStyle.Render(fmt.Sprintf("%10d", f.ID)),
			m.bar.ViewAs(f.Percent()/100),
			labelStyle.Render(fmt.Sprintf("%s/%s", formatBytes(f.Received), formatBytes(f.Size))),
			labelStyle.Render(fmt.Sprintf("%d seg", f.Segments)),
		)
	}

	b.WriteString(helpStyle.Render("press q to quit"))
	return b.String()
}

// RunTUI renders view on w until ctx is done or the returned stop function
// is called. onQuit runs when the user presses q or ctrl+c.
func RunTUI(ctx context.Context, w io.Writer, view func() View, onQuit func()) func() {
	program := tea.NewProgram(newModel(view, onQuit),
		tea.WithOutput(w),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = program.Run()
	}()
	return func() {
		program.Quit()
		<-done
	}
}
