package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/contentops/internal/service"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Warning: lipgloss.Color("#FFAF00"), // amber
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// runUpdateMsg carries a snapshot pushed by the server.
type runUpdateMsg struct {
	snap service.RunSnapshot
}

// watchDoneMsg is sent when the stream ends.
type watchDoneMsg struct {
	err error
}

// progressModel is the bubbletea model for run progress.
type progressModel struct {
	runID    string
	run      *service.RunSnapshot
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(runID string) progressModel {
	return progressModel{
		runID: runID,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case runUpdateMsg:
		snap := msg.snap
		m.run = &snap
		if snap.Status.Terminal() {
			m.done = true
			if snap.Status == service.RunStatusFailed {
				m.err = runError(&snap)
			}
			return m, tea.Quit
		}
		return m, nil

	case watchDoneMsg:
		m.done = true
		if msg.err != nil && m.err == nil {
			m.err = fmt.Errorf("watch run: %w", msg.err)
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if m.run == nil {
		return "Waiting for run status...\n"
	}

	var pct float64
	if m.run.Planned > 0 {
		pct = float64(m.run.Processed) / float64(m.run.Planned)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s %s]", m.run.Kind, m.run.Status))
	counts := fmt.Sprintf("%d/%d entries", m.run.Processed, m.run.Planned)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", status, m.progress.ViewAs(pct), counts)
	if m.run.Reverted > 0 || m.run.Failed > 0 {
		b.WriteString(m.theme.warningStyle().Render(
			fmt.Sprintf("%d retrying, %d failed", m.run.Reverted, m.run.Failed)))
		b.WriteString("\n")
	}
	b.WriteString(m.theme.hintStyle().Render("Press Ctrl+C to continue in background"))
	b.WriteString("\n")
	return b.String()
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRun %s continues in background.\nUse 'contentops runs %s' to check status.\n",
			m.runID, m.runID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Run failed: %s\n", m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	b.WriteString("\n\n")
	if m.run != nil && m.run.Result != nil {
		printResult(&b, m.run.Result)
	}
	return b.String()
}

func runError(snap *service.RunSnapshot) error {
	if snap.Error != "" {
		return fmt.Errorf("%s", snap.Error)
	}
	return fmt.Errorf("run failed with unknown error")
}

// followRun streams run progress. A terminal gets the interactive view,
// anything else one line per change.
func followRun(cmd *cobra.Command, runID string) error {
	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); ok && !jsonOutput && term.IsTerminal(int(f.Fd())) {
		return runProgressUI(runID)
	}
	return watchPlain(cmd.Context(), out, runID)
}

// runProgressUI runs the interactive progress view for a run.
// Returns nil on success or Ctrl+C (background), error on run failure.
func runProgressUI(runID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(newProgressModel(runID))
	go func() {
		_, err := apiClient.WatchRun(ctx, runID, func(s service.RunSnapshot) error {
			p.Send(runUpdateMsg{snap: s})
			return nil
		})
		if ctx.Err() == nil {
			p.Send(watchDoneMsg{err: err})
		}
	}()

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := final.(progressModel); ok && !m.quitting && m.err != nil {
		return m.err
	}
	return nil
}

func watchPlain(ctx context.Context, out io.Writer, runID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lastProcessed := -1
	last, err := apiClient.WatchRun(ctx, runID, func(s service.RunSnapshot) error {
		if jsonOutput {
			_, err := printJSON(out, s)
			return err
		}
		if s.Processed != lastProcessed && !s.Status.Terminal() {
			lastProcessed = s.Processed
			fmt.Fprintf(out, "[%s %s] %d/%d entries\n", s.Kind, s.Status, s.Processed, s.Planned)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch run: %w", err)
	}
	if jsonOutput || last == nil {
		return nil
	}
	printRun(out, last)
	if last.Status == service.RunStatusFailed {
		return runError(last)
	}
	return nil
}
