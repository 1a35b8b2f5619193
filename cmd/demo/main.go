package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
)

var (
	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginTop(1).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(0, 2)

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

type stageDoneMsg struct {
	stage int
	lines []string
	took  time.Duration
	err   error
}

type model struct {
	demo     *demo
	current  int
	spinner  spinner.Model
	progress progress.Model
	done     []stageDoneMsg
	err      error
}

func initialModel(d *demo) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	return model{
		demo:     d,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runStage(0))
}

func (m model) runStage(i int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		lines, err := m.demo.stages[i].run()
		return stageDoneMsg{stage: i, lines: lines, took: time.Since(start), err: err}
	}
}

func (m model) finished() bool {
	return m.err != nil || m.current >= len(m.demo.stages)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = min(msg.Width-10, 80)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		return m, cmd

	case stageDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.done = append(m.done, msg)
		m.current = msg.stage + 1
		cmds := []tea.Cmd{m.progress.SetPercent(float64(m.current) / float64(len(m.demo.stages)))}
		if !m.finished() {
			cmds = append(cmds, m.runStage(m.current))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Geo Partition Demo"))
	b.WriteString("\n")
	b.WriteString(m.progress.View())
	b.WriteString("\n\n")

	for _, d := range m.done {
		title := subtitleStyle.Render(m.demo.stages[d.stage].title) + dimStyle.Render("  "+d.took.Round(time.Microsecond).String())
		b.WriteString(boxStyle.Render(title + "\n" + strings.Join(d.lines, "\n")))
		b.WriteString("\n")
	}

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("✗ %s failed: %v", m.demo.stages[m.current].title, m.err)))
	case m.finished():
		b.WriteString(successStyle.Render("✓ Demo complete"))
	default:
		b.WriteString(m.spinner.View() + " " + m.demo.stages[m.current].title + "...")
	}

	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("Press 'q' to quit"))
	return b.String()
}

func main() {
	numRecords := pflag.IntP("records", "n", 100000, "Number of records to generate")
	seed := pflag.Int64("seed", 1, "Random seed")
	pflag.Parse()

	d, err := newDemo(*numRecords, *seed)
	if err != nil {
		log.Fatal(err)
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		runPlain(d)
		return
	}
	if _, err := tea.NewProgram(initialModel(d)).Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runPlain runs every stage in order and prints the results as text, for
// output that is piped or redirected.
func runPlain(d *demo) {
	for _, st := range d.stages {
		start := time.Now()
		lines, err := st.run()
		if err != nil {
			log.Fatalf("%s failed: %v", st.title, err)
		}
		fmt.Printf("== %s (%v)\n", st.title, time.Since(start).Round(time.Microsecond))
		for _, l := range lines {
			fmt.Println(l)
		}
	}
}
