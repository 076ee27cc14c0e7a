// Command taskflowtop is a small interactive TUI that watches a task
// tree run to completion: a bubbletea model ticks on an interval,
// re-reads the tree from the repository, and renders it with lipgloss
// styling, colored by status. Grounded on the teacher pack's bubbletea
// usage (Iron-Ham-claudio/internal/tui): tick-driven refresh messages,
// a root Model implementing tea.Model, and lipgloss styles keyed by
// semantic color rather than inline ANSI codes.
//
// This is a reference CLI, not part of the core engine: it runs a tree
// through an in-process facade and polls facade.LoadTree for snapshots
// (it does not subscribe to the streaming surface), the way the
// teacher's own cmd/ binaries exist to drive its core packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/creator"
	"github.com/apflow/taskflow/executors"
	"github.com/apflow/taskflow/facade"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/store/memstore"
)

var (
	pendingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	inProgressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	completedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	failedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	cancelledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	headerStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
)

func statusStyle(s taskflow.Status) lipgloss.Style {
	switch s {
	case taskflow.StatusInProgress:
		return inProgressStyle
	case taskflow.StatusCompleted:
		return completedStyle
	case taskflow.StatusFailed:
		return failedStyle
	case taskflow.StatusCancelled:
		return cancelledStyle
	default:
		return pendingStyle
	}
}

// tickMsg drives the periodic re-render, mirroring the teacher's
// tickMsg time.Time pattern.
type tickMsg time.Time

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// model holds the single tree this instance is watching. The viewport
// keeps deep trees scrollable, sized on every WindowSizeMsg.
type model struct {
	f        *facade.Facade
	rootID   string
	tree     *taskflow.TreeNode
	err      error
	done     bool
	ready    bool
	viewport viewport.Model
}

func (m model) Init() tea.Cmd {
	return tickEvery(200 * time.Millisecond)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.viewport.SetContent(m.renderTree())
		return m, nil
	case tickMsg:
		m.tree, m.err = m.reload()
		m.viewport.SetContent(m.renderTree())
		if m.tree != nil && m.tree.Task.Status.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tickEvery(200 * time.Millisecond)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) reload() (*taskflow.TreeNode, error) {
	// taskflowtop is a reference CLI over the in-process facade; a
	// deployment watching a remote taskflowd would instead poll
	// GET /api/tasks/{id} and its websocket stream.
	return m.f.LoadTree(context.Background(), m.rootID)
}

func (m model) renderTree() string {
	var b strings.Builder
	if m.err != nil {
		b.WriteString(failedStyle.Render("error: "+m.err.Error()) + "\n")
	}
	if m.tree != nil {
		renderNode(&b, m.tree, 0)
	}
	return b.String()
}

func (m model) View() string {
	header := headerStyle.Render("taskflowtop") + "\n\n"
	footer := "\npress q to quit\n"
	if !m.ready {
		return header + m.renderTree() + footer
	}
	return header + m.viewport.View() + footer
}

func renderNode(b *strings.Builder, n *taskflow.TreeNode, depth int) {
	indent := strings.Repeat("  ", depth)
	style := statusStyle(n.Task.Status)
	fmt.Fprintf(b, "%s%s [%s] %.0f%%\n", indent, n.Task.Name, style.Render(string(n.Task.Status)), n.Task.Progress*100)
	for _, c := range n.Children {
		renderNode(b, c, depth+1)
	}
}

func main() {
	seed := flag.String("seed", "", "YAML task-array fixture to run and watch (demo mode)")
	flag.Parse()

	reg := registry.NewExecutorRegistry()
	cfg := config.New()
	cfg.SetDemoSleepScale(1.0)
	for _, ext := range []*registry.Extension{
		{ID: executors.SystemInfoMethod, Type: executors.SystemInfoMethod, Factory: executors.NewSystemInfo},
		{ID: executors.AggregatorMethod, Type: executors.AggregatorMethod, Factory: executors.NewAggregator},
		{ID: executors.SleepMethod, Type: executors.SleepMethod, Factory: executors.NewSleepFactory(cfg)},
	} {
		if err := reg.Register(ext); err != nil {
			fmt.Fprintln(os.Stderr, "taskflowtop:", err)
			os.Exit(1)
		}
	}

	repo := memstore.New()
	f := facade.New(repo, cfg, reg, nil)

	var specs []creator.TaskSpec
	var err error
	if *seed != "" {
		specs, err = config.LoadFile(*seed)
	} else {
		specs = demoSpecs()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "taskflowtop:", err)
		os.Exit(1)
	}

	rootID := specs[0].ID
	go func() {
		if _, err := f.ExecuteTasks(context.Background(), specs, facade.ExecuteOptions{}); err != nil {
			fmt.Fprintln(os.Stderr, "taskflowtop: run failed:", err)
		}
	}()

	p := tea.NewProgram(model{f: f, rootID: rootID})
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskflowtop:", err)
		os.Exit(1)
	}
}

func demoSpecs() []creator.TaskSpec {
	root := "demo-root"
	return []creator.TaskSpec{
		{ID: root, Name: "demo"},
		{ID: "demo-cpu", ParentID: &root, Name: "cpu info",
			Schemas: taskflow.Schemas{Method: executors.SystemInfoMethod},
			Inputs:  map[string]any{"resource": "cpu"}},
		{ID: "demo-sleep", ParentID: &root, Name: "sleep",
			Schemas: taskflow.Schemas{Method: executors.SleepMethod},
			Inputs:  map[string]any{"seconds": 2.0}},
	}
}
