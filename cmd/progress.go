package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/planner"
)

const (
	maxMessages      = 6
	maxVisibleTables = 12
)

type tableProgress struct {
	name      string
	status    exporter.TableStatus
	strategy  planner.Strategy
	chunks    int
	succeeded int
	failed    int
	skipped   int
	rows      int64
	bytes     int64
}

func (t *tableProgress) finished() int {
	return t.succeeded + t.failed + t.skipped
}

type progressModel struct {
	jobID     string
	jobStatus exporter.JobStatus
	tables    map[string]*tableProgress
	order     []string
	overall   progress.Model
	spinner   spinner.Model
	messages  []string
	width     int
	startTime time.Time

	// cancel sets the job's token. The first ctrl+c calls it, the second quits.
	cancel          func()
	cancelRequested bool
	forceQuit       bool
	done            bool
	result          *exporter.JobResult
}

type jobStatusMsg struct {
	status exporter.JobStatus
}

type tableStatusMsg struct {
	table  string
	status exporter.TableStatus
}

type tablePlannedMsg struct {
	table string
	plan  planner.Plan
}

type chunkFinishedMsg struct {
	table   string
	outcome exporter.ChunkOutcome
}

type jobDoneMsg struct {
	result *exporter.JobResult
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Margin(0, 2)
)

func newProgressModel(jobID string, cancel func()) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		jobID:     jobID,
		jobStatus: exporter.JobQueued,
		tables:    make(map[string]*tableProgress),
		overall: progress.New(
			progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
			progress.WithWidth(60),
		),
		spinner:   s,
		startTime: time.Now(),
		cancel:    cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overall.Width = clamp(msg.Width-10, 20, 100)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case jobStatusMsg:
		m.jobStatus = msg.status
		return m, nil
	case tableStatusMsg:
		m.table(msg.table).status = msg.status
		switch msg.status {
		case exporter.TableFailed, exporter.TablePartiallySucceeded, exporter.TableCancelled:
			m.addMessage(fmt.Sprintf("%s %s", msg.table, msg.status))
		}
		return m, nil
	case tablePlannedMsg:
		t := m.table(msg.table)
		t.strategy = msg.plan.Strategy
		t.chunks = len(msg.plan.Chunks)
		for _, w := range msg.plan.Warnings {
			m.addMessage(fmt.Sprintf("%s: %s", msg.table, w))
		}
		return m, nil
	case chunkFinishedMsg:
		return m.handleChunkFinished(msg)
	case jobDoneMsg:
		m.done = true
		m.result = msg.result
		m.jobStatus = msg.result.Status
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.cancelRequested {
			m.forceQuit = true
			return m, tea.Quit
		}
		m.cancelRequested = true
		if m.cancel != nil {
			m.cancel()
		}
		m.addMessage("cancelling: no new chunks are started, running chunks finish")
	}
	return m, nil
}

func (m progressModel) handleChunkFinished(msg chunkFinishedMsg) (tea.Model, tea.Cmd) {
	t := m.table(msg.table)
	o := msg.outcome
	switch o.Status {
	case exporter.ChunkSucceeded:
		t.succeeded++
		t.rows += o.Rows
		t.bytes += o.Bytes
	case exporter.ChunkSkipped:
		t.skipped++
	default:
		t.failed++
		if o.Err != nil {
			m.addMessage(fmt.Sprintf("%s chunk %d: %v", msg.table, o.Index, o.Err))
		}
	}
	return m, nil
}

func (m *progressModel) table(name string) *tableProgress {
	t, ok := m.tables[name]
	if !ok {
		t = &tableProgress{name: name, status: exporter.TablePending}
		m.tables[name] = t
		m.order = append(m.order, name)
	}
	return t
}

func (m *progressModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

// totals returns finished and planned chunk counts over every table.
func (m progressModel) totals() (finished, planned int, rows, bytes int64) {
	for _, t := range m.tables {
		finished += t.finished()
		planned += t.chunks
		rows += t.rows
		bytes += t.bytes
	}
	return finished, planned, rows, bytes
}

func (m progressModel) renderHeader() []string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true).Render("Table Exporter")
	job := progressInfoStyle.Render(fmt.Sprintf("job %s", m.jobID))
	return []string{"", "   " + title + "  " + job, ""}
}

func (m progressModel) renderOverall() []string {
	finished, planned, rows, bytes := m.totals()
	elapsed := time.Since(m.startTime).Round(time.Second)

	status := fmt.Sprintf("   %s %s  %s elapsed", m.spinner.View(), m.jobStatus, elapsed)
	sections := []string{stageStyle.Render(status)}

	if planned > 0 {
		info := fmt.Sprintf("   Chunks: %d/%d   Rows: %s   Written: %s",
			finished, planned, humanize.Comma(rows), humanize.Bytes(uint64(bytes)))
		sections = append(sections,
			progressInfoStyle.Render(info),
			"   "+m.overall.ViewAs(float64(finished)/float64(planned)))
	}
	return sections
}

func (m progressModel) renderTables() []string {
	if len(m.order) == 0 {
		return nil
	}
	sections := []string{"", tableHeaderStyle.Render("   Tables"), ""}

	// running tables first, then the most recently seen
	visible := make([]*tableProgress, 0, len(m.order))
	for _, name := range m.order {
		if t := m.tables[name]; t.status == exporter.TableExporting {
			visible = append(visible, t)
		}
	}
	for i := len(m.order) - 1; i >= 0 && len(visible) < maxVisibleTables; i-- {
		if t := m.tables[m.order[i]]; t.status != exporter.TableExporting {
			visible = append(visible, t)
		}
	}
	if len(visible) > maxVisibleTables {
		visible = visible[:maxVisibleTables]
	}

	for _, t := range visible {
		line := fmt.Sprintf("   %s %-40s %-20s", tableIcon(t.status), t.name, t.status)
		if t.chunks > 0 {
			line += fmt.Sprintf(" %d/%d chunks  %s rows", t.finished(), t.chunks, humanize.Comma(t.rows))
		}
		sections = append(sections, line)
	}
	if hidden := len(m.order) - len(visible); hidden > 0 {
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   ... %d more", hidden)))
	}
	return sections
}

func (m progressModel) renderMessages() []string {
	if len(m.messages) == 0 {
		return nil
	}
	sections := []string{"", helpStyle.Render("   Log:")}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderHeader()...)
	sections = append(sections, m.renderOverall()...)
	sections = append(sections, m.renderTables()...)
	sections = append(sections, m.renderMessages()...)

	sections = append(sections, "")
	if m.cancelRequested {
		sections = append(sections, warnStyle.Render("   Cancelling... press Ctrl+C again to quit immediately"))
	} else {
		sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func tableIcon(s exporter.TableStatus) string {
	switch s {
	case exporter.TableSucceeded:
		return "✅"
	case exporter.TablePartiallySucceeded:
		return "⚠️ "
	case exporter.TableFailed:
		return "❌"
	case exporter.TableCancelled:
		return "⏭ "
	case exporter.TableExporting:
		return "⏳"
	default:
		return "⏸ "
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// programObserver forwards coordinator callbacks into a running bubbletea program.
type programObserver struct {
	program *tea.Program
}

func (o *programObserver) JobStatusChanged(_ string, status exporter.JobStatus) {
	o.program.Send(jobStatusMsg{status: status})
}

func (o *programObserver) TableStatusChanged(_, table string, status exporter.TableStatus) {
	o.program.Send(tableStatusMsg{table: table, status: status})
}

func (o *programObserver) TablePlanned(_, table string, plan planner.Plan) {
	o.program.Send(tablePlannedMsg{table: table, plan: plan})
}

func (o *programObserver) ChunkFinished(_, table string, outcome exporter.ChunkOutcome) {
	o.program.Send(chunkFinishedMsg{table: table, outcome: outcome})
}
