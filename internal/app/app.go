// Package app is the interactive terminal frontend: a menu, a live view of a
// running merge, and a run history browser. All mutation happens inside the
// bubbletea update loop; the orchestrator feeds it through a message channel.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docbatch/internal/config"
	"docbatch/internal/event"
	"docbatch/internal/history"
	"docbatch/internal/orchestrator"
)

// --- Styles ---
var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	menuStyle        = lipgloss.NewStyle().PaddingLeft(2)
	selectedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	feedHeaderStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	severityStyle    = map[event.Severity]lipgloss.Style{
		event.SeverityInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		event.SeverityWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		event.SeverityError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	summaryLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(28)
)

// eventFeedLimit bounds the retained event lines; the manifest keeps the full
// record.
const eventFeedLimit = 200

type feedLine struct {
	Severity event.Severity
	Code     string
	Message  string
	At       time.Time
}

type AppModel struct {
	Cfg       config.Config
	HistoryDB *sql.DB

	State            AppState
	menuChoices      []string
	menuCursor       int
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	mu             sync.RWMutex
	feed           []feedLine
	warnCount      int
	errorCount     int
	currentStage   string
	lastActivity   string
	stageCurrent   int
	stageTotal     int
	taskStartTime  time.Time
	lastResult     *orchestrator.RunResult
	lastRunElapsed time.Duration
	historyRuns    []history.RunSummary

	lastError error
	Quitting  bool

	termWidth  int
	termHeight int

	uiMsgChan chan tea.Msg
	cancelRun context.CancelFunc
}

// NewAppModel builds the menu-state model. The history database is optional;
// without it the history view reports that recording is disabled.
func NewAppModel(cfg config.Config, historyDB *sql.DB) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	prog := progress.New(progress.WithDefaultGradient())

	return &AppModel{
		Cfg:             cfg,
		HistoryDB:       historyDB,
		State:           ShowMenu,
		menuChoices:     []string{"Run Merge", "View Run History", "Exit"},
		spinner:         s,
		overallProgress: prog,
	}
}

// --- Bubbletea Interface ---

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case ShowMenu:
			cmds = append(cmds, m.handleMenuKey(msg))
		case ShowError, ShowSummary, ShowingHistory:
			if msg.Type == tea.KeyEnter || msg.Type == tea.KeyEsc {
				m.State = ShowMenu
				m.lastError = nil
			} else if msg.String() == "q" || msg.String() == "ctrl+c" {
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		case Exiting:
			return m, nil
		default: // RunningMerge
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				if m.cancelRun != nil {
					// Let the orchestrator finalize; the manifest records
					// the cancellation.
					m.cancelRun()
				}
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case StageMsg:
		m.mu.Lock()
		m.currentStage = string(msg.State)
		m.lastActivity = msg.Activity
		m.stageCurrent = msg.Current
		m.stageTotal = msg.Total
		m.mu.Unlock()
		var percent float64
		if msg.Total > 0 {
			percent = float64(msg.Current) / float64(msg.Total)
		}
		cmds = append(cmds, m.overallProgress.SetPercent(percent))
	case EventMsg:
		m.mu.Lock()
		switch msg.Ev.Severity {
		case event.SeverityWarning:
			m.warnCount++
		case event.SeverityError:
			m.errorCount++
		}
		m.feed = append(m.feed, feedLine{
			Severity: msg.Ev.Severity,
			Code:     msg.Ev.Code,
			Message:  msg.Ev.Message,
			At:       time.Now(),
		})
		if len(m.feed) > eventFeedLimit {
			m.feed = m.feed[len(m.feed)-eventFeedLimit:]
		}
		m.mu.Unlock()
	case RunFinishedMsg:
		m.mu.Lock()
		m.lastResult = msg.Result
		m.lastRunElapsed = msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond)
		m.uiMsgChan = nil
		m.cancelRun = nil
		m.mu.Unlock()
		if msg.Err != nil {
			m.lastError = fmt.Errorf("merge run failed: %w", msg.Err)
			m.State = ShowError
		} else {
			m.State = ShowSummary
		}
	case HistoryMsg:
		m.mu.Lock()
		m.historyRuns = msg.Runs
		m.uiMsgChan = nil
		m.mu.Unlock()
		if msg.Err != nil {
			m.lastError = msg.Err
			m.State = ShowError
		} else {
			m.State = ShowingHistory
		}
	case GeneralErrorMsg:
		m.lastError = msg.Err
		m.State = ShowError
		m.uiMsgChan = nil
	case spinner.TickMsg:
		if m.State == RunningMerge {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		if m.State == RunningMerge {
			progModel, frameCmd := m.overallProgress.Update(msg)
			if newModel, ok := progModel.(progress.Model); ok {
				m.overallProgress = newModel
				cmds = append(cmds, frameCmd)
			}
		}
	}

	if m.uiMsgChan != nil {
		cmds = append(cmds, m.waitForActivityCmd(m.uiMsgChan))
	}

	return m, tea.Batch(cmds...)
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- Document Batch Merger ---"))
	b.WriteString("\n\n")

	switch m.State {
	case ShowMenu:
		b.WriteString(m.viewMenu())
	case RunningMerge:
		b.WriteString(m.viewRun())
	case ShowSummary:
		b.WriteString(m.viewSummary())
	case ShowingHistory:
		b.WriteString(m.viewHistory())
	case ShowError:
		b.WriteString(m.viewError())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n\n")
	switch m.State {
	case ShowMenu:
		b.WriteString(infoStyle.Render("Use up/down arrows and Enter to select. 'q' or Ctrl+C to quit."))
	case RunningMerge:
		b.WriteString(infoStyle.Render("Merge running... 'q' or Ctrl+C to cancel and quit."))
	case ShowError, ShowSummary, ShowingHistory:
		b.WriteString(infoStyle.Render("Press Enter or Esc to return to menu. 'q' or Ctrl+C to quit."))
	}

	return b.String()
}

// --- View Helpers ---

func (m *AppModel) viewMenu() string {
	var b strings.Builder
	b.WriteString("Select an action:\n")

	for i, choice := range m.menuChoices {
		var lineContent string
		if m.menuCursor == i {
			lineContent = "> " + selectedStyle.Render(choice)
		} else {
			lineContent = "  " + choice
		}
		b.WriteString(menuStyle.Render(lineContent))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewRun() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s Stage: %s %s\n", m.spinner.View(), m.currentStage, m.lastActivity))
	if m.stageTotal > 0 {
		b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
		b.WriteString(fmt.Sprintf(" (%d/%d)", m.stageCurrent, m.stageTotal))
	}
	b.WriteString(fmt.Sprintf("\nWarnings: %d  Errors: %d\n\n", m.warnCount, m.errorCount))

	maxLines := m.termHeight - 10
	if maxLines < 1 {
		maxLines = 1
	}
	startIdx := 0
	if len(m.feed) > maxLines {
		startIdx = len(m.feed) - maxLines
	}

	if len(m.feed) > 0 {
		b.WriteString(feedHeaderStyle.Render(fmt.Sprintf("%-8s | %-35s | %s", "Time", "Code", "Message")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", max(0, m.termWidth)))
		b.WriteString("\n")
		for i := startIdx; i < len(m.feed); i++ {
			line := m.feed[i]
			style, ok := severityStyle[line.Severity]
			if !ok {
				style = infoStyle
			}
			rendered := fmt.Sprintf("%-8s | %-35s | %s",
				line.At.Format("15:04:05"), line.Code, line.Message)
			if m.termWidth > 0 && len(rendered) >= m.termWidth {
				rendered = rendered[:m.termWidth-1]
			}
			b.WriteString(style.Render(rendered))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *AppModel) viewSummary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	if m.lastResult == nil || m.lastResult.Document == nil {
		return infoStyle.Render("No run result available.")
	}
	doc := m.lastResult.Document
	b.WriteString(fmt.Sprintf("Run %s finished in %s\n\n", m.lastResult.RunID, m.lastRunElapsed))

	row := func(label string, value any) {
		b.WriteString(summaryLabelStyle.Render(label))
		b.WriteString(fmt.Sprintf("%v\n", value))
	}
	row("Input files", doc.Summary.InputFilesTotal)
	row("Output files", doc.Summary.ProcessedOutputsTotal)
	row("Unsupported relocated", doc.Summary.UnprocessedRelocated)
	row("Failed files", doc.Summary.FailedFilesTotal)
	row("Skipped files", doc.Summary.SkippedFilesTotal)
	row("Warnings", doc.Summary.WarningsTotal)
	row("Errors", doc.Summary.ErrorsTotal)
	if doc.WordConversion != nil {
		row("Word conversions", fmt.Sprintf("%d/%d", doc.WordConversion.Converted, doc.WordConversion.Attempted))
	}
	if doc.Emails != nil {
		row("Email threads", doc.Emails.ThreadsTotal)
	}
	b.WriteString("\n")
	b.WriteString(infoStyle.Render("Manifest: " + m.lastResult.ManifestPath))
	b.WriteString("\n")
	return b.String()
}

func (m *AppModel) viewHistory() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	if m.HistoryDB == nil {
		return infoStyle.Render("Run history recording is disabled (no history database configured).")
	}
	if len(m.historyRuns) == 0 {
		return infoStyle.Render("No recorded runs yet.")
	}
	b.WriteString(feedHeaderStyle.Render(fmt.Sprintf("%-28s | %-14s | %-20s | %s", "Run", "Last Event", "Time", "Events")))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", max(0, m.termWidth)))
	b.WriteString("\n")
	for _, r := range m.historyRuns {
		b.WriteString(fmt.Sprintf("%-28s | %-14s | %-20s | %d\n",
			r.RunID, r.LastEvent, r.LastTime.Format("2006-01-02 15:04:05"), r.Events))
	}
	return b.String()
}

func (m *AppModel) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("An error occurred:"))
	b.WriteString("\n\n")
	if m.lastError != nil {
		b.WriteString(wrapText(m.lastError.Error(), m.termWidth-4))
	} else {
		b.WriteString("Unknown error.")
	}
	b.WriteString("\n")
	return b.String()
}

// --- Update Helpers ---

func (m *AppModel) handleMenuKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if m.menuCursor > 0 {
			m.menuCursor--
		}
	case "down", "j":
		if m.menuCursor < len(m.menuChoices)-1 {
			m.menuCursor++
		}
	case "enter":
		m.lastError = nil
		m.mu.Lock()
		m.feed = nil
		m.warnCount = 0
		m.errorCount = 0
		m.currentStage = ""
		m.lastActivity = ""
		m.stageCurrent = 0
		m.stageTotal = 0
		m.mu.Unlock()
		m.taskStartTime = time.Now()
		m.uiMsgChan = make(chan tea.Msg)
		var taskCmd tea.Cmd
		switch m.menuChoices[m.menuCursor] {
		case "Run Merge":
			m.State = RunningMerge
			taskCmd = m.startMergeTask(m.uiMsgChan)
		case "View Run History":
			taskCmd = m.startHistoryTask(m.uiMsgChan)
		case "Exit":
			m.Quitting = true
			m.State = Exiting
			m.uiMsgChan = nil
			return tea.Quit
		default:
			m.uiMsgChan = nil
		}
		return tea.Batch(taskCmd, m.waitForActivityCmd(m.uiMsgChan))
	case "ctrl+c", "q":
		m.Quitting = true
		m.State = Exiting
		return tea.Quit
	}
	return nil
}

func (m *AppModel) waitForActivityCmd(uiMsgChan chan tea.Msg) tea.Cmd {
	if uiMsgChan == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-uiMsgChan
		if !ok {
			return nil
		}
		return msg
	}
}

// --- Task Starters ---

// startMergeTask runs the orchestrator in a goroutine. Its hooks feed the
// message channel; the run log files carry the full slog output, so the TUI
// logger discards.
func (m *AppModel) startMergeTask(uiMsgChan chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.cancelRun = cancel
		m.mu.Unlock()

		opts := []orchestrator.Option{
			orchestrator.WithHooks(orchestrator.Hooks{
				OnProgress: func(p orchestrator.Progress) { uiMsgChan <- NewStage(p) },
				OnEvent:    func(ev event.Event) { uiMsgChan <- EventMsg{Ev: ev} },
			}),
		}
		if m.HistoryDB != nil {
			opts = append(opts, orchestrator.WithHistory(m.HistoryDB))
		}
		o := orchestrator.New(m.Cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)

		go func() {
			startTime := m.taskStartTime
			result, err := o.Run(ctx)
			cancel()
			uiMsgChan <- NewRunFinished(startTime, result, err)
			close(uiMsgChan)
		}()
		return nil
	}
}

func (m *AppModel) startHistoryTask(uiMsgChan chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(uiMsgChan)
			if m.HistoryDB == nil {
				uiMsgChan <- HistoryMsg{}
				return
			}
			runs, err := history.ListRecentRuns(context.Background(), m.HistoryDB, 50)
			uiMsgChan <- HistoryMsg{Runs: runs, Err: err}
		}()
		return nil
	}
}

// --- Helpers ---

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
