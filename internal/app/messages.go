package app

import (
	"fmt"
	"time"

	"docbatch/internal/event"
	"docbatch/internal/history"
	"docbatch/internal/orchestrator"
)

// StageMsg updates the overall stage progress bar.
type StageMsg struct {
	State    orchestrator.State
	Stage    string
	Current  int
	Total    int
	Activity string
}

// EventMsg carries one run event into the event feed.
type EventMsg struct {
	Ev event.Event
}

// RunFinishedMsg signals the completion of a merge run.
type RunFinishedMsg struct {
	Result    *orchestrator.RunResult
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// HistoryMsg carries the queried run history into the history view.
type HistoryMsg struct {
	Runs []history.RunSummary
	Err  error
}

// GeneralErrorMsg signals an error not tied to a specific run.
type GeneralErrorMsg struct {
	Err error
}

func NewStage(p orchestrator.Progress) StageMsg {
	return StageMsg{
		State:    p.State,
		Stage:    p.Stage,
		Current:  p.Done,
		Total:    p.Total,
		Activity: p.Message,
	}
}

func NewRunFinished(start time.Time, result *orchestrator.RunResult, err error) RunFinishedMsg {
	return RunFinishedMsg{
		Result:    result,
		Err:       err,
		StartTime: start,
		EndTime:   time.Now(),
	}
}

func (e GeneralErrorMsg) Error() string {
	return e.Err.Error()
}

func (s StageMsg) String() string {
	return fmt.Sprintf("Stage %s: %d/%d", s.Stage, s.Current, s.Total)
}
func (e EventMsg) String() string       { return fmt.Sprintf("Event %s: %s", e.Ev.Code, e.Ev.Message) }
func (r RunFinishedMsg) String() string { return "RunFinished" }
