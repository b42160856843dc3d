package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/forge/internal/monitor"
	"github.com/imkarma/forge/internal/store"
)

// screen represents which screen the TUI is showing.
type screen int

const (
	screenBoard  screen = iota // status columns (main)
	screenDetail               // one task with its events
)

// popup represents an overlay dialog.
type popup int

const (
	popupNone popup = iota
	popupAnswer
)

// column indices for navigation
const (
	colPending  = 0
	colRunning  = 1
	colDecision = 2
	colDone     = 3
	colFailed   = 4
	numColumns  = 5
)

var columnStatuses = [numColumns]store.TaskStatus{
	store.StatusPending,
	store.StatusRunning,
	store.StatusNeedsDecision,
	store.StatusCompleted,
	store.StatusFailed,
}

var columnLabels = [numColumns]string{
	"PENDING",
	"RUNNING",
	"DECISION",
	"COMPLETED",
	"FAILED",
}

const (
	columnLimit     = 50
	refreshInterval = 2 * time.Second
	statusTTL       = 5 * time.Second
)

// Source is what the board reads.
type Source interface {
	Pipeline(ctx context.Context) (*monitor.PipelineStatus, error)
	TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error)
	Events(ctx context.Context, id string) ([]store.Event, error)
}

// Decider resumes a task waiting for a decision.
type Decider interface {
	Decide(ctx context.Context, id, decision string) (*store.Task, error)
}

// Model is the top-level bubbletea model.
type Model struct {
	src     Source
	decider Decider
	width   int
	height  int

	screen screen
	popup  popup

	// Board state.
	columns   [numColumns][]store.Task
	counts    map[store.TaskStatus]int
	attention *monitor.Attention
	state     *store.PipelineState
	cursorCol int
	cursorRow int

	// Detail state.
	detail         *store.Task
	detailViewport viewport.Model

	answerInput textinput.Model
	popupTaskID string

	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates a new TUI model.
func New(src Source, decider Decider) Model {
	ai := textinput.New()
	ai.Placeholder = "Your decision..."
	ai.CharLimit = 500
	ai.Width = 50

	return Model{
		src:            src,
		decider:        decider,
		screen:         screenBoard,
		counts:         map[store.TaskStatus]int{},
		answerInput:    ai,
		detailViewport: viewport.New(80, 20),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadBoard(), tickCmd())
}

type boardLoadedMsg struct {
	status  *monitor.PipelineStatus
	columns [numColumns][]store.Task
	err     error
}

type detailLoadedMsg struct {
	task   store.Task
	events []store.Event
	err    error
}

type decidedMsg struct {
	task *store.Task
	err  error
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) loadBoard() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx := context.Background()
		ps, err := src.Pipeline(ctx)
		if err != nil {
			return boardLoadedMsg{err: err}
		}
		var cols [numColumns][]store.Task
		for i, status := range columnStatuses {
			tasks, err := src.TasksByStatus(ctx, status, columnLimit)
			if err != nil {
				return boardLoadedMsg{err: err}
			}
			cols[i] = tasks
		}
		return boardLoadedMsg{status: ps, columns: cols}
	}
}

func (m Model) loadDetail(t store.Task) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		events, err := src.Events(context.Background(), t.ID)
		return detailLoadedMsg{task: t, events: events, err: err}
	}
}

func (m Model) decide(id, decision string) tea.Cmd {
	d := m.decider
	return func() tea.Msg {
		t, err := d.Decide(context.Background(), id, decision)
		return decidedMsg{task: t, err: err}
	}
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}

func (m *Model) clampCursor() {
	if m.cursorCol < 0 {
		m.cursorCol = 0
	}
	if m.cursorCol >= numColumns {
		m.cursorCol = numColumns - 1
	}
	col := m.columns[m.cursorCol]
	if m.cursorRow >= len(col) {
		m.cursorRow = len(col) - 1
	}
	if m.cursorRow < 0 {
		m.cursorRow = 0
	}
}

func (m *Model) selectedTask() *store.Task {
	col := m.columns[m.cursorCol]
	if m.cursorRow < len(col) {
		t := col[m.cursorRow]
		return &t
	}
	return nil
}
