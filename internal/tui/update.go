package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/forge/internal/store"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.popup != popupNone {
			return m.handlePopupKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vw := m.width - 4
		vh := m.height - 8
		if vw < 20 {
			vw = 20
		}
		if vh < 6 {
			vh = 6
		}
		m.detailViewport.Width = vw
		m.detailViewport.Height = vh
		return m, nil

	case boardLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load board: " + msg.err.Error())
			return m, nil
		}
		m.columns = msg.columns
		m.counts = msg.status.Counts
		m.attention = msg.status.Attention
		m.state = msg.status.State
		m.clampCursor()
		return m, nil

	case detailLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load task: " + msg.err.Error())
			return m, nil
		}
		t := msg.task
		m.detail = &t
		m.detailViewport.SetContent(renderDetail(t, msg.events))
		m.detailViewport.GotoTop()
		m.screen = screenDetail
		return m, nil

	case decidedMsg:
		if msg.err != nil {
			m.setStatus("Failed to answer: " + msg.err.Error())
			return m, nil
		}
		m.setStatus("Answered " + shortID(msg.task.ID) + " -> " + string(msg.task.Status))
		return m, m.loadBoard()

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > statusTTL {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.loadBoard())
		}
		return m, tea.Batch(cmds...)
	}

	if m.screen == screenDetail {
		var cmd tea.Cmd
		m.detailViewport, cmd = m.detailViewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.screen == screenBoard {
			m.quitting = true
			return m, tea.Quit
		}
		return m.goBack()
	case "esc":
		return m.goBack()
	}

	switch m.screen {
	case screenBoard:
		return m.handleBoardKey(msg)
	case screenDetail:
		return m.handleDetailKey(msg)
	}
	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	if m.screen == screenDetail {
		m.screen = screenBoard
		m.detail = nil
		return m, m.loadBoard()
	}
	return m, nil
}

func (m Model) handleBoardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursorRow++
		m.clampCursor()
	case "k", "up":
		m.cursorRow--
		m.clampCursor()
	case "h", "left":
		m.cursorCol--
		m.clampCursor()
	case "l", "right":
		m.cursorCol++
		m.clampCursor()

	case "enter", " ":
		if t := m.selectedTask(); t != nil {
			return m, m.loadDetail(*t)
		}

	case "a":
		if t := m.selectedTask(); t != nil && t.Status == store.StatusNeedsDecision {
			return m.openAnswer(t.ID)
		}
		// Jump to the oldest task waiting for a decision.
		if col := m.columns[colDecision]; len(col) > 0 {
			m.cursorCol, m.cursorRow = colDecision, 0
			return m.openAnswer(col[0].ID)
		}
		m.setStatus("No task is waiting for a decision")

	case "R":
		return m, m.loadBoard()
	}
	return m, nil
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "a":
		if m.detail != nil && m.detail.Status == store.StatusNeedsDecision {
			return m.openAnswer(m.detail.ID)
		}
	case "backspace":
		return m.goBack()
	}

	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	return m, cmd
}

func (m Model) openAnswer(id string) (tea.Model, tea.Cmd) {
	m.popupTaskID = id
	m.popup = popupAnswer
	m.answerInput.Reset()
	m.answerInput.Focus()
	return m, textinput.Blink
}

func (m Model) handlePopupKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.popup = popupNone
		m.answerInput.Blur()
		return m, nil
	case "enter":
		answer := strings.TrimSpace(m.answerInput.Value())
		if answer == "" {
			m.setStatus("Decision cannot be empty")
			return m, nil
		}
		m.popup = popupNone
		m.answerInput.Blur()
		if m.screen == screenDetail {
			m.screen = screenBoard
			m.detail = nil
		}
		return m, m.decide(m.popupTaskID, answer)
	}

	var cmd tea.Cmd
	m.answerInput, cmd = m.answerInput.Update(msg)
	return m, cmd
}

// popupTask finds the task the answer popup refers to on the board.
func (m Model) popupTask() *store.Task {
	if m.detail != nil && m.detail.ID == m.popupTaskID {
		return m.detail
	}
	for _, col := range m.columns {
		for i := range col {
			if col[i].ID == m.popupTaskID {
				return &col[i]
			}
		}
	}
	return nil
}
