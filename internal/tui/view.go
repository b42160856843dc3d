package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/imkarma/forge/internal/store"
)

// --- Color palette ---
var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrCyan      = lipgloss.AdaptiveColor{Light: "#0E7490", Dark: "#22D3EE"}
	clrWhite     = lipgloss.AdaptiveColor{Light: "#333333", Dark: "#DDDDDD"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

// --- Styles ---
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle   = lipgloss.NewStyle().Foreground(clrDim)

	columnStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)

	columnSelectedStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(clrHighlight).
				Padding(0, 1)

	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrHighlight).
			Padding(1, 2).
			Width(60)

	statusStyle = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	footerKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	footerDescStyle = lipgloss.NewStyle().Foreground(clrSubtle)
)

var columnColors = [numColumns]lipgloss.AdaptiveColor{clrWhite, clrBlue, clrYellow, clrGreen, clrRed}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.screen {
	case screenBoard:
		content = m.viewBoard()
	case screenDetail:
		content = m.viewDetail()
	}

	if m.popup != popupNone {
		content = m.overlayPopup(content)
	}
	return content
}

// ════════════════════════════════════════════════
// BOARD VIEW
// ════════════════════════════════════════════════

func (m Model) viewBoard() string {
	var b strings.Builder

	total := 0
	for _, n := range m.counts {
		total += n
	}
	header := titleStyle.Render("forge board")
	header += dimStyle.Render(fmt.Sprintf("  %d tasks", total))
	if line := m.pipelineLine(); line != "" {
		header += "  " + line
	}
	b.WriteString(header + "\n")
	b.WriteString(m.attentionLine() + "\n")

	colWidth := 24
	if m.width > 0 {
		colWidth = m.width/numColumns - 4
		if colWidth < 16 {
			colWidth = 16
		}
	}

	rendered := make([]string, numColumns)
	for i := 0; i < numColumns; i++ {
		rendered[i] = m.renderColumn(i, colWidth)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, rendered...))
	b.WriteString("\n")

	if m.statusMsg != "" {
		if strings.HasPrefix(strings.ToLower(m.statusMsg), "failed") {
			b.WriteString(errorStyle.Render("  " + m.statusMsg))
		} else {
			b.WriteString(statusStyle.Render("  " + m.statusMsg))
		}
		b.WriteString("\n")
	}

	keys := []struct{ key, desc string }{
		{"←→↑↓", "navigate"},
		{"enter", "details"},
		{"a", "answer"},
		{"R", "refresh"},
		{"q", "quit"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func (m Model) pipelineLine() string {
	st := m.state
	if st == nil || (st.Mode == "" && st.BacklogIndex == 0 && !st.Done) {
		return ""
	}
	switch {
	case st.Done:
		return lipgloss.NewStyle().Foreground(clrGreen).Render("✓ backlog complete")
	case st.Blocked:
		return lipgloss.NewStyle().Foreground(clrYellow).Render("? pipeline waiting on " + shortID(st.CurrentTaskID))
	case st.Held != "":
		return lipgloss.NewStyle().Foreground(clrRed).Render("■ held: " + st.Held)
	}
	return dimStyle.Render(fmt.Sprintf("item %d · %s · iteration %d", st.BacklogIndex, st.Phase, st.Iteration))
}

func (m Model) attentionLine() string {
	if m.attention == nil || len(m.attention.Flags) == 0 {
		return lipgloss.NewStyle().Foreground(clrGreen).Render("● healthy")
	}
	var parts []string
	for _, f := range m.attention.Flags {
		parts = append(parts, lipgloss.NewStyle().Foreground(clrRed).Bold(true).Render("⚠ "+f))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderColumn(i, width int) string {
	var content strings.Builder

	label := fmt.Sprintf("%s (%d)", columnLabels[i], m.counts[columnStatuses[i]])
	content.WriteString(lipgloss.NewStyle().Bold(true).Foreground(columnColors[i]).Render(label) + "\n")

	tasks := m.columns[i]
	if len(tasks) == 0 {
		content.WriteString(dimStyle.Render("empty"))
	}
	for row, t := range tasks {
		selected := i == m.cursorCol && row == m.cursorRow
		content.WriteString(renderCard(t, selected, width) + "\n")
	}

	style := columnStyle
	if i == m.cursorCol {
		style = columnSelectedStyle
	}
	return style.Width(width).Render(content.String())
}

func renderCard(t store.Task, selected bool, width int) string {
	cursor := "  "
	if selected {
		cursor = lipgloss.NewStyle().Foreground(clrHighlight).Render("▸ ")
	}
	idStyle := lipgloss.NewStyle().Foreground(clrCyan)
	if t.Tier == "escalated" {
		idStyle = idStyle.Bold(true).Foreground(clrYellow)
	}
	line := cursor + idStyle.Render(shortID(t.ID)) + " " + dimStyle.Render(string(t.TaskType))
	line += "\n  " + truncate(t.Direction, width-4)

	switch {
	case t.Status == store.StatusNeedsDecision && t.DecisionPrompt != nil:
		line += "\n  " + lipgloss.NewStyle().Foreground(clrYellow).Render("? "+truncate(*t.DecisionPrompt, width-6))
	case t.Status == store.StatusRunning && t.ProgressPct != nil:
		step := ""
		if t.CurrentStep != nil {
			step = " " + *t.CurrentStep
		}
		line += "\n  " + lipgloss.NewStyle().Foreground(clrBlue).Render(truncate(fmt.Sprintf("%d%%%s", *t.ProgressPct, step), width-4))
	}
	return line
}

// ════════════════════════════════════════════════
// DETAIL VIEW
// ════════════════════════════════════════════════

func (m Model) viewDetail() string {
	if m.detail == nil {
		return "No task selected"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(shortID(m.detail.ID) + " " + truncate(m.detail.Direction, 60)))
	b.WriteString("  " + dimStyle.Render("esc back") + "\n\n")
	b.WriteString(m.detailViewport.View())
	b.WriteString("\n\n")

	keys := []struct{ key, desc string }{
		{"↑↓", "scroll"},
		{"a", "answer"},
		{"esc", "back"},
	}
	b.WriteString(renderFooter(keys))
	return b.String()
}

func renderDetail(t store.Task, events []store.Event) string {
	var b strings.Builder
	field := func(name, value string) {
		b.WriteString(dimStyle.Render(fmt.Sprintf("%-10s", name)) + " " + value + "\n")
	}
	field("id", t.ID)
	field("type", string(t.TaskType))
	field("status", string(t.Status))
	field("model", fmt.Sprintf("%s (%s)", t.Model, t.Tier))
	field("attempt", fmt.Sprintf("%d", t.Attempt))
	if t.ClaimedBy != nil {
		field("worker", *t.ClaimedBy)
	}
	if t.DecisionPrompt != nil {
		field("question", lipgloss.NewStyle().Foreground(clrYellow).Render(*t.DecisionPrompt))
	}
	if t.Decision != nil {
		field("decision", *t.Decision)
	}
	if t.Output != nil && *t.Output != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Bold(true).Render("Output:") + "\n")
		b.WriteString(*t.Output + "\n")
	}
	if len(events) > 0 {
		b.WriteString("\n" + lipgloss.NewStyle().Bold(true).Render("Log:") + "\n")
		for _, ev := range events {
			ts := dimStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
			actor := ""
			if ev.Actor != "" {
				actor = lipgloss.NewStyle().Foreground(clrCyan).Render(ev.Actor) + " "
			}
			b.WriteString(fmt.Sprintf("  %s %s%-14s %s\n", ts, actor, ev.Type, truncate(ev.Content, 80)))
		}
	}
	return b.String()
}

// ════════════════════════════════════════════════
// POPUPS
// ════════════════════════════════════════════════

func (m Model) overlayPopup(bg string) string {
	var popup string
	switch m.popup {
	case popupAnswer:
		popup = m.viewAnswerPopup()
	default:
		return bg
	}

	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			popup,
			lipgloss.WithWhitespaceChars(" "),
		)
	}
	return popup
}

func (m Model) viewAnswerPopup() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(clrYellow).Render("Decision needed")
	b.WriteString(title + "\n\n")

	if t := m.popupTask(); t != nil && t.DecisionPrompt != nil {
		q := lipgloss.NewStyle().Foreground(clrRed).Render(*t.DecisionPrompt)
		b.WriteString(fmt.Sprintf("%s asks:\n%s\n\n", shortID(t.ID), q))
	}

	b.WriteString("Your decision (skip or done completes the task):\n")
	b.WriteString(m.answerInput.View() + "\n\n")
	b.WriteString(footerDescStyle.Render("enter submit • esc cancel"))

	return m.popupBoxStyle().Render(b.String())
}

func (m Model) popupBoxStyle() lipgloss.Style {
	w := 60
	if m.width > 0 {
		w = m.width - 12
		if w < 42 {
			w = 42
		}
		if w > 84 {
			w = 84
		}
	}
	return popupStyle.Width(w)
}

// ════════════════════════════════════════════════
// SHARED HELPERS
// ════════════════════════════════════════════════

func renderFooter(keys []struct{ key, desc string }) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render(k.key)+" "+footerDescStyle.Render(k.desc))
	}
	return "  " + strings.Join(parts, "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		if maxLen < 0 {
			maxLen = 0
		}
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
