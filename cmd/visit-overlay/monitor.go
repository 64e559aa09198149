package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"visitoverlay/internal/columns"
	"visitoverlay/internal/overlay"
)

// snapshotter is the part of the overlay the monitor reads.
type snapshotter interface {
	Snapshot(ctx context.Context, withRows bool) (overlay.Snapshot, error)
}

var (
	monitorTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	monitorMuted = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	monitorError = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

type snapshotMsg struct {
	snap overlay.Snapshot
	err  error
}

// monitorModel shows the overlay's correlated rows, refreshed on an interval.
type monitorModel struct {
	ctx      context.Context
	src      snapshotter
	interval time.Duration
	table    table.Model
	snap     overlay.Snapshot
	err      error
}

func newMonitorModel(ctx context.Context, src snapshotter, interval time.Duration) monitorModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Visit", Width: 10},
			{Title: "Client", Width: 10},
			{Title: "Tags", Width: 36},
			{Title: "City", Width: 20},
			{Title: "Care plan", Width: 30},
			{Title: "Status", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	return monitorModel{ctx: ctx, src: src, interval: interval, table: t}
}

func (m monitorModel) poll() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.src.Snapshot(m.ctx, true)
		return snapshotMsg{snap: snap, err: err}
	}
}

// Init initializes the model.
func (m monitorModel) Init() tea.Cmd {
	return m.poll()
}

// Update handles messages.
func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.table.SetHeight(max(msg.Height-6, 5))
	case snapshotMsg:
		m.snap, m.err = msg.snap, msg.err
		if msg.err == nil {
			m.table.SetRows(monitorRows(msg.snap))
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg {
			snap, err := m.src.Snapshot(m.ctx, true)
			return snapshotMsg{snap: snap, err: err}
		})
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func monitorRows(s overlay.Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(s.Rows))
	for _, r := range s.Rows {
		state := "pending"
		switch {
		case r.Error != "":
			state = "failed"
		case r.Ready:
			state = "ready"
		}
		rows = append(rows, table.Row{
			r.VisitID,
			r.ClientID,
			r.Values[columns.ClientTags],
			r.Values[columns.ClientCity],
			r.Values[columns.ClientCarePlan],
			state,
		})
	}
	return rows
}

// View renders the model.
func (m monitorModel) View() string {
	header := monitorTitle.Render("visit-overlay") + " " + monitorMuted.Render(fmt.Sprintf(
		"state=%s variant=%s ticks=%d rows=%d ready=%d failed=%d",
		m.snap.State, m.snap.Variant, m.snap.Ticks,
		m.snap.Correlation.Total, m.snap.Correlation.Ready, m.snap.Correlation.Failed,
	))
	footer := monitorMuted.Render("q to quit")
	if m.err != nil {
		footer = monitorError.Render(m.err.Error())
	}
	return header + "\n\n" + m.table.View() + "\n" + footer + "\n"
}
