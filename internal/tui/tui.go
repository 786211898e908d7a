// Package tui renders the operator dashboard behind `haggle watch`: daemon
// health, the agent task queue and a live feed of negotiation activity.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const feedRetention = 5 * time.Minute

type Snapshot struct {
	DBOK    bool
	Workers int
	Active  int32

	// Agent task queue, by status.
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Retried    int64

	OpenNegotiations int
	Deals            int
	Cancelled        int

	WSClients int32
	LastError string
	LastEvent string
	Uptime    time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	feed     *ActivityFeed
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.feed != nil {
				m.feed.Toggle()
			}
		}
	case tickMsg:
		m.snap = m.provider()
		if m.feed != nil {
			m.feed.CleanupOld(feedRetention)
		}
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	} else {
		lastErr = warn.Render(lastErr)
	}
	lastEvent := m.snap.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	db := "ok"
	if !m.snap.DBOK {
		db = warn.Render("down")
	}

	var b strings.Builder
	b.WriteString(title.Render("Haggle") + "\n\n")
	fmt.Fprintf(&b, "DB: %s   Uptime: %s   Stream clients: %d\n", db, m.snap.Uptime.Truncate(time.Second), m.snap.WSClients)
	fmt.Fprintf(&b, "Workers: %d   Active Tasks: %d\n", m.snap.Workers, m.snap.Active)
	fmt.Fprintf(&b, "Queue: %d pending, %d processing, %d completed, %d failed (%d retried)\n",
		m.snap.Pending, m.snap.Processing, m.snap.Completed, m.snap.Failed, m.snap.Retried)
	fmt.Fprintf(&b, "Negotiations: %d open, %d deals, %d cancelled\n",
		m.snap.OpenNegotiations, m.snap.Deals, m.snap.Cancelled)
	fmt.Fprintf(&b, "Last Error: %s\nLast Event: %s\n\n", lastErr, lastEvent)
	if m.feed != nil {
		b.WriteString(m.feed.View())
	}
	b.WriteString("\nPress a to toggle activity, q to quit.\n")
	return b.String()
}

// Run shows the dashboard until the user quits or ctx is cancelled. feed may
// be nil when no event stream is attached.
func Run(ctx context.Context, provider StatusProvider, feed *ActivityFeed) error {
	defer restoreTerminal()

	m := model{provider: provider, feed: feed, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
