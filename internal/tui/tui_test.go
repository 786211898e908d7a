package tui

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestView_DisplaysQueueAndNegotiationCounts(t *testing.T) {
	m := model{
		snap: Snapshot{
			DBOK:             true,
			Workers:          4,
			Active:           2,
			Pending:          5,
			Processing:       2,
			Completed:        40,
			Failed:           1,
			Retried:          3,
			OpenNegotiations: 7,
			Deals:            12,
			Cancelled:        2,
			LastEvent:        "negotiation.offer_submitted",
			Uptime:           10 * time.Second,
		},
	}
	view := m.View()

	for _, want := range []string{
		"Workers: 4",
		"Active Tasks: 2",
		"5 pending, 2 processing, 40 completed, 1 failed (3 retried)",
		"7 open, 12 deals, 2 cancelled",
		"Last Error: (none)",
		"negotiation.offer_submitted",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestTUI_HeadlessNonTTY(t *testing.T) {
	provider := func() Snapshot {
		return Snapshot{
			DBOK:    true,
			Workers: 2,
			Uptime:  5 * time.Second,
		}
	}
	feed := NewActivityFeed()

	m := model{provider: provider, feed: feed, snap: provider()}

	if cmd := m.Init(); cmd == nil {
		t.Fatal("expected Init to return a cmd")
	}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}

	// "a" toggles the activity feed.
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'a'}})
	if feed.collapsed {
		t.Fatal("expected feed to expand on 'a'")
	}

	m2 := model{provider: provider, snap: Snapshot{}}
	updated2, tickCmd := m2.Update(tickMsg(time.Now()))
	if tickCmd == nil {
		t.Fatal("expected tick cmd after tick message")
	}
	if !updated2.(model).snap.DBOK {
		t.Fatal("expected snapshot to be refreshed from provider")
	}

	if m.View() == "" {
		t.Fatal("expected non-empty view output in headless mode")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(cancelCtx, provider, nil)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}

func TestHumanError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "Daemon did not answer in time"},
		{fmt.Errorf("fetch health: %w", context.DeadlineExceeded), "Daemon did not answer in time"},
		{&wrapErr{"fetch health: dial tcp 127.0.0.1:18790: connection refused"}, "Daemon not running (connection refused)"},
		{&statusError{path: "/metrics", code: 401}, "Daemon refused /metrics (401): check auth.keys in config.yaml"},
		{&statusError{path: "/metrics", code: 500}, "Daemon answered /metrics with 500"},
		{&wrapErr{"read events: failed to read frame header: EOF"}, "EOF"},
		{&wrapErr{"unexpected end"}, "Unexpected end"},
	}
	for _, tt := range tests {
		if got := humanError(tt.err); got != tt.want {
			t.Errorf("humanError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type wrapErr struct{ s string }

func (e *wrapErr) Error() string { return e.s }
