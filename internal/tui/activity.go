package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/bus"
)

const (
	defaultFeedSize = 10
	noteWidth       = 40
)

// Outcome is where a negotiation stands as far as the stream has shown.
type Outcome int

const (
	OutcomeOpen Outcome = iota
	OutcomeAccepted
	OutcomePending
	OutcomeDeal
	OutcomeCancelled
)

func (o Outcome) Done() bool { return o == OutcomeDeal || o == OutcomeCancelled }

func (o Outcome) icon() string {
	switch o {
	case OutcomeAccepted:
		return "🤝"
	case OutcomePending:
		return "⏳"
	case OutcomeDeal:
		return "✅"
	case OutcomeCancelled:
		return "❌"
	}
	return "💬"
}

// ActivityItem is one negotiation as seen through the event stream.
type ActivityItem struct {
	ID          string
	ItemID      string
	BuyerID     string
	Outcome     Outcome
	Round       int
	BuyerPrice  string
	SellerPrice string
	Note        string
	// AgentBusy is set while a seller agent task is queued or running.
	AgentBusy bool
	StartedAt time.Time
	DoneAt    *time.Time
}

// Gap is the distance between the latest seller and buyer prices, or ""
// until both sides have priced.
func (it ActivityItem) Gap() string {
	if it.BuyerPrice == "" || it.SellerPrice == "" {
		return ""
	}
	buyer, err := decimal.NewFromString(it.BuyerPrice)
	if err != nil {
		return ""
	}
	seller, err := decimal.NewFromString(it.SellerPrice)
	if err != nil {
		return ""
	}
	return seller.Sub(buyer).StringFixed(2)
}

// ActivityFeed keeps the most recently touched negotiations, oldest first.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: defaultFeedSize, collapsed: true, now: time.Now}
}

func (f *ActivityFeed) find(id string) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insert appends a negotiation, evicting the oldest finished one first and
// the oldest open one only when nothing has finished.
func (f *ActivityFeed) insert(it ActivityItem) int {
	if len(f.items) >= f.maxItems {
		victim := 0
		for i := range f.items {
			if f.items[i].Outcome.Done() {
				victim = i
				break
			}
		}
		f.items = append(f.items[:victim], f.items[victim+1:]...)
	}
	f.items = append(f.items, it)
	f.collapsed = false
	return len(f.items) - 1
}

// Observe folds a negotiation event into the feed. The first event for a
// negotiation adds it; later ones update it in place.
func (f *ActivityFeed) Observe(topic string, ev bus.NegotiationEvent, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.find(ev.NegotiationID)
	if idx < 0 {
		idx = f.insert(ActivityItem{ID: ev.NegotiationID, StartedAt: at})
	}
	it := &f.items[idx]
	if ev.ItemID != "" {
		it.ItemID = ev.ItemID
	}
	if ev.BuyerID != "" {
		it.BuyerID = ev.BuyerID
	}
	if ev.Round > it.Round {
		it.Round = ev.Round
	}

	who := ev.ActorID
	if ev.Agent {
		who = "agent"
	}
	switch topic {
	case bus.TopicNegotiationOpened:
		it.Note = fmt.Sprintf("%s opened on %s", ev.BuyerID, ev.ItemID)
		if ev.Price != "" {
			it.BuyerPrice = ev.Price
		}
	case bus.TopicOfferSubmitted:
		if !ev.Agent && ev.ActorID != "" && ev.ActorID == it.BuyerID {
			it.BuyerPrice = ev.Price
		} else {
			it.SellerPrice = ev.Price
		}
		it.Note = fmt.Sprintf("%s offered %s", who, ev.Price)
	case bus.TopicMessagePosted:
		it.Note = clip(fmt.Sprintf("%s: %s", who, ev.Message), noteWidth)
	case bus.TopicBuyerAccepted:
		it.Outcome, it.Note = OutcomeAccepted, "buyer accepted"
	case bus.TopicDealPending:
		it.Outcome, it.Note = OutcomePending, "waiting for the seller"
	case bus.TopicNegotiationCompleted:
		it.Outcome, it.Note = OutcomeDeal, "deal closed"
		if ev.Price != "" {
			it.Note = "deal at " + ev.Price
		}
	case bus.TopicNegotiationCancelled:
		it.Outcome, it.Note = OutcomeCancelled, "cancelled"
	}
	if it.Outcome.Done() && it.DoneAt == nil {
		done := at
		it.DoneAt = &done
		it.AgentBusy = false
	}
}

// ObserveTask tracks the seller agent working on a negotiation already in
// the feed. Tasks for negotiations the feed has not seen are ignored.
func (f *ActivityFeed) ObserveTask(topic string, ev bus.TaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.find(ev.NegotiationID)
	if idx < 0 {
		return
	}
	it := &f.items[idx]
	switch topic {
	case bus.TopicTaskEnqueued, bus.TopicTaskRetrying:
		it.AgentBusy = !it.Outcome.Done()
	case bus.TopicTaskCompleted:
		it.AgentBusy = false
	case bus.TopicTaskFailed:
		it.AgentBusy = false
		it.Note = clip("agent failed: "+ev.Error, noteWidth)
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

// Open counts negotiations that have not reached a deal or cancellation.
func (f *ActivityFeed) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, it := range f.items {
		if !it.Outcome.Done() {
			open++
		}
	}
	return open
}

// Items returns a copy of the feed, oldest first.
func (f *ActivityFeed) Items() []ActivityItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ActivityItem(nil), f.items...)
}

// CleanupOld drops finished negotiations older than maxAge.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	kept := f.items[:0]
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			continue
		}
		kept = append(kept, it)
	}
	removed := len(f.items) - len(kept)
	f.items = kept
	return removed
}

var (
	feedDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	feedLine = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	feedBusy = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
)

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	if f.collapsed {
		open := 0
		for _, it := range f.items {
			if !it.Outcome.Done() {
				open++
			}
		}
		if open == 0 {
			return ""
		}
		return feedDim.Render(fmt.Sprintf("── %d open negotiations (a to expand) ──", open)) + "\n"
	}

	var out strings.Builder
	out.WriteString(feedDim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s r%d", it.Outcome.icon(), shortID(it.ID), it.Round)
		if it.BuyerPrice != "" || it.SellerPrice != "" {
			fmt.Fprintf(&b, "  %s / %s", orDash(it.BuyerPrice), orDash(it.SellerPrice))
		}
		if gap := it.Gap(); gap != "" && !it.Outcome.Done() {
			fmt.Fprintf(&b, " gap %s", gap)
		}
		line := feedLine.Render(b.String())
		if it.AgentBusy {
			line += feedBusy.Render("  agent thinking")
		}
		end := f.now()
		if it.DoneAt != nil {
			end = *it.DoneAt
		}
		line += feedDim.Render(fmt.Sprintf("  %s (%s)", it.Note, end.Sub(it.StartedAt).Truncate(time.Second)))
		out.WriteString(line + "\n")
	}
	return out.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// shortID keeps the random tail of a ULID, which is what differs between
// negotiations opened in the same millisecond.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
