package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/persistence"
	"github.com/basket/haggle/internal/queue"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time             { return c.now }
func (c *testClock) Advance(d time.Duration)    { c.now = c.now.Add(d) }
func price(v int64) decimal.NullDecimal         { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }
func ptrTime(t time.Time) *time.Time            { return &t }
func openStatus(n negotiation.Negotiation) bool { return !n.Status.Terminal() }

func openTestStore(t *testing.T) (*persistence.Store, *testClock, string) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	dbPath := filepath.Join(t.TempDir(), "haggle.db")
	store, err := persistence.Open(dbPath, persistence.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock, dbPath
}

func seedItem(t *testing.T, store *persistence.Store, clock *testClock, id string) negotiation.Item {
	t.Helper()
	it := negotiation.Item{
		ID:            id,
		SellerID:      "seller-1",
		Title:         "Oak dining table",
		AskingPrice:   decimal.NewFromInt(1200),
		FurnitureType: "table",
		Condition:     "good",
		Status:        negotiation.ItemActive,
		AgentEnabled:  true,
		ListedAt:      clock.Now(),
		UpdatedAt:     clock.Now(),
	}
	if err := store.CreateItem(context.Background(), it); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func seedNegotiation(t *testing.T, store *persistence.Store, clock *testClock, id, itemID, buyerID string, amount int64) negotiation.Negotiation {
	t.Helper()
	now := clock.Now()
	n := negotiation.Negotiation{
		ID:          id,
		ItemID:      itemID,
		SellerID:    "seller-1",
		BuyerID:     buyerID,
		Status:      negotiation.StatusActive,
		RoundNumber: 1,
		ExpiresAt:   ptrTime(now.Add(48 * time.Hour)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	first := negotiation.Offer{
		ID:            id + "-o1",
		NegotiationID: id,
		OfferType:     negotiation.RoleBuyer,
		Price:         price(amount),
		RoundNumber:   1,
		CreatedAt:     now,
	}
	if err := store.CreateNegotiation(context.Background(), n, first); err != nil {
		t.Fatalf("create negotiation %s: %v", id, err)
	}
	return n
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _, _ := openTestStore(t)
	var journal string
	if err := store.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected schema version 2, got %d", v)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, clock, dbPath := openTestStore(t)
	seedItem(t, store, clock, "item-1")
	_ = store.Close()

	reopened, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	var count int
	if err := reopened.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migration rows, got %d", count)
	}
	if _, err := reopened.GetItem(context.Background(), "item-1"); err != nil {
		t.Fatalf("item lost across reopen: %v", err)
	}
}

func TestStore_ChecksumMismatchFailsOpen(t *testing.T) {
	store, _, dbPath := openTestStore(t)
	if _, err := store.DB().Exec("UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;"); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_ListAvailableItems(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()

	table := seedItem(t, store, clock, "item-a")
	clock.Advance(time.Minute)
	chair := seedItem(t, store, clock, "item-b")
	if _, err := store.DB().ExecContext(ctx, `UPDATE items SET furniture_type = 'chair' WHERE id = ?;`, chair.ID); err != nil {
		t.Fatalf("retype item: %v", err)
	}
	clock.Advance(time.Minute)
	withdrawn := seedItem(t, store, clock, "item-c")
	if _, err := store.DB().ExecContext(ctx, `UPDATE items SET status = 'withdrawn' WHERE id = ?;`, withdrawn.ID); err != nil {
		t.Fatalf("withdraw item: %v", err)
	}

	items, total, err := store.ListAvailableItems(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if total != 2 || len(items) != 2 || items[0].ID != chair.ID || items[1].ID != table.ID {
		t.Fatalf("available items = %d %+v", total, items)
	}

	items, total, err = store.ListAvailableItems(ctx, "table", 10, 0)
	if err != nil || total != 1 || len(items) != 1 || items[0].ID != table.ID {
		t.Fatalf("tables = %d %+v err=%v", total, items, err)
	}

	items, total, err = store.ListAvailableItems(ctx, "", 1, 1)
	if err != nil || total != 2 || len(items) != 1 || items[0].ID != table.ID {
		t.Fatalf("second page = %d %+v err=%v", total, items, err)
	}
}

func TestStore_OneOpenNegotiationPerPair(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	dup := negotiation.Negotiation{
		ID: "neg-2", ItemID: "item-1", SellerID: "seller-1", BuyerID: "buyer-1",
		Status: negotiation.StatusActive, RoundNumber: 1, CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}
	first := negotiation.Offer{ID: "neg-2-o1", NegotiationID: "neg-2", OfferType: negotiation.RoleBuyer,
		Price: price(950), RoundNumber: 1, CreatedAt: clock.Now()}
	err := store.CreateNegotiation(ctx, dup, first)
	if !errors.Is(err, negotiation.ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	it, err := store.GetItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Status != negotiation.ItemUnderNegotiation {
		t.Fatalf("expected item under negotiation, got %s", it.Status)
	}
}

func TestStore_AppendOfferRejectsStaleRound(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	clock.Advance(time.Minute)
	counter := negotiation.Offer{ID: "neg-1-o2", NegotiationID: "neg-1", OfferType: negotiation.RoleSeller,
		Price: price(1100), RoundNumber: 2, IsCounterOffer: true, CreatedAt: clock.Now()}
	if err := store.AppendOffer(ctx, negotiation.AppendOfferParams{
		Offer: counter, ExpectRound: 1, ExpiresAt: clock.Now().Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("append counter: %v", err)
	}

	stale := counter
	stale.ID = "neg-1-o3"
	if err := store.AppendOffer(ctx, negotiation.AppendOfferParams{
		Offer: stale, ExpectRound: 1, ExpiresAt: clock.Now().Add(48 * time.Hour),
	}); !errors.Is(err, negotiation.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	n, err := store.GetNegotiation(ctx, "neg-1")
	if err != nil {
		t.Fatalf("get negotiation: %v", err)
	}
	if n.RoundNumber != 2 {
		t.Fatalf("expected round 2, got %d", n.RoundNumber)
	}
	latest, err := store.LatestPricedOffer(ctx, "neg-1")
	if err != nil || latest == nil {
		t.Fatalf("latest priced offer: %v %v", latest, err)
	}
	if !latest.Price.Decimal.Equal(decimal.NewFromInt(1100)) || latest.OfferType != negotiation.RoleSeller {
		t.Fatalf("unexpected latest offer %+v", latest)
	}
}

func TestStore_SellingCancelsCompetingAndFailsTheirTasks(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-a", "item-1", "buyer-a", 900)
	seedNegotiation(t, store, clock, "neg-b", "item-1", "buyer-b", 1000)

	if _, err := store.Enqueue(ctx, queue.Task{ID: "task-a", NegotiationID: "neg-a", OfferID: "neg-a-o1", Priority: 50}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	round := 1
	competing, err := store.Transition(ctx, negotiation.TransitionParams{
		NegotiationID: "neg-b",
		From:          []negotiation.Status{negotiation.StatusActive},
		To:            negotiation.StatusCompleted,
		ExpectRound:   &round,
		FinalPrice:    price(1000),
		SellItem:      true,
		Now:           clock.Now(),
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(competing) != 1 || competing[0].ID != "neg-a" || competing[0].Status != negotiation.StatusCancelled {
		t.Fatalf("unexpected competing set %+v", competing)
	}

	won, _ := store.GetNegotiation(ctx, "neg-b")
	if won.Status != negotiation.StatusCompleted || won.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", won)
	}
	if !won.FinalPrice.Valid || !won.FinalPrice.Decimal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected final price %v", won.FinalPrice)
	}
	it, _ := store.GetItem(ctx, "item-1")
	if it.Status != negotiation.ItemSold {
		t.Fatalf("expected sold item, got %s", it.Status)
	}
	task, err := store.GetTask(ctx, "task-a")
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != queue.StatusFailed || task.ProcessedAt == nil {
		t.Fatalf("expected failed task, got %+v", task)
	}

	if _, err := store.Transition(ctx, negotiation.TransitionParams{
		NegotiationID: "neg-b",
		From:          negotiation.OpenStatuses,
		To:            negotiation.StatusCancelled,
	}); !errors.Is(err, negotiation.ErrStaleWrite) {
		t.Fatalf("terminal negotiation must not move, got %v", err)
	}
}

func TestStore_ExpireNegotiationsRestoresItem(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	expired, err := store.ExpireNegotiations(ctx, clock.Now().Add(47*time.Hour))
	if err != nil {
		t.Fatalf("expire early: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %d", len(expired))
	}

	expired, err = store.ExpireNegotiations(ctx, clock.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || openStatus(expired[0]) {
		t.Fatalf("expected one cancelled negotiation, got %+v", expired)
	}
	it, _ := store.GetItem(ctx, "item-1")
	if it.Status != negotiation.ItemActive {
		t.Fatalf("expected item back to active, got %s", it.Status)
	}
	open, err := store.FindOpenNegotiation(ctx, "item-1", "buyer-1")
	if err != nil || open != nil {
		t.Fatalf("expected no open negotiation, got %+v %v", open, err)
	}
}

func TestStore_ActiveBuyerOffersUsesLatestBuyerPrice(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-a", "item-1", "buyer-a", 900)
	clock.Advance(time.Minute)
	seedNegotiation(t, store, clock, "neg-b", "item-1", "buyer-b", 1000)

	clock.Advance(time.Minute)
	if err := store.AppendOffer(ctx, negotiation.AppendOfferParams{
		Offer: negotiation.Offer{ID: "neg-a-o2", NegotiationID: "neg-a", OfferType: negotiation.RoleSeller,
			Price: price(1150), RoundNumber: 2, IsCounterOffer: true, CreatedAt: clock.Now()},
		ExpectRound: 1,
		ExpiresAt:   clock.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	bids, err := store.ActiveBuyerOffers(ctx, "item-1")
	if err != nil {
		t.Fatalf("active buyer offers: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(bids))
	}
	if bids[0].BuyerID != "buyer-a" || !bids[0].Price.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("seller counter must not count as a bid: %+v", bids[0])
	}

	counts, err := store.NegotiationCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[negotiation.StatusActive] != 2 {
		t.Fatalf("expected 2 active, got %v", counts)
	}
}

func TestStore_QueueSingleFlightAndOrdering(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-a", "item-1", "buyer-a", 900)
	seedNegotiation(t, store, clock, "neg-b", "item-1", "buyer-b", 1000)

	if _, err := store.Enqueue(ctx, queue.Task{ID: "t-low", NegotiationID: "neg-a", OfferID: "x", Priority: 80}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.Task{ID: "t-dup", NegotiationID: "neg-a", OfferID: "y", Priority: 10}); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.Task{ID: "t-high", NegotiationID: "neg-b", OfferID: "z", Priority: 20,
		AvailableAt: clock.Now().Add(10 * time.Minute)}); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	got, err := store.DequeueNext(ctx)
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v %v", got, err)
	}
	if got.ID != "t-low" || got.Attempts != 1 || got.Status != queue.StatusProcessing {
		t.Fatalf("delayed task must wait, got %+v", got)
	}
	if next, err := store.DequeueNext(ctx); err != nil || next != nil {
		t.Fatalf("expected nothing eligible, got %+v %v", next, err)
	}

	clock.Advance(10 * time.Minute)
	got, err = store.DequeueNext(ctx)
	if err != nil || got == nil || got.ID != "t-high" {
		t.Fatalf("expected t-high after delay, got %+v %v", got, err)
	}

	if err := store.Complete(ctx, "t-low", "dec-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.Task{ID: "t-again", NegotiationID: "neg-a", OfferID: "w", Priority: 50}); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
	depth, err := store.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}
	done, _ := store.GetTask(ctx, "t-low")
	if done.DecisionID != "dec-1" || done.Status != queue.StatusCompleted {
		t.Fatalf("unexpected completed task %+v", done)
	}
}

func TestStore_RequeueThenFailRecordsEvents(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	if _, err := store.Enqueue(ctx, queue.Task{ID: "t1", NegotiationID: "neg-1", OfferID: "o", Priority: 50}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	requeued, err := store.Requeue(ctx, "t1", "pricing timeout")
	if err != nil || !requeued {
		t.Fatalf("first requeue: %v %v", requeued, err)
	}
	if _, err := store.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	requeued, err = store.Requeue(ctx, "t1", "pricing timeout")
	if err != nil || requeued {
		t.Fatalf("second requeue should fail the task: %v %v", requeued, err)
	}

	task, _ := store.GetTask(ctx, "t1")
	if task.Status != queue.StatusFailed || task.Attempts != queue.MaxAttempts || task.ErrorMessage != "pricing timeout" {
		t.Fatalf("unexpected task %+v", task)
	}

	events, err := store.ListTaskEvents(ctx, "t1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{
		persistence.EventTaskEnqueued, persistence.EventTaskClaimed, persistence.EventTaskRequeued,
		persistence.EventTaskClaimed, persistence.EventTaskFailed,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event trail %v", types)
	}
	if events[0].StateFrom != "" || events[len(events)-1].StateTo != queue.StatusFailed {
		t.Fatalf("unexpected event states %+v", events)
	}

	tasks, total, err := store.ListTasks(ctx, queue.StatusFailed, 10, 0)
	if err != nil || total != 1 || len(tasks) != 1 {
		t.Fatalf("list failed tasks: %d %d %v", total, len(tasks), err)
	}
}

func TestStore_RecoverStaleProcessing(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	if _, err := store.Enqueue(ctx, queue.Task{ID: "t1", NegotiationID: "neg-1", OfferID: "o", Priority: 50}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.DequeueNext(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	n, err := store.RecoverStale(ctx, clock.Now().Add(-time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("fresh task must not be recovered: %d %v", n, err)
	}
	clock.Advance(10 * time.Minute)
	n, err = store.RecoverStale(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered, got %d %v", n, err)
	}
	task, _ := store.GetTask(ctx, "t1")
	if task.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
}

func TestStore_DecisionsAndAcknowledge(t *testing.T) {
	store, clock, _ := openTestStore(t)
	ctx := context.Background()
	seedItem(t, store, clock, "item-1")
	seedNegotiation(t, store, clock, "neg-1", "item-1", "buyer-1", 900)

	d, err := store.RecordDecision(ctx, negotiation.AgentDecision{
		NegotiationID:      "neg-1",
		OfferID:            "neg-1-o1",
		DecisionType:       negotiation.DecisionCounter,
		OriginalOfferPrice: decimal.NewFromInt(900),
		RecommendedPrice:   price(1100),
		ConfidenceScore:    0.62,
		Reasoning:          "counter toward target",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d.ID == "" {
		t.Fatalf("expected generated id")
	}

	if _, err := store.AcknowledgeDecision(ctx, d.ID, "buyer-1", clock.Now()); !errors.Is(err, negotiation.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := store.AcknowledgeDecision(ctx, "missing", "seller-1", clock.Now()); !errors.Is(err, negotiation.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	acked, err := store.AcknowledgeDecision(ctx, d.ID, "seller-1", clock.Now())
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.AcknowledgedAt == nil || acked.NashPrice.Valid {
		t.Fatalf("unexpected acknowledged decision %+v", acked)
	}

	list, err := store.ListDecisions(ctx, "neg-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list decisions: %d %v", len(list), err)
	}
	if !list[0].RecommendedPrice.Decimal.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("unexpected recommended price %v", list[0].RecommendedPrice)
	}
}
