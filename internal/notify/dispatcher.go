package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/haggle/internal/bus"
)

const sendTimeout = 10 * time.Second

// Dispatcher turns bus events into seller notifications. It notifies on
// ACCEPT decisions, on other decisions at or above the minimum confidence,
// and when a negotiation completes or is cancelled.
type Dispatcher struct {
	bus       *bus.Bus
	notifiers []Notifier
	logger    *slog.Logger

	minConfidence atomic.Uint64 // float64 bits

	sent   atomic.Int64
	failed atomic.Int64

	sub *bus.Subscription
	wg  sync.WaitGroup
}

func NewDispatcher(b *bus.Bus, minConfidence float64, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{bus: b, notifiers: notifiers, logger: logger}
	d.SetMinConfidence(minConfidence)
	return d
}

// SetMinConfidence changes the threshold for subsequent events.
func (d *Dispatcher) SetMinConfidence(v float64) {
	d.minConfidence.Store(math.Float64bits(v))
}

func (d *Dispatcher) MinConfidence() float64 {
	return math.Float64frombits(d.minConfidence.Load())
}

// Start subscribes to the bus and delivers until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sub = d.bus.SubscribeFunc("notify", nil)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-d.sub.Ch():
				if !ok {
					return
				}
				if n, ok := d.notificationFor(ev); ok {
					d.deliver(ctx, n)
				}
			}
		}
	}()
}

// Stop unsubscribes and waits for the delivery loop to exit.
func (d *Dispatcher) Stop() {
	d.bus.Unsubscribe(d.sub)
	d.wg.Wait()
}

// Sent and Failed count deliveries across all notifiers.
func (d *Dispatcher) Sent() int64   { return d.sent.Load() }
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

func (d *Dispatcher) notificationFor(ev bus.Event) (Notification, bool) {
	switch p := ev.Payload.(type) {
	case bus.DecisionEvent:
		if ev.Topic != bus.TopicDecisionRecorded {
			return Notification{}, false
		}
		if p.Type != "ACCEPT" && p.Confidence < d.MinConfidence() {
			return Notification{}, false
		}
		return Notification{
			Kind:          KindDecision,
			SellerID:      p.SellerID,
			NegotiationID: p.NegotiationID,
			Text:          decisionText(p),
			At:            ev.At,
		}, true
	case bus.NegotiationEvent:
		switch ev.Topic {
		case bus.TopicNegotiationCompleted:
			text := fmt.Sprintf("Negotiation %s completed", p.NegotiationID)
			if p.Price != "" {
				text += " at $" + p.Price
			}
			return Notification{Kind: KindCompleted, SellerID: p.SellerID, NegotiationID: p.NegotiationID, Text: text + ".", At: ev.At}, true
		case bus.TopicNegotiationCancelled:
			return Notification{
				Kind:          KindCancelled,
				SellerID:      p.SellerID,
				NegotiationID: p.NegotiationID,
				Text:          fmt.Sprintf("Negotiation %s was cancelled.", p.NegotiationID),
				At:            ev.At,
			}, true
		}
	}
	return Notification{}, false
}

func decisionText(p bus.DecisionEvent) string {
	var b strings.Builder
	switch p.Type {
	case "ACCEPT":
		fmt.Fprintf(&b, "Your agent accepted $%s", p.OfferPrice)
	case "COUNTER":
		fmt.Fprintf(&b, "Your agent countered $%s with $%s", p.OfferPrice, p.Price)
	case "DECLINE":
		fmt.Fprintf(&b, "Your agent declined $%s", p.OfferPrice)
	default:
		fmt.Fprintf(&b, "Your agent is holding on $%s", p.OfferPrice)
	}
	fmt.Fprintf(&b, " (negotiation %s, confidence %.0f%%).", p.NegotiationID, p.Confidence*100)
	if p.Reasoning != "" {
		b.WriteString(" ")
		b.WriteString(p.Reasoning)
	}
	return b.String()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, nt := range d.notifiers {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := nt.Notify(sendCtx, n)
		cancel()
		switch {
		case err == nil:
			d.sent.Add(1)
		case errors.Is(err, ErrNotConfigured):
			d.logger.Debug("notifier not configured", "notifier", nt.Name())
		default:
			d.failed.Add(1)
			d.logger.Warn("notification failed",
				"notifier", nt.Name(),
				"negotiation_id", n.NegotiationID,
				"error", err,
			)
		}
	}
}
