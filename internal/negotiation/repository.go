package negotiation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the durable record behind the protocol. Lookups of missing
// rows return an error matching ErrNotFound.
type Repository interface {
	CreateItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id string) (Item, error)
	SetItemAgentEnabled(ctx context.Context, id string, enabled bool, now time.Time) error

	GetProfile(ctx context.Context, sellerID string) (SellerAgentProfile, bool, error)
	UpsertProfile(ctx context.Context, p SellerAgentProfile) error

	GetNegotiation(ctx context.Context, id string) (Negotiation, error)
	// FindOpenNegotiation returns nil when the buyer holds no open negotiation.
	FindOpenNegotiation(ctx context.Context, itemID, buyerID string) (*Negotiation, error)
	// CreateNegotiation inserts n with its first offer and marks the item
	// under negotiation in one transaction. Returns ErrAlreadyOpen on a
	// duplicate open (item, buyer) pair.
	CreateNegotiation(ctx context.Context, n Negotiation, first Offer) error
	// AppendOffer advances the round and inserts the offer. Returns
	// ErrStaleWrite unless the negotiation is still active at ExpectRound.
	AppendOffer(ctx context.Context, p AppendOfferParams) error
	// AppendMessage inserts a message-only entry without touching the round.
	AppendMessage(ctx context.Context, o Offer) error
	// Transition moves a negotiation between statuses. Returns ErrStaleWrite
	// when the row no longer matches From (and ExpectRound when set). The
	// returned negotiations are competing ones cancelled by a sale.
	Transition(ctx context.Context, p TransitionParams) ([]Negotiation, error)
	// ExpireNegotiations cancels every open negotiation whose deadline is at
	// or before now and returns the cancelled rows.
	ExpireNegotiations(ctx context.Context, now time.Time) ([]Negotiation, error)

	LatestPricedOffer(ctx context.Context, negotiationID string) (*Offer, error)
	ListOffers(ctx context.Context, negotiationID string) ([]Offer, error)
	ListItemOffers(ctx context.Context, itemID string) ([]Offer, error)
	ListItemNegotiations(ctx context.Context, itemID string) ([]Negotiation, error)
	ListNegotiationsForUser(ctx context.Context, userID string) ([]Negotiation, error)
	// ActiveBuyerOffers returns the latest buyer price on each active
	// negotiation for the item.
	ActiveBuyerOffers(ctx context.Context, itemID string) ([]BuyerBid, error)
}

// AppendOfferParams describes a priced offer that advances the round.
type AppendOfferParams struct {
	Offer       Offer
	ExpectRound int
	ExpiresAt   time.Time
}

// TransitionParams describes a status change and its side effects.
type TransitionParams struct {
	NegotiationID string
	From          []Status
	To            Status
	// ExpectRound guards against a counter offer landing between read and
	// write. Nil skips the check.
	ExpectRound *int
	FinalPrice  decimal.NullDecimal
	// ExpiresAt replaces the deadline when set.
	ExpiresAt *time.Time
	// SellItem marks the item sold and cancels its other open negotiations.
	SellItem bool
	// Record is appended to the offer history in the same transaction.
	Record *Offer
	Now    time.Time
}

// Enqueuer schedules the seller agent for a fresh buyer offer.
type Enqueuer interface {
	EnqueueOffer(ctx context.Context, n Negotiation, offer Offer, item Item) error
}

// Publisher receives negotiation events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload any)
}
