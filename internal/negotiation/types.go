// Package negotiation implements the buyer/seller offer protocol: turn order,
// round limits, price bounds, expiry and the deal completion paths.
package negotiation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the side of the table an actor sits on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Status is the lifecycle state of a negotiation.
type Status string

const (
	StatusActive        Status = "active"
	StatusBuyerAccepted Status = "buyer_accepted"
	StatusDealPending   Status = "deal_pending"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []Status{StatusActive, StatusBuyerAccepted, StatusDealPending}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ItemStatus is the listing state.
type ItemStatus string

const (
	ItemActive           ItemStatus = "active"
	ItemUnderNegotiation ItemStatus = "under_negotiation"
	ItemSold             ItemStatus = "sold"
	ItemWithdrawn        ItemStatus = "withdrawn"
)

// Item is a listing owned by a seller.
type Item struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"seller_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	AskingPrice   decimal.Decimal `json:"asking_price"`
	FurnitureType string          `json:"furniture_type"`
	Condition     string          `json:"condition"`
	Status        ItemStatus      `json:"status"`
	AgentEnabled  bool            `json:"agent_enabled"`
	ViewsCount    int             `json:"views_count"`
	ListedAt      time.Time       `json:"listed_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DaysListed is the whole number of days the item has been on the market.
func (it Item) DaysListed(now time.Time) int {
	if it.ListedAt.IsZero() || now.Before(it.ListedAt) {
		return 0
	}
	return int(now.Sub(it.ListedAt) / (24 * time.Hour))
}

// Negotiation is one buyer's exchange with the seller over one item.
type Negotiation struct {
	ID          string              `json:"id"`
	ItemID      string              `json:"item_id"`
	SellerID    string              `json:"seller_id"`
	BuyerID     string              `json:"buyer_id"`
	Status      Status              `json:"status"`
	RoundNumber int                 `json:"round_number"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	FinalPrice  decimal.NullDecimal `json:"final_price"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// RoleOf returns the role of actorID, or false when the actor is not a party.
func (n Negotiation) RoleOf(actorID string) (Role, bool) {
	switch actorID {
	case "":
		return "", false
	case n.BuyerID:
		return RoleBuyer, true
	case n.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Expired reports whether the negotiation's deadline has passed at now.
func (n Negotiation) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Offer is an append-only history entry. Message-only entries carry no price.
type Offer struct {
	ID             string              `json:"id"`
	NegotiationID  string              `json:"negotiation_id"`
	OfferType      Role                `json:"offer_type"`
	Price          decimal.NullDecimal `json:"price"`
	Message        string              `json:"message,omitempty"`
	RoundNumber    int                 `json:"round_number"`
	IsCounterOffer bool                `json:"is_counter_offer"`
	IsMessageOnly  bool                `json:"is_message_only"`
	AgentGenerated bool                `json:"agent_generated"`
	CreatedAt      time.Time           `json:"created_at"`
}

// BuyerBid is the latest buyer price on one open negotiation for an item.
type BuyerBid struct {
	NegotiationID string          `json:"negotiation_id"`
	BuyerID       string          `json:"buyer_id"`
	Price         decimal.Decimal `json:"price"`
	At            time.Time       `json:"at"`
}

// DecisionType is the outcome class of one agent run.
type DecisionType string

const (
	DecisionAccept  DecisionType = "ACCEPT"
	DecisionCounter DecisionType = "COUNTER"
	DecisionDecline DecisionType = "DECLINE"
	DecisionWait    DecisionType = "WAIT"
)

// AgentDecision records what the seller agent did with one buyer offer.
// Rows are append-only apart from seller acknowledgement.
type AgentDecision struct {
	ID                 string              `json:"id"`
	NegotiationID      string              `json:"negotiation_id"`
	TaskID             string              `json:"task_id"`
	OfferID            string              `json:"offer_id"`
	DecisionType       DecisionType        `json:"decision_type"`
	OriginalOfferPrice decimal.Decimal     `json:"original_offer_price"`
	RecommendedPrice   decimal.NullDecimal `json:"recommended_price"`
	ConfidenceScore    float64             `json:"confidence_score"`
	NashPrice          decimal.NullDecimal `json:"nash_price"`
	MarketValue        decimal.NullDecimal `json:"market_value"`
	Reasoning          string              `json:"reasoning"`
	ExecutionTimeMs    int64               `json:"execution_time_ms"`
	CreatedAt          time.Time           `json:"created_at"`
	AcknowledgedAt     *time.Time          `json:"acknowledged_at,omitempty"`
}
