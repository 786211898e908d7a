package bus

// Negotiation lifecycle topics.
const (
	TopicNegotiationOpened    = "negotiation.opened"
	TopicOfferSubmitted       = "negotiation.offer_submitted"
	TopicMessagePosted        = "negotiation.message_posted"
	TopicBuyerAccepted        = "negotiation.buyer_accepted"
	TopicDealPending          = "negotiation.deal_pending"
	TopicNegotiationCompleted = "negotiation.completed"
	TopicNegotiationCancelled = "negotiation.cancelled"
)

// Agent queue topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskCompleted = "task.completed"
	TopicTaskRetrying  = "task.retrying"
	TopicTaskFailed    = "task.failed"
)

// TopicDecisionRecorded is published after the agent acts on an offer.
const TopicDecisionRecorded = "decision.recorded"

// NegotiationEvent is the payload for negotiation.* topics.
type NegotiationEvent struct {
	NegotiationID string `json:"negotiation_id"`
	ItemID        string `json:"item_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`
	ActorID       string `json:"actor_id,omitempty"`
	Status        string `json:"status"`
	Round         int    `json:"round"`
	Price         string `json:"price,omitempty"`
	Message       string `json:"message,omitempty"`
	Agent         bool   `json:"agent,omitempty"`
}

// TaskEvent is the payload for task.* topics.
type TaskEvent struct {
	TaskID        string `json:"task_id"`
	NegotiationID string `json:"negotiation_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error,omitempty"`
}

// DecisionEvent is the payload for decision.recorded.
type DecisionEvent struct {
	DecisionID    string  `json:"decision_id"`
	NegotiationID string  `json:"negotiation_id"`
	SellerID      string  `json:"seller_id"`
	Type          string  `json:"type"`
	OfferPrice    string  `json:"offer_price"`
	Price         string  `json:"price,omitempty"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// NegotiationIDOf extracts the negotiation id from any payload published on
// this bus. It returns "" for payloads that do not carry one.
func NegotiationIDOf(payload any) string {
	switch p := payload.(type) {
	case NegotiationEvent:
		return p.NegotiationID
	case TaskEvent:
		return p.NegotiationID
	case DecisionEvent:
		return p.NegotiationID
	default:
		return ""
	}
}
