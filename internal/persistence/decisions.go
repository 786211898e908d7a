package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/haggle/internal/negotiation"
	"github.com/basket/haggle/internal/shared"
)

const decisionColumns = `id, negotiation_id, task_id, offer_id, decision_type, original_offer_price,
	recommended_price, confidence_score, nash_price, market_value, reasoning, execution_time_ms,
	created_at, acknowledged_at`

func scanDecision(scan func(dest ...any) error, d *negotiation.AgentDecision) error {
	return scan(&d.ID, &d.NegotiationID, &d.TaskID, &d.OfferID, &d.DecisionType, &d.OriginalOfferPrice,
		&d.RecommendedPrice, &d.ConfidenceScore, &d.NashPrice, &d.MarketValue, &d.Reasoning, &d.ExecutionTimeMs,
		&d.CreatedAt, &d.AcknowledgedAt)
}

// RecordDecision stores an agent decision. ID and CreatedAt are filled when
// empty and the stored copy is returned.
func (s *Store) RecordDecision(ctx context.Context, d negotiation.AgentDecision) (negotiation.AgentDecision, error) {
	if d.ID == "" {
		d.ID = shared.NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_decisions (`+decisionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);
	`, d.ID, d.NegotiationID, d.TaskID, d.OfferID, d.DecisionType, d.OriginalOfferPrice,
		d.RecommendedPrice, d.ConfidenceScore, d.NashPrice, d.MarketValue, d.Reasoning, d.ExecutionTimeMs,
		d.CreatedAt)
	if err != nil {
		return negotiation.AgentDecision{}, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

func (s *Store) GetDecision(ctx context.Context, id string) (negotiation.AgentDecision, error) {
	var d negotiation.AgentDecision
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM agent_decisions WHERE id = ?;`, id)
	if err := scanDecision(row.Scan, &d); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, negotiation.Errorf(negotiation.CodeNotFound, "decision %s not found", id)
		}
		return d, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns a negotiation's decisions oldest first.
func (s *Store) ListDecisions(ctx context.Context, negotiationID string) ([]negotiation.AgentDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM agent_decisions
		WHERE negotiation_id = ? ORDER BY created_at ASC, id ASC;
	`, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	out := []negotiation.AgentDecision{}
	for rows.Next() {
		var d negotiation.AgentDecision
		if err := scanDecision(rows.Scan, &d); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AcknowledgeDecision marks a decision as seen by the negotiation's seller.
// Acknowledging twice keeps the first timestamp.
func (s *Store) AcknowledgeDecision(ctx context.Context, id, sellerID string, now time.Time) (negotiation.AgentDecision, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		SELECT n.seller_id FROM agent_decisions d
		JOIN negotiations n ON n.id = d.negotiation_id
		WHERE d.id = ?;
	`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return negotiation.AgentDecision{}, negotiation.Errorf(negotiation.CodeNotFound, "decision %s not found", id)
	}
	if err != nil {
		return negotiation.AgentDecision{}, fmt.Errorf("lookup decision owner: %w", err)
	}
	if owner != sellerID {
		return negotiation.AgentDecision{}, negotiation.Errorf(negotiation.CodeUnauthorized, "only the seller can acknowledge decisions")
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agent_decisions SET acknowledged_at = COALESCE(acknowledged_at, ?) WHERE id = ?;
	`, now.UTC(), id); err != nil {
		return negotiation.AgentDecision{}, fmt.Errorf("acknowledge decision: %w", err)
	}
	return s.GetDecision(ctx, id)
}
