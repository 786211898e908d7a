package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/haggle/internal/negotiation"
)

// GetProfile returns the seller's saved profile. ok is false when none exists.
func (s *Store) GetProfile(ctx context.Context, sellerID string) (negotiation.SellerAgentProfile, bool, error) {
	var p negotiation.SellerAgentProfile
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT seller_id, enabled, aggressiveness_level, auto_accept_threshold, min_acceptable_ratio,
			response_delay_minutes, selling_priority, personality, updated_at
		FROM seller_agent_profiles WHERE seller_id = ?;
	`, sellerID).Scan(&p.SellerID, &enabled, &p.AggressivenessLevel, &p.AutoAcceptThreshold,
		&p.MinAcceptableRatio, &p.ResponseDelayMinutes, &p.SellingPriority, &p.Personality, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return negotiation.SellerAgentProfile{}, false, nil
	}
	if err != nil {
		return negotiation.SellerAgentProfile{}, false, fmt.Errorf("get profile: %w", err)
	}
	p.Enabled = enabled == 1
	return p, true, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p negotiation.SellerAgentProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seller_agent_profiles (
			seller_id, enabled, aggressiveness_level, auto_accept_threshold, min_acceptable_ratio,
			response_delay_minutes, selling_priority, personality, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seller_id) DO UPDATE SET
			enabled = excluded.enabled,
			aggressiveness_level = excluded.aggressiveness_level,
			auto_accept_threshold = excluded.auto_accept_threshold,
			min_acceptable_ratio = excluded.min_acceptable_ratio,
			response_delay_minutes = excluded.response_delay_minutes,
			selling_priority = excluded.selling_priority,
			personality = excluded.personality,
			updated_at = excluded.updated_at;
	`, p.SellerID, boolToInt(p.Enabled), p.AggressivenessLevel, p.AutoAcceptThreshold, p.MinAcceptableRatio,
		p.ResponseDelayMinutes, p.SellingPriority, p.Personality, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}
