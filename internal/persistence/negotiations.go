package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/haggle/internal/negotiation"
)

const negotiationColumns = `id, item_id, seller_id, buyer_id, status, round_number, expires_at,
	final_price, created_at, updated_at, completed_at`

const offerColumns = `id, negotiation_id, offer_type, price, message, round_number,
	is_counter_offer, is_message_only, agent_generated, created_at`

const openStatuses = `('active','buyer_accepted','deal_pending')`

func scanNegotiation(scan func(dest ...any) error, n *negotiation.Negotiation) error {
	return scan(&n.ID, &n.ItemID, &n.SellerID, &n.BuyerID, &n.Status, &n.RoundNumber,
		&n.ExpiresAt, &n.FinalPrice, &n.CreatedAt, &n.UpdatedAt, &n.CompletedAt)
}

func scanOffer(scan func(dest ...any) error, o *negotiation.Offer) error {
	var counter, msgOnly, agent int
	if err := scan(&o.ID, &o.NegotiationID, &o.OfferType, &o.Price, &o.Message, &o.RoundNumber,
		&counter, &msgOnly, &agent, &o.CreatedAt); err != nil {
		return err
	}
	o.IsCounterOffer = counter == 1
	o.IsMessageOnly = msgOnly == 1
	o.AgentGenerated = agent == 1
	return nil
}

func (s *Store) GetNegotiation(ctx context.Context, id string) (negotiation.Negotiation, error) {
	var n negotiation.Negotiation
	row := s.db.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id = ?;`, id)
	if err := scanNegotiation(row.Scan, &n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return negotiation.Negotiation{}, negotiation.Errorf(negotiation.CodeNotFound, "negotiation %s not found", id)
		}
		return negotiation.Negotiation{}, fmt.Errorf("get negotiation: %w", err)
	}
	return n, nil
}

func (s *Store) FindOpenNegotiation(ctx context.Context, itemID, buyerID string) (*negotiation.Negotiation, error) {
	var n negotiation.Negotiation
	row := s.db.QueryRowContext(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE item_id = ? AND buyer_id = ? AND status IN `+openStatuses+`;
	`, itemID, buyerID)
	if err := scanNegotiation(row.Scan, &n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open negotiation: %w", err)
	}
	return &n, nil
}

func (s *Store) CreateNegotiation(ctx context.Context, n negotiation.Negotiation, first negotiation.Offer) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create negotiation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE items SET status = 'under_negotiation', updated_at = ?
			WHERE id = ? AND status IN ('active','under_negotiation');
		`, n.CreatedAt.UTC(), n.ItemID)
		if err != nil {
			return fmt.Errorf("mark item under negotiation: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return negotiation.Errorf(negotiation.CodeNotActive, "item %s is no longer available", n.ItemID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO negotiations (`+negotiationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, n.ID, n.ItemID, n.SellerID, n.BuyerID, n.Status, n.RoundNumber, n.ExpiresAt,
			n.FinalPrice, n.CreatedAt.UTC(), n.UpdatedAt.UTC(), n.CompletedAt); err != nil {
			if isUniqueViolation(err) {
				return negotiation.ErrAlreadyOpen
			}
			return fmt.Errorf("insert negotiation: %w", err)
		}
		if err := insertOfferTx(ctx, tx, first); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create negotiation: %w", err)
		}
		return nil
	})
}

func insertOfferTx(ctx context.Context, tx *sql.Tx, o negotiation.Offer) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, o.ID, o.NegotiationID, o.OfferType, o.Price, o.Message, o.RoundNumber,
		boolToInt(o.IsCounterOffer), boolToInt(o.IsMessageOnly), boolToInt(o.AgentGenerated), o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (s *Store) AppendOffer(ctx context.Context, p negotiation.AppendOfferParams) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append offer tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE negotiations SET round_number = ?, expires_at = ?, updated_at = ?
			WHERE id = ? AND status = 'active' AND round_number = ?;
		`, p.Offer.RoundNumber, p.ExpiresAt.UTC(), p.Offer.CreatedAt.UTC(), p.Offer.NegotiationID, p.ExpectRound)
		if err != nil {
			return fmt.Errorf("advance round: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return negotiation.ErrStaleWrite
		}
		if err := insertOfferTx(ctx, tx, p.Offer); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append offer: %w", err)
		}
		return nil
	})
}

func (s *Store) AppendMessage(ctx context.Context, o negotiation.Offer) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append message tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertOfferTx(ctx, tx, o); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE negotiations SET updated_at = ? WHERE id = ?;`,
			o.CreatedAt.UTC(), o.NegotiationID); err != nil {
			return fmt.Errorf("touch negotiation: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) Transition(ctx context.Context, p negotiation.TransitionParams) ([]negotiation.Negotiation, error) {
	if len(p.From) == 0 {
		return nil, errors.New("transition requires at least one source status")
	}
	now := p.Now.UTC()
	if p.Now.IsZero() {
		now = s.clock()
	}
	expectRound := -1
	if p.ExpectRound != nil {
		expectRound = *p.ExpectRound
	}
	var expires any
	if p.ExpiresAt != nil {
		expires = p.ExpiresAt.UTC()
	}
	var completedAt any
	if p.To == negotiation.StatusCompleted {
		completedAt = now
	}

	args := []any{
		p.To,
		p.FinalPrice.Valid, p.FinalPrice,
		p.ExpiresAt != nil, expires,
		now, completedAt, p.NegotiationID,
	}
	for _, st := range p.From {
		args = append(args, st)
	}
	args = append(args, expectRound, expectRound)

	var competing []negotiation.Negotiation
	err := retryOnBusy(ctx, 5, func() error {
		competing = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var itemID string
		if err := tx.QueryRowContext(ctx, `SELECT item_id FROM negotiations WHERE id = ?;`, p.NegotiationID).Scan(&itemID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return negotiation.Errorf(negotiation.CodeNotFound, "negotiation %s not found", p.NegotiationID)
			}
			return fmt.Errorf("load negotiation: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE negotiations SET
				status = ?,
				final_price = CASE WHEN ? THEN ? ELSE final_price END,
				expires_at = CASE WHEN ? THEN ? ELSE expires_at END,
				updated_at = ?,
				completed_at = COALESCE(?, completed_at)
			WHERE id = ? AND status IN (`+placeholders(len(p.From))+`)
			  AND (? < 0 OR round_number = ?);
		`, args...)
		if err != nil {
			return fmt.Errorf("update negotiation status: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return negotiation.ErrStaleWrite
		}

		if p.Record != nil {
			if err := insertOfferTx(ctx, tx, *p.Record); err != nil {
				return err
			}
		}

		closed := []string{p.NegotiationID}
		if p.SellItem {
			if _, err := tx.ExecContext(ctx, `UPDATE items SET status = 'sold', updated_at = ? WHERE id = ?;`, now, itemID); err != nil {
				return fmt.Errorf("mark item sold: %w", err)
			}
			competing, err = cancelCompetingTx(ctx, tx, itemID, p.NegotiationID, now)
			if err != nil {
				return err
			}
			for _, c := range competing {
				closed = append(closed, c.ID)
			}
		}
		if p.To.Terminal() {
			if err := failPendingTasksTx(ctx, tx, closed, "negotiation "+string(p.To), now); err != nil {
				return err
			}
		}
		if p.To == negotiation.StatusCancelled {
			if err := restoreItemTx(ctx, tx, itemID, now); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return competing, nil
}

func cancelCompetingTx(ctx context.Context, tx *sql.Tx, itemID, winnerID string, now time.Time) ([]negotiation.Negotiation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE item_id = ? AND id != ? AND status IN `+openStatuses+`;
	`, itemID, winnerID)
	if err != nil {
		return nil, fmt.Errorf("select competing negotiations: %w", err)
	}
	var out []negotiation.Negotiation
	for rows.Next() {
		var n negotiation.Negotiation
		if err := scanNegotiation(rows.Scan, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan competing negotiation: %w", err)
		}
		out = append(out, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE negotiations SET status = 'cancelled', updated_at = ? WHERE id = ?;
		`, now, out[i].ID); err != nil {
			return nil, fmt.Errorf("cancel competing negotiation: %w", err)
		}
		out[i].Status = negotiation.StatusCancelled
		out[i].UpdatedAt = now
	}
	return out, nil
}

func (s *Store) ExpireNegotiations(ctx context.Context, now time.Time) ([]negotiation.Negotiation, error) {
	now = now.UTC()
	var expired []negotiation.Negotiation
	err := retryOnBusy(ctx, 5, func() error {
		expired = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expiry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+negotiationColumns+` FROM negotiations
			WHERE status IN `+openStatuses+` AND expires_at IS NOT NULL AND expires_at <= ?;
		`, now)
		if err != nil {
			return fmt.Errorf("select expired negotiations: %w", err)
		}
		for rows.Next() {
			var n negotiation.Negotiation
			if err := scanNegotiation(rows.Scan, &n); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired negotiation: %w", err)
			}
			expired = append(expired, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ids := make([]string, 0, len(expired))
		items := map[string]struct{}{}
		for i := range expired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE negotiations SET status = 'cancelled', updated_at = ? WHERE id = ?;
			`, now, expired[i].ID); err != nil {
				return fmt.Errorf("expire negotiation: %w", err)
			}
			expired[i].Status = negotiation.StatusCancelled
			expired[i].UpdatedAt = now
			ids = append(ids, expired[i].ID)
			items[expired[i].ItemID] = struct{}{}
		}
		if err := failPendingTasksTx(ctx, tx, ids, "negotiation expired", now); err != nil {
			return err
		}
		for itemID := range items {
			if err := restoreItemTx(ctx, tx, itemID, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Store) LatestPricedOffer(ctx context.Context, negotiationID string) (*negotiation.Offer, error) {
	var o negotiation.Offer
	row := s.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE negotiation_id = ? AND price IS NOT NULL
		ORDER BY round_number DESC, created_at DESC, id DESC
		LIMIT 1;
	`, negotiationID)
	if err := scanOffer(row.Scan, &o); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest priced offer: %w", err)
	}
	return &o, nil
}

func (s *Store) queryOffers(ctx context.Context, query string, args ...any) ([]negotiation.Offer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()
	out := []negotiation.Offer{}
	for rows.Next() {
		var o negotiation.Offer
		if err := scanOffer(rows.Scan, &o); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ListOffers(ctx context.Context, negotiationID string) ([]negotiation.Offer, error) {
	return s.queryOffers(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE negotiation_id = ?
		ORDER BY created_at ASC, id ASC;
	`, negotiationID)
}

// ListItemOffers returns every offer on every negotiation for the item.
func (s *Store) ListItemOffers(ctx context.Context, itemID string) ([]negotiation.Offer, error) {
	return s.queryOffers(ctx, `
		SELECT o.id, o.negotiation_id, o.offer_type, o.price, o.message, o.round_number,
			o.is_counter_offer, o.is_message_only, o.agent_generated, o.created_at
		FROM offers o JOIN negotiations n ON n.id = o.negotiation_id
		WHERE n.item_id = ?
		ORDER BY o.created_at ASC, o.id ASC;
	`, itemID)
}

func (s *Store) queryNegotiations(ctx context.Context, query string, args ...any) ([]negotiation.Negotiation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query negotiations: %w", err)
	}
	defer rows.Close()
	out := []negotiation.Negotiation{}
	for rows.Next() {
		var n negotiation.Negotiation
		if err := scanNegotiation(rows.Scan, &n); err != nil {
			return nil, fmt.Errorf("scan negotiation: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListItemNegotiations(ctx context.Context, itemID string) ([]negotiation.Negotiation, error) {
	return s.queryNegotiations(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE item_id = ? ORDER BY updated_at DESC, id DESC;
	`, itemID)
}

func (s *Store) ListNegotiationsForUser(ctx context.Context, userID string) ([]negotiation.Negotiation, error) {
	return s.queryNegotiations(ctx, `
		SELECT `+negotiationColumns+` FROM negotiations
		WHERE buyer_id = ? OR seller_id = ?
		ORDER BY updated_at DESC, id DESC;
	`, userID, userID)
}

func (s *Store) ActiveBuyerOffers(ctx context.Context, itemID string) ([]negotiation.BuyerBid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.buyer_id, o.price, o.created_at
		FROM negotiations n
		JOIN offers o ON o.id = (
			SELECT id FROM offers
			WHERE negotiation_id = n.id AND offer_type = 'buyer' AND price IS NOT NULL
			ORDER BY round_number DESC, created_at DESC, id DESC
			LIMIT 1
		)
		WHERE n.item_id = ? AND n.status = 'active'
		ORDER BY o.created_at ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("active buyer offers: %w", err)
	}
	defer rows.Close()
	var out []negotiation.BuyerBid
	for rows.Next() {
		var b negotiation.BuyerBid
		if err := rows.Scan(&b.NegotiationID, &b.BuyerID, &b.Price, &b.At); err != nil {
			return nil, fmt.Errorf("scan buyer bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// NegotiationCounts returns the number of negotiations per status.
func (s *Store) NegotiationCounts(ctx context.Context) (map[negotiation.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM negotiations GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("negotiation counts: %w", err)
	}
	defer rows.Close()
	out := map[negotiation.Status]int{}
	for rows.Next() {
		var st negotiation.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
