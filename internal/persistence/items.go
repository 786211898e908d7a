package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/haggle/internal/negotiation"
)

const itemColumns = `id, seller_id, title, description, asking_price, furniture_type, condition,
	status, agent_enabled, views_count, listed_at, updated_at`

func scanItem(scan func(dest ...any) error, it *negotiation.Item) error {
	var agent int
	if err := scan(&it.ID, &it.SellerID, &it.Title, &it.Description, &it.AskingPrice,
		&it.FurnitureType, &it.Condition, &it.Status, &agent, &it.ViewsCount,
		&it.ListedAt, &it.UpdatedAt); err != nil {
		return err
	}
	it.AgentEnabled = agent == 1
	return nil
}

func (s *Store) CreateItem(ctx context.Context, it negotiation.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, it.ID, it.SellerID, it.Title, it.Description, it.AskingPrice, it.FurnitureType, it.Condition,
		it.Status, boolToInt(it.AgentEnabled), it.ViewsCount, it.ListedAt.UTC(), it.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id string) (negotiation.Item, error) {
	var it negotiation.Item
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?;`, id)
	if err := scanItem(row.Scan, &it); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return negotiation.Item{}, negotiation.Errorf(negotiation.CodeNotFound, "item %s not found", id)
		}
		return negotiation.Item{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *Store) SetItemAgentEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET agent_enabled = ?, updated_at = ? WHERE id = ?;
	`, boolToInt(enabled), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("update item agent flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return negotiation.Errorf(negotiation.CodeNotFound, "item %s not found", id)
	}
	return nil
}

// ListAvailableItems pages through items buyers can still make offers on,
// newest listing first. furnitureType filters when set.
func (s *Store) ListAvailableItems(ctx context.Context, furnitureType string, limit, offset int) ([]negotiation.Item, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := `WHERE status IN ('active','under_negotiation')`
	var args []any
	if furnitureType != "" {
		where += ` AND furniture_type = ?`
		args = append(args, furnitureType)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items `+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items `+where+`
		ORDER BY listed_at DESC, id DESC LIMIT ? OFFSET ?;
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	out := []negotiation.Item{}
	for rows.Next() {
		var it negotiation.Item
		if err := scanItem(rows.Scan, &it); err != nil {
			return nil, 0, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, total, rows.Err()
}

// IncrementItemViews bumps the view counter shown to sellers.
func (s *Store) IncrementItemViews(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE items SET views_count = views_count + 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

// restoreItemTx returns an item under negotiation to active once it has no
// open negotiation left.
func restoreItemTx(ctx context.Context, tx *sql.Tx, itemID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE items SET status = 'active', updated_at = ?
		WHERE id = ? AND status = 'under_negotiation'
		  AND NOT EXISTS (
			SELECT 1 FROM negotiations
			WHERE item_id = ? AND status IN ('active','buyer_accepted','deal_pending')
		  );
	`, now, itemID, itemID)
	if err != nil {
		return fmt.Errorf("restore item status: %w", err)
	}
	return nil
}
