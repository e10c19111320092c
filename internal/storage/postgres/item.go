package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"timeline_tracker/internal/domain"
)

type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

type itemRow struct {
	EntityKey string    `db:"entity_key"`
	ItemID    int64     `db:"item_id"`
	AccountID string    `db:"account_id"`
	URL       string    `db:"url"`
	Payload   []byte    `db:"payload"`
	FetchedAt time.Time `db:"fetched_at"`
}

// Insert archives the item. It reports false when (entity_key, item_id) was
// already stored.
func (s *ItemStore) Insert(ctx context.Context, item *domain.Item) (bool, error) {
	query := `
		INSERT INTO items (entity_key, item_id, account_id, url, payload, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_key, item_id) DO NOTHING`

	var payload any
	if len(item.Payload) > 0 {
		payload = string(item.Payload)
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		item.EntityKey,
		item.ID,
		item.AccountID,
		item.URL,
		payload,
		item.FetchedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Latest returns up to limit archived items for the entity, newest first.
func (s *ItemStore) Latest(ctx context.Context, entityKey string, limit int) ([]domain.Item, error) {
	query := `
		SELECT i.entity_key, i.item_id, i.account_id, i.url, i.payload, i.fetched_at
		FROM items i
		WHERE i.entity_key = $1
		ORDER BY i.item_id DESC
		LIMIT $2`

	var rows []itemRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, entityKey, limit); err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, domain.Item{
			ID:        r.ItemID,
			EntityKey: r.EntityKey,
			AccountID: r.AccountID,
			URL:       r.URL,
			Payload:   r.Payload,
			FetchedAt: r.FetchedAt,
		})
	}
	return items, nil
}
