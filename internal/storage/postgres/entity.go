package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"timeline_tracker/internal/domain"
)

type EntityRecord struct {
	domain.TrackedEntity
	LastItemID int64 `db:"last_item_id" json:"last_item_id"`
}

type EntityStore struct {
	db *sqlx.DB
}

func NewEntityStore(db *sqlx.DB) *EntityStore {
	return &EntityStore{db: db}
}

// Upsert records the entity and raises its last_item_id; the stored value
// never decreases. An empty display name keeps the stored one.
func (s *EntityStore) Upsert(ctx context.Context, e domain.TrackedEntity, lastItemID int64) error {
	query := `
		INSERT INTO tracked_entities (entity_key, name, display_name, last_item_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_key) DO UPDATE SET
			name = EXCLUDED.name,
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), tracked_entities.display_name),
			last_item_id = GREATEST(tracked_entities.last_item_id, EXCLUDED.last_item_id),
			updated_at = NOW()`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, e.Key, e.Name, e.DisplayName, lastItemID)
	return err
}

func (s *EntityStore) Get(ctx context.Context, key string) (*EntityRecord, error) {
	var rec EntityRecord
	query := `
		SELECT entity_key, name, display_name, last_item_id
		FROM tracked_entities
		WHERE entity_key = $1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &rec, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
