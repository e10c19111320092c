package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"timeline_tracker/internal/domain"
)

// Archive is a delivery sink that stores every delivered item together with
// its entity. Re-delivering an item is a no-op.
type Archive struct {
	db       *sqlx.DB
	entities *EntityStore
	items    *ItemStore
	tx       *TransactionManager
	logger   *slog.Logger
}

// Connect optionally applies migrations, then opens and pings the database.
func Connect(ctx context.Context, dsn string, migrate bool, logger *slog.Logger) (*sqlx.DB, error) {
	if migrate {
		if err := MigrateUp(dsn, logger); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func NewArchive(db *sqlx.DB, logger *slog.Logger) *Archive {
	return &Archive{
		db:       db,
		entities: NewEntityStore(db),
		items:    NewItemStore(db),
		tx:       NewTransactionManager(db),
		logger:   logger.With("sink", "postgres"),
	}
}

func (a *Archive) Name() string {
	return "postgres"
}

func (a *Archive) Deliver(ctx context.Context, item *domain.Item) error {
	var inserted bool
	err := a.tx.WithTransaction(ctx, func(ctx context.Context) error {
		entity := domain.TrackedEntity{Key: item.EntityKey, Name: item.EntityName}
		if err := a.entities.Upsert(ctx, entity, item.ID); err != nil {
			return fmt.Errorf("upsert entity: %w", err)
		}

		var err error
		inserted, err = a.items.Insert(ctx, item)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !inserted {
		a.logger.Debug("item already archived", "entity", item.EntityName, "item_id", item.ID)
	}
	return nil
}

// History is an archived entity with its newest items.
type History struct {
	Entity EntityRecord  `json:"entity"`
	Items  []domain.Item `json:"items"`
}

// History returns up to limit archived items for the entity, newest first,
// or nil when the entity was never archived.
func (a *Archive) History(ctx context.Context, key string, limit int) (*History, error) {
	rec, err := a.entities.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	items, err := a.items.Latest(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	for i := range items {
		items[i].EntityName = rec.Name
	}

	return &History{Entity: *rec, Items: items}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
