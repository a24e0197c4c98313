package storage

import (
	"context"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/telemetry"
)

// InstrumentedItemRepository wraps an ItemRepository with telemetry.
type InstrumentedItemRepository struct {
	repo      ItemRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedItemRepository creates a new instrumented item repository.
func NewInstrumentedItemRepository(repo ItemRepository, tel *telemetry.Telemetry) *InstrumentedItemRepository {
	return &InstrumentedItemRepository{
		repo:      repo,
		telemetry: tel,
	}
}

// LoadItems retrieves all items with telemetry.
func (r *InstrumentedItemRepository) LoadItems(ctx context.Context) ([]download.Item, error) {
	var result []download.Item

	err := r.telemetry.InstrumentDBOperation(ctx, "load_items", func(ctx context.Context) error {
		var err error
		result, err = r.repo.LoadItems(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// SaveItem persists an item with telemetry.
func (r *InstrumentedItemRepository) SaveItem(ctx context.Context, item download.Item) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_item", func(ctx context.Context) error {
		return r.repo.SaveItem(ctx, item)
	})
}

// UpdateProgress updates byte counters with telemetry.
func (r *InstrumentedItemRepository) UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64) (bool, error) {
	var applied bool

	err := r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		var err error
		applied, err = r.repo.UpdateProgress(ctx, id, downloaded, total, progress)

		return err
	})

	return applied, err
}

// DeleteItems removes items with telemetry.
func (r *InstrumentedItemRepository) DeleteItems(ctx context.Context, ids ...string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_items", func(ctx context.Context) error {
		return r.repo.DeleteItems(ctx, ids...)
	})
}
