package storage

import (
	"context"

	"github.com/italolelis/media_downloader/internal/download"
)

// SchemaVersion is written with every record. Changes to the layout are
// additive only, so older records stay readable.
const SchemaVersion = 1

// ItemReadRepository loads the persisted queue.
type ItemReadRepository interface {
	LoadItems(ctx context.Context) ([]download.Item, error)
}

// ItemWriteRepository persists queue changes. The queue manager is its only
// writer.
type ItemWriteRepository interface {
	// SaveItem inserts or fully replaces the record for item.ID.
	SaveItem(ctx context.Context, item download.Item) error
	// UpdateProgress touches only the byte counters and applies only while
	// the stored status is still downloading. It reports whether a record
	// was changed.
	UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64) (bool, error)
	DeleteItems(ctx context.Context, ids ...string) error
}

type ItemRepository interface {
	ItemReadRepository
	ItemWriteRepository
}
