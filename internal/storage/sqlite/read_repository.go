package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/logctx"
)

const timeLayout = time.RFC3339Nano

type ItemReadRepository struct {
	db *sql.DB
}

func NewItemReadRepository(dbConn *sql.DB) *ItemReadRepository {
	return &ItemReadRepository{db: dbConn}
}

// LoadItems returns every stored item ordered by insertion sequence.
func (r *ItemReadRepository) LoadItems(ctx context.Context) ([]download.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id,
			seq,
			source_url,
			destination_path,
			filename,
			media_type,
			board,
			thread,
			status,
			progress,
			bytes_downloaded,
			total_bytes,
			error_message,
			resume_token,
			created_at,
			updated_at
		FROM download_items
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []download.Item

	for rows.Next() {
		var (
			item                 download.Item
			mediaType, status    string
			createdAt, updatedAt string
		)

		if err := rows.Scan(
			&item.ID,
			&item.Seq,
			&item.SourceURL,
			&item.DestinationPath,
			&item.Filename,
			&mediaType,
			&item.Group.Board,
			&item.Group.Thread,
			&status,
			&item.Progress,
			&item.BytesDownloaded,
			&item.TotalBytes,
			&item.ErrorMessage,
			&item.ResumeToken,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		item.MediaType = download.MediaType(mediaType)
		item.Status = download.Status(status)
		item.CreatedAt = parseTime(ctx, item.ID, "created_at", createdAt)
		item.UpdatedAt = parseTime(ctx, item.ID, "updated_at", updatedAt)

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}

	return items, nil
}

// parseTime reads a stored timestamp. A corrupt value is logged and read as
// the zero time so one bad row does not hide the rest of the queue.
func parseTime(ctx context.Context, id, column, value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("invalid stored timestamp", "item_id", id, "column", column, "value", value, "err", err)
	}

	return t
}
