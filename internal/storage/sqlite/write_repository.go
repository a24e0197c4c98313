package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/storage"
)

// ItemWriteRepository implements storage.ItemWriteRepository on SQLite.
type ItemWriteRepository struct {
	db *sql.DB
}

func NewItemWriteRepository(db *sql.DB) *ItemWriteRepository {
	return &ItemWriteRepository{db: db}
}

func (r *ItemWriteRepository) SaveItem(ctx context.Context, item download.Item) error {
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO download_items (
			id, schema_version, seq, source_url, destination_path, filename, media_type,
			board, thread, status, progress, bytes_downloaded, total_bytes,
			error_message, resume_token, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			schema_version = excluded.schema_version,
			source_url = excluded.source_url,
			destination_path = excluded.destination_path,
			filename = excluded.filename,
			media_type = excluded.media_type,
			board = excluded.board,
			thread = excluded.thread,
			status = excluded.status,
			progress = excluded.progress,
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			error_message = excluded.error_message,
			resume_token = excluded.resume_token,
			updated_at = excluded.updated_at`,
		item.ID, storage.SchemaVersion, item.Seq, item.SourceURL, item.DestinationPath, item.Filename,
		string(item.MediaType), item.Group.Board, item.Group.Thread, string(item.Status),
		item.Progress, item.BytesDownloaded, item.TotalBytes, item.ErrorMessage, item.ResumeToken,
		item.CreatedAt.Format(timeLayout), updatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", item.ID, err)
	}

	return nil
}

// UpdateProgress only applies while the row is downloading so a late flush
// cannot clobber a status written after it was queued.
func (r *ItemWriteRepository) UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE download_items
		SET bytes_downloaded = ?, total_bytes = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		downloaded, total, progress, time.Now().Format(timeLayout), id, string(download.StatusDownloading),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update progress for %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *ItemWriteRepository) DeleteItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	if _, err := r.db.ExecContext(ctx, `DELETE FROM download_items WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}

	return nil
}
