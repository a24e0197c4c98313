// Package redis stores queue items in Redis as JSON documents.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/logctx"
	"github.com/italolelis/media_downloader/internal/storage"
	"github.com/redis/go-redis/v9"
)

// updateProgress mirrors the SQLite guard: counters change only while the
// stored status is still downloading.
var updateProgress = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local item = cjson.decode(raw)
if item.status ~= ARGV[5] then
	return 0
end
item.bytes_downloaded = tonumber(ARGV[1])
item.total_bytes = tonumber(ARGV[2])
item.progress = tonumber(ARGV[3])
item.updated_at = ARGV[4]
redis.call('SET', KEYS[1], cjson.encode(item))
return 1
`)

type record struct {
	SchemaVersion   int     `json:"schema_version"`
	ID              string  `json:"id"`
	Seq             int64   `json:"seq"`
	SourceURL       string  `json:"source_url"`
	DestinationPath string  `json:"destination_path"`
	Filename        string  `json:"filename"`
	MediaType       string  `json:"media_type"`
	Board           string  `json:"board"`
	Thread          string  `json:"thread"`
	Status          string  `json:"status"`
	Progress        float64 `json:"progress"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes"`
	ErrorMessage    string  `json:"error_message"`
	ResumeToken     []byte  `json:"resume_token,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// ItemRepository implements storage.ItemRepository on Redis. Each item is a
// JSON string under "<prefix>:item:<id>" and the ids live in "<prefix>:items".
type ItemRepository struct {
	client *redis.Client
	prefix string
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func NewItemRepository(client *redis.Client, prefix string) *ItemRepository {
	if prefix == "" {
		prefix = "media_downloader"
	}

	return &ItemRepository{client: client, prefix: prefix}
}

func (r *ItemRepository) indexKey() string {
	return r.prefix + ":items"
}

func (r *ItemRepository) itemKey(id string) string {
	return r.prefix + ":item:" + id
}

func (r *ItemRepository) LoadItems(ctx context.Context) ([]download.Item, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.itemKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}

	items := make([]download.Item, 0, len(values))

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a document; the item was deleted halfway.
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", ids[i], err)
		}

		items = append(items, rec.item(ctx))
	}

	sort.Slice(items, func(a, b int) bool { return items[a].Seq < items[b].Seq })

	return items, nil
}

func (r *ItemRepository) SaveItem(ctx context.Context, item download.Item) error {
	data, err := json.Marshal(newRecord(item))
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.itemKey(item.ID), data, 0)
		pipe.SAdd(ctx, r.indexKey(), item.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save item %s: %w", item.ID, err)
	}

	return nil
}

func (r *ItemRepository) UpdateProgress(ctx context.Context, id string, downloaded, total int64, progress float64) (bool, error) {
	n, err := updateProgress.Run(ctx, r.client, []string{r.itemKey(id)},
		downloaded, total, progress, time.Now().Format(time.RFC3339Nano), string(download.StatusDownloading),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to update progress for %s: %w", id, err)
	}

	return n == 1, nil
}

func (r *ItemRepository) DeleteItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))

	for i, id := range ids {
		keys[i] = r.itemKey(id)
		members[i] = id
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, r.indexKey(), members...)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}

	return nil
}

var _ storage.ItemRepository = (*ItemRepository)(nil)

func newRecord(item download.Item) record {
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return record{
		SchemaVersion:   storage.SchemaVersion,
		ID:              item.ID,
		Seq:             item.Seq,
		SourceURL:       item.SourceURL,
		DestinationPath: item.DestinationPath,
		Filename:        item.Filename,
		MediaType:       string(item.MediaType),
		Board:           item.Group.Board,
		Thread:          item.Group.Thread,
		Status:          string(item.Status),
		Progress:        item.Progress,
		BytesDownloaded: item.BytesDownloaded,
		TotalBytes:      item.TotalBytes,
		ErrorMessage:    item.ErrorMessage,
		ResumeToken:     item.ResumeToken,
		CreatedAt:       item.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       updatedAt.Format(time.RFC3339Nano),
	}
}

func (r record) item(ctx context.Context) download.Item {
	created := r.parseTime(ctx, "created_at", r.CreatedAt)
	updated := r.parseTime(ctx, "updated_at", r.UpdatedAt)

	return download.Item{
		ID:              r.ID,
		SourceURL:       r.SourceURL,
		DestinationPath: r.DestinationPath,
		Filename:        r.Filename,
		MediaType:       download.MediaType(r.MediaType),
		Group:           download.GroupKey{Board: r.Board, Thread: r.Thread},
		Status:          download.Status(r.Status),
		Progress:        r.Progress,
		BytesDownloaded: r.BytesDownloaded,
		TotalBytes:      r.TotalBytes,
		ErrorMessage:    r.ErrorMessage,
		ResumeToken:     r.ResumeToken,
		Seq:             r.Seq,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
}

// parseTime reads a stored timestamp. A corrupt value is logged and read as
// the zero time so one bad document does not hide the rest of the queue.
func (r record) parseTime(ctx context.Context, field, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("invalid stored timestamp", "item_id", r.ID, "field", field, "value", value, "err", err)
	}

	return t
}
