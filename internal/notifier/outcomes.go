package notifier

import (
	"context"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/events"
	"github.com/italolelis/media_downloader/internal/logctx"
)

type EventSource interface {
	Subscribe(handler events.Handler, opts ...events.SubscribeOption) func()
}

type ItemLookup interface {
	Get(id string) (*download.Item, bool)
}

// NotifyOutcomes sends a message for every item that completes or fails. The
// returned function stops the subscription.
func NotifyOutcomes(ctx context.Context, src EventSource, items ItemLookup, n Notifier) func() {
	logger := logctx.LoggerFromContext(ctx)

	return src.Subscribe(func(e events.Event) {
		if e.Kind != events.KindStatusChanged {
			return
		}

		var content string

		switch e.Status {
		case download.StatusCompleted:
			content = "✅ Download finished: " + describe(items, e.ItemID)
		case download.StatusFailed:
			content = "❌ Download failed: " + describe(items, e.ItemID)
			if e.ErrorMessage != "" {
				content += " (" + e.ErrorMessage + ")"
			}
		default:
			return
		}

		if err := n.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "item_id", e.ItemID, "err", err)
		}
	})
}

func describe(items ItemLookup, id string) string {
	it, ok := items.Get(id)
	if !ok {
		return id
	}

	if it.Group.IsUngrouped() {
		return it.Filename
	}

	return it.Filename + " in " + it.Group.DisplayTitle()
}
