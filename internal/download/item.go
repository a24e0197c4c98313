package download

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// MediaType tags an item for display purposes only.
type MediaType string

const (
	MediaImage         MediaType = "image"
	MediaAnimatedImage MediaType = "animated_image"
	MediaVideo         MediaType = "video"
	MediaOther         MediaType = "other"
)

// MediaTypeFromFilename classifies a file by its extension.
func MediaTypeFromFilename(name string) MediaType {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp", ".avif":
		return MediaImage
	case ".gif", ".apng":
		return MediaAnimatedImage
	case ".webm", ".mp4", ".mov", ".mkv", ".m4v":
		return MediaVideo
	default:
		return MediaOther
	}
}

// GroupKey identifies the origin of an item. The zero value is the
// ungrouped sentinel.
type GroupKey struct {
	Board  string
	Thread string
}

// Ungrouped is the key for items without a natural origin.
var Ungrouped = GroupKey{}

const ungroupedName = "ungrouped"

func (g GroupKey) IsUngrouped() bool {
	return g.Board == "" && g.Thread == ""
}

// String renders the key as "board/thread", or "ungrouped".
func (g GroupKey) String() string {
	if g.IsUngrouped() {
		return ungroupedName
	}

	if g.Thread == "" {
		return g.Board
	}

	return g.Board + "/" + g.Thread
}

// DisplayTitle is the human readable title used when listing groups.
func (g GroupKey) DisplayTitle() string {
	switch {
	case g.IsUngrouped():
		return "Ungrouped"
	case g.Thread == "":
		return "/" + g.Board + "/"
	case g.Board == "":
		return "Thread " + g.Thread
	default:
		return fmt.Sprintf("/%s/ - Thread %s", g.Board, g.Thread)
	}
}

// Dir is the relative directory used for files of this group.
func (g GroupKey) Dir() string {
	if g.IsUngrouped() {
		return ungroupedName
	}

	if g.Thread == "" {
		return g.Board
	}

	return path.Join(g.Board, g.Thread)
}

// Item is one requested transfer and its tracked state.
type Item struct {
	ID              string
	SourceURL       string
	DestinationPath string
	Filename        string
	MediaType       MediaType
	Group           GroupKey
	Status          Status
	Progress        float64
	BytesDownloaded int64
	TotalBytes      int64
	ErrorMessage    string
	ResumeToken     []byte
	Seq             int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	c := *i
	if i.ResumeToken != nil {
		c.ResumeToken = append([]byte(nil), i.ResumeToken...)
	}

	return &c
}

// SetBytes records a progress sample, keeping progress strictly below 1
// until the item completes.
func (i *Item) SetBytes(downloaded, total int64) {
	if downloaded < 0 {
		downloaded = 0
	}

	if total < 0 {
		total = 0
	}

	if total > 0 && downloaded > total {
		total = downloaded
	}

	i.BytesDownloaded = downloaded
	i.TotalBytes = total
	i.Progress = fraction(downloaded, total)
}

// MarkCompleted moves counters to their final values.
func (i *Item) MarkCompleted() {
	if i.TotalBytes < i.BytesDownloaded {
		i.TotalBytes = i.BytesDownloaded
	}

	i.BytesDownloaded = i.TotalBytes
	i.Progress = 1
	i.ErrorMessage = ""
	i.ResumeToken = nil
}

func fraction(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}

	p := float64(downloaded) / float64(total)
	if p >= 1 {
		// 1.0 is reserved for completed items.
		return 0.999
	}

	return p
}

// FilenameFromURL extracts the last path segment of a source URL.
func FilenameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid source url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid source url %q: missing scheme or host", rawURL)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("invalid source url %q: no file name", rawURL)
	}

	return name, nil
}

// Group is the read-only projection of items sharing a key.
type Group struct {
	Key          GroupKey
	DisplayTitle string
	Items        []*Item
}

// GroupItems clusters items by key. Items keep insertion order inside a group
// and groups are ordered newest first.
func GroupItems(items []*Item) []Group {
	index := make(map[GroupKey]int)

	var groups []Group

	sorted := append([]*Item(nil), items...)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Seq < sorted[b].Seq })

	for _, it := range sorted {
		idx, ok := index[it.Group]
		if !ok {
			idx = len(groups)
			index[it.Group] = idx
			groups = append(groups, Group{Key: it.Group, DisplayTitle: it.Group.DisplayTitle()})
		}

		groups[idx].Items = append(groups[idx].Items, it)
	}

	sort.SliceStable(groups, func(a, b int) bool {
		return newest(groups[a]) > newest(groups[b])
	})

	return groups
}

func newest(g Group) int64 {
	return g.Items[len(g.Items)-1].Seq
}
