package queue

import (
	"sort"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/fsys"
)

// List returns copies of every item in insertion order.
func (m *Manager) List() []*download.Item {
	return m.filter(func(*download.Item) bool { return true })
}

// Grouped returns items clustered by group, newest group first.
func (m *Manager) Grouped() []download.Group {
	return download.GroupItems(m.List())
}

// ActiveItems returns pending, downloading and paused items.
func (m *Manager) ActiveItems() []*download.Item {
	return m.filter(func(it *download.Item) bool { return it.Status.IsActive() })
}

func (m *Manager) FailedItems() []*download.Item {
	return m.filter(func(it *download.Item) bool { return it.Status == download.StatusFailed })
}

func (m *Manager) CompletedItems() []*download.Item {
	return m.filter(func(it *download.Item) bool { return it.Status == download.StatusCompleted })
}

func (m *Manager) TotalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

// CountByStatus returns how many items are in each status.
func (m *Manager) CountByStatus() map[download.Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[download.Status]int)
	for _, it := range m.items {
		counts[it.Status]++
	}

	return counts
}

// Get returns a copy of one item.
func (m *Manager) Get(id string) (*download.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return nil, false
	}

	return it.Clone(), true
}

func (m *Manager) filter(keep func(*download.Item) bool) []*download.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*download.Item, 0, len(m.items))

	for _, it := range m.sorted() {
		if keep(it) {
			out = append(out, it.Clone())
		}
	}

	return out
}

// sorted returns the live items ordered by Seq. Caller holds m.mu.
func (m *Manager) sorted() []*download.Item {
	items := make([]*download.Item, 0, len(m.items))
	for _, it := range m.items {
		items = append(items, it)
	}

	sort.Slice(items, func(a, b int) bool { return items[a].Seq < items[b].Seq })

	return items
}

// PartialPaths returns the partial files items may still resume from.
func (m *Manager) PartialPaths() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make(map[string]bool, len(m.items))

	for _, it := range m.items {
		if !it.Status.IsTerminal() {
			paths[fsys.PartialPath(it.DestinationPath)] = true
		}
	}

	return paths
}
