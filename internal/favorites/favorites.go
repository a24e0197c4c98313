// Package favorites assigns a default group to new items from a YAML file of
// favourite threads.
package favorites

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/italolelis/media_downloader/internal/download"
	"github.com/italolelis/media_downloader/internal/logctx"
	"gopkg.in/yaml.v3"
)

// DefaultMediaHosts are hosts whose first path segment names the board.
var DefaultMediaHosts = []string{"i.4cdn.org", "is2.4chan.org", "i.4chan.org"}

type yamlFile struct {
	MediaHosts []string     `yaml:"media_hosts"`
	Threads    []yamlThread `yaml:"threads"`
}

type yamlThread struct {
	Board  string   `yaml:"board"`
	Thread string   `yaml:"thread"`
	Match  []string `yaml:"match"`
}

type rule struct {
	prefix string
	key    download.GroupKey
}

// Source resolves groups from loaded favourites. The zero value knows only
// DefaultMediaHosts.
type Source struct {
	rules []rule
	hosts map[string]bool
}

// New builds a source from explicit favourites.
func New(hosts []string, threads map[download.GroupKey][]string) *Source {
	s := &Source{hosts: make(map[string]bool)}

	for _, h := range hosts {
		s.hosts[strings.ToLower(h)] = true
	}

	for key, prefixes := range threads {
		for _, p := range prefixes {
			if p != "" {
				s.rules = append(s.rules, rule{prefix: p, key: key})
			}
		}
	}

	return s
}

// LoadOrDefault is Load for startup, where favourites are best effort: an
// unreadable or invalid file is logged and only DefaultMediaHosts are used.
func LoadOrDefault(ctx context.Context, path string) *Source {
	s, err := Load(path)
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("ignoring favorites file", "path", path, "err", err)

		return New(DefaultMediaHosts, nil)
	}

	return s
}

// Load reads the favourites file at path. A missing file yields a source
// that only knows DefaultMediaHosts.
func Load(path string) (*Source, error) {
	if path == "" {
		return New(DefaultMediaHosts, nil), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(DefaultMediaHosts, nil), nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read favorites file: %w", err)
	}

	var yf yamlFile
	if err := yaml.Unmarshal(data, &yf); err != nil {
		return nil, fmt.Errorf("failed to parse favorites file: %w", err)
	}

	hosts := yf.MediaHosts
	if len(hosts) == 0 {
		hosts = DefaultMediaHosts
	}

	threads := make(map[download.GroupKey][]string)

	for _, t := range yf.Threads {
		if t.Board == "" {
			return nil, fmt.Errorf("invalid favorites file: thread %q has no board", t.Thread)
		}

		key := download.GroupKey{Board: t.Board, Thread: t.Thread}
		threads[key] = append(threads[key], t.Match...)
	}

	return New(hosts, threads), nil
}

// ResolveGroup returns the group of the longest favourite prefix matching
// rawURL, or the board of a known media host.
func (s *Source) ResolveGroup(_ context.Context, rawURL string) (download.GroupKey, bool) {
	if s == nil {
		return download.Ungrouped, false
	}

	best := -1

	for i, r := range s.rules {
		if strings.HasPrefix(rawURL, r.prefix) && (best < 0 || len(r.prefix) > len(s.rules[best].prefix)) {
			best = i
		}
	}

	if best >= 0 {
		return s.rules[best].key, true
	}

	u, err := url.Parse(rawURL)
	if err != nil || !s.hosts[strings.ToLower(u.Hostname())] {
		return download.Ungrouped, false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		return download.Ungrouped, false
	}

	return download.GroupKey{Board: segments[0]}, true
}
