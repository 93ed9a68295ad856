package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FeedEntry maps one trading symbol to its on-chain feed accounts.
// Either address may be empty, but not both.
type FeedEntry struct {
	Symbol      string `yaml:"symbol"`
	Pyth        string `yaml:"pyth,omitempty"`
	Switchboard string `yaml:"switchboard,omitempty"`
}

// FeedsFile is the on-disk feed catalog.
type FeedsFile struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

// LoadFeeds reads and validates the feed catalog at path.
func LoadFeeds(path string) (FeedsFile, error) {
	var feeds FeedsFile

	data, err := os.ReadFile(path)
	if err != nil {
		return feeds, fmt.Errorf("failed to read feeds file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &feeds); err != nil {
		return feeds, fmt.Errorf("failed to parse feeds file %s: %w", path, err)
	}

	if len(feeds.Feeds) == 0 {
		return feeds, fmt.Errorf("feeds file %s lists no feeds", path)
	}

	seen := make(map[string]struct{}, len(feeds.Feeds))
	for i, entry := range feeds.Feeds {
		symbol := strings.TrimSpace(entry.Symbol)
		if symbol == "" {
			return feeds, fmt.Errorf("feed %d: symbol is required", i)
		}
		if entry.Pyth == "" && entry.Switchboard == "" {
			return feeds, fmt.Errorf("feed %s: needs at least one of pyth or switchboard", symbol)
		}
		if _, dup := seen[symbol]; dup {
			return feeds, fmt.Errorf("feed %s: duplicate symbol", symbol)
		}
		seen[symbol] = struct{}{}
		feeds.Feeds[i].Symbol = symbol
	}

	return feeds, nil
}
