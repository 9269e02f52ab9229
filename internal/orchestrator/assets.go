package orchestrator

import (
	"mime"
	"path"
	"sort"
	"strings"
	"sync"

	"git.home.luguber.info/inful/packd/internal/bundle"
)

// AssetEntry is one cached build output file.
type AssetEntry struct {
	Filename string `json:"filename"`
	Contents []byte `json:"-"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
	// Stale is set when the entry comes from an earlier build because the
	// latest one failed.
	Stale bool `json:"stale,omitempty"`
}

// assetCache holds the output of the latest successful build per platform.
type assetCache struct {
	mu     sync.RWMutex
	assets map[string]map[string]AssetEntry
}

func newAssetCache() *assetCache {
	return &assetCache{assets: make(map[string]map[string]AssetEntry)}
}

// Replace swaps the whole asset set of platform.
func (c *assetCache) Replace(platform string, assets []bundle.Asset) {
	next := make(map[string]AssetEntry, len(assets))
	for _, a := range assets {
		name := bundle.NormalizeFilename(a.Filename)
		if name == "" {
			continue
		}
		next[name] = AssetEntry{
			Filename: name,
			Contents: a.Contents,
			MimeType: MimeType(name),
			Size:     len(a.Contents),
		}
	}
	c.mu.Lock()
	c.assets[platform] = next
	c.mu.Unlock()
}

func (c *assetCache) Lookup(platform, filename string) (AssetEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.assets[platform][bundle.NormalizeFilename(filename)]
	return e, ok
}

// List returns the platform's assets sorted by filename.
func (c *assetCache) List(platform string) []AssetEntry {
	c.mu.RLock()
	out := make([]AssetEntry, 0, len(c.assets[platform]))
	for _, e := range c.assets[platform] {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// MimeType derives the content type of a build output from its extension.
func MimeType(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".bundle", ".js", ".mjs", ".cjs":
		return "application/javascript"
	case ".map", ".json":
		return "application/json"
	case "":
		return "text/plain"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "text/plain"
}
