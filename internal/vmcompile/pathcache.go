package vmcompile

import (
	"github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
)

// defaultPathCacheSize bounds the interned accessor table; overridden by
// pkg/config's HYPERSTACK_PATH_CACHE_SIZE at runtime via NewPathCache.
const defaultPathCacheSize = 4096

// PathAccessor is a compiled "section.field"-style path into a raw event
// JSON payload. gjson has no separate path-compilation step, so the
// accessor is a thin wrapper that lets every call site share the same
// instance rather than re-allocating the path string per event.
type PathAccessor struct {
	Path string
}

// Extract reads the accessor's path out of a raw JSON payload.
func (a *PathAccessor) Extract(payload []byte) gjson.Result {
	return gjson.GetBytes(payload, a.Path)
}

// PathCache interns PathAccessors by their raw path string so repeated
// compilation of the same "section.field"/source_path across entities and
// handlers shares one accessor (spec.md §4.2: "interned into a shared
// table").
type PathCache struct {
	cache *lru.Cache[string, *PathAccessor]
}

// NewPathCache builds a PathCache bounded to size entries.
func NewPathCache(size int) *PathCache {
	if size <= 0 {
		size = defaultPathCacheSize
	}
	c, _ := lru.New[string, *PathAccessor](size)
	return &PathCache{cache: c}
}

// Intern returns the shared *PathAccessor for path, compiling (allocating)
// it on first use.
func (pc *PathCache) Intern(path string) *PathAccessor {
	if path == "" {
		return nil
	}
	if existing, ok := pc.cache.Get(path); ok {
		return existing
	}
	accessor := &PathAccessor{Path: path}
	pc.cache.Add(path, accessor)
	return accessor
}
