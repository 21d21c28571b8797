package build

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/goplus/cppb/pkgs/toolchain"
)

// Build directory layout:
//
//	buildDir/
//	  .cppb.lock          # held while building, running or cleaning
//	  .cache.json         # build cache: maps target name → buildEntry
//	  obj/<target>/       # object files and precompiled modules
//	  <binary-name>       # linked outputs
const (
	cacheFile = ".cache.json"
	lockFile  = ".cppb.lock"
	objDir    = "obj"
)

// buildEntry records one linked output.
type buildEntry struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	BuildTime time.Time `json:"build_time"`
}

// buildCache maps target names to their last linked output.
type buildCache struct {
	Cache map[string]*buildEntry `json:"cache"`
}

func (c *buildCache) get(target string) (*buildEntry, bool) {
	entry, ok := c.Cache[target]
	return entry, ok
}

func (c *buildCache) set(target string, entry *buildEntry) {
	if c.Cache == nil {
		c.Cache = make(map[string]*buildEntry)
	}
	c.Cache[target] = entry
}

func (c *buildCache) record(target string, bin *toolchain.BinaryFile) {
	info, err := os.Stat(bin.Path)
	if err != nil {
		return
	}
	c.set(target, &buildEntry{
		Path:      bin.Path,
		Type:      bin.Type.String(),
		BuildTime: info.ModTime(),
	})
}

// loadCache reads the cache file of buildDir. A missing file yields an
// empty cache.
func loadCache(buildDir string) (*buildCache, error) {
	data, err := os.ReadFile(filepath.Join(buildDir, cacheFile))
	if errors.Is(err, os.ErrNotExist) {
		return &buildCache{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cache buildCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, err
	}
	return &cache, nil
}

// saveCache writes the cache file of buildDir.
func saveCache(buildDir string, cache *buildCache) error {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(buildDir, cacheFile), data, 0o644)
}
