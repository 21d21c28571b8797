// Package build runs builds against a build directory, serializing
// concurrent drivers with a lock file and remembering what was linked.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/qiniu/x/log"

	"github.com/goplus/cppb/internal/lockedfile"
	"github.com/goplus/cppb/pkgs/bootstrap"
	"github.com/goplus/cppb/pkgs/graph"
	"github.com/goplus/cppb/pkgs/toolchain"
)

type Builder struct {
	BuildDir string
}

// Output is a linked output remembered from an earlier build.
type Output struct {
	Target string
	toolchain.BinaryFile
}

func NewBuilder(buildDir string) *Builder {
	return &Builder{BuildDir: buildDir}
}

// Lock takes the build directory lock, waiting for another driver to
// release it if needed.
func (b *Builder) Lock() (unlock func(), err error) {
	if err = os.MkdirAll(b.BuildDir, 0o755); err != nil {
		return nil, err
	}
	mu := lockedfile.MutexAt(filepath.Join(b.BuildDir, lockFile))
	unlock, ok, err := mu.TryLock()
	if err != nil || ok {
		return unlock, err
	}
	log.Infof("Build directory %s is busy, waiting for the other cppb to finish", b.BuildDir)
	return mu.Lock()
}

// Build builds the named targets of project, or all of them, and records
// every output that was linked, including those linked before a failure.
func (b *Builder) Build(ctx context.Context, project *graph.Project, names ...string) ([]*toolchain.BinaryFile, error) {
	selected, err := project.Select(names...)
	if err != nil {
		return nil, err
	}
	if err := selected.Validate(); err != nil {
		return nil, err
	}

	unlock, err := b.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	bins, buildErr := selected.Build(ctx, b.BuildDir)
	if err := b.record(selected, bins); err != nil {
		log.Warnf("save build cache: %v", err)
	}
	return bins, buildErr
}

// Record remembers bin as the output of target. Used for outputs produced
// outside Build, such as bootstrapped scripts.
func (b *Builder) Record(target string, bin *toolchain.BinaryFile) error {
	cache, err := loadCache(b.BuildDir)
	if err != nil {
		return err
	}
	cache.record(target, bin)
	return saveCache(b.BuildDir, cache)
}

func (b *Builder) record(p *graph.Project, bins []*toolchain.BinaryFile) error {
	if len(bins) == 0 {
		return nil
	}
	cache, err := loadCache(b.BuildDir)
	if err != nil {
		return err
	}
	// bins follows the declaration order of the targets that built.
	for i, bin := range bins {
		cache.record(p.Targets[i].Name, bin)
	}
	return saveCache(b.BuildDir, cache)
}

// Outputs returns the recorded outputs sorted by target name.
func (b *Builder) Outputs() ([]Output, error) {
	cache, err := loadCache(b.BuildDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cache.Cache))
	for name := range cache.Cache {
		names = append(names, name)
	}
	sort.Strings(names)
	outs := make([]Output, 0, len(names))
	for _, name := range names {
		entry, _ := cache.get(name)
		typ, err := toolchain.ParseBinaryType(entry.Type)
		if err != nil {
			typ = toolchain.Unknown
		}
		outs = append(outs, Output{
			Target: name,
			BinaryFile: toolchain.BinaryFile{
				Name: filepath.Base(entry.Path),
				Path: entry.Path,
				Type: typ,
			},
		})
	}
	return outs, nil
}

// Clean removes the object tree and every recorded output, then forgets
// them. Other files in the build directory are left alone.
func (b *Builder) Clean() error {
	if _, err := os.Stat(b.BuildDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	unlock, err := b.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	outs, err := b.Outputs()
	if err != nil {
		return err
	}
	var errs []error
	for _, out := range outs {
		if err := os.Remove(out.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		log.Infof("Removed %s", out.Path)
		// left behind by a bootstrap rebuild
		if err := os.Remove(bootstrap.OldPath(out.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(b.BuildDir, objDir)); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(filepath.Join(b.BuildDir, cacheFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("clean %s: %w", b.BuildDir, errors.Join(errs...))
	}
	return nil
}
