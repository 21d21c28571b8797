// Copyright (c) 2026 The XGo Authors (xgo.dev). All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package graph describes what to build: source files compiled into
// targets, and projects made of targets, built strictly in declaration
// order.
package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/qiniu/x/log"

	"github.com/goplus/cppb/pkgs/stale"
	"github.com/goplus/cppb/pkgs/toolchain"
)

// SourceFile is one translation unit and the object compiled from it.
type SourceFile struct {
	Path string

	// Object is the object file path. When empty it is set on the first
	// build from the toolchain naming rule and the target object directory.
	Object string
}

func (s *SourceFile) resolve(tc *toolchain.Toolchain, objDir string) {
	if s.Object == "" {
		s.Object = tc.Compiler.ObjectFile(s.Path, objDir)
	}
}

// OutOfDate reports whether the object is missing or older than the source
// or, for toolchains that track dependencies, older than anything the source
// includes.
func (s *SourceFile) OutOfDate(ctx context.Context, tc *toolchain.Toolchain) bool {
	return stale.RebuildRequired(s.Object, s.Path) || tc.DependenciesChanged(ctx, s.Path, s.Object)
}

// Build compiles the source if it is out of date and reports whether the
// compiler ran.
func (s *SourceFile) Build(ctx context.Context, tc *toolchain.Toolchain, objDir string) (bool, error) {
	s.resolve(tc, objDir)
	if !s.OutOfDate(ctx, tc) {
		return false, nil
	}
	if _, err := tc.Compiler.Compile(ctx, toolchain.SourceFiles{s.Path}, filepath.Dir(s.Object)); err != nil {
		return false, err
	}
	return true, nil
}

// Target is a binary built from sources with one toolchain.
type Target struct {
	// Name is the binary file name, e.g. "app", "libfoo.a".
	Name      string
	Type      toolchain.BinaryType
	Toolchain *toolchain.Toolchain

	Sources []*SourceFile

	// Modules are module interface units, precompiled and compiled before
	// Sources.
	Modules   []string
	Libraries []toolchain.Library
}

// NewTarget returns an executable target compiling sources with tc.
func NewTarget(name string, tc *toolchain.Toolchain, sources ...string) *Target {
	t := &Target{Name: name, Type: toolchain.Executable, Toolchain: tc}
	for _, src := range sources {
		t.Sources = append(t.Sources, &SourceFile{Path: src})
	}
	return t
}

// ObjectDir is where the objects of t are written under buildDir.
func (t *Target) ObjectDir(buildDir string) string {
	return filepath.Join(buildDir, "obj", t.Name)
}

// Validate checks that t can be built with its toolchain before anything
// runs.
func (t *Target) Validate() error {
	if t.Name == "" {
		return errors.New("target has no name")
	}
	if t.Toolchain == nil {
		return fmt.Errorf("target %s: no toolchain", t.Name)
	}
	caps := []toolchain.Capability{toolchain.CapCompile, toolchain.CapLink}
	if len(t.Modules) > 0 {
		caps = append(caps, toolchain.CapPrecompileModules)
	}
	if err := t.Toolchain.Require(caps...); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	if len(t.Sources) == 0 && len(t.Modules) == 0 {
		return fmt.Errorf("target %s: no sources", t.Name)
	}

	// Every object is written by exactly one compile step.
	compiler := t.Toolchain.Compiler
	owner := make(map[string]string)
	claim := func(obj, src string) error {
		if prev, ok := owner[obj]; ok {
			return fmt.Errorf("target %s: %s and %s both compile to %s", t.Name, prev, src, obj)
		}
		owner[obj] = src
		return nil
	}
	for _, mod := range t.Modules {
		if err := claim(compiler.ObjectFile(mod, ""), mod); err != nil {
			return err
		}
	}
	for _, src := range t.Sources {
		obj := compiler.ObjectFile(src.Path, "")
		if src.Object != "" {
			dir := filepath.Dir(src.Object)
			if want := compiler.ObjectFile(src.Path, dir); want != src.Object {
				return fmt.Errorf("target %s: object %s for %s does not match toolchain output %s", t.Name, src.Object, src.Path, want)
			}
			obj = src.Object
		}
		if err := claim(obj, src.Path); err != nil {
			return err
		}
	}
	return nil
}

// Build compiles every out-of-date source in order, then links all objects
// of the target, whether rebuilt or not. The first failure aborts the
// target.
func (t *Target) Build(ctx context.Context, buildDir string) (*toolchain.BinaryFile, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	tc := t.Toolchain
	objDir := t.ObjectDir(buildDir)

	sources := t.Sources
	if len(t.Modules) > 0 {
		pcms, err := tc.Precompiler.PrecompileModules(ctx, toolchain.ModuleFiles(t.Modules), objDir)
		if err != nil {
			return nil, err
		}
		sources = make([]*SourceFile, 0, len(pcms)+len(t.Sources))
		for _, pcm := range pcms {
			sources = append(sources, &SourceFile{Path: pcm})
		}
		sources = append(sources, t.Sources...)
	}

	objects := make(toolchain.ObjectFiles, 0, len(sources))
	rebuilt := 0
	for _, src := range sources {
		built, err := src.Build(ctx, tc, objDir)
		if err != nil {
			return nil, err
		}
		if built {
			rebuilt++
		}
		objects = append(objects, src.Object)
	}
	log.Debugf("graph: target %s: %d of %d objects rebuilt", t.Name, rebuilt, len(objects))

	libs := toolchain.ResolveLibraries(t.Libraries)
	return tc.Linker.Link(ctx, objects, libs, buildDir, t.Name, t.Type)
}

// Project is an ordered list of targets.
type Project struct {
	Name    string
	Targets []*Target
}

// Validate validates every target and rejects duplicate target names.
func (p *Project) Validate() error {
	seen := make(map[string]bool)
	for _, t := range p.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target %s", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Target returns the target called name, or nil.
func (p *Project) Target(name string) *Target {
	for _, t := range p.Targets {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Select returns a project with only the named targets, kept in declaration
// order. No names selects everything.
func (p *Project) Select(names ...string) (*Project, error) {
	if len(names) == 0 {
		return p, nil
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		if p.Target(name) == nil {
			return nil, fmt.Errorf("no target named %s", name)
		}
		want[name] = true
	}
	sel := &Project{Name: p.Name}
	for _, t := range p.Targets {
		if want[t.Name] {
			sel.Targets = append(sel.Targets, t)
		}
	}
	return sel, nil
}

// Build builds the targets in order and stops at the first failure.
func (p *Project) Build(ctx context.Context, buildDir string) ([]*toolchain.BinaryFile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	bins := make([]*toolchain.BinaryFile, 0, len(p.Targets))
	for _, t := range p.Targets {
		log.Infof("Building target %s", t.Name)
		bin, err := t.Build(ctx, buildDir)
		if err != nil {
			return bins, fmt.Errorf("target %s: %w", t.Name, err)
		}
		bins = append(bins, bin)
	}
	return bins, nil
}
