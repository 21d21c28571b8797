// Copyright (c) 2026 The XGo Authors (xgo.dev). All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package toolchain defines the capabilities a compiler backend can offer.
//
// Each capability is its own interface, and a backend implements any subset
// of them. Wire inspects a backend once and records which capabilities it
// has, so call sites check a field instead of type-asserting on every call.
package toolchain

import (
	"context"
	"fmt"
	"strings"
)

// Compiler turns source files into object files.
type Compiler interface {
	// ObjectFile returns the path Compile writes for source under buildDir.
	ObjectFile(source, buildDir string) string

	// Compile builds every source whose object is missing or out of date and
	// returns the objects of all sources, in order. It stops at the first
	// failing invocation.
	Compile(ctx context.Context, sources SourceFiles, buildDir string) (ObjectFiles, error)
}

// Linker combines object files into a binary.
type Linker interface {
	// Link writes buildDir/binaryName unless it is already newer than every
	// object, in which case no external tool runs.
	Link(ctx context.Context, objects ObjectFiles, libs Libraries, buildDir, binaryName string, typ BinaryType) (*BinaryFile, error)
}

// ModulePrecompiler turns module interface units into precompiled module
// artifacts that can be compiled like sources.
type ModulePrecompiler interface {
	PrecompileModules(ctx context.Context, modules ModuleFiles, buildDir string) (SourceFiles, error)
}

// DependencyChecker reports whether a transitive dependency of source is
// newer than artifact.
type DependencyChecker interface {
	DependenciesChanged(ctx context.Context, source, artifact string) bool
}

// Capability is a set of toolchain capabilities.
type Capability uint8

const (
	CapCompile Capability = 1 << iota
	CapLink
	CapPrecompileModules
	CapDependencies
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapCompile, "compile"},
	{CapLink, "link"},
	{CapPrecompileModules, "precompile-modules"},
	{CapDependencies, "dependencies"},
}

func (c Capability) String() string {
	var names []string
	for _, cn := range capNames {
		if c&cn.c != 0 {
			names = append(names, cn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CapabilityError is returned when a backend lacks a capability a caller
// requires.
type CapabilityError struct {
	Backend string
	Missing Capability
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("toolchain %s: missing capability %s", e.Backend, e.Missing)
}

// Toolchain is a wired backend. Fields for capabilities the backend does not
// implement are nil.
type Toolchain struct {
	Name        string
	Compiler    Compiler
	Linker      Linker
	Precompiler ModulePrecompiler
	Deps        DependencyChecker

	caps Capability
}

// Wire records the capabilities of backend and fails if any of required is
// missing.
func Wire(name string, backend any, required ...Capability) (*Toolchain, error) {
	tc := &Toolchain{Name: name}
	if c, ok := backend.(Compiler); ok {
		tc.Compiler = c
		tc.caps |= CapCompile
	}
	if l, ok := backend.(Linker); ok {
		tc.Linker = l
		tc.caps |= CapLink
	}
	if p, ok := backend.(ModulePrecompiler); ok {
		tc.Precompiler = p
		tc.caps |= CapPrecompileModules
	}
	if d, ok := backend.(DependencyChecker); ok {
		tc.Deps = d
		tc.caps |= CapDependencies
	}
	// A backend may implement the method but have the feature switched off.
	if o, ok := backend.(interface{ Capabilities() Capability }); ok {
		tc.mask(o.Capabilities())
	}
	if err := tc.Require(required...); err != nil {
		return nil, err
	}
	return tc, nil
}

func (tc *Toolchain) mask(enabled Capability) {
	tc.caps &= enabled
	if tc.caps&CapCompile == 0 {
		tc.Compiler = nil
	}
	if tc.caps&CapLink == 0 {
		tc.Linker = nil
	}
	if tc.caps&CapPrecompileModules == 0 {
		tc.Precompiler = nil
	}
	if tc.caps&CapDependencies == 0 {
		tc.Deps = nil
	}
}

// Capabilities returns the wired capability set.
func (tc *Toolchain) Capabilities() Capability {
	return tc.caps
}

// Has reports whether every capability in c is available.
func (tc *Toolchain) Has(c Capability) bool {
	return tc != nil && tc.caps&c == c
}

// Require returns a *CapabilityError naming every missing capability.
func (tc *Toolchain) Require(caps ...Capability) error {
	var want Capability
	for _, c := range caps {
		want |= c
	}
	if missing := want &^ tc.caps; missing != 0 {
		return &CapabilityError{Backend: tc.Name, Missing: missing}
	}
	return nil
}

// DependenciesChanged asks the dependency checker, if the toolchain has one.
// Without the capability it reports false.
func (tc *Toolchain) DependenciesChanged(ctx context.Context, source, artifact string) bool {
	if tc.Deps == nil {
		return false
	}
	return tc.Deps.DependenciesChanged(ctx, source, artifact)
}
