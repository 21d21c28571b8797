// Copyright (c) 2026 The XGo Authors (xgo.dev). All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package depfile reads the make-style dependency rules printed by C and C++
// compilers (`cc -MM`) and answers whether any transitive dependency of a
// source file is newer than an artifact built from it.
package depfile

import (
	"context"
	"strings"

	"github.com/qiniu/x/log"

	"github.com/goplus/cppb/pkgs/stale"
)

// Parse extracts the prerequisites of a dependency rule of the form
//
//	target: dep1 dep2 \
//	  dep3
//
// The rule separator is the first colon followed by whitespace (so drive
// letters in Windows paths are skipped), or the first colon at all if there
// is no such colon. Text without a colon yields nil. Line continuations are
// dropped and a backslash-escaped space is kept inside its path.
func Parse(rule string) []string {
	colon := separator(rule)
	if colon < 0 {
		return nil
	}

	var (
		deps []string
		tok  strings.Builder
	)
	flush := func() {
		if tok.Len() > 0 {
			deps = append(deps, tok.String())
			tok.Reset()
		}
	}

	rest := rule[colon+1:]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '\\' && endsLine(rest[i+1:]):
			flush()
		case c == '\\' && i+1 < len(rest) && rest[i+1] == ' ':
			tok.WriteByte(' ')
			i++
		case isSpace(c):
			flush()
		default:
			tok.WriteByte(c)
		}
	}
	flush()
	return deps
}

// endsLine reports whether s holds only blanks before the next line break
// or the end of input.
func endsLine(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t':
		case '\n', '\r':
			return true
		default:
			return false
		}
	}
	return true
}

func separator(rule string) int {
	first := -1
	for i := 0; i < len(rule); i++ {
		if rule[i] != ':' {
			continue
		}
		if first < 0 {
			first = i
		}
		if i+1 == len(rule) || isSpace(rule[i+1]) {
			return i
		}
	}
	return first
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Query prints the dependency rule of source, typically by running the
// compiler in its dependency-listing mode.
type Query func(ctx context.Context, source string) (string, error)

// Checker resolves dependency closures through a Query. The direct
// dependencies of each path are queried at most once per Checker.
//
// A Checker is not safe for concurrent use.
type Checker struct {
	query Query
	deps  map[string][]string
}

// NewChecker returns a Checker backed by query.
func NewChecker(query Query) *Checker {
	return &Checker{
		query: query,
		deps:  make(map[string][]string),
	}
}

// Deps returns the direct dependencies of source as reported by the query.
// A failing query or unparsable output reports no dependencies: missing
// dependency data may cost a rebuild, it never fails a build.
func (c *Checker) Deps(ctx context.Context, source string) []string {
	if deps, ok := c.deps[source]; ok {
		return deps
	}
	var deps []string
	out, err := c.query(ctx, source)
	switch {
	case err != nil:
		log.Debugf("depfile: query dependencies of %s: %v", source, err)
	default:
		deps = Parse(out)
		if len(deps) == 0 {
			log.Debugf("depfile: no dependencies parsed for %s", source)
		}
	}
	c.deps[source] = deps
	return deps
}

// Changed reports whether any file in the dependency closure of source is
// newer than artifact, or whether artifact is missing while source has
// dependencies.
func (c *Checker) Changed(ctx context.Context, source, artifact string) bool {
	changed := false
	c.walk(ctx, source, func(dep string) bool {
		if stale.RebuildRequired(artifact, dep) {
			log.Debugf("depfile: %s is newer than %s", dep, artifact)
			changed = true
			return false
		}
		return true
	})
	return changed
}

// Closure returns the transitive dependencies of source in discovery order,
// excluding source itself.
func (c *Checker) Closure(ctx context.Context, source string) []string {
	var closure []string
	c.walk(ctx, source, func(dep string) bool {
		if dep != source {
			closure = append(closure, dep)
		}
		return true
	})
	return closure
}

// walk visits the dependency graph rooted at source breadth first. visit is
// called once per distinct dependency, source included when the query lists
// it, and stops the walk by returning false. Every path is queried at most
// once, so include cycles terminate.
func (c *Checker) walk(ctx context.Context, source string, visit func(dep string) bool) {
	seen := make(map[string]bool)
	expanded := map[string]bool{source: true}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range c.Deps(ctx, cur) {
			if !seen[dep] {
				seen[dep] = true
				if !visit(dep) {
					return
				}
			}
			if !expanded[dep] {
				expanded[dep] = true
				queue = append(queue, dep)
			}
		}
	}
}
