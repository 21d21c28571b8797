// Copyright (c) 2026 The XGo Authors (xgo.dev). All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bootstrap lets a build driver rebuild its own binary from its own
// source and hand control to the fresh binary.
//
// A driver typically starts with:
//
//	script, err := bootstrap.Self("build.cpp")
//	...
//	if code, handled, err := script.Run(ctx, tc, os.Args[1:]); err != nil || handled {
//		os.Exit(code)
//	}
//	// up to date: run the embedded build description in-process
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/qiniu/x/log"

	"github.com/goplus/cppb/internal/runner"
	"github.com/goplus/cppb/pkgs/stale"
	"github.com/goplus/cppb/pkgs/toolchain"
)

// State is the progress of a binary replacement.
type State int

const (
	// Stable: the binary on disk is the one that was there before.
	Stable State = iota
	// Staging: the new object is compiled and the old binary moved aside.
	Staging
	// Committed: the new binary is in place.
	Committed
	// RolledBack: linking failed and the old binary was restored.
	RolledBack
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Staging:
		return "staging"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Script is a binary built from a single source file.
type Script struct {
	Binary string
	Source string

	state  State
	run    runner.Runner
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// Option configures a Script.
type Option func(*Script)

// WithRunner sets the runner used by Execute.
func WithRunner(r runner.Runner) Option {
	return func(s *Script) {
		s.run = r
	}
}

// WithStdio sets the standard streams handed to the executed binary.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(s *Script) {
		s.stdin, s.stdout, s.stderr = stdin, stdout, stderr
	}
}

// New returns a Script for binary built from source.
func New(binary, source string, opts ...Option) *Script {
	s := &Script{
		Binary: binary,
		Source: source,
		run:    runner.Default,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Self returns a Script for the running executable.
func Self(source string, opts ...Option) (*Script, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return New(exe, source, opts...), nil
}

// State returns the state reached by the last Rebuild.
func (s *Script) State() State {
	return s.state
}

// OldPath returns where the previous binary is kept during a rebuild:
// ".old" inserted before the extension, "drv" → "drv.old",
// "drv.exe" → "drv.old.exe".
func OldPath(binary string) string {
	ext := filepath.Ext(binary)
	return strings.TrimSuffix(binary, ext) + ".old" + ext
}

// NeedsRebuild reports whether the binary is missing or older than its
// source or anything the source includes.
func (s *Script) NeedsRebuild(ctx context.Context, tc *toolchain.Toolchain) bool {
	return stale.RebuildRequired(s.Binary, s.Source) || tc.DependenciesChanged(ctx, s.Source, s.Binary)
}

// Rebuild rebuilds the binary if it is out of date and reports whether it
// did. After a true result the caller should Execute the new binary and
// exit with its status instead of continuing.
//
// The current binary is renamed to OldPath before linking, since some
// systems refuse to overwrite a running executable. If linking fails it is
// renamed back.
func (s *Script) Rebuild(ctx context.Context, tc *toolchain.Toolchain) (bool, error) {
	if err := tc.Require(toolchain.CapCompile, toolchain.CapLink); err != nil {
		return false, err
	}
	s.state = Stable
	if !s.NeedsRebuild(ctx, tc) {
		return false, nil
	}

	dir := filepath.Dir(s.Binary)
	objects, err := tc.Compiler.Compile(ctx, toolchain.SourceFiles{s.Source}, dir)
	if err != nil {
		return false, fmt.Errorf("rebuild %s: %w", s.Source, err)
	}

	s.state = Staging
	oldPath := OldPath(s.Binary)
	moved := false
	if stale.Exists(s.Binary) {
		if err := os.Rename(s.Binary, oldPath); err != nil {
			s.state = Stable
			removeAll(objects)
			return false, fmt.Errorf("rebuild %s: preserve old binary: %w", s.Source, err)
		}
		moved = true
		log.Infof("Moved old binary: %s -> %s", s.Binary, oldPath)
	}

	_, err = tc.Linker.Link(ctx, objects, toolchain.Libraries{}, dir, filepath.Base(s.Binary), toolchain.Executable)
	if err != nil {
		removeAll(objects)
		if rbErr := s.rollback(moved, oldPath); rbErr != nil {
			return false, errors.Join(fmt.Errorf("rebuild %s: %w", s.Source, err), rbErr)
		}
		return false, fmt.Errorf("rebuild %s: %w", s.Source, err)
	}

	s.state = Committed
	removeAll(objects)
	return true, nil
}

func (s *Script) rollback(moved bool, oldPath string) error {
	if !moved {
		s.state = RolledBack
		return nil
	}
	// The failed link may have left a partial binary behind.
	if err := os.Remove(s.Binary); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial binary: %w", err)
	}
	if err := os.Rename(oldPath, s.Binary); err != nil {
		return fmt.Errorf("restore %s: %w", s.Binary, err)
	}
	s.state = RolledBack
	log.Warnf("Restored previous binary %s", s.Binary)
	return nil
}

func removeAll(objects toolchain.ObjectFiles) {
	for _, obj := range objects {
		err := os.Remove(obj)
		switch {
		case err == nil:
			log.Debugf("Removed build artifact: %s", obj)
		case !errors.Is(err, os.ErrNotExist):
			log.Warnf("remove %s: %v", obj, err)
		}
	}
}

// Execute runs the binary with args and returns its exit code. The error is
// non-nil only if the binary could not be started.
func (s *Script) Execute(ctx context.Context, args ...string) (int, error) {
	bin, err := filepath.Abs(s.Binary)
	if err != nil {
		return -1, err
	}
	c := &runner.Cmd{
		Path:   bin,
		Args:   args,
		Stdin:  s.stdin,
		Stdout: s.stdout,
		Stderr: s.stderr,
	}
	log.Infof("Executing: %s", c)
	err = s.run.Run(ctx, c)
	var exitErr *runner.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.Code, nil
	}
	return -1, err
}

// Run rebuilds the binary when needed. If it was rebuilt, the new binary is
// executed with args and Run returns its exit code with handled set. If the
// binary was already current, Run returns handled == false and the caller
// carries on in-process.
func (s *Script) Run(ctx context.Context, tc *toolchain.Toolchain, args []string) (code int, handled bool, err error) {
	rebuilt, err := s.Rebuild(ctx, tc)
	if err != nil {
		return 1, true, err
	}
	if !rebuilt {
		return 0, false, nil
	}
	code, err = s.Execute(ctx, args...)
	if err != nil {
		return 1, true, err
	}
	return code, true, nil
}
