// Package runnertest provides a recording runner.Runner for tests.
package runnertest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goplus/cppb/internal/runner"
)

// Fake records every command it is asked to run and delegates the outcome
// to Handle. A nil Handle makes every command succeed without side effects.
type Fake struct {
	Calls  []*runner.Cmd
	Handle func(c *runner.Cmd) error
}

var _ runner.Runner = (*Fake)(nil)

func (f *Fake) Run(ctx context.Context, c *runner.Cmd) error {
	f.Calls = append(f.Calls, c)
	if f.Handle != nil {
		return f.Handle(c)
	}
	return nil
}

// Commands returns the recorded command lines.
func (f *Fake) Commands() []string {
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded commands contain every one of substrs.
func (f *Fake) Count(substrs ...string) int {
	n := 0
	for _, cmd := range f.Commands() {
		matched := true
		for _, s := range substrs {
			if !strings.Contains(cmd, s) {
				matched = false
				break
			}
		}
		if matched {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.Calls = nil
}

// Output returns the path a compiler-like or archiver-like command writes:
// the argument after "-o", or the archive operand of an "ar"-style command.
func Output(c *runner.Cmd) string {
	for i, arg := range c.Args {
		if arg == "-o" && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	if strings.HasPrefix(filepath.Base(c.Path), "ar") && len(c.Args) > 1 {
		return c.Args[1]
	}
	return ""
}

// TouchOutput writes the output file of c, stamped with the current time,
// the way a real compiler would.
func TouchOutput(c *runner.Cmd) error {
	out := Output(c)
	if out == "" {
		return nil
	}
	return Touch(out, time.Now())
}

// Touch creates path if needed and sets its modification time.
func Touch(path string, mtime time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, mtime, mtime)
}
