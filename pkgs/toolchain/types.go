package toolchain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type (
	SourceFiles []string
	ObjectFiles []string
	ModuleFiles []string
)

// ErrNoObjects is returned by linkers asked to link nothing.
var ErrNoObjects = errors.New("no object files to link")

// Library names a library to link against, such as "third_party/lib/z" or
// just "pthread".
type Library struct {
	Path string
}

// Libraries is the linker view of a set of Library values.
type Libraries struct {
	SearchPaths []string
	Names       []string
}

// ResolveLibraries splits libs into search directories and link names.
// Libraries without a file name are skipped, and each directory is listed
// once in first-seen order.
func ResolveLibraries(libs []Library) Libraries {
	var out Libraries
	seen := make(map[string]bool)
	for _, lib := range libs {
		p := lib.Path
		if p == "" || strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(os.PathSeparator)) {
			continue
		}
		name := filepath.Base(p)
		if name == "." || name == ".." {
			continue
		}
		if strings.ContainsAny(p, "/"+string(os.PathSeparator)) {
			dir := filepath.Dir(p)
			if !seen[dir] {
				seen[dir] = true
				out.SearchPaths = append(out.SearchPaths, dir)
			}
		}
		out.Names = append(out.Names, name)
	}
	return out
}

// BinaryType is the kind of binary a link produces.
type BinaryType uint8

const (
	Unknown BinaryType = iota
	Executable
	StaticLibrary
	DynamicLibrary
)

func (t BinaryType) String() string {
	switch t {
	case Executable:
		return "executable"
	case StaticLibrary:
		return "static"
	case DynamicLibrary:
		return "shared"
	}
	return "unknown"
}

// ParseBinaryType parses the names used in build files. The empty string
// means Executable.
func ParseBinaryType(s string) (BinaryType, error) {
	switch strings.ToLower(s) {
	case "", "executable", "exe":
		return Executable, nil
	case "static", "staticlib":
		return StaticLibrary, nil
	case "shared", "dynamic", "dylib":
		return DynamicLibrary, nil
	}
	return Unknown, fmt.Errorf("unknown binary type %q", s)
}

// BinaryFile describes a linked binary.
type BinaryFile struct {
	Name string
	Path string
	Type BinaryType
}

// ToolError reports an external tool that exited with a non-zero status.
type ToolError struct {
	Op       string // "compile", "link", "precompile"
	Command  string
	ExitCode int
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed (exit code %d): %s", e.Op, e.ExitCode, e.Command)
}
