// Package cc is a toolchain backend for GCC and Clang style drivers
// (gcc, g++, clang, clang++, c++).
package cc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/qiniu/x/log"
	"golang.org/x/mod/semver"

	"github.com/goplus/cppb/internal/env"
	"github.com/goplus/cppb/internal/runner"
	"github.com/goplus/cppb/pkgs/depfile"
	"github.com/goplus/cppb/pkgs/stale"
	"github.com/goplus/cppb/pkgs/toolchain"
)

// Config lists everything that goes into the command lines of a backend.
type Config struct {
	// Compiler is the compiler driver; it also links.
	Compiler string

	// Flags are passed to every compile, link and dependency query.
	Flags        []string
	CompileFlags []string
	LinkFlags    []string

	// DepsFlag makes the compiler print a make rule instead of compiling.
	// An empty DepsFlag disables dependency checking.
	DepsFlag string

	ObjectExt       string
	ModuleExt       string
	PrecompileFlags []string

	// Archiver and ArchiveFlags create static libraries.
	Archiver     string
	ArchiveFlags []string
	SharedFlag   string

	// Env is added to the environment of every tool.
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the configuration of the system C++ compiler: $CXX,
// or c++ when CXX is unset.
func DefaultConfig() Config {
	return Config{
		Compiler:        env.Compiler(),
		DepsFlag:        "-MM",
		ObjectExt:       ".o",
		ModuleExt:       ".pcm",
		PrecompileFlags: []string{"-fmodules", "--precompile"},
		Archiver:        "ar",
		ArchiveFlags:    []string{"rcs"},
		SharedFlag:      "-shared",
	}
}

// withDefaults fills the zero fields of c from DefaultConfig. DepsFlag is
// left alone since empty is meaningful.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Compiler == "" {
		c.Compiler = def.Compiler
	}
	if c.ObjectExt == "" {
		c.ObjectExt = def.ObjectExt
	}
	if c.ModuleExt == "" {
		c.ModuleExt = def.ModuleExt
	}
	if c.PrecompileFlags == nil {
		c.PrecompileFlags = def.PrecompileFlags
	}
	if c.Archiver == "" {
		c.Archiver = def.Archiver
	}
	if c.ArchiveFlags == nil {
		c.ArchiveFlags = def.ArchiveFlags
	}
	if c.SharedFlag == "" {
		c.SharedFlag = def.SharedFlag
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c
}

// Backend implements every toolchain capability on top of a Config.
type Backend struct {
	cfg  Config
	run  runner.Runner
	deps *depfile.Checker
}

var (
	_ toolchain.Compiler          = (*Backend)(nil)
	_ toolchain.Linker            = (*Backend)(nil)
	_ toolchain.ModulePrecompiler = (*Backend)(nil)
	_ toolchain.DependencyChecker = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithRunner sets the process runner; the default spawns real processes.
func WithRunner(r runner.Runner) Option {
	return func(b *Backend) {
		b.run = r
	}
}

// New creates a Backend.
func New(cfg Config, opts ...Option) *Backend {
	b := &Backend{
		cfg: cfg.withDefaults(),
		run: runner.Default,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.deps = depfile.NewChecker(b.printDeps)
	return b
}

// Config returns the effective configuration.
func (b *Backend) Config() Config {
	return b.cfg
}

// Capabilities reports the capabilities enabled by the configuration.
func (b *Backend) Capabilities() toolchain.Capability {
	caps := toolchain.CapCompile | toolchain.CapLink | toolchain.CapPrecompileModules
	if b.cfg.DepsFlag != "" {
		caps |= toolchain.CapDependencies
	}
	return caps
}

// ObjectFile returns buildDir/<stem><ObjectExt>.
func (b *Backend) ObjectFile(source, buildDir string) string {
	return outputPath(source, buildDir, b.cfg.ObjectExt)
}

// ModuleFile returns buildDir/<stem><ModuleExt>.
func (b *Backend) ModuleFile(module, buildDir string) string {
	return outputPath(module, buildDir, b.cfg.ModuleExt)
}

func outputPath(file, buildDir, ext string) string {
	base := filepath.Base(file)
	return filepath.Join(buildDir, strings.TrimSuffix(base, filepath.Ext(base))+ext)
}

// Compile compiles sources that are out of date with respect to their
// object file or any of their dependencies.
func (b *Backend) Compile(ctx context.Context, sources toolchain.SourceFiles, buildDir string) (toolchain.ObjectFiles, error) {
	objects := make(toolchain.ObjectFiles, 0, len(sources))
	for _, src := range sources {
		obj := b.ObjectFile(src, buildDir)
		if err := mkdirFor(obj); err != nil {
			return nil, err
		}
		if !b.outOfDate(ctx, src, obj) {
			objects = append(objects, obj)
			continue
		}
		args := b.compileArgs()
		args = append(args, "-c", src, "-o", obj)
		if err := b.exec(ctx, "compile", "Compiling", b.cfg.Compiler, args); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// PrecompileModules precompiles module interface units into ModuleExt
// artifacts and returns the paths of all of them.
func (b *Backend) PrecompileModules(ctx context.Context, modules toolchain.ModuleFiles, buildDir string) (toolchain.SourceFiles, error) {
	out := make(toolchain.SourceFiles, 0, len(modules))
	for _, mod := range modules {
		pcm := b.ModuleFile(mod, buildDir)
		if err := mkdirFor(pcm); err != nil {
			return nil, err
		}
		if !b.outOfDate(ctx, mod, pcm) {
			out = append(out, pcm)
			continue
		}
		args := b.compileArgs()
		args = append(args, b.cfg.PrecompileFlags...)
		args = append(args, mod, "-o", pcm)
		if err := b.exec(ctx, "precompile", "Precompiling", b.cfg.Compiler, args); err != nil {
			return nil, err
		}
		out = append(out, pcm)
	}
	return out, nil
}

// Link links objects into buildDir/binaryName. Static libraries are created
// with the archiver and ignore libs.
func (b *Backend) Link(ctx context.Context, objects toolchain.ObjectFiles, libs toolchain.Libraries, buildDir, binaryName string, typ toolchain.BinaryType) (*toolchain.BinaryFile, error) {
	if len(objects) == 0 {
		return nil, fmt.Errorf("link %s: %w", binaryName, toolchain.ErrNoObjects)
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, err
	}
	bin := &toolchain.BinaryFile{
		Name: binaryName,
		Path: filepath.Join(buildDir, binaryName),
		Type: typ,
	}
	if !stale.AnyNewer(bin.Path, objects...) {
		log.Debugf("cc: %s is up to date", bin.Path)
		return bin, nil
	}

	if typ == toolchain.StaticLibrary {
		args := append([]string{}, b.cfg.ArchiveFlags...)
		args = append(args, bin.Path)
		args = append(args, objects...)
		if err := b.exec(ctx, "link", "Archiving", b.cfg.Archiver, args); err != nil {
			return nil, err
		}
		return bin, nil
	}

	args := append([]string{}, b.cfg.Flags...)
	args = append(args, b.cfg.LinkFlags...)
	if typ == toolchain.DynamicLibrary {
		args = append(args, b.cfg.SharedFlag)
	}
	args = append(args, objects...)
	for _, dir := range libs.SearchPaths {
		args = append(args, "-L"+dir)
	}
	for _, name := range libs.Names {
		args = append(args, "-l"+name)
	}
	args = append(args, "-o", bin.Path)
	if err := b.exec(ctx, "link", "Linking", b.cfg.Compiler, args); err != nil {
		return nil, err
	}
	return bin, nil
}

// DependenciesChanged reports whether anything source includes, directly or
// not, is newer than artifact.
func (b *Backend) DependenciesChanged(ctx context.Context, source, artifact string) bool {
	if b.cfg.DepsFlag == "" {
		return false
	}
	return b.deps.Changed(ctx, source, artifact)
}

// Dependencies returns the include closure of source.
func (b *Backend) Dependencies(ctx context.Context, source string) []string {
	if b.cfg.DepsFlag == "" {
		return nil
	}
	return b.deps.Closure(ctx, source)
}

func (b *Backend) outOfDate(ctx context.Context, src, artifact string) bool {
	return stale.RebuildRequired(artifact, src) || b.DependenciesChanged(ctx, src, artifact)
}

func (b *Backend) compileArgs() []string {
	args := append([]string{}, b.cfg.Flags...)
	return append(args, b.cfg.CompileFlags...)
}

func (b *Backend) printDeps(ctx context.Context, source string) (string, error) {
	args := b.compileArgs()
	args = append(args, b.cfg.DepsFlag, source)
	var stdout bytes.Buffer
	err := b.run.Run(ctx, &runner.Cmd{
		Path:   b.cfg.Compiler,
		Args:   args,
		Env:    b.cfg.Env,
		Stdout: &stdout,
		Stderr: io.Discard,
	})
	if err != nil {
		return "", err
	}
	return stdout.String(), nil
}

func (b *Backend) exec(ctx context.Context, op, verb, bin string, args []string) error {
	c := &runner.Cmd{
		Path:   bin,
		Args:   args,
		Env:    b.cfg.Env,
		Stdout: b.cfg.Stdout,
		Stderr: b.cfg.Stderr,
	}
	log.Infof("%s: %s", verb, c)
	err := b.run.Run(ctx, c)
	if err == nil {
		return nil
	}
	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		log.Errorf("[-] %s returned: %d", bin, exitErr.Code)
		return &toolchain.ToolError{Op: op, Command: c.String(), ExitCode: exitErr.Code}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mkdirFor(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	log.Debugf("cc: created directory %s", dir)
	return nil
}

var versionRE = regexp.MustCompile(`\b(\d+)\.(\d+)(?:\.(\d+))?\b`)

// Version runs the compiler with --version and returns the first version
// number it prints, in canonical semver form ("v17.0.6").
func (b *Backend) Version(ctx context.Context) (string, error) {
	var stdout bytes.Buffer
	err := b.run.Run(ctx, &runner.Cmd{
		Path:   b.cfg.Compiler,
		Args:   []string{"--version"},
		Env:    b.cfg.Env,
		Stdout: &stdout,
		Stderr: io.Discard,
	})
	if err != nil {
		return "", fmt.Errorf("query %s version: %w", b.cfg.Compiler, err)
	}
	return parseVersion(stdout.String())
}

func parseVersion(out string) (string, error) {
	m := versionRE.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("no version number in %q", firstLine(out))
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := semver.Canonical("v" + m[1] + "." + m[2] + "." + patch)
	if v == "" {
		return "", fmt.Errorf("invalid version %q", m[0])
	}
	return v, nil
}

// CheckVersion fails if the compiler is older than min ("15", "v15.0.1").
func (b *Backend) CheckVersion(ctx context.Context, min string) error {
	want, err := CanonicalVersion(min)
	if err != nil {
		return err
	}
	have, err := b.Version(ctx)
	if err != nil {
		return err
	}
	if semver.Compare(have, want) < 0 {
		return fmt.Errorf("%s version %s is older than required %s", b.cfg.Compiler, have, want)
	}
	return nil
}

// CanonicalVersion normalizes a user supplied version such as "15",
// "15.0" or "v15.0.1".
func CanonicalVersion(v string) (string, error) {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", strings.TrimPrefix(v, "v"))
	}
	return semver.Canonical(v), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
