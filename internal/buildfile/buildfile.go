// Package buildfile loads a project description written in HCL and wires
// it to toolchain backends.
//
//	build_dir = "build"
//
//	toolchain "clang" {
//	  compiler    = "clang++"
//	  flags       = ["-std=c++20", "-Wall"]
//	  min_version = "15.0.0"
//	}
//
//	target "app" {
//	  toolchain = "clang"
//	  sources   = glob("src/*.cpp")
//	  libraries = ["third_party/lib/foo", "pthread"]
//	}
package buildfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/qiniu/x/log"

	"github.com/goplus/cppb/internal/env"
	"github.com/goplus/cppb/internal/runner"
	"github.com/goplus/cppb/pkgs/graph"
	"github.com/goplus/cppb/pkgs/toolchain"
	"github.com/goplus/cppb/pkgs/toolchain/cc"
)

// DefaultToolchain names the toolchain used when a file declares none.
const DefaultToolchain = "default"

type fileRoot struct {
	BuildDir   string           `hcl:"build_dir,optional"`
	Toolchains []*toolchainSpec `hcl:"toolchain,block"`
	Targets    []*targetSpec    `hcl:"target,block"`
}

type toolchainSpec struct {
	Name         string            `hcl:"name,label"`
	Compiler     string            `hcl:"compiler,optional"`
	Flags        []string          `hcl:"flags,optional"`
	CompileFlags []string          `hcl:"compile_flags,optional"`
	LinkFlags    []string          `hcl:"link_flags,optional"`
	DepsFlag     *string           `hcl:"deps_flag,optional"`
	Archiver     string            `hcl:"archiver,optional"`
	MinVersion   string            `hcl:"min_version,optional"`
	Env          map[string]string `hcl:"env,optional"`
	DeclRange    hcl.Range         `hcl:",def_range"`
}

type targetSpec struct {
	Name      string    `hcl:"name,label"`
	Toolchain string    `hcl:"toolchain,optional"`
	Type      string    `hcl:"type,optional"`
	Sources   []string  `hcl:"sources"`
	Modules   []string  `hcl:"modules,optional"`
	Libraries []string  `hcl:"libraries,optional"`
	DeclRange hcl.Range `hcl:",def_range"`
}

// Options adjusts loading.
type Options struct {
	// BuildDir overrides build_dir.
	BuildDir string
	// Env is exposed to the file as the env variable. Nil means the
	// process environment.
	Env    map[string]string
	Runner runner.Runner
}

// Config is a loaded build description.
type Config struct {
	Path     string
	Dir      string
	BuildDir string
	Project  *graph.Project

	toolchains  map[string]*toolchain.Toolchain
	backends    map[string]*cc.Backend
	minVersions map[string]string
	order       []string
}

// Load reads the build description at path.
func Load(path string, opts Options) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if opts.Env == nil {
		opts.Env = env.Vars()
	}
	dir := filepath.Dir(abs)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(abs)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", path, diags)
	}
	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, evalContext(dir, opts.Env), &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", path, diags)
	}
	log.Debugf("buildfile: %s declares %d toolchains, %d targets", path, len(root.Toolchains), len(root.Targets))

	cfg := &Config{
		Path:        abs,
		Dir:         dir,
		toolchains:  make(map[string]*toolchain.Toolchain),
		backends:    make(map[string]*cc.Backend),
		minVersions: make(map[string]string),
	}
	cfg.BuildDir = resolveBuildDir(dir, root.BuildDir, opts.BuildDir)

	if len(root.Toolchains) == 0 {
		root.Toolchains = []*toolchainSpec{{Name: DefaultToolchain}}
	}
	for _, spec := range root.Toolchains {
		if err := cfg.addToolchain(spec, opts.Runner); err != nil {
			return nil, err
		}
	}

	cfg.Project = &graph.Project{Name: filepath.Base(dir)}
	for _, spec := range root.Targets {
		t, err := cfg.target(spec)
		if err != nil {
			return nil, err
		}
		cfg.Project.Targets = append(cfg.Project.Targets, t)
	}
	if err := cfg.Project.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func resolveBuildDir(dir, fromFile, override string) string {
	switch {
	case override != "":
		return override
	case fromFile != "":
		return resolve(dir, fromFile)
	}
	return resolve(dir, env.BuildDir())
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func (c *Config) addToolchain(spec *toolchainSpec, r runner.Runner) error {
	if _, dup := c.toolchains[spec.Name]; dup {
		return diagError(spec.DeclRange, "Duplicate toolchain", fmt.Sprintf("Toolchain %q is declared more than once.", spec.Name))
	}
	if spec.MinVersion != "" {
		if _, err := cc.CanonicalVersion(spec.MinVersion); err != nil {
			return diagError(spec.DeclRange, "Invalid min_version", err.Error())
		}
		c.minVersions[spec.Name] = spec.MinVersion
	}

	ccfg := cc.DefaultConfig()
	if spec.Compiler != "" {
		ccfg.Compiler = spec.Compiler
	}
	if spec.Archiver != "" {
		ccfg.Archiver = spec.Archiver
	}
	if spec.DepsFlag != nil {
		ccfg.DepsFlag = *spec.DepsFlag
	}
	ccfg.Flags = spec.Flags
	ccfg.CompileFlags = spec.CompileFlags
	ccfg.LinkFlags = spec.LinkFlags
	ccfg.Env = spec.Env

	var opts []cc.Option
	if r != nil {
		opts = append(opts, cc.WithRunner(r))
	}
	backend := cc.New(ccfg, opts...)
	tc, err := toolchain.Wire(spec.Name, backend, toolchain.CapCompile, toolchain.CapLink)
	if err != nil {
		return err
	}
	c.toolchains[spec.Name] = tc
	c.backends[spec.Name] = backend
	c.order = append(c.order, spec.Name)
	return nil
}

func (c *Config) target(spec *targetSpec) (*graph.Target, error) {
	tcName := spec.Toolchain
	if tcName == "" {
		tcName = c.order[0]
	}
	tc, ok := c.toolchains[tcName]
	if !ok {
		return nil, diagError(spec.DeclRange, "Unknown toolchain", fmt.Sprintf("Target %q refers to undeclared toolchain %q.", spec.Name, tcName))
	}
	typ, err := toolchain.ParseBinaryType(spec.Type)
	if err != nil {
		return nil, diagError(spec.DeclRange, "Invalid target type", err.Error())
	}

	t := &graph.Target{Name: spec.Name, Type: typ, Toolchain: tc}
	for _, src := range spec.Sources {
		t.Sources = append(t.Sources, &graph.SourceFile{Path: resolve(c.Dir, src)})
	}
	for _, mod := range spec.Modules {
		t.Modules = append(t.Modules, resolve(c.Dir, mod))
	}
	for _, lib := range spec.Libraries {
		if filepath.Base(lib) != lib {
			lib = resolve(c.Dir, lib)
		}
		t.Libraries = append(t.Libraries, toolchain.Library{Path: lib})
	}
	return t, nil
}

func diagError(rng hcl.Range, summary, detail string) error {
	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  summary,
		Detail:   detail,
		Subject:  rng.Ptr(),
	}}
}

// Toolchain returns the toolchain called name, or the first declared one
// when name is empty.
func (c *Config) Toolchain(name string) (*toolchain.Toolchain, error) {
	if name == "" {
		name = c.order[0]
	}
	tc, ok := c.toolchains[name]
	if !ok {
		return nil, fmt.Errorf("%s: no toolchain named %s", c.Path, name)
	}
	return tc, nil
}

// Backend returns the backend of the toolchain called name.
func (c *Config) Backend(name string) (*cc.Backend, error) {
	if name == "" {
		name = c.order[0]
	}
	b, ok := c.backends[name]
	if !ok {
		return nil, fmt.Errorf("%s: no toolchain named %s", c.Path, name)
	}
	return b, nil
}

// CheckVersions runs every toolchain that declares min_version and fails
// if its compiler is older.
func (c *Config) CheckVersions(ctx context.Context) error {
	for _, name := range c.order {
		min, ok := c.minVersions[name]
		if !ok {
			continue
		}
		if err := c.backends[name].CheckVersion(ctx, min); err != nil {
			return fmt.Errorf("toolchain %s: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether a build description exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
