package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goplus/cppb/internal/runner"
	"github.com/goplus/cppb/internal/runner/runnertest"
	"github.com/goplus/cppb/pkgs/toolchain"
	"github.com/goplus/cppb/pkgs/toolchain/cc"
)

// recorder is a toolchain backend that writes outputs without running
// anything and logs every operation it is asked to perform.
type recorder struct {
	ops      []string
	linked   []toolchain.ObjectFiles
	failOn   map[string]int
	changed  map[string]bool
	withDeps bool
}

func (r *recorder) ObjectFile(source, buildDir string) string {
	base := filepath.Base(source)
	return filepath.Join(buildDir, strings.TrimSuffix(base, filepath.Ext(base))+".o")
}

func (r *recorder) Compile(ctx context.Context, sources toolchain.SourceFiles, buildDir string) (toolchain.ObjectFiles, error) {
	var objs toolchain.ObjectFiles
	for _, src := range sources {
		r.ops = append(r.ops, "compile "+filepath.Base(src))
		if code, ok := r.failOn[filepath.Base(src)]; ok {
			return nil, &toolchain.ToolError{Op: "compile", Command: "cc " + src, ExitCode: code}
		}
		obj := r.ObjectFile(src, buildDir)
		if err := runnertest.Touch(obj, time.Now()); err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (r *recorder) Link(ctx context.Context, objects toolchain.ObjectFiles, libs toolchain.Libraries, buildDir, name string, typ toolchain.BinaryType) (*toolchain.BinaryFile, error) {
	r.ops = append(r.ops, "link "+name)
	r.linked = append(r.linked, objects)
	if code, ok := r.failOn[name]; ok {
		return nil, &toolchain.ToolError{Op: "link", Command: "cc -o " + name, ExitCode: code}
	}
	path := filepath.Join(buildDir, name)
	if err := runnertest.Touch(path, time.Now()); err != nil {
		return nil, err
	}
	return &toolchain.BinaryFile{Name: name, Path: path, Type: typ}, nil
}

func (r *recorder) PrecompileModules(ctx context.Context, modules toolchain.ModuleFiles, buildDir string) (toolchain.SourceFiles, error) {
	var out toolchain.SourceFiles
	for _, mod := range modules {
		r.ops = append(r.ops, "precompile "+filepath.Base(mod))
		base := filepath.Base(mod)
		pcm := filepath.Join(buildDir, strings.TrimSuffix(base, filepath.Ext(base))+".pcm")
		if err := runnertest.Touch(pcm, time.Now()); err != nil {
			return nil, err
		}
		out = append(out, pcm)
	}
	return out, nil
}

func (r *recorder) DependenciesChanged(ctx context.Context, source, artifact string) bool {
	return r.changed[filepath.Base(source)]
}

func (r *recorder) Capabilities() toolchain.Capability {
	caps := toolchain.CapCompile | toolchain.CapLink | toolchain.CapPrecompileModules
	if r.withDeps {
		caps |= toolchain.CapDependencies
	}
	return caps
}

type fixture struct {
	t    *testing.T
	dir  string
	base time.Time
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, dir: t.TempDir(), base: time.Now().Add(-time.Hour).Truncate(time.Second)}
}

func (f *fixture) src(name string) string {
	f.t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, runnertest.Touch(path, f.base))
	return path
}

func (f *fixture) bump(path string) {
	f.t.Helper()
	require.NoError(f.t, runnertest.Touch(path, time.Now().Add(time.Hour)))
}

func (f *fixture) buildDir() string {
	return filepath.Join(f.dir, "build")
}

func wire(t *testing.T, r *recorder) *toolchain.Toolchain {
	t.Helper()
	tc, err := toolchain.Wire("recorder", r)
	require.NoError(t, err)
	return tc
}

func TestTargetBuildIsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	target := NewTarget("app", wire(t, r), f.src("a.cpp"), f.src("b.cpp"))
	ctx := context.Background()

	bin, err := target.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.buildDir(), "app"), bin.Path)
	assert.Equal(t, []string{"compile a.cpp", "compile b.cpp", "link app"}, r.ops)
	assert.Equal(t, filepath.Join(f.buildDir(), "obj", "app", "a.o"), target.Sources[0].Object)

	r.ops = nil
	_, err = target.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"link app"}, r.ops, "only the linker's own staleness check runs")
}

func TestTargetRelinksEveryObject(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	srcs := []string{f.src("a.cpp"), f.src("b.cpp"), f.src("c.cpp")}
	target := NewTarget("app", wire(t, r), srcs...)
	ctx := context.Background()

	_, err := target.Build(ctx, f.buildDir())
	require.NoError(t, err)

	f.bump(srcs[1])
	r.ops, r.linked = nil, nil
	_, err = target.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"compile b.cpp", "link app"}, r.ops)
	require.Len(t, r.linked, 1)
	assert.Equal(t, toolchain.ObjectFiles{
		target.Sources[0].Object,
		target.Sources[1].Object,
		target.Sources[2].Object,
	}, r.linked[0])
}

func TestTargetDependencyChange(t *testing.T) {
	f := newFixture(t)
	r := &recorder{withDeps: true, changed: map[string]bool{}}
	target := NewTarget("app", wire(t, r), f.src("a.cpp"), f.src("b.cpp"))
	ctx := context.Background()

	_, err := target.Build(ctx, f.buildDir())
	require.NoError(t, err)

	r.changed["b.cpp"] = true
	r.ops = nil
	_, err = target.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"compile b.cpp", "link app"}, r.ops)

	// Without the capability, the same report is never consulted.
	r.withDeps = false
	target.Toolchain = wire(t, r)
	r.ops = nil
	_, err = target.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"link app"}, r.ops)
}

func TestTargetCompileFailureSkipsLink(t *testing.T) {
	f := newFixture(t)
	r := &recorder{failOn: map[string]int{"b.cpp": 1}}
	target := NewTarget("app", wire(t, r), f.src("a.cpp"), f.src("b.cpp"), f.src("c.cpp"))

	_, err := target.Build(context.Background(), f.buildDir())
	var toolErr *toolchain.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, 1, toolErr.ExitCode)
	assert.Equal(t, []string{"compile a.cpp", "compile b.cpp"}, r.ops)
}

func TestTargetModules(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	target := NewTarget("app", wire(t, r), f.src("main.cpp"))
	target.Modules = []string{f.src("math.cppm")}

	_, err := target.Build(context.Background(), f.buildDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"precompile math.cppm", "compile math.pcm", "compile main.cpp", "link app"}, r.ops)
	objDir := target.ObjectDir(f.buildDir())
	assert.Equal(t, toolchain.ObjectFiles{filepath.Join(objDir, "math.o"), filepath.Join(objDir, "main.o")}, r.linked[0])
}

func TestTargetValidate(t *testing.T) {
	r := &recorder{}
	tc := wire(t, r)

	compileOnly, err := toolchain.Wire("compile-only", struct{ toolchain.Compiler }{r})
	require.NoError(t, err)

	tests := []struct {
		name   string
		target *Target
		errMsg string
	}{
		{"no name", NewTarget("", tc, "a.cpp"), "no name"},
		{"no toolchain", NewTarget("app", nil, "a.cpp"), "no toolchain"},
		{"no sources", NewTarget("app", tc), "no sources"},
		{"cannot link", NewTarget("app", compileOnly, "a.cpp"), "missing capability link"},
		{"same object twice", NewTarget("app", tc, "x/a.cpp", "y/a.cpp"), "both compile to"},
		{"object naming", &Target{Name: "app", Toolchain: tc, Sources: []*SourceFile{{Path: "a.cpp", Object: "out/b.o"}}}, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	ok := &Target{Name: "app", Toolchain: tc, Sources: []*SourceFile{{Path: "a.cpp", Object: filepath.Join("out", "a.o")}}}
	assert.NoError(t, ok.Validate())
}

func TestProjectStopsAtFirstFailingTarget(t *testing.T) {
	f := newFixture(t)
	r := &recorder{failOn: map[string]int{"broken.cpp": 2}}
	tc := wire(t, r)
	p := &Project{Targets: []*Target{
		NewTarget("first", tc, f.src("broken.cpp")),
		NewTarget("second", tc, f.src("fine.cpp")),
	}}

	bins, err := p.Build(context.Background(), f.buildDir())
	require.Error(t, err)
	assert.Empty(t, bins)
	assert.Contains(t, err.Error(), "target first")
	assert.Equal(t, []string{"compile broken.cpp"}, r.ops)
}

func TestProjectValidatesBeforeBuilding(t *testing.T) {
	f := newFixture(t)
	r := &recorder{}
	tc := wire(t, r)
	p := &Project{Targets: []*Target{
		NewTarget("first", tc, f.src("a.cpp")),
		NewTarget("first", tc, f.src("b.cpp")),
	}}
	_, err := p.Build(context.Background(), f.buildDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate target")
	assert.Empty(t, r.ops)
}

func TestProjectSelect(t *testing.T) {
	tc := wire(t, &recorder{})
	p := &Project{Targets: []*Target{
		NewTarget("a", tc, "a.cpp"),
		NewTarget("b", tc, "b.cpp"),
		NewTarget("c", tc, "c.cpp"),
	}}

	sel, err := p.Select("c", "a")
	require.NoError(t, err)
	require.Len(t, sel.Targets, 2)
	assert.Equal(t, "a", sel.Targets[0].Name)
	assert.Equal(t, "c", sel.Targets[1].Name)

	all, err := p.Select()
	require.NoError(t, err)
	assert.Len(t, all.Targets, 3)

	_, err = p.Select("d")
	assert.Error(t, err)
}

// TestProjectWithCCBackend drives the real backend through a fake runner to
// check the commands a full build issues.
func TestProjectWithCCBackend(t *testing.T) {
	f := newFixture(t)
	fake := &runnertest.Fake{Handle: func(c *runner.Cmd) error {
		if strings.Contains(c.String(), "-MM") {
			return &runner.ExitError{Cmd: c.String(), Code: 1}
		}
		return runnertest.TouchOutput(c)
	}}
	tc, err := toolchain.Wire("cc", cc.New(cc.Config{Compiler: "c++", DepsFlag: "-MM"}, cc.WithRunner(fake)))
	require.NoError(t, err)

	lib := &Target{Name: "libutil.a", Type: toolchain.StaticLibrary, Toolchain: tc,
		Sources: []*SourceFile{{Path: f.src("util.cpp")}}}
	app := NewTarget("app", tc, f.src("main.cpp"))
	app.Libraries = []toolchain.Library{{Path: filepath.Join(f.buildDir(), "util")}}
	p := &Project{Name: "demo", Targets: []*Target{lib, app}}
	ctx := context.Background()

	bins, err := p.Build(ctx, f.buildDir())
	require.NoError(t, err)
	require.Len(t, bins, 2)
	assert.Equal(t, toolchain.StaticLibrary, bins[0].Type)
	assert.Equal(t, 1, fake.Count("ar rcs "+bins[0].Path))
	assert.Equal(t, 1, fake.Count("c++ ", "-L"+f.buildDir(), "-lutil", "-o "+bins[1].Path))

	fake.Reset()
	_, err = p.Build(ctx, f.buildDir())
	require.NoError(t, err)
	assert.Zero(t, fake.Count("-o "), "second build compiles and links nothing")
	assert.Zero(t, fake.Count("ar "))
}
