package cc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goplus/cppb/internal/runner"
	"github.com/goplus/cppb/internal/runner/runnertest"
	"github.com/goplus/cppb/pkgs/toolchain"
)

// fakeCompiler answers dependency queries from deps, fails commands
// mentioning any path in fail, and otherwise writes the command output.
type fakeCompiler struct {
	runnertest.Fake
	deps    map[string][]string
	fail    map[string]int
	version string
}

func newFakeCompiler() *fakeCompiler {
	f := &fakeCompiler{deps: map[string][]string{}, fail: map[string]int{}}
	f.Handle = f.handle
	return f
}

func (f *fakeCompiler) handle(c *runner.Cmd) error {
	if slices.Contains(c.Args, "--version") {
		fmt.Fprint(c.Stdout, f.version)
		return nil
	}
	if slices.Contains(c.Args, "-MM") {
		src := c.Args[len(c.Args)-1]
		deps, ok := f.deps[src]
		if !ok {
			return &runner.ExitError{Cmd: c.String(), Code: 1}
		}
		fmt.Fprintf(c.Stdout, "x.o: %s \\\n  %s\n", src, strings.Join(deps, " "))
		return nil
	}
	for path, code := range f.fail {
		if slices.Contains(c.Args, path) {
			return &runner.ExitError{Cmd: c.String(), Code: code}
		}
	}
	return runnertest.TouchOutput(c)
}

// builds counts invocations that produce an output file.
func (f *fakeCompiler) builds() int {
	n := 0
	for _, c := range f.Calls {
		if runnertest.Output(c) != "" {
			n++
		}
	}
	return n
}

type workspace struct {
	t    *testing.T
	dir  string
	base time.Time
}

func newWorkspace(t *testing.T) *workspace {
	return &workspace{t: t, dir: t.TempDir(), base: time.Now().Add(-time.Hour).Truncate(time.Second)}
}

func (w *workspace) file(name string, offset time.Duration) string {
	w.t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(w.t, runnertest.Touch(path, w.base.Add(offset)))
	return path
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func newBackend(f *fakeCompiler, cfg Config) *Backend {
	if cfg.Compiler == "" {
		cfg.Compiler = "clang++"
	}
	if cfg.DepsFlag == "" {
		cfg.DepsFlag = "-MM"
	}
	return New(cfg, WithRunner(f))
}

func TestObjectFile(t *testing.T) {
	b := New(Config{Compiler: "c++"})
	assert.Equal(t, filepath.Join("build", "obj", "main.o"), b.ObjectFile("src/main.cpp", filepath.Join("build", "obj")))
	assert.Equal(t, filepath.Join("b", "mod.pcm"), b.ModuleFile("mod.cppm", "b"))
	assert.Equal(t, filepath.Join("b", "noext.o"), b.ObjectFile("noext", "b"))
}

func TestCompile(t *testing.T) {
	w := newWorkspace(t)
	a := w.file("a.cpp", 0)
	bsrc := w.file("b.cpp", 0)
	hdr := w.file("util.h", 0)
	objDir := w.path("build")

	f := newFakeCompiler()
	f.deps[a] = []string{hdr}
	f.deps[bsrc] = nil
	f.deps[hdr] = nil
	b := newBackend(f, Config{Flags: []string{"-std=c++20"}, CompileFlags: []string{"-O2"}})
	ctx := context.Background()

	objs, err := b.Compile(ctx, toolchain.SourceFiles{a, bsrc}, objDir)
	require.NoError(t, err)
	assert.Equal(t, toolchain.ObjectFiles{filepath.Join(objDir, "a.o"), filepath.Join(objDir, "b.o")}, objs)
	assert.Equal(t, 2, f.builds())
	assert.Equal(t, 1, f.Count("clang++ -std=c++20 -O2 -c "+a+" -o "+objs[0]))

	t.Run("up to date", func(t *testing.T) {
		f.Reset()
		again, err := b.Compile(ctx, toolchain.SourceFiles{a, bsrc}, objDir)
		require.NoError(t, err)
		assert.Equal(t, objs, again)
		assert.Zero(t, f.builds())
	})

	t.Run("header changed", func(t *testing.T) {
		w.file("util.h", 2*time.Hour)
		f.Reset()
		b := newBackend(f, Config{})
		_, err := b.Compile(ctx, toolchain.SourceFiles{a, bsrc}, objDir)
		require.NoError(t, err)
		assert.Equal(t, 1, f.builds())
		assert.Equal(t, 1, f.Count("-c "+a))
	})
}

func TestCompileStopsAtFirstFailure(t *testing.T) {
	w := newWorkspace(t)
	a := w.file("a.cpp", 0)
	bad := w.file("bad.cpp", 0)
	c := w.file("c.cpp", 0)

	f := newFakeCompiler()
	f.fail[bad] = 3
	b := newBackend(f, Config{})

	objs, err := b.Compile(context.Background(), toolchain.SourceFiles{a, bad, c}, w.path("build"))
	assert.Nil(t, objs)
	var toolErr *toolchain.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, 3, toolErr.ExitCode)
	assert.Equal(t, "compile", toolErr.Op)
	assert.Contains(t, toolErr.Command, bad)
	assert.Zero(t, f.Count("-c "+c))
}

func TestCompileWithoutDependencyChecking(t *testing.T) {
	w := newWorkspace(t)
	a := w.file("a.cpp", 0)
	f := newFakeCompiler()
	b := New(Config{Compiler: "g++"}, WithRunner(f))

	assert.Zero(t, b.Capabilities()&toolchain.CapDependencies)
	_, err := b.Compile(context.Background(), toolchain.SourceFiles{a}, w.path("build"))
	require.NoError(t, err)
	assert.Zero(t, f.Count("-MM"))
	assert.Nil(t, b.Dependencies(context.Background(), a))
}

func TestDependencies(t *testing.T) {
	w := newWorkspace(t)
	src := w.file("main.cpp", 0)
	a := w.file("a.h", 0)
	bh := w.file("b.h", 0)

	f := newFakeCompiler()
	f.deps[src] = []string{a}
	f.deps[a] = []string{bh}
	f.deps[bh] = []string{a}
	b := newBackend(f, Config{})
	assert.Equal(t, []string{a, bh}, b.Dependencies(context.Background(), src))
}

func TestLink(t *testing.T) {
	w := newWorkspace(t)
	objs := toolchain.ObjectFiles{w.file("a.o", 0), w.file("b.o", 0), w.file("c.o", 0)}
	buildDir := w.path("out")
	libs := toolchain.ResolveLibraries([]toolchain.Library{{Path: "lib/z"}, {Path: "m"}})

	f := newFakeCompiler()
	b := newBackend(f, Config{Flags: []string{"-g"}, LinkFlags: []string{"-pthread"}})
	ctx := context.Background()

	bin, err := b.Link(ctx, objs, libs, buildDir, "app", toolchain.Executable)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(buildDir, "app"), bin.Path)
	assert.Equal(t, toolchain.Executable, bin.Type)
	require.Len(t, f.Calls, 1)
	want := fmt.Sprintf("clang++ -g -pthread %s %s %s -Llib -lz -lm -o %s", objs[0], objs[1], objs[2], bin.Path)
	assert.Equal(t, want, f.Calls[0].String())

	t.Run("up to date", func(t *testing.T) {
		f.Reset()
		_, err := b.Link(ctx, objs, libs, buildDir, "app", toolchain.Executable)
		require.NoError(t, err)
		assert.Empty(t, f.Calls)
	})

	t.Run("one object newer relinks everything", func(t *testing.T) {
		w.file("b.o", 2*time.Hour)
		f.Reset()
		_, err := b.Link(ctx, objs, libs, buildDir, "app", toolchain.Executable)
		require.NoError(t, err)
		require.Len(t, f.Calls, 1)
		for _, obj := range objs {
			assert.Contains(t, f.Calls[0].Args, obj)
		}
	})
}

func TestLinkLibraryTypes(t *testing.T) {
	w := newWorkspace(t)
	objs := toolchain.ObjectFiles{w.file("a.o", 0)}

	f := newFakeCompiler()
	b := newBackend(f, Config{})
	ctx := context.Background()

	_, err := b.Link(ctx, objs, toolchain.Libraries{}, w.path("out"), "libfoo.so", toolchain.DynamicLibrary)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Count("clang++ -shared "+objs[0]))

	_, err = b.Link(ctx, objs, toolchain.Libraries{Names: []string{"m"}}, w.path("out"), "libfoo.a", toolchain.StaticLibrary)
	require.NoError(t, err)
	last := f.Calls[len(f.Calls)-1]
	assert.Equal(t, "ar", last.Path)
	assert.Equal(t, []string{"rcs", filepath.Join(w.path("out"), "libfoo.a"), objs[0]}, last.Args)
}

func TestLinkErrors(t *testing.T) {
	w := newWorkspace(t)
	f := newFakeCompiler()
	b := newBackend(f, Config{})
	ctx := context.Background()

	_, err := b.Link(ctx, nil, toolchain.Libraries{}, w.path("out"), "app", toolchain.Executable)
	assert.ErrorIs(t, err, toolchain.ErrNoObjects)

	obj := w.file("a.o", 0)
	f.fail[obj] = 1
	_, err = b.Link(ctx, toolchain.ObjectFiles{obj}, toolchain.Libraries{}, w.path("out"), "app", toolchain.Executable)
	var toolErr *toolchain.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "link", toolErr.Op)
	assert.Equal(t, 1, toolErr.ExitCode)
}

func TestPrecompileModules(t *testing.T) {
	w := newWorkspace(t)
	mod := w.file("math.cppm", 0)
	f := newFakeCompiler()
	f.deps[mod] = nil
	b := newBackend(f, Config{})
	ctx := context.Background()

	out, err := b.PrecompileModules(ctx, toolchain.ModuleFiles{mod}, w.path("build"))
	require.NoError(t, err)
	assert.Equal(t, toolchain.SourceFiles{filepath.Join(w.path("build"), "math.pcm")}, out)
	assert.Equal(t, 1, f.Count("-fmodules --precompile "+mod+" -o "+out[0]))

	f.Reset()
	again, err := b.PrecompileModules(ctx, toolchain.ModuleFiles{mod}, w.path("build"))
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Zero(t, f.builds())
}

func TestVersion(t *testing.T) {
	f := newFakeCompiler()
	f.version = "clang version 17.0.6 (Fedora 17.0.6-2.fc39)\nTarget: x86_64-redhat-linux-gnu\n"
	b := newBackend(f, Config{})
	ctx := context.Background()

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v17.0.6", v)

	assert.NoError(t, b.CheckVersion(ctx, "15"))
	assert.NoError(t, b.CheckVersion(ctx, "v17.0.6"))
	assert.Error(t, b.CheckVersion(ctx, "18.1"))
	assert.Error(t, b.CheckVersion(ctx, "latest"))

	f.version = "g++ (GCC) 13.2\n"
	v, err = b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v13.2.0", v)

	f.version = "no digits here"
	_, err = b.Version(ctx)
	assert.Error(t, err)
}

func TestCompileLinkE2E(t *testing.T) {
	cxx, err := exec.LookPath("c++")
	if err != nil {
		t.Skip("c++ not found in PATH")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "main.cpp")
	hdr := filepath.Join(dir, "answer.h")
	require.NoError(t, os.WriteFile(hdr, []byte("#define ANSWER 42\n"), 0o644))
	require.NoError(t, os.WriteFile(src, []byte("#include \"answer.h\"\nint main() { return ANSWER - 42; }\n"), 0o644))

	b := New(Config{Compiler: cxx, DepsFlag: "-MM"})
	ctx := context.Background()
	objs, err := b.Compile(ctx, toolchain.SourceFiles{src}, filepath.Join(dir, "obj"))
	require.NoError(t, err)
	bin, err := b.Link(ctx, objs, toolchain.Libraries{}, filepath.Join(dir, "bin"), "answer", toolchain.Executable)
	require.NoError(t, err)

	out, err := exec.Command(bin.Path).CombinedOutput()
	require.NoError(t, err, string(out))

	deps := b.Dependencies(ctx, src)
	assert.Contains(t, deps, hdr)
}
