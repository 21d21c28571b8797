package internal

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"

	"github.com/goplus/cppb/internal/build"
	"github.com/goplus/cppb/internal/env"
	"github.com/goplus/cppb/pkgs/bootstrap"
	"github.com/goplus/cppb/pkgs/toolchain"
)

var (
	runFile      string
	runToolchain string
	runBuildDir  string
)

var runCmd = &cobra.Command{
	Use:   "run <script-source> [-- args...]",
	Short: "Build a C++ build script if needed and run it",
	Long: `Run compiles a single-file build script into the build directory when the
binary is missing or older than the script or its headers, then executes it
with the remaining arguments. cppb exits with the script's exit status.

A rebuild keeps the previous binary next to the new one with an .old suffix
and puts it back if linking fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Build description supplying the toolchain")
	runCmd.Flags().StringVarP(&runToolchain, "toolchain", "t", "", "Toolchain to compile the script with")
	runCmd.Flags().StringVarP(&runBuildDir, "build-dir", "B", "", "Build directory (default $CPPB_BUILD_DIR or build)")
	rootCmd.AddCommand(runCmd)
}

// scriptBinary returns the binary built for source in buildDir.
func scriptBinary(source, buildDir string) string {
	base := filepath.Base(source)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(buildDir, name)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, tc, err := selectToolchain(runFile, runToolchain)
	if err != nil {
		return err
	}
	buildDir := runBuildDir
	if buildDir == "" {
		buildDir = env.BuildDir()
	}
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	binary, err := filepath.Abs(scriptBinary(source, buildDir))
	if err != nil {
		return err
	}

	opts := []bootstrap.Option{bootstrap.WithStdio(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())}
	if toolRunner != nil {
		opts = append(opts, bootstrap.WithRunner(toolRunner))
	}
	script := bootstrap.New(binary, source, opts...)

	// The lock covers the rebuild only: the script may invoke cppb itself.
	builder := build.NewBuilder(buildDir)
	unlock, err := builder.Lock()
	if err != nil {
		return err
	}
	rebuilt, err := script.Rebuild(ctx, tc)
	if err == nil && rebuilt {
		bin := &toolchain.BinaryFile{Name: filepath.Base(binary), Path: binary, Type: toolchain.Executable}
		if recErr := builder.Record(filepath.Base(binary), bin); recErr != nil {
			log.Warnf("save build cache: %v", recErr)
		}
	}
	unlock()
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", args[0], err)
	}

	code, err := script.Execute(ctx, args[1:]...)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", binary, err)
	}
	if code != 0 {
		return &exitError{Code: code}
	}
	return nil
}
