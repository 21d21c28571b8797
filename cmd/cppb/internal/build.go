package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goplus/cppb/internal/build"
	"github.com/goplus/cppb/internal/buildfile"
	"github.com/goplus/cppb/internal/env"
	"github.com/goplus/cppb/internal/runner"
)

var (
	buildFile     string
	buildBuildDir string
)

// toolRunner runs every external tool. Tests replace it.
var toolRunner runner.Runner

var buildCmd = &cobra.Command{
	Use:   "build [target...]",
	Short: "Build targets of the Buildfile",
	Long: `Build compiles and links the named targets, or every target, in declaration
order. Sources are recompiled only when they or a header they include changed.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildFile, "file", "f", "", "Build description (default $CPPB_BUILDFILE or Buildfile.hcl)")
	buildCmd.Flags().StringVarP(&buildBuildDir, "build-dir", "B", "", "Override the build directory")
	rootCmd.AddCommand(buildCmd)
}

func loadBuildfile(path, buildDir string) (*buildfile.Config, error) {
	if path == "" {
		path = env.Buildfile()
	}
	cfg, err := buildfile.Load(path, buildfile.Options{BuildDir: buildDir, Runner: toolRunner})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadBuildfile(buildFile, buildBuildDir)
	if err != nil {
		return err
	}
	if err := cfg.CheckVersions(ctx); err != nil {
		return err
	}

	builder := build.NewBuilder(cfg.BuildDir)
	bins, err := builder.Build(ctx, cfg.Project, args...)
	for _, bin := range bins {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", bin.Path, bin.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", cfg.Project.Name, err)
	}
	return nil
}
