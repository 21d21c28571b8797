package internal

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/goplus/cppb/internal/buildfile"
	"github.com/goplus/cppb/internal/env"
	"github.com/goplus/cppb/pkgs/toolchain"
	"github.com/goplus/cppb/pkgs/toolchain/cc"
)

var (
	depsFile      string
	depsToolchain string
)

var depsCmd = &cobra.Command{
	Use:   "deps <source>",
	Short: "Print the headers a source file includes",
	Long: `Deps prints every file the source depends on, directly or through other
headers, one per line. Without a Buildfile the system compiler is asked.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeps,
}

func init() {
	depsCmd.Flags().StringVarP(&depsFile, "file", "f", "", "Build description (default $CPPB_BUILDFILE or Buildfile.hcl)")
	depsCmd.Flags().StringVarP(&depsToolchain, "toolchain", "t", "", "Toolchain to ask (default: the first declared)")
	rootCmd.AddCommand(depsCmd)
}

// selectToolchain returns the toolchain called name from the build
// description at file. Without an explicit file and with no Buildfile in
// place, the system compiler is used.
func selectToolchain(file, name string) (*cc.Backend, *toolchain.Toolchain, error) {
	path := file
	if path == "" {
		path = env.Buildfile()
	}
	if file == "" && !buildfile.Exists(path) {
		var opts []cc.Option
		if toolRunner != nil {
			opts = append(opts, cc.WithRunner(toolRunner))
		}
		backend := cc.New(cc.DefaultConfig(), opts...)
		tc, err := toolchain.Wire(buildfile.DefaultToolchain, backend)
		return backend, tc, err
	}
	cfg, err := loadBuildfile(path, "")
	if err != nil {
		return nil, nil, err
	}
	tc, err := cfg.Toolchain(name)
	if err != nil {
		return nil, nil, err
	}
	backend, err := cfg.Backend(tc.Name)
	if err != nil {
		return nil, nil, err
	}
	return backend, tc, nil
}

func runDeps(cmd *cobra.Command, args []string) error {
	backend, tc, err := selectToolchain(depsFile, depsToolchain)
	if err != nil {
		return err
	}
	if err := tc.Require(toolchain.CapDependencies); err != nil {
		return err
	}
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	for _, dep := range backend.Dependencies(cmd.Context(), source) {
		fmt.Fprintln(cmd.OutOrStdout(), dep)
	}
	return nil
}
