package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goplus/cppb/internal/build"
)

var (
	cleanFile     string
	cleanBuildDir string
	cleanAll      bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove build outputs",
	Long: `Clean removes object files and every binary recorded by earlier builds.
With --all the whole build directory is removed.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().StringVarP(&cleanFile, "file", "f", "", "Build description naming the build directory")
	cleanCmd.Flags().StringVarP(&cleanBuildDir, "build-dir", "B", "", "Build directory to clean")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove the whole build directory")
	rootCmd.AddCommand(cleanCmd)
}

func cleanDir() (string, error) {
	if cleanBuildDir != "" {
		return cleanBuildDir, nil
	}
	cfg, err := loadBuildfile(cleanFile, "")
	if err != nil {
		return "", err
	}
	return cfg.BuildDir, nil
}

func runClean(cmd *cobra.Command, args []string) error {
	dir, err := cleanDir()
	if err != nil {
		return err
	}
	builder := build.NewBuilder(dir)
	if cleanAll {
		unlock, err := builder.Lock()
		if err != nil {
			return err
		}
		defer unlock()
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		return nil
	}
	return builder.Clean()
}
