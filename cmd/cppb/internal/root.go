package internal

import (
	"errors"
	"os"
	"strconv"

	"github.com/qiniu/x/log"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "cppb",
	Short: "cppb is an incremental build driver for C and C++",
	Long: `cppb compiles and links C and C++ targets described in a Buildfile.hcl,
rebuilding only what is out of date with respect to sources and the headers
they include. It can also bootstrap a build script written in C++.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetOutputLevel(log.Ldebug)
		} else {
			log.SetOutputLevel(log.Linfo)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// exitError makes the process exit with Code without printing anything.
type exitError struct {
	Code int
}

func (e *exitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	if err != nil {
		log.Fatal(err)
	}
}
