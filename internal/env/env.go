// Package env resolves the driver's defaults from the process environment.
package env

import (
	"os"
)

const (
	defaultBuildDir  = "build"
	defaultBuildfile = "Buildfile.hcl"
	defaultCompiler  = "c++"
)

// BuildDir returns $CPPB_BUILD_DIR, or "build".
func BuildDir() string {
	return lookup("CPPB_BUILD_DIR", defaultBuildDir)
}

// Buildfile returns $CPPB_BUILDFILE, or "Buildfile.hcl".
func Buildfile() string {
	return lookup("CPPB_BUILDFILE", defaultBuildfile)
}

// Compiler returns $CXX, or "c++".
func Compiler() string {
	return lookup("CXX", defaultCompiler)
}

// Vars returns the process environment as a map.
func Vars() map[string]string {
	environ := os.Environ()
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 1; i < len(kv); i++ {
			if kv[i] == '=' {
				vars[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return vars
}

func lookup(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
