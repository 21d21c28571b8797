package main

import "github.com/goplus/cppb/cmd/cppb/internal"

func main() {
	internal.Execute()
}
