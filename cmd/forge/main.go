// Package main is the forge command line entry point.
package main

import (
	"os"

	"github.com/imkarma/forge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
