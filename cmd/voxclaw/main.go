// Package main is the entry point for the voxclaw CLI.
package main

import (
	"os"

	"github.com/voxclaw/voxclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
