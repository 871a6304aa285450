// Package main is the entry point for the forge command.
package main

import (
	"os"

	"github.com/flexinfer/forge/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(cli.Execute(version, os.Args[1:]))
}
