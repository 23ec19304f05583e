// Package main is the entrypoint for cosim, the component coupling runtime.
package main

import "github.com/seantiz/cosim/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
