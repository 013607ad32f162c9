// Package main is the entry point for the trackproxy application.
package main

import (
	"os"

	"github.com/jmylchreest/trackproxy/cmd/trackproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
