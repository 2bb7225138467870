// Package main provides the dynhook command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/k2io/dynhook/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
