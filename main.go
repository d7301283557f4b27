// Package main is the entry point for the sigmac rule compiler.
package main

import (
	"fmt"
	"os"

	"sigmac/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
