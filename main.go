// Package main is the entry point for the skylink downlink processor.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/skylink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
