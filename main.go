// Package main is the entry point for the wlanrx receive path daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/wlanrx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
