// Command portal runs the tourism portal API and its maintenance tasks.
package main

import "os"

// Set through -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
