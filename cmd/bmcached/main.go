package main

import (
	"fmt"
	"os"

	"github.com/birdmichael/BMVideoCache/cmd/bmcached/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := commands.Execute(version, commit); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
