// Command bulkscan scans disk images and other large inputs for features.
package main

import (
	"github.com/anstrom/bulkscan/cmd/cli"
)

// Build information, set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
