package main

import (
	"github.com/cyberinferno/sensor-ingest/cli"
)

// Version information, set with -ldflags at build time
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

func main() {
	cli.SetVersion(Version, Commit, Date)
	cli.Execute()
}
