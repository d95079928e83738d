package main

import (
	"fmt"
	"os"

	"github.com/google/pprof/profile"
)

// reportProfile re-parses the pprof file just written and prints a one-line
// sample count summary, so --cpuprofile gives immediate feedback without a
// separate `go tool pprof` round trip.
func reportProfile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	prof, err := profile.Parse(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "upatch-manage: cpuprofile written to %s (unparsed: %v)\n", path, err)
		return
	}
	fmt.Fprintf(os.Stderr, "upatch-manage: cpuprofile written to %s (%d samples, %d locations)\n",
		path, len(prof.Sample), len(prof.Location))
}
