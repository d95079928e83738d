// Command upatch-manage attaches to a running process, loads an ELF patch
// object, and redirects one or more functions to their replacement
// implementations without restarting the process.
//
// Usage:
//
//	upatch-manage patch   --pid <N> --upatch <path> --binary <path> [-v] [--cpuprofile <file>]
//	upatch-manage unpatch --pid <N> --uuid <id> [-v]
//	upatch-manage info    --pid <N> [--uuid <id>] [-v]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
	"time"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/upatch-manage/internal/safety"
	"github.com/xyproto/upatch-manage/internal/upatch"
)

const versionString = "upatch-manage 1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the dispatch entry point factored out of main so exit codes are a
// plain return value rather than an os.Exit buried in the middle of parsing.
func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 1
	}

	// UPATCH_RETRY overrides the stack-check retry backoff interval
	// (milliseconds); the retry COUNT stays a package constant since it's
	// part of the documented stack-safety contract, not a deployment knob.
	if ms := env.Int("UPATCH_RETRY", 0); ms > 0 {
		safety.RetryInterval = time.Duration(ms) * time.Millisecond
	}

	switch args[0] {
	case "patch":
		return cmdPatch(args[1:])
	case "unpatch":
		return cmdUnpatch(args[1:])
	case "info":
		return cmdInfo(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "version", "--version", "-V":
		fmt.Println(versionString)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "upatch-manage: unknown command %q\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `upatch-manage <patch|unpatch|info> --pid <N> [--upatch <path>] [--binary <path>] [--uuid <id>] [-v] [--cpuprofile <file>]
  patch:   --pid <N> --upatch <path> --binary <path>
  unpatch: --pid <N> --uuid <id>
  info:    --pid <N> [--uuid <id>]`)
}

// sharedFlags holds the flags every subcommand accepts, mirroring how the
// teacher's CommandContext carries the options every build/run command
// shares instead of re-declaring them per subcommand.
type sharedFlags struct {
	pid        int
	verbose    bool
	cpuprofile string
}

func addSharedFlags(fs *flag.FlagSet, sf *sharedFlags) {
	fs.IntVar(&sf.pid, "pid", 0, "target process ID")
	fs.BoolVar(&sf.verbose, "v", env.Bool("UPATCH_VERBOSE"), "verbose (debug) logging")
	fs.StringVar(&sf.cpuprofile, "cpuprofile", "", "write a CPU profile to this file")
}

func newLogger(sf *sharedFlags) *slog.Logger {
	level := slog.LevelInfo
	if sf.verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// startProfile honors --cpuprofile the way the teacher's -opt-timeout flag
// is a thin wrapper over a stdlib facility: it writes raw pprof samples,
// then hands them to google/pprof/profile so a verbose run can report a
// sample count without requiring a separate `go tool pprof` invocation.
func startProfile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpuprofile %s: %w", path, err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("start cpuprofile: %w", err)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
		reportProfile(path)
	}, nil
}

func exitFor(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "upatch-manage:", err)
	var uerr *upatch.Error
	if errors.As(err, &uerr) {
		return uerr.Kind.ExitCode()
	}
	return 1
}

func cmdPatch(args []string) int {
	fs := flag.NewFlagSet("patch", flag.ExitOnError)
	sf := &sharedFlags{}
	addSharedFlags(fs, sf)
	upatchPath := fs.String("upatch", "", "path to the ELF patch object")
	binaryPath := fs.String("binary", "", "path to the target's on-disk binary")
	fs.Parse(args)

	if sf.pid == 0 || *upatchPath == "" || *binaryPath == "" {
		fmt.Fprintln(os.Stderr, "usage: upatch-manage patch --pid <N> --upatch <path> --binary <path>")
		return 1
	}

	stop, err := startProfile(sf.cpuprofile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "upatch-manage:", err)
		return 1
	}
	defer stop()

	patchData, err := os.ReadFile(*upatchPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "upatch-manage:", err)
		return 1
	}

	log := newLogger(sf)
	applied, err := upatch.Apply(context.Background(), sf.pid, *binaryPath, patchData, upatch.ApplyOptions{Logger: log})
	if err != nil {
		return exitFor(err)
	}

	fmt.Printf("patch applied: uuid=%s functions=%d\n", applied.UUID, len(applied.Funcs))
	return 0
}

func cmdUnpatch(args []string) int {
	fs := flag.NewFlagSet("unpatch", flag.ExitOnError)
	sf := &sharedFlags{}
	addSharedFlags(fs, sf)
	uuidFlag := fs.String("uuid", "", "36-character canonical UUID of the applied patch to remove")
	fs.Parse(args)

	if sf.pid == 0 || len(*uuidFlag) != 36 {
		fmt.Fprintln(os.Stderr, "usage: upatch-manage unpatch --pid <N> --uuid <id>")
		return 1
	}

	log := newLogger(sf)
	if err := upatch.Remove(context.Background(), sf.pid, *uuidFlag, upatch.RemoveOptions{Logger: log}); err != nil {
		return exitFor(err)
	}

	fmt.Println("patch removed")
	return 0
}

func cmdInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	sf := &sharedFlags{}
	addSharedFlags(fs, sf)
	uuidFlag := fs.String("uuid", "", "restrict the listing to one patch's UUID")
	fs.Parse(args)

	if sf.pid == 0 {
		fmt.Fprintln(os.Stderr, "usage: upatch-manage info --pid <N> [--uuid <id>]")
		return 1
	}

	patches, err := upatch.Info(sf.pid)
	if err != nil {
		return exitFor(err)
	}
	if *uuidFlag != "" {
		filtered := patches[:0]
		for _, p := range patches {
			if p.UUID == *uuidFlag {
				filtered = append(filtered, p)
			}
		}
		patches = filtered
	}

	if len(patches) == 0 {
		fmt.Println("no patches applied")
		return 0
	}
	for _, p := range patches {
		fmt.Printf("uuid=%s region=[0x%x,0x%x) functions=%d\n", p.UUID, p.Start, p.End, len(p.Funcs))
		for _, f := range p.Funcs {
			fmt.Printf("  %s: 0x%x -> 0x%x\n", f.Name, f.OldAddr, f.NewAddr)
		}
	}
	return 0
}
