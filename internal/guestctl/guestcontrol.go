// Package guestctl implements the guestcontrol command: it binds to a
// running virtual machine and executes processes, copies files, creates
// directories or updates the guest tools inside it.
package guestctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

const progName = "vmctl"

// ToolsImageName is the file name of the guest tools image searched for
// when updateadditions is run without --source.
const ToolsImageName = "guest-tools.iso"

// Usage is the syntax summary of the guestcontrol command.
const Usage = `vmctl guestcontrol <vmname>|<uuid> exec[ute]
                            --image <path to program>
                            --username <name> [--password <password>]
                            [--dos2unix] [--unix2dos]
                            [--environment "<NAME>=<VALUE> [<NAME>=<VALUE>]"]
                            [--timeout <msec>] [--verbose]
                            [--wait-exit] [--wait-stdout] [--wait-stderr]
                            [--ignore-orphaned-processes]
                            [-- [<argument1>] ... [<argumentN>]]

                            <vmname>|<uuid> copyto|cp
                            <source on host> <destination on guest>
                            --username <name> [--password <password>]
                            [--dryrun] [--follow] [--recursive] [--verbose]

                            <vmname>|<uuid> createdir[ectory]|mkdir|md
                            <directory to create on guest> ...
                            --username <name> [--password <password>]
                            [--parents] [--mode <mode>] [--verbose]

                            <vmname>|<uuid> updateadditions|updateadds
                            [--source <guest tools .iso>] [--verbose]
`

type verbFunc func(r *Runner, ctx context.Context, g Guest, args []string) int

type verb struct {
	names []string
	run   verbFunc
}

var verbs = []verb{
	{names: []string{"exec", "execute"}, run: (*Runner).execute},
	{names: []string{"copyto", "cp"}, run: (*Runner).copyTo},
	{names: []string{"createdirectory", "createdir", "mkdir", "md"}, run: (*Runner).createDirectory},
	{names: []string{"updateadditions", "updateadds"}, run: (*Runner).updateTools},
}

func lookupVerb(name string) (verbFunc, bool) {
	for _, v := range verbs {
		for _, n := range v.names {
			if n == name {
				return v.run, true
			}
		}
	}
	return nil, false
}

// Runner executes guestcontrol invocations.
type Runner struct {
	finder       MachineFinder
	stdout       io.Writer
	stderr       io.Writer
	tools        ToolsFetcher
	toolsPaths   []string
	pollInterval time.Duration
	now          func() time.Time
	isTerminal   func(io.Writer) bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput redirects the standard output and error streams.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithToolsFetcher sets the fetcher used for remote guest tools sources.
func WithToolsFetcher(f ToolsFetcher) Option {
	return func(r *Runner) { r.tools = f }
}

// WithToolsSearchPaths overrides where updateadditions looks for the
// guest tools image when no source is given.
func WithToolsSearchPaths(paths ...string) Option {
	return func(r *Runner) { r.toolsPaths = paths }
}

// WithPollInterval sets the pause between polls of an idle operation.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// NewRunner creates a Runner that resolves machines through finder.
func NewRunner(finder MachineFinder, opts ...Option) *Runner {
	r := &Runner{
		finder:       finder,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		toolsPaths:   DefaultToolsSearchPaths(""),
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
		isTerminal:   writerIsTerminal,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultToolsSearchPaths lists the standard guest tools image locations:
// the shared data directory, then "additions" next to the executable.
func DefaultToolsSearchPaths(shareDir string) []string {
	var paths []string
	if shareDir != "" {
		paths = append(paths, filepath.Join(shareDir, ToolsImageName))
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "additions", ToolsImageName))
	}
	return paths
}

// Run executes "<vmname>|<uuid> <verb> [args...]" and returns the process
// exit code. The machine lock is released before Run returns.
func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) < 2 {
		return r.usage(usageErrorf("Incorrect parameters"))
	}

	run, ok := lookupVerb(args[1])
	if !ok {
		return r.usage(usageErrorf("No sub command specified!"))
	}

	b, err := Bind(ctx, r.finder, args[0])
	if err != nil {
		printError(r.stderr, err)
		return ExitFailure
	}
	defer func() {
		if err := b.Unbind(); err != nil {
			printError(r.stderr, fmt.Errorf("unlock machine %q: %w", args[0], err))
		}
	}()

	return run(r, ctx, b.Guest(), args[2:])
}

// usage reports a syntax error and returns the syntax error exit code.
func (r *Runner) usage(err error) int {
	fmt.Fprintf(r.stderr, "%s: error: %v\n\nUsage:\n\n%s", progName, err, Usage)
	return ExitSyntax
}

// newFlagSet returns a flag set for a verb that reports errors to the caller.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	return fs
}

// parseFlags parses args and converts flag errors into usage errors.
func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return usageErrorf("help requested")
		}
		return usageErrorf("%v", err)
	}
	return nil
}
