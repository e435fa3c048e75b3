package guestctl

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/opensandbox/vmctl/pkg/types"
)

// RemoteToolsScheme marks a guest tools source that must be downloaded
// through the configured ToolsFetcher first.
const RemoteToolsScheme = "s3://"

func parseUpdateArgs(args []string) (source string, verbose bool, err error) {
	fs := newFlagSet("updateadditions")
	fs.StringVarP(&source, "source", "s", "", "guest tools image to install")
	fs.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := parseFlags(fs, args); err != nil {
		return "", false, err
	}
	if fs.NArg() > 0 {
		return "", false, usageErrorf("Unknown parameter %q", fs.Arg(0))
	}
	return source, verbose, nil
}

// updateTools installs the guest tools image into the guest and waits for
// the installation to finish.
func (r *Runner) updateTools(ctx context.Context, g Guest, args []string) int {
	source, verbose, err := parseUpdateArgs(args)
	if err != nil {
		return r.usage(err)
	}

	if verbose {
		fmt.Fprintf(r.stdout, "Updating guest tools ...\n")
	}

	path, cleanup, err := r.resolveToolsSource(ctx, source)
	if err != nil {
		printError(r.stderr, err)
		return ExitFailure
	}
	defer cleanup()

	if verbose {
		fmt.Fprintf(r.stdout, "Using source: %s\n", path)
	}

	p, err := g.UpdateGuestTools(ctx, path, types.ToolsUpdateFlagNone)
	if err != nil {
		printError(r.stderr, &RemoteError{Op: "update guest tools", Err: err})
		return ExitFailure
	}
	if err := r.waitForCompletion(ctx, p, verbose); err != nil {
		printError(r.stderr, err)
		return ExitFailure
	}

	if verbose {
		fmt.Fprintf(r.stdout, "Guest tools update successful.\n")
	}
	return ExitSuccess
}

// resolveToolsSource returns a local path to the guest tools image. An
// empty source searches the standard locations, a remote source is
// downloaded. The returned cleanup is never nil.
func (r *Runner) resolveToolsSource(ctx context.Context, source string) (string, func(), error) {
	noop := func() {}

	switch {
	case source == "":
		for _, p := range r.toolsPaths {
			if fileExists(p) {
				return p, noop, nil
			}
		}
		return "", noop, fmt.Errorf("source could not be determined, use --source to specify a valid source: %w", ErrNotFound)

	case strings.HasPrefix(source, RemoteToolsScheme):
		if r.tools == nil {
			return "", noop, fmt.Errorf("no object storage configured to fetch %q", source)
		}
		path, cleanup, err := r.tools.FetchTools(ctx, source)
		if err != nil {
			return "", noop, fmt.Errorf("fetch %q: %w", source, err)
		}
		if cleanup == nil {
			cleanup = noop
		}
		return path, cleanup, nil

	case !fileExists(source):
		return "", noop, fmt.Errorf("source %q: %w", source, ErrNotFound)
	}
	return source, noop, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
