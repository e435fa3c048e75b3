package guestctl

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensandbox/vmctl/pkg/types"
)

type copyOptions struct {
	source   string
	dest     string
	username string
	password string
	flags    types.CopyFlags
	dryRun   bool
	verbose  bool
}

func parseCopyArgs(args []string) (*copyOptions, error) {
	o := &copyOptions{}
	var recursive, follow bool

	fs := newFlagSet("copyto")
	fs.BoolVarP(&o.dryRun, "dryrun", "d", false, "only show what would be copied")
	fs.BoolVarP(&follow, "follow", "F", false, "follow symbolic links")
	fs.BoolVarP(&recursive, "recursive", "R", false, "copy directories recursively")
	fs.StringVarP(&o.username, "username", "u", "", "guest user name")
	fs.StringVarP(&o.password, "password", "p", "", "guest user password")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}

	pos := fs.Args()
	if len(pos) > 2 {
		return nil, usageErrorf("Too many parameters specified, only source and destination allowed!")
	}
	if len(pos) > 0 {
		o.source = pos[0]
	}
	if len(pos) > 1 {
		o.dest = pos[1]
	}
	if recursive {
		o.flags |= types.CopyFlagRecursive
	}
	if follow {
		o.flags |= types.CopyFlagFollowLinks
	}

	switch {
	case o.source == "":
		return nil, usageErrorf("No source specified!")
	case o.dest == "":
		return nil, usageErrorf("No destination specified!")
	case o.username == "":
		return nil, usageErrorf("No user name specified!")
	}
	return o, nil
}

// copyTo copies host files into the guest, one guest operation per file of
// the copy plan. The first failing file stops the copy.
func (r *Runner) copyTo(ctx context.Context, g Guest, args []string) int {
	o, err := parseCopyArgs(args)
	if err != nil {
		return r.usage(err)
	}

	if o.verbose {
		if o.dryRun {
			fmt.Fprintf(r.stdout, "Dry run - no files copied!\n")
		}
		fmt.Fprintf(r.stdout, "Gathering file information ...\n")
	}

	plan, err := BuildPlan(o.source, o.dest, o.flags)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			fmt.Fprintf(r.stderr, "%s: error: No files to copy found!\n", progName)
		case errors.Is(err, ErrFileNotFound):
			fmt.Fprintf(r.stderr, "%s: error: Source path %q not found!\n", progName, o.source)
		default:
			fmt.Fprintf(r.stderr, "%s: error: Failed to initialize: %v\n", progName, err)
		}
		return ExitFailure
	}

	if o.verbose {
		how := "Copying"
		if o.flags&types.CopyFlagRecursive != 0 {
			how = "Recursively copying"
		}
		fmt.Fprintf(r.stdout, "%s %q to %q (%d file(s)) ...\n", how, o.source, o.dest, plan.Count())
	}

	for i, e := range plan.Entries {
		if o.dryRun {
			fmt.Fprintf(r.stdout, "Would copy %q to %q (%d/%d)\n", e.Source, e.Dest, i+1, plan.Count())
			continue
		}
		if o.verbose {
			fmt.Fprintf(r.stdout, "Copying %q to %q (%d/%d) ...\n", e.Source, e.Dest, i+1, plan.Count())
		}
		if err := r.copyFile(ctx, g, e, o); err != nil {
			printError(r.stderr, err)
			return ExitFailure
		}
	}

	if o.verbose {
		fmt.Fprintf(r.stdout, "Copy operation successful!\n")
	}
	return ExitSuccess
}

func (r *Runner) copyFile(ctx context.Context, g Guest, e CopyEntry, o *copyOptions) error {
	p, err := g.CopyToGuest(ctx, e.Source, e.Dest, o.username, o.password, o.flags)
	if err != nil {
		return &RemoteError{Op: "copy to guest", Err: err}
	}
	return r.waitForCompletion(ctx, p, o.verbose)
}
