package guestctl

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opensandbox/vmctl/pkg/types"
)

type mkdirOptions struct {
	dirs     []string
	username string
	password string
	mode     uint32
	flags    types.DirectoryFlags
	verbose  bool
}

func parseMkdirArgs(args []string) (*mkdirOptions, error) {
	o := &mkdirOptions{}
	var (
		parents bool
		mode    string
	)

	fs := newFlagSet("createdirectory")
	fs.StringVarP(&mode, "mode", "m", "", "access mode of the new directories")
	fs.BoolVarP(&parents, "parents", "P", false, "create missing parent directories")
	fs.StringVarP(&o.username, "username", "u", "", "guest user name")
	fs.StringVarP(&o.password, "password", "p", "", "guest user password")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")

	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}

	if mode != "" {
		m, err := strconv.ParseUint(mode, 0, 32)
		if err != nil {
			return nil, usageErrorf("invalid mode %q", mode)
		}
		o.mode = uint32(m)
	}
	if parents {
		o.flags |= types.DirectoryFlagParents
	}
	o.dirs = fs.Args()

	if len(o.dirs) == 0 {
		return nil, usageErrorf("No directory to create specified!")
	}
	if o.username == "" {
		return nil, usageErrorf("No user name specified!")
	}
	return o, nil
}

// createDirectory creates each requested guest directory in order and stops
// at the first failure.
func (r *Runner) createDirectory(ctx context.Context, g Guest, args []string) int {
	o, err := parseMkdirArgs(args)
	if err != nil {
		return r.usage(err)
	}

	if o.verbose && len(o.dirs) > 1 {
		fmt.Fprintf(r.stdout, "Creating %d directories ...\n", len(o.dirs))
	}

	for _, dir := range o.dirs {
		if o.verbose {
			fmt.Fprintf(r.stdout, "Creating directory %q ...\n", dir)
		}
		p, err := g.CreateDirectory(ctx, dir, o.username, o.password, o.mode, o.flags)
		if err != nil {
			printError(r.stderr, &RemoteError{Op: "create directory", Err: err})
			return ExitFailure
		}
		if err := r.waitForCompletion(ctx, p, false); err != nil {
			printError(r.stderr, err)
			return ExitFailure
		}
	}
	return ExitSuccess
}
