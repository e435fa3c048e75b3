package guestctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"github.com/opensandbox/vmctl/pkg/types"
)

// execOptions holds the parsed arguments of the exec verb.
type execOptions struct {
	image      string
	args       []string
	env        []string
	username   string
	password   string
	timeout    time.Duration
	outputType OutputType
	flags      types.ExecFlags
	waitExit   bool
	waitStdout bool
	waitStderr bool
	verbose    bool
}

// environmentValue splits each --environment argument into shell words.
type environmentValue struct {
	env *[]string
}

func (v *environmentValue) String() string { return "" }
func (v *environmentValue) Type() string   { return "string" }

func (v *environmentValue) Set(s string) error {
	words, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("parse environment value: %w", err)
	}
	*v.env = append(*v.env, words...)
	return nil
}

func parseExecArgs(args []string) (*execOptions, error) {
	o := &execOptions{}
	var (
		timeoutMs  uint32
		dos2unix   bool
		unix2dos   bool
		ignoreOrph bool
		ignoreTypo bool
	)

	fs := newFlagSet("exec")
	fs.SetInterspersed(false)
	fs.StringVarP(&o.image, "image", "i", "", "path to program in the guest")
	fs.StringVarP(&o.username, "username", "u", "", "guest user name")
	fs.StringVarP(&o.password, "password", "p", "", "guest user password")
	fs.VarP(&environmentValue{env: &o.env}, "environment", "e", "environment variables NAME=VALUE")
	fs.Uint32VarP(&timeoutMs, "timeout", "t", 0, "timeout in milliseconds")
	fs.BoolVar(&dos2unix, "dos2unix", false, "convert output from DOS to UNIX line endings")
	fs.BoolVar(&unix2dos, "unix2dos", false, "convert output from UNIX to DOS line endings")
	fs.BoolVar(&o.waitExit, "wait-exit", false, "wait for the process to exit")
	fs.BoolVar(&o.waitStdout, "wait-stdout", false, "wait for and print process output")
	fs.BoolVar(&o.waitStderr, "wait-stderr", false, "wait for and print process errors")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "verbose output")
	fs.BoolVar(&ignoreOrph, "ignore-orphaned-processes", false, "do not kill processes left behind by the program")
	fs.BoolVar(&ignoreTypo, "ignore-operhaned-processes", false, "")
	_ = fs.MarkHidden("ignore-operhaned-processes")

	// Options may follow the image. The first non-option names the image
	// unless --image did, and everything from the next non-option or
	// unknown option on is passed to the guest process untouched.
	if err := parseFlags(fs, args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if o.image == "" && len(rest) > 0 {
		o.image, rest = rest[0], rest[1:]
		if fs.ArgsLenAtDash() < 0 {
			var opts []string
			opts, rest = splitLeadingFlags(fs, rest)
			if err := parseFlags(fs, opts); err != nil {
				return nil, err
			}
		}
	}
	o.args = append(o.args, rest...)

	switch {
	case dos2unix && unix2dos:
		return nil, usageErrorf("More than one output type (dos2unix/unix2dos) specified!")
	case dos2unix:
		o.outputType = OutputTypeDos2Unix
	case unix2dos:
		o.outputType = OutputTypeUnix2Dos
	}

	if o.waitStdout || o.waitStderr {
		o.waitExit = true
	}
	if ignoreOrph || ignoreTypo {
		o.flags |= types.ExecFlagIgnoreOrphanedProcesses
	}
	o.timeout = time.Duration(timeoutMs) * time.Millisecond

	if o.image == "" {
		return nil, usageErrorf("No command to execute specified!")
	}
	if o.username == "" {
		return nil, usageErrorf("No user name specified!")
	}
	return o, nil
}

// splitLeadingFlags splits args into the known options at its front and
// the remaining arguments. A "--" ends the options and is dropped.
func splitLeadingFlags(fs *pflag.FlagSet, args []string) (opts, rest []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return args[:i], args[i+1:]
		}
		if len(a) < 2 || a[0] != '-' {
			return args[:i], args[i:]
		}
		var f *pflag.Flag
		inline := false
		if strings.HasPrefix(a, "--") {
			name, _, hasValue := strings.Cut(a[2:], "=")
			f, inline = fs.Lookup(name), hasValue
		} else {
			f, inline = fs.ShorthandLookup(a[1:2]), len(a) > 2
		}
		if f == nil {
			return args[:i], args[i:]
		}
		if !inline && f.NoOptDefVal == "" && i+1 < len(args) {
			i++
		}
	}
	return args, nil
}

// execute starts a guest process and, if requested, waits for it while
// streaming its output. The exit code reflects the guest process outcome.
func (r *Runner) execute(ctx context.Context, g Guest, args []string) int {
	o, err := parseExecArgs(args)
	if err != nil {
		return r.usage(err)
	}

	if o.verbose {
		if o.timeout == 0 {
			fmt.Fprintf(r.stdout, "Waiting for guest to start process ...\n")
		} else {
			fmt.Fprintf(r.stdout, "Waiting for guest to start process (within %dms)\n", o.timeout.Milliseconds())
		}
	}

	start := r.now()
	pid, progress, err := g.ExecuteProcess(ctx, o.image, o.flags, o.args, o.env, o.username, o.password, o.timeout)
	if err != nil {
		printError(r.stderr, &RemoteError{Op: "execute process", Err: err})
		return ExitFailure
	}
	if o.verbose {
		fmt.Fprintf(r.stdout, "Process '%s' (PID: %d) started\n", o.image, pid)
	}
	if !o.waitExit {
		return ExitSuccess
	}

	if o.verbose {
		if o.timeout > 0 {
			elapsed := r.now().Sub(start)
			if o.timeout > elapsed {
				fmt.Fprintf(r.stdout, "Waiting for process to exit (%dms left) ...\n", (o.timeout - elapsed).Milliseconds())
			} else {
				fmt.Fprintf(r.stdout, "No time left to wait for process!\n")
			}
		} else {
			fmt.Fprintf(r.stdout, "Waiting for process to exit ...\n")
		}
	}

	w := &processWait{
		guest:    g,
		progress: progress,
		pid:      pid,
		timeout:  o.timeout,
		start:    start,
		drain:    o.waitStdout || o.waitStderr,
		filter:   o.outputType,
		stdout:   r.stdout,
		stderr:   r.stderr,
		interval: r.pollInterval,
		now:      r.now,
	}
	state, fetchErr := w.run(ctx)

	switch {
	case state == waitCanceled:
		if o.verbose {
			fmt.Fprintf(r.stdout, "Process execution canceled!\n")
		}
		return ExitExecCanceled

	case state == waitCompleted && fetchErr == nil:
		code, err := progress.ResultCode(ctx)
		if err != nil {
			printError(r.stderr, &RemoteError{Op: "query operation result", Err: err})
			return ExitFailure
		}
		if code != types.ResultOK {
			printError(r.stderr, progressError(ctx, progress))
			return ExitFailure
		}
		st, err := g.ProcessStatus(ctx, pid)
		if err != nil {
			printError(r.stderr, &RemoteError{Op: "query process status", Err: err})
			return ExitFailure
		}
		if o.verbose {
			fmt.Fprintf(r.stdout, "Exit code=%d (Status=%d [%s], Flags=%d)\n", st.ExitCode, st.Status, st.Status, st.Flags)
		}
		return ExitCodeForStatus(st.Status, st.ExitCode)

	default:
		if o.verbose {
			fmt.Fprintf(r.stdout, "Process execution aborted!\n")
		}
		return ExitExecTermAbnormal
	}
}
