package guestctl

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/vmctl/pkg/types"
)

type runnerHarness struct {
	guest   *fakeGuest
	machine *fakeMachine
	finder  *fakeFinder
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	runner  *Runner
}

func newHarness(t *testing.T, g *fakeGuest, opts ...Option) *runnerHarness {
	t.Helper()
	h := &runnerHarness{guest: g}
	h.machine = newFakeMachine("vm1", g)
	h.finder = &fakeFinder{machines: map[string]*fakeMachine{"vm1": h.machine, h.machine.id: h.machine}}
	opts = append([]Option{WithOutput(&h.stdout, &h.stderr), WithPollInterval(0), WithToolsSearchPaths()}, opts...)
	h.runner = NewRunner(h.finder, opts...)
	return h
}

func (h *runnerHarness) run(args ...string) int {
	return h.runner.Run(context.Background(), args)
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantBinding bool
		wantMsg     string
	}{
		{"no verb", []string{"vm1"}, false, "Incorrect parameters"},
		{"unknown verb", []string{"vm1", "frobnicate"}, false, "No sub command specified!"},
		{"exec without image", []string{"vm1", "exec", "--username", "u"}, true, "No command to execute specified!"},
		{"exec without user", []string{"vm1", "execute", "--image", "/bin/ls"}, true, "No user name specified!"},
		{"exec both filters", []string{"vm1", "exec", "--image", "/bin/ls", "-u", "u", "--dos2unix", "--unix2dos"}, true, "More than one output type"},
		{"exec unknown flag", []string{"vm1", "exec", "--bogus"}, true, "unknown flag"},
		{"copy without dest", []string{"vm1", "copyto", "/tmp/x", "--username", "u"}, true, "No destination specified!"},
		{"copy without user", []string{"vm1", "cp", "/tmp/x", "/g/"}, true, "No user name specified!"},
		{"copy too many", []string{"vm1", "cp", "a", "b", "c", "-u", "u"}, true, "Too many parameters"},
		{"mkdir without dir", []string{"vm1", "mkdir", "--username", "u"}, true, "No directory to create specified!"},
		{"mkdir bad mode", []string{"vm1", "md", "/x", "-u", "u", "--mode", "rwx"}, true, "invalid mode"},
		{"update extra arg", []string{"vm1", "updateadds", "extra"}, true, "Unknown parameter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeGuest{})

			assert.Equal(t, ExitSyntax, h.run(tt.args...))
			assert.Contains(t, h.stderr.String(), tt.wantMsg)
			assert.Contains(t, h.stderr.String(), "Usage:")
			assert.Empty(t, h.guest.execs)
			assert.Empty(t, h.guest.copies)
			assert.Empty(t, h.guest.mkdirs)
			assert.Empty(t, h.guest.tools)
			if tt.wantBinding {
				assert.Equal(t, 1, h.machine.unlocks)
			} else {
				assert.Zero(t, h.finder.calls)
			}
		})
	}
}

func TestRunMachineNotRunning(t *testing.T) {
	h := newHarness(t, &fakeGuest{})
	h.machine.state = types.MachineStatePoweredOff

	assert.Equal(t, ExitFailure, h.run("vm1", "exec", "--image", "/bin/true", "-u", "u"))
	assert.Contains(t, h.stderr.String(), "not running (currently powered off)")
	assert.Empty(t, h.guest.execs)
}

func TestExecStreamsOutput(t *testing.T) {
	p := &fakeProgress{completeAfter: 2, cancelable: true}
	g := &fakeGuest{
		progress: p,
		outputs:  [][]byte{[]byte("a\r\nb\r\n")},
		status:   types.ProcessStatusInfo{PID: 42, ExitCode: 3, Status: types.ProcessStatusTerminatedNormally},
	}
	h := newHarness(t, g)

	code := h.run("vm1", "exec", "--image", "/bin/sh", "--username", "root",
		"--environment", `FOO=bar "BAZ=two words"`, "--wait-stdout", "--dos2unix",
		"--timeout", "5000", "--", "-c", "echo hi")
	assert.Equal(t, ExitExecCode, code)
	assert.Equal(t, "a\nb\n", h.stdout.String())
	assert.Equal(t, 1, h.machine.unlocks)

	require.Len(t, g.execs, 1)
	call := g.execs[0]
	assert.Equal(t, "/bin/sh", call.cmd)
	assert.Equal(t, []string{"-c", "echo hi"}, call.args)
	assert.Equal(t, []string{"FOO=bar", "BAZ=two words"}, call.env)
	assert.Equal(t, "root", call.username)
	assert.Equal(t, 5*time.Second, call.timeout)
	assert.Equal(t, types.ExecFlagNone, call.flags)
	assert.Equal(t, 1, g.statusCalls)
}

func TestExecPositionalImage(t *testing.T) {
	p := &fakeProgress{completeAfter: 1}
	g := &fakeGuest{progress: p, status: types.ProcessStatusInfo{Status: types.ProcessStatusTerminatedNormally}}
	h := newHarness(t, g)

	code := h.run("vm1", "exec", "-u", "u", "--ignore-operhaned-processes", "--wait-exit", "/bin/ls", "-l", "/tmp")
	assert.Equal(t, ExitSuccess, code)
	require.Len(t, g.execs, 1)
	assert.Equal(t, "/bin/ls", g.execs[0].cmd)
	assert.Equal(t, []string{"-l", "/tmp"}, g.execs[0].args)
	assert.Equal(t, types.ExecFlagIgnoreOrphanedProcesses, g.execs[0].flags)
	assert.Zero(t, g.outputCalls)
}

func TestParseExecArgsOptionsAfterImage(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		username string
		waitExit bool
		verbose  bool
		guest    []string
	}{
		{
			name:     "options only",
			args:     []string{"/bin/ls", "-u", "u", "--wait-exit"},
			username: "u",
			waitExit: true,
		},
		{
			name:     "long options with values",
			args:     []string{"/bin/ls", "--username", "u", "--wait-stdout"},
			username: "u",
			waitExit: true,
		},
		{
			name:     "second positional starts guest arguments",
			args:     []string{"/bin/ls", "--username=u", "/tmp", "--verbose", "-u", "other"},
			username: "u",
			guest:    []string{"/tmp", "--verbose", "-u", "other"},
		},
		{
			name:     "dash dash after image",
			args:     []string{"/bin/ls", "-u", "u", "-v", "--", "-u", "x"},
			username: "u",
			verbose:  true,
			guest:    []string{"-u", "x"},
		},
		{
			name:     "dash dash before image",
			args:     []string{"-u", "u", "--", "/bin/ls", "--wait-exit"},
			username: "u",
			guest:    []string{"--wait-exit"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseExecArgs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, "/bin/ls", o.image)
			assert.Equal(t, tt.username, o.username)
			assert.Equal(t, tt.waitExit, o.waitExit)
			assert.Equal(t, tt.verbose, o.verbose)
			assert.Equal(t, tt.guest, o.args)
		})
	}
}

func TestExecImageBeforeOptions(t *testing.T) {
	p := &fakeProgress{completeAfter: 1}
	g := &fakeGuest{progress: p, status: types.ProcessStatusInfo{Status: types.ProcessStatusTerminatedNormally}}
	h := newHarness(t, g)

	assert.Equal(t, ExitSuccess, h.run("vm1", "exec", "/bin/ls", "-u", "u", "--wait-exit"))
	require.Len(t, g.execs, 1)
	assert.Equal(t, "/bin/ls", g.execs[0].cmd)
	assert.Equal(t, "u", g.execs[0].username)
	assert.Empty(t, g.execs[0].args)
	assert.Equal(t, 1, g.statusCalls)
}

func TestExecNoWait(t *testing.T) {
	p := &fakeProgress{}
	g := &fakeGuest{progress: p}
	h := newHarness(t, g)

	assert.Equal(t, ExitSuccess, h.run("vm1", "exec", "--image", "/bin/sleep", "-u", "u", "-v", "--", "100"))
	assert.Contains(t, h.stdout.String(), "Process '/bin/sleep' (PID: 42) started")
	assert.Zero(t, p.completedCalls)
	assert.Zero(t, g.statusCalls)
}

func TestExecOutcomes(t *testing.T) {
	t.Run("start failure", func(t *testing.T) {
		h := newHarness(t, &fakeGuest{execErr: errors.New("user unknown")})
		assert.Equal(t, ExitFailure, h.run("vm1", "exec", "--image", "/x", "-u", "u"))
		assert.Contains(t, h.stderr.String(), "user unknown")
		assert.Equal(t, 1, h.machine.unlocks)
	})

	t.Run("canceled", func(t *testing.T) {
		p := &fakeProgress{cancelable: true}
		p.onCompleted = func(n int) { canceled.Store(true) }
		h := newHarness(t, &fakeGuest{progress: p})
		assert.Equal(t, ExitExecCanceled, h.run("vm1", "exec", "--image", "/x", "-u", "u", "--wait-exit", "-v"))
		assert.Contains(t, h.stdout.String(), "Process execution canceled!")
		assert.Equal(t, 1, p.cancelCalls)
	})

	t.Run("fetch error on last drain", func(t *testing.T) {
		p := &fakeProgress{completeAfter: 1}
		g := &fakeGuest{progress: p, outErr: errors.New("broken pipe")}
		h := newHarness(t, g)
		assert.Equal(t, ExitExecTermAbnormal, h.run("vm1", "exec", "--image", "/x", "-u", "u", "--wait-stderr"))
		assert.Zero(t, g.statusCalls)
	})

	t.Run("operation failed", func(t *testing.T) {
		p := &fakeProgress{completeAfter: 1, resultCode: types.ResultFailure,
			errInfo: &types.ErrorInfo{ResultCode: types.ResultFailure, Text: "exec format error", Component: "agent"}}
		h := newHarness(t, &fakeGuest{progress: p})
		assert.Equal(t, ExitFailure, h.run("vm1", "exec", "--image", "/x", "-u", "u", "--wait-exit"))
		assert.Contains(t, h.stderr.String(), "Error details:")
		assert.Contains(t, h.stderr.String(), "exec format error")
		assert.Contains(t, h.stderr.String(), "component agent")
	})

	t.Run("signal", func(t *testing.T) {
		p := &fakeProgress{completeAfter: 1}
		g := &fakeGuest{progress: p, status: types.ProcessStatusInfo{Status: types.ProcessStatusTerminatedSignal, ExitCode: 9}}
		h := newHarness(t, g)
		assert.Equal(t, ExitExecTermSignal, h.run("vm1", "exec", "--image", "/x", "-u", "u", "--wait-exit", "--verbose"))
		assert.Contains(t, h.stdout.String(), "Exit code=9")
		assert.Contains(t, h.stdout.String(), "terminated by signal")
	})
}

func TestCopyTo(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "a.txt", "sub/b.txt", "c.log")

	g := &fakeGuest{}
	h := newHarness(t, g)
	code := h.run("vm1", "copyto", filepath.Join(dir, "*.txt"), "/guest/dest/", "--username", "u", "--recursive")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, []CopyEntry{
		{Source: filepath.Join(dir, "a.txt"), Dest: "/guest/dest/a.txt"},
		{Source: filepath.Join(dir, "sub", "b.txt"), Dest: "/guest/dest/sub/b.txt"},
	}, g.copies)
	assert.Equal(t, 1, h.machine.unlocks)
}

func TestCopyToDryRun(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "a.txt", "b.txt")

	g := &fakeGuest{}
	h := newHarness(t, g)
	assert.Equal(t, ExitSuccess, h.run("vm1", "cp", dir, "/g", "-u", "u", "--dryrun"))
	assert.Empty(t, g.copies)
	assert.Contains(t, h.stdout.String(), "/g/a.txt")
	assert.Contains(t, h.stdout.String(), "(2/2)")
}

func TestCopyToStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "1", "2", "3")

	g := &fakeGuest{copyErrAt: 2}
	h := newHarness(t, g)
	assert.Equal(t, ExitFailure, h.run("vm1", "cp", dir, "/g", "-u", "u"))
	assert.Len(t, g.copies, 2)
	assert.Contains(t, h.stderr.String(), "copy failed")
}

func TestCopyToPlanErrors(t *testing.T) {
	dir := t.TempDir()

	h := newHarness(t, &fakeGuest{})
	assert.Equal(t, ExitFailure, h.run("vm1", "cp", dir, "/g", "-u", "u"))
	assert.Contains(t, h.stderr.String(), "No files to copy found!")

	h = newHarness(t, &fakeGuest{})
	missing := filepath.Join(dir, "nope", "x")
	assert.Equal(t, ExitFailure, h.run("vm1", "cp", missing, "/g", "-u", "u"))
	assert.Contains(t, h.stderr.String(), "not found!")
}

func TestCreateDirectory(t *testing.T) {
	g := &fakeGuest{}
	h := newHarness(t, g)

	code := h.run("vm1", "createdirectory", "/a", "/b", "--username", "u", "--mode", "0750", "--parents")
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, []mkdirCall{
		{path: "/a", mode: 0o750, flags: types.DirectoryFlagParents},
		{path: "/b", mode: 0o750, flags: types.DirectoryFlagParents},
	}, g.mkdirs)
}

func TestCreateDirectoryStopsAtFirstFailure(t *testing.T) {
	g := &fakeGuest{mkdirErrAt: 2}
	h := newHarness(t, g)

	assert.Equal(t, ExitFailure, h.run("vm1", "mkdir", "/a", "/b", "/c", "-u", "u"))
	assert.Len(t, g.mkdirs, 2)
	assert.Equal(t, 1, h.machine.unlocks)
}

func TestUpdateTools(t *testing.T) {
	dir := t.TempDir()
	iso := filepath.Join(dir, ToolsImageName)
	require.NoError(t, os.WriteFile(iso, []byte("iso"), 0o644))

	t.Run("explicit source", func(t *testing.T) {
		g := &fakeGuest{}
		h := newHarness(t, g)
		assert.Equal(t, ExitSuccess, h.run("vm1", "updateadditions", "--source", iso, "--verbose"))
		assert.Equal(t, []string{iso}, g.tools)
		assert.Contains(t, h.stdout.String(), "Using source: "+iso)
	})

	t.Run("missing source", func(t *testing.T) {
		g := &fakeGuest{}
		h := newHarness(t, g)
		assert.Equal(t, ExitFailure, h.run("vm1", "updateadds", "--source", filepath.Join(dir, "nope.iso")))
		assert.Empty(t, g.tools)
	})

	t.Run("search paths", func(t *testing.T) {
		g := &fakeGuest{}
		h := newHarness(t, g, WithToolsSearchPaths(filepath.Join(dir, "missing.iso"), iso))
		assert.Equal(t, ExitSuccess, h.run("vm1", "updateadds"))
		assert.Equal(t, []string{iso}, g.tools)
	})

	t.Run("nothing found", func(t *testing.T) {
		g := &fakeGuest{}
		h := newHarness(t, g)
		assert.Equal(t, ExitFailure, h.run("vm1", "updateadds"))
		assert.Contains(t, h.stderr.String(), "use --source")
	})

	t.Run("object storage", func(t *testing.T) {
		g := &fakeGuest{}
		f := &fakeFetcher{path: iso}
		h := newHarness(t, g, WithToolsFetcher(f))
		assert.Equal(t, ExitSuccess, h.run("vm1", "updateadds", "-s", "s3://tools/guest-tools.iso"))
		assert.Equal(t, []string{"s3://tools/guest-tools.iso"}, f.uris)
		assert.Equal(t, []string{iso}, g.tools)
		assert.True(t, f.cleaned)
	})

	t.Run("object storage without fetcher", func(t *testing.T) {
		g := &fakeGuest{}
		h := newHarness(t, g)
		assert.Equal(t, ExitFailure, h.run("vm1", "updateadds", "-s", "s3://tools/guest-tools.iso"))
		assert.Empty(t, g.tools)
	})
}
