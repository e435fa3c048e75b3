package guestctl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensandbox/vmctl/pkg/types"
)

// CopyEntry is one planned transfer. Directory-only entries leave Source empty.
type CopyEntry struct {
	Source string // absolute host path
	Dest   string // guest path
}

// CopyPlan is the ordered list of transfers for one copyto invocation.
type CopyPlan struct {
	Entries []CopyEntry
}

// Count returns the number of planned transfers.
func (p *CopyPlan) Count() int {
	if p == nil {
		return 0
	}
	return len(p.Entries)
}

func (p *CopyPlan) add(source, dest string) error {
	if source == "" && dest == "" {
		return fmt.Errorf("%w: empty copy entry", ErrOutOfResources)
	}
	p.Entries = append(p.Entries, CopyEntry{Source: source, Dest: dest})
	return nil
}

// BuildPlan resolves source on the host into the list of files to copy to
// dest in the guest.
//
// A source naming an existing file yields a single entry. Otherwise the
// source is a directory root: when its last segment is not an existing
// directory it is taken as a wildcard filter over the parent, so
// "/data/*.log" copies the matching files of /data. A last segment without
// wildcards that does not exist is treated the same way and matches nothing.
func BuildPlan(source, dest string, flags types.CopyFlags) (*CopyPlan, error) {
	sourceAbs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrOutOfResources, source, err)
	}

	plan := &CopyPlan{}

	if fi, err := os.Stat(sourceAbs); err == nil && fi.Mode().IsRegular() {
		destAbs := dest
		if hasTrailingSeparator(dest) {
			destAbs = dest + filepath.Base(sourceAbs)
		}
		if err := plan.add(sourceAbs, destAbs); err != nil {
			return nil, err
		}
		return plan, nil
	}

	root := sourceAbs
	filter := ""
	if fi, err := os.Stat(sourceAbs); err == nil && fi.IsDir() {
		root = ensureTrailingSeparator(root, string(filepath.Separator))
	} else {
		filter = filepath.Base(sourceAbs)
		root = ensureTrailingSeparator(filepath.Dir(sourceAbs), string(filepath.Separator))
	}

	destRoot := ensureTrailingSeparator(dest, guestSeparator(dest))

	w := &planWalker{
		root:    root,
		filter:  filter,
		dest:    destRoot,
		destSep: guestSeparator(dest),
		flags:   flags,
		plan:    plan,
		visited: make(map[string]struct{}),
	}
	if err := w.walk(""); err != nil {
		return nil, err
	}
	if plan.Count() == 0 {
		return nil, ErrNotFound
	}
	return plan, nil
}

type planWalker struct {
	root    string
	filter  string
	dest    string
	destSep string
	flags   types.CopyFlags
	plan    *CopyPlan
	visited map[string]struct{}
}

// walk reads root+sub and appends every matching file. sub is empty or a
// slash separated relative path ending in "/".
func (w *planWalker) walk(sub string) error {
	dir := w.root + filepath.FromSlash(sub)

	if real, err := filepath.EvalSymlinks(dir); err == nil {
		if _, seen := w.visited[real]; seen {
			return nil
		}
		w.visited[real] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if sub == "" && errors.Is(err, fs.ErrNotExist) {
			return ErrFileNotFound
		}
		return fmt.Errorf("read directory %s: %w", dir, err)
	}

	recursive := w.flags&types.CopyFlagRecursive != 0
	follow := w.flags&types.CopyFlagFollowLinks != 0

	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}

		mode := e.Type()
		switch {
		case mode.IsDir():
			if recursive {
				if err := w.walk(sub + name + "/"); err != nil {
					return err
				}
			}

		case mode&fs.ModeSymlink != 0:
			if !recursive || !follow {
				continue
			}
			fi, err := os.Stat(filepath.Join(dir, name))
			if err != nil {
				// Dangling link.
				continue
			}
			if fi.IsDir() {
				if err := w.walk(sub + name + "/"); err != nil {
					return err
				}
				continue
			}
			if err := w.addFile(sub, name); err != nil {
				return err
			}

		case mode.IsRegular():
			if err := w.addFile(sub, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *planWalker) addFile(sub, name string) error {
	if w.filter != "" && !matchSimplePattern(w.filter, name) {
		return nil
	}
	source := w.root + filepath.FromSlash(sub) + name
	dest := w.dest + strings.ReplaceAll(sub, "/", w.destSep) + name
	return w.plan.add(source, dest)
}

// matchSimplePattern matches name against a pattern where '*' matches any
// run of characters and '?' matches exactly one. No other character is special.
func matchSimplePattern(pattern, name string) bool {
	p := []rune(pattern)
	n := []rune(name)
	pi, ni := 0, 0
	starP, starN := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			starP = pi
			starN = ni
			pi++
		case starP >= 0:
			pi = starP + 1
			starN++
			ni = starN
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func isSeparator(c byte) bool {
	return c == '/' || c == '\\'
}

func hasTrailingSeparator(path string) bool {
	return len(path) > 0 && isSeparator(path[len(path)-1])
}

func ensureTrailingSeparator(path, sep string) string {
	if hasTrailingSeparator(path) {
		return path
	}
	return path + sep
}

// guestSeparator guesses the separator style of a guest path: backslash
// for paths that only use backslashes, slash otherwise.
func guestSeparator(path string) string {
	if strings.Contains(path, `\`) && !strings.Contains(path, "/") {
		return `\`
	}
	return "/"
}
