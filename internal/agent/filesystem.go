package agent

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/internal/metrics"
	"github.com/opensandbox/vmctl/pkg/client"
	"github.com/opensandbox/vmctl/pkg/types"
)

// bodyReader returns the request body, decompressing zstd uploads.
func bodyReader(c echo.Context) (io.ReadCloser, error) {
	body := c.Request().Body
	if c.Request().Header.Get("Content-Encoding") != "zstd" {
		return body, nil
	}
	zr, err := zstd.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return zr.IOReadCloser(), nil
}

// stageUpload writes the request body to a new temporary file in dir and
// returns its path. The file is removed again on error.
func stageUpload(c echo.Context, dir, pattern string, size int64, progress func(int)) (string, error) {
	r, err := bodyReader(c)
	if err != nil {
		return "", err
	}
	defer r.Close()

	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	w := &countingWriter{w: f, total: size, progress: progress}
	if _, err := io.Copy(w, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("receive upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	metrics.BytesReceived.Add(float64(w.n))
	return f.Name(), nil
}

// countingWriter reports the share of total written so far.
type countingWriter struct {
	w        io.Writer
	n        int64
	total    int64
	progress func(int)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	if cw.progress != nil && cw.total > 0 {
		cw.progress(int(cw.n * 100 / cw.total))
	}
	return n, err
}

// putFile receives a file for the guest. The upload is staged next to the
// destination and moved into place by a copy operation.
func (s *Server) putFile(c echo.Context) error {
	dest := c.QueryParam("path")
	if dest == "" || !filepath.IsAbs(dest) {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("path must be absolute"))
	}
	dest = filepath.Clean(dest)
	mode := os.FileMode(0o644)
	if v := c.QueryParam("mode"); v != "" {
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid mode"))
		}
		mode = os.FileMode(m).Perm()
	}
	size, _ := strconv.ParseInt(c.QueryParam("size"), 10, 64)
	flags, _ := strconv.ParseUint(c.QueryParam("flags"), 10, 32)

	u, err := lookupUser(c.Request().Header.Get(client.HeaderGuestUser))
	if err != nil {
		return errorJSON(c, http.StatusForbidden, errorInfo(err))
	}

	op := s.ops.start(types.OperationCopy, "copy to "+dest, nil)
	if types.CopyFlags(flags)&types.CopyFlagRecursive != 0 {
		// Recursive copies bring their directory structure along.
		if err := createDir(filepath.Dir(dest), 0o755, true, u); err != nil {
			op.fail(err)
			return c.JSON(http.StatusOK, op.snapshot())
		}
	}
	staged, err := stageUpload(c, filepath.Dir(dest), ".vmctl-upload-*", size, func(p int) {
		// The last few percent belong to moving the file into place.
		op.setPercent(p * 9 / 10)
	})
	if err != nil {
		op.fail(err)
		log.Printf("agent: copy to %s failed: %v", dest, err)
		return c.JSON(http.StatusOK, op.snapshot())
	}

	go func() {
		if err := installFile(staged, dest, mode, u); err != nil {
			os.Remove(staged)
			log.Printf("agent: copy to %s failed: %v", dest, err)
			op.fail(err)
			return
		}
		op.succeed()
	}()
	return c.JSON(http.StatusOK, op.snapshot())
}

func installFile(staged, dest string, mode os.FileMode, u *guestUser) error {
	if err := os.Chmod(staged, mode); err != nil {
		return err
	}
	if err := u.chown(staged); err != nil {
		return err
	}
	return os.Rename(staged, dest)
}

// makeDir creates a guest directory as an operation.
func (s *Server) makeDir(c echo.Context) error {
	var req types.MkdirRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid request body: "+err.Error()))
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		return errorJSON(c, http.StatusBadRequest, badRequestInfo("path must be absolute"))
	}
	u, err := lookupUser(req.Username)
	if err != nil {
		return errorJSON(c, http.StatusForbidden, errorInfo(err))
	}

	mode := os.FileMode(req.Mode).Perm()
	if mode == 0 {
		mode = 0o755
	}
	path := filepath.Clean(req.Path)

	op := s.ops.start(types.OperationMkdir, "create "+path, nil)
	go func() {
		if err := createDir(path, mode, req.Flags&types.DirectoryFlagParents != 0, u); err != nil {
			op.fail(err)
			return
		}
		op.succeed()
	}()
	return c.JSON(http.StatusOK, op.snapshot())
}

// createDir creates path, and with parents set any missing ancestors. New
// directories are handed to u.
func createDir(path string, mode os.FileMode, parents bool, u *guestUser) error {
	if !parents {
		if err := os.Mkdir(path, mode); err != nil {
			return err
		}
		if err := os.Chmod(path, mode); err != nil {
			return err
		}
		return u.chown(path)
	}

	var missing []string
	for p := path; ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		}
		missing = append(missing, p)
		if p == filepath.Dir(p) {
			break
		}
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Chmod(missing[i], mode); err != nil {
			return err
		}
		if err := u.chown(missing[i]); err != nil {
			return err
		}
	}
	return nil
}
