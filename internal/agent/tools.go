package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/pkg/types"
)

var errNoInstaller = errors.New("no guest tools installer configured")

// updateTools stages an uploaded tools image and runs the configured
// installer on it. The operation completes when the installer exits, or
// when it has started if the caller only waits for the start.
func (s *Server) updateTools(c echo.Context) error {
	if s.cfg.ToolsInstaller == "" {
		return errorJSON(c, http.StatusServiceUnavailable, types.ErrorInfo{
			ResultCode: types.ResultInvalidState,
			Text:       errNoInstaller.Error(),
			Component:  "agent",
		})
	}
	var flags types.ToolsUpdateFlags
	if v := c.QueryParam("flags"); v != "" {
		f, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, badRequestInfo("invalid flags"))
		}
		flags = types.ToolsUpdateFlags(f)
	}

	dir := s.cfg.StagingDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errorJSON(c, http.StatusInternalServerError, errorInfo(err))
	}
	iso, err := stageUpload(c, dir, "guest-tools-*.iso", 0, nil)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, errorInfo(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	op := s.ops.start(types.OperationToolsUpdate, "update guest tools", cancel)
	cmd := exec.CommandContext(ctx, s.cfg.ToolsInstaller, iso)
	if err := cmd.Start(); err != nil {
		cancel()
		os.Remove(iso)
		op.fail(fmt.Errorf("start installer: %w", err))
		return c.JSON(http.StatusOK, op.snapshot())
	}
	log.Printf("agent: tools installer %s started (pid %d)", s.cfg.ToolsInstaller, cmd.Process.Pid)

	startOnly := flags&types.ToolsUpdateFlagWaitForUpdateStartOnly != 0
	if startOnly {
		op.setPercent(100)
		op.succeed()
	}
	go func() {
		defer cancel()
		defer os.Remove(iso)
		err := cmd.Wait()
		if err != nil {
			log.Printf("agent: tools installer failed: %v", err)
		} else {
			log.Printf("agent: tools installer finished")
		}
		if startOnly {
			return
		}
		if err != nil && !op.canceled() {
			op.fail(fmt.Errorf("installer: %w", err))
			return
		}
		op.succeed()
	}()
	return c.JSON(http.StatusOK, op.snapshot())
}
