package agent

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/pkg/types"
)

// errorInfo describes err for the host. Errors from guest OS calls are
// marked as system errors.
func errorInfo(err error) types.ErrorInfo {
	info := types.ErrorInfo{
		ResultCode: types.ResultFailure,
		Text:       err.Error(),
		Component:  "agent",
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var execErr *exec.Error
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &execErr) {
		info.System = true
		info.ResultCode = types.ResultSystem
	}

	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		info.ResultCode = types.ResultNotFound
	case errors.Is(err, fs.ErrPermission):
		info.ResultCode = types.ResultAccessDenied
	case errors.Is(err, errUnknownUser):
		info.ResultCode = types.ResultAccessDenied
		info.Interface = "credentials"
	}
	return info
}

func notFoundInfo(text string) types.ErrorInfo {
	return types.ErrorInfo{ResultCode: types.ResultNotFound, Text: text, Component: "agent"}
}

func badRequestInfo(text string) types.ErrorInfo {
	return types.ErrorInfo{ResultCode: types.ResultFailure, Text: text, Component: "agent"}
}

// errorJSON writes the agent error body.
func errorJSON(c echo.Context, status int, info types.ErrorInfo) error {
	return c.JSON(status, types.ErrorResponse{Error: info.Text, Info: &info})
}
