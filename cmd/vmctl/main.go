package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/opensandbox/vmctl/cmd/vmctl/cmd"
	"github.com/opensandbox/vmctl/internal/guestctl"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exitErr *guestctl.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
