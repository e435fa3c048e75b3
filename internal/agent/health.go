package agent

import (
	"bufio"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/vmctl/pkg/types"
)

func (s *Server) health(c echo.Context) error {
	total, avail := readMemInfo()
	return c.JSON(http.StatusOK, types.AgentHealth{
		Status:        "ok",
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		MemTotal:      total,
		MemAvailable:  avail,
		Processes:     s.procs.running(),
	})
}

// readMemInfo parses /proc/meminfo for MemTotal and MemAvailable in bytes.
// Both are zero where /proc is not available.
func readMemInfo() (total, available uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			total = parseMemLine(line) * 1024
		} else if strings.HasPrefix(line, "MemAvailable:") {
			available = parseMemLine(line) * 1024
		}
	}
	return total, available
}

// parseMemLine extracts the kB value from "MemTotal:   123456 kB".
func parseMemLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
