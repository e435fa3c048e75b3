package types

import (
	"fmt"
	"strings"
	"time"
)

// MachineState is the power state of a registered virtual machine.
type MachineState string

const (
	MachineStatePoweredOff MachineState = "poweroff"
	MachineStateSaved      MachineState = "saved"
	MachineStateAborted    MachineState = "aborted"
	MachineStateRunning    MachineState = "running"
	MachineStatePaused     MachineState = "paused"
	MachineStateStuck      MachineState = "gurumeditation"
	MachineStateStarting   MachineState = "starting"
	MachineStateStopping   MachineState = "stopping"
	MachineStateSaving     MachineState = "saving"
	MachineStateRestoring  MachineState = "restoring"
)

var machineStateNames = map[MachineState]string{
	MachineStatePoweredOff: "powered off",
	MachineStateSaved:      "saved",
	MachineStateAborted:    "aborted",
	MachineStateRunning:    "running",
	MachineStatePaused:     "paused",
	MachineStateStuck:      "guru meditation",
	MachineStateStarting:   "starting",
	MachineStateStopping:   "stopping",
	MachineStateSaving:     "saving",
	MachineStateRestoring:  "restoring",
}

// Name returns the human readable state name.
func (s MachineState) Name() string {
	if n, ok := machineStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseMachineState accepts the short state identifiers used on the command line.
func ParseMachineState(s string) (MachineState, error) {
	st := MachineState(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := machineStateNames[st]; !ok {
		return "", fmt.Errorf("unknown machine state %q", s)
	}
	return st, nil
}

// Machine is a virtual machine known to the local registry.
type Machine struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     MachineState `json:"state"`
	AgentAddr string       `json:"agentAddr"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}
