package types

// AgentHealth is the body of the agent health endpoint.
type AgentHealth struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	MemTotal      uint64 `json:"memTotal,omitempty"`
	MemAvailable  uint64 `json:"memAvailable,omitempty"`
	Processes     int    `json:"processes"` // started through the agent and still running
}
