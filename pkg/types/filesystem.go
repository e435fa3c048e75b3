package types

// CopyFlags modify a host-to-guest copy.
type CopyFlags uint32

const (
	CopyFlagNone        CopyFlags = 0
	CopyFlagRecursive   CopyFlags = 1 << 0
	CopyFlagUpdate      CopyFlags = 1 << 1
	CopyFlagFollowLinks CopyFlags = 1 << 2
)

// DirectoryFlags modify guest directory creation.
type DirectoryFlags uint32

const (
	DirectoryFlagNone    DirectoryFlags = 0
	DirectoryFlagParents DirectoryFlags = 1 << 0
)

// MkdirRequest is the request body for creating a guest directory.
type MkdirRequest struct {
	Path     string         `json:"path"`
	Username string         `json:"username"`
	Password string         `json:"password,omitempty"`
	Mode     uint32         `json:"mode,omitempty"`
	Flags    DirectoryFlags `json:"flags,omitempty"`
}

// ToolsUpdateFlags modify a guest tools update.
type ToolsUpdateFlags uint32

const (
	ToolsUpdateFlagNone ToolsUpdateFlags = 0
	// ToolsUpdateFlagWaitForUpdateStartOnly completes the operation once the
	// installer has been started instead of when it exits.
	ToolsUpdateFlagWaitForUpdateStartOnly ToolsUpdateFlags = 1 << 0
)
