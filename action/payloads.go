package action

import "github.com/quarryhq/quarry/types"

// Payload structs exchanged with the built-in client actions. Clients
// marshal these into Document envelopes; flows decode them from replies.

// EchoArgs asks the client to send Data straight back.
type EchoArgs struct {
	Data string `json:"data"`
}

// EchoResult is the Echo action's reply.
type EchoResult struct {
	Data string `json:"data"`
}

// ListDirectoryArgs names the directory to enumerate.
type ListDirectoryArgs struct {
	Path string `json:"path"`
}

// StatFileArgs names the file to stat.
type StatFileArgs struct {
	Path string `json:"path"`
}

// StatEntry describes one filesystem node. Returned by StatFile (one
// entry) and ListDirectory (one entry per child).
type StatEntry struct {
	Path    string          `json:"path"`
	Size    uint64          `json:"size"`
	Mode    uint32          `json:"mode"`
	ModTime types.Timestamp `json:"mtime"`
	IsDir   bool            `json:"is_dir,omitempty"`
	Symlink string          `json:"symlink,omitempty"`
}

// TransferBufferArgs requests Length bytes of a file starting at Offset.
type TransferBufferArgs struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// BufferReference is the TransferBuffer reply carrying the bytes read.
// Data is shorter than the requested length at end of file.
type BufferReference struct {
	Path   string `json:"path"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Data   []byte `json:"data"`
}

// InterrogateArgs configures the Interrogate action. Lightweight skips
// the slower enumeration steps on the endpoint.
type InterrogateArgs struct {
	Lightweight bool `json:"lightweight,omitempty"`
}

// ClientInformation is the Interrogate reply describing the endpoint.
type ClientInformation struct {
	System        string          `json:"system"`
	Release       string          `json:"release,omitempty"`
	Version       string          `json:"version,omitempty"`
	Arch          string          `json:"arch,omitempty"`
	Hostname      string          `json:"hostname"`
	Usernames     []string        `json:"usernames,omitempty"`
	Labels        []string        `json:"labels,omitempty"`
	ClientVersion int             `json:"client_version,omitempty"`
	InstallTime   types.Timestamp `json:"install_time,omitempty"`
	BootTime      types.Timestamp `json:"boot_time,omitempty"`
}

func init() {
	types.MustRegisterPayload("EchoArgs", EchoArgs{})
	types.MustRegisterPayload("EchoResult", EchoResult{})
	types.MustRegisterPayload("ListDirectoryArgs", ListDirectoryArgs{})
	types.MustRegisterPayload("StatFileArgs", StatFileArgs{})
	types.MustRegisterPayload("StatEntry", StatEntry{})
	types.MustRegisterPayload("TransferBufferArgs", TransferBufferArgs{})
	types.MustRegisterPayload("BufferReference", BufferReference{})
	types.MustRegisterPayload("InterrogateArgs", InterrogateArgs{})
	types.MustRegisterPayload("ClientInformation", ClientInformation{})

	MustRegister(&Definition{
		Name:        "Interrogate",
		Description: "Collect platform, user and configuration details from the endpoint.",
		ArgsType:    "InterrogateArgs",
		ResultTypes: []string{"ClientInformation"},
	})
	MustRegister(&Definition{
		Name:        "Echo",
		Description: "Round-trip a payload through the endpoint, for liveness checks.",
		ArgsType:    "EchoArgs",
		ResultTypes: []string{"EchoResult"},
	})
	MustRegister(&Definition{
		Name:        "ListDirectory",
		Description: "Enumerate a directory on the endpoint.",
		ArgsType:    "ListDirectoryArgs",
		ResultTypes: []string{"StatEntry"},
	})
	MustRegister(&Definition{
		Name:        "StatFile",
		Description: "Stat a single file on the endpoint.",
		ArgsType:    "StatFileArgs",
		ResultTypes: []string{"StatEntry"},
	})
	MustRegister(&Definition{
		Name:        "TransferBuffer",
		Description: "Read a byte range of a file from the endpoint.",
		ArgsType:    "TransferBufferArgs",
		ResultTypes: []string{"BufferReference"},
	})
}
