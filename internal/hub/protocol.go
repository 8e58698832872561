package hub

import "github.com/user/gdbhub/internal/mi"

// Client message types.
const (
	TypeConnect        = "connect"
	TypeRunCommand     = "run_gdb_command"
	TypePtyInteraction = "pty_interaction"
)

// Server message types.
const (
	TypeConnectionEvent = "debug_session_connection_event"
	TypeGdbResponse     = "gdb_response"
	TypeUserPty         = "user_pty_response"
	TypeProgramPty      = "program_pty_response"
	TypeSessionDeath    = "debug_session_death"
	TypeCommandError    = "error_running_gdb_command"
	TypeError           = "error"
)

// Pty interaction actions.
const (
	ActionWrite      = "write"
	ActionSetWinsize = "set_winsize"
)

type ClientMessage struct {
	Type string `json:"type"`

	// connect: attach to PID when set, otherwise start Command (or the
	// configured default) speaking MIVersion.
	PID        int    `json:"pid,omitempty"`
	Command    string `json:"gdb_command,omitempty"`
	MIVersion  string `json:"mi_version,omitempty"`
	Profile    string `json:"profile,omitempty"`
	KillOthers bool   `json:"kill_other_sessions,omitempty"`

	// run_gdb_command
	Commands []string `json:"commands,omitempty"`

	// pty_interaction
	PtyName string `json:"pty_name,omitempty"`
	Action  string `json:"action,omitempty"`
	Key     string `json:"key,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Cols    int    `json:"cols,omitempty"`
}

type ConnectionEvent struct {
	Type              string `json:"type"`
	OK                bool   `json:"ok"`
	ViewerID          string `json:"viewer_id"`
	PID               int    `json:"pid,omitempty"`
	StartedNewSession bool   `json:"started_new_session"`
	Message           string `json:"message"`
}

type GdbResponseMessage struct {
	Type    string      `json:"type"`
	PID     int         `json:"pid"`
	Records []mi.Record `json:"records"`
}

type PtyOutputMessage struct {
	Type string `json:"type"`
	PID  int    `json:"pid"`
	Text string `json:"text"`
}

type SessionDeathMessage struct {
	Type    string `json:"type"`
	PID     int    `json:"pid"`
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ConnectRequest is a viewer's request to start or attach to a session.
type ConnectRequest struct {
	PID        int
	Command    string
	MIVersion  string
	Profile    string
	KillOthers bool
}

// ConnectResult describes the session a viewer ended up attached to.
type ConnectResult struct {
	PID        int
	StartedNew bool
	Message    string
}

// PtyRequest is a keystroke or resize aimed at one of the human-facing
// terminals of the viewer's session.
type PtyRequest struct {
	PtyName string
	Action  string
	Data    string
	Rows    uint16
	Cols    uint16
}
