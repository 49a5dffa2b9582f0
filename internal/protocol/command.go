package protocol

import "fmt"

// Command is the cmdId carried by request messages.
type Command int

// Command ids on the wire.
const (
	CmdRead       Command = 0
	CmdWrite      Command = 1
	CmdDiscover   Command = 2
	CmdWriteAttrs Command = 3
	CmdExecute    Command = 4
	CmdObserve    Command = 5
)

var commandNames = map[Command]string{
	CmdRead:       "read",
	CmdWrite:      "write",
	CmdDiscover:   "discover",
	CmdWriteAttrs: "writeAttrs",
	CmdExecute:    "execute",
	CmdObserve:    "observe",
}

// String returns the command name used in logs and the HTTP API.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Valid reports whether c is a known command id.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand maps a command name back to its id.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown command %q", ErrBadRequest, name)
}
