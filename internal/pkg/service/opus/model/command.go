package model

// Command payloads with a special meaning, any other payload is an action line.
const (
	StopExecution      = "STOP_EXECUTION"
	TerminateExecution = "TERMINATE_EXECUTION"
)

// NukeCommand is written by the commander, addressed to one node and rewritten by the node to report progress.
type NukeCommand struct {
	Key       Key          `json:"key"`
	TxID      TxID         `json:"txID" validate:"gte=0"`
	Command   string       `json:"command" validate:"required"`
	Folder    string       `json:"folder,omitempty"`
	Response  string       `json:"response,omitempty"`
	State     CommandState `json:"state"`
	Component NodeID       `json:"component" validate:"gte=-1"`
	Repeated  bool         `json:"repeated,omitempty"`
}

func NewNukeCommand(txID TxID, command string) *NukeCommand {
	return &NukeCommand{TxID: txID, Command: command, State: CommandUndefined, Component: Unaddressed}
}

func (c *NukeCommand) EntryKind() KeyKind {
	return KindCommand
}

func (c *NukeCommand) EntryKey() Key {
	return c.Key
}

func (c *NukeCommand) SetEntryKey(k Key) {
	c.Key = k
}

func (c *NukeCommand) EntryTxID() TxID {
	return c.TxID
}

// Clone returns a copy, it is used before modifications outside the dispatcher.
func (c *NukeCommand) Clone() *NukeCommand {
	clone := *c
	return &clone
}

// IsAddressedTo returns true if the command is for the node.
func (c *NukeCommand) IsAddressedTo(node NodeID) bool {
	return c.Component != Unaddressed && c.Component == node
}
