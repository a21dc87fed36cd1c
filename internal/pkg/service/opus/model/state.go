package model

import (
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// CommandState is the state of a NukeCommand, it is written by both sides.
type CommandState int

const (
	CommandUndefined CommandState = iota
	CommandExecute
	CommandWorking
	CommandQuery
	CommandStop
	CommandTerminate
	CommandDone
	CommandAborted
)

// NukeState is the lifecycle state of a node.
type NukeState int

const (
	NukeUndefined NukeState = iota
	NukeStarting
	NukeRunning
	NukeStopping
	NukeTerminated
)

// nolint: gochecknoglobals
var commandStates = map[CommandState]string{
	CommandUndefined: "UNDEFINED",
	CommandExecute:   "EXECUTE",
	CommandWorking:   "WORKING",
	CommandQuery:     "QUERY",
	CommandStop:      "STOP",
	CommandTerminate: "TERMINATE",
	CommandDone:      "DONE",
	CommandAborted:   "ABORTED",
}

// nolint: gochecknoglobals
var nukeStates = map[NukeState]string{
	NukeUndefined:  "UNDEFINED",
	NukeStarting:   "STARTING",
	NukeRunning:    "RUNNING",
	NukeStopping:   "STOPPING",
	NukeTerminated: "TERMINATED",
}

func (s CommandState) String() string {
	if v, ok := commandStates[s]; ok {
		return v
	}
	return "UNKNOWN"
}

func (s CommandState) MarshalText() ([]byte, error) {
	if _, ok := commandStates[s]; !ok {
		return nil, errors.Errorf(`unexpected command state "%d"`, int(s))
	}
	return []byte(s.String()), nil
}

func (s *CommandState) UnmarshalText(text []byte) error {
	for k, v := range commandStates {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return errors.Errorf(`unexpected command state "%s"`, string(text))
}

func (s NukeState) String() string {
	if v, ok := nukeStates[s]; ok {
		return v
	}
	return "UNKNOWN"
}

func (s NukeState) MarshalText() ([]byte, error) {
	if _, ok := nukeStates[s]; !ok {
		return nil, errors.Errorf(`unexpected node state "%d"`, int(s))
	}
	return []byte(s.String()), nil
}

func (s *NukeState) UnmarshalText(text []byte) error {
	for k, v := range nukeStates {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return errors.Errorf(`unexpected node state "%s"`, string(text))
}
