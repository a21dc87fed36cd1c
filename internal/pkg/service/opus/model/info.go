package model

// NukeInfo describes one node, it is written only by the node itself.
type NukeInfo struct {
	Key               Key       `json:"key"`
	TxID              TxID      `json:"txID" validate:"gte=0"`
	NodeID            NodeID    `json:"nodeID" validate:"gte=0"`
	RequestedCommands int       `json:"requestedCommands" validate:"gte=0"`
	ActiveCommands    int       `json:"activeCommands" validate:"gte=0"`
	CompletedCommands int       `json:"completedCommands" validate:"gte=0"`
	Repeated          bool      `json:"repeated,omitempty"`
	State             NukeState `json:"state"`
}

func NewNukeInfo(node NodeID) *NukeInfo {
	return &NukeInfo{Key: node.Key(), NodeID: node, State: NukeStarting}
}

func (i *NukeInfo) EntryKind() KeyKind {
	return KindNode
}

func (i *NukeInfo) EntryKey() Key {
	return i.Key
}

func (i *NukeInfo) SetEntryKey(k Key) {
	i.Key = k
}

func (i *NukeInfo) EntryTxID() TxID {
	return i.TxID
}

func (i *NukeInfo) Clone() *NukeInfo {
	clone := *i
	return &clone
}
