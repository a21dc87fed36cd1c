// Package model contains entries of the shared store, they are the only channel between the commander and the nodes.
package model

import (
	"cmp"
	"strconv"
	"strings"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// KeyKind separates key spaces of the entries, ids of different kinds never collide.
type KeyKind string

const (
	KindCommand KeyKind = "commands"
	KindNode    KeyKind = "nodes"
)

// Key identifies an entry in the shared store, for example "commands/5" or "nodes/3".
type Key struct {
	Kind KeyKind
	ID   int64
}

// NodeID identifies a node, it is unique in the cluster.
type NodeID int64

// Unaddressed is the component of a command not addressed to any node.
const Unaddressed NodeID = -1

// TxID correlates a command entry with the procedures working on it.
type TxID int32

// Entry is a value stored in the shared store.
type Entry interface {
	EntryKind() KeyKind
	EntryKey() Key
	SetEntryKey(k Key)
	EntryTxID() TxID
}

func CommandKey(id int64) Key {
	return Key{Kind: KindCommand, ID: id}
}

// IsZero returns true if the key has not been allocated yet.
func (k Key) IsZero() bool {
	return k.ID == 0
}

func (k Key) String() string {
	if k.Kind == "" {
		return strconv.FormatInt(k.ID, 10)
	}
	return string(k.Kind) + "/" + strconv.FormatInt(k.ID, 10)
}

// Compare orders keys by the kind and then by the id.
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.Kind, other.Kind); c != 0 {
		return c
	}
	return cmp.Compare(k.ID, other.ID)
}

func (k Key) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Key{}
		return nil
	}
	v, err := ParseKey(string(data))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func ParseKey(s string) (Key, error) {
	kind, id, found := strings.Cut(s, "/")
	if !found {
		return Key{}, errors.Errorf(`invalid key "%s": expected "<kind>/<id>"`, s)
	}
	switch KeyKind(kind) {
	case KindCommand, KindNode:
	default:
		return Key{}, errors.Errorf(`invalid key "%s": unexpected kind "%s"`, s, kind)
	}
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Key{}, errors.PrefixErrorf(err, `invalid key "%s"`, s)
	}
	return Key{Kind: KeyKind(kind), ID: v}, nil
}

func (v NodeID) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// Key of the NukeInfo entry of the node.
func (v NodeID) Key() Key {
	return Key{Kind: KindNode, ID: int64(v)}
}
