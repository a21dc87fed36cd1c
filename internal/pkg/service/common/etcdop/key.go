package etcdop

import (
	etcd "go.etcd.io/etcd/client/v3"
)

// Key represents an etcd key - one key, not a prefix.
type Key string

func (v Key) Key() string {
	return string(v)
}

// Put sets the value, the lease of an existing key is replaced by the lease in opts, if any.
func (v Key) Put(val string, opts ...etcd.OpOption) NoResultOp {
	return NewNoResultOp(
		etcd.OpPut(v.Key(), val, opts...),
		func(_ etcd.OpResponse) error {
			return nil
		},
	)
}

// PutIfNotExists creates the key, false is returned if the key already exists.
func (v Key) PutIfNotExists(val string, opts ...etcd.OpOption) BoolOp {
	return NewBoolOp(
		etcd.OpTxn(
			[]etcd.Cmp{etcd.Compare(etcd.Version(v.Key()), "=", 0)},
			[]etcd.Op{etcd.OpPut(v.Key(), val, opts...)},
			[]etcd.Op{},
		),
		func(r etcd.OpResponse) (bool, error) {
			return r.Txn().Succeeded, nil
		},
	)
}

// UpdateIfExists rewrites the value of an existing key and keeps its lease.
// False is returned if the key doesn't exist.
func (v Key) UpdateIfExists(val string) BoolOp {
	return NewBoolOp(
		etcd.OpTxn(
			[]etcd.Cmp{etcd.Compare(etcd.Version(v.Key()), "!=", 0)},
			[]etcd.Op{etcd.OpPut(v.Key(), val, etcd.WithIgnoreLease())},
			[]etcd.Op{},
		),
		func(r etcd.OpResponse) (bool, error) {
			return r.Txn().Succeeded, nil
		},
	)
}

// DeleteIfExists deletes the key, the additional operations are applied in the same transaction.
// False is returned if the key doesn't exist.
func (v Key) DeleteIfExists(also ...etcd.Op) BoolOp {
	return NewBoolOp(
		etcd.OpTxn(
			[]etcd.Cmp{etcd.Compare(etcd.Version(v.Key()), "!=", 0)},
			append([]etcd.Op{etcd.OpDelete(v.Key())}, also...),
			[]etcd.Op{},
		),
		func(r etcd.OpResponse) (bool, error) {
			return r.Txn().Succeeded, nil
		},
	)
}
