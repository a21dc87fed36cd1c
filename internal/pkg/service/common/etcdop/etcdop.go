// Package etcdop provides a small framework on top of etcd low-level operations.
//
// See Key and Prefix types.
//
// Goals:
// - Reduce the risk of an error when defining an operation.
// - Distinguish between operations over one key (Key type) and several keys (Prefix type).
package etcdop

import (
	"context"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
)

type (
	boolProcessor     func(r etcd.OpResponse) (bool, error)
	getManyProcessor  func(r etcd.OpResponse) ([]*mvccpb.KeyValue, *Header, error)
	noResultProcessor func(r etcd.OpResponse) error

	// Header of a response, it contains the revision of the cluster at the time of the operation.
	Header struct {
		Revision int64
	}

	BoolOp struct {
		op        etcd.Op
		processor boolProcessor
	}
	GetManyOp struct {
		op        etcd.Op
		processor getManyProcessor
	}
	NoResultOp struct {
		op        etcd.Op
		processor noResultProcessor
	}
)

// NewBoolOp wraps an operation, the result of which us true/false value.
// True means success of the operation.
func NewBoolOp(etcdOp etcd.Op, processor boolProcessor) BoolOp {
	return BoolOp{op: etcdOp, processor: processor}
}

// NewGetManyOp wraps an operation, the result of which is zero or multiple KV pairs.
func NewGetManyOp(etcdOp etcd.Op, processor getManyProcessor) GetManyOp {
	return GetManyOp{op: etcdOp, processor: processor}
}

// NewNoResultOp wraps an operation, the result of which is an error or nil.
func NewNoResultOp(etcdOp etcd.Op, processor noResultProcessor) NoResultOp {
	return NoResultOp{op: etcdOp, processor: processor}
}

// Op returns raw etcd.Op.
func (v BoolOp) Op() etcd.Op {
	return v.op
}

// Op returns raw etcd.Op.
func (v NoResultOp) Op() etcd.Op {
	return v.op
}

func (v BoolOp) Do(ctx context.Context, client etcd.KV) (bool, error) {
	r, err := client.Do(ctx, v.op)
	if err != nil {
		return false, err
	}
	return v.processor(r)
}

func (v GetManyOp) Do(ctx context.Context, client etcd.KV) ([]*mvccpb.KeyValue, *Header, error) {
	r, err := client.Do(ctx, v.op)
	if err != nil {
		return nil, nil, err
	}
	return v.processor(r)
}

func (v NoResultOp) Do(ctx context.Context, client etcd.KV) error {
	r, err := client.Do(ctx, v.op)
	if err != nil {
		return err
	}
	return v.processor(r)
}
