package etcdop

import (
	"regexp"
	"strings"

	"github.com/umisama/go-regexpcache"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
)

// Prefix represents an etcd keys prefix - multiple keys prefix, not a one key.
type Prefix string

func NewPrefix(v string) Prefix {
	return Prefix(strings.Trim(v, "/"))
}

func (v Prefix) Prefix() string {
	return string(v) + "/"
}

func (v Prefix) Add(str string) Prefix {
	return Prefix(v.Prefix() + str)
}

func (v Prefix) Key(key string) Key {
	return Key(v.Prefix() + key)
}

// Relative returns the key without the prefix, false is returned if the key has another prefix
// or if it is not a direct child of the prefix.
func (v Prefix) Relative(key string) (string, bool) {
	pattern := regexpcache.MustCompile(`^` + regexp.QuoteMeta(v.Prefix()) + `([^/]+)$`)
	m := pattern.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// GetAll loads all keys with the prefix.
func (v Prefix) GetAll(opts ...etcd.OpOption) GetManyOp {
	opts = append([]etcd.OpOption{etcd.WithPrefix()}, opts...)
	return NewGetManyOp(
		etcd.OpGet(v.Prefix(), opts...),
		func(r etcd.OpResponse) ([]*mvccpb.KeyValue, *Header, error) {
			return r.Get().Kvs, &Header{Revision: r.Get().Header.Revision}, nil
		},
	)
}

// DeleteAll deletes all keys with the prefix.
func (v Prefix) DeleteAll() NoResultOp {
	return NewNoResultOp(
		etcd.OpDelete(v.Prefix(), etcd.WithPrefix()),
		func(_ etcd.OpResponse) error {
			return nil
		},
	)
}
