package procedure

import (
	"math"

	"github.com/ccoveille/go-safecast"
	"go.uber.org/atomic"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// TxIDSequence issues transaction ids, it wraps to 0 before the 32-bit overflow.
// It is safe for concurrent use.
type TxIDSequence struct {
	last *atomic.Int32
}

func NewTxIDSequence() *TxIDSequence {
	return &TxIDSequence{last: atomic.NewInt32(0)}
}

// NewTxIDSequenceFrom continues after the last issued id, for example a value read from a counter.
func NewTxIDSequenceFrom(last int64) (*TxIDSequence, error) {
	v, err := safecast.ToInt32(last)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `invalid last txID "%d"`, last)
	}
	if v < 0 {
		return nil, errors.Errorf(`invalid last txID "%d": must not be negative`, last)
	}
	return &TxIDSequence{last: atomic.NewInt32(v)}, nil
}

func (s *TxIDSequence) Next() model.TxID {
	for {
		current := s.last.Load()
		next := current + 1
		if current+1 == math.MaxInt32 {
			next = 0
		}
		if s.last.CompareAndSwap(current, next) {
			return model.TxID(next)
		}
	}
}
