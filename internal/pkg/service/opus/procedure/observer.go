package procedure

import (
	"context"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

// Identity of a procedure passed to the Observer.
type Identity interface {
	Name() string
	TxID() model.TxID
}

// Observer is notified about each state transition, it is used for logging and metrics, never for control flow.
type Observer interface {
	OnStateChange(ctx context.Context, p Identity, from, to State)
}

type NopObserver struct{}

func (NopObserver) OnStateChange(context.Context, Identity, State, State) {}

// Observers notifies all observers in order.
type Observers []Observer

func (v Observers) OnStateChange(ctx context.Context, p Identity, from, to State) {
	for _, o := range v {
		o.OnStateChange(ctx, p, from, to)
	}
}

// LogObserver logs each transition as a debug message.
type LogObserver struct {
	Logger log.Logger
}

func (o LogObserver) OnStateChange(ctx context.Context, p Identity, from, to State) {
	o.Logger.Debugf(ctx, `procedure "%s" txID "%d": state "%s" -> "%s"`, p.Name(), p.TxID(), from, to)
}
