package robotlink

import (
	"context"
	"time"

	"github.com/banshee-data/safety.filter/internal/monitoring"
)

// Subscriber is the read half of a Mux.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Handlers receive decoded inbound messages. Nil handlers ignore their kind.
// When StateDims or ControlDims is positive, state and nominal vectors of any
// other length are dropped before they reach the handler.
type Handlers struct {
	OnState                func([]float64)
	OnNominal              func([]float64)
	OnCertificateAvailable func(bool)

	StateDims   int
	ControlDims int
}

var malformedLog = monitoring.NewLimitedLogger("[RobotLink]", 5*time.Second, 3)

// Dispatch routes lines from sub to h until ctx is done or the subscription
// closes.
func Dispatch(ctx context.Context, sub Subscriber, h Handlers) error {
	id, lines := sub.Subscribe()
	defer sub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			handleLine(line, h)
		}
	}
}

func handleLine(line string, h Handlers) {
	msg, err := ParseMessage(line)
	if err != nil {
		malformedLog.Logf("dropping line %q: %v", line, err)
		return
	}
	switch msg.Kind {
	case KindState:
		if !checkDims(line, msg.Vector, h.StateDims) {
			return
		}
		if h.OnState != nil {
			h.OnState(msg.Vector)
		}
	case KindNominal:
		if !checkDims(line, msg.Vector, h.ControlDims) {
			return
		}
		if h.OnNominal != nil {
			h.OnNominal(msg.Vector)
		}
	case KindCertificateAvailable:
		if h.OnCertificateAvailable != nil {
			h.OnCertificateAvailable(msg.Available)
		}
	}
}

func checkDims(line string, v []float64, want int) bool {
	if want > 0 && len(v) != want {
		malformedLog.Logf("dropping line %q: %d entries, want %d", line, len(v), want)
		return false
	}
	return true
}
