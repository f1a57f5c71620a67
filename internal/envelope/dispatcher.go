package envelope

import (
	"context"
	"log/slog"

	"github.com/manifest-network/aptfeed/internal/metrics"
)

// Handler receives the data-carrying envelopes.
type Handler interface {
	HandleBlocks(ctx context.Context, batch *BlockBatch)
	HandleTransactions(ctx context.Context, batch *TransactionBatch)
}

// Dispatcher decodes raw frames and routes them to a Handler.
type Dispatcher struct {
	handler Handler
}

func NewDispatcher(handler Handler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// Dispatch decodes raw and routes it. A frame that fails to decode is logged
// and dropped; ok is false in that case. Dispatch never panics on bad input.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (env Envelope, ok bool) {
	env, err := Parse(raw)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		slog.Warn("Dropping malformed frame", "error", err, "size", len(raw))
		return Envelope{}, false
	}
	metrics.EnvelopesTotal.WithLabelValues(kindLabel(env.Kind)).Inc()

	switch env.Kind {
	case KindBlock:
		d.handler.HandleBlocks(ctx, env.Blocks)
	case KindTransaction:
		d.handler.HandleTransactions(ctx, env.Transactions)
	case KindSubscribed:
		slog.Info("Subscribed", "channel", env.Channel)
	case KindUnsubscribed:
		slog.Info("Unsubscribed", "channel", env.Channel)
	case KindPong:
		slog.Debug("Heartbeat acknowledged")
	case KindError:
		slog.Warn("Server reported error", "error", env.Error)
	default:
		slog.Debug("Ignoring unknown frame", "type", env.RawType)
	}
	return env, true
}

func kindLabel(k Kind) string {
	if k == KindUnknown {
		return "unknown"
	}
	return string(k)
}
