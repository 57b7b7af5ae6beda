package presence

import (
	"context"
	"log/slog"

	"voicelink/internal/call"
	"voicelink/internal/store"
)

// Sink receives derived incoming-call events. The signaling coordinator is
// the production sink; suppression (busy endpoint, self-call) happens there,
// not here.
type Sink interface {
	OfferIncoming(sess call.Session)
	OfferRetracted(sessionID string)
}

// Notifier converts "an offering session exists for this conversation" into
// incoming-call events, independent of any active transport.
type Notifier struct {
	store store.Adapter
	sink  Sink
	log   *slog.Logger
}

func NewNotifier(adapter store.Adapter, sink Sink, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{store: adapter, sink: sink, log: log}
}

// Listen watches for offering sessions addressed to one conversation
// identity. The returned cancel func stops the watch.
func (n *Notifier) Listen(ctx context.Context, conversationID string) (store.CancelFunc, error) {
	return n.listen(ctx, func(r store.Record) bool {
		return offering(r) && r.Fields["conversation_id"] == conversationID
	})
}

// ListenAll watches across every conversation identity. This is the
// privileged operator variant: one agent fielding calls for all
// customer-facing channels. Access control belongs to the API layer.
func (n *Notifier) ListenAll(ctx context.Context) (store.CancelFunc, error) {
	return n.listen(ctx, offering)
}

func (n *Notifier) listen(ctx context.Context, filter store.FilterFunc) (store.CancelFunc, error) {
	changes, cancel, err := n.store.Subscribe(ctx, call.SessionCollection, filter)
	if err != nil {
		return nil, err
	}
	go n.run(changes)
	return cancel, nil
}

func (n *Notifier) run(changes <-chan store.Change) {
	for ch := range changes {
		switch ch.Kind {
		case store.Added:
			sess, err := call.SessionFromFields(ch.Record.ID, ch.Record.Fields)
			if err != nil {
				n.log.Error("presence: decode session", "record_id", ch.Record.ID, "err", err)
				continue
			}
			n.sink.OfferIncoming(sess)
		case store.Removed:
			// The session left the offering state (answered elsewhere,
			// cancelled, rejected) or was retired; withdraw the ring.
			n.sink.OfferRetracted(ch.Record.ID)
		}
	}
}

func offering(r store.Record) bool {
	return r.Fields["status"] == string(call.StatusOffering)
}
