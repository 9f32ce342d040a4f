package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pageqa/pkg/natsutil"
)

// DefaultSubjectPrefix is the root subject for forwarded events.
const DefaultSubjectPrefix = "pageqa.events"

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	Kind  Kind      `json:"kind"`
	Event Event     `json:"event"`
	Sent  time.Time `json:"sent"`
}

// ForwardToNATS publishes every bus event on <prefix>.<kind> until ctx is
// done. It blocks; run it in its own goroutine.
func ForwardToNATS(ctx context.Context, bus *Bus, nc *nats.Conn, prefix string, logger *slog.Logger) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch, cancel := bus.Subscribe(DefaultBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			subject := prefix + "." + string(ev.Kind())
			env := Envelope{Kind: ev.Kind(), Event: ev, Sent: time.Now()}
			if err := natsutil.Publish(ctx, nc, subject, env); err != nil {
				logger.Warn("forward event", "subject", subject, "err", err)
			}
		}
	}
}
