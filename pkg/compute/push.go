package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/pageqa/pkg/natsutil"
)

// DefaultSubjectPrefix is where the compute service publishes job updates.
const DefaultSubjectPrefix = "compute.jobs"

// NATSPush delivers job updates published by the compute service on
// <prefix>.<jobID>.
type NATSPush struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPush wraps an established connection.
func NewNATSPush(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPush {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPush{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject updates for jobID arrive on.
func (p *NATSPush) Subject(jobID string) string {
	return p.prefix + "." + natsutil.Subject(jobID)
}

// Connected reports whether the underlying connection is up.
func (p *NATSPush) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// ListenJob subscribes to updates for jobID. Messages that fail to normalize
// are logged and dropped; the poll path still covers their tasks. The
// returned stop function is safe to call more than once.
func (p *NATSPush) ListenJob(jobID string, handle func(JobUpdate)) (func(), error) {
	if p.nc == nil {
		return nil, fmt.Errorf("compute: listen %s: no connection", jobID)
	}
	sub, err := natsutil.Subscribe(p.nc, p.Subject(jobID), func(_ context.Context, raw json.RawMessage) {
		u, err := ParseJobUpdate(raw)
		if err != nil {
			p.logger.Warn("dropping job update", "job", jobID, "err", err)
			return
		}
		if u.JobID == "" {
			u.JobID = jobID
		}
		handle(u)
	})
	if err != nil {
		return nil, fmt.Errorf("compute: listen %s: %w", jobID, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
			p.logger.Debug("unsubscribe job", "job", jobID, "err", err)
		}
	}, nil
}
