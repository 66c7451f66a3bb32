package audithook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root events are published under. An
// event with action "vm.stopped" goes to "vmledger.audit.vm.stopped".
const DefaultSubjectPrefix = "vmledger.audit"

var errNATSClosed = errors.New("audit_hook: nats connection closed")

// NATSRecorder publishes audit events as JSON to NATS.
type NATSRecorder struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NATSOption configures a NATSRecorder.
type NATSOption func(*NATSRecorder)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(r *NATSRecorder) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// DialNATS connects to url and returns a recorder that owns the connection.
func DialNATS(url string, logger *slog.Logger, opts ...NATSOption) (*NATSRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("vmledger-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("audit_hook: nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("audit_hook: nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("audit_hook: connect nats: %w", err)
	}
	r := NewNATSRecorder(nc, opts...)
	r.owned = true
	return r, nil
}

// NewNATSRecorder wraps an existing connection. The caller keeps ownership of
// nc and Close only flushes it.
func NewNATSRecorder(nc *nats.Conn, opts ...NATSOption) *NATSRecorder {
	r := &NATSRecorder{nc: nc, prefix: DefaultSubjectPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subject returns the subject an action is published to.
func (r *NATSRecorder) Subject(action string) string {
	return r.prefix + "." + action
}

// Record implements Recorder.
func (r *NATSRecorder) Record(_ context.Context, event *AuditEvent) error {
	if r.nc == nil || r.nc.IsClosed() {
		return errNATSClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit_hook: encode event: %w", err)
	}
	return r.nc.Publish(r.Subject(event.Action), data)
}

// Close drains an owned connection, or flushes a borrowed one.
func (r *NATSRecorder) Close() error {
	if r.nc == nil || r.nc.IsClosed() {
		return nil
	}
	if !r.owned {
		return r.nc.Flush()
	}
	return r.nc.Drain()
}
