package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is prepended to every result subject
const DefaultSubjectPrefix = "fleetd.cf"

// ErrClosed is returned after Close
var ErrClosed = errors.New("pipeline connection is closed")

// Config holds rule pipeline connection configuration
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	// MaxReconnects of -1 reconnects forever
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSNotifier publishes calculated-field results to NATS, one subject per
// entity: <prefix>.<tenant>.<entity>
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger zerolog.Logger
}

// Connect dials NATS and returns a notifier owning the connection
func Connect(cfg Config) (*NATSNotifier, error) {
	logger := log.WithComponent("pipeline")

	if cfg.Name == "" {
		cfg.Name = "fleetd"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := NewNATSNotifier(nc, cfg.SubjectPrefix)
	n.owned = true
	n.logger.Info().Str("url", nc.ConnectedUrl()).Str("prefix", n.prefix).Msg("Connected to rule pipeline")
	return n, nil
}

// NewNATSNotifier wraps an existing connection; Close leaves it open
func NewNATSNotifier(nc *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{
		nc:     nc,
		prefix: prefix,
		logger: log.WithComponent("pipeline"),
	}
}

// Subject returns the subject results of an entity are published on
func (n *NATSNotifier) Subject(r calc.Result) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, r.TenantID, r.EntityID)
}

// Notify implements calc.Notifier. It returns once the server has
// acknowledged the publish, so a nil error means the result left the
// process.
func (n *NATSNotifier) Notify(ctx context.Context, r calc.Result) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	subject := n.Subject(r)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if err := n.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", subject, err)
	}
	return nil
}

// Ping reports whether the connection is usable
func (n *NATSNotifier) Ping() error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("NATS status %s", n.nc.Status())
	}
	return nil
}

// Close drains and closes an owned connection
func (n *NATSNotifier) Close() error {
	if !n.owned || n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}

var _ calc.Notifier = (*NATSNotifier)(nil)
