// Package natsbus implements the device transport over NATS. Bus topics use
// '/' separators; they are mapped to NATS subjects by swapping in '.'.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/luminode/luminode/pkg/telemetry"
	"github.com/luminode/luminode/pkg/transport"
)

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`

	// Name identifies this connection to the server.
	Name string `yaml:"name"`

	// MaxReconnects bounds reconnection attempts. Negative means unlimited.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectWait is the delay between reconnection attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// TLS settings. Empty paths disable TLS.
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Bus is a NATS-backed transport.Transport.
type Bus struct {
	conn   *nats.Conn
	logger *telemetry.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and returns the bus.
func Connect(cfg Config, logger *telemetry.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}
	log := logger.NewComponentLogger("natsbus")

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1 // keep retrying; the device has no fallback link
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.WithError(err).Warn("nats async error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	}
	if cfg.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.CAFile))
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.CertFile, cfg.KeyFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.WithField("url", conn.ConnectedUrl()).Info("connected to NATS")

	return &Bus{conn: conn, logger: log}, nil
}

// Publish implements transport.Transport.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(subject(topic), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, error) {
	out := make(chan transport.Message, 64)

	sub, err := b.conn.Subscribe(subject(topic), func(msg *nats.Msg) {
		select {
		case out <- transport.Message{Topic: topic, Payload: msg.Data}:
		default:
			b.logger.WithTopic(topic).Warn("subscriber buffer full, dropping message")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()

	return out, nil
}

// Close implements transport.Transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// subject maps a bus topic to a NATS subject.
func subject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}
