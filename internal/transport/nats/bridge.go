// Package nats bridges a NATS subject to a subscriber input pin: messages
// received on the subject are pushed into the pin's MBX via
// Subscriber.InputWrite, modeling an external writer such as a network
// receive thread.
package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/s2opc-rt/pubsubcore/internal/logging"
	"github.com/s2opc-rt/pubsubcore/internal/metrics"
	"github.com/s2opc-rt/pubsubcore/internal/platform"
	"github.com/s2opc-rt/pubsubcore/internal/status"
	"github.com/s2opc-rt/pubsubcore/internal/workerpool"
)

// InputWriter is the subset of subscriber.Subscriber the bridge depends
// on, so tests can supply a fake without wiring a full Subscriber.
type InputWriter interface {
	InputWrite(pin int, data []byte) error
}

// Config configures Bridge.
type Config struct {
	URL           string
	Subject       string
	Pin           int
	MaxReconnects int
	ReconnectWait time.Duration
	Guard         *platform.ResourceGuard // optional admission gate
	Pool          *workerpool.Pool        // optional; if nil, handled inline
}

// Bridge subscribes to one NATS subject and forwards every message to one
// subscriber input pin.
type Bridge struct {
	cfg    Config
	conn   *nats.Conn
	sub    *nats.Subscription
	target InputWriter
	logger *zerolog.Logger
}

// Connect dials NATS and subscribes cfg.Subject, forwarding every message
// to target.InputWrite(cfg.Pin, ...). Reconnection is handled by the NATS
// client itself; this bridge only logs connection lifecycle events.
func Connect(cfg Config, target InputWriter, logger *zerolog.Logger) (*Bridge, error) {
	b := &Bridge{cfg: cfg, target: target, logger: logger}

	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if logger != nil {
				logger.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if logger != nil {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if logger != nil {
				logger.Error().Err(err).Msg("nats: async error")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(cfg.Subject, b.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}
	b.sub = sub

	if logger != nil {
		logger.Info().Str("subject", cfg.Subject).Int("pin", cfg.Pin).Msg("nats: bridge subscribed")
	}
	return b, nil
}

func (b *Bridge) onMessage(msg *nats.Msg) {
	if b.cfg.Guard != nil && !b.cfg.Guard.Admit() {
		return
	}
	deliver := func() {
		err := b.target.InputWrite(b.cfg.Pin, msg.Data)
		if err == nil {
			return
		}
		pin := fmt.Sprint(b.cfg.Pin)
		switch {
		case errors.Is(err, status.ErrOverflow):
			metrics.MBXOverflowTotal.WithLabelValues(pin).Inc()
		case errors.Is(err, status.ErrNoWritableSlot):
			metrics.DBONoWritableSlotTotal.WithLabelValues("mbx").Inc()
		}
		if b.logger != nil {
			b.logger.Warn().Err(err).Int("pin", b.cfg.Pin).Msg("nats: InputWrite failed")
		}
	}
	if b.cfg.Pool != nil {
		b.cfg.Pool.Submit(deliver)
		return
	}
	defer logging.RecoverPanic(b.logger, "nats-bridge")
	deliver()
}

// Conn exposes the underlying connection for components that share it
// (the output Outlet).
func (b *Bridge) Conn() *nats.Conn { return b.conn }

// Close unsubscribes and closes the underlying connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
