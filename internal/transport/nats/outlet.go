package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/s2opc-rt/pubsubcore/internal/mbx"
	"github.com/s2opc-rt/pubsubcore/internal/metrics"
)

// OutputReader is the subset of subscriber.Subscriber the outlet depends
// on: the out-of-tick read bracket over one output pin.
type OutputReader interface {
	OutputReadBegin(pin int) (mbx.Token, error)
	OutputRead(pin int, clientID int, tok mbx.Token, mode mbx.Mode) (mbx.Event, error)
	OutputReadEnd(pin int, tok mbx.Token) error
}

// OutletConfig configures Outlet.
type OutletConfig struct {
	Subject      string
	Pin          int
	ClientID     int
	PollInterval time.Duration
}

// Outlet drains one subscriber output pin as an out-of-tick reader and
// republishes every event to a NATS subject, mirroring the input bridge
// in the opposite direction.
type Outlet struct {
	cfg     OutletConfig
	conn    *nats.Conn
	source  OutputReader
	logger  *zerolog.Logger
	lastSeq uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewOutlet prepares an outlet over an already-established connection
// (typically the input bridge's). Start must be called to begin draining.
func NewOutlet(conn *nats.Conn, cfg OutletConfig, source OutputReader, logger *zerolog.Logger) (*Outlet, error) {
	if conn == nil {
		return nil, fmt.Errorf("a nats connection is required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("a subject is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Outlet{cfg: cfg, conn: conn, source: source, logger: logger, stop: make(chan struct{})}, nil
}

// Start launches the poll loop in its own goroutine.
func (o *Outlet) Start() {
	o.wg.Add(1)
	go o.loop()
}

// Stop ends the poll loop and waits for it to exit. The connection is left
// open; it belongs to the caller.
func (o *Outlet) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *Outlet) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.drain()
		case <-o.stop:
			return
		}
	}
}

func (o *Outlet) drain() {
	tok, err := o.source.OutputReadBegin(o.cfg.Pin)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn().Err(err).Int("pin", o.cfg.Pin).Msg("nats: OutputReadBegin failed")
		}
		return
	}
	defer o.source.OutputReadEnd(o.cfg.Pin, tok)

	pinLabel := fmt.Sprint(o.cfg.Pin)
	clientLabel := fmt.Sprint(o.cfg.ClientID)
	for {
		ev, err := o.source.OutputRead(o.cfg.Pin, o.cfg.ClientID, tok, mbx.Normal)
		if err != nil {
			if err != mbx.ErrEmpty && o.logger != nil {
				o.logger.Warn().Err(err).Int("pin", o.cfg.Pin).Msg("nats: OutputRead failed")
			}
			return
		}

		// A sequence jump means the tick side overwrote events this
		// client never consumed.
		if o.lastSeq != 0 && ev.Seq > o.lastSeq+1 {
			metrics.MBXDroppedTotal.WithLabelValues(pinLabel).Add(float64(ev.Seq - o.lastSeq - 1))
		}
		o.lastSeq = ev.Seq
		metrics.MBXPendingDepth.WithLabelValues(pinLabel, clientLabel).Set(float64(ev.Pending))

		if err := o.conn.Publish(o.cfg.Subject, ev.Payload); err != nil && o.logger != nil {
			o.logger.Warn().Err(err).Str("subject", o.cfg.Subject).Msg("nats: publish failed")
		}
	}
}
