// Command rtpubsubd is a reference daemon wiring the DBO/MBX/IRT core to
// external collaborators: a time.Ticker-driven tick source, a NATS input
// bridge, a Kafka payload feed, Prometheus metrics, and structured logs.
// It is a thin shell: wire encoding/decoding, OPC UA semantics, and
// transport framing are left to the surrounding stack.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/s2opc-rt/pubsubcore/internal/config"
	"github.com/s2opc-rt/pubsubcore/internal/logging"
	"github.com/s2opc-rt/pubsubcore/internal/mbx"
	"github.com/s2opc-rt/pubsubcore/internal/metrics"
	"github.com/s2opc-rt/pubsubcore/internal/platform"
	"github.com/s2opc-rt/pubsubcore/internal/publisher"
	"github.com/s2opc-rt/pubsubcore/internal/status"
	"github.com/s2opc-rt/pubsubcore/internal/subscriber"
	kafkatransport "github.com/s2opc-rt/pubsubcore/internal/transport/kafka"
	natstransport "github.com/s2opc-rt/pubsubcore/internal/transport/nats"
	"github.com/s2opc-rt/pubsubcore/internal/workerpool"
)

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides RTPS_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[rtpubsubd] ", log.LstdFlags)
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = logging.LevelDebug
	}

	logger := logging.NewLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "rtpubsubd"})
	cfg.LogConfig(logger)

	if err := run(cfg, &logger); err != nil {
		logger.Fatal().Err(err).Msg("rtpubsubd exited with error")
	}
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- metrics HTTP server -------------------------------------------------
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	// --- admission gate -------------------------------------------------------
	guard := platform.NewResourceGuard(platform.GuardConfig{
		MaxInputRatePerSec: cfg.MaxInputRatePerSec,
		CPURejectThreshold: cfg.CPURejectThreshold,
		SampleInterval:     time.Second,
	})
	go guard.Run(logger)
	defer guard.Stop()

	// --- publisher: one periodic message per RTPS_N_MESSAGES -----------------
	pubInit := publisher.NewInitializer(cfg.MaxMessageSize)
	for i := uint32(0); i < cfg.NMessages; i++ {
		pubInit.AddMessage(publisher.Descriptor{
			Period: cfg.MessagePeriodMs,
			Offset: cfg.MessageOffsetMs,
			OnStart: func(msgID uint32, _ any) {
				metrics.IRTCallbackTotal.WithLabelValues(fmt.Sprint(msgID), "start").Inc()
				logger.Debug().Uint32("msg_id", msgID).Msg("publisher message started")
			},
			OnElapsed: func(msgID uint32, _ any, payload []byte) {
				metrics.IRTCallbackTotal.WithLabelValues(fmt.Sprint(msgID), "elapsed").Inc()
				logger.Debug().Uint32("msg_id", msgID).Int("len", len(payload)).Msg("publisher message elapsed")
			},
			OnStop: func(msgID uint32, _ any) {
				metrics.IRTCallbackTotal.WithLabelValues(fmt.Sprint(msgID), "stop").Inc()
				logger.Debug().Uint32("msg_id", msgID).Msg("publisher message stopped")
			},
			InitialEnabled: true,
		})
	}
	pub := publisher.New()
	if err := pub.Initialize(pubInit); err != nil {
		return fmt.Errorf("initialize publisher: %w", err)
	}

	// --- subscriber: NInputs inputs forwarded verbatim to NOutputs outputs ---
	subInit := subscriber.NewInitializer(nil, stepForward)
	for i := 0; i < cfg.NInputs; i++ {
		subInit.AddInput(subscriber.InputSpec{MaxEvents: cfg.MaxEvents, MaxPayload: cfg.MaxPayload, Mode: mbx.Normal})
	}
	for i := 0; i < cfg.NOutputs; i++ {
		subInit.AddOutput(subscriber.OutputSpec{MaxClients: cfg.MaxClients, MaxEvents: cfg.MaxEvents, MaxPayload: cfg.MaxPayload})
	}
	sub := subscriber.New()
	if err := sub.Initialize(subInit); err != nil {
		return fmt.Errorf("initialize subscriber: %w", err)
	}

	// --- worker pool for transport callbacks ----------------------------------
	pool := workerpool.New(4, 256, logger)
	pool.Start(ctx)
	defer pool.Stop()

	// --- transport: NATS input bridge -----------------------------------------
	bridge, err := natstransport.Connect(natstransport.Config{
		URL: cfg.NATSURL, Subject: cfg.NATSSubject, Pin: 0, Guard: guard, Pool: pool,
	}, sub, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("nats bridge unavailable, continuing without external input feed")
	} else {
		defer bridge.Close()

		// Mirror the first output pin back out over NATS so downstream
		// consumers see what the step callback produced.
		if cfg.NOutputs > 0 {
			outlet, err := natstransport.NewOutlet(bridge.Conn(), natstransport.OutletConfig{
				Subject:      cfg.NATSOutSubject,
				Pin:          0,
				ClientID:     0,
				PollInterval: cfg.NATSOutletInterval,
			}, sub, logger)
			if err != nil {
				logger.Warn().Err(err).Msg("nats outlet unavailable, continuing without output mirror")
			} else {
				outlet.Start()
				defer outlet.Stop()
			}
		}
	}

	// --- transport: Kafka payload feed -----------------------------------------
	feed, err := kafkatransport.NewFeed(kafkatransport.Config{
		Brokers:       splitBrokers(cfg.KafkaBrokers),
		ConsumerGroup: cfg.KafkaConsumerGroup,
		Topic:         cfg.KafkaTopic,
		Guard:         guard,
		Pool:          pool,
	}, pub, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("kafka feed unavailable, continuing without external payload feed")
	} else {
		feed.Start()
		defer feed.Stop()
	}

	// --- tick source ------------------------------------------------------------
	var tick atomic.Uint32
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		defer logging.RecoverPanic(logger, "tick-source")
		for {
			select {
			case <-ticker.C:
				t := tick.Add(1)
				start := time.Now()
				if err := pub.HeartBeat(t); err != nil {
					logger.Debug().Err(err).Msg("publisher heartbeat")
				}
				metrics.IRTTickDuration.Observe(time.Since(start).Seconds())

				hbStart := time.Now()
				if err := sub.HeartBeat(); err != nil {
					logger.Debug().Err(err).Msg("subscriber heartbeat")
				}
				metrics.SubscriberHeartBeatDuration.Observe(time.Since(hbStart).Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("rtpubsubd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	<-tickDone
	return nil
}

// stepForward is the subscriber's step callback: it republishes every
// input event unmodified to the output pin of the same index; events from
// an input pin with no output of the same index are dropped. This models the simplest possible
// OPC UA subscriber behavior (a transparent relay); real deployments
// supply domain-specific logic here.
func stepForward(sub *subscriber.Subscriber, _ any, _ any, pin int, payload []byte) {
	if pin >= sub.NumOutputs() {
		return
	}
	// Best-effort relay: a failed write is counted, never retried on the
	// tick thread.
	err := sub.OutputWrite(pin, payload)
	switch {
	case err == nil:
	case errors.Is(err, status.ErrOverflow):
		metrics.MBXOverflowTotal.WithLabelValues(fmt.Sprint(pin)).Inc()
	case errors.Is(err, status.ErrNoWritableSlot):
		metrics.DBONoWritableSlotTotal.WithLabelValues("mbx").Inc()
	}
}
