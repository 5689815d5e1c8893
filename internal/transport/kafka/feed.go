// Package kafka consumes a Kafka topic and republishes each record's value
// as the payload of the Publisher message whose id is encoded in the
// record's key, modeling an upstream data source feeding an OPC UA
// publisher.
package kafka

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/s2opc-rt/pubsubcore/internal/logging"
	"github.com/s2opc-rt/pubsubcore/internal/platform"
	"github.com/s2opc-rt/pubsubcore/internal/workerpool"
)

// MessageSetter is the subset of publisher.Publisher the feed depends on.
type MessageSetter interface {
	SetMessageValue(msgID uint32, data []byte) error
}

// Config configures Feed.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Guard         *platform.ResourceGuard // optional admission gate
	Pool          *workerpool.Pool        // optional; if nil, handled inline
}

// Feed polls Kafka and forwards each record to target.SetMessageValue,
// interpreting the record's 4-byte big-endian key as the target message
// id.
type Feed struct {
	client *kgo.Client
	target MessageSetter
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	guard  *platform.ResourceGuard
	pool   *workerpool.Pool

	// process runs on pool workers, so a single fetch batch can be
	// counted from several goroutines at once.
	processed, failed, rejected atomic.Int64
}

// NewFeed creates a franz-go client for cfg and prepares the feed. Start
// must be called to begin consuming.
func NewFeed(cfg Config, target MessageSetter, logger *zerolog.Logger) (*Feed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("a topic is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Feed{
		client: client,
		target: target,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		guard:  cfg.Guard,
		pool:   cfg.Pool,
	}, nil
}

// Start launches the poll loop in its own goroutine.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop cancels the poll loop, waits for it to exit, and closes the client.
func (f *Feed) Stop() {
	f.cancel()
	f.wg.Wait()
	f.client.Close()
}

func (f *Feed) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		fetches := f.client.PollFetches(f.ctx)
		if f.ctx.Err() != nil {
			return
		}
		for _, err := range fetches.Errors() {
			if f.logger != nil {
				f.logger.Error().Err(err.Err).Str("topic", err.Topic).Msg("kafka: fetch error")
			}
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			if f.guard != nil && !f.guard.Admit() {
				f.rejected.Add(1)
				return
			}
			if f.pool != nil {
				f.pool.Submit(func() { f.process(rec) })
				return
			}
			func() {
				defer logging.RecoverPanic(f.logger, "kafka-feed")
				f.process(rec)
			}()
		})
	}
}

func (f *Feed) process(rec *kgo.Record) {
	if len(rec.Key) != 4 {
		f.failed.Add(1)
		if f.logger != nil {
			f.logger.Warn().Int("key_len", len(rec.Key)).Msg("kafka: record key is not a 4-byte message id")
		}
		return
	}
	msgID := binary.BigEndian.Uint32(rec.Key)
	if err := f.target.SetMessageValue(msgID, rec.Value); err != nil {
		f.failed.Add(1)
		if f.logger != nil {
			f.logger.Error().Err(err).Uint32("msg_id", msgID).Msg("kafka: SetMessageValue failed")
		}
		return
	}
	f.processed.Add(1)
}

// Stats returns cumulative processed/failed/admission-rejected counts.
func (f *Feed) Stats() (processed, failed, rejected int64) {
	return f.processed.Load(), f.failed.Load(), f.rejected.Load()
}
