// Package publish streams committed ledger records to Kafka so downstream
// auditors can follow the ledger without polling the API.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gitdigital/ledgercore/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic is the topic records are written to when none is configured.
const DefaultTopic = "ledger.records"

const queueSize = 256

var errNilWriter = errors.New("publisher requires a writer")

// Config holds the Kafka connection settings.
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher delivers records asynchronously from a bounded queue. Each
// message is keyed by chain id so one chain stays ordered within a
// partition. It implements ledger.Notifier.
type KafkaPublisher struct {
	topic  string
	writer messageWriter
	logger *zap.Logger

	queue     chan *model.Record
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaPublisher builds a publisher writing to cfg.Topic on cfg.Brokers.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newPublisher(topic, w, logger)
}

func newPublisher(topic string, w messageWriter, logger *zap.Logger) (*KafkaPublisher, error) {
	if w == nil {
		return nil, errNilWriter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		topic:  topic,
		writer: w,
		logger: logger.With(zap.String("component", "record_publisher")),
		queue:  make(chan *model.Record, queueSize),
	}, nil
}

// Start launches the delivery loop. It is a no-op after the first call.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.logger.Info("record publisher started", zap.String("topic", p.topic))
	})
}

// Stop cancels the loop, delivers what is still queued, and closes the
// writer. It returns ctx.Err() if draining does not finish in time.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	var stopErr error
	p.stopOnce.Do(func() {
		p.started.Store(false)
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := p.writer.Close(); err != nil {
			p.logger.Error("close kafka writer", zap.Error(err))
		}
		p.logger.Info("record publisher stopped",
			zap.Uint64("delivered", p.delivered.Load()),
			zap.Uint64("dropped", p.dropped.Load()),
			zap.Uint64("failed", p.failed.Load()),
		)
	})
	return stopErr
}

// Notify queues rec for delivery without blocking. When the queue is full
// the record is dropped and counted; the ledger itself remains the source
// of truth.
func (p *KafkaPublisher) Notify(rec *model.Record) {
	if !p.started.Load() {
		p.dropped.Add(1)
		p.logger.Warn("record publisher not running, dropping record", zap.String("event_id", rec.EventID))
		return
	}
	select {
	case p.queue <- rec:
	default:
		p.dropped.Add(1)
		p.logger.Warn("record publish queue full, dropping record",
			zap.String("event_id", rec.EventID),
			zap.Int("queue_size", queueSize),
		)
	}
}

// Stats returns the delivered, dropped and failed counts.
func (p *KafkaPublisher) Stats() (delivered, dropped, failed uint64) {
	return p.delivered.Load(), p.dropped.Load(), p.failed.Load()
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			return
		case rec := <-p.queue:
			p.deliver(rec)
		}
	}
}

func (p *KafkaPublisher) drain() {
	for {
		select {
		case rec := <-p.queue:
			p.deliver(rec)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) deliver(rec *model.Record) {
	value, err := json.Marshal(rec)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("encode record", zap.String("event_id", rec.EventID), zap.Error(err))
		return
	}
	// The run context may already be cancelled while draining.
	err = p.writer.WriteMessages(context.WithoutCancel(p.runCtx), kafka.Message{
		Key:   []byte(rec.ChainID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rec.EventID)},
			{Key: "digest", Value: []byte(rec.Digest.String())},
		},
	})
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("publish record",
			zap.String("event_id", rec.EventID),
			zap.String("topic", p.topic),
			zap.Error(err),
		)
		return
	}
	p.delivered.Add(1)
	p.logger.Debug("record published",
		zap.String("event_id", rec.EventID),
		zap.Uint64("sequence", rec.Sequence),
	)
}
