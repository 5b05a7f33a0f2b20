// Package publish fans sealed ledger blocks out to a Kafka topic so
// downstream auditors can follow the chain without polling the API.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
	"github.com/gyaneshwarpardhi/quorumledger/internal/metrics"
)

// Config configures the publisher. No brokers disables publishing.
type Config struct {
	Brokers      []string
	Topic        string
	Workers      int
	QueueDepth   int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes each sealed block as one JSON message keyed by block number.
type Publisher struct {
	cfg     Config
	log     *slog.Logger
	writer  messageWriter
	pool    *workerPool[ledger.Block]
	enabled bool
}

// New returns a Publisher writing to cfg.Topic on cfg.Brokers. Its workers
// stop when ctx is done.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Brokers) == 0 {
		logger.Info("block publisher disabled")
		return &Publisher{cfg: cfg, log: logger}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("publisher topic must not be empty")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newWithWriter(ctx, cfg, logger, w), nil
}

func newWithWriter(ctx context.Context, cfg Config, logger *slog.Logger, w messageWriter) *Publisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &Publisher{
		cfg:     cfg,
		log:     logger.With("component", "publisher", "topic", cfg.Topic),
		writer:  w,
		enabled: true,
	}
	p.pool = newWorkerPool(ctx, cfg.Workers, cfg.QueueDepth, p.write)
	return p
}

// Enabled reports whether blocks are actually published.
func (p *Publisher) Enabled() bool { return p.enabled }

// Attach publishes every block store seals from now on.
func (p *Publisher) Attach(store *ledger.Store) {
	if !p.enabled {
		return
	}
	store.OnSeal(func(b ledger.Block) { p.Publish(b) })
}

// Publish enqueues b without blocking. It returns false when the queue is
// full; the block stays in the ledger and can be re-read from the API.
func (p *Publisher) Publish(b ledger.Block) bool {
	if !p.enabled {
		return false
	}
	ok := p.pool.Submit(b)
	metrics.PublishQueueUtilization.Set(p.pool.Utilization())
	if !ok {
		metrics.BlocksPublished.WithLabelValues("dropped").Inc()
		p.log.Warn("publish queue full, block dropped", slog.Uint64("block", b.Number))
	}
	return ok
}

func (p *Publisher) write(ctx context.Context, b ledger.Block) {
	defer metrics.PublishQueueUtilization.Set(p.pool.Utilization())
	value, err := json.Marshal(b)
	if err != nil {
		metrics.BlocksPublished.WithLabelValues("error").Inc()
		p.log.Error("encode block", slog.Uint64("block", b.Number), "err", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(b.Number, 10)),
		Value: value,
		Time:  b.Timestamp,
		Headers: []kafka.Header{
			{Key: "block_hash", Value: []byte(b.Hash.String())},
			{Key: "previous_hash", Value: []byte(b.PreviousHash.String())},
		},
	}
	wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(wctx, msg); err != nil {
		metrics.BlocksPublished.WithLabelValues("error").Inc()
		p.log.Error("publish block", slog.Uint64("block", b.Number), "err", err)
		return
	}
	metrics.BlocksPublished.WithLabelValues("ok").Inc()
	p.log.Debug("block published", slog.Uint64("block", b.Number))
}

// Close drains queued blocks and closes the writer.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	p.pool.Drain()
	return p.writer.Close()
}
