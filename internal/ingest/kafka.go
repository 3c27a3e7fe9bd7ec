// Package ingest feeds raw alert records from a Kafka topic into the engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"crowdalert/internal/alert"
	"crowdalert/internal/engine"
	rtsup "crowdalert/internal/runtime/supervisor"
	logx "crowdalert/pkg/logx"
)

// Sink accepts one JSON record or an array of them. *engine.Engine
// implements it.
type Sink interface {
	IngestJSON(b []byte) (int, error)
}

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
	// RatePerSec caps messages handed to the sink; 0 means unlimited.
	RatePerSec int
	Burst      int
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("ingest: no kafka brokers")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("ingest: no kafka topic")
	}
	return nil
}

func limitOf(c Config) (rate.Limit, int) {
	if c.RatePerSec <= 0 {
		return rate.Inf, 0
	}
	burst := c.Burst
	if burst <= 0 {
		burst = c.RatePerSec
	}
	return rate.Limit(c.RatePerSec), burst
}

// Stats are cumulative consumer counters.
type Stats struct {
	Messages uint64 `json:"messages"`
	Accepted uint64 `json:"accepted"`
	Failed   uint64 `json:"failed"`
	Refused  uint64 `json:"refused"`
}

// KafkaSource reads alert records from a topic. A read failure restarts the
// reader with backoff; malformed records are counted and skipped.
type KafkaSource struct {
	cfg     Config
	sink    Sink
	log     logx.Logger
	limiter *rate.Limiter

	newReader func(Config) reader

	mu  sync.Mutex
	sup *rtsup.Supervisor

	messages, accepted, failed, refused atomic.Uint64
}

// reader is the part of *kafka.Reader the source uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaSource(cfg Config, sink Sink, log logx.Logger) (*KafkaSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "crowdalert"
	}
	lim, burst := limitOf(cfg)
	return &KafkaSource{
		cfg:       cfg,
		sink:      sink,
		log:       log,
		limiter:   rate.NewLimiter(lim, burst),
		newReader: newKafkaReader,
	}, nil
}

func newKafkaReader(cfg Config) reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
}

// Apply updates the rate limit. Broker and topic changes need a restart.
func (s *KafkaSource) Apply(cfg Config) {
	lim, burst := limitOf(cfg)
	s.limiter.SetLimit(lim)
	s.limiter.SetBurst(burst)
}

func (s *KafkaSource) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("kafka.consume", s.consume, rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	s.log.Info("kafka consumer started", logx.Strings("brokers", s.cfg.Brokers), logx.String("topic", s.cfg.Topic), logx.String("group", s.cfg.GroupID))
}

func (s *KafkaSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("kafka consumer stopped", logx.Uint64("messages", s.messages.Load()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *KafkaSource) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *KafkaSource) Stats() Stats {
	return Stats{
		Messages: s.messages.Load(),
		Accepted: s.accepted.Load(),
		Failed:   s.failed.Load(),
		Refused:  s.refused.Load(),
	}
}

func (s *KafkaSource) consume(ctx context.Context) error {
	r := s.newReader(s.cfg)
	defer r.Close()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		s.handle(msg)
		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.log.Warn("kafka commit failed", logx.Int64("offset", msg.Offset), logx.Err(err))
		}
	}
}

// handle passes one message to the sink. Failures never stop the consumer.
func (s *KafkaSource) handle(msg kafka.Message) {
	s.messages.Add(1)
	n, err := s.sink.IngestJSON(msg.Value)
	s.accepted.Add(uint64(n))
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		s.refused.Add(1)
		s.log.Warn("engine refused kafka record", logx.Int("partition", msg.Partition), logx.Int64("offset", msg.Offset), logx.Err(err))
	case errors.Is(err, alert.ErrMalformed):
		s.failed.Add(1)
		s.log.Debug("malformed kafka record", logx.Int("partition", msg.Partition), logx.Int64("offset", msg.Offset), logx.Err(err))
	default:
		s.failed.Add(1)
		s.log.Warn("kafka record failed", logx.Int64("offset", msg.Offset), logx.Err(err))
	}
}
