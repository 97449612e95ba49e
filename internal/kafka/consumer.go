// Package kafka consumes scan requests from a Kafka topic, the transport the
// upload services publish avscan.action.scan on.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dharsanguruparan/VaultScan/internal/processing"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message value. Permanent reports whether a failure
// should skip the remaining attempts.
type Handler struct {
	Handle    func(ctx context.Context, id string, raw []byte) error
	Permanent func(err error) bool
}

// Options configures a Consumer.
type Options struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Consumer fetches messages, processes them on a worker pool and commits
// offsets only once every earlier message in the partition is finished.
type Consumer struct {
	reader  Reader
	handler Handler
	opts    Options
	tracker *offsetTracker
	logger  *slog.Logger
}

// ClientTLS builds a mutual-TLS config from a PEM certificate and key. It
// returns nil when both are empty.
func ClientTLS(certPEM, keyPEM string) (*tls.Config, error) {
	if certPEM == "" && keyPEM == "" {
		return nil, nil
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("kafka client certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// NewReader builds a consumer-group reader with explicit commits. tlsConfig
// may be nil for plaintext brokers.
func NewReader(brokers []string, topic, groupID string, tlsConfig *tls.Config) *kafka.Reader {
	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
	if tlsConfig != nil {
		cfg.Dialer = &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
			TLS:       tlsConfig,
		}
	}
	return kafka.NewReader(cfg)
}

// NewConsumer wires a Consumer.
func NewConsumer(reader Reader, handler Handler, opts Options, logger *slog.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if handler.Permanent == nil {
		handler.Permanent = func(error) bool { return false }
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		opts:    opts,
		tracker: newOffsetTracker(),
		logger:  logger.With(slog.String("component", "kafka")),
	}
}

// Run consumes until ctx is cancelled, then drains in-flight messages and
// closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	pool := processing.New(c.attempt, c.opts.Workers, c.logger)
	// Workers finish their current message after ctx ends so its offset can
	// still be committed.
	pool.Start(context.WithoutCancel(ctx))

	var commitMu sync.Mutex
	var runErr error
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				runErr = fmt.Errorf("fetch message: %w", err)
			}
			break
		}
		c.tracker.add(msg)
		job := processing.Job{
			ID:      messageID(msg),
			Payload: msg.Value,
			Done: func(error) {
				commit, ok := c.tracker.done(msg)
				if !ok {
					return
				}
				commitMu.Lock()
				defer commitMu.Unlock()
				cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := c.reader.CommitMessages(cctx, commit); err != nil {
					c.logger.Error("commit failed", slog.String("id", messageID(commit)), slog.String("error", err.Error()))
				}
			},
		}
		if err := pool.Submit(ctx, job); err != nil {
			break
		}
	}

	pool.Stop()
	if err := c.reader.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close reader: %w", err)
	}
	return runErr
}

// attempt runs the handler up to MaxAttempts times. A message that still
// fails is logged as dead-lettered; its offset is committed regardless so
// one bad file cannot stall the partition.
func (c *Consumer) attempt(ctx context.Context, id string, raw []byte) error {
	var err error
	for i := 1; i <= c.opts.MaxAttempts; i++ {
		err = c.handler.Handle(ctx, id, raw)
		if err == nil {
			return nil
		}
		if c.handler.Permanent(err) || i == c.opts.MaxAttempts {
			break
		}
		c.logger.Warn("message failed, retrying", slog.String("id", id), slog.Int("attempt", i), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.opts.RetryDelay):
		}
	}
	c.logger.Error("message dead-lettered", slog.String("id", id), slog.String("error", err.Error()))
	return err
}

func messageID(m kafka.Message) string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
}

// offsetTracker holds, per partition, the fetched offsets still waiting for
// their predecessors to finish.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionState
}

type partitionState struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: map[int]*partitionState{}}
}

func (t *offsetTracker) add(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.partitions[m.Partition]
	if !ok {
		st = &partitionState{done: map[int64]kafka.Message{}}
		t.partitions[m.Partition] = st
	}
	st.pending = append(st.pending, m.Offset)
}

// done marks m finished and returns the newest message whose offset, and
// every earlier one, is finished.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.partitions[m.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	st.done[m.Offset] = m
	var last kafka.Message
	found := false
	for len(st.pending) > 0 {
		msg, ok := st.done[st.pending[0]]
		if !ok {
			break
		}
		delete(st.done, st.pending[0])
		st.pending = st.pending[1:]
		last, found = msg, true
	}
	return last, found
}
