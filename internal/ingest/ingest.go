// Package ingest appends audit events published to a Kafka topic.
//
// Each message value is one JSON event, the same body POST
// /api/audit/events accepts. Offsets are committed only after the event is
// chained. A message that can never be appended (malformed JSON, missing
// action, unknown severity) is logged and committed so it does not block
// the partition. Any other failure retries the same message with backoff,
// since committing a later offset would silently drop it.
//
// Delivery is at least once: a crash between append and commit re-appends
// the event on restart.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/asvo/qmsledger/internal/audit"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Consumer.
type Options struct {
	Brokers []string
	Topic   string
	GroupID string

	// Attempts bounds AppendWithRetry per delivery attempt.
	Attempts int
	// MaxBackoff caps the wait between retries of a failing message.
	MaxBackoff time.Duration
}

// NewReader opens a consumer-group reader for opts. Commits are
// synchronous so an acknowledged offset is always durable.
func NewReader(opts Options) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// Consumer turns messages into chained entries.
type Consumer struct {
	reader     Reader
	writer     *audit.Writer
	attempts   int
	minBackoff time.Duration
	maxBackoff time.Duration

	appended atomic.Int64
	skipped  atomic.Int64
}

// Stats are running totals since the consumer started.
type Stats struct {
	Appended int64 `json:"appended"`
	Skipped  int64 `json:"skipped"`
}

// NewConsumer creates a Consumer reading from r and appending through w.
func NewConsumer(r Reader, w *audit.Writer, opts Options) *Consumer {
	c := &Consumer{
		reader:     r,
		writer:     w,
		attempts:   opts.Attempts,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: opts.MaxBackoff,
	}
	if c.attempts < 1 {
		c.attempts = 5
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 30 * time.Second
	}
	return c
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka ingest started")
	defer func() {
		slog.Info("kafka ingest stopped", "appended", c.appended.Load(), "skipped", c.skipped.Load())
	}()

	backoff := c.minBackoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("fetching kafka message", "error", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = c.grow(backoff)
			continue
		}
		backoff = c.minBackoff

		if !c.process(ctx, m) {
			return nil
		}
	}
}

// process appends one message, retrying until it is either chained or
// known to be unappendable, then commits it. It returns false when ctx
// ended first.
func (c *Consumer) process(ctx context.Context, m kafka.Message) bool {
	log := slog.With("topic", m.Topic, "partition", m.Partition, "offset", m.Offset)

	backoff := c.minBackoff
	for {
		e, err := c.handle(ctx, m)
		switch {
		case err == nil:
			c.appended.Add(1)
			log.Debug("kafka event appended", "id", e.ID, "chain_index", e.Index())
		case isPoison(err):
			c.skipped.Add(1)
			log.Warn("skipping unappendable kafka message", "error", err)
		case ctx.Err() != nil:
			return false
		default:
			log.Error("appending kafka event, will retry", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return false
			}
			backoff = c.grow(backoff)
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Error("committing kafka offset", "error", err)
		}
		return true
	}
}

// errMalformed marks a message body that is not an event.
var errMalformed = errors.New("malformed event message")

func (c *Consumer) handle(ctx context.Context, m kafka.Message) (*audit.Entry, error) {
	ev, err := decodeEvent(m.Value)
	if err != nil {
		return nil, err
	}
	return audit.AppendWithRetry(ctx, c.writer, ev, c.attempts)
}

func decodeEvent(value []byte) (audit.Event, error) {
	var ev audit.Event
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return ev, nil
}

func isPoison(err error) bool {
	return errors.Is(err, errMalformed) || errors.Is(err, audit.ErrInvalidEvent)
}

func (c *Consumer) grow(d time.Duration) time.Duration {
	return min(d*2, c.maxBackoff)
}

// Stats returns running totals.
func (c *Consumer) Stats() Stats {
	return Stats{Appended: c.appended.Load(), Skipped: c.skipped.Load()}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
