// Package redis provides the Redis Streams job message transport.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lifebook/orchestrator/internal/adapters/jobrunner"
	"github.com/lifebook/orchestrator/internal/core"
	"github.com/lifebook/orchestrator/internal/domain/model"
	"github.com/lifebook/orchestrator/internal/observability/statsd"
)

const (
	bodyField = "body"

	defaultVisibilityTimeout = 15 * time.Minute
	defaultMaxDeliveries     = 5
)

// Publisher appends job messages to a Redis stream.
type Publisher struct {
	client redis.UniversalClient
	stream string
}

// NewPublisher creates a stream publisher.
func NewPublisher(client redis.UniversalClient, stream string) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return nil, errors.New("stream name is required")
	}
	return &Publisher{client: client, stream: stream}, nil
}

// Publish adds msg to the stream and returns the entry id.
func (p *Publisher) Publish(ctx context.Context, msg model.JobMessage) (string, error) {
	body, err := jobrunner.EncodeMessage(msg)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("redis: publish job %s: %w", msg.JobID, err)
	}
	return id, nil
}

var _ core.MessagePublisher = (*Publisher)(nil)

// ConsumerOptions configures a consumer group reader.
type ConsumerOptions struct {
	Client   redis.UniversalClient // Required
	Stream   string                // Required
	Group    string                // Required
	Consumer string                // Required: unique per worker process

	// Optional: where messages go after MaxDeliveries failed attempts. Empty drops them.
	DeadLetterStream string
	// Block is how long Receive waits for new entries. Zero or negative returns immediately.
	Block time.Duration
	// VisibilityTimeout is how long a delivered message may stay unacknowledged before
	// another consumer reclaims it.
	VisibilityTimeout time.Duration
	MaxDeliveries     int

	Logger  *slog.Logger
	Metrics statsd.Sink
}

// Consumer reads job messages through a Redis consumer group. Messages stay in the
// group's pending list until acknowledged; stale pending entries are reclaimed.
type Consumer struct {
	client        redis.UniversalClient
	stream        string
	group         string
	consumer      string
	deadLetter    string
	block         time.Duration
	visibility    time.Duration
	maxDeliveries int
	logger        *slog.Logger
	metrics       statsd.Sink
}

// NewConsumer validates options and constructs a Consumer. Call EnsureGroup before Receive.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	stream := strings.TrimSpace(opts.Stream)
	group := strings.TrimSpace(opts.Group)
	name := strings.TrimSpace(opts.Consumer)
	if stream == "" || group == "" || name == "" {
		return nil, errors.New("stream, group and consumer names are required")
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = defaultMaxDeliveries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client:        opts.Client,
		stream:        stream,
		group:         group,
		consumer:      name,
		deadLetter:    strings.TrimSpace(opts.DeadLetterStream),
		block:         opts.Block,
		visibility:    visibility,
		maxDeliveries: maxDeliveries,
		logger:        logger.With("component", "redis_stream_consumer", "stream", stream),
		metrics:       opts.Metrics,
	}, nil
}

// EnsureGroup creates the stream and consumer group when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Receive returns up to max messages. Stale pending entries are reclaimed first;
// new entries are read only when nothing needed reclaiming.
func (c *Consumer) Receive(ctx context.Context, max int) ([]core.Message, error) {
	if max <= 0 {
		max = 1
	}
	msgs, err := c.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil
	}
	return c.readNew(ctx, max)
}

func (c *Consumer) readNew(ctx context.Context, max int) ([]core.Message, error) {
	block := c.block
	if block <= 0 {
		block = -1
	}
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read group: %w", err)
	}

	var out []core.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(m, 1))
		}
	}
	return out, nil
}

// reclaim claims up to max entries idle past the visibility timeout. The IDLE
// filter (Redis 6.2+) is applied server side so entries held by live consumers
// at the head of the pending list cannot hide stale ones behind them.
func (c *Consumer) reclaim(ctx context.Context, max int) ([]core.Message, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   c.visibility,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: list pending: %w", err)
	}

	var (
		claim      []string
		deliveries = make(map[string]int64)
	)
	for _, p := range pending {
		if p.Idle < c.visibility {
			continue
		}
		if p.RetryCount >= int64(c.maxDeliveries) {
			if dlErr := c.deadLetterEntry(ctx, p.ID, p.RetryCount); dlErr != nil {
				return nil, dlErr
			}
			continue
		}
		claim = append(claim, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(claim) == 0 {
		return nil, nil
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.visibility,
		Messages: claim,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: claim pending: %w", err)
	}

	out := make([]core.Message, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, toMessage(m, int(deliveries[m.ID])+1))
	}
	if len(out) > 0 {
		c.logger.InfoContext(ctx, "reclaimed stale messages", "count", len(out))
	}
	return out, nil
}

// deadLetterEntry moves one exhausted entry to the dead-letter stream and removes it
// from the group.
func (c *Consumer) deadLetterEntry(ctx context.Context, id string, deliveries int64) error {
	if c.deadLetter != "" {
		entries, err := c.client.XRangeN(ctx, c.stream, id, id, 1).Result()
		if err != nil {
			return fmt.Errorf("redis: read exhausted entry %s: %w", id, err)
		}
		body := ""
		if len(entries) > 0 {
			body, _ = entries[0].Values[bodyField].(string)
		}
		if err := c.client.XAdd(ctx, &redis.XAddArgs{
			Stream: c.deadLetter,
			Values: map[string]any{
				bodyField:     body,
				"original_id": id,
				"source":      c.stream,
				"deliveries":  strconv.FormatInt(deliveries, 10),
			},
		}).Err(); err != nil {
			return fmt.Errorf("redis: dead-letter entry %s: %w", id, err)
		}
	}
	if err := c.Ack(ctx, id); err != nil {
		return err
	}

	c.logger.WarnContext(ctx, "message exceeded max deliveries",
		"message_id", id,
		"deliveries", deliveries,
		"dead_letter_stream", c.deadLetter,
	)
	if c.metrics != nil {
		c.metrics.Count("queue.dead_lettered", 1, map[string]string{"transport": "redis-streams"})
	}
	return nil
}

// Ack acknowledges and deletes the given entries.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, c.stream, c.group, ids...)
		pipe.XDel(ctx, c.stream, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: ack %d messages: %w", len(ids), err)
	}
	return nil
}

var _ core.MessageConsumer = (*Consumer)(nil)

func toMessage(m redis.XMessage, deliveries int) core.Message {
	body, _ := m.Values[bodyField].(string)
	return core.Message{ID: m.ID, Body: []byte(body), DeliveryCount: deliveries}
}
