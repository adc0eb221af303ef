package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Publisher appends entries to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]any) (string, error)
}

// Client wraps the consumer-group stream commands used by the router and workers.
type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
// Groups start at the beginning of the stream so entries written before
// the first consumer came up are still delivered.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", stream, err)
	}
	return id, nil
}

// PublishCapped appends and trims the stream to roughly maxLen entries.
func (c *Client) PublishCapped(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", stream, err)
	}
	return id, nil
}

// PublishJSON stores v JSON-encoded under field.
func PublishJSON(ctx context.Context, p Publisher, stream, field string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s entry: %w", stream, err)
	}
	return p.Publish(ctx, stream, map[string]any{field: string(data)})
}

// Read blocks up to block for new entries delivered to this consumer.
// A timeout returns (nil, nil).
func (c *Client) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s as %s/%s: %w", stream, group, consumer, err)
	}

	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("acking %v on %s: %w", ids, stream, err)
	}
	return nil
}

// Claim takes over entries another consumer left pending for longer than minIdle.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redis.XMessage, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming pending on %s: %w", stream, err)
	}
	return msgs, nil
}

func (c *Client) Range(ctx context.Context, stream, start, end string, count int64) ([]redis.XMessage, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = c.rdb.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		msgs, err = c.rdb.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("ranging %s: %w", stream, err)
	}
	return msgs, nil
}

// LastID returns the id of the newest entry, or "" for an empty stream.
func (c *Client) LastID(ctx context.Context, stream string) (string, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("reading tail of %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (c *Client) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return fmt.Errorf("deleting %v from %s: %w", ids, stream, err)
	}
	return nil
}

// Depths returns the length of each stream in one pipeline. Missing streams report zero.
func (c *Client) Depths(ctx context.Context, streams ...string) (map[string]int64, error) {
	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(streams))
	for _, s := range streams {
		cmds[s] = pipe.XLen(ctx, s)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading stream lengths: %w", err)
	}

	depths := make(map[string]int64, len(streams))
	for s, cmd := range cmds {
		depths[s] = cmd.Val()
	}
	return depths, nil
}

// PublishMessage writes the canonical message under the body field of its channel stream.
func PublishMessage(ctx context.Context, p Publisher, msg domain.Message) (string, error) {
	return PublishJSON(ctx, p, domain.ChannelStream(msg.Channel), "body", msg)
}

// NextID returns the smallest entry id greater than id, for paging with XRANGE.
func NextID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

// EntryTime extracts the millisecond timestamp half of a stream entry id.
func EntryTime(id string) (time.Time, bool) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}
