package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/stream"
	"github.com/redis/go-redis/v9"
)

const readErrorPause = time.Second

// Options tune a Dispatcher's read loop.
type Options struct {
	Group        string
	Consumer     string
	BatchSize    int64
	Block        time.Duration
	ClaimMinIdle time.Duration
	Concurrency  int
}

// Dispatcher consumes one channel stream through a consumer group and feeds
// every entry to the Processor. Due retries are drained whenever a read
// times out and after every batch.
type Dispatcher struct {
	streams   *stream.Client
	processor *Processor
	retries   *engine.RetryScheduler
	pool      *Pool
	logger    *slog.Logger

	channel   string
	stream    string
	opts      Options
	lastClaim time.Time
}

func NewDispatcher(streams *stream.Client, processor *Processor, retries *engine.RetryScheduler, channel string, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Dispatcher{
		streams:   streams,
		processor: processor,
		retries:   retries,
		pool:      NewPool(opts.Concurrency),
		logger:    logger.With("channel", channel, "consumer", opts.Consumer),
		channel:   channel,
		stream:    domain.ChannelStream(channel),
		opts:      opts,
		lastClaim: time.Now(),
	}
}

// Start runs the loop until ctx is cancelled. Cancellation is observed between
// reads; a batch already read is processed to completion.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.streams.EnsureGroup(ctx, d.stream, d.opts.Group); err != nil {
		return err
	}
	d.logger.Info("dispatcher started", "stream", d.stream, "group", d.opts.Group)

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopping")
			return nil
		}
		d.Poll(ctx)
	}
}

// Poll performs one loop iteration: read, process, drain, reclaim.
func (d *Dispatcher) Poll(ctx context.Context) {
	entries, err := d.streams.Read(ctx, d.stream, d.opts.Group, d.opts.Consumer, d.opts.BatchSize, d.opts.Block)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		d.logger.Error("error reading from stream", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(readErrorPause):
		}
		return
	}

	work := context.WithoutCancel(ctx)
	d.pool.Run(work, entries, d.handle)
	d.drainRetries(work)
	d.reclaim(work)
}

func (d *Dispatcher) handle(ctx context.Context, e redis.XMessage) {
	msg, err := stream.Decode(e.Values)
	if err != nil {
		d.logger.Warn("dropping malformed entry", "id", e.ID, "error", err)
		metrics.IncWorkerMessage(d.channel, OutcomeMalformed)
		d.ack(ctx, e.ID)
		return
	}

	if _, err := d.processor.Process(ctx, msg); err != nil {
		// left pending; picked up again by reclaim
		d.logger.Error("processing failed, leaving entry pending",
			"id", e.ID,
			"campaign_id", msg.CampaignID,
			"error", err,
		)
		metrics.IncWorkerMessage(d.channel, "error")
		return
	}
	d.ack(ctx, e.ID)
}

func (d *Dispatcher) ack(ctx context.Context, id string) {
	if err := d.streams.Ack(ctx, d.stream, d.opts.Group, id); err != nil {
		d.logger.Error("failed to ack entry", "id", id, "error", err)
	}
}

func (d *Dispatcher) drainRetries(ctx context.Context) {
	n, err := d.retries.Drain(ctx, d.channel, func(ctx context.Context, msg domain.Message) error {
		_, err := d.processor.Process(ctx, msg)
		return err
	})
	if err != nil {
		d.logger.Warn("retry drain failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("retries processed", "count", n)
	}
}

// reclaim takes over entries another consumer left pending for too long.
func (d *Dispatcher) reclaim(ctx context.Context) {
	if d.opts.ClaimMinIdle <= 0 || time.Since(d.lastClaim) < d.opts.ClaimMinIdle {
		return
	}
	d.lastClaim = time.Now()

	entries, err := d.streams.Claim(ctx, d.stream, d.opts.Group, d.opts.Consumer, d.opts.ClaimMinIdle, d.opts.BatchSize)
	if err != nil {
		d.logger.Warn("failed to reclaim pending entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	d.logger.Info("reclaimed pending entries", "count", len(entries))
	d.pool.Run(ctx, entries, d.handle)
}
