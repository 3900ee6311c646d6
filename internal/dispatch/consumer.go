package dispatch

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/metrics"
)

const fetchMaxWait = 2 * time.Second

// Consumer is the per-process dispatch log reader: it tails the stream from
// the last checkpointed offset and forwards every valid envelope to the
// local registry. At-least-once: a crash between processing and the next
// checkpoint replays at most one batch, which is safe because fanout sends
// are idempotent from the UI's perspective.
type Consumer struct {
	client    *Client
	local     LocalDispatcher
	processID string

	batchSize          int
	checkpointInterval time.Duration

	lastSeq        uint64
	lastCheckpoint time.Time

	log *logger.Logger
}

// NewConsumer creates a consumer identified by processID; the id keys the
// offset checkpoint and filters out this process's own envelopes.
func NewConsumer(client *Client, local LocalDispatcher, processID string, batchSize int, checkpointInterval time.Duration, log *logger.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = 64
	}
	if checkpointInterval <= 0 {
		checkpointInterval = 3 * time.Second
	}
	return &Consumer{
		client:             client,
		local:              local,
		processID:          processID,
		batchSize:          batchSize,
		checkpointInterval: checkpointInterval,
		log:                log.Named("dispatch-consumer"),
	}
}

// Run tails the dispatch log until ctx is cancelled. The bounded fetch wait
// keeps the loop responsive to shutdown without a true cancellation path
// through the broker.
func (c *Consumer) Run(ctx context.Context) error {
	kv, err := c.client.JetStream().KeyValue(ctx, OffsetBucket)
	if err != nil {
		return err
	}

	cons, err := c.createConsumer(ctx, kv)
	if err != nil {
		return err
	}

	c.lastCheckpoint = time.Now()

	for {
		select {
		case <-ctx.Done():
			c.checkpoint(kv)
			return ctx.Err()
		default:
		}

		batch, err := cons.Fetch(c.batchSize, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.Warn("dispatch fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				c.checkpoint(kv)
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			c.handleMessage(msg.Data())
			if meta, err := msg.Metadata(); err == nil {
				c.lastSeq = meta.Sequence.Stream
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.log.Warn("dispatch batch error", zap.Error(err))
		}

		// Debounced offset persistence: not per message, at most once per
		// interval.
		if c.lastSeq > 0 && time.Since(c.lastCheckpoint) >= c.checkpointInterval {
			c.checkpoint(kv)
		}
	}
}

// createConsumer builds an ephemeral consumer resuming just past the
// checkpointed offset, or tailing new entries on a cold start. A checkpoint
// older than the trimmed window silently resolves to the earliest retained
// entry, which is the accepted best-effort behavior.
func (c *Consumer) createConsumer(ctx context.Context, kv jetstream.KeyValue) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: Subject,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}

	if offset, ok := c.loadOffset(ctx, kv); ok {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = offset + 1
		c.log.Info("resuming dispatch consumer", zap.Uint64("offset", offset))
	}

	return c.client.JetStream().CreateConsumer(ctx, StreamName, cfg)
}

func (c *Consumer) loadOffset(ctx context.Context, kv jetstream.KeyValue) (uint64, bool) {
	entry, err := kv.Get(ctx, c.processID)
	if err != nil {
		return 0, false
	}
	offset, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}

func (c *Consumer) checkpoint(kv jetstream.KeyValue) {
	if c.lastSeq == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := kv.Put(ctx, c.processID, []byte(strconv.FormatUint(c.lastSeq, 10))); err != nil {
		c.log.Warn("offset checkpoint failed", zap.Uint64("offset", c.lastSeq), zap.Error(err))
		return
	}
	c.lastCheckpoint = time.Now()
}

// handleMessage parses, validates and dispatches one log entry. Invalid
// entries are logged and skipped; they never reach the registry.
func (c *Consumer) handleMessage(data []byte) {
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		metrics.DispatchConsumedTotal.WithLabelValues("invalid").Inc()
		c.log.Warn("skipping undecodable envelope", zap.Error(err))
		return
	}
	if err := env.Validate(); err != nil {
		metrics.DispatchConsumedTotal.WithLabelValues("invalid").Inc()
		c.log.Warn("skipping invalid envelope", zap.Error(err))
		return
	}

	// The producing process already delivered to its own sockets.
	if env.SourceID == c.processID {
		metrics.DispatchConsumedTotal.WithLabelValues("own").Inc()
		return
	}

	switch env.Target.Kind {
	case model.TargetConnection:
		c.local.SendToConnection(env.Target.ID, env.Event)
	case model.TargetVisitor:
		c.local.SendToVisitor(env.Target.ID, env.Event, env.Target.Exclude...)
	case model.TargetWebsite:
		c.local.SendToWebsite(env.Target.ID, env.Event, env.Target.Exclude...)
	}
	metrics.DispatchConsumedTotal.WithLabelValues("dispatched").Inc()
}
