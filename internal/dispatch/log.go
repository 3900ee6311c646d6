package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/metrics"
)

const (
	// StreamName is the dispatch log stream.
	StreamName = "REALTIME_DISPATCH"

	// Subject carries every envelope; ordering within the stream is the
	// only ordering the system relies on.
	Subject = "dispatch.events"

	// OffsetBucket is the KV bucket holding per-process consumer offsets.
	OffsetBucket = "dispatch_offsets"

	publishRetries      = 3
	publishBackoffStart = 100 * time.Millisecond
)

// Log is the cross-process dispatch log: bounded, ordered, at-least-once.
type Log struct {
	client   *Client
	sourceID string
	maxMsgs  int64
	log      *logger.Logger
}

// NewLog creates a dispatch log bound to this process's source id.
func NewLog(client *Client, sourceID string, maxMsgs int64, log *logger.Logger) *Log {
	if maxMsgs <= 0 {
		maxMsgs = 10000
	}
	return &Log{
		client:   client,
		sourceID: sourceID,
		maxMsgs:  maxMsgs,
		log:      log.Named("dispatch"),
	}
}

// SourceID returns the process identifier stamped on published envelopes.
func (l *Log) SourceID() string {
	return l.sourceID
}

// EnsureStream creates the dispatch stream and offset bucket if absent.
// The stream is a transport, not an event store: memory storage, discard
// old past MaxMsgs. Consumers that fall too far behind lose entries.
func (l *Log) EnsureStream(ctx context.Context) error {
	js := l.client.JetStream()

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{Subject},
		Retention:   jetstream.LimitsPolicy,
		MaxMsgs:     l.maxMsgs,
		Discard:     jetstream.DiscardOld,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Description: "Cross-process realtime event fanout",
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatch stream: %w", err)
	}

	if _, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      OffsetBucket,
		Description: "Per-process dispatch consumer offsets",
	}); err != nil {
		if _, lookupErr := js.KeyValue(ctx, OffsetBucket); lookupErr != nil {
			return fmt.Errorf("failed to create offset bucket: %w", err)
		}
	}

	return nil
}

// Publish appends an envelope, retrying transient failures with exponential
// backoff. After exhausting retries the error propagates; the caller logs
// and drops, so a failed fanout append never crashes the producing request.
func (l *Log) Publish(ctx context.Context, env model.DispatchEnvelope) error {
	env.SourceID = l.sourceID
	env.PublishedAt = time.Now()

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	backoff := publishBackoffStart
	var lastErr error
	for attempt := 0; attempt <= publishRetries; attempt++ {
		if attempt > 0 {
			metrics.DispatchPublishRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if _, lastErr = l.client.JetStream().Publish(ctx, Subject, data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to publish envelope after %d retries: %w", publishRetries, lastErr)
}

// LocalDispatcher is the subset of the registry the fanout needs.
type LocalDispatcher interface {
	SendToConnection(connectionID string, ev model.RealtimeEvent)
	SendToVisitor(visitorID string, ev model.RealtimeEvent, exclude ...string)
	SendToWebsite(websiteID string, ev model.RealtimeEvent, exclude ...string)
}

// Fanout is the production Broadcaster: it delivers to the local registry
// immediately and appends an envelope so every other process delivers to
// its own sockets. Publish failures are logged and dropped.
type Fanout struct {
	local LocalDispatcher
	dlog  *Log
	log   *logger.Logger
}

// NewFanout wires a local registry to the dispatch log.
func NewFanout(local LocalDispatcher, dlog *Log, log *logger.Logger) *Fanout {
	return &Fanout{local: local, dlog: dlog, log: log.Named("fanout")}
}

func (f *Fanout) SendToConnection(connectionID string, ev model.RealtimeEvent) {
	f.local.SendToConnection(connectionID, ev)
	f.publish(model.DispatchTarget{Kind: model.TargetConnection, ID: connectionID}, ev)
}

func (f *Fanout) SendToVisitor(visitorID string, ev model.RealtimeEvent, exclude ...string) {
	f.local.SendToVisitor(visitorID, ev, exclude...)
	f.publish(model.DispatchTarget{Kind: model.TargetVisitor, ID: visitorID, Exclude: exclude}, ev)
}

func (f *Fanout) SendToWebsite(websiteID string, ev model.RealtimeEvent, exclude ...string) {
	f.local.SendToWebsite(websiteID, ev, exclude...)
	f.publish(model.DispatchTarget{Kind: model.TargetWebsite, ID: websiteID, Exclude: exclude}, ev)
}

func (f *Fanout) publish(target model.DispatchTarget, ev model.RealtimeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.dlog.Publish(ctx, model.DispatchEnvelope{Target: target, Event: ev})
	if err != nil {
		f.log.Error("dropping envelope, dispatch log unavailable",
			zap.String("event_type", string(ev.Type)),
			zap.String("target_kind", string(target.Kind)),
			zap.Error(err),
		)
	}
}
