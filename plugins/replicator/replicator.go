// Package replicator is a collaborator plugin (spec.md §6.3): it
// subscribes to every resource's "after" events on the EventBus and
// fans each one out to one or more Sinks.
//
// Grounded on the teacher's redis adapter
// (services/anchor/internal/database/redis/connection.go's
// redis.NewClient(options) setup, and replication_ops.go's
// keyspace-event fan-out loop) rehomed here as an outbound replication
// sink instead of an inbound CDC source.
package replicator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/logger"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
)

// ChangeEvent is what every Sink receives: the resource event plus the
// phase/op suffix the EventBus dispatched on (e.g. "after:insert").
type ChangeEvent struct {
	ResourceName string         `json:"resourceName"`
	Op           string         `json:"op"`
	Record       map[string]any `json:"record"`
}

// Sink consumes replicated change events. Implementations must not
// block the EventBus dispatch loop for long; Replicator runs each sink
// call synchronously per event but on the bus's own per-event goroutine.
type Sink interface {
	Name() string
	Replicate(ctx context.Context, ev ChangeEvent) error
}

// Replicator is the plugin: it registers one EventBus subscription
// matching every resource's after-events and forwards each to every
// configured Sink.
type Replicator struct {
	id    string
	sinks []Sink
	log   *logger.Logger

	bus   *eventbus.Bus
	subID uint64
}

// New builds a Replicator plugin with the given sinks.
func New(id string, sinks []Sink, log *logger.Logger) *Replicator {
	if log == nil {
		log = logger.New("s3db", "dev")
	}
	return &Replicator{id: id, sinks: sinks, log: log}
}

func (r *Replicator) ID() string { return r.id }

// Setup subscribes to "*:after:*", matching spec.md §4.3's
// "<resource>:<phase>:<op>" event-name grammar for every resource and
// every write operation.
func (r *Replicator) Setup(ctx context.Context, host *plugin.Framework) error {
	r.bus = host.Events()
	r.subID = r.bus.On("*:after:*", r.onEvent)
	return nil
}

func (r *Replicator) Start(ctx context.Context) error { return nil }

func (r *Replicator) Stop(ctx context.Context) error {
	if r.bus != nil {
		r.bus.Off(r.subID)
	}
	return nil
}

func (r *Replicator) onEvent(event string, payload any) {
	ep, ok := payload.(resource.EventPayload)
	if !ok {
		return
	}
	ev := ChangeEvent{ResourceName: ep.ResourceName, Op: ep.Op, Record: ep.Record}
	ctx := context.Background()
	for _, sink := range r.sinks {
		if err := sink.Replicate(ctx, ev); err != nil {
			r.log.Warnf("replicator %s: sink %s failed for %s: %v", r.id, sink.Name(), event, err)
		}
	}
}

// LogSink replicates by logging; useful as a default/debug sink and as
// a guaranteed-present fallback when no external sink is configured.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.New("s3db", "dev")
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Replicate(ctx context.Context, ev ChangeEvent) error {
	s.log.Infof("replicate %s %s: %v", ev.ResourceName, ev.Op, ev.Record)
	return nil
}

// RedisStreamSink appends each change event to a Redis stream named
// after the resource, using XAdd, grounded on the teacher's
// redis.NewClient(options) connection pattern.
type RedisStreamSink struct {
	client       *redis.Client
	streamPrefix string
}

// RedisStreamSinkConfig mirrors the subset of redis.Options the
// teacher's adapter exposes for a single-node connection.
type RedisStreamSinkConfig struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string // defaults to "s3db:changes:"
}

func NewRedisStreamSink(cfg RedisStreamSinkConfig) *RedisStreamSink {
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "s3db:changes:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStreamSink{client: client, streamPrefix: prefix}
}

func (s *RedisStreamSink) Name() string { return "redis-stream" }

func (s *RedisStreamSink) Replicate(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	stream := s.streamPrefix + ev.ResourceName
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"op":     ev.Op,
			"record": body,
		},
	}).Err()
}

func (s *RedisStreamSink) Close() error { return s.client.Close() }
