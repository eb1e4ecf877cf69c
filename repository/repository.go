// Package repository persists the domain aggregates. Each repository appends
// pending events to a storage.EventStore with optimistic concurrency and keeps
// an optional read-through snapshot cache.
//
// Find serves a cached snapshot when there is one and otherwise replays the
// event stream. Save is all-or-nothing: if the append fails nothing is
// persisted and the snapshot is rebuilt from the durable log. Snapshots are
// written with the stream version they were built from and the cache keeps
// the highest one, so a slow reader cannot overwrite a newer save.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// ErrNotFound is returned by Find when the aggregate has no events.
var ErrNotFound = model.ErrNotFound

// idLogLength is the number of characters of an identifier that may be logged.
const idLogLength = 8

// Options configures repositories. The zero value is usable.
type Options struct {
	// CacheTTL bounds the lifetime of cached snapshots. Zero means no expiry.
	CacheTTL time.Duration

	// Encryptor seals cached snapshots at rest when set and enabled.
	Encryptor *security.Encryptor

	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	// Now is the clock used for new events (default time.Now).
	Now func() time.Time

	// Identifier lengths of generated ids (default DefaultIDLength).
	ClientIDLength             int
	AccessTokenIDLength        int
	RefreshTokenIDLength       int
	AuthorizationCodeIDLength  int
	InitialAccessTokenIDLength int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Repository stores aggregates of one kind.
type Repository[T domain.Aggregate] struct {
	kind   string
	newT   func() T
	events storage.EventStore
	cache  storage.Cache
	opts   Options
	tracer trace.Tracer
}

// New creates a repository for one aggregate kind. newT returns an empty
// aggregate to replay events into. cache may be nil.
func New[T domain.Aggregate](kind string, newT func() T, events storage.EventStore, cache storage.Cache, opts Options) *Repository[T] {
	opts = opts.withDefaults()

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer("repository")
	if opts.Instrumentation != nil {
		tracer = opts.Instrumentation.Tracer("repository")
	}

	return &Repository[T]{
		kind:   kind,
		newT:   newT,
		events: events,
		cache:  cache,
		opts:   opts,
		tracer: tracer,
	}
}

// Find returns the aggregate with the given id, or ErrNotFound.
func (r *Repository[T]) Find(ctx context.Context, id string) (T, error) {
	var zero T

	ctx, span := r.tracer.Start(ctx, "repository.find")
	defer span.End()
	instrumentation.AddRepositoryAttributes(span, r.kind, util.SafeTruncate(id, idLogLength))

	if id == "" {
		return zero, ErrNotFound
	}
	key := domain.StreamID(r.kind, id)

	if agg, ok := r.fromCache(ctx, key); ok {
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCacheHit, true))
		instrumentation.SetSpanSuccess(span)
		return agg, nil
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCacheHit, false))

	events, err := r.events.Load(ctx, key)
	if err != nil {
		err = fmt.Errorf("failed to load %s: %w", r.kind, err)
		instrumentation.RecordError(span, err)
		return zero, err
	}
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrEventCount, len(events)))
	if len(events) == 0 {
		return zero, ErrNotFound
	}

	agg := r.newT()
	if err := domain.Replay(agg, events); err != nil {
		instrumentation.RecordError(span, err)
		return zero, err
	}

	r.toCache(ctx, key, agg)
	instrumentation.SetSpanSuccess(span)
	return agg, nil
}

// Save appends the aggregate's pending events, conditioned on its version,
// then refreshes the cache. A lost race returns storage.ErrVersionConflict.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	ctx, span := r.tracer.Start(ctx, "repository.save")
	defer span.End()
	instrumentation.AddRepositoryAttributes(span, r.kind, util.SafeTruncate(agg.AggregateID(), idLogLength))

	pending := agg.PendingEvents()
	instrumentation.SetSpanAttributes(span, attribute.Int(instrumentation.AttrEventCount, len(pending)))
	if len(pending) == 0 {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	key := domain.StreamID(r.kind, agg.AggregateID())
	if err := r.events.Append(ctx, key, agg.Version(), pending); err != nil {
		r.resync(ctx, key)
		if errors.Is(err, storage.ErrVersionConflict) {
			r.opts.Logger.Warn("Concurrent modification detected",
				"aggregate", r.kind,
				"id_prefix", util.SafeTruncate(agg.AggregateID(), idLogLength))
		}
		err = fmt.Errorf("failed to save %s: %w", r.kind, err)
		instrumentation.RecordError(span, err)
		return err
	}

	agg.MarkPersisted()
	r.toCache(ctx, key, agg)
	instrumentation.SetSpanSuccess(span)
	return nil
}

func (r *Repository[T]) fromCache(ctx context.Context, key string) (T, bool) {
	var zero T
	if r.cache == nil {
		return zero, false
	}

	data, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrCacheMiss) {
			r.opts.Logger.Warn("Snapshot cache read failed", "aggregate", r.kind, "error", err)
		}
		return zero, false
	}

	if r.opts.Encryptor.IsEnabled() {
		r.recordEncryption(ctx, "decrypt")
	}
	// Unusable entries are left in place; the replay that follows overwrites them.
	plain, err := r.opts.Encryptor.Open(data, []byte(key))
	if err != nil {
		r.opts.Logger.Warn("Discarding unreadable snapshot", "aggregate", r.kind, "error", err)
		return zero, false
	}

	agg := r.newT()
	if err := json.Unmarshal(plain, agg); err != nil {
		r.opts.Logger.Warn("Discarding malformed snapshot", "aggregate", r.kind, "error", err)
		return zero, false
	}
	return agg, true
}

// toCache writes a snapshot tagged with the aggregate's version. Failures
// only cost a replay later, so they are logged and the entry is dropped.
func (r *Repository[T]) toCache(ctx context.Context, key string, agg T) {
	if r.cache == nil {
		return
	}

	data, err := json.Marshal(agg)
	if err == nil {
		if r.opts.Encryptor.IsEnabled() {
			r.recordEncryption(ctx, "encrypt")
		}
		data, err = r.opts.Encryptor.Seal(data, []byte(key))
	}
	if err == nil {
		err = r.cache.Set(ctx, key, agg.Version(), data, r.opts.CacheTTL)
	}
	if err != nil {
		r.opts.Logger.Warn("Snapshot cache write failed", "aggregate", r.kind, "error", err)
		r.invalidate(ctx, key)
	}
}

// resync replaces the snapshot with one replayed from the event log. It runs
// after a failed append, whose outcome may be unknown to the caller.
func (r *Repository[T]) resync(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}

	events, err := r.events.Load(ctx, key)
	if err != nil || len(events) == 0 {
		r.invalidate(ctx, key)
		return
	}
	agg := r.newT()
	if err := domain.Replay(agg, events); err != nil {
		r.invalidate(ctx, key)
		return
	}
	r.toCache(ctx, key, agg)
}

func (r *Repository[T]) invalidate(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		r.opts.Logger.Warn("Snapshot cache invalidation failed", "aggregate", r.kind, "error", err)
	}
}

func (r *Repository[T]) recordEncryption(ctx context.Context, op string) {
	if r.opts.Instrumentation != nil {
		r.opts.Instrumentation.Metrics().RecordEncryptionOperation(ctx, op)
	}
}
