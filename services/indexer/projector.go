package indexer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"oyamarket/core/events"
)

const defaultResyncInterval = 5 * time.Second

// Projector keeps the order index in step with the event stream. Stream
// notifications only wake it up; every pass reads the retained history past
// its cursor, so events dropped for a slow subscriber are still applied.
type Projector struct {
	store    *Store
	stream   *events.Stream
	logger   *slog.Logger
	runID    string
	interval time.Duration
	filter   events.Filter
	cursor   atomic.Uint64
}

func NewProjector(store *Store, stream *events.Stream, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{
		store:    store,
		stream:   stream,
		logger:   logger,
		runID:    uuid.NewString(),
		interval: defaultResyncInterval,
		filter:   events.TypeFilter("escrow.order.*"),
	}
}

// RunID identifies this projector's pass over the stream in the event table.
func (p *Projector) RunID() string { return p.runID }

// Cursor returns the sequence of the last applied event.
func (p *Projector) Cursor() uint64 { return p.cursor.Load() }

// Run applies events until ctx is done.
func (p *Projector) Run(ctx context.Context) error {
	updates, cancel, _ := p.stream.Subscribe(ctx, "", p.filter)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Sync(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("indexer: apply events", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
		case <-ticker.C:
		}
	}
}

// Sync applies every retained event newer than the cursor.
func (p *Projector) Sync(ctx context.Context) error {
	for _, evt := range p.stream.History(p.cursor.Load(), p.filter) {
		if err := p.store.Apply(ctx, p.runID, evt); err != nil {
			return err
		}
		p.cursor.Store(evt.Sequence)
	}
	return nil
}
