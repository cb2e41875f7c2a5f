package events

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"oyamarket/core/types"
)

const defaultStreamHistory = 2048

// Filter selects events delivered to a subscriber. A nil filter accepts
// everything.
type Filter func(*types.Event) bool

// TypeFilter accepts events whose type matches one of the supplied values.
// Entries ending in "*" match by prefix.
func TypeFilter(kinds ...string) Filter {
	cleaned := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if trimmed := strings.TrimSpace(kind); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return func(evt *types.Event) bool {
		for _, kind := range cleaned {
			if strings.HasSuffix(kind, "*") {
				if strings.HasPrefix(evt.Type, strings.TrimSuffix(kind, "*")) {
					return true
				}
				continue
			}
			if evt.Type == kind {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	ch     chan *types.Event
	filter Filter
}

// Stream is an Emitter that sequences events, keeps a bounded history and fans
// them out to subscribers. Slow subscribers drop events rather than block the
// emitting state transition; they can resume from their last cursor.
type Stream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	history []*types.Event
	limit   int
	subs    map[uint64]subscriber
	nowFn   func() time.Time
}

// NewStream creates a stream retaining up to limit events of history. A
// non-positive limit selects the default.
func NewStream(limit int) *Stream {
	if limit <= 0 {
		limit = defaultStreamHistory
	}
	return &Stream{
		limit: limit,
		subs:  make(map[uint64]subscriber),
		nowFn: time.Now,
	}
}

// Emit implements the Emitter interface. Events that cannot render a payload
// are ignored.
func (s *Stream) Emit(evt Event) {
	if s == nil || evt == nil {
		return
	}
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	rendered := payload.Event()
	if rendered == nil {
		return
	}
	s.Publish(rendered)
}

// Publish sequences and broadcasts an already rendered event.
func (s *Stream) Publish(evt *types.Event) {
	if s == nil || evt == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	stored := evt.Clone()
	stored.Sequence = s.seq
	if stored.Timestamp == 0 {
		stored.Timestamp = s.nowFn().Unix()
	}
	s.history = append(s.history, stored)
	if len(s.history) > s.limit {
		excess := len(s.history) - s.limit
		trimmed := make([]*types.Event, s.limit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	// Sends stay under the lock so cancel cannot close a channel mid-send.
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(stored) {
			continue
		}
		select {
		case sub.ch <- stored.Clone():
		default:
		}
	}
	s.mu.Unlock()
}

// Sequence returns the sequence number of the most recent event.
func (s *Stream) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// History returns the retained events with a sequence greater than since that
// pass the filter.
func (s *Stream) History(since uint64, filter Filter) []*types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Event, 0)
	for _, evt := range s.history {
		if evt.Sequence <= since {
			continue
		}
		if filter != nil && !filter(evt) {
			continue
		}
		out = append(out, evt.Clone())
	}
	return out
}

// Subscribe registers a subscriber for events published after the supplied
// cursor. The backlog contains matching retained events newer than the
// cursor. The returned cancel function is idempotent and is also invoked when
// ctx is done.
func (s *Stream) Subscribe(ctx context.Context, cursor string, filter Filter) (<-chan *types.Event, func(), []*types.Event) {
	updates := make(chan *types.Event, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = subscriber{ch: updates, filter: filter}
	backlog := make([]*types.Event, 0)
	for _, evt := range s.history {
		if evt.Sequence <= since {
			continue
		}
		if filter != nil && !filter(evt) {
			continue
		}
		backlog = append(backlog, evt.Clone())
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			sub, ok := s.subs[id]
			if ok {
				delete(s.subs, id)
				close(sub.ch)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog
}

// WaitFor blocks until one event newer than cursor passes the filter, then
// stops listening and returns it. This is the one-shot consumption pattern
// used by callers that only need a single notification.
func (s *Stream) WaitFor(ctx context.Context, cursor string, filter Filter) (*types.Event, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	updates, cancel, backlog := s.Subscribe(ctx, cursor, filter)
	defer cancel()
	if len(backlog) > 0 {
		return backlog[0], nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case evt, ok := <-updates:
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, context.Canceled
		}
		return evt, nil
	}
}
