package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"oyamarket/core/events"
	"oyamarket/core/types"
)

const wsWriteTimeout = 10 * time.Second

type eventPayload struct {
	Cursor     string            `json:"cursor"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

func eventPayloadFrom(evt *types.Event) eventPayload {
	return eventPayload{
		Cursor:     strconv.FormatUint(evt.Sequence, 10),
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Timestamp:  evt.Timestamp,
		Attributes: evt.Attributes,
	}
}

// eventFilter reads repeated or comma separated "type" query parameters.
// Entries ending in "*" match by prefix.
func eventFilter(r *http.Request) events.Filter {
	var kinds []string
	for _, raw := range r.URL.Query()["type"] {
		kinds = append(kinds, strings.Split(raw, ",")...)
	}
	return events.TypeFilter(kinds...)
}

func (a *api) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, badRequest("cursor: %v", err))
			return
		}
		since = parsed
	}
	history := a.stream.History(since, eventFilter(r))
	out := make([]eventPayload, 0, len(history))
	for _, evt := range history {
		out = append(out, eventPayloadFrom(evt))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleEventStream(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor != "" {
		if _, err := strconv.ParseUint(cursor, 10, 64); err != nil {
			writeError(w, badRequest("cursor: %v", err))
			return
		}
	}
	filter := eventFilter(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients only read; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := a.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			a.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (a *api) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter events.Filter) error {
	updates, cancel, backlog := a.stream.Subscribe(ctx, cursor, filter)
	defer cancel()

	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(eventPayloadFrom(evt))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
