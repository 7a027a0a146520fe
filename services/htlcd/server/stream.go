package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"xswap/services/htlcd/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	swapID := strings.TrimSpace(r.URL.Query().Get("swap"))
	if swapID != "" {
		if _, ok := s.loadVisible(w, r, swapID); !ok {
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	filter := &eventFilter{server: s, caller: callerFrom(r), swapID: swapID, visible: map[string]bool{}}
	if err := s.streamEvents(conn.CloseRead(r.Context()), conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter *eventFilter) error {
	sub := s.deps.Events.Subscribe(wsBuffer)
	defer sub.Close()

	for _, evt := range s.deps.Events.History() {
		if !filter.allow(ctx, evt) {
			continue
		}
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !filter.allow(ctx, evt) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

// eventFilter limits a stream to one swap and, for authenticated callers, to
// swaps the caller participates in.
type eventFilter struct {
	server  *Server
	caller  string
	swapID  string
	visible map[string]bool
}

func (f *eventFilter) allow(ctx context.Context, evt events.Event) bool {
	if f.swapID != "" && evt.SwapID != f.swapID {
		return false
	}
	if f.caller == "" {
		return true
	}
	if ok, cached := f.visible[evt.SwapID]; cached {
		return ok
	}
	target, err := f.server.deps.Engine.Get(ctx, evt.SwapID, f.caller)
	ok := err == nil && (target.Initiator == f.caller || target.Responder == f.caller)
	f.visible[evt.SwapID] = ok
	return ok
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
