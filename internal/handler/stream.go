package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-relay/internal/model"
	"github.com/capitalize-ai/support-relay/internal/realtime"
	"github.com/capitalize-ai/support-relay/internal/service"
	"github.com/capitalize-ai/support-relay/pkg/logger"
	"github.com/capitalize-ai/support-relay/pkg/metrics"
)

const (
	replayLimit = 50

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
)

// StreamHandler handles live viewer endpoints.
type StreamHandler struct {
	hub       *realtime.Hub
	messages  *service.MessageService
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(hub *realtime.Hub, messages *service.MessageService, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if log == nil {
		log = logger.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		hub:       hub,
		messages:  messages,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// CORS middleware governs browser origins.
				return true
			},
		},
		logger: log.Named("stream"),
	}
}

// ReplayCompleteEvent marks the end of the initial message replay.
type ReplayCompleteEvent struct {
	MessageCount int `json:"messageCount"`
}

// Stream handles GET /conversations/{id}/stream
//
// The stream subscribes before replaying the latest messages, so an event
// stored during replay is delivered at least once.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := h.hub.Subscribe(conversationID)
	defer sub.Close()

	metrics.StreamConnectionsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamConnectionsActive.WithLabelValues("sse").Dec()

	_ = sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversationId": conversationID,
	})

	replayed := 0
	resp, err := h.messages.List(ctx, conversationID, replayLimit)
	if err != nil {
		h.logger.Warn("failed to replay messages", zap.String("conversation_id", conversationID), zap.Error(err))
		_ = sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "replay_error",
			Message: "Failed to replay messages",
		})
	} else {
		for _, msg := range resp.Messages {
			_ = sendSSEEvent(w, flusher, string(model.EventTypeMessage), model.Event{
				Type:           model.EventTypeMessage,
				ConversationID: conversationID,
				Message:        &msg,
				At:             msg.CreatedAt,
			})
			replayed++
		}
	}
	_ = sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{MessageCount: replayed})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("conversation_id", conversationID))
			return

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

// WebSocket handles GET /conversations/{id}/ws. Viewers only receive; any
// inbound frame other than control frames is ignored.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := conversationParam(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(conversationID)
	metrics.StreamConnectionsActive.WithLabelValues("websocket").Inc()
	defer metrics.StreamConnectionsActive.WithLabelValues("websocket").Dec()

	done := make(chan struct{})
	go h.readPump(conn, sub, done)
	h.writePump(conn, sub, done)
}

// readPump drains inbound frames so pongs and close frames are processed.
func (h *StreamHandler) readPump(conn *websocket.Conn, sub *realtime.Subscription, done chan struct{}) {
	defer func() {
		sub.Close()
		close(done)
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("conversation_id", sub.ConversationID), zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(conn *websocket.Conn, sub *realtime.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.String("conversation_id", sub.ConversationID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
