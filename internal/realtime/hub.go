// Package realtime delivers chat events to connected clients over websockets.
// Each user has at most one live session; a new session replaces the old one.
package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/edgard/haven/internal/chat"
	"github.com/edgard/haven/internal/database"
	errs "github.com/edgard/haven/internal/errors"
)

// Event types pushed to clients.
const (
	EventConnected       = "connected"
	EventMessageCreated  = "message.created"
	EventMessagesDeleted = "messages.deleted"
	EventSummaryUpdated  = "summary.updated"
	EventResponderFailed = "responder.failed"
	EventAck             = "ack"
	EventError           = "error"
)

// Frame types accepted from clients.
const (
	FrameSend = "message.send"
	FrameRead = "conversation.read"
)

// Event is the envelope of every outbound frame.
type Event struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

// MessageCreatedData is the payload of EventMessageCreated.
type MessageCreatedData struct {
	ConversationKey string            `json:"conversation_key"`
	Message         *database.Message `json:"message"`
}

// MessagesDeletedData is the payload of EventMessagesDeleted.
type MessagesDeletedData struct {
	ConversationKey string                 `json:"conversation_key"`
	MessageIDs      []string               `json:"message_ids"`
	Latest          database.LatestMessage `json:"latest"`
}

// ErrorData is the payload of EventError.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InboundFrame is a client request sent over the socket.
type InboundFrame struct {
	Type            string `json:"type"`
	Ref             string `json:"ref,omitempty"`
	ConversationKey string `json:"conversation_key"`
	Body            string `json:"body,omitempty"`
}

// FrameHandler executes client requests received over the socket.
type FrameHandler interface {
	Send(ctx context.Context, key, senderID, body string) (*database.Message, error)
	MarkRead(ctx context.Context, key, participantID string) error
}

// Hub tracks live sessions and implements chat.Notifier by pushing events
// to the human participants of a conversation.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Connection // userID -> connection
	closed   bool
	logger   *slog.Logger
}

var _ chat.Notifier = (*Hub)(nil)

// NewHub constructs an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		sessions: make(map[string]*Connection),
		logger:   logger.With("component", "realtime"),
	}
}

// Attach registers conn as the live session of its user and closes any
// session it replaces.
func (h *Hub) Attach(conn *Connection) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return false
	}
	previous := h.sessions[conn.UserID]
	h.sessions[conn.UserID] = conn
	h.mu.Unlock()

	conn.start()
	if previous != nil {
		previous.Close(CloseSessionReplaced, "session replaced")
	}
	h.logger.Debug("Session attached", "user_id", conn.UserID, "session_id", conn.ID)
	return true
}

// Detach removes conn if it is still the live session of its user.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	if current, ok := h.sessions[conn.UserID]; ok && current == conn {
		delete(h.sessions, conn.UserID)
	}
	h.mu.Unlock()
	h.logger.Debug("Session detached", "user_id", conn.UserID, "session_id", conn.ID)
}

// Connected reports whether userID has a live session.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

// Close terminates every session and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Connection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		sessions = append(sessions, conn)
	}
	h.sessions = make(map[string]*Connection)
	h.closed = true
	h.mu.Unlock()

	for _, conn := range sessions {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info("Realtime hub closed", "sessions", len(sessions))
}

// NotifyUser delivers event to userID's live session, if any.
func (h *Hub) NotifyUser(userID string, event Event) bool {
	h.mu.RLock()
	conn := h.sessions[userID]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}

	payload, err := sonic.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event", "type", event.Type, "error", err)
		return false
	}
	if err := conn.Send(payload); err != nil {
		h.logger.Warn("Event not delivered", "user_id", userID, "type", event.Type, "error", err)
		return false
	}
	return true
}

func (h *Hub) notifyParticipants(conv *database.Conversation, event Event) {
	for _, p := range conv.Participants {
		if p.ID == chat.BotID {
			continue
		}
		h.NotifyUser(p.ID, event)
	}
}

// MessageCreated implements chat.Notifier.
func (h *Hub) MessageCreated(_ context.Context, conv *database.Conversation, msg *database.Message) {
	h.notifyParticipants(conv, Event{
		Type: EventMessageCreated,
		Data: MessageCreatedData{ConversationKey: conv.Key, Message: msg},
	})
}

// MessagesDeleted implements chat.Notifier.
func (h *Hub) MessagesDeleted(_ context.Context, conv *database.Conversation, ids []string, latest database.LatestMessage) {
	h.notifyParticipants(conv, Event{
		Type: EventMessagesDeleted,
		Data: MessagesDeletedData{ConversationKey: conv.Key, MessageIDs: ids, Latest: latest},
	})
}

// SummaryUpdated implements chat.Notifier.
func (h *Hub) SummaryUpdated(_ context.Context, entry *database.SummaryEntry) {
	h.NotifyUser(entry.ParticipantID, Event{Type: EventSummaryUpdated, Data: entry})
}

// ResponderFailed implements chat.Notifier.
func (h *Hub) ResponderFailed(_ context.Context, notice chat.SystemNotice) {
	h.NotifyUser(notice.RecipientID, Event{Type: EventResponderFailed, Data: notice})
}

// Serve runs a session for userID over ws until the client disconnects, the
// session is replaced or ctx is done. Client frames are executed through handler.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, userID string, handler FrameHandler) {
	conn := NewConnection(userID, ws)
	if !h.Attach(conn) {
		return
	}
	defer func() {
		h.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close(websocket.CloseGoingAway, "server shutting down")
		case <-conn.Done():
		}
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	h.NotifyUser(userID, Event{Type: EventConnected, Data: map[string]string{"session_id": conn.ID}})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("Session read ended", "user_id", userID, "error", err)
			}
			return
		}

		var frame InboundFrame
		if err := sonic.Unmarshal(data, &frame); err != nil {
			h.reply(conn, Event{Type: EventError, Data: ErrorData{Code: errs.CodeValidation, Message: "invalid frame"}})
			continue
		}
		h.handleFrame(ctx, conn, handler, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, conn *Connection, handler FrameHandler, frame InboundFrame) {
	var data any
	var err error

	switch frame.Type {
	case FrameSend:
		data, err = handler.Send(ctx, frame.ConversationKey, conn.UserID, frame.Body)
	case FrameRead:
		err = handler.MarkRead(ctx, frame.ConversationKey, conn.UserID)
	default:
		err = errs.NewValidationError("unsupported frame type", nil)
	}

	if err != nil {
		h.reply(conn, Event{Type: EventError, Ref: frame.Ref, Data: ErrorData{Code: errs.Code(err), Message: errs.Message(err)}})
		return
	}
	h.reply(conn, Event{Type: EventAck, Ref: frame.Ref, Data: data})
}

func (h *Hub) reply(conn *Connection, event Event) {
	payload, err := sonic.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode reply", "type", event.Type, "error", err)
		return
	}
	_ = conn.Send(payload)
}
