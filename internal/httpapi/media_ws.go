package httpapi

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/voicestream-echo/internal/eventlog"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ErrMalformedMessage is returned by eventName for payloads that are not a
// JSON object with a string "event" field.
var ErrMalformedMessage = errors.New("malformed stream message")

const (
	// closeWriteTimeout bounds the close frame write on the way out.
	closeWriteTimeout = time.Second

	shutdownCloseReason = "server shutting down"

	// malformedPreviewBytes is how much of a bad payload gets hex-logged.
	malformedPreviewBytes = 32
)

// echoSession owns one Media Stream connection for its whole lifetime.
// Reads and writes strictly alternate: a message is echoed before the next
// read starts.
type echoSession struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger
	events *eventlog.Logger
	hub    *sentry.Hub

	maxMessageBytes int64
	writeTimeout    time.Duration
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	if !r.sessions.Add() {
		r.logger.Info().Msg("media_ws: draining, rejecting new stream")
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.sessions.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		r.logger.Warn().Err(err).Msg("media_ws: upgrade failed")
		return
	}

	id := uuid.NewString()
	hub := sentry.CurrentHub().Clone()
	hub.Scope().SetRequest(req)
	hub.Scope().SetTag("session_id", id)

	s := &echoSession{
		id:              id,
		conn:            conn,
		logger:          r.logger.With().Str("session_id", id).Logger(),
		events:          r.events,
		hub:             hub,
		maxMessageBytes: r.cfg.MaxMessageBytes,
		writeTimeout:    r.cfg.WriteTimeout,
	}

	s.logger.Info().Str("remote_addr", req.RemoteAddr).Msg("media_ws: connection established")
	_ = s.run(r.shutdown)
}

// run echoes messages until the peer closes, the transport fails or ctx is
// cancelled. The connection is closed on every return path. A nil error
// means the session ended by close handshake or shutdown.
func (s *echoSession) run(ctx context.Context) error {
	defer s.conn.Close()

	// The loop answers close frames itself so the reason text is echoed too.
	s.conn.SetCloseHandler(func(int, string) error { return nil })
	if s.maxMessageBytes > 0 {
		s.conn.SetReadLimit(s.maxMessageBytes)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks a pending ReadMessage; an in-flight write is unaffected.
			_ = s.conn.NetConn().SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return s.finish(ctx, err)
		}
		if err := s.handleMessage(messageType, payload); err != nil {
			return s.fault(err)
		}
	}
}

func (s *echoSession) handleMessage(messageType int, payload []byte) error {
	fields := map[string]any{
		"message_type": messageTypeName(messageType),
		"bytes":        len(payload),
	}
	event, err := eventName(payload)
	if err != nil {
		// Malformed messages are recorded and still echoed; the session stays open.
		fields["error"] = err.Error()
		fields["preview"] = previewHex(payload)
		s.events.Log(s.id, eventlog.EventMalformed, fields)
	} else {
		s.events.Log(s.id, eventlog.EventType(event), fields)
	}

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("echo %s message: %w", messageTypeName(messageType), err)
	}
	return nil
}

// finish classifies a read error into peer close, shutdown or fault.
func (s *echoSession) finish(ctx context.Context, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
		code := closeErr.Code
		if code == websocket.CloseNoStatusReceived {
			code = websocket.CloseNormalClosure
		}
		s.writeClose(code, closeErr.Text)
		s.logger.Info().
			Int("code", closeErr.Code).
			Str("reason", closeErr.Text).
			Msg("media_ws: connection closed by peer")
		return nil
	}

	if ctx.Err() != nil {
		s.writeClose(websocket.CloseGoingAway, shutdownCloseReason)
		s.logger.Info().Msg("media_ws: connection closed for shutdown")
		return nil
	}

	return s.fault(err)
}

// fault ends the session after a transport failure. No close frame is
// attempted; gorilla has already sent 1009 when the read limit was hit.
func (s *echoSession) fault(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn().Err(err).Int64("limit", s.maxMessageBytes).Msg("media_ws: message too large")
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		s.logger.Warn().Err(err).Msg("media_ws: connection dropped")
	default:
		s.logger.Error().Err(err).Msg("media_ws: transport error")
		s.hub.CaptureException(err)
	}
	return err
}

func (s *echoSession) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Int("code", code).Msg("media_ws: close frame not sent")
	}
}

// eventName returns the top-level "event" string of a JSON object payload.
// Anything else (invalid JSON, a non-object, a missing or non-string event)
// wraps ErrMalformedMessage.
func eventName(payload []byte) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	raw, ok := fields["event"]
	if !ok {
		return "", fmt.Errorf("%w: missing event field", ErrMalformedMessage)
	}
	var name string
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &name) != nil {
		return "", fmt.Errorf("%w: event is not a string", ErrMalformedMessage)
	}
	return name, nil
}

func messageTypeName(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("opcode(%d)", messageType)
	}
}

func previewHex(payload []byte) string {
	if len(payload) > malformedPreviewBytes {
		return hex.EncodeToString(payload[:malformedPreviewBytes]) + "..."
	}
	return hex.EncodeToString(payload)
}
