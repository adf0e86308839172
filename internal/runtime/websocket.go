package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 5 * time.Second
)

// clientFrame is a message sent by a websocket client.
type clientFrame struct {
	Type    string `json:"type"` // prompt, cancel, speech
	Text    string `json:"text,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// serverFrame is a message sent to a websocket client.
type serverFrame struct {
	Type    string `json:"type"` // chunk, final, state, error
	TurnID  string `json:"turn_id,omitempty"`
	State   string `json:"state,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// turnSocket serves /v1/turns. Each connection may drive turns on the shared
// assistant and receives every state change.
type turnSocket struct {
	assistant router.Assistant
	subscribe func(session.StateListener) func()
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func newTurnSocket(assistant router.Assistant, subscribe func(session.StateListener) func(), logger *slog.Logger) *turnSocket {
	return &turnSocket{
		assistant: assistant,
		subscribe: subscribe,
		logger:    logger.With(slog.String("component", "websocket")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *turnSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	ws := &wsConn{conn: conn}
	unsubscribe := h.subscribe(func(turnID string, state session.State) {
		_ = ws.send(serverFrame{Type: "state", TurnID: turnID, State: state.String()})
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var turns sync.WaitGroup
	defer turns.Wait()

	logger := h.logger.With(slog.String("remote", r.RemoteAddr))
	logger.Debug("websocket client connected")
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", slogError(err))
			}
			cancel()
			return
		}
		if messageType != websocket.TextMessage {
			_ = ws.send(serverFrame{Type: "error", Error: "frames must be JSON text"})
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = ws.send(serverFrame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case "prompt":
			text := strings.TrimSpace(frame.Text)
			if text == "" {
				_ = ws.send(serverFrame{Type: "error", Error: "text is required"})
				continue
			}
			// A new prompt interrupts whatever is running, then waits for it
			// to wind down so the assistant is idle again.
			h.assistant.Cancel()
			turns.Wait()
			turns.Add(1)
			go func() {
				defer turns.Done()
				h.runTurn(ctx, ws, text)
			}()
		case "cancel":
			h.assistant.Cancel()
		case "speech":
			if frame.Enabled == nil {
				_ = ws.send(serverFrame{Type: "error", Error: "enabled is required"})
				continue
			}
			if *frame.Enabled {
				h.assistant.EnableSpeech()
			} else {
				h.assistant.DisableSpeech()
			}
		default:
			_ = ws.send(serverFrame{Type: "error", Error: "unknown frame type " + frame.Type})
		}
	}
}

func (h *turnSocket) runTurn(ctx context.Context, ws *wsConn, text string) {
	var (
		full    strings.Builder
		turnErr string
	)
	for chunk, err := range h.assistant.Submit(ctx, text) {
		if err != nil {
			switch {
			case errors.Is(err, session.ErrTurnInProgress):
				turnErr = "busy"
			case errors.Is(err, session.ErrCancelled), errors.Is(err, context.Canceled):
				turnErr = "cancelled"
			default:
				turnErr = err.Error()
			}
			break
		}
		full.WriteString(chunk)
		if err := ws.send(serverFrame{Type: "chunk", Content: chunk}); err != nil {
			// Stopping iteration cancels the turn.
			return
		}
	}
	_ = ws.send(serverFrame{Type: "final", Content: full.String(), Error: turnErr})
}
