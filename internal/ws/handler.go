package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/session"
	"github.com/scanpipe/scanpipe/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Daemon binds loopback by default
	},
}

// Handler streams session output over WebSocket connections.
type Handler struct {
	sessions *session.Manager
	logger   *logging.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(sessions *session.Manager, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// HandleConnection upgrades the request and streams one session's
// output: buffered lines first, then live lines, then the terminal
// result.
func (h *Handler) HandleConnection(c *gin.Context) {
	sid := id.SessionID(c.Query("session"))
	s, ok := h.sessions.Get(sid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before replay so no line falls between the snapshot
	// and the live feed. A line landing in both is possible and
	// harmless for log output.
	ch, unsub := s.Subscribe(256)
	defer unsub()

	var wmu sync.Mutex
	send := func(msg map[string]any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(msg)
	}

	for _, line := range s.Recent() {
		if err := send(map[string]any{"type": "line", "replay": true, "data": string(line)}); err != nil {
			return
		}
	}

	// Reader goroutine notices client disconnects; inbound frames are
	// otherwise ignored.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	finish := func() {
		msg := map[string]any{"type": "result", "timestamp": time.Now().Unix()}
		if res := s.Result(); res != nil {
			msg["ok"] = res.OK
			msg["message"] = res.Message
			msg["exit_code"] = res.ExitCode
		}
		send(msg)
	}

	for {
		select {
		case line, open := <-ch:
			if !open {
				finish()
				return
			}
			if err := send(map[string]any{"type": "line", "data": string(line)}); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
