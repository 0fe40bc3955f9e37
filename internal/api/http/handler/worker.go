package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/service"
	"github.com/cratery/cratery/internal/worker"
)

const (
	writeTimeout = 10 * time.Second
	// readLimit bounds a single frame; artifact chunks stay well below it.
	readLimit = 64 << 20
)

// Workers upgrades authenticated requests to the worker protocol stream and
// pumps frames between the socket and the registry/scheduler.
type Workers struct {
	auth      *service.Auth
	registry  *worker.Registry
	scheduler *worker.Scheduler
	secret    string
	logger    *logger.Logger
	upgrader  websocket.Upgrader
}

func NewWorkers(auth *service.Auth, registry *worker.Registry, scheduler *worker.Scheduler, secret string, logger *logger.Logger) *Workers {
	return &Workers{
		auth:      auth,
		registry:  registry,
		scheduler: scheduler,
		secret:    secret,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
}

// wsConn adapts a websocket connection to the worker.Conn seam. Writes are
// serialized; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, frame worker.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Connect handles GET /api/v1/worker/connect. Authentication is the shared
// worker secret or a token with the admin capability.
func (h *Workers) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.authenticate(r); err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cratery"`)
		WriteError(w, h.logger, err)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade worker connection", "error", err)
		return
	}
	socket.SetReadLimit(readLimit)

	conn := &wsConn{conn: socket}

	// The first frame must be the descriptor.
	var hello worker.Frame
	if err := socket.ReadJSON(&hello); err != nil || hello.Type != worker.FrameHello || hello.Hello == nil {
		h.logger.Warn("worker sent no hello frame")
		socket.Close()
		return
	}

	registered := h.registry.Add(*hello.Hello, conn)
	h.scheduler.Tick()

	for {
		var frame worker.Frame
		if err := socket.ReadJSON(&frame); err != nil {
			h.registry.Remove(registered.ID, "disconnected")
			return
		}
		switch frame.Type {
		case worker.FrameKeepAlive:
			h.registry.Keepalive(registered.ID)
		case worker.FrameJobProgress:
			h.scheduler.HandleProgress(registered.ID, frame.JobID, frame.Artifact)
		case worker.FrameJobResult:
			if frame.Result != nil {
				h.scheduler.HandleResult(r.Context(), registered.ID, frame.JobID, *frame.Result)
			}
		default:
			h.logger.Warn("unexpected worker frame", "type", string(frame.Type), "worker", registered.ID)
		}
	}
}

func (h *Workers) authenticate(r *http.Request) error {
	auth := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if auth == "" {
		return apierror.Unauthorized("authentication required")
	}
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(auth), []byte(h.secret)) == 1 {
		return nil
	}
	p, err := h.auth.AuthenticateToken(r.Context(), auth)
	if err != nil {
		return err
	}
	if !p.CanAdmin {
		return apierror.Forbidden("worker connections require the admin capability")
	}
	return nil
}
