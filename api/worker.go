package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaybridge/core"
	"relaybridge/session"
)

// WorkerAPI upgrades an inbound HTTP connection to the worker duplex
// transport and hands it off to a Session for its lifetime.
type WorkerAPI struct {
	registry          *core.Registry
	rendezvous        *core.Rendezvous
	heartbeatInterval time.Duration
	logger            *slog.Logger
	upgrader          websocket.Upgrader
}

// NewWorkerAPI creates a WorkerAPI. CheckOrigin always allows: workers
// are trusted infrastructure, not browser clients subject to CORS.
// heartbeatInterval is passed through to every Session it creates.
func NewWorkerAPI(registry *core.Registry, rendezvous *core.Rendezvous, heartbeatInterval time.Duration, logger *slog.Logger) *WorkerAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerAPI{
		registry:          registry,
		rendezvous:        rendezvous,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnect upgrades GET /ws to a worker duplex connection and runs
// its session until disconnect.
func (a *WorkerAPI) HandleConnect(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	meta := core.WorkerMetadata{
		UserAgent: c.Request.UserAgent(),
		Origin:    c.Request.Header.Get("Origin"),
	}

	s := session.New(id, conn, a.registry, a.rendezvous, a.heartbeatInterval, a.logger)
	if err := s.Run(context.Background(), meta); err != nil {
		a.logger.Warn("worker session ended", "worker_id", id, "error", err)
	}
}

// HandleLogs implements GET /workers/:id/logs, returning the recent
// client_log lines the named worker has reported.
func (a *WorkerAPI) HandleLogs(c *gin.Context) {
	id := c.Param("id")
	rec := a.registry.Get(id)
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}

	source, ok := rec.Handle.(core.LogSource)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"logs": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": source.RecentLogs()})
}
