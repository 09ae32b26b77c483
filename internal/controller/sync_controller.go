package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"quillsync-be/internal/pkg/logger"
	"quillsync-be/internal/store"
	docsync "quillsync-be/internal/sync"
)

type ISyncController interface {
	RegisterRoutes(r fiber.Router)
}

type syncController struct {
	mux      *docsync.Multiplexer
	pongWait time.Duration
	logger   logger.ILogger
}

func NewSyncController(mux *docsync.Multiplexer, pongWait time.Duration, log logger.ILogger) ISyncController {
	return &syncController{mux: mux, pongWait: pongWait, logger: log}
}

func (c *syncController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/sync/v1")
	h.Use("/:owner/:project/:doc", c.guardUpgrade)
	h.Get("/:owner/:project/:doc", websocket.New(c.handleConn))
}

// guardUpgrade rejects non-websocket requests and malformed
// identifiers before the upgrade happens.
func (c *syncController) guardUpgrade(ctx *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(ctx) {
		return fiber.ErrUpgradeRequired
	}
	if !store.IsPathSafe(ctx.Params("owner")) ||
		!store.IsPathSafe(ctx.Params("project")) ||
		!store.IsPathSafe(ctx.Params("doc")) {
		return fiber.NewError(fiber.StatusBadRequest, "malformed tenant or document identifier")
	}
	return ctx.Next()
}

// handleConn owns the socket for its whole life: resolve the room
// (loading from storage if cold), attach, then pump until the peer
// goes away.
func (c *syncController) handleConn(conn *websocket.Conn) {
	tenant := store.TenantKey{Owner: conn.Params("owner"), Project: conn.Params("project")}
	documentID := conn.Params("doc")
	clientID := conn.Query("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	binding := c.mux.NewBinding()
	defer binding.Unbind()

	// A room can park between resolve and attach; re-resolving revives
	// it, so a couple of retries suffice.
	for attempt := 0; attempt < 3; attempt++ {
		room, err := binding.Resolve(tenant, documentID)
		if err != nil {
			c.logger.Error("SyncController", "Failed to resolve room", map[string]interface{}{
				"tenant": tenant.String(), "document": documentID, "error": err.Error(),
			})
			break
		}

		err = docsync.ServeConn(room, conn, clientID, c.pongWait, c.logger)
		if err == nil {
			return
		}
		binding.Unbind()
		if !errors.Is(err, docsync.ErrRoomParked) {
			c.logger.Warn("SyncController", "Attach failed", map[string]interface{}{
				"tenant": tenant.String(), "document": documentID, "error": err.Error(),
			})
			break
		}
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"))
	conn.Close()
}
